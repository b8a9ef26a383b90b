package display

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// HbmMode is the high-brightness-mode state reported by the range
// controller.
type HbmMode int

const (
	HbmOff HbmMode = iota
	HbmSunlight
	HbmHDR
)

func (m HbmMode) String() string {
	switch m {
	case HbmOff:
		return "off"
	case HbmSunlight:
		return "sunlight"
	case HbmHDR:
		return "hdr"
	default:
		return fmt.Sprintf("HbmMode(%d)", int(m))
	}
}

// MaxReason explains what currently caps the brightness.
type MaxReason int

const (
	MaxReasonNone MaxReason = iota
	MaxReasonThermal
	MaxReasonPowerIC
	MaxReasonWearBedtime
)

func (r MaxReason) String() string {
	switch r {
	case MaxReasonNone:
		return "none"
	case MaxReasonThermal:
		return "thermal"
	case MaxReasonPowerIC:
		return "power-ic"
	case MaxReasonWearBedtime:
		return "wear-bedtime"
	default:
		return fmt.Sprintf("MaxReason(%d)", int(r))
	}
}

// BrightnessInfo is the published point-in-time brightness snapshot.
type BrightnessInfo struct {
	Brightness         float64
	AdjustedBrightness float64
	BrightnessMin      float64
	BrightnessMax      float64
	HbmMode            HbmMode
	HbmTransitionPoint float64
	MaxReason          MaxReason
}

// NewBrightnessInfo returns the snapshot used before the first commit.
func NewBrightnessInfo() BrightnessInfo {
	return BrightnessInfo{
		Brightness:         math.NaN(),
		AdjustedBrightness: math.NaN(),
		BrightnessMin:      math.NaN(),
		BrightnessMax:      math.NaN(),
		HbmTransitionPoint: math.Inf(1),
	}
}

// Equal compares snapshots with NaN equal to NaN.
func (i BrightnessInfo) Equal(o BrightnessInfo) bool {
	return FloatEqual(i.Brightness, o.Brightness) &&
		FloatEqual(i.AdjustedBrightness, o.AdjustedBrightness) &&
		FloatEqual(i.BrightnessMin, o.BrightnessMin) &&
		FloatEqual(i.BrightnessMax, o.BrightnessMax) &&
		i.HbmMode == o.HbmMode &&
		FloatEqual(i.HbmTransitionPoint, o.HbmTransitionPoint) &&
		i.MaxReason == o.MaxReason
}

// Brightness source identifiers.
const (
	BrightnessReasonUnknown = iota
	BrightnessReasonManual
	BrightnessReasonDoze
	BrightnessReasonDozeDefault
	BrightnessReasonAutomatic
	BrightnessReasonScreenOff
	BrightnessReasonOverride
	BrightnessReasonTemporary
	BrightnessReasonBoost
	BrightnessReasonOffload
	BrightnessReasonFollower
)

// Brightness modifiers, combined as a bit set.
const (
	ModifierDimmed      = 0x1
	ModifierLowPower    = 0x2
	ModifierHDR         = 0x4
	ModifierThrottled   = 0x8
	ModifierUserSetting = 0x10
)

var brightnessReasonNames = []string{
	"unknown", "manual", "doze", "doze_default", "automatic",
	"screen_off", "override", "temporary", "boost", "offload", "follower",
}

// BrightnessReason records which source chose the brightness and which
// modifiers were applied to it afterwards.
type BrightnessReason struct {
	Reason   int
	Modifier int
}

// AddModifier sets modifier bits.
func (r *BrightnessReason) AddModifier(m int) {
	r.Modifier |= m
}

func (r BrightnessReason) String() string {
	name := "invalid"
	if r.Reason >= 0 && r.Reason < len(brightnessReasonNames) {
		name = brightnessReasonNames[r.Reason]
	}
	var mods []string
	if r.Modifier&ModifierDimmed != 0 {
		mods = append(mods, "dim")
	}
	if r.Modifier&ModifierLowPower != 0 {
		mods = append(mods, "low_pwr")
	}
	if r.Modifier&ModifierHDR != 0 {
		mods = append(mods, "hdr")
	}
	if r.Modifier&ModifierThrottled != 0 {
		mods = append(mods, "throttled")
	}
	if r.Modifier&ModifierUserSetting != 0 {
		mods = append(mods, "user_setting")
	}
	if len(mods) == 0 {
		return name
	}
	return name + " [" + strings.Join(mods, " ") + "]"
}

// BrightnessEvent flags.
const (
	EventFlagRBC          = 0x1
	EventFlagInvalidLux   = 0x2
	EventFlagDozeScale    = 0x4
	EventFlagUserSet      = 0x8
	EventFlagIdleCurve    = 0x10
	EventFlagLowPowerMode = 0x20
)

// BrightnessEvent describes one brightness decision. Events are compared
// without their timestamps to decide whether a new one is worth recording.
type BrightnessEvent struct {
	Time                  time.Time
	DisplayID             int
	PhysicalDisplayID     string
	Reason                BrightnessReason
	Lux                   float64
	InitialBrightness     float64
	Brightness            float64
	RecommendedBrightness float64
	HbmMode               HbmMode
	HbmMax                float64
	ThermalMax            float64
	PowerFactor           float64
	AutomaticBrightness   bool
	Flags                 int
}

// EquivalentTo compares two events ignoring time and initial brightness.
func (e BrightnessEvent) EquivalentTo(o BrightnessEvent) bool {
	return e.DisplayID == o.DisplayID &&
		e.PhysicalDisplayID == o.PhysicalDisplayID &&
		e.Reason == o.Reason &&
		FloatEqual(e.Lux, o.Lux) &&
		FloatEqual(e.Brightness, o.Brightness) &&
		FloatEqual(e.RecommendedBrightness, o.RecommendedBrightness) &&
		e.HbmMode == o.HbmMode &&
		FloatEqual(e.HbmMax, o.HbmMax) &&
		FloatEqual(e.ThermalMax, o.ThermalMax) &&
		FloatEqual(e.PowerFactor, o.PowerFactor) &&
		e.AutomaticBrightness == o.AutomaticBrightness &&
		e.Flags == o.Flags
}

func (e BrightnessEvent) String() string {
	return fmt.Sprintf("%s BrightnessEvent: disp=%d, physDisp=%s, brt=%.4f, initBrt=%.4f, rcmdBrt=%.4f, lux=%.1f, hbmMax=%.4f, hbmMode=%s, thrmMax=%.4f, powerFactor=%.2f, flags=%#x, reason=%s, autoBrightness=%t",
		e.Time.Format("01-02 15:04:05.000"), e.DisplayID, e.PhysicalDisplayID, e.Brightness,
		e.InitialBrightness, e.RecommendedBrightness, e.Lux, e.HbmMax, e.HbmMode, e.ThermalMax,
		e.PowerFactor, e.Flags, e.Reason, e.AutomaticBrightness)
}
