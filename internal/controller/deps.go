package controller

import (
	"math"

	"github.com/dispctl/host/internal/display"
	"github.com/dispctl/host/internal/gate"
	"github.com/dispctl/host/internal/powerstate"
	"github.com/dispctl/host/internal/proximity"
	"github.com/dispctl/host/internal/tracing"
)

// WindowPolicy is the compositor side of the screen handshake. A non-nil
// token must be acknowledged exactly once, from any goroutine, after the
// compositor has drawn (turning on) or hidden (turning off) its content.
type WindowPolicy interface {
	ScreenTurningOn(displayID int, token *gate.Token)
	ScreenTurnedOn(displayID int)
	ScreenTurningOff(displayID int, token *gate.Token)
	ScreenTurnedOff(displayID int, inTransition bool)
}

// Callbacks are the power manager notifications. They are invoked on the
// loop and must not block.
type Callbacks interface {
	OnStateChanged()
	OnProximityPositive()
	OnProximityNegative()
	AcquireSuspendBlocker(id string)
	ReleaseSuspendBlocker(id string)
}

// BrightnessListener is told when the published BrightnessInfo changes.
type BrightnessListener interface {
	OnBrightnessChanged(displayID int, info display.BrightnessInfo)
}

// StatsSink records screen and brightness statistics. Errors are logged
// and otherwise ignored.
type StatsSink interface {
	NoteScreenState(displayID int, state display.ScreenState, reason display.StateReason) error
	NoteScreenBrightness(displayID int, brightness float64) error
	NoteHbmBrightness(displayID int, brightness float64) error
	NoteBrightnessEvent(ev display.BrightnessEvent) error
}

// SettingsStore holds persisted user brightness settings.
type SettingsStore interface {
	ScreenBrightness(displayID int) (float64, error)
	SetScreenBrightness(displayID int, brightness float64) error
	AutoBrightnessEnabled(displayID int) (bool, error)
	AutoBrightnessAdjustment(displayID int) (float64, error)
}

// Clamper computes throttling caps.
type Clamper interface {
	// Clamp returns the capped brightness and what capped it.
	Clamp(brightness float64) (float64, display.MaxReason)
	Stop()
}

// BrightnessRange reports the high brightness mode window.
type BrightnessRange interface {
	CurrentMax() float64
	Mode() display.HbmMode
	TransitionPoint() float64
	OnAmbientLux(lux float64)
	Stop()
}

// AutoBrightness is the ambient-light driven brightness source.
type AutoBrightness interface {
	Configure(enabled bool, adjustment float64, policy display.Policy)
	// Brightness returns the recommended brightness, or NaN.
	Brightness() float64
	AmbientLux() float64
	IsInIdleMode() bool
	// SetIdleMode switches between the default and idle curves.
	SetIdleMode(idle bool)
	Stop()
}

// Hooks are device-specific checks consulted during transitions.
type Hooks interface {
	IsFolding() bool
	IsSilentRebootFirstSleep(displayID int) bool
	IsBlockScreenOnByBiometrics() bool
	IsBlockedBySideFingerprint() bool
	SetRampRefreshBoost(on bool)
}

// Properties publishes debug values. Write failures are logged.
type Properties interface {
	Set(key, value string) error
}

// NitsMapper converts between brightness and luminance.
type NitsMapper interface {
	ToNits(brightness float64) float64
	FromNits(nits float64) float64
}

// Follower is a display whose brightness tracks a leader.
type Follower interface {
	DisplayID() int
	SetBrightnessToFollow(brightness, nits, ambientLux float64, slowChange bool)
}

// Deps are the collaborators of a Controller. Nil fields get no-op
// defaults.
type Deps struct {
	Blanker            powerstate.Blanker
	ColorFade          powerstate.ColorFade
	WindowPolicy       WindowPolicy
	Callbacks          Callbacks
	BrightnessListener BrightnessListener
	Stats              StatsSink
	Settings           SettingsStore
	Clamper            Clamper
	BrightnessRange    BrightnessRange
	AutoBrightness     AutoBrightness
	ProximitySensor    proximity.Sensor
	Hooks              Hooks
	Tracer             tracing.Tracer
	Properties         Properties
	Nits               NitsMapper
}

func (d Deps) withDefaults(cfg Config) Deps {
	if d.WindowPolicy == nil {
		d.WindowPolicy = nopWindowPolicy{}
	}
	if d.Callbacks == nil {
		d.Callbacks = nopCallbacks{}
	}
	if d.BrightnessListener == nil {
		d.BrightnessListener = nopBrightnessListener{}
	}
	if d.Stats == nil {
		d.Stats = nopStats{}
	}
	if d.Settings == nil {
		d.Settings = &MemorySettings{}
	}
	if d.Clamper == nil {
		d.Clamper = nopClamper{}
	}
	if d.BrightnessRange == nil {
		d.BrightnessRange = fixedRange{max: cfg.Brightness.Max}
	}
	if d.AutoBrightness == nil {
		d.AutoBrightness = nopAutoBrightness{}
	}
	if d.Hooks == nil {
		d.Hooks = NopHooks{}
	}
	if d.Tracer == nil {
		d.Tracer = tracing.Nop{}
	}
	if d.Properties == nil {
		d.Properties = nopProperties{}
	}
	if d.Nits == nil {
		d.Nits = LinearNits{Max: cfg.Brightness.MaxNits}
	}
	return d
}

type nopWindowPolicy struct{}

func (nopWindowPolicy) ScreenTurningOn(int, *gate.Token)  {}
func (nopWindowPolicy) ScreenTurnedOn(int)                {}
func (nopWindowPolicy) ScreenTurningOff(int, *gate.Token) {}
func (nopWindowPolicy) ScreenTurnedOff(int, bool)         {}

type nopCallbacks struct{}

func (nopCallbacks) OnStateChanged()              {}
func (nopCallbacks) OnProximityPositive()         {}
func (nopCallbacks) OnProximityNegative()         {}
func (nopCallbacks) AcquireSuspendBlocker(string) {}
func (nopCallbacks) ReleaseSuspendBlocker(string) {}

type nopBrightnessListener struct{}

func (nopBrightnessListener) OnBrightnessChanged(int, display.BrightnessInfo) {}

type nopStats struct{}

func (nopStats) NoteScreenState(int, display.ScreenState, display.StateReason) error { return nil }
func (nopStats) NoteScreenBrightness(int, float64) error                             { return nil }
func (nopStats) NoteHbmBrightness(int, float64) error                                { return nil }
func (nopStats) NoteBrightnessEvent(display.BrightnessEvent) error                   { return nil }

type nopClamper struct{}

func (nopClamper) Clamp(b float64) (float64, display.MaxReason) { return b, display.MaxReasonNone }
func (nopClamper) Stop()                                        {}

type fixedRange struct{ max float64 }

func (r fixedRange) CurrentMax() float64    { return r.max }
func (fixedRange) Mode() display.HbmMode    { return display.HbmOff }
func (fixedRange) TransitionPoint() float64 { return math.Inf(1) }
func (fixedRange) OnAmbientLux(float64)     {}
func (fixedRange) Stop()                    {}

type nopAutoBrightness struct{}

func (nopAutoBrightness) Configure(bool, float64, display.Policy) {}
func (nopAutoBrightness) Brightness() float64                     { return math.NaN() }
func (nopAutoBrightness) AmbientLux() float64                     { return math.NaN() }
func (nopAutoBrightness) IsInIdleMode() bool                      { return false }
func (nopAutoBrightness) SetIdleMode(bool)                        {}
func (nopAutoBrightness) Stop()                                   {}

// NopHooks reports no device-specific conditions.
type NopHooks struct{}

func (NopHooks) IsFolding() bool                   { return false }
func (NopHooks) IsSilentRebootFirstSleep(int) bool { return false }
func (NopHooks) IsBlockScreenOnByBiometrics() bool { return false }
func (NopHooks) IsBlockedBySideFingerprint() bool  { return false }
func (NopHooks) SetRampRefreshBoost(bool)          {}

type nopProperties struct{}

func (nopProperties) Set(string, string) error { return nil }

// LinearNits maps brightness linearly onto [0, Max] nits.
type LinearNits struct {
	Max float64
}

func (l LinearNits) ToNits(b float64) float64 {
	if l.Max <= 0 {
		return -1
	}
	return b * l.Max
}

func (l LinearNits) FromNits(n float64) float64 {
	if l.Max <= 0 || n < 0 {
		return math.NaN()
	}
	return n / l.Max
}
