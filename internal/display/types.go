// Package display defines the shared value types of the display power
// controller: screen states, request policies, reported states and the
// brightness snapshots published to external consumers.
//
// Everything here is plain data. Ownership rules (which goroutine may mutate
// what) live with the controller, not with these types.
package display

import (
	"fmt"
	"math"
)

// DefaultDisplayID is the built-in display. It is allowed to update its
// physical state before boot completes.
const DefaultDisplayID = 0

// ScreenState is the physical state of the panel.
type ScreenState int

const (
	// ScreenUnknown is the state before the first commit.
	ScreenUnknown ScreenState = iota
	ScreenOff
	ScreenOn
	ScreenDoze
	ScreenDozeSuspend
	ScreenVR
	ScreenOnSuspend
)

var screenStateNames = map[ScreenState]string{
	ScreenUnknown:     "UNKNOWN",
	ScreenOff:         "OFF",
	ScreenOn:          "ON",
	ScreenDoze:        "DOZE",
	ScreenDozeSuspend: "DOZE_SUSPEND",
	ScreenVR:          "VR",
	ScreenOnSuspend:   "ON_SUSPEND",
}

func (s ScreenState) String() string {
	if name, ok := screenStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("ScreenState(%d)", int(s))
}

// ParseScreenState maps a state name back to its value.
func ParseScreenState(name string) (ScreenState, bool) {
	for s, n := range screenStateNames {
		if n == name {
			return s, true
		}
	}
	return ScreenUnknown, false
}

// IsDoze reports whether s is one of the low-power doze states.
func (s ScreenState) IsDoze() bool {
	return s == ScreenDoze || s == ScreenDozeSuspend
}

// IsOffLike reports whether s hides content from the user. Suspend states
// count as off for reporting purposes.
func (s ScreenState) IsOffLike() bool {
	return s == ScreenOff || s == ScreenDoze || s == ScreenDozeSuspend
}

// IsSuspended reports whether the panel stops refreshing in s.
func (s ScreenState) IsSuspended() bool {
	return s == ScreenOff || s == ScreenDozeSuspend || s == ScreenOnSuspend
}

// Policy is the screen policy requested by the power manager.
type Policy int

const (
	PolicyOff Policy = iota
	PolicyDoze
	PolicyDim
	PolicyBright
	PolicyVR
)

var policyNames = map[Policy]string{
	PolicyOff:    "OFF",
	PolicyDoze:   "DOZE",
	PolicyDim:    "DIM",
	PolicyBright: "BRIGHT",
	PolicyVR:     "VR",
}

func (p Policy) String() string {
	if name, ok := policyNames[p]; ok {
		return name
	}
	return fmt.Sprintf("Policy(%d)", int(p))
}

// ParsePolicy maps a policy name back to its value.
func ParsePolicy(name string) (Policy, bool) {
	for p, n := range policyNames {
		if n == name {
			return p, true
		}
	}
	return PolicyOff, false
}

// IsBrightOrDim reports whether the policy keeps the screen fully on.
func (p Policy) IsBrightOrDim() bool {
	return p == PolicyBright || p == PolicyDim
}

// ReportedState is the screen state last communicated to the compositor.
// It is distinct from the committed physical ScreenState.
type ReportedState int

const (
	ReportedUnreported ReportedState = iota - 1
	ReportedOff
	ReportedTurningOn
	ReportedOn
	ReportedTurningOff
)

func (r ReportedState) String() string {
	switch r {
	case ReportedUnreported:
		return "UNREPORTED"
	case ReportedOff:
		return "OFF"
	case ReportedTurningOn:
		return "TURNING_ON"
	case ReportedOn:
		return "ON"
	case ReportedTurningOff:
		return "TURNING_OFF"
	default:
		return fmt.Sprintf("ReportedState(%d)", int(r))
	}
}

// StateReason tags why a screen state was committed. It is forwarded to
// statistics and never interpreted by the state machine.
type StateReason int

const (
	ReasonUnknown StateReason = iota
	ReasonDefaultPolicy
	ReasonDrawWakeLock
	ReasonOffload
	ReasonTilt
	ReasonDreamManager
	ReasonKey
	ReasonMotion
)

// PowerRequest is the policy snapshot supplied by the power manager. It is
// replaced wholesale by the next request.
type PowerRequest struct {
	Policy Policy

	// ScreenBrightnessOverride wins over every other brightness source.
	// NaN means no override.
	ScreenBrightnessOverride float64

	UseProximitySensor bool

	// DozeScreenState is the state used while Policy is DOZE.
	// ScreenUnknown selects plain DOZE.
	DozeScreenState ScreenState
	// DozeScreenBrightness is used while dozing. NaN selects the configured
	// doze brightness.
	DozeScreenBrightness  float64
	DozeScreenStateReason StateReason
	// UseNormalBrightnessForDoze selects the regular brightness sources
	// while dozing.
	UseNormalBrightnessForDoze bool

	LowPowerMode                   bool
	ScreenLowPowerBrightnessFactor float64
	BoostScreenBrightness          bool
}

// NewPowerRequest returns a request for policy with all optional brightness
// inputs unset.
func NewPowerRequest(policy Policy) PowerRequest {
	return PowerRequest{
		Policy:                         policy,
		ScreenBrightnessOverride:       math.NaN(),
		DozeScreenBrightness:           math.NaN(),
		ScreenLowPowerBrightnessFactor: 0.5,
	}
}

// Equal compares two requests field by field. Unset (NaN) brightness values
// compare equal to each other.
func (r PowerRequest) Equal(o PowerRequest) bool {
	return r.Policy == o.Policy &&
		FloatEqual(r.ScreenBrightnessOverride, o.ScreenBrightnessOverride) &&
		r.UseProximitySensor == o.UseProximitySensor &&
		r.DozeScreenState == o.DozeScreenState &&
		FloatEqual(r.DozeScreenBrightness, o.DozeScreenBrightness) &&
		r.DozeScreenStateReason == o.DozeScreenStateReason &&
		r.UseNormalBrightnessForDoze == o.UseNormalBrightnessForDoze &&
		r.LowPowerMode == o.LowPowerMode &&
		FloatEqual(r.ScreenLowPowerBrightnessFactor, o.ScreenLowPowerBrightnessFactor) &&
		r.BoostScreenBrightness == o.BoostScreenBrightness
}

func (r PowerRequest) String() string {
	return fmt.Sprintf("policy=%s override=%v useProximity=%t dozeState=%s dozeBrightness=%v lowPower=%t factor=%v boost=%t",
		r.Policy, r.ScreenBrightnessOverride, r.UseProximitySensor, r.DozeScreenState,
		r.DozeScreenBrightness, r.LowPowerMode, r.ScreenLowPowerBrightnessFactor, r.BoostScreenBrightness)
}

// FloatEqual is == with NaN equal to NaN.
func FloatEqual(a, b float64) bool {
	if math.IsNaN(a) || math.IsNaN(b) {
		return math.IsNaN(a) && math.IsNaN(b)
	}
	return a == b
}

// IsValidBrightness reports whether v is a usable brightness in [min, max].
func IsValidBrightness(v, min, max float64) bool {
	return !math.IsNaN(v) && v >= min && v <= max
}
