package controller

import (
	"time"

	"github.com/dispctl/host/internal/display"
)

// Config holds the tunables of one display controller.
type Config struct {
	DisplayID         int
	PhysicalDisplayID string

	// InitialScreenState is the panel state at startup. Unknown means ON.
	InitialScreenState display.ScreenState
	// AsyncPanelWrites applies blanker writes off the loop.
	AsyncPanelWrites bool

	Brightness BrightnessConfig
	Ramp       RampConfig
	ColorFade  ColorFadeConfig
	Gates      GateConfig

	// HbmStatsDebounce delays HBM brightness stats while above the
	// transition point.
	HbmStatsDebounce time.Duration
	// EventBufferSize bounds the brightness event history.
	EventBufferSize int
}

// BrightnessConfig is the brightness range and fixed levels.
type BrightnessConfig struct {
	Min     float64
	Max     float64
	Default float64
	Dim     float64
	Doze    float64
	MaxNits float64
}

// RampConfig holds ramp rates in brightness units per second.
type RampConfig struct {
	FastIncrease     float64
	FastDecrease     float64
	SlowIncrease     float64
	SlowDecrease     float64
	SlowIncreaseIdle float64
	SlowDecreaseIdle float64

	IncreaseMax     time.Duration
	DecreaseMax     time.Duration
	IncreaseMaxIdle time.Duration
	DecreaseMaxIdle time.Duration

	// SkipScreenOnBrightnessRamp snaps the first brightness after waking.
	SkipScreenOnBrightnessRamp bool
	// RefreshBoost raises the refresh rate while ramping.
	RefreshBoost           bool
	RefreshBoostResetDelay time.Duration
}

// ColorFadeConfig controls the fade overlay.
type ColorFadeConfig struct {
	Enabled bool
	// Fades prepares the overlay in fade mode instead of warm-up mode.
	Fades bool
	// OnAnimation reveals content with the fade-on tween instead of
	// snapping the overlay away.
	OnAnimation bool
	// BlanksAfterDoze forces an OFF commit when leaving doze for a
	// non-ON state.
	BlanksAfterDoze bool
}

// GateConfig controls the acknowledgement gates.
type GateConfig struct {
	// ScreenOffAckRequired keeps the screen-off gate open until the
	// compositor acknowledges it.
	ScreenOffAckRequired bool
}

// DefaultConfig returns the built-in display defaults.
func DefaultConfig() Config {
	return Config{
		DisplayID:          display.DefaultDisplayID,
		PhysicalDisplayID:  "local:0",
		InitialScreenState: display.ScreenOn,
		Brightness: BrightnessConfig{
			Min:     0.01,
			Max:     1.0,
			Default: 0.4,
			Dim:     0.05,
			Doze:    0.1,
			MaxNits: 500,
		},
		Ramp: RampConfig{
			FastIncrease:           0.7792,
			FastDecrease:           0.7792,
			SlowIncrease:           0.2434,
			SlowDecrease:           0.2434,
			SlowIncreaseIdle:       0.1217,
			SlowDecreaseIdle:       0.1217,
			IncreaseMax:            3 * time.Second,
			DecreaseMax:            5 * time.Second,
			IncreaseMaxIdle:        6 * time.Second,
			DecreaseMaxIdle:        10 * time.Second,
			RefreshBoostResetDelay: time.Second,
		},
		ColorFade: ColorFadeConfig{
			Enabled: true,
			Fades:   true,
		},
		HbmStatsDebounce: 500 * time.Millisecond,
		EventBufferSize:  100,
	}
}
