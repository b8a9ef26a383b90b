package display

import (
	"math"
	"testing"
)

func TestPowerRequestEqualTreatsNaNAsEqual(t *testing.T) {
	a := NewPowerRequest(PolicyBright)
	b := NewPowerRequest(PolicyBright)
	if !a.Equal(b) {
		t.Fatal("expected fresh requests to be equal")
	}

	b.ScreenBrightnessOverride = 0.4
	if a.Equal(b) {
		t.Fatal("expected override change to break equality")
	}

	b.ScreenBrightnessOverride = math.NaN()
	b.Policy = PolicyDim
	if a.Equal(b) {
		t.Fatal("expected policy change to break equality")
	}
}

func TestScreenStateClassification(t *testing.T) {
	tests := []struct {
		state     ScreenState
		doze      bool
		offLike   bool
		suspended bool
	}{
		{ScreenOff, false, true, true},
		{ScreenOn, false, false, false},
		{ScreenDoze, true, true, false},
		{ScreenDozeSuspend, true, true, true},
		{ScreenVR, false, false, false},
		{ScreenOnSuspend, false, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			if got := tt.state.IsDoze(); got != tt.doze {
				t.Fatalf("IsDoze=%t want %t", got, tt.doze)
			}
			if got := tt.state.IsOffLike(); got != tt.offLike {
				t.Fatalf("IsOffLike=%t want %t", got, tt.offLike)
			}
			if got := tt.state.IsSuspended(); got != tt.suspended {
				t.Fatalf("IsSuspended=%t want %t", got, tt.suspended)
			}
		})
	}
}

func TestParsePolicy(t *testing.T) {
	p, ok := ParsePolicy("DIM")
	if !ok || p != PolicyDim {
		t.Fatalf("ParsePolicy(DIM)=%v,%t", p, ok)
	}
	if _, ok := ParsePolicy("SIDEWAYS"); ok {
		t.Fatal("expected unknown policy to fail")
	}
}

func TestBrightnessReasonString(t *testing.T) {
	r := BrightnessReason{Reason: BrightnessReasonManual}
	r.AddModifier(ModifierDimmed)
	r.AddModifier(ModifierThrottled)
	if got, want := r.String(), "manual [dim throttled]"; got != want {
		t.Fatalf("String()=%q want %q", got, want)
	}
}

func TestBrightnessEventEquivalenceIgnoresInitialBrightness(t *testing.T) {
	a := BrightnessEvent{DisplayID: 0, Brightness: 0.5, InitialBrightness: 0.1, Lux: math.NaN()}
	b := a
	b.InitialBrightness = 0.9
	if !a.EquivalentTo(b) {
		t.Fatal("expected events differing only in initial brightness to be equivalent")
	}
	b.Brightness = 0.6
	if a.EquivalentTo(b) {
		t.Fatal("expected brightness change to break equivalence")
	}
}
