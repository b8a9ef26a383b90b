package controller

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/dispctl/host/internal/display"
)

// fakeHooks is consulted on the loop goroutine only. Tests flip its fields
// between drains.
type fakeHooks struct {
	NopHooks
	folding         bool
	silentReboot    bool
	biometricVeto   bool
	sideFingerprint bool
}

func (f *fakeHooks) IsFolding() bool                   { return f.folding }
func (f *fakeHooks) IsSilentRebootFirstSleep(int) bool { return f.silentReboot }
func (f *fakeHooks) IsBlockScreenOnByBiometrics() bool { return f.biometricVeto }
func (f *fakeHooks) IsBlockedBySideFingerprint() bool  { return f.sideFingerprint }

func (h *harness) committedStates() []display.ScreenState {
	h.stats.mu.Lock()
	defer h.stats.mu.Unlock()
	return append([]display.ScreenState(nil), h.stats.states...)
}

func (h *harness) wantStates(want ...display.ScreenState) {
	h.t.Helper()
	if diff := cmp.Diff(want, h.committedStates()); diff != "" {
		h.t.Fatalf("committed screen states (-want +got):\n%s", diff)
	}
}

func dozeRequest(state display.ScreenState) display.PowerRequest {
	req := display.NewPowerRequest(display.PolicyDoze)
	req.DozeScreenState = state
	return req
}

func TestDozeWaitsForRunningRamp(t *testing.T) {
	tests := []struct {
		name  string
		state display.ScreenState
		want  string
	}{
		{name: "doze", state: display.ScreenDoze, want: "DOZE"},
		{name: "doze suspend", state: display.ScreenDozeSuspend, want: "DOZE_SUSPEND"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.request(display.PolicyBright)
			h.settle(time.Second)

			h.c.SetBrightness(0.8)
			h.loop.Drain()
			if !h.c.Status().Ramping {
				t.Fatal("expected the brightness change to ramp")
			}

			h.c.RequestPowerState(dozeRequest(tt.state), false)
			h.loop.Drain()
			if st := h.c.Status(); st.ScreenState != "ON" || !st.Ramping {
				t.Fatalf("status mid-ramp = %+v, want ON and still ramping", st)
			}
			h.wantStates()

			h.settle(10 * time.Second)
			st := h.c.Status()
			if st.ScreenState != tt.want || st.ReportedState != "OFF" || st.ColorFadeLevel != 1 || st.Ramping {
				t.Fatalf("status after ramp = %+v", st)
			}
			h.wantStates(tt.state)
			if len(h.wm.turningOff) != 1 || h.wm.turnedOff != 1 {
				t.Fatalf("turningOff=%d turnedOff=%d, want 1 each", len(h.wm.turningOff), h.wm.turnedOff)
			}
		})
	}
}

func TestDozeCommitsWhenIdle(t *testing.T) {
	h := newHarness(t, nil)
	h.request(display.PolicyBright)
	h.settle(time.Second)

	h.c.RequestPowerState(dozeRequest(display.ScreenDozeSuspend), false)
	h.loop.Drain()
	if st := h.c.Status(); st.ScreenState != "DOZE_SUSPEND" || st.ColorFadeLevel != 1 {
		t.Fatalf("status = %+v, want DOZE_SUSPEND without waiting", st)
	}
	h.settle(5 * time.Second)
	if got, want := h.c.Status().TargetBrightness, DefaultConfig().Brightness.Doze; got != want {
		t.Fatalf("target=%v want doze brightness %v", got, want)
	}
	h.wantStates(display.ScreenDozeSuspend)
}

func TestVRTurnsOnBeforeRetagging(t *testing.T) {
	h := newHarness(t, func(cfg *Config, _ *Deps) {
		cfg.InitialScreenState = display.ScreenOff
	})
	h.turnOff()

	h.request(display.PolicyVR)
	h.settle(time.Second)
	st := h.c.Status()
	if st.ScreenState != "ON" || st.ReportedState != "TURNING_ON" || !st.ScreenOnBlocked {
		t.Fatalf("status before ack = %+v, want ON waiting on the compositor", st)
	}
	h.wantStates(display.ScreenOn)

	tok := h.wm.lastOnToken()
	if tok == nil {
		t.Fatal("expected a screen-on token for the VR transition")
	}
	tok.Ack()
	h.settle(time.Second)

	st = h.c.Status()
	if st.ScreenState != "VR" || st.ReportedState != "ON" || st.ColorFadeLevel != 1 {
		t.Fatalf("status after ack = %+v", st)
	}
	h.wantStates(display.ScreenOn, display.ScreenVR)
	if len(h.wm.turningOn) != 1 || h.wm.turnedOn != 1 {
		t.Fatalf("turningOn=%d turnedOn=%d, want 1 each", len(h.wm.turningOn), h.wm.turnedOn)
	}
	if h.c.Status().Ramping {
		t.Fatal("VR brightness must not ramp")
	}
}

func TestBlanksAfterDoze(t *testing.T) {
	tests := []struct {
		name            string
		blanksAfterDoze bool
		wantAfterDrain  string
		wantLevel       float64
	}{
		{name: "forced off", blanksAfterDoze: true, wantAfterDrain: "OFF", wantLevel: 0},
		{name: "animated fade", blanksAfterDoze: false, wantAfterDrain: "DOZE", wantLevel: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, func(cfg *Config, _ *Deps) {
				cfg.ColorFade.BlanksAfterDoze = tt.blanksAfterDoze
			})
			h.request(display.PolicyBright)
			h.settle(time.Second)
			h.request(display.PolicyDoze)
			h.settle(5 * time.Second)
			h.wantStates(display.ScreenDoze)

			h.request(display.PolicyOff)
			h.loop.Drain()
			if st := h.c.Status(); st.ScreenState != tt.wantAfterDrain || st.ColorFadeLevel != tt.wantLevel {
				t.Fatalf("status right after OFF request = %+v", st)
			}

			h.settle(time.Second)
			if st := h.c.Status(); st.ScreenState != "OFF" || st.ReportedState != "OFF" || st.ColorFadeLevel != 0 {
				t.Fatalf("status after settling = %+v", st)
			}
			h.wantStates(display.ScreenDoze, display.ScreenOff)
			if h.wm.turnedOff != 1 {
				t.Fatalf("turnedOff=%d, want OFF reported once from doze", h.wm.turnedOff)
			}
		})
	}
}

func TestObsoletePendingOffStillCommitsOff(t *testing.T) {
	h := newHarness(t, nil)
	h.request(display.PolicyBright)
	h.settle(time.Second)

	h.request(display.PolicyOff)
	h.loop.Drain()
	if st := h.c.Status(); st.ScreenState != "ON" {
		t.Fatalf("screen=%s, want the fade-off running", st.ScreenState)
	}

	// A doze target does not interrupt the fade; it is applied once the
	// fade lands and the stale off commit has gone through.
	h.request(display.PolicyDoze)
	h.loop.Drain()
	if st := h.c.Status(); st.ScreenState != "ON" {
		t.Fatalf("doze target interrupted the fade-off: %+v", st)
	}

	h.settle(5 * time.Second)
	st := h.c.Status()
	if st.ScreenState != "DOZE" || st.ColorFadeLevel != 1 {
		t.Fatalf("status after fade = %+v", st)
	}
	h.wantStates(display.ScreenOff, display.ScreenDoze)
	if len(h.wm.turningOff) != 1 || h.wm.turnedOff != 1 {
		t.Fatalf("turningOff=%d turnedOff=%d, want 1 each", len(h.wm.turningOff), h.wm.turnedOff)
	}
}

func TestScreenOnCancelsFadeOff(t *testing.T) {
	h := newHarness(t, nil)
	h.request(display.PolicyBright)
	h.settle(time.Second)

	h.request(display.PolicyOff)
	h.loop.Drain()
	h.request(display.PolicyBright)
	h.settle(time.Second)

	st := h.c.Status()
	if st.ScreenState != "ON" || st.ReportedState != "ON" || st.ColorFadeLevel != 1 {
		t.Fatalf("status after cancel = %+v", st)
	}
	h.wantStates()
	if len(h.wm.turningOff) != 0 {
		t.Fatal("cancelled fade-off reached the compositor")
	}
}

func TestHardSuspendSkipsFade(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config, *fakeHooks)
	}{
		{name: "folding", mutate: func(_ *Config, f *fakeHooks) { f.folding = true }},
		{name: "silent reboot first sleep", mutate: func(_ *Config, f *fakeHooks) { f.silentReboot = true }},
		{name: "color fade disabled", mutate: func(cfg *Config, _ *fakeHooks) { cfg.ColorFade.Enabled = false }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hooks := &fakeHooks{}
			h := newHarness(t, func(cfg *Config, d *Deps) {
				tt.mutate(cfg, hooks)
				d.Hooks = hooks
			})
			h.request(display.PolicyBright)
			h.settle(time.Second)

			h.request(display.PolicyOff)
			h.loop.Drain()
			st := h.c.Status()
			if st.ScreenState != "OFF" || st.ColorFadeLevel != 0 || st.ReportedState != "OFF" {
				t.Fatalf("status right after OFF request = %+v, want a synchronous OFF", st)
			}
			h.wantStates(display.ScreenOff)
			if n := h.tracer.Count("begin", "Screen off blocked"); n != 1 {
				t.Fatalf("screen-off spans=%d, want 1", n)
			}
		})
	}
}

func TestBiometricVetoKeepsContentHidden(t *testing.T) {
	hooks := &fakeHooks{}
	h := newHarness(t, func(cfg *Config, d *Deps) {
		cfg.InitialScreenState = display.ScreenOff
		d.Hooks = hooks
	})
	h.turnOff()

	hooks.biometricVeto = true
	h.request(display.PolicyBright)
	h.settle(time.Second)
	h.wm.lastOnToken().Ack()
	h.settle(time.Second)

	st := h.c.Status()
	if st.ScreenState != "ON" || st.ColorFadeLevel != 0 || st.ScreenOnBlocked {
		t.Fatalf("status under veto = %+v, want ON committed with content hidden", st)
	}
	if b := h.blanker.last(); b.State != display.ScreenOn || b.Brightness != 0 {
		t.Fatalf("panel under veto = %+v, want the backlight off", b)
	}

	hooks.biometricVeto = false
	h.c.sendUpdatePowerState()
	h.settle(time.Second)
	if st := h.c.Status(); st.ColorFadeLevel != 1 {
		t.Fatalf("status after veto lifted = %+v", st)
	}
	if b := h.blanker.last(); b.Brightness != DefaultConfig().Brightness.Default {
		t.Fatalf("panel brightness=%v after veto lifted", b.Brightness)
	}
	h.wantStates(display.ScreenOn)
}

func TestSideFingerprintHoldsScreenOn(t *testing.T) {
	hooks := &fakeHooks{}
	h := newHarness(t, func(cfg *Config, d *Deps) {
		cfg.InitialScreenState = display.ScreenOff
		d.Hooks = hooks
	})
	h.turnOff()

	hooks.sideFingerprint = true
	h.request(display.PolicyBright)
	h.settle(time.Second)
	if st := h.c.Status(); st.ScreenState != "OFF" || st.ReportedState != "OFF" {
		t.Fatalf("status while held = %+v", st)
	}
	if len(h.wm.turningOn) != 0 {
		t.Fatal("held screen on reached the compositor")
	}
	h.wantStates()

	hooks.sideFingerprint = false
	h.c.sendUpdatePowerState()
	h.settle(time.Second)
	if tok := h.wm.lastOnToken(); tok == nil || len(h.wm.turningOn) != 1 {
		t.Fatalf("turningOn=%d after release, want one gated call", len(h.wm.turningOn))
	}
	h.wm.lastOnToken().Ack()
	h.settle(time.Second)
	if st := h.c.Status(); st.ScreenState != "ON" || st.ReportedState != "ON" {
		t.Fatalf("status after ack = %+v", st)
	}
	h.wantStates(display.ScreenOn)
}

func TestVisibleContentSkipsScreenOnGate(t *testing.T) {
	tests := []struct {
		name    string
		initial display.ScreenState
		prepare func(h *harness)
	}{
		{
			name:    "off at startup with the overlay clear",
			initial: display.ScreenOff,
			prepare: func(*harness) {},
		},
		{
			name:    "waking from doze",
			initial: display.ScreenOn,
			prepare: func(h *harness) {
				h.request(display.PolicyBright)
				h.settle(time.Second)
				h.request(display.PolicyDoze)
				h.settle(5 * time.Second)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, func(cfg *Config, _ *Deps) {
				cfg.InitialScreenState = tt.initial
			})
			tt.prepare(h)
			calls := len(h.wm.turningOn)

			h.request(display.PolicyBright)
			h.settle(5 * time.Second)

			st := h.c.Status()
			if st.ScreenState != "ON" || st.ReportedState != "ON" || st.ScreenOnBlocked || !st.DisplayReady {
				t.Fatalf("status = %+v, want ON without waiting", st)
			}
			if len(h.wm.turningOn) != calls+1 {
				t.Fatalf("ScreenTurningOn calls=%d, want %d", len(h.wm.turningOn), calls+1)
			}
			if tok := h.wm.lastOnToken(); tok != nil {
				t.Fatal("visible content must not open a screen-on gate")
			}
			if n := h.tracer.Count("begin", "Screen on blocked"); n != 0 {
				t.Fatalf("screen-on spans=%d, want 0", n)
			}
			if st.ColorFadeLevel != 1 {
				t.Fatalf("color fade level=%v want 1", st.ColorFadeLevel)
			}
		})
	}
}
