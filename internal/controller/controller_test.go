package controller

import (
	"bytes"
	"context"
	"io"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"

	"github.com/dispctl/host/internal/display"
	"github.com/dispctl/host/internal/gate"
	"github.com/dispctl/host/internal/looper"
	"github.com/dispctl/host/internal/proximity"
	"github.com/dispctl/host/internal/tracing"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

type apply struct {
	State      display.ScreenState
	Brightness float64
}

type fakeBlanker struct {
	mu      sync.Mutex
	applied []apply
}

func (b *fakeBlanker) Apply(_ context.Context, state display.ScreenState, brightness, _ float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.applied = append(b.applied, apply{State: state, Brightness: brightness})
	return nil
}

func (b *fakeBlanker) last() apply {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.applied) == 0 {
		return apply{}
	}
	return b.applied[len(b.applied)-1]
}

func (b *fakeBlanker) all() []apply {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]apply(nil), b.applied...)
}

type fakeWindowPolicy struct {
	mu         sync.Mutex
	turningOn  []*gate.Token
	turnedOn   int
	turningOff []*gate.Token
	turnedOff  int
}

func (w *fakeWindowPolicy) ScreenTurningOn(_ int, t *gate.Token) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.turningOn = append(w.turningOn, t)
}

func (w *fakeWindowPolicy) ScreenTurnedOn(int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.turnedOn++
}

func (w *fakeWindowPolicy) ScreenTurningOff(_ int, t *gate.Token) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.turningOff = append(w.turningOff, t)
}

func (w *fakeWindowPolicy) ScreenTurnedOff(int, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.turnedOff++
}

func (w *fakeWindowPolicy) lastOnToken() *gate.Token {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.turningOn) == 0 {
		return nil
	}
	return w.turningOn[len(w.turningOn)-1]
}

type fakeCallbacks struct {
	mu           sync.Mutex
	stateChanged int
	positive     int
	negative     int
	held         map[string]int
}

func (f *fakeCallbacks) OnStateChanged() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stateChanged++
}

func (f *fakeCallbacks) OnProximityPositive() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.positive++
}

func (f *fakeCallbacks) OnProximityNegative() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.negative++
}

func (f *fakeCallbacks) AcquireSuspendBlocker(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held == nil {
		f.held = make(map[string]int)
	}
	f.held[id]++
}

func (f *fakeCallbacks) ReleaseSuspendBlocker(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.held[id]--
	if f.held[id] == 0 {
		delete(f.held, id)
	}
}

func (f *fakeCallbacks) heldCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.held)
}

type fakeStats struct {
	mu     sync.Mutex
	states []display.ScreenState
	hbm    []float64
	events int
}

func (s *fakeStats) NoteScreenState(_ int, state display.ScreenState, _ display.StateReason) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, state)
	return nil
}

func (s *fakeStats) NoteScreenBrightness(int, float64) error { return nil }

func (s *fakeStats) NoteHbmBrightness(_ int, b float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hbm = append(s.hbm, b)
	return nil
}

func (s *fakeStats) NoteBrightnessEvent(display.BrightnessEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events++
	return nil
}

type harness struct {
	t        *testing.T
	clock    *looper.FakeClock
	loop     *looper.Looper
	c        *Controller
	blanker  *fakeBlanker
	wm       *fakeWindowPolicy
	cb       *fakeCallbacks
	stats    *fakeStats
	tracer   *tracing.Recorder
	settings *MemorySettings
}

func newHarness(t *testing.T, mutate func(*Config, *Deps)) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		clock:    looper.NewFakeClock(time.Second),
		blanker:  &fakeBlanker{},
		wm:       &fakeWindowPolicy{},
		cb:       &fakeCallbacks{},
		stats:    &fakeStats{},
		tracer:   &tracing.Recorder{},
		settings: &MemorySettings{},
	}
	h.loop = looper.New(h.clock, testLogger())

	cfg := DefaultConfig()
	deps := Deps{
		Blanker:      h.blanker,
		WindowPolicy: h.wm,
		Callbacks:    h.cb,
		Stats:        h.stats,
		Tracer:       h.tracer,
		Settings:     h.settings,
	}
	if mutate != nil {
		mutate(&cfg, &deps)
	}
	h.c = New(cfg, deps, Options{Looper: h.loop, Log: testLogger()})
	return h
}

func (h *harness) request(policy display.Policy) bool {
	return h.c.RequestPowerState(display.NewPowerRequest(policy), false)
}

// settle runs every message due within d of fake time.
func (h *harness) settle(d time.Duration) {
	h.loop.DrainFor(h.clock, d)
}

// turnOff drives the display to a fully reported OFF state.
func (h *harness) turnOff() {
	h.t.Helper()
	h.request(display.PolicyOff)
	h.settle(time.Second)
	if got := h.c.Status().ReportedState; got != "OFF" {
		h.t.Fatalf("reported=%s after OFF request, want OFF", got)
	}
}

func TestIdenticalRequestIsIgnored(t *testing.T) {
	h := newHarness(t, nil)
	h.request(display.PolicyBright)
	h.settle(time.Second)

	if !h.request(display.PolicyBright) {
		t.Fatal("expected display ready after settling")
	}
	if n := h.loop.Len(); n != 0 {
		t.Fatalf("identical request queued %d messages", n)
	}
	events := len(h.c.Events())
	changed := h.cb.stateChanged
	h.c.sendUpdatePowerState()
	h.settle(time.Second)
	if got := len(h.c.Events()); got != events {
		t.Fatalf("recompute without changes logged %d new events", got-events)
	}
	if h.cb.stateChanged != changed {
		t.Fatal("recompute without changes notified the power manager again")
	}
}

func TestRequestsCoalesceIntoOneRecompute(t *testing.T) {
	h := newHarness(t, nil)

	first := display.NewPowerRequest(display.PolicyDim)
	first.ScreenBrightnessOverride = 0.4
	second := display.NewPowerRequest(display.PolicyDim)
	second.ScreenBrightnessOverride = 0.6
	h.c.RequestPowerState(first, false)
	h.c.RequestPowerState(second, false)

	if n := h.loop.Len(); n != 1 {
		t.Fatalf("queued %d messages, want one recompute", n)
	}
	h.loop.Drain()

	events := h.c.Events()
	if len(events) != 1 {
		t.Fatalf("got %d brightness events, want 1", len(events))
	}
	if events[0].Brightness != 0.6 {
		t.Fatalf("recompute observed brightness %v, want 0.6", events[0].Brightness)
	}
	if got := h.c.Status().TargetBrightness; got != 0.6 {
		t.Fatalf("ramp target=%v want 0.6", got)
	}
}

func TestScreenOnWaitsForCompositor(t *testing.T) {
	h := newHarness(t, func(cfg *Config, _ *Deps) {
		cfg.InitialScreenState = display.ScreenOff
	})
	h.turnOff()
	if got := h.c.Status().ColorFadeLevel; got != 0 {
		t.Fatalf("color fade level=%v after OFF, want 0", got)
	}

	if h.request(display.PolicyBright) {
		t.Fatal("display reported ready before screen on")
	}
	h.settle(time.Second)

	tok := h.wm.lastOnToken()
	if tok == nil || len(h.wm.turningOn) != 1 {
		t.Fatalf("ScreenTurningOn calls=%d token=%v, want one call with a token", len(h.wm.turningOn), tok)
	}
	st := h.c.Status()
	if !st.ScreenOnBlocked || st.ReportedState != "TURNING_ON" || st.DisplayReady {
		t.Fatalf("status before ack = %+v", st)
	}
	if b := h.blanker.last(); b.State != display.ScreenOn || b.Brightness != 0 {
		t.Fatalf("panel=%+v before ack, want ON with the backlight off", b)
	}

	tok.Ack()
	h.settle(time.Second)

	st = h.c.Status()
	if st.ScreenState != "ON" || st.ReportedState != "ON" || st.ScreenOnBlocked || !st.DisplayReady {
		t.Fatalf("status after ack = %+v", st)
	}
	if st.TargetBrightness != DefaultConfig().Brightness.Default {
		t.Fatalf("target=%v want default brightness", st.TargetBrightness)
	}
	if h.wm.turnedOn != 1 {
		t.Fatalf("ScreenTurnedOn calls=%d want 1", h.wm.turnedOn)
	}
	if b := h.blanker.last(); b.Brightness != DefaultConfig().Brightness.Default {
		t.Fatalf("panel brightness=%v after ack", b.Brightness)
	}
	if h.tracer.Count("begin", "Screen on blocked") != 1 || h.tracer.Count("end", "Screen on blocked") != 1 {
		t.Fatalf("unexpected screen-on spans: %+v", h.tracer.Events())
	}
	if n := h.cb.heldCount(); n != 0 {
		t.Fatalf("%d suspend blockers still held", n)
	}
}

func TestStaleScreenOnTokenIsIgnored(t *testing.T) {
	h := newHarness(t, func(cfg *Config, _ *Deps) {
		cfg.InitialScreenState = display.ScreenOff
	})
	h.turnOff()

	h.request(display.PolicyBright)
	h.settle(time.Second)
	stale := h.wm.lastOnToken()

	h.request(display.PolicyOff)
	h.settle(time.Second)
	h.request(display.PolicyBright)
	h.settle(time.Second)
	fresh := h.wm.lastOnToken()
	if fresh == nil || fresh == stale {
		t.Fatal("expected a new screen-on token for the second transition")
	}

	stale.Ack()
	h.settle(time.Second)
	if !h.c.Status().ScreenOnBlocked {
		t.Fatal("stale token cleared the current screen-on gate")
	}

	fresh.Ack()
	h.settle(time.Second)
	if st := h.c.Status(); st.ScreenOnBlocked || st.ReportedState != "ON" {
		t.Fatalf("status after fresh ack = %+v", st)
	}
}

func TestReportedStateCycle(t *testing.T) {
	h := newHarness(t, nil)
	h.request(display.PolicyBright)
	h.settle(time.Second)
	if got := h.c.Status().ReportedState; got != "ON" {
		t.Fatalf("reported=%s want ON", got)
	}

	h.request(display.PolicyOff)
	h.settle(time.Second)
	st := h.c.Status()
	if st.ReportedState != "OFF" || st.ScreenState != "OFF" {
		t.Fatalf("status after OFF = %+v", st)
	}
	if len(h.wm.turningOff) != 1 || h.wm.turnedOff != 1 {
		t.Fatalf("turningOff=%d turnedOff=%d, want 1 each", len(h.wm.turningOff), h.wm.turnedOff)
	}

	h.c.sendUpdatePowerState()
	h.settle(time.Second)
	if h.wm.turnedOff != 1 {
		t.Fatal("repeated OFF commit notified the compositor again")
	}

	want := []display.ScreenState{display.ScreenOff}
	if diff := cmp.Diff(want, h.stats.states); diff != "" {
		t.Fatalf("screen state stats (-want +got):\n%s", diff)
	}
}

func TestScreenOffFadesBeforeCommit(t *testing.T) {
	h := newHarness(t, nil)
	h.request(display.PolicyBright)
	h.settle(time.Second)

	h.request(display.PolicyOff)
	h.loop.Drain()
	if st := h.c.Status(); st.ScreenState != "ON" {
		t.Fatalf("screen committed %s before the fade finished", st.ScreenState)
	}
	h.settle(time.Second)
	if st := h.c.Status(); st.ScreenState != "OFF" || st.ColorFadeLevel != 0 {
		t.Fatalf("status after fade = %+v", st)
	}
}

func TestStopDiscardsPendingScreenOffGate(t *testing.T) {
	h := newHarness(t, func(cfg *Config, _ *Deps) {
		cfg.Gates.ScreenOffAckRequired = true
	})
	h.request(display.PolicyBright)
	h.settle(time.Second)

	h.request(display.PolicyOff)
	h.settle(time.Second)
	if !h.c.Status().ScreenOffBlocked {
		t.Fatal("expected the screen-off gate to wait for an ack")
	}
	if h.c.Status().ScreenState != "ON" {
		t.Fatal("screen committed OFF while the off gate was pending")
	}
	tok := h.wm.turningOff[0]

	h.c.Stop()
	h.settle(time.Second)
	if !h.c.Status().Stopped || h.c.Status().ScreenOffBlocked {
		t.Fatalf("status after stop = %+v", h.c.Status())
	}
	if n := h.tracer.Count("end", "Screen off blocked"); n != 0 {
		t.Fatalf("stop ended the screen-off span %d times", n)
	}

	tok.Ack()
	h.settle(time.Second)
	if h.wm.turnedOff != 0 {
		t.Fatal("ack after stop reached the state machine")
	}
	if !h.c.RequestPowerState(display.NewPowerRequest(display.PolicyBright), false) {
		t.Fatal("stopped controller must report ready")
	}
	if n := h.loop.Len(); n != 0 {
		t.Fatalf("stopped controller queued %d messages", n)
	}
	if n := h.cb.heldCount(); n != 0 {
		t.Fatalf("%d suspend blockers held after stop", n)
	}
}

func TestScreenOffAckCompletesTransition(t *testing.T) {
	h := newHarness(t, func(cfg *Config, _ *Deps) {
		cfg.Gates.ScreenOffAckRequired = true
	})
	h.request(display.PolicyBright)
	h.settle(time.Second)
	h.request(display.PolicyOff)
	h.settle(time.Second)

	h.wm.turningOff[0].Ack()
	h.settle(time.Second)
	st := h.c.Status()
	if st.ScreenState != "OFF" || st.ReportedState != "OFF" || st.ScreenOffBlocked {
		t.Fatalf("status after off ack = %+v", st)
	}
	if h.wm.turnedOff != 1 {
		t.Fatalf("turnedOff=%d want 1", h.wm.turnedOff)
	}
}

func TestBrightnessRampConverges(t *testing.T) {
	h := newHarness(t, nil)
	h.settings.SetScreenBrightness(0, 0.2)
	h.c.OnSettingsChanged("screen_brightness")
	h.request(display.PolicyBright)
	h.settle(time.Second)
	if b := h.blanker.last(); b.Brightness != 0.2 {
		t.Fatalf("initial brightness=%v want 0.2", b.Brightness)
	}

	h.c.SetBrightness(0.8)
	h.loop.Drain()
	if !h.c.Status().Ramping {
		t.Fatal("expected brightness change to ramp")
	}
	h.settle(5 * time.Second)

	if b := h.blanker.last(); b.Brightness != 0.8 {
		t.Fatalf("final brightness=%v want 0.8", b.Brightness)
	}
	if h.c.Status().Ramping {
		t.Fatal("ramp still running after convergence")
	}
	prev := 0.0
	for _, a := range h.blanker.all() {
		if a.State != display.ScreenOn || a.Brightness == 0 {
			continue
		}
		if a.Brightness < prev {
			t.Fatalf("brightness went backwards: %v after %v", a.Brightness, prev)
		}
		prev = a.Brightness
	}
	if v, _ := h.settings.ScreenBrightness(0); v != 0.8 {
		t.Fatalf("persisted brightness=%v want 0.8", v)
	}
}

func TestTemporaryBrightnessSnaps(t *testing.T) {
	h := newHarness(t, nil)
	h.request(display.PolicyBright)
	h.settle(time.Second)

	h.c.SetTemporaryBrightness(0.9)
	h.loop.Drain()
	if h.c.Status().Ramping {
		t.Fatal("temporary brightness must not ramp")
	}
	h.settle(time.Second)
	if b := h.blanker.last(); b.Brightness != 0.9 {
		t.Fatalf("brightness=%v want 0.9", b.Brightness)
	}
	before := h.stats.events
	h.c.SetTemporaryBrightness(0.7)
	h.settle(time.Second)
	if h.stats.events != before {
		t.Fatal("temporary brightness events must not reach stats")
	}
}

func TestDimCapsBrightness(t *testing.T) {
	h := newHarness(t, nil)
	h.request(display.PolicyDim)
	h.settle(time.Second)
	if got, want := h.c.Status().TargetBrightness, DefaultConfig().Brightness.Dim; got != want {
		t.Fatalf("dim target=%v want %v", got, want)
	}
	events := h.c.Events()
	if events[len(events)-1].Reason.Modifier&display.ModifierDimmed == 0 {
		t.Fatal("expected dimmed modifier on the brightness event")
	}
}

func TestProximityForcesScreenOff(t *testing.T) {
	sensor := proximity.NewManualSensor()
	h := newHarness(t, func(_ *Config, d *Deps) {
		d.ProximitySensor = sensor
	})
	req := display.NewPowerRequest(display.PolicyBright)
	req.UseProximitySensor = true
	h.c.RequestPowerState(req, false)
	h.settle(time.Second)
	if !sensor.Enabled() {
		t.Fatal("sensor not enabled for a proximity request")
	}

	h.c.OnProximity(true)
	h.settle(time.Second)
	if st := h.c.Status(); st.ScreenState != "OFF" || st.Proximity != "Positive" {
		t.Fatalf("status while covered = %+v", st)
	}
	if len(h.wm.turningOff) != 0 {
		t.Fatal("proximity off must not be reported to the compositor")
	}
	if h.cb.positive != 1 {
		t.Fatalf("OnProximityPositive calls=%d", h.cb.positive)
	}

	h.c.OnProximity(false)
	h.settle(time.Second)
	if st := h.c.Status(); st.ScreenState != "ON" || st.ReportedState != "ON" {
		t.Fatalf("status after uncover = %+v", st)
	}
	if h.cb.negative != 1 {
		t.Fatalf("OnProximityNegative calls=%d", h.cb.negative)
	}
}

func TestSecondaryDisplayWaitsForBoot(t *testing.T) {
	h := newHarness(t, func(cfg *Config, _ *Deps) {
		cfg.DisplayID = 1
		cfg.InitialScreenState = display.ScreenOff
		cfg.ColorFade.Enabled = false
	})
	h.request(display.PolicyBright)
	h.settle(time.Second)
	if st := h.c.Status(); st.ScreenState != "OFF" {
		t.Fatalf("secondary display committed %s before boot", st.ScreenState)
	}

	h.c.OnBootCompleted()
	h.settle(time.Second)
	if st := h.c.Status(); st.ScreenState != "ON" {
		t.Fatalf("screen=%s after boot, want ON", st.ScreenState)
	}
}

type fakeSession struct {
	block bool
	ack   func()
}

func (s *fakeSession) BlockScreenOn(ack func()) bool {
	if !s.block {
		return false
	}
	s.ack = ack
	return true
}

func TestOffloadSessionHoldsScreenOn(t *testing.T) {
	h := newHarness(t, func(cfg *Config, _ *Deps) {
		cfg.InitialScreenState = display.ScreenOff
	})
	h.turnOff()
	session := &fakeSession{block: true}
	h.c.SetDisplayOffloadSession(session)
	h.settle(time.Second)

	h.request(display.PolicyBright)
	h.settle(time.Second)
	if st := h.c.Status(); !st.OffloadBlocked || st.ScreenState != "OFF" {
		t.Fatalf("status while offload holds = %+v", st)
	}

	session.ack()
	h.settle(time.Second)
	if st := h.c.Status(); st.OffloadBlocked || st.ScreenState != "ON" {
		t.Fatalf("status after offload ack = %+v", st)
	}
}

func TestOffloadSessionMayDecline(t *testing.T) {
	h := newHarness(t, func(cfg *Config, _ *Deps) {
		cfg.InitialScreenState = display.ScreenOff
	})
	h.turnOff()
	h.c.SetDisplayOffloadSession(&fakeSession{block: false})
	h.request(display.PolicyBright)
	h.settle(time.Second)

	if st := h.c.Status(); st.OffloadBlocked || st.ScreenState != "ON" {
		t.Fatalf("status after declined offload block = %+v", st)
	}
	if h.tracer.Count("end", "Screen on blocked by displayoffload") != 1 {
		t.Fatal("declined offload block must end its span")
	}
}

type fakeFollower struct {
	id  int
	mu  sync.Mutex
	got []float64
}

func (f *fakeFollower) DisplayID() int { return f.id }

func (f *fakeFollower) SetBrightnessToFollow(b, _, _ float64, _ bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, b)
}

func TestFollowersTrackLeader(t *testing.T) {
	h := newHarness(t, nil)
	f := &fakeFollower{id: 2}
	h.c.AddBrightnessFollower(f)
	h.request(display.PolicyBright)
	h.settle(time.Second)

	if len(f.got) == 0 || f.got[len(f.got)-1] != DefaultConfig().Brightness.Default {
		t.Fatalf("follower saw %v", f.got)
	}
	n := len(f.got)
	h.c.sendUpdatePowerState()
	h.settle(time.Second)
	if len(f.got) != n {
		t.Fatal("unchanged brightness was pushed to followers again")
	}

	h.c.RemoveBrightnessFollower(f)
	h.settle(time.Second)
	if !math.IsNaN(f.got[len(f.got)-1]) {
		t.Fatal("removed follower was not reset")
	}
}

func TestFollowerUsesNits(t *testing.T) {
	h := newHarness(t, nil)
	h.request(display.PolicyBright)
	h.settle(time.Second)

	h.c.SetBrightnessToFollow(0.1, 250, 10, false)
	h.settle(5 * time.Second)
	if got := h.c.Status().TargetBrightness; got != 0.5 {
		t.Fatalf("follower target=%v want 0.5 from nits", got)
	}
}

type fakeRange struct {
	max, transition float64
}

func (r fakeRange) CurrentMax() float64      { return r.max }
func (fakeRange) Mode() display.HbmMode      { return display.HbmSunlight }
func (r fakeRange) TransitionPoint() float64 { return r.transition }
func (fakeRange) OnAmbientLux(float64)       {}
func (fakeRange) Stop()                      {}

func TestHbmStatsAreDebounced(t *testing.T) {
	h := newHarness(t, func(_ *Config, d *Deps) {
		d.BrightnessRange = fakeRange{max: 1, transition: 0.5}
	})
	h.request(display.PolicyBright)
	h.settle(time.Second)

	h.c.SetTemporaryBrightness(0.8)
	h.settle(time.Second)
	h.c.SetBrightness(0.9)
	h.settle(100 * time.Millisecond)
	h.c.SetBrightness(0.95)
	h.settle(5 * time.Second)

	h.stats.mu.Lock()
	defer h.stats.mu.Unlock()
	if len(h.stats.hbm) == 0 || h.stats.hbm[0] != 0.8 {
		t.Fatalf("hbm stats=%v, want the crossing reported first", h.stats.hbm)
	}
	if last := h.stats.hbm[len(h.stats.hbm)-1]; last != 0.95 {
		t.Fatalf("last hbm stat=%v want 0.95", last)
	}
}

func TestDumpFallsBackWhenLoopIsBusy(t *testing.T) {
	h := newHarness(t, nil)
	h.request(display.PolicyBright)
	h.settle(time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var buf bytes.Buffer
	if err := h.c.Dump(ctx, &buf); err == nil {
		t.Fatal("expected context error from fallback dump")
	}
	if !strings.Contains(buf.String(), "loop unavailable") {
		t.Fatalf("fallback dump = %q", buf.String())
	}
}

func TestDumpRunsOnLoop(t *testing.T) {
	h := newHarness(t, nil)
	h.request(display.PolicyBright)
	h.settle(time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.loop.Run(ctx)

	var buf bytes.Buffer
	dctx, dcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer dcancel()
	if err := h.c.Dump(dctx, &buf); err != nil {
		t.Fatalf("Dump: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"reportedScreenStateToPolicy=ON", "Display Power State:", "Brightness Events (1):"} {
		if !strings.Contains(out, want) {
			t.Fatalf("dump missing %q:\n%s", want, out)
		}
	}
}

func TestDoneClosesAfterStopIsHandled(t *testing.T) {
	h := newHarness(t, nil)
	h.request(display.PolicyBright)
	h.settle(time.Second)

	h.c.Stop()
	select {
	case <-h.c.Done():
		t.Fatal("Done closed before the loop handled the stop")
	default:
	}
	eventsBefore := h.stats.events

	h.settle(time.Second)
	select {
	case <-h.c.Done():
	default:
		t.Fatal("Done not closed after the stop was handled")
	}
	h.c.Stop()
	h.settle(time.Second)
	if h.stats.events != eventsBefore {
		t.Fatal("brightness events recorded after stop")
	}
}
