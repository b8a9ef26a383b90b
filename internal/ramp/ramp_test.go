package ramp

import (
	"io"
	"math"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dispctl/host/internal/looper"
)

func newTestLooper() (*looper.Looper, *looper.FakeClock, *looper.Handler) {
	clock := looper.NewFakeClock(time.Second)
	log := logrus.New()
	log.SetOutput(io.Discard)
	l := looper.New(clock, logrus.NewEntry(log))
	return l, clock, looper.NewHandler(l, nil)
}

func TestFirstCallSnaps(t *testing.T) {
	l, _, h := newTestLooper()
	var writes []float64
	a := NewAnimator(h, func(v float64) { writes = append(writes, v) })

	if !a.AnimateTo(0.5, 1.0, false) {
		t.Fatal("expected first call to report a change")
	}
	if a.IsAnimating() || a.Current() != 0.5 {
		t.Fatalf("animating=%t current=%v, want snapped to 0.5", a.IsAnimating(), a.Current())
	}
	if l.Len() != 0 {
		t.Fatal("snap must not schedule frames")
	}
	if len(writes) != 1 || writes[0] != 0.5 {
		t.Fatalf("writes=%v", writes)
	}
}

func TestRampConvergesMonotonicallyWithinRate(t *testing.T) {
	l, clock, h := newTestLooper()
	var writes []float64
	a := NewAnimator(h, func(v float64) { writes = append(writes, v) })
	a.AnimateTo(0.1, 0, false)

	const rate = 0.5
	ended := 0
	a.SetOnEnd(func() { ended++ })
	a.AnimateTo(0.9, rate, false)

	last := 0.1
	prevTime := clock.Now()
	for i := 0; i < 500 && a.IsAnimating(); i++ {
		clock.Advance(FrameInterval)
		l.Drain()
		v := a.Current()
		if v < last {
			t.Fatalf("value went backwards: %v -> %v", last, v)
		}
		dt := (clock.Now() - prevTime).Seconds()
		if v-last > rate*dt+1e-9 {
			t.Fatalf("step %v exceeds rate bound %v", v-last, rate*dt)
		}
		last = v
		prevTime = clock.Now()
	}
	if a.IsAnimating() || a.Current() != 0.9 {
		t.Fatalf("did not converge: current=%v animating=%t", a.Current(), a.IsAnimating())
	}
	if ended != 1 {
		t.Fatalf("end listener ran %d times, want 1", ended)
	}
}

func TestRetargetKeepsProgress(t *testing.T) {
	l, clock, h := newTestLooper()
	a := NewAnimator(h, func(float64) {})
	a.AnimateTo(0, 0, false)
	a.AnimateTo(1, 1, false)

	l.DrainFor(clock, 160*time.Millisecond)
	mid := a.Current()
	if mid <= 0 || mid >= 1 {
		t.Fatalf("expected partial progress, got %v", mid)
	}

	a.AnimateTo(0.8, 1, false)
	if a.Current() != mid {
		t.Fatalf("retarget reset value: %v -> %v", mid, a.Current())
	}
	clock.Advance(FrameInterval)
	l.Drain()
	if a.Current() <= mid {
		t.Fatalf("expected ramp to keep moving up from %v, got %v", mid, a.Current())
	}
}

func TestRateOnlyChangesWhenFasterOrReversing(t *testing.T) {
	l, clock, h := newTestLooper()
	a := NewAnimator(h, func(float64) {})
	a.AnimateTo(0.2, 0, false)
	a.AnimateTo(0.8, 0.5, false)
	l.DrainFor(clock, 100*time.Millisecond)

	a.AnimateTo(0.9, 0.1, false)
	if a.Rate() != 0.5 {
		t.Fatalf("slower same-direction retarget changed rate to %v", a.Rate())
	}
	a.AnimateTo(0.9, 2, false)
	if a.Rate() != 2 {
		t.Fatalf("faster retarget kept rate %v", a.Rate())
	}
	a.AnimateTo(0.1, 0.3, false)
	if a.Rate() != 0.3 {
		t.Fatalf("reversal kept rate %v", a.Rate())
	}
}

func TestMaxTimeRaisesRate(t *testing.T) {
	l, clock, h := newTestLooper()
	a := NewAnimator(h, func(float64) {})
	a.SetMaxTime(200*time.Millisecond, 0)
	a.AnimateTo(0, 0, false)
	a.AnimateTo(1, 0.1, false)
	if math.Abs(a.Rate()-5) > 1e-9 {
		t.Fatalf("rate=%v want 5", a.Rate())
	}
	l.DrainFor(clock, 250*time.Millisecond)
	if a.IsAnimating() {
		t.Fatal("ramp exceeded its max time")
	}

	b := NewAnimator(h, func(float64) {})
	b.SetMaxTime(200*time.Millisecond, 0)
	b.AnimateTo(0, 0, false)
	b.AnimateTo(1, 0.1, true)
	if b.Rate() != 0.1 {
		t.Fatalf("ignoreLimits rate=%v want 0.1", b.Rate())
	}
}

func TestZeroRateCancelsRunningRamp(t *testing.T) {
	l, clock, h := newTestLooper()
	a := NewAnimator(h, func(float64) {})
	a.AnimateTo(0, 0, false)
	a.AnimateTo(1, 0.5, false)
	l.DrainFor(clock, 50*time.Millisecond)

	a.AnimateTo(0.3, 0, false)
	if a.IsAnimating() || a.Current() != 0.3 {
		t.Fatalf("current=%v animating=%t", a.Current(), a.IsAnimating())
	}
	if l.Len() != 0 {
		t.Fatal("expected pending frame removed")
	}
}

func TestDualNotifiesWhenBothFinish(t *testing.T) {
	l, clock, h := newTestLooper()
	var first, second float64
	d := NewDual(h, func(v float64) { first = v }, func(v float64) { second = v })
	done := 0
	d.SetListener(func() { done++ })

	d.AnimateTo(0.2, 0.2, 0, false)
	if !d.AnimateTo(0.6, 0.4, 1, false) {
		t.Fatal("expected change")
	}
	l.DrainFor(clock, time.Second)
	if first != 0.6 || second != 0.4 {
		t.Fatalf("first=%v second=%v", first, second)
	}
	if done != 1 {
		t.Fatalf("listener ran %d times, want 1", done)
	}
	if d.IsAnimating() {
		t.Fatal("expected idle")
	}
}
