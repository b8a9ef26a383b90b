package powerstate

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"

	"github.com/dispctl/host/internal/display"
	"github.com/dispctl/host/internal/looper"
)

type write struct {
	State      display.ScreenState
	Brightness float64
}

type fakeBlanker struct {
	mu     sync.Mutex
	writes []write
}

func (b *fakeBlanker) Apply(_ context.Context, state display.ScreenState, brightness, _ float64) error {
	b.mu.Lock()
	b.writes = append(b.writes, write{state, brightness})
	b.mu.Unlock()
	return nil
}

func (b *fakeBlanker) all() []write {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]write(nil), b.writes...)
}

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func TestSettersCoalesceIntoOneWrite(t *testing.T) {
	l := looper.New(looper.NewFakeClock(0), quietLog())
	b := &fakeBlanker{}
	s := New(l, b, nil, Options{Log: quietLog()})
	l.Drain()

	s.SetBrightness(0.3)
	s.SetSDRBrightness(0.3)
	s.SetBrightness(0.5)
	if n := l.Drain(); n != 1 {
		t.Fatalf("Drain()=%d want one coalesced update", n)
	}

	// The first write carries the unset (NaN) brightness.
	got := b.all()
	if len(got) != 2 {
		t.Fatalf("got %d writes, want 2", len(got))
	}
	if diff := cmp.Diff([]write{{display.ScreenOn, 0.5}}, got[1:]); diff != "" {
		t.Fatalf("writes mismatch (-want +got):\n%s", diff)
	}
}

func TestBrightnessSuppressedWhenOffOrBlack(t *testing.T) {
	l := looper.New(looper.NewFakeClock(0), quietLog())
	b := &fakeBlanker{}
	s := New(l, b, nil, Options{Log: quietLog()})
	s.SetBrightness(0.8)
	l.Drain()

	s.SetColorFadeLevel(0)
	l.Drain()
	s.SetScreenState(display.ScreenOff)
	l.Drain()

	got := b.all()
	last := got[len(got)-1]
	if last.State != display.ScreenOff || last.Brightness != 0 {
		t.Fatalf("last write=%+v, want OFF at 0", last)
	}
	prev := got[len(got)-2]
	if prev.State != display.ScreenOn || prev.Brightness != 0 {
		t.Fatalf("black level write=%+v, want ON at 0", prev)
	}
}

func TestWaitUntilCleanInvokesListenerAfterWrite(t *testing.T) {
	l := looper.New(looper.NewFakeClock(0), quietLog())
	s := New(l, &fakeBlanker{}, nil, Options{Log: quietLog()})
	l.Drain()
	if !s.WaitUntilClean(nil) {
		t.Fatal("expected clean after initial write")
	}

	s.SetScreenState(display.ScreenDoze)
	called := 0
	if s.WaitUntilClean(func() { called++ }) {
		t.Fatal("expected dirty state")
	}
	l.Drain()
	if called != 1 {
		t.Fatalf("listener called %d times, want 1", called)
	}
}

func TestColorFadeDrawMarksReady(t *testing.T) {
	l := looper.New(looper.NewFakeClock(0), quietLog())
	s := New(l, &fakeBlanker{}, nil, Options{Log: quietLog()})
	l.Drain()
	if !s.PrepareColorFade(ModeFade) {
		t.Fatal("prepare failed")
	}
	s.SetColorFadeLevel(0.5)
	if s.WaitUntilClean(func() {}) {
		t.Fatal("expected pending draw")
	}
	l.Drain()
	if !s.WaitUntilClean(nil) {
		t.Fatal("expected clean after draw")
	}
}

func TestAsyncModulatorReportsBackOnLoop(t *testing.T) {
	l := looper.New(looper.SystemClock{}, quietLog())
	b := &fakeBlanker{}
	s := New(l, b, nil, Options{Async: true, Log: quietLog()})
	defer s.Stop()

	clean := make(chan struct{}, 1)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		l.Drain()
		if s.WaitUntilClean(func() { clean <- struct{}{} }) {
			break
		}
		select {
		case <-clean:
		case <-time.After(10 * time.Millisecond):
		}
	}
	if !s.WaitUntilClean(nil) {
		t.Fatal("async apply never settled")
	}
	if len(b.all()) == 0 {
		t.Fatal("expected at least one panel write")
	}
}
