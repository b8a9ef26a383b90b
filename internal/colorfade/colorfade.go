// Package colorfade runs the one-shot tweens that cover the screen with
// black before it turns off and reveal it after it turns on.
package colorfade

import (
	"time"

	"github.com/dispctl/host/internal/looper"
)

// Default tween durations.
const (
	FadeOffDuration = 100 * time.Millisecond
	FadeOnDuration  = 250 * time.Millisecond
)

const frameInterval = 16 * time.Millisecond

// Animator tweens a level from wherever it is to a fixed end value.
type Animator struct {
	handler  *looper.Handler
	get      func() float64
	set      func(float64)
	end      float64
	duration time.Duration
	onEnd    func()

	started bool
	from    float64
	startAt time.Duration
}

// New returns an animator that moves the level read by get to end over
// duration, writing through set.
func New(h *looper.Handler, get func() float64, set func(float64), end float64, duration time.Duration) *Animator {
	return &Animator{handler: h, get: get, set: set, end: end, duration: duration}
}

// NewFadeOff returns the fade-to-black tween.
func NewFadeOff(h *looper.Handler, get func() float64, set func(float64)) *Animator {
	return New(h, get, set, 0, FadeOffDuration)
}

// NewFadeOn returns the reveal tween.
func NewFadeOn(h *looper.Handler, get func() float64, set func(float64)) *Animator {
	return New(h, get, set, 1, FadeOnDuration)
}

// SetOnEnd registers the callback run when the tween finishes or is
// cancelled.
func (a *Animator) SetOnEnd(fn func()) {
	a.onEnd = fn
}

// IsStarted reports whether the tween is running.
func (a *Animator) IsStarted() bool {
	return a.started
}

// Start begins the tween from the current level. Starting a running tween
// restarts it.
func (a *Animator) Start() {
	a.handler.RemoveCallbacks(a)
	a.started = true
	a.from = a.get()
	a.startAt = a.handler.Looper().Now()
	if a.duration <= 0 {
		a.finish()
		return
	}
	a.handler.PostDelayed(a, a.frame, frameInterval)
}

// Cancel stops a running tween where it is.
func (a *Animator) Cancel() {
	if !a.started {
		return
	}
	a.handler.RemoveCallbacks(a)
	a.started = false
	a.notify()
}

// End jumps to the final level and runs the end callback, whether or not
// the tween was running.
func (a *Animator) End() {
	a.handler.RemoveCallbacks(a)
	a.finish()
}

func (a *Animator) frame() {
	if !a.started {
		return
	}
	elapsed := a.handler.Looper().Now() - a.startAt
	if elapsed >= a.duration {
		a.finish()
		return
	}
	frac := float64(elapsed) / float64(a.duration)
	a.set(a.from + (a.end-a.from)*frac)
	a.handler.PostDelayed(a, a.frame, frameInterval)
}

func (a *Animator) finish() {
	a.started = false
	a.set(a.end)
	a.notify()
}

func (a *Animator) notify() {
	if a.onEnd != nil {
		a.onEnd()
	}
}
