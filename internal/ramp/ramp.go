// Package ramp moves a brightness value toward a target at a bounded rate.
//
// Rates are expressed in brightness units per second. Frames are scheduled
// on a looper, so an Animator must only be used from that looper.
package ramp

import (
	"math"
	"time"

	"github.com/dispctl/host/internal/looper"
)

// FrameInterval is the delay between animation frames.
const FrameInterval = 16 * time.Millisecond

// Animator drives one float property toward a target.
type Animator struct {
	handler *looper.Handler
	set     func(float64)
	onEnd   func()

	firstTime bool
	animating bool
	rate      float64
	target    float64
	current   float64
	lastFrame time.Duration

	increaseMax time.Duration
	decreaseMax time.Duration
}

// NewAnimator returns an animator writing values through set.
func NewAnimator(h *looper.Handler, set func(float64)) *Animator {
	return &Animator{handler: h, set: set, firstTime: true}
}

// SetMaxTime bounds how long any single increase or decrease may take.
// Zero disables the bound.
func (a *Animator) SetMaxTime(increase, decrease time.Duration) {
	a.increaseMax = increase
	a.decreaseMax = decrease
}

// SetOnEnd registers the callback run when the value reaches its target.
func (a *Animator) SetOnEnd(fn func()) {
	a.onEnd = fn
}

// Current returns the value last written.
func (a *Animator) Current() float64 {
	return a.current
}

// Target returns the value being animated to.
func (a *Animator) Target() float64 {
	return a.target
}

// Rate returns the rate in use for the running animation.
func (a *Animator) Rate() float64 {
	return a.rate
}

// IsAnimating reports whether frames are still being scheduled.
func (a *Animator) IsAnimating() bool {
	return a.animating
}

// AnimateTo starts or retargets the animation and reports whether the
// target changed. The first call, a non-positive rate, or a NaN target set
// the value immediately. A running animation keeps its current value; its
// rate only changes when the new rate is faster, when the animation was
// idle, or when the target lies on the other side of the current value.
func (a *Animator) AnimateTo(target, rate float64, ignoreLimits bool) bool {
	if a.firstTime || rate <= 0 || math.IsNaN(target) || math.IsNaN(a.current) {
		if a.firstTime || !sameValue(target, a.current) || a.animating {
			changed := a.firstTime || !sameValue(a.target, target)
			a.firstTime = false
			a.cancel()
			a.target = target
			a.rate = 0
			a.current = target
			a.set(target)
			return changed
		}
		return false
	}

	if !ignoreLimits {
		rate = a.limitRate(target, rate)
	}

	if !a.animating || rate > a.rate ||
		(target <= a.current && a.current <= a.target) ||
		(a.target <= a.current && a.current <= target) {
		a.rate = rate
	}

	changed := a.target != target
	a.target = target

	if !a.animating && target != a.current {
		a.animating = true
		a.lastFrame = a.handler.Looper().Now()
		a.postFrame()
	}
	return changed
}

func (a *Animator) limitRate(target, rate float64) float64 {
	delta := target - a.current
	max := a.increaseMax
	if delta < 0 {
		delta = -delta
		max = a.decreaseMax
	}
	if max <= 0 || delta == 0 {
		return rate
	}
	if need := delta / max.Seconds(); need > rate {
		return need
	}
	return rate
}

func (a *Animator) cancel() {
	if a.animating {
		a.animating = false
		a.handler.RemoveCallbacks(a)
	}
}

func (a *Animator) postFrame() {
	a.handler.PostDelayed(a, a.frame, FrameInterval)
}

func (a *Animator) frame() {
	if !a.animating {
		return
	}
	now := a.handler.Looper().Now()
	elapsed := (now - a.lastFrame).Seconds()
	a.lastFrame = now

	step := elapsed * a.rate
	if a.target > a.current {
		a.current = math.Min(a.current+step, a.target)
	} else {
		a.current = math.Max(a.current-step, a.target)
	}
	a.set(a.current)

	if a.current != a.target {
		a.postFrame()
		return
	}
	a.animating = false
	if a.onEnd != nil {
		a.onEnd()
	}
}

func sameValue(a, b float64) bool {
	if math.IsNaN(a) || math.IsNaN(b) {
		return math.IsNaN(a) && math.IsNaN(b)
	}
	return a == b
}
