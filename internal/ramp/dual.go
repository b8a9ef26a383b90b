package ramp

import (
	"time"

	"github.com/dispctl/host/internal/looper"
)

// Listener is notified when both ramps of a Dual have finished.
type Listener func()

// Dual ramps brightness and SDR brightness together.
type Dual struct {
	first    *Animator
	second   *Animator
	listener Listener
}

// NewDual returns a pair of animators writing through setFirst and
// setSecond.
func NewDual(h *looper.Handler, setFirst, setSecond func(float64)) *Dual {
	d := &Dual{
		first:  NewAnimator(h, setFirst),
		second: NewAnimator(h, setSecond),
	}
	d.first.SetOnEnd(d.onEnd)
	d.second.SetOnEnd(d.onEnd)
	return d
}

// SetListener registers the completion listener.
func (d *Dual) SetListener(l Listener) {
	d.listener = l
}

// SetMaxTime applies the same duration bounds to both ramps.
func (d *Dual) SetMaxTime(increase, decrease time.Duration) {
	d.first.SetMaxTime(increase, decrease)
	d.second.SetMaxTime(increase, decrease)
}

// AnimateTo ramps both values and reports whether either target changed.
func (d *Dual) AnimateTo(first, second, rate float64, ignoreLimits bool) bool {
	c1 := d.first.AnimateTo(first, rate, ignoreLimits)
	c2 := d.second.AnimateTo(second, rate, ignoreLimits)
	return c1 || c2
}

// IsAnimating reports whether either ramp is running.
func (d *Dual) IsAnimating() bool {
	return d.first.IsAnimating() || d.second.IsAnimating()
}

// Current returns the current pair of values.
func (d *Dual) Current() (float64, float64) {
	return d.first.Current(), d.second.Current()
}

// Target returns the targets of both ramps.
func (d *Dual) Target() (float64, float64) {
	return d.first.Target(), d.second.Target()
}

func (d *Dual) onEnd() {
	if d.IsAnimating() || d.listener == nil {
		return
	}
	d.listener()
}
