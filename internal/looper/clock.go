package looper

import (
	"sync"
	"time"
)

// Clock is a monotonic time source. Values are offsets from an arbitrary
// fixed origin and are only meaningful relative to each other.
type Clock interface {
	Now() time.Duration
}

// SystemClock reads the host monotonic clock.
type SystemClock struct{}

// Now returns the current monotonic time.
func (SystemClock) Now() time.Duration {
	return monotonicNow()
}

// FakeClock is a manually advanced Clock for tests.
type FakeClock struct {
	mu  sync.Mutex
	now time.Duration
}

// NewFakeClock returns a clock starting at start.
func NewFakeClock(start time.Duration) *FakeClock {
	return &FakeClock{now: start}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now += d
	c.mu.Unlock()
}

// Set moves the clock to t. Moving backwards is ignored.
func (c *FakeClock) Set(t time.Duration) {
	c.mu.Lock()
	if t > c.now {
		c.now = t
	}
	c.mu.Unlock()
}
