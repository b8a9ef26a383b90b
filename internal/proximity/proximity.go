// Package proximity debounces a proximity sensor and decides when a cover
// over the screen should force it off.
package proximity

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dispctl/host/internal/display"
	"github.com/dispctl/host/internal/looper"
)

// Reading is a debounced proximity value.
type Reading int

const (
	Unknown  Reading = -1
	Negative Reading = 0
	Positive Reading = 1
)

func (r Reading) String() string {
	switch r {
	case Negative:
		return "Negative"
	case Positive:
		return "Positive"
	default:
		return "Unknown"
	}
}

// Debounce delays before a raw reading is accepted.
const (
	PositiveDebounce = 0
	NegativeDebounce = 250 * time.Millisecond
)

// Sensor delivers raw readings to a listener on any goroutine.
type Sensor interface {
	Enable(listener func(positive bool))
	Disable()
}

// Owner is the display controller side of the proximity gate. All calls
// happen on the loop.
type Owner interface {
	// RequestUpdate asks for a recompute of the display state.
	RequestUpdate()
	OnProximityPositive()
	OnProximityNegative()
	AcquireDebounceBlocker()
	ReleaseDebounceBlocker()
}

const (
	msgDebounced = iota + 1
	msgSensorEvent
	msgIgnoreUntilChanged
)

// Controller tracks the proximity state of one display.
type Controller struct {
	handler *looper.Handler
	sensor  Sensor
	owner   Owner
	log     *logrus.Entry

	enabled                     bool
	proximity                   Reading
	pending                     Reading
	pendingDebounceAt           time.Duration
	debounceHeld                bool
	waitingForNegative          bool
	screenOffBecauseOfProximity bool
	ignoreUntilChanged          bool
	skipRampToNegative          bool

	mu        sync.Mutex
	lastRaw   Reading
	lastRawAt time.Duration
}

// New creates a controller on loop l. sensor may be nil, in which case
// proximity never affects the display.
func New(l *looper.Looper, sensor Sensor, owner Owner, log *logrus.Entry) *Controller {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	c := &Controller{
		sensor:            sensor,
		owner:             owner,
		log:               log.WithField("component", "proximity"),
		proximity:         Unknown,
		pending:           Unknown,
		pendingDebounceAt: -1,
		lastRaw:           Unknown,
	}
	c.handler = looper.NewHandler(l, c.handle)
	return c
}

// Available reports whether a sensor is attached.
func (c *Controller) Available() bool {
	return c.sensor != nil
}

// MergeWaitForNegative latches a request to keep the screen off until the
// sensor reads negative.
func (c *Controller) MergeWaitForNegative(wait bool) {
	c.waitingForNegative = c.waitingForNegative || wait
}

// UpdateProximityState enables or disables the sensor for req and
// recomputes whether the screen must be off. state is the target screen
// state before proximity is applied.
func (c *Controller) UpdateProximityState(req display.PowerRequest, state display.ScreenState) {
	if c.sensor == nil {
		c.waitingForNegative = false
		c.ignoreUntilChanged = false
		return
	}

	switch {
	case req.UseProximitySensor && state != display.ScreenOff:
		c.setSensorEnabled(true)
		if !c.screenOffBecauseOfProximity && c.proximity == Positive && !c.ignoreUntilChanged {
			c.screenOffBecauseOfProximity = true
			c.owner.OnProximityPositive()
		}
	case c.waitingForNegative && c.screenOffBecauseOfProximity && c.proximity == Positive && state != display.ScreenOff:
		c.setSensorEnabled(true)
	default:
		c.setSensorEnabled(false)
		c.waitingForNegative = false
	}

	if c.screenOffBecauseOfProximity && (c.proximity != Positive || c.ignoreUntilChanged) {
		c.screenOffBecauseOfProximity = false
		c.skipRampToNegative = true
		c.owner.OnProximityNegative()
	}
}

// IsScreenOffBecauseOfProximity reports whether proximity forces OFF.
func (c *Controller) IsScreenOffBecauseOfProximity() bool {
	return c.screenOffBecauseOfProximity
}

// ConsumeSkipRamp reports, once, that the cover was just removed and the
// brightness should snap instead of ramp.
func (c *Controller) ConsumeSkipRamp() bool {
	v := c.skipRampToNegative
	c.skipRampToNegative = false
	return v
}

// IgnoreUntilChanged asks the controller to disregard a positive reading
// until the sensor changes. Safe to call from any goroutine.
func (c *Controller) IgnoreUntilChanged() {
	c.handler.SendEmpty(msgIgnoreUntilChanged)
}

// OnSensorEvent feeds a raw reading. Safe to call from any goroutine.
func (c *Controller) OnSensorEvent(positive bool) {
	r := Negative
	if positive {
		r = Positive
	}
	now := c.handler.Looper().Now()
	c.mu.Lock()
	c.lastRaw = r
	c.lastRawAt = now
	c.mu.Unlock()
	c.handler.Send(looper.Message{What: msgSensorEvent, Arg1: int(r), Obj: now})
}

// Stop disables the sensor and releases the debounce blocker.
func (c *Controller) Stop() {
	c.setSensorEnabled(false)
	c.handler.RemoveAll()
}

// Reading returns the debounced reading.
func (c *Controller) Reading() Reading {
	return c.proximity
}

func (c *Controller) handle(m *looper.Message) {
	switch m.What {
	case msgSensorEvent:
		if !c.enabled {
			return
		}
		at, _ := m.Obj.(time.Duration)
		c.handleSensorEvent(at, Reading(m.Arg1) == Positive)
	case msgDebounced:
		c.debounce()
	case msgIgnoreUntilChanged:
		if c.proximity == Positive {
			c.ignoreUntilChanged = true
			c.owner.RequestUpdate()
		}
	}
}

func (c *Controller) handleSensorEvent(at time.Duration, positive bool) {
	if !positive && c.pending == Negative {
		return
	}
	if positive && c.pending == Positive {
		return
	}
	c.handler.RemoveMessages(msgDebounced)
	if positive {
		c.pending = Positive
		c.setPendingDebounceAt(at + PositiveDebounce)
	} else {
		c.pending = Negative
		c.setPendingDebounceAt(at + NegativeDebounce)
	}
	c.debounce()
}

func (c *Controller) debounce() {
	if !c.enabled || c.pending == Unknown || c.pendingDebounceAt < 0 {
		return
	}
	now := c.handler.Looper().Now()
	if c.pendingDebounceAt > now {
		c.handler.SendAt(looper.Message{What: msgDebounced}, c.pendingDebounceAt)
		return
	}
	if c.proximity != c.pending {
		c.ignoreUntilChanged = false
		c.log.WithField("reading", c.pending).Debug("proximity changed")
	}
	c.proximity = c.pending
	c.owner.RequestUpdate()
	c.clearPendingDebounce()
}

func (c *Controller) setPendingDebounceAt(at time.Duration) {
	if c.pendingDebounceAt < 0 && !c.debounceHeld {
		c.owner.AcquireDebounceBlocker()
		c.debounceHeld = true
	}
	c.pendingDebounceAt = at
}

func (c *Controller) clearPendingDebounce() {
	if c.pendingDebounceAt >= 0 {
		c.pendingDebounceAt = -1
	}
	if c.debounceHeld {
		c.debounceHeld = false
		c.owner.ReleaseDebounceBlocker()
	}
}

func (c *Controller) setSensorEnabled(enable bool) {
	if enable {
		if c.enabled {
			return
		}
		c.enabled = true
		c.ignoreUntilChanged = false
		c.sensor.Enable(c.OnSensorEvent)
		return
	}
	if !c.enabled {
		return
	}
	c.enabled = false
	c.proximity = Unknown
	c.ignoreUntilChanged = false
	c.pending = Unknown
	c.handler.RemoveMessages(msgDebounced)
	c.sensor.Disable()
	c.clearPendingDebounce()
}

// Dump writes the proximity state.
func (c *Controller) Dump(w io.Writer) {
	c.mu.Lock()
	raw, rawAt := c.lastRaw, c.lastRawAt
	c.mu.Unlock()
	fmt.Fprintln(w, "Proximity State:")
	fmt.Fprintf(w, "  available=%t\n", c.sensor != nil)
	fmt.Fprintf(w, "  enabled=%t\n", c.enabled)
	fmt.Fprintf(w, "  proximity=%s\n", c.proximity)
	fmt.Fprintf(w, "  pendingProximity=%s\n", c.pending)
	fmt.Fprintf(w, "  pendingProximityDebounceTime=%v\n", c.pendingDebounceAt)
	fmt.Fprintf(w, "  lastRaw=%s at %v\n", raw, rawAt)
	fmt.Fprintf(w, "  waitingForNegativeProximity=%t\n", c.waitingForNegative)
	fmt.Fprintf(w, "  screenOffBecauseOfProximity=%t\n", c.screenOffBecauseOfProximity)
	fmt.Fprintf(w, "  ignoreProximityUntilChanged=%t\n", c.ignoreUntilChanged)
}
