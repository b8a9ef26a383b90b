package controller

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/dispctl/host/internal/display"
	"github.com/dispctl/host/internal/gate"
)

// Status is a point-in-time view of the controller for the API.
type Status struct {
	DisplayID        int     `json:"display_id"`
	Policy           string  `json:"policy"`
	ScreenState      string  `json:"screen_state"`
	ReportedState    string  `json:"reported_state"`
	Brightness       float64 `json:"brightness"`
	TargetBrightness float64 `json:"target_brightness"`
	ColorFadeLevel   float64 `json:"color_fade_level"`
	Ramping          bool    `json:"ramping"`
	DisplayReady     bool    `json:"display_ready"`
	ScreenOnBlocked  bool    `json:"screen_on_blocked"`
	ScreenOffBlocked bool    `json:"screen_off_blocked"`
	OffloadBlocked   bool    `json:"offload_blocked"`
	Proximity        string  `json:"proximity"`
	BootCompleted    bool    `json:"boot_completed"`
	Stopped          bool    `json:"stopped"`
}

func jsonFloat(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return -1
	}
	return v
}

// snapshotStatus reads loop-owned state. Loop only.
func (c *Controller) snapshotStatus() Status {
	s := Status{
		DisplayID:        c.cfg.DisplayID,
		ScreenState:      display.ScreenUnknown.String(),
		ReportedState:    c.reported.String(),
		Brightness:       -1,
		TargetBrightness: -1,
		ColorFadeLevel:   -1,
		ScreenOnBlocked:  c.onGate.Pending(),
		ScreenOffBlocked: c.offGate.Pending(),
		OffloadBlocked:   c.offloadGate.Pending(),
		Proximity:        c.prox.Reading().String(),
		BootCompleted:    c.bootCompleted,
	}
	if c.powerRequest != nil {
		s.Policy = c.powerRequest.Policy.String()
	}
	if c.powerState != nil {
		s.ScreenState = c.powerState.ScreenState().String()
		s.Brightness = jsonFloat(c.powerState.Brightness())
		s.ColorFadeLevel = c.powerState.ColorFadeLevel()
	}
	if c.ramp != nil {
		target, _ := c.ramp.Target()
		s.TargetBrightness = jsonFloat(target)
		s.Ramping = c.ramp.IsAnimating()
	}
	c.mu.Lock()
	s.DisplayReady = c.displayReady
	s.Stopped = c.stopped
	c.mu.Unlock()
	return s
}

func (c *Controller) publishStatus() {
	s := c.snapshotStatus()
	c.pubMu.Lock()
	c.status = s
	c.pubMu.Unlock()
}

// Status returns the state as of the last recompute.
func (c *Controller) Status() Status {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	return c.status
}

// BrightnessInfo returns the published brightness snapshot.
func (c *Controller) BrightnessInfo() display.BrightnessInfo {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	return c.info
}

// Events returns the recorded brightness events, oldest first.
func (c *Controller) Events() []display.BrightnessEvent {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	return c.events.Items()
}

// Dump writes a human readable description of the controller. It runs on
// the loop; if the loop does not answer before ctx ends, the last published
// status is written instead.
func (c *Controller) Dump(ctx context.Context, w io.Writer) error {
	done := make(chan []byte, 1)
	posted := c.handler.Post(func() {
		var buf bytes.Buffer
		c.dumpOnLoop(&buf)
		done <- buf.Bytes()
	})
	if posted {
		select {
		case b := <-done:
			_, err := w.Write(b)
			return err
		case <-ctx.Done():
		}
	}
	s := c.Status()
	fmt.Fprintf(w, "Display Power Controller (display %d, loop unavailable):\n", s.DisplayID)
	fmt.Fprintf(w, "  screenState=%s reported=%s policy=%s\n", s.ScreenState, s.ReportedState, s.Policy)
	fmt.Fprintf(w, "  brightness=%v target=%v stopped=%t\n", s.Brightness, s.TargetBrightness, s.Stopped)
	return ctx.Err()
}

func gateAge(g *gate.Gate) string {
	if !g.Pending() {
		return "none"
	}
	now := time.Now()
	return fmt.Sprintf("%s (opened %s)", g.Current().ID(), humanize.RelTime(now.Add(-g.HeldFor()), now, "ago", "from now"))
}

// dumpOnLoop writes the full state. Loop only.
func (c *Controller) dumpOnLoop(w io.Writer) {
	c.mu.Lock()
	pending := "none"
	if c.pendingRequest != nil {
		pending = c.pendingRequest.String()
	}
	ready, stopped := c.displayReady, c.stopped
	changed, waitNeg := c.pendingRequestChanged, c.pendingWaitForNegative
	followers := len(c.followers)
	c.mu.Unlock()

	fmt.Fprintf(w, "Display Power Controller (display %d):\n", c.cfg.DisplayID)
	fmt.Fprintf(w, "  stopped=%t\n", stopped)
	fmt.Fprintf(w, "  displayReadyLocked=%t\n", ready)
	fmt.Fprintf(w, "  pendingRequestLocked=%s\n", pending)
	fmt.Fprintf(w, "  pendingRequestChangedLocked=%t\n", changed)
	fmt.Fprintf(w, "  pendingWaitForNegativeProximityLocked=%t\n", waitNeg)
	fmt.Fprintf(w, "  brightnessFollowers=%d\n", followers)
	fmt.Fprintln(w)

	if c.powerRequest != nil {
		fmt.Fprintf(w, "  powerRequest=%s\n", c.powerRequest)
	}
	fmt.Fprintf(w, "  reportedScreenStateToPolicy=%s\n", c.reported)
	fmt.Fprintf(w, "  pendingScreenOff=%t\n", c.pendingScreenOff)
	fmt.Fprintf(w, "  pendingScreenOnUnblocker=%s\n", gateAge(c.onGate))
	fmt.Fprintf(w, "  pendingScreenOffUnblocker=%s\n", gateAge(c.offGate))
	fmt.Fprintf(w, "  pendingScreenOnUnblockerByDisplayOffload=%s\n", gateAge(c.offloadGate))
	fmt.Fprintf(w, "  offloadSession=%t\n", c.offloadSession != nil)
	fmt.Fprintf(w, "  dozeStateOverride=%s\n", c.dozeOverride.state)
	fmt.Fprintf(w, "  bootCompleted=%t\n", c.bootCompleted)
	fmt.Fprintf(w, "  displayEnabled=%t inTransition=%t\n", c.displayEnabled, c.inTransition)
	fmt.Fprintf(w, "  dozing=%t\n", c.dozing)
	fmt.Fprintf(w, "  userID=%d\n", c.userID)
	fmt.Fprintf(w, "  skipRampState=%d\n", c.skipRampState)
	fmt.Fprintf(w, "  screenBrightnessSetting=%v\n", c.settings.brightness)
	fmt.Fprintf(w, "  temporaryScreenBrightness=%v\n", c.temporaryBrightness)
	fmt.Fprintf(w, "  temporaryAutoBrightnessAdjustment=%v\n", c.temporaryAutoAdjustment)
	fmt.Fprintf(w, "  offloadBrightness=%v\n", c.offloadBrightness)
	fmt.Fprintf(w, "  followBrightness=%v\n", c.followBrightness)
	fmt.Fprintf(w, "  autoBrightnessEnabled=%t adjustment=%v\n", c.settings.autoEnabled, c.settings.autoAdjustment)
	fmt.Fprintf(w, "  refreshBoost=%t\n", c.refreshBoost)
	fmt.Fprintf(w, "  wakelocks:")
	for k := range wakelockNames {
		if c.locks.isHeld(wakelock(k)) {
			fmt.Fprintf(w, " [%s]", wakelockNames[k])
		}
	}
	fmt.Fprintln(w)

	if c.ramp != nil {
		cur, _ := c.ramp.Current()
		target, _ := c.ramp.Target()
		fmt.Fprintf(w, "  brightnessRamp: current=%v target=%v animating=%t\n", cur, target, c.ramp.IsAnimating())
	}
	if c.fadeOn != nil {
		fmt.Fprintf(w, "  colorFadeOnStarted=%t colorFadeOffStarted=%t\n", c.fadeOn.IsStarted(), c.fadeOff.IsStarted())
	}

	info := c.BrightnessInfo()
	fmt.Fprintf(w, "  cachedBrightnessInfo: brightness=%v adjusted=%v min=%v max=%v hbm=%s transition=%v maxReason=%s\n",
		info.Brightness, info.AdjustedBrightness, info.BrightnessMin, info.BrightnessMax,
		info.HbmMode, info.HbmTransitionPoint, info.MaxReason)
	fmt.Fprintln(w)

	if c.powerState != nil {
		c.powerState.Dump(w)
	} else {
		c.log.Error("power state is nil, skipping dump")
	}
	fmt.Fprintln(w)
	c.prox.Dump(w)
	fmt.Fprintln(w)

	events := c.Events()
	fmt.Fprintf(w, "Brightness Events (%d):\n", len(events))
	for _, ev := range events {
		fmt.Fprintf(w, "  %s\n", ev)
	}
}
