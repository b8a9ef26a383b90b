package controller

import (
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/dispctl/host/internal/colorfade"
	"github.com/dispctl/host/internal/display"
	"github.com/dispctl/host/internal/gate"
	"github.com/dispctl/host/internal/looper"
	"github.com/dispctl/host/internal/powerstate"
	"github.com/dispctl/host/internal/ramp"
)

// initialize builds the power state and animators on the first request.
func (c *Controller) initialize() {
	c.powerState = powerstate.New(c.looper, c.deps.Blanker, c.deps.ColorFade, powerstate.Options{
		Async:        c.cfg.AsyncPanelWrites,
		InitialState: c.cfg.InitialScreenState,
		Log:          c.log,
	})

	ps := c.powerState
	c.fadeOn = colorfade.NewFadeOn(c.handler, ps.ColorFadeLevel, ps.SetColorFadeLevel)
	c.fadeOn.SetOnEnd(c.sendUpdatePowerState)
	c.fadeOff = colorfade.NewFadeOff(c.handler, ps.ColorFadeLevel, ps.SetColorFadeLevel)
	c.fadeOff.SetOnEnd(c.sendUpdatePowerState)

	c.ramp = ramp.NewDual(c.handler, ps.SetBrightness, ps.SetSDRBrightness)
	c.ramp.SetListener(c.onRampDone)
	c.setRampMaxTimes(c.deps.AutoBrightness.IsInIdleMode())

	c.log.WithField("state", ps.ScreenState()).Info("initialized display power state")
}

func (c *Controller) setRampMaxTimes(idle bool) {
	if c.ramp == nil {
		return
	}
	if idle {
		c.ramp.SetMaxTime(c.cfg.Ramp.IncreaseMaxIdle, c.cfg.Ramp.DecreaseMaxIdle)
		return
	}
	c.ramp.SetMaxTime(c.cfg.Ramp.IncreaseMax, c.cfg.Ramp.DecreaseMax)
}

func (c *Controller) onRampDone() {
	c.sendUpdatePowerState()
	c.handler.SendEmpty(msgBrightnessRampDone)
	if c.refreshBoost {
		c.handler.RemoveMessages(msgResetRefreshBoost)
		c.handler.SendDelayed(looper.Message{What: msgResetRefreshBoost}, c.cfg.Ramp.RefreshBoostResetDelay)
	}
}

// updatePowerState is the recompute step. It is safe to run at any time
// and does nothing new when nothing changed.
func (c *Controller) updatePowerState() {
	c.mu.Lock()
	c.pendingUpdatePowerState = false
	if c.pendingRequest == nil {
		c.mu.Unlock()
		return
	}
	mustInitialize := false
	var previousPolicy display.Policy
	if c.powerRequest == nil {
		r := *c.pendingRequest
		c.powerRequest = &r
		previousPolicy = r.Policy
		c.prox.MergeWaitForNegative(c.pendingWaitForNegative)
		c.pendingWaitForNegative = false
		c.pendingRequestChanged = false
		mustInitialize = true
	} else {
		previousPolicy = c.powerRequest.Policy
		if c.pendingRequestChanged {
			*c.powerRequest = *c.pendingRequest
			c.prox.MergeWaitForNegative(c.pendingWaitForNegative)
			c.pendingWaitForNegative = false
			c.pendingRequestChanged = false
			c.displayReady = false
		}
	}
	mustNotify := !c.displayReady
	c.mu.Unlock()

	if mustInitialize {
		c.initialize()
	}
	req := *c.powerRequest
	if req.Policy != previousPolicy {
		c.log.WithFields(logrus.Fields{"from": previousPolicy, "to": req.Policy}).Debug("policy changed")
	}

	state, reason := c.targetScreenState(req)
	c.prox.UpdateProximityState(req, state)
	if c.prox.IsScreenOffBecauseOfProximity() {
		state = display.ScreenOff
	}

	c.animateScreenStateChange(state, reason, req.Policy == display.PolicyOff)
	state = c.powerState.ScreenState()

	c.updateBrightness(req, state)

	ready := !c.onGate.Pending() && !c.offGate.Pending() &&
		(!c.cfg.ColorFade.Enabled || (!c.fadeOn.IsStarted() && !c.fadeOff.IsStarted())) &&
		c.powerState.WaitUntilClean(c.sendUpdatePowerState)
	finished := ready && !c.ramp.IsAnimating()

	if ready && state != display.ScreenOff && c.reported == display.ReportedTurningOn {
		c.setReportedScreenState(display.ReportedOn)
		c.deps.WindowPolicy.ScreenTurnedOn(c.cfg.DisplayID)
	}

	if !finished {
		c.locks.acquire(wakeLockUnfinishedBusiness)
	}

	if ready && mustNotify {
		c.mu.Lock()
		if !c.pendingRequestChanged {
			c.displayReady = true
			c.log.Debug("display ready")
		}
		c.mu.Unlock()
		c.sendOnStateChangedWithWakelock()
	}

	if finished {
		c.locks.release(wakeLockUnfinishedBusiness)
	}

	c.dozing = state != display.ScreenOn
	c.publishStatus()
}

func (c *Controller) targetScreenState(req display.PowerRequest) (display.ScreenState, display.StateReason) {
	state := display.ScreenOn
	reason := display.ReasonDefaultPolicy
	switch req.Policy {
	case display.PolicyOff:
		state = display.ScreenOff
	case display.PolicyDoze:
		state = req.DozeScreenState
		if state == display.ScreenUnknown {
			state = display.ScreenDoze
		}
		reason = req.DozeScreenStateReason
		if c.dozeOverride.state != display.ScreenUnknown {
			state = c.dozeOverride.state
			reason = c.dozeOverride.reason
		}
	case display.PolicyVR:
		state = display.ScreenVR
	}
	if !c.displayEnabled || c.inTransition {
		state = display.ScreenOff
	}
	return state, reason
}

func (c *Controller) sendOnStateChangedWithWakelock() {
	if c.locks.acquire(wakeLockStateChanged) {
		c.handler.Post(func() {
			c.deps.Callbacks.OnStateChanged()
			c.locks.release(wakeLockStateChanged)
		})
	}
}

func (c *Controller) colorFadeMode(off bool) int {
	switch {
	case c.cfg.ColorFade.Fades:
		return powerstate.ModeFade
	case off:
		return powerstate.ModeCoolDown
	default:
		return powerstate.ModeWarmUp
	}
}

// animateScreenStateChange moves the committed screen state toward target.
// It may stop partway, waiting for a gate or an animation, and is run again
// on the next recompute.
func (c *Controller) animateScreenStateChange(target display.ScreenState, reason display.StateReason, performScreenOffTransition bool) {
	ps := c.powerState
	if target == display.ScreenOn && c.deps.Hooks.IsBlockedBySideFingerprint() {
		c.log.Debug("screen on held by side fingerprint")
		return
	}

	if c.cfg.ColorFade.Enabled && (c.fadeOn.IsStarted() || c.fadeOff.IsStarted()) {
		if target != display.ScreenOn {
			return
		}
		c.pendingScreenOff = false
		if c.fadeOff.IsStarted() {
			c.fadeOff.Cancel()
		}
	}

	if c.cfg.ColorFade.BlanksAfterDoze && ps.ScreenState().IsDoze() && !target.IsDoze() && target != display.ScreenOn {
		ps.PrepareColorFade(c.colorFadeMode(true))
		c.fadeOff.End()
		c.setScreenState(display.ScreenOff, reason, target != display.ScreenOff)
	}

	if c.pendingScreenOff && target != display.ScreenOff {
		c.setScreenState(display.ScreenOff, reason, false)
		c.pendingScreenOff = false
		ps.DismissColorFadeResources()
	}

	switch target {
	case display.ScreenOn:
		if ps.ScreenState().IsDoze() && ps.ColorFadeLevel() == 0 {
			ps.SetColorFadeLevel(1)
			ps.DismissColorFade()
		}
		if !c.setScreenState(display.ScreenOn, reason, false) {
			return
		}
		c.revealContent()

	case display.ScreenDoze:
		if c.ramp.IsAnimating() && ps.ScreenState() == display.ScreenOn {
			return
		}
		if !c.setScreenState(display.ScreenDoze, reason, false) {
			return
		}
		ps.SetColorFadeLevel(1)
		ps.DismissColorFade()

	case display.ScreenDozeSuspend:
		if c.ramp.IsAnimating() && ps.ScreenState() != display.ScreenDozeSuspend {
			return
		}
		if ps.ScreenState() != display.ScreenDozeSuspend {
			c.setScreenState(display.ScreenDozeSuspend, reason, false)
		}
		ps.SetColorFadeLevel(1)
		ps.DismissColorFade()

	case display.ScreenOnSuspend, display.ScreenVR:
		if c.ramp.IsAnimating() && ps.ScreenState() != target {
			return
		}
		if ps.ScreenState() != target {
			if !c.setScreenState(display.ScreenOn, reason, false) {
				return
			}
			c.setScreenState(target, reason, false)
		}
		ps.SetColorFadeLevel(1)
		ps.DismissColorFade()

	default:
		c.pendingScreenOff = true
		if !c.cfg.ColorFade.Enabled || c.deps.Hooks.IsFolding() || c.deps.Hooks.IsSilentRebootFirstSleep(c.cfg.DisplayID) {
			ps.SetColorFadeLevel(0)
		}
		if ps.ColorFadeLevel() == 0 {
			c.setScreenState(display.ScreenOff, reason, false)
			c.pendingScreenOff = false
			ps.DismissColorFadeResources()
			return
		}
		if performScreenOffTransition &&
			ps.PrepareColorFade(c.colorFadeMode(true)) &&
			ps.ScreenState() != display.ScreenOff {
			c.fadeOff.Start()
			return
		}
		c.fadeOff.End()
	}
}

// revealContent uncovers the screen once ON is confirmed.
func (c *Controller) revealContent() {
	ps := c.powerState
	if c.cfg.ColorFade.OnAnimation && c.cfg.ColorFade.Enabled && c.powerRequest.Policy.IsBrightOrDim() {
		switch {
		case ps.ColorFadeLevel() == 1:
			ps.DismissColorFade()
		case ps.PrepareColorFade(c.colorFadeMode(false)):
			c.fadeOn.Start()
		default:
			c.fadeOn.End()
		}
		return
	}
	ps.SetColorFadeLevel(1)
	ps.DismissColorFade()
}

// setScreenState commits state and runs the compositor handshake around
// it. It reports whether the screen may proceed, that is no screen-on
// acknowledgement is outstanding.
func (c *Controller) setScreenState(state display.ScreenState, reason display.StateReason, reportOnly bool) bool {
	ps := c.powerState
	isOff := state.IsOffLike()
	isOn := state == display.ScreenOn
	changed := ps.ScreenState() != state

	if isOn && changed && !c.turningOnBlockedByOffload {
		c.blockScreenOnByOffload()
	} else if !isOn && c.turningOnBlockedByOffload {
		c.unblockScreenOnByOffload()
		c.turningOnBlockedByOffload = false
	}

	proxOff := c.prox.IsScreenOffBecauseOfProximity()
	if changed || c.reported == display.ReportedUnreported {
		if isOff && !proxOff {
			if c.reported == display.ReportedOn || c.reported == display.ReportedUnreported {
				c.setReportedScreenState(display.ReportedTurningOff)
				t := c.blockScreenOff()
				c.deps.WindowPolicy.ScreenTurningOff(c.cfg.DisplayID, t)
				if !c.cfg.Gates.ScreenOffAckRequired {
					c.unblockScreenOff()
				}
			} else if c.offGate.Pending() {
				return false
			}
		}

		if !reportOnly && changed && c.readyToUpdateDisplayState() && !c.offGate.Pending() && !c.offloadGate.Pending() {
			c.deps.Tracer.Counter("ScreenState", float64(state))
			if err := c.deps.Properties.Set("debug.tracing.screen_state", strconv.Itoa(int(state))); err != nil {
				c.log.WithError(err).Warn("failed to set a system property")
			}
			ps.SetScreenState(state)
			if err := c.deps.Stats.NoteScreenState(c.cfg.DisplayID, state, reason); err != nil {
				c.log.WithError(err).Warn("failed to note screen state")
			}
		}
	}

	if isOff && c.reported != display.ReportedOff && !proxOff && !c.offGate.Pending() {
		c.setReportedScreenState(display.ReportedOff)
		c.unblockScreenOn()
		c.deps.WindowPolicy.ScreenTurnedOff(c.cfg.DisplayID, c.inTransition)
	} else if !isOff && c.reported == display.ReportedTurningOff {
		c.unblockScreenOff()
		c.deps.WindowPolicy.ScreenTurnedOff(c.cfg.DisplayID, c.inTransition)
		c.setReportedScreenState(display.ReportedOff)
	}

	if !isOff && (c.reported == display.ReportedOff || c.reported == display.ReportedUnreported) {
		c.setReportedScreenState(display.ReportedTurningOn)
		if ps.ColorFadeLevel() == 0 {
			c.blockScreenOn()
		} else {
			c.unblockScreenOn()
		}
		c.deps.WindowPolicy.ScreenTurningOn(c.cfg.DisplayID, c.onGate.Current())
	}

	if c.onGate.Pending() || c.offloadGate.Pending() {
		return false
	}
	return !c.deps.Hooks.IsBlockScreenOnByBiometrics()
}

func (c *Controller) setReportedScreenState(r display.ReportedState) {
	if c.reported == r {
		return
	}
	c.log.WithFields(logrus.Fields{"from": c.reported, "to": r}).Debug("reported screen state")
	c.reported = r
	c.deps.Tracer.Counter("ReportedScreenStateToPolicy", float64(r))
}

func (c *Controller) blockScreenOn() {
	if c.onGate.Pending() {
		return
	}
	c.onGate.Open()
	c.log.Info("blocking screen on until initial contents have been drawn")
}

func (c *Controller) unblockScreenOn() {
	t := c.onGate.Current()
	if held, ok := c.onGate.Close(t); ok {
		c.log.WithField("after", held).Info("unblocked screen on")
	}
}

func (c *Controller) blockScreenOff() *gate.Token {
	if c.offGate.Pending() {
		return c.offGate.Current()
	}
	c.log.Info("blocking screen off")
	return c.offGate.Open()
}

func (c *Controller) unblockScreenOff() {
	t := c.offGate.Current()
	if held, ok := c.offGate.Close(t); ok {
		c.log.WithField("after", held).Info("unblocked screen off")
	}
}

func (c *Controller) blockScreenOnByOffload() {
	if c.offloadGate.Pending() || c.offloadSession == nil {
		return
	}
	c.turningOnBlockedByOffload = true
	if _, ok := c.offloadGate.OpenNegotiated(c.offloadSession); !ok {
		c.log.Warn("offload session declined to block screen on")
		return
	}
	c.log.Info("blocking screen on for offload")
}

func (c *Controller) unblockScreenOnByOffload() {
	t := c.offloadGate.Current()
	if held, ok := c.offloadGate.Close(t); ok {
		c.log.WithField("after", held).Info("unblocked screen on for offload")
	}
}
