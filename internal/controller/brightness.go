package controller

import (
	"math"
	"strconv"

	"github.com/dispctl/host/internal/display"
	"github.com/dispctl/host/internal/looper"
)

type brightnessDecision struct {
	brightness  float64
	reason      display.BrightnessReason
	temporary   bool
	auto        bool
	slow        bool
	lux         float64
	recommended float64
}

func validBrightness(v float64) bool {
	return display.IsValidBrightness(v, 0, 1)
}

// updateBrightness picks the brightness for state, applies the caps and
// drives the ramp toward it.
func (c *Controller) updateBrightness(req display.PowerRequest, state display.ScreenState) {
	autoEnabled, adjustmentChanged := c.configureAutoBrightness(req, state)
	d := c.selectBrightness(req, state, autoEnabled, adjustmentChanged)
	raw := d.brightness

	if c.cfg.Ramp.SkipScreenOnBrightnessRamp {
		c.updateSkipRampState(state, d.brightness)
	}
	initialRampSkip := (state == display.ScreenOn && c.skipRampState != rampSkipNone) || c.prox.ConsumeSkipRamp()

	b := d.brightness
	thermalMax, maxReason := c.deps.Clamper.Clamp(c.cfg.Brightness.Max)
	powerFactor := 1.0
	if state != display.ScreenOff {
		if req.Policy == display.PolicyDim && d.reason.Reason != display.BrightnessReasonOverride && b > c.cfg.Brightness.Dim {
			b = math.Max(c.cfg.Brightness.Dim, c.cfg.Brightness.Min)
			d.reason.AddModifier(display.ModifierDimmed)
		}
		if req.LowPowerMode {
			powerFactor = req.ScreenLowPowerBrightnessFactor
			if b > c.cfg.Brightness.Min {
				b = math.Max(b*powerFactor, c.cfg.Brightness.Min)
			}
			d.reason.AddModifier(display.ModifierLowPower)
		}
		if thermalMax < b {
			b = thermalMax
			d.reason.AddModifier(display.ModifierThrottled)
		}
		b = math.Min(b, c.deps.BrightnessRange.CurrentMax())
		if c.deps.BrightnessRange.Mode() == display.HbmHDR {
			d.reason.AddModifier(display.ModifierHDR)
		}
		b = c.clampToRange(b)
	}
	if c.userSetChanged {
		d.reason.AddModifier(display.ModifierUserSetting)
	}
	sdr := b

	if !c.pendingScreenOff {
		contentVisible := c.cfg.ColorFade.Enabled && c.powerState.ColorFadeLevel() == 1
		rate := 0.0
		if !initialRampSkip && state != display.ScreenVR && contentVisible && !d.temporary {
			rate = c.rampRate(b, d.slow)
		}
		c.animateScreenBrightness(b, sdr, rate)
	}

	c.saveBrightnessInfo(b, maxReason)
	c.logBrightnessEvent(req, d, b, thermalMax, powerFactor)
	c.updateFollowers(raw, d.slow)
	c.userSetChanged = false
}

func (c *Controller) configureAutoBrightness(req display.PowerRequest, state display.ScreenState) (bool, bool) {
	enabled := c.settings.autoEnabled && req.Policy != display.PolicyOff &&
		(state == display.ScreenOn || (state.IsDoze() && req.UseNormalBrightnessForDoze))
	adj := c.settings.autoAdjustment
	if !math.IsNaN(c.temporaryAutoAdjustment) {
		adj = c.temporaryAutoAdjustment
	}
	changed := !display.FloatEqual(adj, c.lastAutoAdjustment)
	c.lastAutoAdjustment = adj
	c.deps.AutoBrightness.Configure(enabled, adj, req.Policy)
	return enabled, changed
}

func (c *Controller) selectBrightness(req display.PowerRequest, state display.ScreenState, autoEnabled, adjustmentChanged bool) brightnessDecision {
	d := brightnessDecision{lux: c.deps.AutoBrightness.AmbientLux(), recommended: math.NaN()}
	pick := func(b float64, reason int) {
		d.brightness = b
		d.reason.Reason = reason
	}
	switch {
	case state == display.ScreenOff:
		pick(0, display.BrightnessReasonScreenOff)
	case state.IsDoze() && !req.UseNormalBrightnessForDoze:
		if validBrightness(req.DozeScreenBrightness) {
			pick(req.DozeScreenBrightness, display.BrightnessReasonDoze)
		} else {
			pick(c.cfg.Brightness.Doze, display.BrightnessReasonDozeDefault)
		}
	case validBrightness(req.ScreenBrightnessOverride):
		pick(req.ScreenBrightnessOverride, display.BrightnessReasonOverride)
	case validBrightness(c.temporaryBrightness):
		pick(c.temporaryBrightness, display.BrightnessReasonTemporary)
		d.temporary = true
	case req.BoostScreenBrightness:
		pick(c.cfg.Brightness.Max, display.BrightnessReasonBoost)
	case c.offloadSession != nil && validBrightness(c.offloadBrightness):
		pick(c.offloadBrightness, display.BrightnessReasonOffload)
	case validBrightness(c.followBrightness):
		pick(c.followBrightness, display.BrightnessReasonFollower)
		d.slow = c.followSlow
	default:
		if autoEnabled {
			if ab := c.deps.AutoBrightness.Brightness(); validBrightness(ab) {
				pick(ab, display.BrightnessReasonAutomatic)
				d.auto = true
				d.recommended = ab
				d.slow = c.appliedAuto && !adjustmentChanged
			}
		}
		if !d.auto {
			b := c.settings.brightness
			if !validBrightness(b) {
				b = c.cfg.Brightness.Default
			}
			pick(b, display.BrightnessReasonManual)
		}
	}
	c.appliedAuto = d.auto
	if math.IsNaN(d.recommended) {
		d.recommended = d.brightness
	}
	return d
}

func (c *Controller) updateSkipRampState(state display.ScreenState, b float64) {
	if state != display.ScreenOn {
		c.skipRampState = rampSkipNone
		return
	}
	switch {
	case c.skipRampState == rampSkipNone && c.dozing:
		c.initialAutoBrightness = b
		c.skipRampState = rampSkipInitial
	case c.skipRampState == rampSkipInitial && c.settings.autoEnabled && !display.FloatEqual(b, c.initialAutoBrightness):
		c.skipRampState = rampSkipAutoBright
	case c.skipRampState == rampSkipAutoBright:
		c.skipRampState = rampSkipNone
	}
}

func (c *Controller) rampRate(target float64, slow bool) float64 {
	current, _ := c.ramp.Current()
	increasing := target > current
	idle := c.deps.AutoBrightness.IsInIdleMode()
	r := c.cfg.Ramp
	switch {
	case increasing && slow && idle:
		return r.SlowIncreaseIdle
	case increasing && slow:
		return r.SlowIncrease
	case increasing:
		return r.FastIncrease
	case slow && idle:
		return r.SlowDecreaseIdle
	case slow:
		return r.SlowDecrease
	default:
		return r.FastDecrease
	}
}

func (c *Controller) animateScreenBrightness(target, sdr, rate float64) {
	if !c.ramp.AnimateTo(target, sdr, rate, false) {
		return
	}
	c.deps.Tracer.Counter("TargetScreenBrightness", target)
	if err := c.deps.Properties.Set("debug.tracing.screen_brightness", strconv.FormatFloat(target, 'f', -1, 32)); err != nil {
		c.log.WithError(err).Warn("failed to set a system property")
	}
	if err := c.deps.Stats.NoteScreenBrightness(c.cfg.DisplayID, target); err != nil {
		c.log.WithError(err).Warn("failed to note screen brightness")
	}
	if !c.ramp.IsAnimating() {
		c.handler.SendEmpty(msgBrightnessRampDone)
		return
	}
	if c.cfg.Ramp.RefreshBoost {
		c.handler.RemoveMessages(msgResetRefreshBoost)
		c.setRefreshBoost(true)
	}
}

func (c *Controller) setRefreshBoost(on bool) {
	if c.refreshBoost == on {
		return
	}
	c.refreshBoost = on
	c.deps.Hooks.SetRampRefreshBoost(on)
}

func (c *Controller) currentBrightnessSetting() float64 {
	if validBrightness(c.settings.brightness) {
		return c.settings.brightness
	}
	return c.cfg.Brightness.Default
}

func (c *Controller) saveBrightnessInfo(adjusted float64, maxReason display.MaxReason) {
	rng := c.deps.BrightnessRange
	info := display.BrightnessInfo{
		Brightness:         c.currentBrightnessSetting(),
		AdjustedBrightness: adjusted,
		BrightnessMin:      c.cfg.Brightness.Min,
		BrightnessMax:      rng.CurrentMax(),
		HbmMode:            rng.Mode(),
		HbmTransitionPoint: rng.TransitionPoint(),
		MaxReason:          maxReason,
	}
	c.pubMu.Lock()
	changed := !c.info.Equal(info)
	c.info = info
	c.pubMu.Unlock()
	if changed {
		id := c.cfg.DisplayID
		c.handler.Post(func() {
			c.deps.BrightnessListener.OnBrightnessChanged(id, info)
		})
	}
}

func (c *Controller) logBrightnessEvent(req display.PowerRequest, d brightnessDecision, b, thermalMax, powerFactor float64) {
	ev := display.BrightnessEvent{
		Time:                  c.now(),
		DisplayID:             c.cfg.DisplayID,
		PhysicalDisplayID:     c.cfg.PhysicalDisplayID,
		Reason:                d.reason,
		Lux:                   d.lux,
		InitialBrightness:     math.NaN(),
		Brightness:            b,
		RecommendedBrightness: d.recommended,
		HbmMode:               c.deps.BrightnessRange.Mode(),
		HbmMax:                c.deps.BrightnessRange.CurrentMax(),
		ThermalMax:            thermalMax,
		PowerFactor:           powerFactor,
		AutomaticBrightness:   d.auto,
	}
	if c.lastEvent != nil {
		ev.InitialBrightness = c.lastEvent.Brightness
	}
	if d.auto && math.IsNaN(d.lux) {
		ev.Flags |= display.EventFlagInvalidLux
	}
	if c.userSetChanged {
		ev.Flags |= display.EventFlagUserSet
	}
	if req.LowPowerMode {
		ev.Flags |= display.EventFlagLowPowerMode
	}
	if d.auto && c.deps.AutoBrightness.IsInIdleMode() {
		ev.Flags |= display.EventFlagIdleCurve
	}
	c.lastBrightness = b

	if c.lastEvent != nil && c.lastEvent.EquivalentTo(ev) {
		return
	}
	c.lastEvent = &ev
	c.pubMu.Lock()
	c.events.Append(ev)
	c.pubMu.Unlock()
	c.log.WithField("event", ev.String()).Debug("brightness event")

	if c.userSetChanged || ev.Reason.Reason != display.BrightnessReasonTemporary {
		if err := c.deps.Stats.NoteBrightnessEvent(ev); err != nil {
			c.log.WithError(err).Warn("failed to note brightness event")
		}
	}
}

func (c *Controller) updateFollowers(brightness float64, slow bool) {
	c.mu.Lock()
	if len(c.followers) == 0 {
		c.mu.Unlock()
		return
	}
	nits := c.deps.Nits.ToNits(brightness)
	lux := c.deps.AutoBrightness.AmbientLux()
	next := followRequest{brightness: brightness, nits: nits, lux: lux, slow: slow}
	if !c.followersDirty && c.lastFollow.equal(next) {
		c.mu.Unlock()
		return
	}
	c.followersDirty = false
	c.lastFollow = next
	followers := make([]Follower, 0, len(c.followers))
	for _, f := range c.followers {
		followers = append(followers, f)
	}
	c.mu.Unlock()

	for _, f := range followers {
		f.SetBrightnessToFollow(brightness, nits, lux, slow)
	}
}

// reportStats records HBM usage when brightness crosses or moves above the
// transition point. Moves above it are rate limited.
func (c *Controller) reportStats(brightness float64) {
	if display.FloatEqual(c.lastStatsBrightness, brightness) {
		return
	}
	c.pubMu.Lock()
	tp := c.info.HbmTransitionPoint
	c.pubMu.Unlock()
	if math.IsNaN(tp) {
		return
	}
	above := brightness > tp
	wasAbove := c.lastStatsBrightness > tp
	if !above && !wasAbove {
		return
	}
	c.lastStatsBrightness = brightness
	c.handler.RemoveMessages(msgStatsHbmBrightness)
	if above != wasAbove {
		c.noteHbmBrightness(brightness)
		return
	}
	c.handler.SendDelayed(looper.Message{What: msgStatsHbmBrightness, Obj: brightness}, c.cfg.HbmStatsDebounce)
}

func (c *Controller) noteHbmBrightness(brightness float64) {
	if err := c.deps.Stats.NoteHbmBrightness(c.cfg.DisplayID, brightness); err != nil {
		c.log.WithError(err).Warn("failed to note hbm brightness")
	}
}
