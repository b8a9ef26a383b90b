// Package controller runs the power state machine and brightness loop of one
// display.
//
// Every piece of controller state is owned by a single looper goroutine.
// The exported methods are safe for concurrent use: they either touch the
// small set of fields guarded by the controller mutex or post a message to
// the loop.
package controller

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dispctl/host/internal/colorfade"
	"github.com/dispctl/host/internal/display"
	"github.com/dispctl/host/internal/gate"
	"github.com/dispctl/host/internal/looper"
	"github.com/dispctl/host/internal/powerstate"
	"github.com/dispctl/host/internal/proximity"
	"github.com/dispctl/host/internal/ramp"
	"github.com/dispctl/host/internal/ringbuf"
)

// Options configures how a Controller is run.
type Options struct {
	// Looper runs the controller. When nil the controller starts its own
	// and quits it on Stop.
	Looper *looper.Looper
	Log    *logrus.Entry
	// Now stamps brightness events. Defaults to time.Now.
	Now func() time.Time
}

// Skip-screen-on-ramp states.
const (
	rampSkipNone = iota
	rampSkipInitial
	rampSkipAutoBright
)

type settingsSnapshot struct {
	brightness     float64
	autoEnabled    bool
	autoAdjustment float64
}

// Controller is the display power controller of one display.
type Controller struct {
	cfg        Config
	deps       Deps
	log        *logrus.Entry
	now        func() time.Time
	looper     *looper.Looper
	ownsLooper bool
	handler    *looper.Handler
	manual     *proximity.ManualSensor
	// done is closed once the stop handler has released everything.
	done chan struct{}

	// Guarded by mu.
	mu                      sync.Mutex
	pendingRequest          *display.PowerRequest
	pendingWaitForNegative  bool
	pendingRequestChanged   bool
	pendingUpdatePowerState bool
	displayReady            bool
	stopped                 bool
	followers               map[int]Follower
	followersDirty          bool
	lastFollow              followRequest

	// Guarded by pubMu. Written on the loop, read by anyone.
	pubMu  sync.Mutex
	info   display.BrightnessInfo
	status Status
	events *ringbuf.Buffer[display.BrightnessEvent]

	// Loop owned.
	powerRequest *display.PowerRequest
	powerState   *powerstate.State
	ramp         *ramp.Dual
	fadeOn       *colorfade.Animator
	fadeOff      *colorfade.Animator
	onGate       *gate.Gate
	offGate      *gate.Gate
	offloadGate  *gate.Gate
	prox         *proximity.Controller
	locks        *wakelocks

	reported                  display.ReportedState
	pendingScreenOff          bool
	turningOnBlockedByOffload bool
	offloadSession            gate.Session
	dozeOverride              dozeOverride
	bootCompleted             bool
	displayEnabled            bool
	inTransition              bool
	dozing                    bool
	userID                    int

	settings                settingsSnapshot
	userSetChanged          bool
	temporaryBrightness     float64
	temporaryAutoAdjustment float64
	offloadBrightness       float64
	followBrightness        float64
	followSlow              bool
	appliedAuto             bool
	lastAutoAdjustment      float64
	skipRampState           int
	initialAutoBrightness   float64
	lastEvent               *display.BrightnessEvent
	lastBrightness          float64
	lastStatsBrightness     float64
	refreshBoost            bool
}

// New creates the controller for cfg.DisplayID. Nothing happens until the
// first RequestPowerState.
func New(cfg Config, deps Deps, opts Options) *Controller {
	log := opts.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithFields(logrus.Fields{"component": "controller", "display": cfg.DisplayID})
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	deps = deps.withDefaults(cfg)

	c := &Controller{
		cfg:                     cfg,
		deps:                    deps,
		log:                     log,
		now:                     now,
		followers:               make(map[int]Follower),
		info:                    display.NewBrightnessInfo(),
		events:                  ringbuf.New[display.BrightnessEvent](cfg.EventBufferSize),
		done:                    make(chan struct{}),
		reported:                display.ReportedUnreported,
		displayEnabled:          true,
		temporaryBrightness:     math.NaN(),
		temporaryAutoAdjustment: math.NaN(),
		offloadBrightness:       math.NaN(),
		followBrightness:        math.NaN(),
		lastAutoAdjustment:      math.NaN(),
		initialAutoBrightness:   math.NaN(),
		lastBrightness:          math.NaN(),
		lastStatsBrightness:     math.NaN(),
	}

	c.looper = opts.Looper
	if c.looper == nil {
		c.looper = looper.New(looper.SystemClock{}, log)
		c.ownsLooper = true
	}
	c.handler = looper.NewHandler(c.looper, c.handle)
	c.locks = &wakelocks{cb: deps.Callbacks, displayID: cfg.DisplayID}

	clock := c.looper.Clock()
	c.onGate = gate.New("Screen on blocked", clock, deps.Tracer, func(t *gate.Token) {
		c.handler.Send(looper.Message{What: msgScreenOnUnblocked, Obj: t})
	})
	c.offGate = gate.New("Screen off blocked", clock, deps.Tracer, func(t *gate.Token) {
		c.handler.Send(looper.Message{What: msgScreenOffUnblocked, Obj: t})
	})
	c.offloadGate = gate.New("Screen on blocked by displayoffload", clock, deps.Tracer, func(t *gate.Token) {
		c.handler.Send(looper.Message{What: msgOffloadScreenOnUnblocked, Obj: t})
	})

	sensor := deps.ProximitySensor
	if m, ok := sensor.(*proximity.ManualSensor); ok {
		c.manual = m
	}
	c.prox = proximity.New(c.looper, sensor, proxOwner{c}, log)

	c.settings = c.readSettings()
	c.status = c.snapshotStatus()

	if c.ownsLooper {
		go func() {
			if err := c.looper.Run(context.Background()); err != nil {
				c.log.WithError(err).Debug("loop exited")
			}
		}()
	}
	return c
}

// DisplayID returns the logical display id.
func (c *Controller) DisplayID() int {
	return c.cfg.DisplayID
}

// RequestPowerState submits a new request and reports whether the display
// is ready for the last request it saw. Identical requests are ignored.
func (c *Controller) RequestPowerState(req display.PowerRequest, waitForNegativeProximity bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return true
	}

	changed := false
	if waitForNegativeProximity && !c.pendingWaitForNegative {
		c.pendingWaitForNegative = true
		changed = true
	}
	if c.pendingRequest == nil {
		r := req
		c.pendingRequest = &r
		changed = true
	} else if !c.pendingRequest.Equal(req) {
		*c.pendingRequest = req
		changed = true
	}
	if changed {
		c.displayReady = false
		if !c.pendingRequestChanged {
			c.pendingRequestChanged = true
			c.sendUpdatePowerStateLocked()
		}
	}
	return c.displayReady
}

// SetBrightness stores a user brightness and applies it.
func (c *Controller) SetBrightness(v float64) {
	if math.IsNaN(v) {
		return
	}
	v = c.clampToRange(v)
	if err := c.deps.Settings.SetScreenBrightness(c.cfg.DisplayID, v); err != nil {
		c.log.WithError(err).Warn("failed to persist brightness")
	}
	c.handler.Send(looper.Message{What: msgUpdateBrightness, Obj: v})
}

// SetBrightnessToFollow makes this display track a leader. nits < 0 means
// the leader could not express its brightness in nits.
func (c *Controller) SetBrightnessToFollow(brightness, nits, ambientLux float64, slowChange bool) {
	c.handler.Send(looper.Message{What: msgSetBrightnessToFollow, Obj: followRequest{
		brightness: brightness,
		nits:       nits,
		lux:        ambientLux,
		slow:       slowChange,
	}})
}

// OnBootCompleted lets secondary displays update their physical state.
func (c *Controller) OnBootCompleted() {
	c.handler.SendEmpty(msgBootCompleted)
}

// OnSettingsChanged rereads the settings store. key is informational.
func (c *Controller) OnSettingsChanged(key string) {
	c.log.WithField("key", key).Debug("settings changed")
	c.handler.Send(looper.Message{What: msgConfigureBrightness, Obj: c.readSettings()})
}

// SetTemporaryBrightness shows v without persisting it, as while dragging
// a slider. NaN clears it.
func (c *Controller) SetTemporaryBrightness(v float64) {
	c.handler.Send(looper.Message{What: msgSetTemporaryBrightness, Obj: v})
}

// SetTemporaryAutoBrightnessAdjustment previews an auto-brightness
// adjustment. NaN clears it.
func (c *Controller) SetTemporaryAutoBrightnessAdjustment(adj float64) {
	c.handler.Send(looper.Message{What: msgSetTemporaryAutoAdjustment, Obj: adj})
}

// SetBrightnessFromOffload applies a brightness chosen by the offload
// session. It is ignored while no session is attached.
func (c *Controller) SetBrightnessFromOffload(v float64) {
	c.handler.Send(looper.Message{What: msgSetBrightnessFromOffload, Obj: v})
}

// OnSwitchUser reloads the settings of the new user.
func (c *Controller) OnSwitchUser(userID int) {
	c.handler.Send(looper.Message{What: msgSwitchUser, Arg1: userID, Obj: c.readSettings()})
}

// SetDisplayOffloadSession attaches or, with nil, detaches the offload
// session.
func (c *Controller) SetDisplayOffloadSession(s gate.Session) {
	c.handler.Send(looper.Message{What: msgSetOffloadSession, Obj: offloadSession{session: s}})
}

// OverrideDozeScreenState replaces the doze state while an offload session
// is attached. ScreenUnknown clears the override.
func (c *Controller) OverrideDozeScreenState(state display.ScreenState, reason display.StateReason) {
	c.handler.Send(looper.Message{What: msgOverrideDozeScreenState, Obj: dozeOverride{state: state, reason: reason}})
}

// IgnoreProximitySensorUntilChanged turns the screen back on while the
// sensor still reads positive.
func (c *Controller) IgnoreProximitySensorUntilChanged() {
	c.prox.IgnoreUntilChanged()
}

// OnProximity feeds a proximity reading.
func (c *Controller) OnProximity(positive bool) {
	if c.manual != nil {
		c.manual.Report(positive)
		return
	}
	c.prox.OnSensorEvent(positive)
}

// AddBrightnessFollower registers f to track this display.
func (c *Controller) AddBrightnessFollower(f Follower) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.followers[f.DisplayID()] = f
	c.followersDirty = true
	c.sendUpdatePowerStateLocked()
}

// RemoveBrightnessFollower stops f tracking this display and resets it.
func (c *Controller) RemoveBrightnessFollower(f Follower) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.followers, f.DisplayID())
	c.handler.Post(func() {
		f.SetBrightnessToFollow(math.NaN(), -1, 0, false)
	})
}

// SetAutomaticScreenBrightnessMode switches auto-brightness between its
// default and idle curves.
func (c *Controller) SetAutomaticScreenBrightnessMode(idle bool) {
	arg := 0
	if idle {
		arg = 1
	}
	c.handler.Send(looper.Message{What: msgSwitchAutoBrightnessMode, Arg1: arg})
}

// SetDisplayState reports whether the display is enabled and whether a
// layout transition is in progress. Either forces the screen OFF.
func (c *Controller) SetDisplayState(enabled, inTransition bool) {
	c.handler.Send(looper.Message{What: msgSetDisplayState, Obj: displayState{enabled: enabled, inTransition: inTransition}})
}

// Stop shuts the controller down. It is terminal.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.clearFollowersLocked()
	c.stopped = true
	c.handler.SendEmpty(msgStop)
	c.mu.Unlock()

	c.deps.AutoBrightness.Stop()
}

// Done is closed after Stop has been processed on the loop. Nothing
// reaches the collaborators once it is closed.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Stopped reports whether Stop has been called.
func (c *Controller) Stopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

func (c *Controller) clearFollowersLocked() {
	for id, f := range c.followers {
		f := f
		c.handler.Post(func() {
			f.SetBrightnessToFollow(math.NaN(), -1, 0, false)
		})
		delete(c.followers, id)
	}
}

func (c *Controller) sendUpdatePowerState() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendUpdatePowerStateLocked()
}

func (c *Controller) sendUpdatePowerStateLocked() {
	if c.stopped || c.pendingUpdatePowerState {
		return
	}
	c.pendingUpdatePowerState = true
	c.handler.SendEmpty(msgUpdatePowerState)
}

func (c *Controller) readSettings() settingsSnapshot {
	id := c.cfg.DisplayID
	s := settingsSnapshot{brightness: math.NaN()}
	var err error
	if s.brightness, err = c.deps.Settings.ScreenBrightness(id); err != nil {
		c.log.WithError(err).Warn("failed to read screen brightness")
		s.brightness = math.NaN()
	}
	if s.autoEnabled, err = c.deps.Settings.AutoBrightnessEnabled(id); err != nil {
		c.log.WithError(err).Warn("failed to read auto brightness mode")
	}
	if s.autoAdjustment, err = c.deps.Settings.AutoBrightnessAdjustment(id); err != nil {
		c.log.WithError(err).Warn("failed to read auto brightness adjustment")
	}
	return s
}

func (c *Controller) handle(m *looper.Message) {
	c.mu.Lock()
	stopped := c.stopped
	c.mu.Unlock()
	if stopped && m.What != msgStop {
		return
	}
	c.log.WithField("msg", messageNames[m.What]).Trace("handle")

	switch m.What {
	case msgUpdatePowerState:
		c.updatePowerState()

	case msgScreenOnUnblocked:
		if t, ok := m.Obj.(*gate.Token); ok && t == c.onGate.Current() {
			c.unblockScreenOn()
			c.updatePowerState()
		}

	case msgScreenOffUnblocked:
		if t, ok := m.Obj.(*gate.Token); ok && t == c.offGate.Current() {
			c.unblockScreenOff()
			c.updatePowerState()
		}

	case msgOffloadScreenOnUnblocked:
		if t, ok := m.Obj.(*gate.Token); ok && t == c.offloadGate.Current() {
			c.unblockScreenOnByOffload()
			c.updatePowerState()
		}

	case msgConfigureBrightness:
		if s, ok := m.Obj.(settingsSnapshot); ok {
			c.applySettings(s, false)
		}
		c.sendUpdatePowerState()

	case msgUpdateBrightness:
		if v, ok := m.Obj.(float64); ok {
			c.setCurrentBrightnessSetting(v)
		}
		c.updatePowerState()

	case msgSetTemporaryBrightness:
		if v, ok := m.Obj.(float64); ok {
			c.temporaryBrightness = v
		}
		c.updatePowerState()

	case msgSetTemporaryAutoAdjustment:
		if v, ok := m.Obj.(float64); ok {
			c.temporaryAutoAdjustment = v
		}
		c.updatePowerState()

	case msgSetBrightnessFromOffload:
		if v, ok := m.Obj.(float64); ok && c.offloadSession != nil {
			c.offloadBrightness = c.clampToRange(v)
			c.updatePowerState()
		}

	case msgSetBrightnessToFollow:
		if f, ok := m.Obj.(followRequest); ok {
			c.followLeader(f)
		}
		c.updatePowerState()

	case msgBrightnessRampDone:
		if c.powerState != nil {
			c.reportStats(c.powerState.Brightness())
		}

	case msgStatsHbmBrightness:
		if v, ok := m.Obj.(float64); ok {
			c.noteHbmBrightness(v)
		}

	case msgSwitchUser:
		c.userID = m.Arg1
		if s, ok := m.Obj.(settingsSnapshot); ok {
			c.applySettings(s, true)
		}
		c.sendUpdatePowerState()

	case msgBootCompleted:
		c.bootCompleted = true
		c.updatePowerState()

	case msgSwitchAutoBrightnessMode:
		idle := m.Arg1 == 1
		c.deps.AutoBrightness.SetIdleMode(idle)
		c.setRampMaxTimes(idle)
		c.sendUpdatePowerState()

	case msgResetRefreshBoost:
		c.setRefreshBoost(false)

	case msgOverrideDozeScreenState:
		o, ok := m.Obj.(dozeOverride)
		if !ok || c.offloadSession == nil {
			return
		}
		if o.state != display.ScreenUnknown && !o.state.IsDoze() {
			return
		}
		c.dozeOverride = o
		c.updatePowerState()

	case msgSetOffloadSession:
		s, _ := m.Obj.(offloadSession)
		if s.session == c.offloadSession {
			return
		}
		c.unblockScreenOnByOffload()
		c.offloadSession = s.session
		if s.session == nil {
			c.offloadBrightness = math.NaN()
			c.dozeOverride = dozeOverride{}
		}
		c.sendUpdatePowerState()

	case msgSetDisplayState:
		if s, ok := m.Obj.(displayState); ok {
			c.displayEnabled = s.enabled
			c.inTransition = s.inTransition
		}
		c.updatePowerState()

	case msgStop:
		c.cleanup()
	}
}

func (c *Controller) applySettings(s settingsSnapshot, userSwitch bool) {
	if userSwitch || !display.FloatEqual(s.brightness, c.settings.brightness) {
		c.setCurrentBrightnessSetting(s.brightness)
	}
	c.settings.autoEnabled = s.autoEnabled
	c.settings.autoAdjustment = s.autoAdjustment
	if userSwitch {
		c.temporaryAutoAdjustment = math.NaN()
		c.userSetChanged = false
	}
}

func (c *Controller) setCurrentBrightnessSetting(v float64) {
	if display.FloatEqual(v, c.settings.brightness) && math.IsNaN(c.temporaryBrightness) {
		return
	}
	c.settings.brightness = v
	c.temporaryBrightness = math.NaN()
	c.userSetChanged = true
}

func (c *Controller) followLeader(f followRequest) {
	c.deps.BrightnessRange.OnAmbientLux(f.lux)
	b := f.brightness
	if f.nits >= 0 {
		if fromNits := c.deps.Nits.FromNits(f.nits); display.IsValidBrightness(fromNits, 0, 1) {
			b = fromNits
		}
	}
	c.followBrightness = b
	c.followSlow = f.slow
}

func (c *Controller) readyToUpdateDisplayState() bool {
	return c.cfg.DisplayID == display.DefaultDisplayID || c.bootCompleted
}

func (c *Controller) clampToRange(v float64) float64 {
	return math.Max(c.cfg.Brightness.Min, math.Min(v, c.cfg.Brightness.Max))
}

func (c *Controller) cleanup() {
	c.prox.Stop()
	c.deps.BrightnessRange.Stop()
	c.deps.Clamper.Stop()
	c.handler.RemoveAll()
	c.locks.releaseAll()
	if c.powerState != nil {
		c.reportStats(c.powerState.Brightness())
		c.powerState.Stop()
	}
	c.onGate.Discard()
	c.offGate.Discard()
	c.offloadGate.Discard()
	c.publishStatus()
	c.log.Info("stopped")
	close(c.done)
	if c.ownsLooper {
		c.looper.Quit()
	}
}

type proxOwner struct {
	c *Controller
}

func (o proxOwner) RequestUpdate() {
	o.c.sendUpdatePowerState()
}

func (o proxOwner) OnProximityPositive() {
	c := o.c
	if c.locks.acquire(wakeLockProximityPositive) {
		c.handler.Post(func() {
			c.deps.Callbacks.OnProximityPositive()
			c.locks.release(wakeLockProximityPositive)
		})
	}
}

func (o proxOwner) OnProximityNegative() {
	c := o.c
	if c.locks.acquire(wakeLockProximityNegative) {
		c.handler.Post(func() {
			c.deps.Callbacks.OnProximityNegative()
			c.locks.release(wakeLockProximityNegative)
		})
	}
}

func (o proxOwner) AcquireDebounceBlocker() {
	o.c.locks.acquire(wakeLockProximityDebounce)
}

func (o proxOwner) ReleaseDebounceBlocker() {
	o.c.locks.release(wakeLockProximityDebounce)
}
