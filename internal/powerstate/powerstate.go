// Package powerstate owns the committed physical display state and pushes
// it to the panel.
//
// State is mutated only from the control loop. Setters mark the state dirty
// and schedule one coalesced apply; WaitUntilClean tells the caller when the
// last write has reached the panel.
package powerstate

import (
	"context"
	"fmt"
	"io"
	"math"

	"github.com/sirupsen/logrus"

	"github.com/dispctl/host/internal/display"
	"github.com/dispctl/host/internal/looper"
)

// Blanker applies a screen state and backlight level to the panel.
type Blanker interface {
	Apply(ctx context.Context, state display.ScreenState, brightness, sdrBrightness float64) error
}

// Color fade modes passed to ColorFade.Prepare.
const (
	ModeWarmUp = iota
	ModeCoolDown
	ModeFade
)

// ColorFade is the overlay drawn on top of content while fading.
type ColorFade interface {
	Prepare(mode int) bool
	Draw(level float64) bool
	Dismiss()
	DismissResources()
}

// NopColorFade accepts everything and draws nothing.
type NopColorFade struct{}

func (NopColorFade) Prepare(int) bool  { return true }
func (NopColorFade) Draw(float64) bool { return true }
func (NopColorFade) Dismiss()          {}
func (NopColorFade) DismissResources() {}

// Options configures a State.
type Options struct {
	// Async applies panel writes on a worker goroutine instead of inline.
	Async bool
	// InitialState is the state the panel is assumed to be in. Unknown
	// means ON.
	InitialState display.ScreenState
	Log          *logrus.Entry
}

const (
	msgScreenUpdate = iota + 1
	msgColorFadeDraw
)

// State is the committed screen state, brightness and color fade level.
type State struct {
	handler   *looper.Handler
	colorFade ColorFade
	applier   applier
	log       *logrus.Entry

	screenState   display.ScreenState
	brightness    float64
	sdrBrightness float64
	screenReady   bool

	colorFadePrepared bool
	colorFadeLevel    float64
	colorFadeReady    bool

	cleanListener func()
	stopped       bool
}

// New creates the power state on loop l with the color fade level at 1.
func New(l *looper.Looper, blanker Blanker, colorFade ColorFade, opts Options) *State {
	log := opts.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if colorFade == nil {
		colorFade = NopColorFade{}
	}
	initial := opts.InitialState
	if initial == display.ScreenUnknown {
		initial = display.ScreenOn
	}
	s := &State{
		colorFade:      colorFade,
		log:            log.WithField("component", "powerstate"),
		screenState:    initial,
		brightness:     math.NaN(),
		sdrBrightness:  math.NaN(),
		colorFadeLevel: 1,
		colorFadeReady: true,
	}
	s.handler = looper.NewHandler(l, s.handle)
	if opts.Async {
		s.applier = newModulator(blanker, s.log, func() {
			s.handler.SendEmpty(msgScreenUpdate)
		})
	} else {
		s.applier = &syncApplier{blanker: blanker, log: s.log}
	}
	s.scheduleScreenUpdate()
	return s
}

// ScreenState returns the committed screen state.
func (s *State) ScreenState() display.ScreenState { return s.screenState }

// Brightness returns the requested backlight level.
func (s *State) Brightness() float64 { return s.brightness }

// SDRBrightness returns the requested SDR backlight level.
func (s *State) SDRBrightness() float64 { return s.sdrBrightness }

// ColorFadeLevel returns 1 for fully visible content and 0 for black.
func (s *State) ColorFadeLevel() float64 { return s.colorFadeLevel }

// SetScreenState commits a new screen state.
func (s *State) SetScreenState(state display.ScreenState) {
	if s.screenState == state {
		return
	}
	s.log.WithField("state", state).Debug("set screen state")
	s.screenState = state
	s.screenReady = false
	s.scheduleScreenUpdate()
}

// SetBrightness sets the backlight level. It only reaches the panel while
// the screen is not OFF.
func (s *State) SetBrightness(v float64) {
	if display.FloatEqual(s.brightness, v) {
		return
	}
	s.brightness = v
	if s.screenState != display.ScreenOff {
		s.screenReady = false
		s.scheduleScreenUpdate()
	}
}

// SetSDRBrightness sets the SDR backlight level.
func (s *State) SetSDRBrightness(v float64) {
	if display.FloatEqual(s.sdrBrightness, v) {
		return
	}
	s.sdrBrightness = v
	if s.screenState != display.ScreenOff {
		s.screenReady = false
		s.scheduleScreenUpdate()
	}
}

// SetColorFadeLevel sets the overlay level.
func (s *State) SetColorFadeLevel(level float64) {
	if s.colorFadeLevel == level {
		return
	}
	s.colorFadeLevel = level
	if s.screenState != display.ScreenOff {
		s.screenReady = false
		s.scheduleScreenUpdate()
	}
	if s.colorFadePrepared {
		s.colorFadeReady = false
		s.scheduleColorFadeDraw()
	}
}

// PrepareColorFade readies the overlay for mode and reports success.
func (s *State) PrepareColorFade(mode int) bool {
	s.colorFadePrepared = s.colorFade.Prepare(mode)
	if !s.colorFadePrepared {
		s.log.Warn("color fade prepare failed")
	}
	s.colorFadeReady = false
	s.scheduleColorFadeDraw()
	return s.colorFadePrepared
}

// DismissColorFade hides the overlay.
func (s *State) DismissColorFade() {
	s.colorFade.Dismiss()
	s.colorFadePrepared = false
	s.colorFadeReady = true
}

// DismissColorFadeResources releases the overlay's buffers.
func (s *State) DismissColorFadeResources() {
	s.colorFade.DismissResources()
}

// WaitUntilClean reports whether every write has reached the panel. If
// not, listener runs on the loop once it has, replacing any earlier one.
func (s *State) WaitUntilClean(listener func()) bool {
	if s.screenReady && s.colorFadeReady {
		s.cleanListener = nil
		return true
	}
	s.cleanListener = listener
	return false
}

// Stop ends panel writes and drops pending work.
func (s *State) Stop() {
	s.stopped = true
	s.handler.RemoveAll()
	s.cleanListener = nil
	s.applier.stop()
}

// Dump writes the state in key=value form.
func (s *State) Dump(w io.Writer) {
	fmt.Fprintln(w, "Display Power State:")
	fmt.Fprintf(w, "  screenState=%s\n", s.screenState)
	fmt.Fprintf(w, "  brightness=%v\n", s.brightness)
	fmt.Fprintf(w, "  sdrBrightness=%v\n", s.sdrBrightness)
	fmt.Fprintf(w, "  screenReady=%t\n", s.screenReady)
	fmt.Fprintf(w, "  colorFadePrepared=%t\n", s.colorFadePrepared)
	fmt.Fprintf(w, "  colorFadeLevel=%v\n", s.colorFadeLevel)
	fmt.Fprintf(w, "  colorFadeReady=%t\n", s.colorFadeReady)
}

func (s *State) scheduleScreenUpdate() {
	if s.stopped || s.handler.HasMessages(msgScreenUpdate) {
		return
	}
	s.handler.SendEmpty(msgScreenUpdate)
}

func (s *State) scheduleColorFadeDraw() {
	if s.stopped || s.handler.HasMessages(msgColorFadeDraw) {
		return
	}
	s.handler.SendEmpty(msgColorFadeDraw)
}

func (s *State) handle(m *looper.Message) {
	if s.stopped {
		return
	}
	switch m.What {
	case msgScreenUpdate:
		s.updateScreen()
	case msgColorFadeDraw:
		if s.colorFadePrepared {
			s.colorFade.Draw(s.colorFadeLevel)
		}
		s.colorFadeReady = true
		s.invokeCleanListenerIfNeeded()
	}
}

func (s *State) updateScreen() {
	brightness := 0.0
	sdr := 0.0
	if s.screenState != display.ScreenOff && s.colorFadeLevel > 0 {
		brightness = s.brightness
		sdr = s.sdrBrightness
	}
	if s.applier.setState(s.screenState, brightness, sdr) {
		s.screenReady = true
		s.invokeCleanListenerIfNeeded()
	}
}

func (s *State) invokeCleanListenerIfNeeded() {
	if s.cleanListener == nil || !s.screenReady || !s.colorFadeReady {
		return
	}
	l := s.cleanListener
	s.cleanListener = nil
	l()
}
