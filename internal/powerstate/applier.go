package powerstate

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/dispctl/host/internal/display"
)

type applier interface {
	// setState records the desired panel values and reports whether they
	// have been applied.
	setState(state display.ScreenState, brightness, sdrBrightness float64) bool
	stop()
}

type panelState struct {
	state      display.ScreenState
	brightness float64
	sdr        float64
}

func (p panelState) equal(o panelState) bool {
	return p.state == o.state &&
		display.FloatEqual(p.brightness, o.brightness) &&
		display.FloatEqual(p.sdr, o.sdr)
}

// syncApplier writes inline on the loop.
type syncApplier struct {
	blanker Blanker
	log     *logrus.Entry
	applied panelState
	valid   bool
}

func (a *syncApplier) setState(state display.ScreenState, brightness, sdr float64) bool {
	next := panelState{state, brightness, sdr}
	if a.valid && a.applied.equal(next) {
		return true
	}
	if a.blanker != nil {
		if err := a.blanker.Apply(context.Background(), state, brightness, sdr); err != nil {
			a.log.WithError(err).Warn("panel write failed")
		}
	}
	a.applied = next
	a.valid = true
	return true
}

func (a *syncApplier) stop() {}

// modulator writes on its own goroutine so a slow blanker never stalls the
// loop. onApplied is called after each write that leaves nothing pending.
type modulator struct {
	blanker   Blanker
	log       *logrus.Entry
	onApplied func()

	mu         sync.Mutex
	cond       *sync.Cond
	pending    panelState
	applied    panelState
	inProgress bool
	started    bool
	closed     bool

	ctx    context.Context
	cancel context.CancelFunc
}

func newModulator(blanker Blanker, log *logrus.Entry, onApplied func()) *modulator {
	ctx, cancel := context.WithCancel(context.Background())
	m := &modulator{blanker: blanker, log: log, onApplied: onApplied, ctx: ctx, cancel: cancel}
	m.cond = sync.NewCond(&m.mu)
	return m
}

func (m *modulator) setState(state display.ScreenState, brightness, sdr float64) bool {
	next := panelState{state, brightness, sdr}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return true
	}
	if !m.started {
		m.started = true
		m.pending = next
		m.inProgress = true
		go m.run()
		return false
	}
	if !m.pending.equal(next) {
		m.pending = next
		m.inProgress = true
		m.cond.Signal()
	}
	return !m.inProgress
}

func (m *modulator) run() {
	for {
		m.mu.Lock()
		for !m.closed && !m.inProgress {
			m.cond.Wait()
		}
		if m.closed {
			m.mu.Unlock()
			return
		}
		target := m.pending
		m.mu.Unlock()

		if m.blanker != nil {
			if err := m.blanker.Apply(m.ctx, target.state, target.brightness, target.sdr); err != nil {
				m.log.WithError(err).Warn("panel write failed")
			}
		}

		m.mu.Lock()
		m.applied = target
		done := m.pending.equal(m.applied)
		if done {
			m.inProgress = false
		}
		closed := m.closed
		m.mu.Unlock()

		if done && !closed && m.onApplied != nil {
			m.onApplied()
		}
	}
}

func (m *modulator) stop() {
	m.mu.Lock()
	m.closed = true
	m.cond.Broadcast()
	m.mu.Unlock()
	m.cancel()
}
