package suspend

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	apperrors "github.com/dispctl/host/internal/errors"
)

// Manager owns at most one inhibitor and reconciles it against whether the
// controller wants sleep blocked. Reconcile is called from one goroutine;
// Snapshot and Lost may be called from anywhere.
type Manager struct {
	adapter Adapter
	now     func() time.Time
	log     *logrus.Entry

	mu     sync.Mutex
	status Status
	handle Handle
	closed bool
}

// NewManager creates a manager over adapter.
func NewManager(adapter Adapter, opts Options) *Manager {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	log := opts.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{
		adapter: adapter,
		now:     now,
		log:     log.WithField("component", "suspend"),
		status:  Status{State: StateOff, UpdatedAt: now()},
	}
}

// Snapshot returns a copy of the current status.
func (m *Manager) Snapshot() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Lost is closed when the held inhibitor goes away on its own. It is nil,
// and so never ready, while nothing is held.
func (m *Manager) Lost() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handle == nil {
		return nil
	}
	return m.handle.Done()
}

// Reconcile takes the inhibitor when want is set and drops it otherwise.
// An inhibitor that went away since the last call is counted as a loss
// and taken again if still wanted.
func (m *Manager) Reconcile(ctx context.Context, want bool) Status {
	m.mu.Lock()
	if m.closed {
		defer m.mu.Unlock()
		return m.status
	}
	m.status.Wanted = want
	if m.handle != nil {
		select {
		case <-m.handle.Done():
			m.noteLossLocked()
		default:
		}
	}

	switch {
	case want && m.handle == nil:
		m.setStateLocked(StatePending, "", m.status.LastError)
		m.mu.Unlock()
		return m.take(ctx)
	case !want && m.handle != nil:
		h := m.handle
		m.handle = nil
		m.setStateLocked(StateOff, "", "")
		m.mu.Unlock()
		if m.release(ctx, h) == nil {
			m.log.Debug("sleep inhibitor released")
		}
		return m.Snapshot()
	case !want && m.status.State != StateOff:
		m.setStateLocked(StateOff, "", "")
	}
	defer m.mu.Unlock()
	return m.status
}

// Close releases the inhibitor. Later calls are no-ops.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.status.Wanted = false
	h := m.handle
	m.handle = nil
	m.setStateLocked(StateOff, "", "")
	m.mu.Unlock()

	if h == nil {
		return nil
	}
	return m.release(ctx, h)
}

// take runs the adapter without the lock; logind can take a while.
func (m *Manager) take(ctx context.Context) Status {
	h, err := m.adapter.Acquire(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		reason := DegradedReasonAcquireFailed
		if apperrors.IsCode(err, apperrors.CodeSuspendUnsupported) {
			reason = DegradedReasonUnsupported
		}
		m.setStateLocked(StateDegraded, reason, err.Error())
		m.log.WithError(err).WithField("reason", reason).Warn("sleep inhibitor unavailable")
		return m.status
	}
	if m.closed {
		m.mu.Unlock()
		_ = h.Release(context.Background())
		m.mu.Lock()
		return m.status
	}
	m.handle = h
	m.setStateLocked(StateOn, "", "")
	m.log.WithField("losses", m.status.Losses).Debug("sleep inhibitor held")
	return m.status
}

func (m *Manager) noteLossLocked() {
	msg := "inhibitor went away"
	if err := m.handle.Err(); err != nil {
		msg = err.Error()
	}
	m.handle = nil
	m.status.Losses++
	m.setStateLocked(StateOff, "", msg)
	m.log.WithField("error", msg).Warn("sleep inhibitor lost")
}

// release keeps the state OFF on failure and records the error.
func (m *Manager) release(ctx context.Context, h Handle) error {
	err := h.Release(ctx)
	if err != nil {
		m.mu.Lock()
		m.status.LastError = err.Error()
		m.status.UpdatedAt = m.now()
		m.status.Revision++
		m.mu.Unlock()
		m.log.WithError(err).Warn("failed to release sleep inhibitor")
	}
	return err
}

func (m *Manager) setStateLocked(next State, reason DegradedReason, lastErr string) {
	m.status.State = next
	m.status.Reason = reason
	m.status.LastError = lastErr
	m.status.UpdatedAt = m.now()
	m.status.Revision++
}
