// Package suspend holds a process-scoped sleep inhibitor while the display
// controller has work in flight.
package suspend

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// State is the inhibitor runtime state.
type State string

const (
	// StateOff indicates no inhibitor is held.
	StateOff State = "OFF"
	// StatePending indicates an inhibitor acquire is in progress.
	StatePending State = "PENDING"
	// StateOn indicates the inhibitor is held.
	StateOn State = "ON"
	// StateDegraded indicates the desired inhibitor could not be kept.
	StateDegraded State = "DEGRADED"
)

// DegradedReason identifies why the manager entered degraded mode.
type DegradedReason string

const (
	// DegradedReasonUnsupported means the host offers no inhibitor path.
	DegradedReasonUnsupported DegradedReason = "unsupported_environment"
	// DegradedReasonAcquireFailed means inhibitor acquisition failed.
	DegradedReasonAcquireFailed DegradedReason = "acquire_failed"
)

// Status is a snapshot of inhibitor state.
type Status struct {
	State State `json:"state"`
	// Wanted is true while any suspend blocker is held.
	Wanted    bool           `json:"wanted"`
	Reason    DegradedReason `json:"reason,omitempty"`
	LastError string         `json:"last_error,omitempty"`
	// Losses counts inhibitors that went away while held, such as on a
	// logind restart.
	Losses    int64     `json:"losses"`
	UpdatedAt time.Time `json:"updated_at"`
	// Revision increments on every transition.
	Revision int64 `json:"revision"`
}

// Handle is an acquired inhibitor.
type Handle interface {
	// Done is closed when the inhibitor goes away, released or not.
	Done() <-chan struct{}
	// Err returns why the inhibitor went away, after Done closes.
	Err() error
	Release(ctx context.Context) error
}

// Adapter acquires OS-specific inhibitors.
type Adapter interface {
	Acquire(ctx context.Context) (Handle, error)
}

// Options configures manager behavior.
type Options struct {
	// Now returns current time; defaults to time.Now.
	Now func() time.Time
	Log *logrus.Entry
}
