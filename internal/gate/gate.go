// Package gate implements single-use acknowledgement tokens that hold a
// screen transition until an external party confirms it.
//
// A Gate has at most one outstanding Token. Closing with any other token,
// including an older one from an abandoned transition, does nothing.
package gate

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dispctl/host/internal/looper"
	"github.com/dispctl/host/internal/tracing"
)

var cookies atomic.Int64

// Token is a single-use acknowledgement identity.
type Token struct {
	id     uuid.UUID
	gate   string
	cookie int
	once   sync.Once
	onAck  func(*Token)
}

// ID is the wire identity of the token.
func (t *Token) ID() string {
	return t.id.String()
}

// Gate names the gate that issued the token.
func (t *Token) Gate() string {
	return t.gate
}

// Ack delivers the acknowledgement. It may be called from any goroutine;
// only the first call has an effect.
func (t *Token) Ack() {
	if t == nil {
		return
	}
	t.once.Do(func() {
		if t.onAck != nil {
			t.onAck(t)
		}
	})
}

// Session is the offload collaborator that may hold screen-on itself.
// BlockScreenOn returns false if it declines to block; ack must then never
// be called.
type Session interface {
	BlockScreenOn(ack func()) bool
}

// Gate tracks one kind of outstanding acknowledgement. It is not safe for
// concurrent use; all calls happen on the control loop.
type Gate struct {
	name   string
	clock  looper.Clock
	tracer tracing.Tracer
	onAck  func(*Token)

	token    *Token
	openedAt time.Duration
}

// New returns a closed gate. onAck runs on whatever goroutine acknowledges
// a token and is expected to hand the token back to the loop.
func New(name string, clock looper.Clock, tracer tracing.Tracer, onAck func(*Token)) *Gate {
	if tracer == nil {
		tracer = tracing.Nop{}
	}
	return &Gate{name: name, clock: clock, tracer: tracer, onAck: onAck}
}

// Name returns the gate name used for trace spans.
func (g *Gate) Name() string {
	return g.name
}

// Open issues a fresh token and starts the trace span. If a token is
// already outstanding it is returned unchanged.
func (g *Gate) Open() *Token {
	if g.token != nil {
		return g.token
	}
	t := &Token{
		id:     uuid.New(),
		gate:   g.name,
		cookie: int(cookies.Add(1)),
		onAck:  g.onAck,
	}
	g.token = t
	g.openedAt = g.clock.Now()
	g.tracer.Begin(g.name, t.cookie)
	return t
}

// OpenNegotiated asks session to hold the transition. When the session
// declines, the span is ended and the gate stays closed.
func (g *Gate) OpenNegotiated(session Session) (*Token, bool) {
	if session == nil {
		return nil, false
	}
	if g.token != nil {
		return g.token, true
	}
	t := g.Open()
	if session.BlockScreenOn(t.Ack) {
		return t, true
	}
	g.Close(t)
	return nil, false
}

// Close clears the outstanding token if t is that token and reports how
// long it was held. A stale or nil token is ignored.
func (g *Gate) Close(t *Token) (time.Duration, bool) {
	if t == nil || g.token != t {
		return 0, false
	}
	held := g.clock.Now() - g.openedAt
	g.token = nil
	g.tracer.End(g.name, t.cookie, held)
	return held, true
}

// Discard clears the outstanding token without ending its span.
func (g *Gate) Discard() {
	g.token = nil
}

// Pending reports whether a token is outstanding.
func (g *Gate) Pending() bool {
	return g.token != nil
}

// Current returns the outstanding token, or nil.
func (g *Gate) Current() *Token {
	return g.token
}

// HeldFor returns how long the outstanding token has been held.
func (g *Gate) HeldFor() time.Duration {
	if g.token == nil {
		return 0
	}
	return g.clock.Now() - g.openedAt
}
