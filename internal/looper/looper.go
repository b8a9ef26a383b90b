// Package looper provides a single-goroutine, strictly ordered message queue.
//
// Every message is delivered on the goroutine running Run (or calling Drain),
// one at a time, in order of due time and then enqueue order. Handlers bound
// to the same Looper therefore never run concurrently with each other, which
// lets them share state without locks.
package looper

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Message is a unit of work queued on a Looper.
type Message struct {
	What int
	Arg1 int
	Arg2 int
	Obj  any

	// Token tags posted callbacks so they can be removed later.
	Token any

	callback func()
	target   *Handler
	when     time.Duration
	seq      uint64
}

// When returns the due time of a queued message.
func (m *Message) When() time.Duration {
	return m.when
}

// Looper owns the queue and the dispatch goroutine.
type Looper struct {
	clock Clock
	log   *logrus.Entry

	mu    sync.Mutex
	queue []*Message
	seq   uint64
	quit  bool

	wake chan struct{}
	done chan struct{}
}

// New creates a looper reading time from clock.
func New(clock Clock, log *logrus.Entry) *Looper {
	if clock == nil {
		clock = SystemClock{}
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Looper{
		clock: clock,
		log:   log.WithField("component", "looper"),
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Clock returns the looper's time source.
func (l *Looper) Clock() Clock {
	return l.clock
}

// Now is shorthand for l.Clock().Now().
func (l *Looper) Now() time.Duration {
	return l.clock.Now()
}

// Run dispatches messages until Quit is called or ctx is cancelled.
func (l *Looper) Run(ctx context.Context) error {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		l.mu.Lock()
		if l.quit {
			l.mu.Unlock()
			return nil
		}
		m, wait := l.nextLocked(l.clock.Now())
		l.mu.Unlock()

		if m != nil {
			l.dispatch(m)
			continue
		}

		var fire <-chan time.Time
		if wait > 0 {
			if timer == nil {
				timer = time.NewTimer(wait)
			} else {
				timer.Reset(wait)
			}
			fire = timer.C
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		case <-fire:
		}
		if timer != nil && !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
}

// Drain dispatches every message already due on the calling goroutine and
// returns how many ran. Messages a handler enqueues with a due time that has
// already passed run in the same call.
func (l *Looper) Drain() int {
	n := 0
	for {
		l.mu.Lock()
		if l.quit {
			l.mu.Unlock()
			return n
		}
		m, _ := l.nextLocked(l.clock.Now())
		l.mu.Unlock()
		if m == nil {
			return n
		}
		l.dispatch(m)
		n++
	}
}

// DrainFor advances clock in steps to each queued due time up to d from now,
// draining at every step. It is meant for tests driving a FakeClock.
func (l *Looper) DrainFor(clock *FakeClock, d time.Duration) int {
	end := clock.Now() + d
	n := l.Drain()
	for {
		next, ok := l.NextDue()
		if !ok || next > end {
			break
		}
		clock.Set(next)
		n += l.Drain()
	}
	clock.Set(end)
	return n + l.Drain()
}

// NextDue returns the due time of the head of the queue.
func (l *Looper) NextDue() (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.quit || len(l.queue) == 0 {
		return 0, false
	}
	return l.queue[0].when, true
}

// Len returns the number of queued messages.
func (l *Looper) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Quit drops every queued message and refuses new ones. Run returns once
// the current message, if any, finishes.
func (l *Looper) Quit() {
	l.mu.Lock()
	if l.quit {
		l.mu.Unlock()
		return
	}
	l.quit = true
	l.queue = nil
	close(l.done)
	l.mu.Unlock()
	l.signal()
}

// Done is closed by Quit.
func (l *Looper) Done() <-chan struct{} {
	return l.done
}

// Quitting reports whether Quit was called.
func (l *Looper) Quitting() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.quit
}

func (l *Looper) enqueue(m *Message, when time.Duration) bool {
	l.mu.Lock()
	if l.quit {
		l.mu.Unlock()
		return false
	}
	l.seq++
	m.when = when
	m.seq = l.seq
	i := sort.Search(len(l.queue), func(i int) bool {
		q := l.queue[i]
		return q.when > when || (q.when == when && q.seq > m.seq)
	})
	l.queue = append(l.queue, nil)
	copy(l.queue[i+1:], l.queue[i:])
	l.queue[i] = m
	head := i == 0
	l.mu.Unlock()

	if head {
		l.signal()
	}
	return true
}

func (l *Looper) nextLocked(now time.Duration) (*Message, time.Duration) {
	if len(l.queue) == 0 {
		return nil, -1
	}
	head := l.queue[0]
	if head.when > now {
		return nil, head.when - now
	}
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return head, 0
}

func (l *Looper) removeLocked(match func(*Message) bool) int {
	kept := l.queue[:0]
	removed := 0
	for _, m := range l.queue {
		if match(m) {
			removed++
			continue
		}
		kept = append(kept, m)
	}
	for i := len(kept); i < len(l.queue); i++ {
		l.queue[i] = nil
	}
	l.queue = kept
	return removed
}

func (l *Looper) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Looper) dispatch(m *Message) {
	defer func() {
		if r := recover(); r != nil {
			l.log.WithFields(logrus.Fields{
				"what":  m.What,
				"panic": fmt.Sprint(r),
			}).Errorf("handler panicked; continuing\n%s", debug.Stack())
		}
	}()

	if m.callback != nil {
		m.callback()
		return
	}
	if m.target != nil && m.target.fn != nil {
		m.target.fn(m)
	}
}
