package suspend

import (
	"context"
	"sort"
	"sync"
	"time"
)

const reconcileTimeout = 5 * time.Second

// Blockers maps named suspend blockers onto one inhibitor. Acquire and
// Release never block; a background goroutine reconciles the manager.
type Blockers struct {
	m *Manager

	mu   sync.Mutex
	held map[string]struct{}

	kick chan struct{}
	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// NewBlockers starts the reconcile goroutine. Close stops it.
func NewBlockers(m *Manager) *Blockers {
	b := &Blockers{
		m:    m,
		held: make(map[string]struct{}),
		kick: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	b.wg.Add(1)
	go b.run()
	return b
}

// AcquireSuspendBlocker holds id. Holding the same id twice is one hold.
func (b *Blockers) AcquireSuspendBlocker(id string) {
	b.mu.Lock()
	b.held[id] = struct{}{}
	b.mu.Unlock()
	b.poke()
}

// ReleaseSuspendBlocker drops id.
func (b *Blockers) ReleaseSuspendBlocker(id string) {
	b.mu.Lock()
	delete(b.held, id)
	b.mu.Unlock()
	b.poke()
}

// Held returns the held ids, sorted.
func (b *Blockers) Held() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.held))
	for id := range b.held {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Status returns the inhibitor status.
func (b *Blockers) Status() Status {
	return b.m.Snapshot()
}

func (b *Blockers) poke() {
	select {
	case b.kick <- struct{}{}:
	default:
	}
}

// run reconciles on every change of the held set and whenever the
// inhibitor drops out from under a hold.
func (b *Blockers) run() {
	defer b.wg.Done()
	for {
		select {
		case <-b.kick:
		case <-b.m.Lost():
		case <-b.done:
			return
		}
		b.mu.Lock()
		want := len(b.held) > 0
		b.mu.Unlock()
		ctx, cancel := context.WithTimeout(context.Background(), reconcileTimeout)
		b.m.Reconcile(ctx, want)
		cancel()
	}
}

// Close stops reconciling and releases the inhibitor.
func (b *Blockers) Close(ctx context.Context) error {
	b.once.Do(func() { close(b.done) })
	b.wg.Wait()
	return b.m.Close(ctx)
}
