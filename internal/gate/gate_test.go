package gate

import (
	"sync"
	"testing"
	"time"

	"github.com/dispctl/host/internal/looper"
	"github.com/dispctl/host/internal/tracing"
)

func TestCloseWithStaleTokenIsIgnored(t *testing.T) {
	clock := looper.NewFakeClock(0)
	rec := &tracing.Recorder{}
	g := New("Screen on blocked", clock, rec, nil)

	old := g.Open()
	if _, ok := g.Close(old); !ok {
		t.Fatal("expected matching close to succeed")
	}
	fresh := g.Open()
	if fresh == old {
		t.Fatal("expected a fresh token after reopening")
	}

	if _, ok := g.Close(old); ok {
		t.Fatal("expected stale close to be ignored")
	}
	if g.Current() != fresh {
		t.Fatal("stale close cleared the outstanding token")
	}

	clock.Advance(40 * time.Millisecond)
	held, ok := g.Close(fresh)
	if !ok || held != 40*time.Millisecond {
		t.Fatalf("Close(fresh)=%v,%t want 40ms,true", held, ok)
	}
	if got := rec.Count("end", "Screen on blocked"); got != 2 {
		t.Fatalf("span ends=%d want 2", got)
	}
}

func TestOpenWhilePendingReturnsOutstandingToken(t *testing.T) {
	g := New("Screen off blocked", looper.NewFakeClock(0), nil, nil)
	a := g.Open()
	b := g.Open()
	if a != b {
		t.Fatal("expected the outstanding token to be reused")
	}
	if a.ID() == "" {
		t.Fatal("expected token id")
	}
}

func TestDiscardSkipsSpanEnd(t *testing.T) {
	rec := &tracing.Recorder{}
	g := New("Screen off blocked", looper.NewFakeClock(0), rec, nil)
	tok := g.Open()
	g.Discard()
	if g.Pending() {
		t.Fatal("expected gate cleared")
	}
	if _, ok := g.Close(tok); ok {
		t.Fatal("expected close after discard to be ignored")
	}
	if got := rec.Count("end", "Screen off blocked"); got != 0 {
		t.Fatalf("span ends=%d want 0", got)
	}
}

func TestAckFiresOnce(t *testing.T) {
	var mu sync.Mutex
	acks := 0
	g := New("g", looper.NewFakeClock(0), nil, func(*Token) {
		mu.Lock()
		acks++
		mu.Unlock()
	})
	tok := g.Open()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok.Ack()
		}()
	}
	wg.Wait()
	if acks != 1 {
		t.Fatalf("acks=%d want 1", acks)
	}
}

type fakeSession struct {
	accept bool
	ack    func()
}

func (s *fakeSession) BlockScreenOn(ack func()) bool {
	if s.accept {
		s.ack = ack
	}
	return s.accept
}

func TestOpenNegotiated(t *testing.T) {
	rec := &tracing.Recorder{}
	var acked *Token
	g := New("Screen on blocked by displayoffload", looper.NewFakeClock(0), rec, func(tok *Token) { acked = tok })

	if _, ok := g.OpenNegotiated(&fakeSession{accept: false}); ok {
		t.Fatal("expected refusal")
	}
	if g.Pending() {
		t.Fatal("refused block must leave the gate closed")
	}
	if rec.Count("end", g.Name()) != 1 {
		t.Fatal("expected refusal to end the span")
	}

	s := &fakeSession{accept: true}
	tok, ok := g.OpenNegotiated(s)
	if !ok || !g.Pending() {
		t.Fatal("expected accepted block to hold the gate")
	}
	s.ack()
	if acked != tok {
		t.Fatal("session ack did not deliver the token")
	}
}
