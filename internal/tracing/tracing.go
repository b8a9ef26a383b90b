// Package tracing defines the span and counter sink used by the display
// controller for timing screen transitions.
package tracing

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Tracer receives async spans and counters.
type Tracer interface {
	Begin(name string, cookie int)
	End(name string, cookie int, elapsed time.Duration)
	Counter(name string, value float64)
}

// Log writes spans at trace level.
type Log struct {
	Entry *logrus.Entry
}

// NewLog returns a tracer writing to entry.
func NewLog(entry *logrus.Entry) *Log {
	if entry == nil {
		entry = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Log{Entry: entry.WithField("component", "trace")}
}

func (l *Log) Begin(name string, cookie int) {
	l.Entry.WithFields(logrus.Fields{"span": name, "cookie": cookie}).Trace("begin")
}

func (l *Log) End(name string, cookie int, elapsed time.Duration) {
	l.Entry.WithFields(logrus.Fields{"span": name, "cookie": cookie, "elapsed": elapsed}).Trace("end")
}

func (l *Log) Counter(name string, value float64) {
	l.Entry.WithFields(logrus.Fields{"counter": name, "value": value}).Trace("counter")
}

// Nop discards everything.
type Nop struct{}

func (Nop) Begin(string, int)              {}
func (Nop) End(string, int, time.Duration) {}
func (Nop) Counter(string, float64)        {}

// Event is one call recorded by Recorder.
type Event struct {
	Kind   string
	Name   string
	Cookie int
	Value  float64
}

// Recorder keeps every call in memory. It is safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Begin(name string, cookie int) {
	r.add(Event{Kind: "begin", Name: name, Cookie: cookie})
}

func (r *Recorder) End(name string, cookie int, elapsed time.Duration) {
	r.add(Event{Kind: "end", Name: name, Cookie: cookie, Value: float64(elapsed)})
}

func (r *Recorder) Counter(name string, value float64) {
	r.add(Event{Kind: "counter", Name: name, Value: value})
}

func (r *Recorder) add(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of the recorded calls.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Count returns how many calls of kind were recorded for name.
func (r *Recorder) Count(kind, name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == kind && e.Name == name {
			n++
		}
	}
	return n
}
