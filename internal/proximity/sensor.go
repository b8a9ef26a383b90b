package proximity

import "sync"

// ManualSensor is fed readings by an external source such as the HTTP API.
type ManualSensor struct {
	mu       sync.Mutex
	listener func(bool)
	last     *bool
}

// NewManualSensor returns a sensor with no reading yet.
func NewManualSensor() *ManualSensor {
	return &ManualSensor{}
}

// Enable starts delivering readings. The last known reading is replayed.
func (s *ManualSensor) Enable(listener func(positive bool)) {
	s.mu.Lock()
	s.listener = listener
	last := s.last
	s.mu.Unlock()
	if last != nil && listener != nil {
		listener(*last)
	}
}

// Disable stops delivery.
func (s *ManualSensor) Disable() {
	s.mu.Lock()
	s.listener = nil
	s.mu.Unlock()
}

// Report records a reading and delivers it if enabled.
func (s *ManualSensor) Report(positive bool) {
	s.mu.Lock()
	v := positive
	s.last = &v
	l := s.listener
	s.mu.Unlock()
	if l != nil {
		l(positive)
	}
}

// Enabled reports whether a listener is registered.
func (s *ManualSensor) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener != nil
}
