package controller

import (
	"math"
	"sync"
)

// MemorySettings is a SettingsStore kept in memory.
type MemorySettings struct {
	mu         sync.Mutex
	brightness map[int]float64
	auto       map[int]bool
	adjustment map[int]float64
}

func (s *MemorySettings) ScreenBrightness(displayID int) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.brightness[displayID]; ok {
		return v, nil
	}
	return math.NaN(), nil
}

func (s *MemorySettings) SetScreenBrightness(displayID int, v float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.brightness == nil {
		s.brightness = make(map[int]float64)
	}
	s.brightness[displayID] = v
	return nil
}

func (s *MemorySettings) AutoBrightnessEnabled(displayID int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.auto[displayID], nil
}

// SetAutoBrightnessEnabled sets the automatic brightness mode.
func (s *MemorySettings) SetAutoBrightnessEnabled(displayID int, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auto == nil {
		s.auto = make(map[int]bool)
	}
	s.auto[displayID] = enabled
}

func (s *MemorySettings) AutoBrightnessAdjustment(displayID int) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.adjustment[displayID], nil
}

// SetAutoBrightnessAdjustment sets the automatic brightness adjustment.
func (s *MemorySettings) SetAutoBrightnessAdjustment(displayID int, adj float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.adjustment == nil {
		s.adjustment = make(map[int]float64)
	}
	s.adjustment[displayID] = adj
}
