package storage

// settings.go implements the controller's SettingsStore on the
// display_settings table. Values are stored as text.

import (
	"database/sql"
	"errors"
	"math"
	"strconv"
	"time"
)

// Setting keys.
const (
	KeyScreenBrightness         = "screen_brightness"
	KeyAutoBrightness           = "screen_brightness_mode"
	KeyAutoBrightnessAdjustment = "screen_auto_brightness_adj"
)

func (s *Store) getSetting(displayID int, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var v string
	err := s.db.QueryRow(
		"SELECT value FROM display_settings WHERE display_id = ? AND key = ?",
		displayID, key,
	).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, queryFailed("get setting "+key, err)
	}
	return v, true, nil
}

func (s *Store) putSetting(displayID int, key, value string) error {
	s.mu.Lock()
	res, err := s.db.Exec(`
		INSERT INTO display_settings (display_id, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(display_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
		WHERE display_settings.value != excluded.value`,
		displayID, key, value, time.Now().UTC().Format(time.RFC3339Nano),
	)
	s.mu.Unlock()
	if err != nil {
		return saveFailed("put setting "+key, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.log.WithField("display", displayID).Debugf("setting %s=%s", key, value)
		s.notify(displayID, key)
	}
	return nil
}

// ScreenBrightness returns the stored brightness or NaN when unset.
func (s *Store) ScreenBrightness(displayID int) (float64, error) {
	v, ok, err := s.getSetting(displayID, KeyScreenBrightness)
	if err != nil || !ok {
		return math.NaN(), err
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return math.NaN(), queryFailed("parse "+KeyScreenBrightness, err)
	}
	return f, nil
}

// SetScreenBrightness stores the user brightness.
func (s *Store) SetScreenBrightness(displayID int, brightness float64) error {
	return s.putSetting(displayID, KeyScreenBrightness, strconv.FormatFloat(brightness, 'g', -1, 64))
}

// AutoBrightnessEnabled reports whether automatic brightness is on.
func (s *Store) AutoBrightnessEnabled(displayID int) (bool, error) {
	v, ok, err := s.getSetting(displayID, KeyAutoBrightness)
	if err != nil || !ok {
		return false, err
	}
	return v == "1", nil
}

// SetAutoBrightnessEnabled stores the automatic brightness mode.
func (s *Store) SetAutoBrightnessEnabled(displayID int, enabled bool) error {
	v := "0"
	if enabled {
		v = "1"
	}
	return s.putSetting(displayID, KeyAutoBrightness, v)
}

// AutoBrightnessAdjustment returns the adjustment in [-1, 1], 0 when unset.
func (s *Store) AutoBrightnessAdjustment(displayID int) (float64, error) {
	v, ok, err := s.getSetting(displayID, KeyAutoBrightnessAdjustment)
	if err != nil || !ok {
		return 0, err
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, queryFailed("parse "+KeyAutoBrightnessAdjustment, err)
	}
	return f, nil
}

// SetAutoBrightnessAdjustment stores the automatic brightness adjustment.
func (s *Store) SetAutoBrightnessAdjustment(displayID int, adj float64) error {
	return s.putSetting(displayID, KeyAutoBrightnessAdjustment, strconv.FormatFloat(adj, 'g', -1, 64))
}
