package storage

import (
	"fmt"
	"time"
)

// currentSchemaVersion is the current database schema version.
// Increment this when making schema changes and add migration logic.
const currentSchemaVersion = 2

// initSchema creates the required tables if they don't exist.
func (s *Store) initSchema() error {
	const schemaVersionTable = `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		);
	`
	if _, err := s.db.Exec(schemaVersionTable); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return fmt.Errorf("check schema version: %w", err)
	}

	migrations := []func() error{s.migrateToV1, s.migrateToV2}
	for i, m := range migrations {
		if version >= i+1 {
			continue
		}
		if err := m(); err != nil {
			return fmt.Errorf("migrate to v%d: %w", i+1, err)
		}
	}
	return nil
}

func (s *Store) recordVersion(v int) error {
	_, err := s.db.Exec(
		"INSERT INTO schema_version (version, applied_at) VALUES (?, ?)",
		v, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return nil
}

// migrateToV1 creates the settings and properties tables.
func (s *Store) migrateToV1() error {
	s.log.Info("applying migration to schema version 1")

	const tables = `
		CREATE TABLE IF NOT EXISTS display_settings (
			display_id INTEGER NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (display_id, key)
		);

		CREATE TABLE IF NOT EXISTS properties (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
	`
	if _, err := s.db.Exec(tables); err != nil {
		return fmt.Errorf("create settings tables: %w", err)
	}
	return s.recordVersion(1)
}

// migrateToV2 creates the statistics tables. Timestamps are RFC3339Nano
// strings so they sort lexically.
func (s *Store) migrateToV2() error {
	s.log.Info("applying migration to schema version 2")

	const tables = `
		CREATE TABLE IF NOT EXISTS stats_screen_state (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			display_id INTEGER NOT NULL,
			state TEXT NOT NULL,
			reason INTEGER NOT NULL DEFAULT 0,
			recorded_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_screen_state_recorded_at ON stats_screen_state(recorded_at);

		CREATE TABLE IF NOT EXISTS stats_brightness (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			display_id INTEGER NOT NULL,
			kind TEXT NOT NULL,
			brightness REAL NOT NULL,
			recorded_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_brightness_recorded_at ON stats_brightness(recorded_at);

		CREATE TABLE IF NOT EXISTS brightness_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			display_id INTEGER NOT NULL,
			physical_display_id TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL,
			lux REAL,
			initial_brightness REAL,
			brightness REAL,
			recommended_brightness REAL,
			hbm_mode TEXT NOT NULL DEFAULT '',
			hbm_max REAL,
			thermal_max REAL,
			power_factor REAL,
			automatic INTEGER NOT NULL DEFAULT 0,
			flags INTEGER NOT NULL DEFAULT 0,
			recorded_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_brightness_events_recorded_at ON brightness_events(recorded_at);
	`
	if _, err := s.db.Exec(tables); err != nil {
		return fmt.Errorf("create stats tables: %w", err)
	}
	return s.recordVersion(2)
}
