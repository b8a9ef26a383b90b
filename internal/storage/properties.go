package storage

import (
	"database/sql"
	"errors"
	"time"

	apperrors "github.com/dispctl/host/internal/errors"
)

// Set stores a debug property.
func (s *Store) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO properties (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return saveFailed("set property "+key, err)
	}
	return nil
}

// Property returns a stored property.
func (s *Store) Property(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var v string
	err := s.db.QueryRow("SELECT value FROM properties WHERE key = ?", key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", apperrors.NotFound("property " + key)
	}
	if err != nil {
		return "", queryFailed("get property "+key, err)
	}
	return v, nil
}

// Properties returns all stored properties.
func (s *Store) Properties() (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query("SELECT key, value FROM properties ORDER BY key")
	if err != nil {
		return nil, queryFailed("list properties", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, queryFailed("scan property", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}
