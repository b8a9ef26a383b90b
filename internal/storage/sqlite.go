// Package storage persists display settings, debug properties and
// statistics in SQLite.
package storage

import (
	"database/sql"
	"sync"

	"github.com/sirupsen/logrus"

	// SQLite driver - imported for side effects (registers the driver).
	// modernc.org/sqlite is a pure-Go implementation that doesn't require CGO.
	_ "modernc.org/sqlite"

	apperrors "github.com/dispctl/host/internal/errors"
)

// SettingsListener is told after a setting was written.
type SettingsListener func(displayID int, key string)

// Store is the SQLite-backed settings and property store.
type Store struct {
	db  *sql.DB
	mu  sync.RWMutex // Guards all database operations.
	log *logrus.Entry

	lmu       sync.Mutex
	listeners []SettingsListener
}

// Open opens or creates a SQLite database at the given path and applies
// migrations. Use ":memory:" for an in-memory database.
func Open(path string, log *logrus.Entry) (*Store, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("component", "storage")
	log.WithField("path", path).Info("opening database")

	// busy_timeout covers the CLI and daemon touching the file at once.
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorageOpenFailed, "open database", err)
	}
	// Every :memory: connection is its own database.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, apperrors.Wrap(apperrors.CodeStorageOpenFailed, "ping database", err)
	}

	s := &Store{db: db, log: log}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, apperrors.Wrap(apperrors.CodeStorageOpenFailed, "init schema", err)
	}

	log.WithField("schema_version", currentSchemaVersion).Info("database ready")
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	s.log.Info("closing database")
	return s.db.Close()
}

// OnSettingsChanged registers fn for setting writes.
func (s *Store) OnSettingsChanged(fn SettingsListener) {
	s.lmu.Lock()
	s.listeners = append(s.listeners, fn)
	s.lmu.Unlock()
}

func (s *Store) notify(displayID int, key string) {
	s.lmu.Lock()
	ls := append([]SettingsListener(nil), s.listeners...)
	s.lmu.Unlock()
	for _, fn := range ls {
		fn(displayID, key)
	}
}

func queryFailed(what string, err error) error {
	return apperrors.Wrap(apperrors.CodeStorageQueryFailed, what, err)
}

func saveFailed(what string, err error) error {
	return apperrors.Wrap(apperrors.CodeStorageSaveFailed, what, err)
}
