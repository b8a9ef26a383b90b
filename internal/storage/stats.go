package storage

// stats.go records screen and brightness statistics. Notes are queued and
// written by one goroutine so callers on the control loop never wait on the
// database.

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dispctl/host/internal/display"
)

const defaultStatsQueue = 256

type statsWrite func(s *Store) error

// Stats is a non-blocking StatsSink backed by a Store.
type Stats struct {
	store *Store
	queue chan statsWrite
	now   func() time.Time

	dropped atomic.Int64
	wg      sync.WaitGroup
	once    sync.Once
	done    chan struct{}
}

// NewStats starts the writer goroutine. Close stops it after draining.
func NewStats(store *Store, queueSize int) *Stats {
	if queueSize <= 0 {
		queueSize = defaultStatsQueue
	}
	st := &Stats{
		store: store,
		queue: make(chan statsWrite, queueSize),
		now:   time.Now,
		done:  make(chan struct{}),
	}
	st.wg.Add(1)
	go st.run()
	return st
}

func (st *Stats) run() {
	defer st.wg.Done()
	for {
		select {
		case w := <-st.queue:
			st.write(w)
		case <-st.done:
			for {
				select {
				case w := <-st.queue:
					st.write(w)
				default:
					return
				}
			}
		}
	}
}

func (st *Stats) write(w statsWrite) {
	if err := w(st.store); err != nil {
		st.store.log.WithError(err).Warn("failed to write stats")
	}
}

func (st *Stats) enqueue(w statsWrite) error {
	select {
	case <-st.done:
		return fmt.Errorf("stats recorder closed")
	default:
	}
	select {
	case st.queue <- w:
		return nil
	default:
		st.dropped.Add(1)
		return fmt.Errorf("stats queue full")
	}
}

// Dropped returns how many notes were discarded because the queue was full.
func (st *Stats) Dropped() int64 {
	return st.dropped.Load()
}

// Close drains queued notes and stops the writer.
func (st *Stats) Close() {
	st.once.Do(func() { close(st.done) })
	st.wg.Wait()
}

// Flush waits until the notes queued so far are written or ctx ends.
func (st *Stats) Flush(ctx context.Context) error {
	done := make(chan struct{})
	if err := st.enqueue(func(*Store) error { close(done); return nil }); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (st *Stats) stamp() string {
	return st.now().UTC().Format(time.RFC3339Nano)
}

func nullable(v float64) any {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return v
}

// NoteScreenState records a committed screen state.
func (st *Stats) NoteScreenState(displayID int, state display.ScreenState, reason display.StateReason) error {
	at := st.stamp()
	return st.enqueue(func(s *Store) error {
		return s.exec("note screen state",
			"INSERT INTO stats_screen_state (display_id, state, reason, recorded_at) VALUES (?, ?, ?, ?)",
			displayID, state.String(), int(reason), at)
	})
}

// NoteScreenBrightness records a new brightness target.
func (st *Stats) NoteScreenBrightness(displayID int, brightness float64) error {
	return st.noteBrightness(displayID, "screen", brightness)
}

// NoteHbmBrightness records brightness while in the high brightness range.
func (st *Stats) NoteHbmBrightness(displayID int, brightness float64) error {
	return st.noteBrightness(displayID, "hbm", brightness)
}

func (st *Stats) noteBrightness(displayID int, kind string, brightness float64) error {
	at := st.stamp()
	return st.enqueue(func(s *Store) error {
		return s.exec("note brightness",
			"INSERT INTO stats_brightness (display_id, kind, brightness, recorded_at) VALUES (?, ?, ?, ?)",
			displayID, kind, nullable(brightness), at)
	})
}

// NoteBrightnessEvent records a brightness decision.
func (st *Stats) NoteBrightnessEvent(ev display.BrightnessEvent) error {
	at := ev.Time
	if at.IsZero() {
		at = st.now()
	}
	auto := 0
	if ev.AutomaticBrightness {
		auto = 1
	}
	return st.enqueue(func(s *Store) error {
		return s.exec("note brightness event", `
			INSERT INTO brightness_events (
				display_id, physical_display_id, reason, lux, initial_brightness, brightness,
				recommended_brightness, hbm_mode, hbm_max, thermal_max, power_factor,
				automatic, flags, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ev.DisplayID, ev.PhysicalDisplayID, ev.Reason.String(), nullable(ev.Lux),
			nullable(ev.InitialBrightness), nullable(ev.Brightness), nullable(ev.RecommendedBrightness),
			ev.HbmMode.String(), nullable(ev.HbmMax), nullable(ev.ThermalMax), nullable(ev.PowerFactor),
			auto, ev.Flags, at.UTC().Format(time.RFC3339Nano))
	})
}

func (s *Store) exec(what, query string, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(query, args...); err != nil {
		return saveFailed(what, err)
	}
	return nil
}

// ScreenStateCount is the number of commits of one state.
type ScreenStateCount struct {
	State string `json:"state"`
	Count int    `json:"count"`
}

// ScreenStateCounts returns commit counts per state since the cutoff.
func (s *Store) ScreenStateCounts(displayID int, since time.Time) ([]ScreenStateCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(`
		SELECT state, COUNT(*) FROM stats_screen_state
		WHERE display_id = ? AND recorded_at >= ?
		GROUP BY state ORDER BY state`,
		displayID, since.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, queryFailed("count screen states", err)
	}
	defer rows.Close()

	var out []ScreenStateCount
	for rows.Next() {
		var c ScreenStateCount
		if err := rows.Scan(&c.State, &c.Count); err != nil {
			return nil, queryFailed("scan screen state count", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// StoredEvent is a persisted brightness event.
type StoredEvent struct {
	Reason     string    `json:"reason"`
	Brightness *float64  `json:"brightness"`
	Lux        *float64  `json:"lux"`
	HbmMode    string    `json:"hbm_mode"`
	Flags      int       `json:"flags"`
	At         time.Time `json:"at"`
}

// RecentEvents returns up to limit brightness events, newest first.
func (s *Store) RecentEvents(displayID, limit int) ([]StoredEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(`
		SELECT reason, brightness, lux, hbm_mode, flags, recorded_at FROM brightness_events
		WHERE display_id = ? ORDER BY id DESC LIMIT ?`,
		displayID, limit)
	if err != nil {
		return nil, queryFailed("list brightness events", err)
	}
	defer rows.Close()

	var out []StoredEvent
	for rows.Next() {
		var (
			ev         StoredEvent
			brightness sql.NullFloat64
			lux        sql.NullFloat64
			at         string
		)
		if err := rows.Scan(&ev.Reason, &brightness, &lux, &ev.HbmMode, &ev.Flags, &at); err != nil {
			return nil, queryFailed("scan brightness event", err)
		}
		ev.Brightness = floatPtr(brightness)
		ev.Lux = floatPtr(lux)
		if ev.At, err = time.Parse(time.RFC3339Nano, at); err != nil {
			// A zero At tells callers the row has no usable timestamp.
			s.log.WithError(err).WithField("recorded_at", at).Warn("brightness event has a malformed timestamp")
			ev.At = time.Time{}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func floatPtr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}

// Cleanup deletes stats rows older than the retention. Returns the number
// of rows deleted.
func (s *Store) Cleanup(retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention).Format(time.RFC3339Nano)
	s.mu.Lock()
	defer s.mu.Unlock()

	var total int64
	for _, table := range []string{"stats_screen_state", "stats_brightness", "brightness_events"} {
		res, err := s.db.Exec(fmt.Sprintf("DELETE FROM %s WHERE recorded_at < ?", table), cutoff)
		if err != nil {
			return total, saveFailed("cleanup "+table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if total > 0 {
		s.log.WithField("rows", total).Info("pruned old stats")
	}
	return total, nil
}
