// Package analytics is the append-only event log and daily-counter store
// derived from observed RPC traffic.
package analytics

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Event is one row of the append-only analytics_events log.
type Event struct {
	OccurredAt time.Time
	DateKey    string
	ProfileID  string
	EventType  string
	ThreadID   string
	TurnID     string
	ItemID     string
	Model      string
	Status     string
	Payload    json.RawMessage
}

// DateKey derives the UTC YYYY-MM-DD key for t, as used throughout this
// store's daily counters.
func DateKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Store wraps the analytics.sqlite database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path, enabling WAL mode
// and creating all analytics tables.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS analytics_events (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			occurred_at INTEGER NOT NULL,
			date_key    TEXT NOT NULL,
			profile_id  TEXT NOT NULL,
			event_type  TEXT NOT NULL,
			thread_id   TEXT NOT NULL DEFAULT '',
			turn_id     TEXT NOT NULL DEFAULT '',
			item_id     TEXT NOT NULL DEFAULT '',
			model       TEXT NOT NULL DEFAULT '',
			status      TEXT NOT NULL DEFAULT '',
			payload     TEXT NOT NULL DEFAULT '{}'
		);
		CREATE INDEX IF NOT EXISTS idx_analytics_events_date ON analytics_events(date_key);
		CREATE INDEX IF NOT EXISTS idx_analytics_events_profile ON analytics_events(profile_id);

		CREATE TABLE IF NOT EXISTS analytics_daily (
			date_key   TEXT NOT NULL,
			metric     TEXT NOT NULL,
			profile_id TEXT NOT NULL,
			model      TEXT NOT NULL DEFAULT '',
			count      INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (date_key, metric, profile_id, model)
		);

		CREATE TABLE IF NOT EXISTS analytics_thread_meta (
			thread_id   TEXT PRIMARY KEY,
			profile_id  TEXT NOT NULL,
			model       TEXT NOT NULL DEFAULT '',
			started_at  INTEGER NOT NULL DEFAULT 0,
			updated_at  INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS analytics_turn_meta (
			turn_id      TEXT PRIMARY KEY,
			thread_id    TEXT NOT NULL,
			profile_id   TEXT NOT NULL,
			status       TEXT NOT NULL DEFAULT '',
			started_at   INTEGER NOT NULL DEFAULT 0,
			completed_at INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS analytics_token_usage (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			thread_id  TEXT NOT NULL,
			profile_id TEXT NOT NULL,
			occurred_at INTEGER NOT NULL,
			payload    TEXT NOT NULL DEFAULT '{}'
		);

		CREATE TABLE IF NOT EXISTS analytics_approvals (
			request_id    TEXT PRIMARY KEY,
			profile_id    TEXT NOT NULL,
			thread_id     TEXT NOT NULL DEFAULT '',
			item_id       TEXT NOT NULL DEFAULT '',
			approval_type TEXT NOT NULL DEFAULT '',
			decision      TEXT NOT NULL DEFAULT '',
			requested_at  INTEGER NOT NULL DEFAULT 0,
			decided_at    INTEGER NOT NULL DEFAULT 0
		);
	`)
	return err
}

// RecordEvent appends one row to the analytics_events log.
func (s *Store) RecordEvent(e Event) error {
	if e.DateKey == "" {
		e.DateKey = DateKey(e.OccurredAt)
	}
	payload := e.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	_, err := s.db.Exec(`
		INSERT INTO analytics_events (occurred_at, date_key, profile_id, event_type, thread_id, turn_id, item_id, model, status, payload)
		VALUES (?,?,?,?,?,?,?,?,?,?)
	`, e.OccurredAt.UnixMilli(), e.DateKey, e.ProfileID, e.EventType, e.ThreadID, e.TurnID, e.ItemID, e.Model, e.Status, string(payload))
	return err
}

// IncrementDaily increments the (dateKey, metric, profileId, model) daily
// counter by exactly one, atomically: a sequence of k calls for the same
// 4-tuple leaves count == k. Implemented as a single statement per
// spec.md's correctness fix, rather than the ensure-then-update two-step.
func (s *Store) IncrementDaily(dateKey, metric, profileID, model string) error {
	_, err := s.db.Exec(`
		INSERT INTO analytics_daily (date_key, metric, profile_id, model, count)
		VALUES (?, ?, ?, ?, 1)
		ON CONFLICT(date_key, metric, profile_id, model) DO UPDATE SET count = count + 1
	`, dateKey, metric, profileID, model)
	return err
}

// DailyPoint is one point in a DailySeries result.
type DailyPoint struct {
	DateKey string
	Count   int64
}

// DailySeries returns the last `days` days (default 365 if days<=0) of
// `metric` for profileID/model, in date order. Gaps (days with no
// recorded count) are filled with zero.
func (s *Store) DailySeries(metric, profileID, model string, days int) ([]DailyPoint, error) {
	if days <= 0 {
		days = 365
	}

	rows, err := s.db.Query(`
		SELECT date_key, count FROM analytics_daily
		WHERE metric = ? AND profile_id = ? AND model = ?
	`, metric, profileID, model)
	if err != nil {
		return nil, fmt.Errorf("daily series: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var dk string
		var c int64
		if err := rows.Scan(&dk, &c); err != nil {
			return nil, err
		}
		counts[dk] = c
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]DailyPoint, 0, days)
	now := time.Now().UTC()
	for i := days - 1; i >= 0; i-- {
		dk := DateKey(now.AddDate(0, 0, -i))
		out = append(out, DailyPoint{DateKey: dk, Count: counts[dk]})
	}
	return out, nil
}

// UpsertThreadMeta upserts the meta row for a thread.
func (s *Store) UpsertThreadMeta(threadID, profileID, model string, startedAt time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO analytics_thread_meta (thread_id, profile_id, model, started_at, updated_at)
		VALUES (?,?,?,?,?)
		ON CONFLICT(thread_id) DO UPDATE SET
			profile_id = excluded.profile_id,
			model = CASE WHEN excluded.model != '' THEN excluded.model ELSE analytics_thread_meta.model END,
			updated_at = excluded.updated_at
	`, threadID, profileID, model, startedAt.UnixMilli(), time.Now().UnixMilli())
	return err
}

// UpsertTurnMeta upserts the meta row for a turn, optionally recording
// completion status and timestamp.
func (s *Store) UpsertTurnMeta(turnID, threadID, profileID, status string, startedAt, completedAt time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO analytics_turn_meta (turn_id, thread_id, profile_id, status, started_at, completed_at)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT(turn_id) DO UPDATE SET
			status = CASE WHEN excluded.status != '' THEN excluded.status ELSE analytics_turn_meta.status END,
			completed_at = CASE WHEN excluded.completed_at != 0 THEN excluded.completed_at ELSE analytics_turn_meta.completed_at END
	`, turnID, threadID, profileID, status, startedAt.UnixMilli(), completedAt.UnixMilli())
	return err
}

// AppendTokenUsage appends one token-usage snapshot.
func (s *Store) AppendTokenUsage(threadID, profileID string, occurredAt time.Time, payload json.RawMessage) error {
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	_, err := s.db.Exec(`
		INSERT INTO analytics_token_usage (thread_id, profile_id, occurred_at, payload)
		VALUES (?,?,?,?)
	`, threadID, profileID, occurredAt.UnixMilli(), string(payload))
	return err
}

// RecordApprovalRequest records a pending approval request.
func (s *Store) RecordApprovalRequest(requestID, profileID, threadID, itemID, approvalType string, requestedAt time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO analytics_approvals (request_id, profile_id, thread_id, item_id, approval_type, requested_at)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT(request_id) DO UPDATE SET
			profile_id = excluded.profile_id,
			thread_id = excluded.thread_id,
			item_id = excluded.item_id,
			approval_type = excluded.approval_type,
			requested_at = excluded.requested_at
	`, requestID, profileID, threadID, itemID, approvalType, requestedAt.UnixMilli())
	return err
}

// RecordApprovalDecision records the decision for a previously-registered
// approval request. A no-op (returns nil) if the request isn't known, per
// spec's "unknown pending id: drop silently" policy applied symmetrically
// here.
func (s *Store) RecordApprovalDecision(requestID, decision string, decidedAt time.Time) error {
	_, err := s.db.Exec(`
		UPDATE analytics_approvals SET decision = ?, decided_at = ? WHERE request_id = ?
	`, decision, decidedAt.UnixMilli(), requestID)
	return err
}

// ApprovalType returns the stored approval row's type, or "" if
// unknown.
func (s *Store) ApprovalType(requestID string) (string, error) {
	var approvalType string
	err := s.db.QueryRow(`SELECT approval_type FROM analytics_approvals WHERE request_id = ?`, requestID).Scan(&approvalType)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return approvalType, err
}

// Prune deletes analytics_events older than olderThan, bounding the
// append-only log's growth in a long-running daemon.
func (s *Store) Prune(olderThan time.Time) error {
	_, err := s.db.Exec(`DELETE FROM analytics_events WHERE occurred_at < ?`, olderThan.UnixMilli())
	return err
}
