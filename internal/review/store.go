// Package review implements the upsert/complete state machine for
// in-IDE code-review sessions inferred from item/started and
// item/completed frames of a specific type.
package review

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Session states. Status is monotone: once Completed, a row is never
// observed as Running again.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Session is one review-session record.
type Session struct {
	ID          string
	ThreadID    string
	ProfileID   string
	Label       string
	Status      string
	StartedAt   time.Time
	CompletedAt time.Time
	Model       string
	Cwd         string
	Review      json.RawMessage
	ItemID      string // kept for the (threadId, itemId) completion fallback
}

// Store wraps the reviews.sqlite database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path, enabling WAL mode.
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
		CREATE TABLE IF NOT EXISTS review_sessions (
			id           TEXT PRIMARY KEY,
			thread_id    TEXT NOT NULL,
			profile_id   TEXT NOT NULL,
			item_id      TEXT NOT NULL DEFAULT '',
			label        TEXT NOT NULL DEFAULT '',
			status       TEXT NOT NULL DEFAULT 'pending',
			started_at   INTEGER NOT NULL DEFAULT 0,
			completed_at INTEGER NOT NULL DEFAULT 0,
			model        TEXT NOT NULL DEFAULT '',
			cwd          TEXT NOT NULL DEFAULT '',
			review       TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_review_sessions_profile ON review_sessions(profile_id);
		CREATE INDEX IF NOT EXISTS idx_review_sessions_thread_item ON review_sessions(thread_id, item_id);
	`)
	return err
}

// DeriveID picks the review session id the way the observer does:
// turnId if present, else itemId, else a synthetic threadId-based value.
func DeriveID(turnID, itemID, threadID string, now time.Time) string {
	if turnID != "" {
		return turnID
	}
	if itemID != "" {
		return itemID
	}
	return fmt.Sprintf("%s-%d", threadID, now.UnixMilli())
}

// Start transitions (absent) -> running for id, on item/started with
// type=enteredReviewMode. If the row already exists and is completed,
// this is a no-op: status never regresses.
func (s *Store) Start(id, threadID, profileID, itemID, label, model, cwd string, startedAt time.Time) error {
	existing, err := s.getByID(id)
	if err != nil {
		return err
	}
	if existing != nil && existing.Status == StatusCompleted {
		return nil
	}

	_, err = s.db.Exec(`
		INSERT INTO review_sessions (id, thread_id, profile_id, item_id, label, status, started_at, model, cwd)
		VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			label = excluded.label,
			status = excluded.status,
			started_at = excluded.started_at,
			model = CASE WHEN excluded.model != '' THEN excluded.model ELSE review_sessions.model END,
			cwd = CASE WHEN excluded.cwd != '' THEN excluded.cwd ELSE review_sessions.cwd END
	`, id, threadID, profileID, itemID, label, StatusRunning, startedAt.UnixMilli(), model, cwd)
	return err
}

// Complete transitions running -> completed for id, on item/completed
// with type=exitedReviewMode. It MUST NOT downgrade a row that is
// already completed. If no row matches id exactly, it falls back to
// searching by (threadID, itemID) per the spec's conservative-completion
// open question, so a started/completed pair that derived different ids
// (e.g. turnId present on start, only itemId on completion) doesn't leak
// a permanently-running row.
func (s *Store) Complete(id, threadID, itemID string, status string, review json.RawMessage, completedAt time.Time) error {
	if status == "" {
		status = StatusCompleted
	}

	existing, err := s.getByID(id)
	if err != nil {
		return err
	}
	if existing == nil && itemID != "" {
		existing, err = s.getByThreadAndItem(threadID, itemID)
		if err != nil {
			return err
		}
		if existing != nil {
			id = existing.ID
		}
	}
	if existing == nil {
		return fmt.Errorf("review session not found for id=%q thread=%q item=%q", id, threadID, itemID)
	}
	if existing.Status == StatusCompleted {
		return nil // monotone: never downgrade
	}

	reviewJSON := review
	if len(reviewJSON) == 0 {
		reviewJSON = []byte("{}")
	}
	_, err = s.db.Exec(`
		UPDATE review_sessions SET status = ?, completed_at = ?, review = ? WHERE id = ?
	`, status, completedAt.UnixMilli(), string(reviewJSON), id)
	return err
}

func (s *Store) getByID(id string) (*Session, error) {
	row := s.db.QueryRow(`
		SELECT id, thread_id, profile_id, item_id, label, status, started_at, completed_at, model, cwd, review
		FROM review_sessions WHERE id = ?
	`, id)
	return scanSession(row)
}

func (s *Store) getByThreadAndItem(threadID, itemID string) (*Session, error) {
	row := s.db.QueryRow(`
		SELECT id, thread_id, profile_id, item_id, label, status, started_at, completed_at, model, cwd, review
		FROM review_sessions WHERE thread_id = ? AND item_id = ?
		ORDER BY started_at DESC LIMIT 1
	`, threadID, itemID)
	return scanSession(row)
}

// List returns review sessions for profileID (all profiles if empty),
// newest first, with limit clamped to [1,200] (default 100).
func (s *Store) List(profileID string, limit, offset int) ([]Session, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 200 {
		limit = 200
	}
	if limit < 1 {
		limit = 1
	}
	if offset < 0 {
		offset = 0
	}

	query := `
		SELECT id, thread_id, profile_id, item_id, label, status, started_at, completed_at, model, cwd, review
		FROM review_sessions
	`
	var args []interface{}
	if profileID != "" {
		query += " WHERE profile_id = ?"
		args = append(args, profileID)
	}
	query += " ORDER BY started_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanSession(r scannable) (*Session, error) {
	var sess Session
	var startedAt, completedAt int64
	var review string
	err := r.Scan(&sess.ID, &sess.ThreadID, &sess.ProfileID, &sess.ItemID, &sess.Label, &sess.Status,
		&startedAt, &completedAt, &sess.Model, &sess.Cwd, &review)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sess.StartedAt = millisToTime(startedAt)
	sess.CompletedAt = millisToTime(completedAt)
	if review != "" {
		sess.Review = json.RawMessage(review)
	}
	return &sess, nil
}

func millisToTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
