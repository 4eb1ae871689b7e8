// Package threadindex is the SQLite-backed index of every thread the
// supervisor has observed, with a full-text-search mirror over preview,
// path, cwd, model, and profile.
package threadindex

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Row is one thread-index record.
type Row struct {
	ThreadID      string
	ProfileID     string
	Preview       string
	ModelProvider string
	CreatedAt     time.Time
	Path          string
	Cwd           string
	Source        string
	CliVersion    string
	Status        string // "active" or "archived"
	ArchivedAt    time.Time
	LastSeenAt    time.Time
}

const (
	StatusActive   = "active"
	StatusArchived = "archived"
)

// Store wraps the threads.sqlite database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path, enabling WAL mode
// and creating the primary table and its FTS mirror.
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
		CREATE TABLE IF NOT EXISTS thread_index (
			thread_id      TEXT PRIMARY KEY,
			profile_id     TEXT NOT NULL,
			preview        TEXT NOT NULL DEFAULT '',
			model_provider TEXT NOT NULL DEFAULT '',
			created_at     INTEGER NOT NULL,
			path           TEXT NOT NULL DEFAULT '',
			cwd            TEXT NOT NULL DEFAULT '',
			source         TEXT NOT NULL DEFAULT '',
			cli_version    TEXT NOT NULL DEFAULT '',
			status         TEXT NOT NULL DEFAULT 'active',
			archived_at    INTEGER NOT NULL DEFAULT 0,
			last_seen_at   INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_thread_index_profile ON thread_index(profile_id);
		CREATE INDEX IF NOT EXISTS idx_thread_index_created ON thread_index(created_at);

		CREATE VIRTUAL TABLE IF NOT EXISTS thread_index_fts USING fts5(
			thread_id UNINDEXED,
			preview,
			path,
			cwd,
			model_provider,
			profile_id
		);
	`)
	return err
}

// NormalizeTimestamp applies the spec's second-vs-millisecond rule: any
// value at or below 1e12 is treated as seconds and scaled up.
func NormalizeTimestamp(ms int64) int64 {
	if ms <= 1_000_000_000_000 {
		return ms * 1000
	}
	return ms
}

// Upsert inserts or replaces a thread row, then rewrites its FTS mirror
// (delete-then-insert) so the two never drift apart.
func (s *Store) Upsert(row Row) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO thread_index (
			thread_id, profile_id, preview, model_provider, created_at,
			path, cwd, source, cli_version, status, archived_at, last_seen_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(thread_id) DO UPDATE SET
			profile_id = excluded.profile_id,
			preview = excluded.preview,
			model_provider = excluded.model_provider,
			created_at = excluded.created_at,
			path = excluded.path,
			cwd = excluded.cwd,
			source = excluded.source,
			cli_version = excluded.cli_version,
			status = excluded.status,
			archived_at = excluded.archived_at,
			last_seen_at = excluded.last_seen_at
	`, row.ThreadID, row.ProfileID, row.Preview, row.ModelProvider, timeToMillis(row.CreatedAt),
		row.Path, row.Cwd, row.Source, row.CliVersion, row.Status,
		timeToMillis(row.ArchivedAt), timeToMillis(row.LastSeenAt))
	if err != nil {
		return fmt.Errorf("upsert thread_index: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM thread_index_fts WHERE thread_id = ?`, row.ThreadID); err != nil {
		return fmt.Errorf("delete fts mirror: %w", err)
	}
	_, err = tx.Exec(`
		INSERT INTO thread_index_fts (thread_id, preview, path, cwd, model_provider, profile_id)
		VALUES (?,?,?,?,?,?)
	`, row.ThreadID, row.Preview, row.Path, row.Cwd, row.ModelProvider, row.ProfileID)
	if err != nil {
		return fmt.Errorf("insert fts mirror: %w", err)
	}

	return tx.Commit()
}

// Archive marks a thread archived, setting archivedAt to now.
func (s *Store) Archive(threadID string) error {
	res, err := s.db.Exec(`
		UPDATE thread_index SET status = ?, archived_at = ? WHERE thread_id = ?
	`, StatusArchived, time.Now().UnixMilli(), threadID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("thread %s not found", threadID)
	}
	return nil
}

// GetByID returns a single row, or nil if absent.
func (s *Store) GetByID(threadID string) (*Row, error) {
	row := s.db.QueryRow(`
		SELECT thread_id, profile_id, preview, model_provider, created_at,
		       path, cwd, source, cli_version, status, archived_at, last_seen_at
		FROM thread_index WHERE thread_id = ?
	`, threadID)
	r, err := scanRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

// SearchParams filters and pages Search results.
type SearchParams struct {
	Query         string
	ProfileID     string
	Model         string
	Status        string
	CreatedAfter  time.Time
	CreatedBefore time.Time
	Limit         int
	Offset        int
}

// Search returns rows ordered by createdAt DESC, matching params. When
// Query is non-empty, it joins the FTS table with MATCH; otherwise it is
// a plain filtered scan.
func (s *Store) Search(p SearchParams) ([]Row, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	offset := p.Offset
	if offset < 0 {
		offset = 0
	}

	var (
		where []string
		args  []interface{}
		query string
	)

	if strings.TrimSpace(p.Query) != "" {
		query = `
			SELECT t.thread_id, t.profile_id, t.preview, t.model_provider, t.created_at,
			       t.path, t.cwd, t.source, t.cli_version, t.status, t.archived_at, t.last_seen_at
			FROM thread_index t
			JOIN thread_index_fts f ON f.thread_id = t.thread_id
			WHERE f MATCH ?
		`
		args = append(args, p.Query)
	} else {
		query = `
			SELECT thread_id, profile_id, preview, model_provider, created_at,
			       path, cwd, source, cli_version, status, archived_at, last_seen_at
			FROM thread_index t
			WHERE 1=1
		`
	}

	if p.ProfileID != "" {
		where = append(where, "t.profile_id = ?")
		args = append(args, p.ProfileID)
	}
	if p.Model != "" {
		where = append(where, "t.model_provider = ?")
		args = append(args, p.Model)
	}
	if p.Status != "" {
		where = append(where, "t.status = ?")
		args = append(args, p.Status)
	}
	if !p.CreatedAfter.IsZero() {
		where = append(where, "t.created_at >= ?")
		args = append(args, p.CreatedAfter.UnixMilli())
	}
	if !p.CreatedBefore.IsZero() {
		where = append(where, "t.created_at <= ?")
		args = append(args, p.CreatedBefore.UnixMilli())
	}
	for _, w := range where {
		query += " AND " + w
	}
	query += " ORDER BY t.created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		r, err := scanRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanRow(r scannable) (*Row, error)  { return scanAny(r) }
func scanRows(r scannable) (*Row, error) { return scanAny(r) }

func scanAny(r scannable) (*Row, error) {
	var row Row
	var createdAt, archivedAt, lastSeenAt int64
	err := r.Scan(&row.ThreadID, &row.ProfileID, &row.Preview, &row.ModelProvider, &createdAt,
		&row.Path, &row.Cwd, &row.Source, &row.CliVersion, &row.Status, &archivedAt, &lastSeenAt)
	if err != nil {
		return nil, err
	}
	row.CreatedAt = millisToTime(createdAt)
	row.ArchivedAt = millisToTime(archivedAt)
	row.LastSeenAt = millisToTime(lastSeenAt)
	return &row, nil
}

func timeToMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func millisToTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
