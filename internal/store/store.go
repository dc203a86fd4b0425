// Package store persists the tracker's state in a single-file SQLite
// database. All mutations run in short transactions; the database's own
// locking serializes the dispatcher and HTTP handlers.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

const sqliteURLPrefix = "sqlite:///"

const schema = `
CREATE TABLE IF NOT EXISTS projects (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	metadata   TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
	id              TEXT PRIMARY KEY,
	project_id      TEXT NOT NULL REFERENCES projects(id),
	input_type      TEXT NOT NULL,
	raw_text        TEXT,
	raw_audio_uri   TEXT,
	transcript      TEXT,
	refined_text    TEXT,
	status          TEXT NOT NULL,
	final_summary   TEXT,
	final_audio_uri TEXT,
	failure_reason  TEXT,
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS task_status_history (
	id          TEXT PRIMARY KEY,
	task_id     TEXT NOT NULL REFERENCES tasks(id),
	from_status TEXT,
	to_status   TEXT NOT NULL,
	changed_at  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_history_task ON task_status_history(task_id, changed_at);

CREATE TABLE IF NOT EXISTS tool_runs (
	id          TEXT PRIMARY KEY,
	task_id     TEXT NOT NULL REFERENCES tasks(id),
	tool_name   TEXT NOT NULL,
	status      TEXT NOT NULL,
	input       TEXT,
	output      TEXT,
	started_at  TEXT,
	finished_at TEXT,
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tool_runs_task ON tool_runs(task_id, created_at);
`

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = fmt.Errorf("not found")

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// ParseDatabaseURL extracts the filesystem path from a sqlite:/// URL.
func ParseDatabaseURL(databaseURL string) (string, error) {
	if !strings.HasPrefix(databaseURL, sqliteURLPrefix) {
		return "", fmt.Errorf("only %s database URLs are supported, got %q", sqliteURLPrefix, databaseURL)
	}
	path := strings.TrimPrefix(databaseURL, sqliteURLPrefix)
	if path == "" {
		return "", fmt.Errorf("database URL has empty path")
	}
	return path, nil
}

// Open opens (creating if necessary) the database at the given sqlite:///
// URL, applies the schema, and enables foreign keys.
func Open(databaseURL string) (*Store, error) {
	path, err := ParseDatabaseURL(databaseURL)
	if err != nil {
		return nil, err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	// The pragma rides in the DSN so every connection the pool hands out
	// enforces foreign keys, not just the first.
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Single writer: the sqlite driver serializes writes; keeping one
	// connection avoids SQLITE_BUSY churn between handlers and the worker.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Scanner interface for both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func nullableString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

// timeLayout pads fractional seconds to nine digits. RFC3339Nano trims
// trailing zeros, which breaks the lexical-equals-chronological property
// on whole-second timestamps.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Timestamps are stored as fixed-width UTC text so lexical order matches
// chronological order.
func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", raw, err)
	}
	return t, nil
}

func parseNullableTime(raw sql.NullString) (*time.Time, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	t, err := parseTime(raw.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
