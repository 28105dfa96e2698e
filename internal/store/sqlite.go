package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite connection shared by the sqlite history stores.
type DB struct {
	db *sql.DB
}

// OpenDB opens or creates the SQLite database
func OpenDB(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrent access
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS histories (
		kind TEXT NOT NULL,
		capsule_id TEXT NOT NULL,
		records TEXT NOT NULL,
		record_count INTEGER NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (kind, capsule_id)
	);
	CREATE INDEX IF NOT EXISTS idx_histories_updated ON histories(updated_at);
	`

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	return &DB{db: db}, nil
}

// Close closes the database connection
func (d *DB) Close() error {
	return d.db.Close()
}

// SQLite stores one kind of history in the shared histories table.
type SQLite[R any] struct {
	db   *DB
	kind string
}

var _ Store[int] = (*SQLite[int])(nil)

func NewSQLite[R any](db *DB, kind string) *SQLite[R] {
	return &SQLite[R]{db: db, kind: kind}
}

func (s *SQLite[R]) Get(ctx context.Context, capsuleID string) ([]R, error) {
	var payload string
	err := s.db.db.QueryRowContext(ctx, `
		SELECT records FROM histories WHERE kind = ? AND capsule_id = ?
	`, s.kind, capsuleID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var records []R
	if err := json.Unmarshal([]byte(payload), &records); err != nil {
		return nil, err
	}
	return records, nil
}

func (s *SQLite[R]) Put(ctx context.Context, capsuleID string, records []R) error {
	if records == nil {
		records = []R{}
	}
	payload, err := json.Marshal(records)
	if err != nil {
		return err
	}

	_, err = s.db.db.ExecContext(ctx, `
		INSERT INTO histories (kind, capsule_id, records, record_count, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(kind, capsule_id) DO UPDATE SET
			records = excluded.records,
			record_count = excluded.record_count,
			updated_at = excluded.updated_at
	`, s.kind, capsuleID, string(payload), len(records), time.Now().UTC().Format(time.RFC3339))
	return err
}

func (s *SQLite[R]) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.db.QueryContext(ctx, `
		SELECT capsule_id FROM histories WHERE kind = ? ORDER BY capsule_id
	`, s.kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
