// Package history persists call records for audit and call-history
// screens. The store is a side-channel: the call core writes one row at
// call start and one terminal status at teardown, and never reads it
// while a call is live.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Direction of a call from the local participant's point of view.
const (
	DirectionOutgoing = "outgoing"
	DirectionIncoming = "incoming"
)

// Record is one persisted call.
type Record struct {
	CallID     string
	RemotePeer string
	Direction  string
	Status     string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Store wraps the SQLite call-record database.
type Store struct {
	db *sql.DB
}

// Open opens or creates history.db in dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("history: create dir: %w", err)
	}
	db, err := sql.Open("sqlite", filepath.Join(dir, "history.db"))
	if err != nil {
		return nil, fmt.Errorf("history: open database: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS call_records (
			call_id     TEXT PRIMARY KEY,
			remote_peer TEXT NOT NULL DEFAULT '',
			direction   TEXT NOT NULL DEFAULT '',
			status      TEXT NOT NULL DEFAULT '',
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: create call_records: %w", err)
	}

	return &Store{db: db}, nil
}

// RecordStart inserts the row for a newly placed or accepted call.
func (s *Store) RecordStart(ctx context.Context, callID, remotePeer, direction string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO call_records (call_id, remote_peer, direction, status)
		VALUES (?, ?, ?, 'active')
		ON CONFLICT(call_id) DO UPDATE SET
			remote_peer = excluded.remote_peer,
			direction   = excluded.direction,
			status      = excluded.status,
			updated_at  = CURRENT_TIMESTAMP
	`, callID, remotePeer, direction)
	if err != nil {
		return fmt.Errorf("history: record start %s: %w", callID, err)
	}
	return nil
}

// UpdateStatus upserts the status for callID. Writing the same terminal
// status twice is harmless.
func (s *Store) UpdateStatus(ctx context.Context, callID, status string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO call_records (call_id, status)
		VALUES (?, ?)
		ON CONFLICT(call_id) DO UPDATE SET
			status     = excluded.status,
			updated_at = CURRENT_TIMESTAMP
	`, callID, status)
	if err != nil {
		return fmt.Errorf("history: update status %s: %w", callID, err)
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT call_id, remote_peer, direction, status, created_at, updated_at
		FROM call_records
		ORDER BY created_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("history: list records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.CallID, &r.RemotePeer, &r.Direction, &r.Status, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("history: scan record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
