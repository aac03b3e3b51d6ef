// Package entity is the minimal local entity surface the sync engine writes
// through when a conflict resolution replaces local state: after a UseRemote
// or Merge outcome, reads of the entity must be consistent with the
// resolution. The application's full CRUD layer lives elsewhere.
package entity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a table/id pair has no local record.
var ErrNotFound = errors.New("entity: not found")

// Record is one locally persisted entity snapshot.
type Record struct {
	Table     string
	ID        string
	Payload   json.RawMessage
	Version   int64
	UpdatedAt time.Time
}

// Store persists entity snapshots, sharing the sync database handle.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New creates the store and its table if needed.
func New(db *sql.DB) (*Store, error) {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS entities (
		entity_table TEXT NOT NULL,
		id           TEXT NOT NULL,
		payload      BLOB NOT NULL,
		version      INTEGER NOT NULL DEFAULT 0,
		updated_at   INTEGER NOT NULL,
		PRIMARY KEY (entity_table, id)
	)`)
	if err != nil {
		return nil, fmt.Errorf("entity: migrate: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Upsert writes the snapshot for table/id, replacing any existing row.
func (s *Store) Upsert(ctx context.Context, table, id string, payload json.RawMessage, version int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO entities (entity_table, id, payload, version, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(entity_table, id) DO UPDATE SET
		   payload = excluded.payload,
		   version = excluded.version,
		   updated_at = excluded.updated_at`,
		table, id, []byte(payload), version, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("entity: upsert %s/%s: %w", table, id, err)
	}
	return nil
}

// Delete removes the local record. Deleting a missing record is a no-op so a
// remote-delete resolution can be applied unconditionally.
func (s *Store) Delete(ctx context.Context, table, id string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM entities WHERE entity_table = ? AND id = ?`, table, id)
	if err != nil {
		return fmt.Errorf("entity: delete %s/%s: %w", table, id, err)
	}
	return nil
}

// Get returns the local snapshot for table/id.
func (s *Store) Get(ctx context.Context, table, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT payload, version, updated_at FROM entities WHERE entity_table = ? AND id = ?`,
		table, id)

	var (
		payload   []byte
		version   int64
		updatedAt int64
	)
	if err := row.Scan(&payload, &version, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("entity: get %s/%s: %w", table, id, err)
	}
	return &Record{
		Table:     table,
		ID:        id,
		Payload:   payload,
		Version:   version,
		UpdatedAt: time.UnixMilli(updatedAt),
	}, nil
}
