// Package queue is the durable mutation queue: every local create, update, or
// delete performed while offline is persisted here, encrypted at rest, until
// the sync engine confirms the remote service applied it.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/fabworks/floorsync/internal/secure"
	"github.com/fabworks/floorsync/internal/syncerr"
)

// Operation is the mutation verb carried by a queue item.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Priority orders drain: high before medium before low, FIFO within a tier.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// rank maps a priority to its sort order in the store.
func rank(p Priority) int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	default:
		return 2
	}
}

func priorityFromRank(r int) Priority {
	switch r {
	case 0:
		return PriorityHigh
	case 1:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// Status is the lifecycle state of a queue item.
type Status string

const (
	// StatusPending items are awaiting a sync attempt.
	StatusPending Status = "pending"
	// StatusSynced items were confirmed applied; kept until retention cleanup.
	StatusSynced Status = "synced"
	// StatusFailed items exhausted their retry budget or hit a non-retryable
	// error; they stay visible for operator requeue.
	StatusFailed Status = "failed"
	// StatusManual items await operator conflict resolution.
	StatusManual Status = "manual"
	// StatusQuarantined items could not be decrypted.
	StatusQuarantined Status = "quarantined"
)

// ErrNotFound is returned when an id does not exist in the queue.
var ErrNotFound = errors.New("queue: item not found")

// Item is one durably stored pending mutation. Payload is the decrypted
// domain document.
type Item struct {
	ID             string
	Operation      Operation
	Table          string
	Payload        json.RawMessage
	Priority       Priority
	Status         Status
	CreatedAt      time.Time
	RetryCount     int
	LastRetryAt    time.Time
	LastError      string
	NextEligibleAt time.Time
}

// Store persists queue items in SQLite. Payloads pass through the cipher on
// every write and read; plaintext never reaches disk.
type Store struct {
	db     *sql.DB
	cipher *secure.Cipher
	logger *slog.Logger
	now    func() time.Time
}

// Open opens (creating if needed) the queue database at path.
func Open(path string, cipher *secure.Cipher, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("queue: open db: %w", err)
	}

	// WAL mode for concurrent readers during a sync run
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("queue: wal mode: %w", err)
	}

	s := &Store{db: db, cipher: cipher, logger: logger, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("queue: migrate: %w", err)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the handle so other stores can share the same database file.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS sync_queue (
		id               TEXT PRIMARY KEY,
		operation        TEXT NOT NULL,
		entity_table     TEXT NOT NULL,
		payload          BLOB NOT NULL,
		priority         INTEGER NOT NULL,
		status           TEXT NOT NULL DEFAULT 'pending',
		created_at       INTEGER NOT NULL,
		retry_count      INTEGER NOT NULL DEFAULT 0,
		last_retry_at    INTEGER,
		last_error       TEXT NOT NULL DEFAULT '',
		next_eligible_at INTEGER NOT NULL DEFAULT 0,
		synced_at        INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_sync_queue_drain
		ON sync_queue(status, priority, created_at)`)
	return err
}

// Enqueue seals the payload and inserts a pending item, returning its id.
func (s *Store) Enqueue(ctx context.Context, op Operation, table string, payload json.RawMessage, pri Priority) (string, error) {
	envelope, err := s.cipher.Encrypt(payload)
	if err != nil {
		return "", fmt.Errorf("queue: seal payload: %w", err)
	}

	id := uuid.New().String()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sync_queue (id, operation, entity_table, payload, priority, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, string(op), table, envelope, rank(pri), string(StatusPending), s.now().UnixMilli())
	if err != nil {
		return "", fmt.Errorf("queue: enqueue: %w", err)
	}

	s.logger.Debug("mutation enqueued", "id", id, "op", op, "table", table, "priority", pri)
	return id, nil
}

// DequeueCandidates returns pending items whose backoff deadline has passed,
// ordered by priority then created_at ascending. Items whose payload fails to
// decrypt are quarantined and skipped; the count of newly quarantined records
// is returned so the run report can surface them.
func (s *Store) DequeueCandidates(ctx context.Context) ([]*Item, int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, operation, entity_table, payload, priority, status, created_at,
		        retry_count, last_retry_at, last_error, next_eligible_at
		 FROM sync_queue
		 WHERE status = ? AND next_eligible_at <= ?
		 ORDER BY priority ASC, created_at ASC, rowid ASC`,
		string(StatusPending), s.now().UnixMilli())
	if err != nil {
		return nil, 0, fmt.Errorf("queue: dequeue: %w", err)
	}
	defer rows.Close()

	var items []*Item
	var quarantine []string
	for rows.Next() {
		item, envelope, err := scanItem(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("queue: scan: %w", err)
		}

		plaintext, err := s.cipher.Decrypt(envelope)
		if err != nil {
			// Corrupt or re-keyed record: isolate it, keep draining.
			s.logger.Error("payload unreadable, quarantining item",
				"id", item.ID, "table", item.Table, "error", err)
			quarantine = append(quarantine, item.ID)
			continue
		}
		item.Payload = plaintext
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("queue: iterate: %w", err)
	}

	for _, id := range quarantine {
		if err := s.setStatus(ctx, id, StatusQuarantined); err != nil {
			return nil, 0, err
		}
	}
	return items, len(quarantine), nil
}

// MarkSynced records confirmation from the remote service. It is idempotent:
// marking an already-synced or missing id is a no-op, supporting at-least-once
// delivery upstream.
func (s *Store) MarkSynced(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sync_queue SET status = ?, synced_at = ?, last_error = ''
		 WHERE id = ? AND status IN (?, ?)`,
		string(StatusSynced), s.now().UnixMilli(), id, string(StatusPending), string(StatusManual))
	if err != nil {
		return fmt.Errorf("queue: mark synced: %w", err)
	}
	return nil
}

// MarkFailed records a failed attempt: retry_count increments, the error and
// attempt time are stored, and the next-eligible deadline is pushed out by the
// kind's backoff. When the new retry count exceeds the kind's budget (or the
// kind is not retryable) the item is evicted to failed state and evicted=true
// is returned so the caller surfaces a terminal outcome.
func (s *Store) MarkFailed(ctx context.Context, id string, cls syncerr.Classification, cause string) (evicted bool, err error) {
	var retryCount int
	row := s.db.QueryRowContext(ctx,
		`SELECT retry_count FROM sync_queue WHERE id = ? AND status = ?`,
		id, string(StatusPending))
	if err := row.Scan(&retryCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrNotFound
		}
		return false, fmt.Errorf("queue: mark failed: %w", err)
	}

	retryCount++
	now := s.now()

	if !cls.Retryable || retryCount > cls.MaxRetries {
		_, err := s.db.ExecContext(ctx,
			`UPDATE sync_queue
			 SET status = ?, retry_count = ?, last_retry_at = ?, last_error = ?
			 WHERE id = ?`,
			string(StatusFailed), retryCount, now.UnixMilli(), cause, id)
		if err != nil {
			return false, fmt.Errorf("queue: evict: %w", err)
		}
		s.logger.Warn("item evicted from queue",
			"id", id, "kind", cls.Kind, "retry_count", retryCount, "error", cause)
		return true, nil
	}

	nextEligible := now.Add(syncerr.Backoff(cls.Kind, retryCount))
	_, err = s.db.ExecContext(ctx,
		`UPDATE sync_queue
		 SET retry_count = ?, last_retry_at = ?, last_error = ?, next_eligible_at = ?
		 WHERE id = ?`,
		retryCount, now.UnixMilli(), cause, nextEligible.UnixMilli(), id)
	if err != nil {
		return false, fmt.Errorf("queue: mark failed: %w", err)
	}
	return false, nil
}

// ResetRetries opens a fresh retry window for an item, clearing its retry
// count and backoff deadline.
func (s *Store) ResetRetries(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_queue SET retry_count = 0, next_eligible_at = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("queue: reset retries: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkManual parks an item for operator resolution. It is excluded from
// dequeue snapshots and its retry count is untouched.
func (s *Store) MarkManual(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, StatusManual)
}

// Requeue returns a failed, manual, or quarantined item to the pending pool
// with a fresh retry window. Operator-facing.
func (s *Store) Requeue(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_queue
		 SET status = ?, retry_count = 0, next_eligible_at = 0, last_error = ''
		 WHERE id = ? AND status IN (?, ?, ?)`,
		string(StatusPending), id,
		string(StatusFailed), string(StatusManual), string(StatusQuarantined))
	if err != nil {
		return fmt.Errorf("queue: requeue: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CleanupSynced deletes synced items older than the retention window and
// returns how many were removed.
func (s *Store) CleanupSynced(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := s.now().Add(-retention).UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sync_queue WHERE status = ? AND synced_at IS NOT NULL AND synced_at < ?`,
		string(StatusSynced), cutoff)
	if err != nil {
		return 0, fmt.Errorf("queue: cleanup: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("synced items cleaned up", "removed", n)
	}
	return n, nil
}

// Get returns a single item with its payload decrypted.
func (s *Store) Get(ctx context.Context, id string) (*Item, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, operation, entity_table, payload, priority, status, created_at,
		        retry_count, last_retry_at, last_error, next_eligible_at
		 FROM sync_queue WHERE id = ?`, id)

	item, envelope, err := scanItem(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("queue: get: %w", err)
	}

	plaintext, err := s.cipher.Decrypt(envelope)
	if err != nil {
		return nil, err
	}
	item.Payload = plaintext
	return item, nil
}

// Stats reports item counts per status.
func (s *Store) Stats(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM sync_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("queue: stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[Status]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("queue: stats scan: %w", err)
		}
		stats[Status(status)] = count
	}
	return stats, rows.Err()
}

func (s *Store) setStatus(ctx context.Context, id string, status Status) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_queue SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("queue: set status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanItem(sc scanner) (*Item, []byte, error) {
	var (
		item         Item
		envelope     []byte
		op, status   string
		priRank      int
		createdAt    int64
		lastRetryAt  sql.NullInt64
		nextEligible int64
	)
	err := sc.Scan(&item.ID, &op, &item.Table, &envelope, &priRank, &status,
		&createdAt, &item.RetryCount, &lastRetryAt, &item.LastError, &nextEligible)
	if err != nil {
		return nil, nil, err
	}

	item.Operation = Operation(op)
	item.Status = Status(status)
	item.Priority = priorityFromRank(priRank)
	item.CreatedAt = time.UnixMilli(createdAt)
	if lastRetryAt.Valid {
		item.LastRetryAt = time.UnixMilli(lastRetryAt.Int64)
	}
	item.NextEligibleAt = time.UnixMilli(nextEligible)
	return &item, envelope, nil
}
