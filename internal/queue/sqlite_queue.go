// Package queue provides a WAL-mode SQLite-backed offline queue for the
// SentinelIQ agent. Activities that fail to reach the ingest service are
// persisted on Enqueue and are not removed until the caller calls Ack, giving
// at-least-once delivery across transport outages and agent restarts.
//
// # WAL mode
//
// The database is opened with PRAGMA journal_mode = WAL so that concurrent
// readers and a single writer can proceed without blocking each other.
//
// # Bounded depth
//
// The queue is bounded: once the pending count exceeds the configured
// capacity, the oldest undelivered rows are evicted. A long outage costs the
// oldest observations, never unbounded disk.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql

	"github.com/sentineliq/sentinel/internal/activity"
)

// DefaultCapacity is the pending-row bound used when the caller passes a
// non-positive capacity.
const DefaultCapacity = 1000

// SQLiteQueue is a WAL-mode SQLite-backed bounded activity queue.
// It is safe for concurrent use.
type SQLiteQueue struct {
	db       *sql.DB
	capacity int
	depth    atomic.Int64
}

// New opens (or creates) the SQLite database at path, enables WAL journal
// mode, and applies the schema. If path is ":memory:", an in-memory database
// is used; this is suitable for tests but loses all data when closed.
//
// New seeds the internal depth counter from the number of rows currently
// marked as pending (delivered = 0), so Depth() is accurate immediately
// after a crash-recovery restart.
func New(path string, capacity int) (*SQLiteQueue, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("queue: open %q: %w", path, err)
	}

	// SQLite allows only one writer at a time. Limiting the pool to a single
	// connection avoids "database is locked" errors when multiple goroutines
	// call Enqueue concurrently; each call serialises through this connection.
	db.SetMaxOpenConns(1)

	// Enable WAL mode: readers and the single writer proceed concurrently.
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: set WAL mode: %w", err)
	}

	// NORMAL synchronous: durable across application crashes; not OS crashes.
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: set synchronous = NORMAL: %w", err)
	}

	// Apply the schema (idempotent: CREATE TABLE IF NOT EXISTS).
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: apply schema: %w", err)
	}

	q := &SQLiteQueue{db: db, capacity: capacity}

	var count int64
	if err := db.QueryRow(`SELECT COUNT(*) FROM activity_queue WHERE delivered = 0`).Scan(&count); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: count pending rows: %w", err)
	}
	q.depth.Store(count)

	return q, nil
}

// ddl is the schema DDL, kept here to keep the package self-contained.
const ddl = `
CREATE TABLE IF NOT EXISTS activity_queue (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id       TEXT    NOT NULL,
    activity_type TEXT    NOT NULL,
    ts            TEXT    NOT NULL,
    details       TEXT    NOT NULL DEFAULT '{}',
    enqueued_at   TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
    delivered     INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_activity_queue_pending
    ON activity_queue (delivered, id);
`

// Enqueue persists act with delivered = 0. When the pending count exceeds
// the capacity, the oldest pending rows are evicted first.
func (q *SQLiteQueue) Enqueue(ctx context.Context, act activity.Activity) error {
	details, err := json.Marshal(act.Details)
	if err != nil {
		return fmt.Errorf("queue: marshal details: %w", err)
	}

	_, err = q.db.ExecContext(ctx,
		`INSERT INTO activity_queue (user_id, activity_type, ts, details)
		 VALUES (?, ?, ?, ?)`,
		act.UserID,
		string(act.Kind),
		act.Timestamp.UTC().Format(time.RFC3339Nano),
		string(details),
	)
	if err != nil {
		return fmt.Errorf("queue: enqueue: %w", err)
	}
	q.depth.Add(1)

	if over := q.depth.Load() - int64(q.capacity); over > 0 {
		result, err := q.db.ExecContext(ctx,
			`DELETE FROM activity_queue WHERE id IN (
			     SELECT id FROM activity_queue WHERE delivered = 0 ORDER BY id LIMIT ?
			 )`, over)
		if err != nil {
			return fmt.Errorf("queue: evict oldest: %w", err)
		}
		n, _ := result.RowsAffected()
		q.depth.Add(-n)
	}
	return nil
}

// PendingActivity is an unacknowledged activity returned by Dequeue.
// ID is the database primary key used to acknowledge the row via Ack.
type PendingActivity struct {
	ID  int64
	Act activity.Activity
}

// Dequeue returns up to n unacknowledged activities in insertion order
// (oldest first). It does not mark rows as delivered; call Ack with the
// returned IDs to do that. If n ≤ 0, Dequeue returns nil without querying
// the database.
func (q *SQLiteQueue) Dequeue(ctx context.Context, n int) ([]PendingActivity, error) {
	if n <= 0 {
		return nil, nil
	}

	rows, err := q.db.QueryContext(ctx,
		`SELECT id, user_id, activity_type, ts, details
		 FROM   activity_queue
		 WHERE  delivered = 0
		 ORDER  BY id
		 LIMIT  ?`, n)
	if err != nil {
		return nil, fmt.Errorf("queue: dequeue query: %w", err)
	}
	defer rows.Close()

	var pending []PendingActivity
	for rows.Next() {
		var (
			pa         PendingActivity
			kindStr    string
			tsStr      string
			detailsStr string
		)
		if err := rows.Scan(&pa.ID, &pa.Act.UserID, &kindStr, &tsStr, &detailsStr); err != nil {
			return nil, fmt.Errorf("queue: dequeue scan: %w", err)
		}
		pa.Act.Kind = activity.Kind(kindStr)

		// Parse the stored RFC3339Nano timestamp; fall back to RFC3339.
		pa.Act.Timestamp, err = time.Parse(time.RFC3339Nano, tsStr)
		if err != nil {
			pa.Act.Timestamp, _ = time.Parse(time.RFC3339, tsStr)
		}

		// A malformed details value yields zero details rather than an
		// error so that one bad row does not block the queue.
		if err := json.Unmarshal([]byte(detailsStr), &pa.Act.Details); err != nil {
			pa.Act.Details = activity.Details{}
		}

		pending = append(pending, pa)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue: dequeue rows: %w", err)
	}
	return pending, nil
}

// Ack marks the rows identified by ids as delivered. Acknowledged rows are
// excluded from subsequent Dequeue results. Ack is idempotent: calling it
// multiple times with the same IDs is safe.
func (q *SQLiteQueue) Ack(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1] // trim trailing comma

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	result, err := q.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE activity_queue SET delivered = 1 WHERE id IN (%s) AND delivered = 0`, placeholders),
		args...,
	)
	if err != nil {
		return fmt.Errorf("queue: ack: %w", err)
	}

	n, _ := result.RowsAffected()
	q.depth.Add(-n)
	return nil
}

// Depth returns the number of pending (unacknowledged) activities. It reads
// from an atomic counter updated by Enqueue, eviction and Ack, so it never
// blocks.
func (q *SQLiteQueue) Depth() int {
	return int(q.depth.Load())
}

// Close closes the underlying database connection. Callers must not use the
// queue after Close returns.
func (q *SQLiteQueue) Close() error {
	return q.db.Close()
}
