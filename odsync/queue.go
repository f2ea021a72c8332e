// Copyright 2025 ODTrack Contributors
// SPDX-License-Identifier: Apache-2.0

package odsync

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// QueueManager owns the pending mutation queue. It is the only component
// with write access to the durable queue store; the engine reads queue
// items exclusively through it.
type QueueManager struct {
	db     *sql.DB
	logger *slog.Logger

	maxAttempts     int
	unhealthyFailed int

	writeMu sync.Mutex // serialize write transactions on the shared SQLite handle
}

// NewQueueManager creates a queue manager over an initialized store.
// maxAttempts is the per-item retry ceiling before a mutation is parked
// as failed; unhealthyFailed is the parked-failure count at which
// Health reports unhealthy.
func NewQueueManager(db *sql.DB, maxAttempts, unhealthyFailed int, logger *slog.Logger) *QueueManager {
	if logger == nil {
		logger = slog.Default()
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if unhealthyFailed <= 0 {
		unhealthyFailed = 5
	}
	return &QueueManager{
		db:              db,
		logger:          logger,
		maxAttempts:     maxAttempts,
		unhealthyFailed: unhealthyFailed,
	}
}

// Enqueue validates and persists a mutation. If a live (pending or
// in-flight) item already exists for the same item ID it is superseded:
// last write wins at the queue level, duplicates never stack.
func (q *QueueManager) Enqueue(ctx context.Context, m Mutation) (string, error) {
	if m.ItemID == "" {
		return "", &ValidationError{Field: "item_id", Reason: "must not be empty"}
	}
	if m.ItemType == "" {
		return "", &ValidationError{Field: "item_type", Reason: "must not be empty"}
	}
	if len(m.Payload) == 0 {
		return "", &ValidationError{Field: "payload", Reason: "must not be empty"}
	}
	switch m.Operation {
	case OpCreate, OpUpdate, OpDelete:
	default:
		return "", &ValidationError{Field: "operation", Reason: "unknown operation"}
	}

	q.writeMu.Lock()
	defer q.writeMu.Unlock()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return "", storageErr("begin enqueue tx", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		DELETE FROM _odsync_queue
		WHERE item_id = ? AND status IN ('pending','in_flight')
	`, m.ItemID)
	if err != nil {
		return "", storageErr("supersede live item", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		q.logger.Debug("superseded queued mutation", "item_id", m.ItemID, "op", m.Operation)
	}

	queueID := uuid.New().String()
	now := formatTime(time.Now())
	_, err = tx.ExecContext(ctx, `
		INSERT INTO _odsync_queue
			(queue_id, item_id, item_type, op, payload, priority, status, attempt_count, last_error, enqueued_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 'pending', 0, '', ?, ?)
	`, queueID, m.ItemID, m.ItemType, string(m.Operation), string(m.Payload), m.Priority, now, now)
	if err != nil {
		return "", storageErr("insert queue item", err)
	}

	if err := tx.Commit(); err != nil {
		return "", storageErr("commit enqueue tx", err)
	}
	return queueID, nil
}

// DequeueBatch returns up to maxCount pending items ordered by priority
// descending, then enqueue time ascending (FIFO within a priority), and
// marks them in-flight. An empty queue yields an empty slice, not an
// error.
func (q *QueueManager) DequeueBatch(ctx context.Context, maxCount int) ([]QueueItem, error) {
	if maxCount <= 0 {
		return nil, nil
	}

	q.writeMu.Lock()
	defer q.writeMu.Unlock()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr("begin dequeue tx", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT queue_id, item_id, item_type, op, payload, priority, status, attempt_count, last_error, enqueued_at, updated_at
		FROM _odsync_queue
		WHERE status = 'pending'
		ORDER BY priority DESC, enqueued_at ASC
		LIMIT ?
	`, maxCount)
	if err != nil {
		return nil, storageErr("query pending items", err)
	}

	items, err := scanQueueItems(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}

	now := formatTime(time.Now())
	for i := range items {
		if _, err := tx.ExecContext(ctx, `
			UPDATE _odsync_queue SET status = 'in_flight', updated_at = ? WHERE queue_id = ?
		`, now, items[i].QueueID); err != nil {
			return nil, storageErr("mark item in-flight", err)
		}
		items[i].Status = StatusInFlight
	}

	if err := tx.Commit(); err != nil {
		return nil, storageErr("commit dequeue tx", err)
	}
	return items, nil
}

// MarkDone removes a successfully applied item from the queue. A missing
// row means the item was superseded mid-flight; that is a no-op, not an
// error.
func (q *QueueManager) MarkDone(ctx context.Context, queueID string) error {
	q.writeMu.Lock()
	defer q.writeMu.Unlock()

	res, err := q.db.ExecContext(ctx, `DELETE FROM _odsync_queue WHERE queue_id = ?`, queueID)
	if err != nil {
		return storageErr("delete done item", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		q.logger.Debug("markDone on superseded item", "queue_id", queueID)
	}
	return nil
}

// MarkFailed increments the item's attempt count and returns it to
// pending for a later pass. Once the attempt count reaches the retry
// ceiling the item is parked as failed and excluded from dequeue batches
// until RequeueFailed un-parks it.
func (q *QueueManager) MarkFailed(ctx context.Context, queueID string, cause error) error {
	q.writeMu.Lock()
	defer q.writeMu.Unlock()

	lastError := ""
	if cause != nil {
		lastError = cause.Error()
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin markFailed tx", err)
	}
	defer tx.Rollback()

	var attempts int
	err = tx.QueryRowContext(ctx, `
		SELECT attempt_count FROM _odsync_queue WHERE queue_id = ?
	`, queueID).Scan(&attempts)
	if err == sql.ErrNoRows {
		q.logger.Debug("markFailed on superseded item", "queue_id", queueID)
		return nil
	}
	if err != nil {
		return storageErr("query attempt count", err)
	}

	attempts++
	status := StatusPending
	if attempts >= q.maxAttempts {
		status = StatusFailed
		q.logger.Warn("parking mutation after retry ceiling",
			"queue_id", queueID, "attempts", attempts, "error", lastError)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE _odsync_queue
		SET status = ?, attempt_count = ?, last_error = ?, updated_at = ?
		WHERE queue_id = ?
	`, string(status), attempts, lastError, formatTime(time.Now()), queueID)
	if err != nil {
		return storageErr("update failed item", err)
	}

	if err := tx.Commit(); err != nil {
		return storageErr("commit markFailed tx", err)
	}
	return nil
}

// Release returns a single in-flight item to pending without touching
// its attempt count. The engine uses it to push an item back to the next
// pass instead of applying it twice within one pass.
func (q *QueueManager) Release(ctx context.Context, queueID string) error {
	q.writeMu.Lock()
	defer q.writeMu.Unlock()

	if _, err := q.db.ExecContext(ctx, `
		UPDATE _odsync_queue SET status = 'pending', updated_at = ? WHERE queue_id = ? AND status = 'in_flight'
	`, formatTime(time.Now()), queueID); err != nil {
		return storageErr("release item", err)
	}
	return nil
}

// RequeueFailed returns all parked items to pending with a fresh attempt
// budget. Used by the UI's manual retry affordance.
func (q *QueueManager) RequeueFailed(ctx context.Context) (int, error) {
	q.writeMu.Lock()
	defer q.writeMu.Unlock()

	res, err := q.db.ExecContext(ctx, `
		UPDATE _odsync_queue
		SET status = 'pending', attempt_count = 0, last_error = '', updated_at = ?
		WHERE status = 'failed'
	`, formatTime(time.Now()))
	if err != nil {
		return 0, storageErr("requeue failed items", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// RecoverInFlight returns items stranded in-flight by a crashed process
// to pending. Called once during service construction, before any pass
// runs.
func (q *QueueManager) RecoverInFlight(ctx context.Context) (int, error) {
	q.writeMu.Lock()
	defer q.writeMu.Unlock()

	res, err := q.db.ExecContext(ctx, `
		UPDATE _odsync_queue SET status = 'pending', updated_at = ? WHERE status = 'in_flight'
	`, formatTime(time.Now()))
	if err != nil {
		return 0, storageErr("recover in-flight items", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		q.logger.Info("recovered in-flight mutations from previous run", "count", n)
	}
	return int(n), nil
}

// Health returns queue counters. IsHealthy turns false once the parked
// failure count exceeds the configured threshold.
func (q *QueueManager) Health(ctx context.Context) (QueueHealth, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM _odsync_queue GROUP BY status
	`)
	if err != nil {
		return QueueHealth{}, storageErr("query queue health", err)
	}
	defer rows.Close()

	var h QueueHealth
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return QueueHealth{}, storageErr("scan queue health", err)
		}
		h.Total += count
		switch ItemStatus(status) {
		case StatusPending:
			h.Pending = count
		case StatusInFlight:
			h.InFlight = count
		case StatusFailed:
			h.Failed = count
		}
	}
	if err := rows.Err(); err != nil {
		return QueueHealth{}, storageErr("iterate queue health", err)
	}
	h.IsHealthy = h.Failed <= q.unhealthyFailed
	return h, nil
}

func scanQueueItems(rows *sql.Rows) ([]QueueItem, error) {
	var items []QueueItem
	for rows.Next() {
		var it QueueItem
		var op, status, payload, enqueuedAt, updatedAt string
		if err := rows.Scan(&it.QueueID, &it.ItemID, &it.ItemType, &op, &payload,
			&it.Priority, &status, &it.AttemptCount, &it.LastError, &enqueuedAt, &updatedAt); err != nil {
			return nil, storageErr("scan queue item", err)
		}
		it.Operation = Operation(op)
		it.Status = ItemStatus(status)
		it.Payload = []byte(payload)

		var err error
		if it.EnqueuedAt, err = parseTime(enqueuedAt); err != nil {
			return nil, storageErr("parse enqueued_at", err)
		}
		if it.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, storageErr("parse updated_at", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate queue items", err)
	}
	return items, nil
}
