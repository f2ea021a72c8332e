// Copyright 2025 ODTrack Contributors
// SPDX-License-Identifier: Apache-2.0

package odsync

import (
	"context"
	"log/slog"
	"time"
)

// Engine orchestrates drain passes: it pulls batches from the queue,
// applies each mutation through the gateway, routes conflicts through
// the resolver and writes outcomes into the local cache. At most one
// pass runs at a time system-wide.
type Engine struct {
	queue    *QueueManager
	cache    *Cache
	gateway  Gateway
	resolver Resolver
	logger   *slog.Logger

	batchSize int
	passSem   chan struct{} // capacity 1: the single active pass guard
}

// NewEngine wires the engine's collaborators. batchSize bounds each
// DequeueBatch page.
func NewEngine(queue *QueueManager, cache *Cache, gateway Gateway, resolver Resolver, batchSize int, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if resolver == nil {
		resolver = LastWriteWinsResolver{}
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Engine{
		queue:     queue,
		cache:     cache,
		gateway:   gateway,
		resolver:  resolver,
		logger:    logger,
		batchSize: batchSize,
		passSem:   make(chan struct{}, 1),
	}
}

// SyncAll drains the full queue in priority order. If another pass is
// already active it returns ErrSyncInProgress instead of stacking a
// second pass.
func (e *Engine) SyncAll(ctx context.Context) (*SyncResult, error) {
	select {
	case e.passSem <- struct{}{}:
	default:
		return nil, ErrSyncInProgress
	}
	defer func() { <-e.passSem }()

	return e.drain(ctx)
}

// ForceSync runs a drain pass even when invoked mid-pass: it waits for
// the active pass to release the guard rather than skipping, so a
// user-triggered sync is never silently dropped.
func (e *Engine) ForceSync(ctx context.Context) (*SyncResult, error) {
	select {
	case e.passSem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-e.passSem }()

	return e.drain(ctx)
}

// ResolveConflicts resolves a batch of conflicts without touching the
// queue or cache. Exposed for batch conflict review.
func (e *Engine) ResolveConflicts(conflicts []SyncConflict) []ConflictResolution {
	return ResolveAll(e.resolver, conflicts)
}

// drain applies pending items until the queue is empty. Per-item
// failures are isolated; the pass is not atomic across items.
func (e *Engine) drain(ctx context.Context) (*SyncResult, error) {
	start := time.Now()
	result := &SyncResult{StartedAt: start}

	// Items already applied this pass (e.g. re-queued local winners) are
	// pushed to the next pass: exactly one gateway call per item per pass.
	seen := make(map[string]bool)

	for {
		if err := ctx.Err(); err != nil {
			result.Duration = time.Since(start)
			return result, err
		}

		items, err := e.queue.DequeueBatch(ctx, e.batchSize)
		if err != nil {
			result.Duration = time.Since(start)
			return result, err
		}
		if len(items) == 0 {
			break
		}

		progressed := false
		for i := range items {
			if err := ctx.Err(); err != nil {
				result.Duration = time.Since(start)
				return result, err
			}
			item := &items[i]
			if seen[item.ItemID] {
				if err := e.queue.Release(ctx, item.QueueID); err != nil {
					e.logger.Error("failed to release deferred item", "queue_id", item.QueueID, "error", err)
				}
				continue
			}
			seen[item.ItemID] = true
			progressed = true
			if e.syncItem(ctx, item) {
				result.ItemsSynced++
			} else {
				result.ItemsFailed++
			}
		}
		if !progressed {
			break
		}
	}

	result.Success = result.ItemsFailed == 0
	result.Duration = time.Since(start)
	e.logger.Debug("drain pass finished",
		"synced", result.ItemsSynced, "failed", result.ItemsFailed, "duration", result.Duration)
	return result, nil
}

// syncItem applies one queued mutation. Exactly one gateway call is made
// per item per pass; retry happens across passes via the queue.
func (e *Engine) syncItem(ctx context.Context, item *QueueItem) bool {
	res, err := e.gateway.ApplyMutation(ctx, item.ItemType, item.Operation, item.ItemID, item.Payload)
	if err != nil {
		if !IsTransient(err) {
			e.logger.Warn("permanent remote failure for queued mutation",
				"item_type", item.ItemType, "item_id", item.ItemID, "error", err)
		}
		if markErr := e.queue.MarkFailed(ctx, item.QueueID, err); markErr != nil {
			e.logger.Error("failed to mark item failed", "queue_id", item.QueueID, "error", markErr)
		}
		return false
	}

	if res.Conflict != nil {
		return e.handleConflict(ctx, item, res.Conflict)
	}

	if err := e.applyLocal(ctx, item.ItemType, item.ItemID, item.Operation, item.Payload, res.ServerTimestamp); err != nil {
		e.logger.Error("failed to update local cache after apply",
			"item_type", item.ItemType, "item_id", item.ItemID, "error", err)
		if markErr := e.queue.MarkFailed(ctx, item.QueueID, err); markErr != nil {
			e.logger.Error("failed to mark item failed", "queue_id", item.QueueID, "error", markErr)
		}
		return false
	}

	if err := e.queue.MarkDone(ctx, item.QueueID); err != nil {
		e.logger.Error("failed to mark item done", "queue_id", item.QueueID, "error", err)
		return false
	}
	return true
}

// handleConflict routes a server-reported conflict through the resolver,
// persists the winning snapshot locally and, when the local side won,
// re-queues it as an update so the server converges on a later pass.
func (e *Engine) handleConflict(ctx context.Context, item *QueueItem, server *ServerSnapshot) bool {
	conflict := SyncConflict{
		ItemID:          item.ItemID,
		ItemType:        item.ItemType,
		LocalData:       item.Payload,
		ServerData:      server.Payload,
		LocalTimestamp:  item.EnqueuedAt,
		ServerTimestamp: server.Timestamp,
	}
	resolution := e.resolver.Resolve(conflict)

	e.logger.Info("resolved sync conflict",
		"item_type", item.ItemType, "item_id", item.ItemID, "resolution", resolution.Resolution)

	cacheTS := server.Timestamp
	if resolution.LocalWins() {
		cacheTS = item.EnqueuedAt
	}
	if err := e.cache.PutSnapshot(ctx, item.ItemType, item.ItemID, resolution.ResultingData, cacheTS); err != nil {
		e.logger.Error("failed to persist resolved snapshot",
			"item_type", item.ItemType, "item_id", item.ItemID, "error", err)
		if markErr := e.queue.MarkFailed(ctx, item.QueueID, err); markErr != nil {
			e.logger.Error("failed to mark item failed", "queue_id", item.QueueID, "error", markErr)
		}
		return false
	}

	if err := e.queue.MarkDone(ctx, item.QueueID); err != nil {
		e.logger.Error("failed to mark conflicted item done", "queue_id", item.QueueID, "error", err)
		return false
	}

	if resolution.LocalWins() {
		// The local snapshot must still reach the server. Queue it as an
		// update; supersession keeps this to one live item.
		if _, err := e.queue.Enqueue(ctx, Mutation{
			ItemID:    item.ItemID,
			ItemType:  item.ItemType,
			Operation: OpUpdate,
			Payload:   resolution.ResultingData,
			Priority:  item.Priority,
		}); err != nil {
			e.logger.Error("failed to re-queue local winner",
				"item_type", item.ItemType, "item_id", item.ItemID, "error", err)
			return false
		}
	}
	return true
}

// applyLocal mirrors a successful remote apply into the cache.
func (e *Engine) applyLocal(ctx context.Context, itemType, itemID string, op Operation, payload []byte, serverTS time.Time) error {
	if op == OpDelete {
		return e.cache.DeleteSnapshot(ctx, itemType, itemID)
	}
	if serverTS.IsZero() {
		serverTS = time.Now()
	}
	return e.cache.PutSnapshot(ctx, itemType, itemID, payload, serverTS)
}
