// Copyright 2025 ODTrack Contributors
// SPDX-License-Identifier: Apache-2.0

// Package odsync is the offline-first synchronization core of the
// ODTrack Academia mobile client. Domain mutations (on-duty requests and
// related entities) are appended to a durable SQLite-backed queue and a
// background worker drains them against the server when connectivity
// allows, with exponential backoff across failures and deterministic
// conflict resolution between local and server snapshots.
package odsync

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// Service wires the sync core together: durable store, queue manager,
// local cache, engine and background worker. Construct one Service at
// application startup and hand references to consumers; there is no
// ambient global instance.
type Service struct {
	db     *sql.DB
	queue  *QueueManager
	cache  *Cache
	engine *Engine
	worker *Worker
	logger *slog.Logger

	// SourceID is the persisted device identity for this installation.
	SourceID string
}

// NewService opens the durable store, recovers any mutations stranded by
// a previous crash and constructs the full component graph. gateway and
// monitor are the injected platform capabilities; resolver may be nil to
// use LastWriteWinsResolver.
func NewService(cfg *Config, gateway Gateway, monitor ConnectivityMonitor, resolver Resolver, logger *slog.Logger) (*Service, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if gateway == nil {
		return nil, fmt.Errorf("gateway cannot be nil")
	}
	if monitor == nil {
		return nil, fmt.Errorf("connectivity monitor cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	db, err := OpenStore(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sync store: %w", err)
	}

	sourceID := ""
	if cfg.UserID != "" {
		sourceID, err = EnsureSourceID(db, cfg.UserID)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to ensure source id: %w", err)
		}
	}

	queue := NewQueueManager(db, cfg.MaxAttempts, cfg.UnhealthyFailedCount, logger)
	if _, err := queue.RecoverInFlight(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to recover in-flight mutations: %w", err)
	}

	cache := NewCache(db)
	engine := NewEngine(queue, cache, gateway, resolver, cfg.BatchSize, logger)
	worker := NewWorker(engine, monitor, cfg.workerConfig(), logger)

	return &Service{
		db:       db,
		queue:    queue,
		cache:    cache,
		engine:   engine,
		worker:   worker,
		logger:   logger,
		SourceID: sourceID,
	}, nil
}

// Queue exposes the queue manager for producer feature code.
func (s *Service) Queue() *QueueManager { return s.queue }

// Cache exposes the local cache for UI-facing snapshot reads.
func (s *Service) Cache() *Cache { return s.cache }

// Worker exposes the background worker.
func (s *Service) Worker() *Worker { return s.worker }

// QueueForSync appends a domain mutation to the durable queue. It is
// what the "create OD request" flow calls while offline.
func (s *Service) QueueForSync(ctx context.Context, m Mutation) (string, error) {
	return s.queue.Enqueue(ctx, m)
}

// SyncAll triggers a drain pass synchronously.
func (s *Service) SyncAll(ctx context.Context) (*SyncResult, error) {
	return s.engine.SyncAll(ctx)
}

// ForceSync triggers a drain pass, waiting out any active pass, and
// reports through the worker's event stream.
func (s *Service) ForceSync(ctx context.Context) (*SyncResult, error) {
	return s.worker.ForceSync(ctx)
}

// Start launches the background worker.
func (s *Service) Start(ctx context.Context) error {
	return s.worker.Start(ctx)
}

// Stop halts the background worker. Idempotent.
func (s *Service) Stop() {
	s.worker.Stop()
}

// Subscribe registers an observer on the background event stream, e.g.
// for UI sync indicators.
func (s *Service) Subscribe() (<-chan Event, func()) {
	return s.worker.Subscribe()
}

// Statistics snapshots queue health and worker state for diagnostics.
func (s *Service) Statistics(ctx context.Context) (*SyncStatistics, error) {
	health, err := s.queue.Health(ctx)
	if err != nil {
		return nil, err
	}
	failures, lastFailure := s.worker.FailureStreak()
	return &SyncStatistics{
		State:               s.worker.State(),
		IsConnected:         s.worker.IsConnected(),
		ConsecutiveFailures: failures,
		LastFailureTime:     lastFailure,
		Queue:               health,
	}, nil
}

// Close stops the worker, closes all event subscriptions and releases
// the durable store. Unlike Stop, Close is terminal.
func (s *Service) Close() error {
	s.worker.Stop()
	s.worker.bus.closeAll()
	if err := s.db.Close(); err != nil {
		return storageErr("close store", err)
	}
	return nil
}
