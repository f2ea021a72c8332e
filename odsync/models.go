// Copyright 2025 ODTrack Contributors
// SPDX-License-Identifier: Apache-2.0

package odsync

import (
	"encoding/json"
	"time"
)

// Operation describes the kind of mutation queued for the server.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// ItemStatus is the queue-level lifecycle state of a pending mutation.
type ItemStatus string

const (
	StatusPending  ItemStatus = "pending"
	StatusInFlight ItemStatus = "in_flight"
	StatusFailed   ItemStatus = "failed"
)

// Mutation is a domain change handed to the queue by producer code
// (e.g. the "create OD request" flow). Payload is an opaque snapshot of
// the entity at enqueue time.
type Mutation struct {
	ItemID    string          `json:"item_id"`
	ItemType  string          `json:"item_type"`
	Operation Operation       `json:"operation"`
	Payload   json.RawMessage `json:"payload"`
	Priority  int             `json:"priority"`
}

// QueueItem is a persisted pending mutation awaiting synchronization.
// At most one live (pending/in_flight) item exists per ItemID; a later
// mutation for the same item supersedes an earlier queued one.
type QueueItem struct {
	QueueID      string
	ItemID       string
	ItemType     string
	Operation    Operation
	Payload      json.RawMessage
	Priority     int
	Status       ItemStatus
	AttemptCount int
	LastError    string
	EnqueuedAt   time.Time
	UpdatedAt    time.Time
}

// ServerSnapshot is the server's current representation of an item,
// reported by the gateway on a conflict.
type ServerSnapshot struct {
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// SyncConflict is a detected divergence between local and server state
// for one item. Constructed during a drain pass and consumed immediately
// by the resolver; never persisted beyond the pass.
type SyncConflict struct {
	ItemID          string
	ItemType        string
	LocalData       json.RawMessage
	ServerData      json.RawMessage
	LocalTimestamp  time.Time
	ServerTimestamp time.Time
}

// ResolutionKind tags the resolver's verdict.
type ResolutionKind string

const (
	ResolutionUseLocal  ResolutionKind = "use_local"
	ResolutionUseServer ResolutionKind = "use_server"
	ResolutionMerge     ResolutionKind = "merge"
)

// ConflictResolution is the resolver's verdict for one conflict.
// ResultingData is the snapshot to persist locally.
type ConflictResolution struct {
	ItemID        string
	Resolution    ResolutionKind
	ResultingData json.RawMessage
}

// LocalWins reports whether the resolution kept the local snapshot, in
// which case the engine re-queues it so the server converges.
func (r ConflictResolution) LocalWins() bool {
	return r.Resolution == ResolutionUseLocal
}

// SyncResult is the outcome of one full drain pass. Created fresh per
// pass, never mutated after construction.
type SyncResult struct {
	Success     bool          `json:"success"`
	ItemsSynced int           `json:"items_synced"`
	ItemsFailed int           `json:"items_failed"`
	Duration    time.Duration `json:"duration"`
	StartedAt   time.Time     `json:"started_at"`
}

// QueueHealth is a snapshot of queue state for diagnostics.
type QueueHealth struct {
	Total     int  `json:"total"`
	Pending   int  `json:"pending"`
	InFlight  int  `json:"in_flight"`
	Failed    int  `json:"failed"`
	IsHealthy bool `json:"is_healthy"`
}

// SyncStatistics combines queue health with worker run-state for
// diagnostics and UI display.
type SyncStatistics struct {
	State               WorkerState `json:"state"`
	IsConnected         bool        `json:"is_connected"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	LastFailureTime     time.Time   `json:"last_failure_time"`
	Queue               QueueHealth `json:"queue"`
}

// ODRequestSnapshot is the on-duty request payload shape produced by the
// mobile client. The sync core treats payloads as opaque; this type
// exists for producer code and the simulator.
type ODRequestSnapshot struct {
	ID             string    `json:"id"`
	RegisterNumber string    `json:"register_number"`
	StudentName    string    `json:"student_name"`
	Date           string    `json:"date"`
	Periods        []int     `json:"periods"`
	Reason         string    `json:"reason"`
	Status         string    `json:"status"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// OD request statuses as defined by the server's domain model.
const (
	ODStatusPending  = "pending"
	ODStatusApproved = "approved"
	ODStatusRejected = "rejected"
)
