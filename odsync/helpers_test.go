// Copyright 2025 ODTrack Contributors
// SPDX-License-Identifier: Apache-2.0

package odsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *sql.DB {
	t.Helper()
	db, err := OpenStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestQueue(t *testing.T) *QueueManager {
	t.Helper()
	return NewQueueManager(openTestStore(t), 3, 2, nil)
}

func odPayload(id, status string, updatedAt time.Time) json.RawMessage {
	snap := ODRequestSnapshot{
		ID:             id,
		RegisterNumber: "21BCE1042",
		StudentName:    "Test Student",
		Date:           "2025-03-14",
		Periods:        []int{1, 2, 3},
		Reason:         "Department symposium",
		Status:         status,
		UpdatedAt:      updatedAt,
	}
	data, err := json.Marshal(snap)
	if err != nil {
		panic(err)
	}
	return data
}

func mustEnqueue(t *testing.T, q *QueueManager, itemID string, op Operation, priority int) string {
	t.Helper()
	queueID, err := q.Enqueue(context.Background(), Mutation{
		ItemID:    itemID,
		ItemType:  "od_request",
		Operation: op,
		Payload:   odPayload(itemID, ODStatusPending, time.Now()),
		Priority:  priority,
	})
	require.NoError(t, err)
	return queueID
}

// fakeGateway scripts per-item outcomes for engine tests.
type fakeGateway struct {
	apply func(itemID string, op Operation, payload json.RawMessage) (*MutationResult, error)
	calls []string
}

func (g *fakeGateway) ApplyMutation(ctx context.Context, itemType string, op Operation, itemID string, payload json.RawMessage) (*MutationResult, error) {
	g.calls = append(g.calls, fmt.Sprintf("%s:%s", op, itemID))
	if g.apply != nil {
		return g.apply(itemID, op, payload)
	}
	return &MutationResult{Applied: true, ServerTimestamp: time.Now()}, nil
}

// fakeMonitor feeds scripted connectivity transitions to the worker.
type fakeMonitor struct {
	connected bool
	ch        chan bool
	subErr    error
}

func newFakeMonitor(connected bool) *fakeMonitor {
	return &fakeMonitor{connected: connected, ch: make(chan bool, 8)}
}

func (m *fakeMonitor) Check(ctx context.Context) bool { return m.connected }

func (m *fakeMonitor) Subscribe(ctx context.Context) (<-chan bool, func(), error) {
	if m.subErr != nil {
		return nil, nil, m.subErr
	}
	return m.ch, func() {}, nil
}

func (m *fakeMonitor) setConnected(connected bool) {
	m.connected = connected
	m.ch <- connected
}
