// Copyright 2025 ODTrack Contributors
// SPDX-License-Identifier: Apache-2.0

package odsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"
)

// Cache stores the last server-confirmed snapshot per item. The sync
// engine is the single writer; UI-facing code reads snapshots and
// tolerates eventual consistency.
type Cache struct {
	db      *sql.DB
	writeMu sync.Mutex
}

// NewCache creates a cache over an initialized store.
func NewCache(db *sql.DB) *Cache {
	return &Cache{db: db}
}

// PutSnapshot upserts the resolved snapshot for an item.
func (c *Cache) PutSnapshot(ctx context.Context, itemType, itemID string, payload json.RawMessage, serverTS time.Time) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_, err := c.db.ExecContext(ctx, `
		INSERT INTO _odsync_cache (item_type, item_id, payload, server_timestamp, synced_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(item_type, item_id) DO UPDATE SET
			payload = excluded.payload,
			server_timestamp = excluded.server_timestamp,
			synced_at = excluded.synced_at
	`, itemType, itemID, string(payload), formatTime(serverTS), formatTime(time.Now()))
	if err != nil {
		return storageErr("put cache snapshot", err)
	}
	return nil
}

// GetSnapshot returns the cached snapshot and its server timestamp, or
// (nil, zero, nil) when the item is not cached.
func (c *Cache) GetSnapshot(ctx context.Context, itemType, itemID string) (json.RawMessage, time.Time, error) {
	var payload, serverTS string
	err := c.db.QueryRowContext(ctx, `
		SELECT payload, server_timestamp FROM _odsync_cache
		WHERE item_type = ? AND item_id = ?
	`, itemType, itemID).Scan(&payload, &serverTS)
	if err == sql.ErrNoRows {
		return nil, time.Time{}, nil
	}
	if err != nil {
		return nil, time.Time{}, storageErr("get cache snapshot", err)
	}
	ts, err := parseTime(serverTS)
	if err != nil {
		return nil, time.Time{}, storageErr("parse server timestamp", err)
	}
	return json.RawMessage(payload), ts, nil
}

// DeleteSnapshot removes the cached snapshot for an item. Missing rows
// are a no-op.
func (c *Cache) DeleteSnapshot(ctx context.Context, itemType, itemID string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := c.db.ExecContext(ctx, `
		DELETE FROM _odsync_cache WHERE item_type = ? AND item_id = ?
	`, itemType, itemID); err != nil {
		return storageErr("delete cache snapshot", err)
	}
	return nil
}
