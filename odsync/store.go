// Copyright 2025 ODTrack Contributors
// SPDX-License-Identifier: Apache-2.0

package odsync

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// OpenStore opens (or creates) the durable sync database at path and
// initializes the sync metadata tables. Use ":memory:" for tests.
func OpenStore(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, storageErr("open", err)
	}
	// SQLite allows one writer; keep a single connection so the queue
	// manager and cache never contend on the driver level.
	db.SetMaxOpenConns(1)
	if err := initializeStore(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// initializeStore creates sync metadata tables and recovers state left
// behind by a crashed process.
func initializeStore(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return storageErr("enable WAL", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		return storageErr("set busy timeout", err)
	}

	tables := []string{
		// Pending mutation queue. The queue manager keeps at most one
		// live (pending/in_flight) row per item_id.
		`CREATE TABLE IF NOT EXISTS _odsync_queue (
			queue_id      TEXT NOT NULL PRIMARY KEY,
			item_id       TEXT NOT NULL,
			item_type     TEXT NOT NULL,
			op            TEXT NOT NULL CHECK (op IN ('create','update','delete')),
			payload       TEXT NOT NULL,
			priority      INTEGER NOT NULL DEFAULT 0,
			status        TEXT NOT NULL CHECK (status IN ('pending','in_flight','failed')),
			attempt_count INTEGER NOT NULL DEFAULT 0,
			last_error    TEXT NOT NULL DEFAULT '',
			enqueued_at   TEXT NOT NULL,
			updated_at    TEXT NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS _odsync_queue_drain
			ON _odsync_queue (status, priority DESC, enqueued_at ASC)`,

		// Local cache of last-known server-confirmed snapshots, read by
		// UI-facing feature code.
		`CREATE TABLE IF NOT EXISTS _odsync_cache (
			item_type        TEXT NOT NULL,
			item_id          TEXT NOT NULL,
			payload          TEXT NOT NULL,
			server_timestamp TEXT NOT NULL,
			synced_at        TEXT NOT NULL,
			PRIMARY KEY (item_type, item_id)
		)`,

		// Device identity (one row per signed-in user).
		`CREATE TABLE IF NOT EXISTS _odsync_client_info (
			user_id    TEXT NOT NULL PRIMARY KEY,
			source_id  TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
	}

	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			return storageErr("create sync table", err)
		}
	}

	return nil
}

// EnsureSourceID generates and persists a device source ID if one is not
// already present for the user.
func EnsureSourceID(db *sql.DB, userID string) (string, error) {
	var sourceID string
	err := db.QueryRow(`SELECT source_id FROM _odsync_client_info WHERE user_id = ?`, userID).Scan(&sourceID)
	if errors.Is(err, sql.ErrNoRows) {
		sourceID = uuid.New().String()
		_, err = db.Exec(`
			INSERT INTO _odsync_client_info (user_id, source_id, created_at)
			VALUES (?, ?, ?)
		`, userID, sourceID, formatTime(time.Now()))
		if err != nil {
			return "", storageErr("insert client info", err)
		}
	} else if err != nil {
		return "", storageErr("query client info", err)
	}
	return sourceID, nil
}

// Timestamps are stored fixed-width in UTC so lexicographic ORDER BY
// matches chronological order (RFC3339Nano trims trailing zeros, which
// would break that).
const storedTimeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(storedTimeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse stored timestamp %q: %w", s, err)
	}
	return t, nil
}
