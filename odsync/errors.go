// Copyright 2025 ODTrack Contributors
// SPDX-License-Identifier: Apache-2.0

package odsync

import (
	"errors"
	"fmt"
)

// ErrSyncInProgress is returned by SyncAll when another drain pass is
// already active. Callers that must not be skipped use ForceSync, which
// waits for the active pass instead.
var ErrSyncInProgress = errors.New("odsync: sync pass already in progress")

// ErrWorkerRunning is returned by Start when the worker is not stopped.
var ErrWorkerRunning = errors.New("odsync: worker already running")

// ValidationError rejects a malformed enqueue request synchronously;
// nothing is queued.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("odsync: invalid %s: %s", e.Field, e.Reason)
}

// StorageError wraps a durable queue store or local cache I/O failure.
// It propagates to the caller of the operation that triggered it; the
// worker loop catches it and reports a syncFailed event instead of
// crashing.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("odsync: storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}

// TransientRemoteError is a network/timeout/server failure from the
// gateway. It drives queue-level retry and worker-level backoff and is
// never surfaced as fatal.
type TransientRemoteError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransientRemoteError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("odsync: transient remote %s: status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("odsync: transient remote %s: %v", e.Op, e.Err)
}

func (e *TransientRemoteError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a transient remote failure that
// should be retried on a later pass.
func IsTransient(err error) bool {
	var te *TransientRemoteError
	return errors.As(err, &te)
}
