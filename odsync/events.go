// Copyright 2025 ODTrack Contributors
// SPDX-License-Identifier: Apache-2.0

package odsync

import (
	"sync"
	"time"
)

// EventKind identifies a background sync event.
type EventKind string

const (
	EventStarted             EventKind = "started"
	EventStopped             EventKind = "stopped"
	EventConnectivityChanged EventKind = "connectivityChanged"
	EventSyncStarted         EventKind = "syncStarted"
	EventSyncCompleted       EventKind = "syncCompleted"
	EventSyncFailed          EventKind = "syncFailed"
	EventRetryScheduled      EventKind = "retryScheduled"
	EventMaxRetriesReached   EventKind = "maxRetriesReached"
	EventError               EventKind = "error"
)

// Event is an informational notification from the background worker.
// Fields beyond Kind and Time are populated per kind: Result for
// completed passes, Err for failures, Attempt/Delay for scheduled
// retries, Connected for connectivity transitions.
type Event struct {
	Kind      EventKind     `json:"kind"`
	Time      time.Time     `json:"time"`
	Connected bool          `json:"connected,omitempty"`
	Attempt   int           `json:"attempt,omitempty"`
	Delay     time.Duration `json:"delay,omitempty"`
	Result    *SyncResult   `json:"result,omitempty"`
	Err       string        `json:"error,omitempty"`
}

// subscriberBuffer is the per-subscriber channel capacity. When a
// subscriber falls behind, the oldest buffered event is dropped so the
// publisher never blocks.
const subscriberBuffer = 32

type eventBus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

func newEventBus() *eventBus {
	return &eventBus{subs: make(map[int]chan Event)}
}

// Subscribe registers an independent observer. The cancel function
// removes the subscription and closes the channel.
func (b *eventBus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan Event, subscriberBuffer)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// Publish delivers ev to every subscriber without ever blocking. A full
// subscriber buffer sheds its oldest event first.
func (b *eventBus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- ev:
			continue
		default:
		}
		// Buffer full: drop the oldest, then retry once. If a concurrent
		// reader raced us the second send may still fail; the event is
		// informational, dropping it is acceptable.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- ev:
		default:
		}
	}
}

func (b *eventBus) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
