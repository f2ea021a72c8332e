// Copyright 2025 ODTrack Contributors
// SPDX-License-Identifier: Apache-2.0

package odsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBusBroadcastsToAllSubscribers(t *testing.T) {
	bus := newEventBus()

	ch1, cancel1 := bus.Subscribe()
	ch2, cancel2 := bus.Subscribe()
	defer cancel1()
	defer cancel2()

	bus.Publish(Event{Kind: EventSyncStarted})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			assert.Equal(t, EventSyncStarted, ev.Kind)
			assert.False(t, ev.Time.IsZero())
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestEventBusPublishNeverBlocks(t *testing.T) {
	bus := newEventBus()
	_, cancel := bus.Subscribe() // never read
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberBuffer*4; i++ {
			bus.Publish(Event{Kind: EventSyncCompleted})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestEventBusDropsOldestWhenFull(t *testing.T) {
	bus := newEventBus()
	ch, cancel := bus.Subscribe()
	defer cancel()

	// Overfill the buffer; the oldest events are shed first.
	total := subscriberBuffer + 10
	for i := 0; i < total; i++ {
		bus.Publish(Event{Kind: EventSyncFailed, Attempt: i + 1})
	}

	var got []int
	for {
		select {
		case ev := <-ch:
			got = append(got, ev.Attempt)
			continue
		default:
		}
		break
	}

	require.Len(t, got, subscriberBuffer)
	assert.Equal(t, total, got[len(got)-1], "newest event survives")
	assert.Greater(t, got[0], 1, "oldest events were dropped")
}

func TestEventBusCancelClosesChannel(t *testing.T) {
	bus := newEventBus()
	ch, cancel := bus.Subscribe()

	cancel()
	_, ok := <-ch
	assert.False(t, ok)

	// Cancelling twice and publishing after cancel are both safe.
	cancel()
	bus.Publish(Event{Kind: EventSyncStarted})
}

func TestEventBusIndependentSubscribers(t *testing.T) {
	bus := newEventBus()
	fast, cancelFast := bus.Subscribe()
	_, cancelSlow := bus.Subscribe() // never reads
	defer cancelFast()
	defer cancelSlow()

	for i := 0; i < subscriberBuffer*2; i++ {
		bus.Publish(Event{Kind: EventRetryScheduled, Attempt: i + 1})
		select {
		case ev := <-fast:
			assert.Equal(t, i+1, ev.Attempt, "fast subscriber sees every event")
		case <-time.After(time.Second):
			t.Fatal("fast subscriber starved by slow one")
		}
	}
}
