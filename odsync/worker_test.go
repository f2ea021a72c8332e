// Copyright 2025 ODTrack Contributors
// SPDX-License-Identifier: Apache-2.0

package odsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTimer fires only when the test tells it to.
type fakeTimer struct {
	mu     sync.Mutex
	ch     chan time.Time
	active bool
	d      time.Duration
}

func (t *fakeTimer) C() <-chan time.Time { return t.ch }

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	was := t.active
	t.active = false
	return was
}

func (t *fakeTimer) Reset(d time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	was := t.active
	t.active = true
	t.d = d
	return was
}

func (t *fakeTimer) fire(now time.Time) {
	t.mu.Lock()
	if !t.active {
		t.mu.Unlock()
		return
	}
	t.active = false
	t.mu.Unlock()
	t.ch <- now
}

func (t *fakeTimer) isActive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) NewTimer(d time.Duration) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{ch: make(chan time.Time, 1), active: true, d: d}
	c.timers = append(c.timers, t)
	return t
}

// periodicTimer is the first timer the worker creates. The control loop
// creates it asynchronously after Start returns, so wait for it to appear.
func (c *fakeClock) periodicTimer() *fakeTimer {
	deadline := time.Now().Add(2 * time.Second)
	for {
		c.mu.Lock()
		if len(c.timers) > 0 {
			t := c.timers[0]
			c.mu.Unlock()
			return t
		}
		c.mu.Unlock()
		if time.Now().After(deadline) {
			panic("timed out waiting for the worker's periodic timer")
		}
		time.Sleep(time.Millisecond)
	}
}

func (c *fakeClock) latestTimer() *fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timers[len(c.timers)-1]
}

// stubRunner scripts pass outcomes for the worker.
type stubRunner struct {
	mu    sync.Mutex
	fn    func(call int) (*SyncResult, error)
	calls int
}

func (s *stubRunner) run() (*SyncResult, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	fn := s.fn
	s.mu.Unlock()
	if fn != nil {
		return fn(call)
	}
	return &SyncResult{Success: true, ItemsSynced: 1}, nil
}

func (s *stubRunner) SyncAll(ctx context.Context) (*SyncResult, error)   { return s.run() }
func (s *stubRunner) ForceSync(ctx context.Context) (*SyncResult, error) { return s.run() }

func (s *stubRunner) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newTestWorker(t *testing.T, runner syncRunner, monitor ConnectivityMonitor) (*Worker, *fakeClock) {
	t.Helper()
	w := NewWorker(runner, monitor, DefaultWorkerConfig(), nil)
	clock := newFakeClock()
	w.clock = clock
	t.Cleanup(w.Stop)
	return w, clock
}

// waitEvent drains the event stream until kind arrives, failing the test
// on timeout. Intervening events are returned too for extra assertions.
func waitEvent(t *testing.T, ch <-chan Event, kind EventKind) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("event stream closed while waiting for %s", kind)
			}
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

func TestRetryDelaySchedule(t *testing.T) {
	w := NewWorker(&stubRunner{}, newFakeMonitor(true), DefaultWorkerConfig(), nil)

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 30 * time.Second},
		{2, 60 * time.Second},
		{3, 120 * time.Second},
		{4, 240 * time.Second},
		{5, 480 * time.Second},
		{10, 1800 * time.Second}, // capped
		{100, 1800 * time.Second},
	}
	for _, tc := range cases {
		if got := w.RetryDelay(tc.attempt); got != tc.want {
			t.Fatalf("delay(%d): expected %v got %v", tc.attempt, tc.want, got)
		}
	}

	// Non-decreasing in the attempt number.
	prev := time.Duration(0)
	for n := 1; n <= 20; n++ {
		d := w.RetryDelay(n)
		if d < prev {
			t.Fatalf("delay(%d)=%v decreased below %v", n, d, prev)
		}
		prev = d
	}
}

func TestWorkerStartAndIdempotentStop(t *testing.T) {
	w, _ := newTestWorker(t, &stubRunner{}, newFakeMonitor(true))
	events, cancel := w.Subscribe()
	defer cancel()

	require.NoError(t, w.Start(context.Background()))
	assert.Equal(t, WorkerRunning, w.State())
	waitEvent(t, events, EventStarted)

	// Starting twice is refused.
	assert.ErrorIs(t, w.Start(context.Background()), ErrWorkerRunning)

	w.Stop()
	assert.Equal(t, WorkerStopped, w.State())
	waitEvent(t, events, EventStopped)

	// Second stop: no error, no duplicate stopped event.
	w.Stop()
	select {
	case ev := <-events:
		t.Fatalf("unexpected event after idempotent stop: %s", ev.Kind)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWorkerStartFailsWhenMonitoringUnavailable(t *testing.T) {
	monitor := newFakeMonitor(true)
	monitor.subErr = errors.New("no connectivity plugin")
	w, _ := newTestWorker(t, &stubRunner{}, monitor)

	err := w.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, WorkerStopped, w.State(), "failed start reverts to stopped")
}

func TestWorkerPeriodicTickRunsPass(t *testing.T) {
	runner := &stubRunner{}
	w, clock := newTestWorker(t, runner, newFakeMonitor(true))
	events, cancel := w.Subscribe()
	defer cancel()

	require.NoError(t, w.Start(context.Background()))
	waitEvent(t, events, EventStarted)

	clock.periodicTimer().fire(clock.Now())
	ev := waitEvent(t, events, EventSyncCompleted)
	require.NotNil(t, ev.Result)
	assert.True(t, ev.Result.Success)
	assert.Equal(t, 1, runner.callCount())
}

func TestWorkerBackoffAndMaxRetries(t *testing.T) {
	runner := &stubRunner{fn: func(int) (*SyncResult, error) {
		return nil, &TransientRemoteError{Op: "apply mutation", StatusCode: 503}
	}}
	w, clock := newTestWorker(t, runner, newFakeMonitor(true))
	events, cancel := w.Subscribe()
	defer cancel()

	require.NoError(t, w.Start(context.Background()))
	waitEvent(t, events, EventStarted)

	// First failure comes from a periodic tick; the following ones from
	// the retry timer itself.
	clock.periodicTimer().fire(clock.Now())

	wantDelays := []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second, 240 * time.Second}
	for i, want := range wantDelays {
		ev := waitEvent(t, events, EventRetryScheduled)
		assert.Equal(t, i+1, ev.Attempt)
		assert.Equal(t, want, ev.Delay)
		assert.Equal(t, WorkerRetrying, w.State())
		clock.latestTimer().fire(clock.Now())
	}

	// Fifth consecutive failure parks the retry loop.
	ev := waitEvent(t, events, EventMaxRetriesReached)
	assert.Equal(t, 5, ev.Attempt)
	assert.Equal(t, WorkerRunning, w.State(), "worker stays running after max retries")
	assert.True(t, clock.periodicTimer().isActive(), "periodic schedule continues")
	assert.False(t, clock.latestTimer().isActive(), "no automatic retry timer remains")

	// The next periodic tick still attempts a pass.
	calls := runner.callCount()
	clock.periodicTimer().fire(clock.Now())
	waitEvent(t, events, EventSyncFailed)
	assert.Equal(t, calls+1, runner.callCount())
}

func TestWorkerSuccessResetsFailureStreak(t *testing.T) {
	runner := &stubRunner{fn: func(call int) (*SyncResult, error) {
		if call == 1 {
			return &SyncResult{Success: false, ItemsFailed: 1}, nil
		}
		return &SyncResult{Success: true, ItemsSynced: 1}, nil
	}}
	w, clock := newTestWorker(t, runner, newFakeMonitor(true))
	events, cancel := w.Subscribe()
	defer cancel()

	require.NoError(t, w.Start(context.Background()))
	waitEvent(t, events, EventStarted)

	clock.periodicTimer().fire(clock.Now())
	waitEvent(t, events, EventRetryScheduled)

	streak, _ := w.FailureStreak()
	assert.Equal(t, 1, streak)

	clock.latestTimer().fire(clock.Now())
	waitEvent(t, events, EventSyncCompleted)

	streak, _ = w.FailureStreak()
	assert.Zero(t, streak)
	assert.Equal(t, WorkerRunning, w.State())
	assert.True(t, clock.periodicTimer().isActive(), "periodic schedule resumes after recovery")
}

func TestWorkerConnectivityTriggersImmediateSync(t *testing.T) {
	runner := &stubRunner{}
	monitor := newFakeMonitor(false)
	w, clock := newTestWorker(t, runner, monitor)
	events, cancel := w.Subscribe()
	defer cancel()

	require.NoError(t, w.Start(context.Background()))
	waitEvent(t, events, EventStarted)
	assert.False(t, w.IsConnected())

	// Offline periodic tick does not reach the engine.
	clock.periodicTimer().fire(clock.Now())
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, runner.callCount())

	// Coming online syncs immediately, without waiting for the interval.
	monitor.setConnected(true)
	ev := waitEvent(t, events, EventConnectivityChanged)
	assert.True(t, ev.Connected)
	waitEvent(t, events, EventSyncCompleted)
	assert.Equal(t, 1, runner.callCount())
}

func TestWorkerOfflineTransitionEmitsEvent(t *testing.T) {
	runner := &stubRunner{}
	monitor := newFakeMonitor(true)
	w, _ := newTestWorker(t, runner, monitor)
	events, cancel := w.Subscribe()
	defer cancel()

	require.NoError(t, w.Start(context.Background()))
	waitEvent(t, events, EventStarted)

	monitor.setConnected(false)
	ev := waitEvent(t, events, EventConnectivityChanged)
	assert.False(t, ev.Connected)
	assert.Zero(t, runner.callCount(), "going offline does not trigger a pass")
}

func TestWorkerForceSyncDuringBackoffCancelsRetry(t *testing.T) {
	runner := &stubRunner{fn: func(call int) (*SyncResult, error) {
		if call == 1 {
			return nil, &TransientRemoteError{Op: "apply mutation", StatusCode: 503}
		}
		return &SyncResult{Success: true, ItemsSynced: 1}, nil
	}}
	w, clock := newTestWorker(t, runner, newFakeMonitor(true))
	events, cancel := w.Subscribe()
	defer cancel()

	require.NoError(t, w.Start(context.Background()))
	waitEvent(t, events, EventStarted)

	// Enter a backoff window via one failed periodic pass.
	clock.periodicTimer().fire(clock.Now())
	waitEvent(t, events, EventRetryScheduled)
	retry := clock.latestTimer()
	require.True(t, retry.isActive())
	require.Equal(t, WorkerRetrying, w.State())

	// A successful manual pass mid-backoff tears the retry down.
	res, err := w.ForceSync(context.Background())
	require.NoError(t, err)
	require.True(t, res.Success)
	waitEvent(t, events, EventSyncCompleted)

	require.Eventually(t, func() bool {
		return w.State() == WorkerRunning && !retry.isActive()
	}, 2*time.Second, 10*time.Millisecond, "retry timer cancelled and state back to running")

	streak, _ := w.FailureStreak()
	assert.Zero(t, streak)
	assert.True(t, clock.periodicTimer().isActive(), "periodic schedule resumes")
}

func TestWorkerContextCancelActsAsStop(t *testing.T) {
	w, _ := newTestWorker(t, &stubRunner{}, newFakeMonitor(true))
	events, cancelSub := w.Subscribe()
	defer cancelSub()

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, w.Start(ctx))
	waitEvent(t, events, EventStarted)

	cancel()
	waitEvent(t, events, EventStopped)
	assert.Equal(t, WorkerStopped, w.State())

	// A later explicit stop is a no-op with no duplicate stopped event.
	w.Stop()
	select {
	case ev := <-events:
		t.Fatalf("unexpected event after stop of cancelled worker: %s", ev.Kind)
	case <-time.After(100 * time.Millisecond):
	}

	// The worker can be started again after a context-driven stop.
	require.NoError(t, w.Start(context.Background()))
	waitEvent(t, events, EventStarted)
}

func TestWorkerForceSyncReportsEvents(t *testing.T) {
	runner := &stubRunner{}
	w, _ := newTestWorker(t, runner, newFakeMonitor(true))
	events, cancel := w.Subscribe()
	defer cancel()

	// ForceSync works even while the worker is stopped.
	res, err := w.ForceSync(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Success)
	waitEvent(t, events, EventSyncStarted)
	waitEvent(t, events, EventSyncCompleted)
}
