// Copyright 2025 ODTrack Contributors
// SPDX-License-Identifier: Apache-2.0

package odsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"
)

// WorkerState is the background worker's lifecycle state.
type WorkerState string

const (
	WorkerStopped  WorkerState = "stopped"
	WorkerStarting WorkerState = "starting"
	WorkerRunning  WorkerState = "running"
	WorkerRetrying WorkerState = "retrying"
)

// WorkerConfig holds the worker's scheduling knobs.
type WorkerConfig struct {
	// Interval between periodic sync passes.
	Interval time.Duration
	// RetryBaseDelay is the backoff delay after the first failure.
	RetryBaseDelay time.Duration
	// RetryMaxDelay caps the backoff delay.
	RetryMaxDelay time.Duration
	// RetryMultiplier grows the delay per consecutive failure.
	RetryMultiplier float64
	// MaxConsecutiveFailures parks the tight retry loop; the periodic
	// timer keeps firing.
	MaxConsecutiveFailures int
}

// DefaultWorkerConfig matches the mobile client's production settings:
// 5 minute periodic interval, 30s..30m exponential backoff, doubling,
// five consecutive failures before the retry loop parks.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Interval:               5 * time.Minute,
		RetryBaseDelay:         30 * time.Second,
		RetryMaxDelay:          30 * time.Minute,
		RetryMultiplier:        2.0,
		MaxConsecutiveFailures: 5,
	}
}

// syncRunner is the slice of the engine the worker drives.
type syncRunner interface {
	SyncAll(ctx context.Context) (*SyncResult, error)
	ForceSync(ctx context.Context) (*SyncResult, error)
}

// Worker schedules sync passes in the background: a periodic timer and
// connectivity transitions feed one serialized control loop, with
// exponential backoff across consecutive failures. All outcomes are
// reported on a broadcast event stream; subscribers can never block the
// worker.
type Worker struct {
	engine  syncRunner
	monitor ConnectivityMonitor
	bus     *eventBus
	clock   Clock
	logger  *slog.Logger
	cfg     WorkerConfig

	mu                  sync.Mutex
	state               WorkerState
	connected           bool
	consecutiveFailures int
	lastFailureTime     time.Time
	cancel              context.CancelFunc
	done                chan struct{}
	unsub               func()
	forceOK             chan struct{}
}

// NewWorker creates a stopped worker.
func NewWorker(engine syncRunner, monitor ConnectivityMonitor, cfg WorkerConfig, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 30 * time.Second
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 30 * time.Minute
	}
	if cfg.RetryMultiplier <= 1 {
		cfg.RetryMultiplier = 2.0
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = 5
	}
	return &Worker{
		engine:  engine,
		monitor: monitor,
		bus:     newEventBus(),
		clock:   realClock{},
		logger:  logger,
		cfg:     cfg,
		state:   WorkerStopped,
	}
}

// Subscribe registers an observer on the worker's event stream.
func (w *Worker) Subscribe() (<-chan Event, func()) {
	return w.bus.Subscribe()
}

// State returns the worker's current lifecycle state.
func (w *Worker) State() WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// IsConnected returns the last observed connectivity state.
func (w *Worker) IsConnected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.connected
}

// FailureStreak returns the consecutive failure count and the time of
// the most recent failure.
func (w *Worker) FailureStreak() (int, time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.consecutiveFailures, w.lastFailureTime
}

// RetryDelay returns the backoff delay before retry number attempt:
// base * multiplier^(attempt-1), capped at the configured maximum.
// Non-decreasing in attempt.
func (w *Worker) RetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(w.cfg.RetryBaseDelay) * math.Pow(w.cfg.RetryMultiplier, float64(attempt-1))
	if d < 0 || d > float64(w.cfg.RetryMaxDelay) {
		return w.cfg.RetryMaxDelay
	}
	return time.Duration(d)
}

// Start transitions Stopped to Running: it establishes connectivity
// monitoring and launches the control loop. If the connectivity
// subscription cannot be established the worker reverts to Stopped and
// the error propagates to the caller. Cancelling ctx stops the worker
// the same way Stop does, including the stopped event.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.state != WorkerStopped {
		w.mu.Unlock()
		return ErrWorkerRunning
	}
	w.state = WorkerStarting
	w.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	events, unsub, err := w.monitor.Subscribe(runCtx)
	if err != nil {
		cancel()
		w.mu.Lock()
		w.state = WorkerStopped
		w.mu.Unlock()
		return fmt.Errorf("failed to establish connectivity monitoring: %w", err)
	}

	connected := w.monitor.Check(runCtx)
	done := make(chan struct{})
	forceOK := make(chan struct{}, 1)

	w.mu.Lock()
	w.state = WorkerRunning
	w.connected = connected
	w.consecutiveFailures = 0
	w.cancel = cancel
	w.done = done
	w.unsub = unsub
	w.forceOK = forceOK
	w.mu.Unlock()

	go w.run(runCtx, events, forceOK, done)

	w.logger.Info("background sync worker started", "connected", connected, "interval", w.cfg.Interval)
	w.bus.Publish(Event{Kind: EventStarted, Connected: connected})
	return nil
}

// Stop cancels the periodic and retry timers and the connectivity
// subscription, then waits for the control loop to exit. No sync attempt
// is scheduled after Stop returns; a pass already in flight completes
// against the cancelled context and its result is discarded. Stopping an
// already stopped worker is a no-op.
func (w *Worker) Stop() {
	w.mu.Lock()
	if w.state == WorkerStopped {
		w.mu.Unlock()
		return
	}
	w.state = WorkerStopped
	cancel, done, unsub := w.cancel, w.done, w.unsub
	w.cancel, w.done, w.unsub, w.forceOK = nil, nil, nil, nil
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	if unsub != nil {
		unsub()
	}

	w.logger.Info("background sync worker stopped")
	w.bus.Publish(Event{Kind: EventStopped})
}

// ForceSync runs a pass immediately, ignoring connectivity and running
// gates, and reports through the same event stream. A success resets the
// failure streak and, when the worker is mid-backoff, signals the
// control loop to cancel the armed retry timer and resume the periodic
// schedule.
func (w *Worker) ForceSync(ctx context.Context) (*SyncResult, error) {
	w.bus.Publish(Event{Kind: EventSyncStarted})
	res, err := w.engine.ForceSync(ctx)
	if err == nil && res.Success {
		w.mu.Lock()
		w.consecutiveFailures = 0
		forceOK := w.forceOK
		w.mu.Unlock()
		// Notify the control loop (if running) so pending backoff state is
		// torn down. Buffered; a signal already queued carries the same
		// meaning, so dropping the second one is fine.
		select {
		case forceOK <- struct{}{}:
		default:
		}
		w.bus.Publish(Event{Kind: EventSyncCompleted, Result: res})
		return res, nil
	}

	ev := Event{Kind: EventSyncFailed, Result: res}
	if err != nil {
		ev.Err = err.Error()
	} else {
		ev.Err = "pass completed with residual failures"
	}
	w.bus.Publish(ev)
	return res, err
}

// run is the serialized control loop. The periodic timer, the retry
// timer and the connectivity stream all funnel into this single
// goroutine, so passes never race each other at the scheduling level.
func (w *Worker) run(ctx context.Context, events <-chan bool, forceOK <-chan struct{}, done chan struct{}) {
	defer close(done)

	periodic := w.clock.NewTimer(w.cfg.Interval)
	defer periodic.Stop()

	var retryTimer Timer
	var retryC <-chan time.Time
	defer func() {
		if retryTimer != nil {
			retryTimer.Stop()
		}
	}()

	stopRetry := func() {
		if retryTimer != nil {
			retryTimer.Stop()
			retryTimer = nil
			retryC = nil
		}
	}

	// The periodic and retry timers are mutually exclusive: scheduling a
	// retry suspends the periodic schedule until the streak resolves.
	scheduleRetry := func(d time.Duration) {
		periodic.Stop()
		if retryTimer == nil {
			retryTimer = w.clock.NewTimer(d)
			retryC = retryTimer.C()
		} else {
			retryTimer.Reset(d)
		}
	}

	runPass := func() {
		if !w.IsConnected() {
			w.logger.Debug("skipping sync pass while offline")
			return
		}

		w.bus.Publish(Event{Kind: EventSyncStarted})
		res, err := w.engine.SyncAll(ctx)
		if ctx.Err() != nil {
			// Stopped while the pass was in flight; discard the outcome.
			return
		}
		if errors.Is(err, ErrSyncInProgress) {
			w.logger.Debug("pass skipped: another pass already active")
			return
		}

		if err == nil && res.Success {
			w.mu.Lock()
			w.consecutiveFailures = 0
			w.state = WorkerRunning
			w.mu.Unlock()
			stopRetry()
			periodic.Reset(w.cfg.Interval)
			w.bus.Publish(Event{Kind: EventSyncCompleted, Result: res})
			return
		}

		w.mu.Lock()
		w.consecutiveFailures++
		streak := w.consecutiveFailures
		w.lastFailureTime = w.clock.Now()
		w.mu.Unlock()

		ev := Event{Kind: EventSyncFailed, Attempt: streak, Result: res}
		if err != nil {
			ev.Err = err.Error()
		} else {
			ev.Err = "pass completed with residual failures"
		}
		w.bus.Publish(ev)

		if streak >= w.cfg.MaxConsecutiveFailures {
			// Park the tight retry loop. The periodic timer keeps firing
			// and a success on any later pass resets the streak.
			w.mu.Lock()
			w.state = WorkerRunning
			w.mu.Unlock()
			stopRetry()
			periodic.Reset(w.cfg.Interval)
			w.logger.Warn("max consecutive sync failures reached; retry loop parked", "failures", streak)
			w.bus.Publish(Event{Kind: EventMaxRetriesReached, Attempt: streak})
			return
		}

		delay := w.RetryDelay(streak)
		w.mu.Lock()
		w.state = WorkerRetrying
		w.mu.Unlock()
		scheduleRetry(delay)
		w.logger.Info("sync retry scheduled", "attempt", streak, "delay", delay)
		w.bus.Publish(Event{Kind: EventRetryScheduled, Attempt: streak, Delay: delay})
	}

	for {
		select {
		case <-ctx.Done():
			// Stop() cancels after flipping the state; a cancellation that
			// arrives with the state still running came from the caller's
			// context, so treat it as an implicit stop.
			w.mu.Lock()
			externalCancel := w.state != WorkerStopped
			unsub := w.unsub
			if externalCancel {
				w.state = WorkerStopped
				w.cancel, w.done, w.unsub, w.forceOK = nil, nil, nil, nil
			}
			w.mu.Unlock()
			if externalCancel {
				if unsub != nil {
					unsub()
				}
				w.logger.Info("background sync worker stopped by context cancellation")
				w.bus.Publish(Event{Kind: EventStopped})
			}
			return

		case <-forceOK:
			// A manual pass succeeded elsewhere; drop any pending backoff
			// and resume the periodic schedule.
			stopRetry()
			w.mu.Lock()
			w.state = WorkerRunning
			w.mu.Unlock()
			periodic.Reset(w.cfg.Interval)

		case connected, ok := <-events:
			if !ok {
				// Monitor stream ended underneath us; the periodic timer
				// still drives passes.
				events = nil
				w.bus.Publish(Event{Kind: EventError, Err: "connectivity stream closed"})
				continue
			}
			w.mu.Lock()
			was := w.connected
			w.connected = connected
			w.mu.Unlock()
			w.bus.Publish(Event{Kind: EventConnectivityChanged, Connected: connected})
			if connected && !was {
				// Back online: drop any pending backoff and sync now.
				stopRetry()
				w.mu.Lock()
				w.state = WorkerRunning
				w.mu.Unlock()
				runPass()
			}

		case <-periodic.C():
			periodic.Reset(w.cfg.Interval)
			runPass()

		case <-retryC:
			retryTimer = nil
			retryC = nil
			runPass()
		}
	}
}
