// Copyright 2025 ODTrack Contributors
// SPDX-License-Identifier: Apache-2.0

package odsync

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// ConnectivityMonitor reports whether the remote collaborator is
// reachable. Check is a one-shot probe; Subscribe delivers
// edge-triggered connectivity transitions until the returned cancel
// function is called.
type ConnectivityMonitor interface {
	Check(ctx context.Context) bool
	Subscribe(ctx context.Context) (<-chan bool, func(), error)
}

// ProbeMonitor polls an HTTP health endpoint on a fixed interval and
// emits a value on each connected/disconnected transition.
type ProbeMonitor struct {
	URL      string
	Interval time.Duration
	HTTP     *http.Client
	logger   *slog.Logger
}

// NewProbeMonitor creates a monitor probing url (typically the server's
// /healthz) every interval.
func NewProbeMonitor(url string, interval time.Duration, logger *slog.Logger) *ProbeMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &ProbeMonitor{
		URL:      url,
		Interval: interval,
		HTTP:     &http.Client{Timeout: 5 * time.Second},
		logger:   logger,
	}
}

// Check performs a single reachability probe.
func (m *ProbeMonitor) Check(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.URL, nil)
	if err != nil {
		return false
	}
	resp, err := m.HTTP.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 500
}

// Subscribe starts the poll loop. The channel carries the new state on
// every transition and closes after cancel (or ctx) stops the loop.
func (m *ProbeMonitor) Subscribe(ctx context.Context) (<-chan bool, func(), error) {
	loopCtx, cancel := context.WithCancel(ctx)
	ch := make(chan bool, 1)

	go func() {
		defer close(ch)

		last := m.Check(loopCtx)
		ticker := time.NewTicker(m.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
			}

			connected := m.Check(loopCtx)
			if connected == last {
				continue
			}
			last = connected
			m.logger.Debug("connectivity transition", "connected", connected)
			select {
			case ch <- connected:
			case <-loopCtx.Done():
				return
			}
		}
	}()

	return ch, cancel, nil
}
