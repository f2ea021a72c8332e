// Copyright 2025 ODTrack Contributors
// SPDX-License-Identifier: Apache-2.0

package odsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// MutationResult is the gateway's report for one applied mutation.
// Conflict is non-nil when the server rejected the mutation because its
// current state diverged from the client's.
type MutationResult struct {
	Applied         bool
	ServerTimestamp time.Time
	Conflict        *ServerSnapshot
}

// Gateway is the remote counterpart the engine applies mutations
// against. Implementations must not retry internally; retry across
// passes is the queue's job.
type Gateway interface {
	ApplyMutation(ctx context.Context, itemType string, op Operation, itemID string, payload json.RawMessage) (*MutationResult, error)
}

// mutationRequest is the wire format for a single mutation apply.
type mutationRequest struct {
	ItemID   string          `json:"item_id"`
	ItemType string          `json:"item_type"`
	Op       Operation       `json:"op"`
	Payload  json.RawMessage `json:"payload"`
}

// mutationResponse is returned on success (200) and on conflict (409,
// with Conflict set to the server's current snapshot).
type mutationResponse struct {
	ServerTimestamp time.Time       `json:"server_timestamp"`
	Conflict        *ServerSnapshot `json:"conflict,omitempty"`
}

// HTTPGateway applies mutations against the ODTrack server over a
// REST-like endpoint with bearer-token auth.
type HTTPGateway struct {
	BaseURL string
	Token   func(context.Context) (string, error)
	HTTP    *http.Client
	logger  *slog.Logger
}

// NewHTTPGateway creates a gateway for the given base URL. tok supplies
// the bearer token per request (e.g. a cached device JWT).
func NewHTTPGateway(baseURL string, tok func(context.Context) (string, error), timeout time.Duration, logger *slog.Logger) *HTTPGateway {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPGateway{
		BaseURL: baseURL,
		Token:   tok,
		HTTP:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// ApplyMutation performs a single apply call. Network errors, timeouts,
// 408/429 and 5xx responses surface as TransientRemoteError; a 409
// surfaces as a conflict outcome, not an error.
func (g *HTTPGateway) ApplyMutation(ctx context.Context, itemType string, op Operation, itemID string, payload json.RawMessage) (*MutationResult, error) {
	body, err := json.Marshal(&mutationRequest{
		ItemID:   itemID,
		ItemType: itemType,
		Op:       op,
		Payload:  payload,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal mutation request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.BaseURL+"/api/v1/sync/mutations", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	if g.Token != nil {
		token, err := g.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get auth token: %w", err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := g.HTTP.Do(httpReq)
	if err != nil {
		return nil, &TransientRemoteError{Op: "apply mutation", Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var mr mutationResponse
		if err := json.NewDecoder(resp.Body).Decode(&mr); err != nil {
			return nil, fmt.Errorf("failed to decode mutation response: %w", err)
		}
		return &MutationResult{Applied: true, ServerTimestamp: mr.ServerTimestamp}, nil

	case resp.StatusCode == http.StatusConflict:
		var mr mutationResponse
		if err := json.NewDecoder(resp.Body).Decode(&mr); err != nil {
			return nil, fmt.Errorf("failed to decode conflict response: %w", err)
		}
		if mr.Conflict == nil {
			return nil, fmt.Errorf("conflict response missing server snapshot for %s.%s", itemType, itemID)
		}
		g.logger.Debug("server reported conflict", "item_type", itemType, "item_id", itemID,
			"server_timestamp", mr.Conflict.Timestamp)
		return &MutationResult{ServerTimestamp: mr.ServerTimestamp, Conflict: mr.Conflict}, nil

	case isTransientStatus(resp.StatusCode):
		io.Copy(io.Discard, resp.Body)
		return nil, &TransientRemoteError{Op: "apply mutation", StatusCode: resp.StatusCode}

	default:
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("server rejected mutation with status %d: %s", resp.StatusCode, string(body))
	}
}

func isTransientStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return code >= 500
}
