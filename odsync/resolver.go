// Copyright 2025 ODTrack Contributors
// SPDX-License-Identifier: Apache-2.0

package odsync

import (
	"encoding/json"
)

// Resolver decides the outcome of a local/server divergence. Resolve
// must be total (never fails for a well-formed conflict) and
// deterministic (same inputs, same verdict).
type Resolver interface {
	Resolve(c SyncConflict) ConflictResolution
}

// statusRank orders OD request statuses along the domain lifecycle for
// the equal-timestamp tie-break. Pending is the earliest state; approved
// and rejected are both terminal and rank equally — when terminal states
// collide, the server snapshot wins as the source of truth.
var statusRank = map[string]int{
	ODStatusPending:  0,
	ODStatusApproved: 1,
	ODStatusRejected: 1,
}

// LastWriteWinsResolver resolves conflicts by timestamp: the newer
// snapshot wins. On an exact timestamp tie it prefers the status further
// along the domain lifecycle.
type LastWriteWinsResolver struct{}

// Resolve implements Resolver.
func (LastWriteWinsResolver) Resolve(c SyncConflict) ConflictResolution {
	switch {
	case c.ServerTimestamp.After(c.LocalTimestamp):
		return ConflictResolution{
			ItemID:        c.ItemID,
			Resolution:    ResolutionUseServer,
			ResultingData: c.ServerData,
		}
	case c.LocalTimestamp.After(c.ServerTimestamp):
		return ConflictResolution{
			ItemID:        c.ItemID,
			Resolution:    ResolutionUseLocal,
			ResultingData: c.LocalData,
		}
	}

	// Equal timestamps: deterministic merge-like tie-break on status
	// lifecycle position.
	localRank := rankOf(c.LocalData)
	serverRank := rankOf(c.ServerData)
	if localRank > serverRank {
		return ConflictResolution{
			ItemID:        c.ItemID,
			Resolution:    ResolutionMerge,
			ResultingData: c.LocalData,
		}
	}
	if serverRank > localRank {
		return ConflictResolution{
			ItemID:        c.ItemID,
			Resolution:    ResolutionMerge,
			ResultingData: c.ServerData,
		}
	}
	// Same rank (or no usable status): the server is the source of truth.
	return ConflictResolution{
		ItemID:        c.ItemID,
		Resolution:    ResolutionUseServer,
		ResultingData: c.ServerData,
	}
}

// rankOf extracts the lifecycle rank of a snapshot's status field.
// Unparsable payloads or unknown statuses rank lowest so the resolver
// stays total.
func rankOf(payload json.RawMessage) int {
	var probe struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return -1
	}
	rank, ok := statusRank[probe.Status]
	if !ok {
		return -1
	}
	return rank
}

// ResolveAll resolves a batch of conflicts, preserving input order.
func ResolveAll(r Resolver, conflicts []SyncConflict) []ConflictResolution {
	resolutions := make([]ConflictResolution, 0, len(conflicts))
	for _, c := range conflicts {
		resolutions = append(resolutions, r.Resolve(c))
	}
	return resolutions
}
