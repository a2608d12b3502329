// Package model defines the persistence row types for clockproof.
//
// Two audit surfaces matter for a verifiable clock deployment:
//
//   - Snapshots: periodic records of a node's clock state, keyed by the
//     clock's canonical fingerprint so a later verifier can tie a stored
//     state to an attestation document.
//   - Merge logs: one row per cross-node merge, recording the event
//     counts and fingerprints on both sides of the merge so the causal
//     history can be audited and pruned.
package model

import (
	"encoding/hex"
	"time"

	"github.com/google/uuid"

	"github.com/daviddao/clockproof/pkg/clock"
)

// Snapshot is one persisted clock state for a node.
type Snapshot struct {
	ID int64 `json:"id"`
	// Clock is the full sparse vector at snapshot time.
	Clock clock.Vector `json:"clock"`
	// Fingerprint is the hex form of the clock's canonical SHA-256.
	Fingerprint string `json:"fingerprint"`
	// NodeID identifies the node that held this state.
	NodeID uuid.UUID `json:"node_id"`
	// EventCount is the clock's scalar reduction at snapshot time.
	EventCount uint64    `json:"event_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// NewSnapshot derives the fingerprint and event count from the clock
// itself, so callers cannot record a state under the wrong digest.
func NewSnapshot(nodeID uuid.UUID, v clock.Vector) Snapshot {
	fp := v.Fingerprint()
	return Snapshot{
		Clock:       v,
		Fingerprint: hex.EncodeToString(fp[:]),
		NodeID:      nodeID,
		EventCount:  uint64(v.Reduce()),
		CreatedAt:   time.Now().UTC(),
	}
}

// MergeLog is one audit row for a merge of causal knowledge from one
// node into another: the receiving node's event count and fingerprint
// before and after folding in the sender's clock.
type MergeLog struct {
	ID         int64     `json:"id"`
	FromID     uuid.UUID `json:"from_id"`
	ToID       uuid.UUID `json:"to_id"`
	StartCount uint64    `json:"start_count"`
	EndCount   uint64    `json:"end_count"`
	StartHash  string    `json:"start_hash"`
	EndHash    string    `json:"end_hash"`
	MergedAt   time.Time `json:"merged_at"`
}

// NewMergeLog captures the audit row for merging from's clock into
// to's: before is to's clock ahead of the merge, after the result.
func NewMergeLog(fromID, toID uuid.UUID, before, after clock.Vector) MergeLog {
	startFP := before.Fingerprint()
	endFP := after.Fingerprint()
	return MergeLog{
		FromID:     fromID,
		ToID:       toID,
		StartCount: uint64(before.Reduce()),
		EndCount:   uint64(after.Reduce()),
		StartHash:  hex.EncodeToString(startFP[:]),
		EndHash:    hex.EncodeToString(endFP[:]),
		MergedAt:   time.Now().UTC(),
	}
}
