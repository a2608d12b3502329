// iface.go defines the StoreInterface for dependency injection and testing.
//
// The concrete *Store type satisfies this interface. Code that depends on
// the store (e.g., the cmd layer, audit tooling) can accept
// StoreInterface instead of *Store, enabling mock injection in tests.
package store

import (
	"github.com/google/uuid"

	"github.com/daviddao/clockproof/pkg/model"
)

// StoreInterface defines the full set of store operations.
// The concrete *Store type implements this interface.
type StoreInterface interface {
	// Close closes the database connection.
	Close() error

	// --- Snapshots ---

	// InsertSnapshot appends a clock snapshot; content-addressed by
	// fingerprint, so re-inserting an existing state is a no-op.
	InsertSnapshot(snap model.Snapshot) (int64, error)

	// LatestSnapshot returns the newest snapshot for a node.
	LatestSnapshot(nodeID uuid.UUID) (*model.Snapshot, error)

	// GetSnapshotByHash looks a snapshot up by fingerprint.
	GetSnapshotByHash(hash string) (*model.Snapshot, error)

	// ListSnapshots returns snapshots newest-first; uuid.Nil means all
	// nodes.
	ListSnapshots(nodeID uuid.UUID, limit int) ([]model.Snapshot, error)

	// CountSnapshots returns the total number of stored snapshots.
	CountSnapshots() int64

	// --- Merge logs ---

	// InsertMergeLog appends a merge-audit row.
	InsertMergeLog(m model.MergeLog) (int64, error)

	// ListMergeLogs returns merge rows newest-first; uuid.Nil means all
	// destination nodes.
	ListMergeLogs(toID uuid.UUID, limit int) ([]model.MergeLog, error)
}

// Compile-time check that *Store implements StoreInterface.
var _ StoreInterface = (*Store)(nil)
