// Package store persists clock snapshots and merge-audit rows in SQLite.
//
// The store is an external collaborator of the clock core: it records
// enough of each state transition — fingerprints, event counts, node
// identities — that an auditor can later reconstruct and spot-check the
// causal history a node claims, without the store itself being part of
// the trust computation. WAL mode keeps concurrent writers from the
// portal and gossip paths from blocking each other.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/daviddao/clockproof/pkg/clock"
	"github.com/daviddao/clockproof/pkg/model"

	_ "modernc.org/sqlite"
)

// Store manages all SQLite operations with WAL mode for concurrent access.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the SQLite database and initializes the schema.
func New(path string) (*Store, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

// retryOnContention wraps retryOp from retry.go with the default config.
// All store write operations should use this to handle transient SQLite
// errors (BUSY, LOCKED, IOERR_SHORT_READ) under concurrent access.
func retryOnContention(fn func() error) error {
	return retryOp(defaultRetryConfig, fn)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS snapshots (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		clock       TEXT NOT NULL,
		clock_hash  TEXT NOT NULL UNIQUE,
		node_id     TEXT NOT NULL,
		event_count INTEGER NOT NULL,
		created_at  TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_snapshots_node ON snapshots(node_id, id);

	CREATE TABLE IF NOT EXISTS merge_logs (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		from_id     TEXT NOT NULL,
		to_id       TEXT NOT NULL,
		start_count INTEGER NOT NULL,
		end_count   INTEGER NOT NULL,
		start_hash  TEXT NOT NULL,
		end_hash    TEXT NOT NULL,
		merged_at   TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_merge_logs_to ON merge_logs(to_id, id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// ---------------------------------------------------------------------------
// Snapshots
// ---------------------------------------------------------------------------

// InsertSnapshot appends a clock snapshot. Re-recording a state that is
// already present (same fingerprint) is a no-op and returns the existing
// row's ID: snapshots are content-addressed by clock_hash.
func (s *Store) InsertSnapshot(snap model.Snapshot) (int64, error) {
	clockJSON, err := json.Marshal(snap.Clock)
	if err != nil {
		return 0, fmt.Errorf("encode clock: %w", err)
	}
	var id int64
	err = retryOnContention(func() error {
		res, err := s.db.Exec(
			`INSERT INTO snapshots (clock, clock_hash, node_id, event_count, created_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(clock_hash) DO NOTHING`,
			string(clockJSON), snap.Fingerprint, snap.NodeID.String(),
			snap.EventCount, snap.CreatedAt.Format(time.RFC3339Nano),
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			id, err = res.LastInsertId()
			return err
		}
		return s.db.QueryRow(
			`SELECT id FROM snapshots WHERE clock_hash = ?`, snap.Fingerprint,
		).Scan(&id)
	})
	return id, err
}

// LatestSnapshot returns the most recent snapshot for a node, or
// sql.ErrNoRows if the node has never recorded one.
func (s *Store) LatestSnapshot(nodeID uuid.UUID) (*model.Snapshot, error) {
	row := s.db.QueryRow(
		`SELECT id, clock, clock_hash, node_id, event_count, created_at
		 FROM snapshots WHERE node_id = ? ORDER BY id DESC LIMIT 1`,
		nodeID.String(),
	)
	return scanSnapshotRow(row)
}

// GetSnapshotByHash looks a snapshot up by its fingerprint.
func (s *Store) GetSnapshotByHash(hash string) (*model.Snapshot, error) {
	row := s.db.QueryRow(
		`SELECT id, clock, clock_hash, node_id, event_count, created_at
		 FROM snapshots WHERE clock_hash = ?`, hash,
	)
	return scanSnapshotRow(row)
}

// ListSnapshots returns up to limit snapshots for a node, newest first.
// The zero UUID lists snapshots for every node.
func (s *Store) ListSnapshots(nodeID uuid.UUID, limit int) ([]model.Snapshot, error) {
	if limit <= 0 {
		limit = 100
	}
	var (
		rows *sql.Rows
		err  error
	)
	if nodeID == uuid.Nil {
		rows, err = s.db.Query(
			`SELECT id, clock, clock_hash, node_id, event_count, created_at
			 FROM snapshots ORDER BY id DESC LIMIT ?`, limit,
		)
	} else {
		rows, err = s.db.Query(
			`SELECT id, clock, clock_hash, node_id, event_count, created_at
			 FROM snapshots WHERE node_id = ? ORDER BY id DESC LIMIT ?`,
			nodeID.String(), limit,
		)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snaps []model.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows.Scan)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, *snap)
	}
	return snaps, rows.Err()
}

// CountSnapshots returns the total number of stored snapshots.
func (s *Store) CountSnapshots() int64 {
	var n int64
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM snapshots`).Scan(&n); err != nil {
		return 0
	}
	return n
}

// ---------------------------------------------------------------------------
// Merge logs
// ---------------------------------------------------------------------------

// InsertMergeLog appends a merge-audit row. Returns the row ID.
func (s *Store) InsertMergeLog(m model.MergeLog) (int64, error) {
	var id int64
	err := retryOnContention(func() error {
		res, err := s.db.Exec(
			`INSERT INTO merge_logs (from_id, to_id, start_count, end_count, start_hash, end_hash, merged_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			m.FromID.String(), m.ToID.String(), m.StartCount, m.EndCount,
			m.StartHash, m.EndHash, m.MergedAt.Format(time.RFC3339Nano),
		)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// ListMergeLogs returns up to limit merge rows, newest first. The zero
// UUID lists merges into every node; otherwise only merges into toID.
func (s *Store) ListMergeLogs(toID uuid.UUID, limit int) ([]model.MergeLog, error) {
	if limit <= 0 {
		limit = 100
	}
	var (
		rows *sql.Rows
		err  error
	)
	if toID == uuid.Nil {
		rows, err = s.db.Query(
			`SELECT id, from_id, to_id, start_count, end_count, start_hash, end_hash, merged_at
			 FROM merge_logs ORDER BY id DESC LIMIT ?`, limit,
		)
	} else {
		rows, err = s.db.Query(
			`SELECT id, from_id, to_id, start_count, end_count, start_hash, end_hash, merged_at
			 FROM merge_logs WHERE to_id = ? ORDER BY id DESC LIMIT ?`,
			toID.String(), limit,
		)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []model.MergeLog
	for rows.Next() {
		var m model.MergeLog
		var fromStr, toStr, mergedStr string
		if err := rows.Scan(&m.ID, &fromStr, &toStr, &m.StartCount, &m.EndCount,
			&m.StartHash, &m.EndHash, &mergedStr); err != nil {
			return nil, err
		}
		var parseErr error
		if m.FromID, parseErr = uuid.Parse(fromStr); parseErr != nil {
			return nil, fmt.Errorf("parse from_id for merge %d: %w", m.ID, parseErr)
		}
		if m.ToID, parseErr = uuid.Parse(toStr); parseErr != nil {
			return nil, fmt.Errorf("parse to_id for merge %d: %w", m.ID, parseErr)
		}
		if m.MergedAt, parseErr = time.Parse(time.RFC3339Nano, mergedStr); parseErr != nil {
			return nil, fmt.Errorf("parse merged_at for merge %d: %w", m.ID, parseErr)
		}
		logs = append(logs, m)
	}
	return logs, rows.Err()
}

// ---------------------------------------------------------------------------
// Scan helpers
// ---------------------------------------------------------------------------

func scanSnapshotRow(row *sql.Row) (*model.Snapshot, error) {
	return scanSnapshot(row.Scan)
}

func scanSnapshot(scan func(dest ...any) error) (*model.Snapshot, error) {
	var snap model.Snapshot
	var clockStr, nodeStr, createdStr string
	if err := scan(&snap.ID, &clockStr, &snap.Fingerprint, &nodeStr,
		&snap.EventCount, &createdStr); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(clockStr), &snap.Clock); err != nil {
		return nil, fmt.Errorf("decode clock for snapshot %d: %w", snap.ID, err)
	}
	if snap.Clock == nil {
		snap.Clock = clock.New()
	}
	var parseErr error
	if snap.NodeID, parseErr = uuid.Parse(nodeStr); parseErr != nil {
		return nil, fmt.Errorf("parse node_id for snapshot %d: %w", snap.ID, parseErr)
	}
	if snap.CreatedAt, parseErr = time.Parse(time.RFC3339Nano, createdStr); parseErr != nil {
		return nil, fmt.Errorf("parse created_at for snapshot %d: %w", snap.ID, parseErr)
	}
	return &snap, nil
}
