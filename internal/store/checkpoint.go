package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chronicle/chronicle/internal/cache"
)

// CheckpointStatus mirrors spec.md §3's InProgress/Completed/Failed trio.
type CheckpointStatus string

const (
	StatusInProgress CheckpointStatus = "InProgress"
	StatusCompleted  CheckpointStatus = "Completed"
	StatusFailed     CheckpointStatus = "Failed"
)

// Checkpoint is one row of chronicle_checkpoint, per spec.md §6.
type Checkpoint struct {
	ID                 int64
	CacheName           string
	CheckpointTime      time.Time
	LastTransactionID   string
	WALIndex            uint64
	EntryCount          int64
	BodyChecksum        string
	Status              CheckpointStatus
}

// CheckpointStore implements spec.md's C4.
type CheckpointStore struct {
	admin *pgxpool.Pool
}

func NewCheckpointStore(admin *pgxpool.Pool) *CheckpointStore {
	return &CheckpointStore{admin: admin}
}

func (s *CheckpointStore) EnsureSchema(ctx context.Context) error {
	_, err := s.admin.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS chronicle_checkpoint (
			id BIGSERIAL PRIMARY KEY,
			cache_name VARCHAR NOT NULL,
			checkpoint_time TIMESTAMPTZ NOT NULL,
			last_transaction_id VARCHAR,
			wal_index BIGINT NOT NULL,
			entry_count BIGINT NOT NULL,
			body_checksum CHAR(64),
			status VARCHAR NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("store: ensuring chronicle_checkpoint schema: %w", err)
	}
	return nil
}

// Begin inserts an InProgress row for walIndex and returns its id, per
// spec.md §4.4 step 1.
func (s *CheckpointStore) Begin(ctx context.Context, cacheName string, walIndex uint64) (int64, error) {
	var id int64
	err := s.admin.QueryRow(ctx, `
		INSERT INTO chronicle_checkpoint (cache_name, checkpoint_time, wal_index, entry_count, status)
		VALUES ($1, now(), $2, 0, $3) RETURNING id
	`, cacheName, walIndex, StatusInProgress).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: beginning checkpoint: %w", err)
	}
	return id, nil
}

// Complete computes the rolling checksum over snap (§4.4 step 3) and
// updates the row to Completed (step 4). On any error the row is left
// InProgress, which recovery ignores per spec.md §4.4's last line.
func (s *CheckpointStore) Complete(ctx context.Context, id int64, lastTxID string, snap []cache.SnapshotEntry) error {
	checksum := checksumSnapshot(snap)
	_, err := s.admin.Exec(ctx, `
		UPDATE chronicle_checkpoint
		SET status = $1, last_transaction_id = $2, entry_count = $3, body_checksum = $4
		WHERE id = $5
	`, StatusCompleted, lastTxID, len(snap), checksum, id)
	if err != nil {
		return fmt.Errorf("store: completing checkpoint %d: %w", id, err)
	}
	return nil
}

// Fail marks a checkpoint row Failed. No caller in this module uses it: a
// checkpoint whose completion step errors is left InProgress.
func (s *CheckpointStore) Fail(ctx context.Context, id int64) error {
	_, err := s.admin.Exec(ctx, `UPDATE chronicle_checkpoint SET status = $1 WHERE id = $2`, StatusFailed, id)
	return err
}

// LatestCompleted returns the most recent Completed row for cacheName, used
// by the Recovery Engine as its anchor (§4.8).
func (s *CheckpointStore) LatestCompleted(ctx context.Context, cacheName string) (Checkpoint, bool, error) {
	var c Checkpoint
	err := s.admin.QueryRow(ctx, `
		SELECT id, cache_name, checkpoint_time, last_transaction_id, wal_index, entry_count, body_checksum, status
		FROM chronicle_checkpoint
		WHERE cache_name = $1 AND status = $2
		ORDER BY wal_index DESC LIMIT 1
	`, cacheName, StatusCompleted).Scan(
		&c.ID, &c.CacheName, &c.CheckpointTime, &c.LastTransactionID,
		&c.WALIndex, &c.EntryCount, &c.BodyChecksum, &c.Status,
	)
	if err == pgx.ErrNoRows {
		return Checkpoint{}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, fmt.Errorf("store: reading latest checkpoint: %w", err)
	}
	return c, true, nil
}

// checksumSnapshot computes a stable sha256 over sorted (db, table, key,
// data) tuples, per spec.md §4.4 step 3's "stable canonical serialisation".
func checksumSnapshot(snap []cache.SnapshotEntry) string {
	sorted := make([]cache.SnapshotEntry, len(snap))
	copy(sorted, snap)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].DB != sorted[j].DB {
			return sorted[i].DB < sorted[j].DB
		}
		if sorted[i].Table != sorted[j].Table {
			return sorted[i].Table < sorted[j].Table
		}
		return sorted[i].Key < sorted[j].Key
	})

	h := sha256.New()
	for _, e := range sorted {
		fmt.Fprintf(h, "%s\x00%s\x00%s\x00", e.DB, e.Table, e.Key)
		columns := make([]string, 0, len(e.Data))
		for col := range e.Data {
			columns = append(columns, col)
		}
		sort.Strings(columns)
		for _, col := range columns {
			fmt.Fprintf(h, "%s=%v\x00", col, e.Data[col])
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}
