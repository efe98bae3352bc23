package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// OffsetStore implements spec.md's C3: a durable `(consumer_id ->
// last_applied_log_index)` table. It is bound to a single, fixed physical
// pool chosen once at boot (the "offset-bearing" database, see
// internal/applier), so Read always observes whatever Write last
// committed, regardless of which target database a given batch otherwise
// touched.
type OffsetStore struct {
	pool  *pgxpool.Pool
	table string
}

// NewOffsetStore returns an OffsetStore writing to the named table (spec.md
// §6's queue.offset_table, default "queue_offsets") via pool.
func NewOffsetStore(pool *pgxpool.Pool, table string) *OffsetStore {
	if table == "" {
		table = "queue_offsets"
	}
	return &OffsetStore{pool: pool, table: table}
}

// EnsureSchema creates the offsets table if it doesn't already exist.
func (s *OffsetStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			consumer_id VARCHAR PRIMARY KEY,
			last_offset BIGINT NOT NULL
		)`, s.table))
	if err != nil {
		return fmt.Errorf("store: ensuring %s schema: %w", s.table, err)
	}
	return nil
}

// Read returns the last applied log index for consumerID, and false if no
// row exists yet (a brand-new consumer replays from the start).
func (s *OffsetStore) Read(ctx context.Context, consumerID string) (uint64, bool, error) {
	var offset uint64
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf("SELECT last_offset FROM %s WHERE consumer_id = $1", s.table),
		consumerID,
	).Scan(&offset)
	if err == pgx.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("store: reading offset for %q: %w", consumerID, err)
	}
	return offset, true, nil
}

// Write upserts (consumerID, index) using tx, so the offset advance commits
// atomically with the batch's data writes, per spec.md §4.3 and testable
// property 4.
func (s *OffsetStore) Write(ctx context.Context, tx pgx.Tx, consumerID string, index uint64) error {
	_, err := tx.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (consumer_id, last_offset) VALUES ($1, $2)
		ON CONFLICT (consumer_id) DO UPDATE SET last_offset = EXCLUDED.last_offset
	`, s.table), consumerID, index)
	if err != nil {
		return fmt.Errorf("store: writing offset for %q: %w", consumerID, err)
	}
	return nil
}
