package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// LossType enumerates the two causes the Recovery Engine records, per
// spec.md §4.8.
type LossType string

const (
	LossSkip    LossType = "Skip"    // single-entry or bounded forward skip
	LossRebuild LossType = "Rebuild" // database-rebuild fallback
)

// DataLossStore writes chronicle_data_loss rows, per spec.md §6 and §4.8's
// "every skip or rebuild writes a data_loss row".
type DataLossStore struct {
	admin *pgxpool.Pool
}

func NewDataLossStore(admin *pgxpool.Pool) *DataLossStore {
	return &DataLossStore{admin: admin}
}

func (s *DataLossStore) EnsureSchema(ctx context.Context) error {
	_, err := s.admin.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS chronicle_data_loss (
			id BIGSERIAL PRIMARY KEY,
			loss_type VARCHAR NOT NULL,
			start_index BIGINT NOT NULL,
			estimated_loss BIGINT NOT NULL,
			recovery_action VARCHAR NOT NULL,
			ts TIMESTAMPTZ NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("store: ensuring chronicle_data_loss schema: %w", err)
	}
	return nil
}

// Record inserts one data_loss row.
func (s *DataLossStore) Record(ctx context.Context, lossType LossType, startIndex, estimatedLoss uint64, action string) error {
	_, err := s.admin.Exec(ctx, `
		INSERT INTO chronicle_data_loss (loss_type, start_index, estimated_loss, recovery_action, ts)
		VALUES ($1, $2, $3, $4, $5)
	`, lossType, startIndex, estimatedLoss, action, time.Now())
	if err != nil {
		return fmt.Errorf("store: recording data loss at index %d: %w", startIndex, err)
	}
	return nil
}
