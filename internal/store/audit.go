package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/chronicle/chronicle/internal/codec"
)

// AuditEntry is one delta_log row, per spec.md §6. The core stays generic
// over row shapes (§9 DESIGN NOTES) by reading account_id/amount out of the
// entry's data map only when present, doing no further interpretation —
// this is the one piece of entity-specific semantics the original system
// keeps close to the core, per SPEC_FULL's "Audit sink" note.
type AuditEntry struct {
	ConsumerName string
	ProcessedAt  time.Time
	Offset       uint64
	DBName       string
	AccountID    string
	Amount       string
}

// WriteDeltaLog inserts one audit row using tx, so it commits atomically
// with the table mutation and the offset write it accompanies.
func WriteDeltaLog(ctx context.Context, tx pgx.Tx, e AuditEntry) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO delta_log (consumer_name, processed_at, "offset", db_name, account_id, amount)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, e.ConsumerName, e.ProcessedAt, e.Offset, e.DBName, e.AccountID, e.Amount)
	if err != nil {
		return fmt.Errorf("store: writing delta_log row for offset %d: %w", e.Offset, err)
	}
	return nil
}

// AuditEntryFromData extracts account_id/amount from an applied entry's
// data map when present, for tables whose catalog spec opts into auditing.
func AuditEntryFromData(consumerName, dbName string, offset uint64, data map[string]codec.Value) AuditEntry {
	e := AuditEntry{
		ConsumerName: consumerName,
		ProcessedAt:  time.Now(),
		Offset:       offset,
		DBName:       dbName,
	}
	if v, ok := data["account_id"]; ok {
		e.AccountID = renderAuditValue(v)
	}
	if v, ok := data["amount"]; ok {
		e.Amount = renderAuditValue(v)
	}
	return e
}

func renderAuditValue(v codec.Value) string {
	switch v.Kind {
	case codec.KindString:
		return v.Str
	case codec.KindInt64:
		return fmt.Sprintf("%d", v.Int)
	case codec.KindFloat64:
		return fmt.Sprintf("%v", v.Float)
	case codec.KindBool:
		return fmt.Sprintf("%t", v.Bool)
	case codec.KindDecimal:
		return v.Decimal.String()
	default:
		return ""
	}
}
