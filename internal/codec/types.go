// Package codec implements spec.md's C2 WAL Codec: the bidirectional
// mapping between a Batch and the bytes stored in a log record body, per
// the wire format in spec.md §6.
package codec

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Operation is a row mutation kind.
type Operation uint8

const (
	OpInsert Operation = 1
	OpUpdate Operation = 2
	OpDelete Operation = 3
	OpUpsert Operation = 4
)

func (o Operation) String() string {
	switch o {
	case OpInsert:
		return "Insert"
	case OpUpdate:
		return "Update"
	case OpDelete:
		return "Delete"
	case OpUpsert:
		return "Upsert"
	default:
		return fmt.Sprintf("Operation(%d)", o)
	}
}

// ValueKind tags a TypedValue's concrete type on the wire, per spec.md §6's
// type tag table.
type ValueKind uint8

const (
	KindNull    ValueKind = 0
	KindString  ValueKind = 1
	KindInt64   ValueKind = 2
	KindFloat64 ValueKind = 3
	KindBool    ValueKind = 4
	KindDecimal ValueKind = 5
)

// Value is a tagged union over the column value types spec.md's data model
// allows: string, i64, f64, bool, decimal, or null.
type Value struct {
	Kind    ValueKind
	Str     string
	Int     int64
	Float   float64
	Bool    bool
	Decimal decimal.Decimal
}

func NullValue() Value                      { return Value{Kind: KindNull} }
func StringValue(s string) Value            { return Value{Kind: KindString, Str: s} }
func IntValue(i int64) Value                { return Value{Kind: KindInt64, Int: i} }
func FloatValue(f float64) Value            { return Value{Kind: KindFloat64, Float: f} }
func BoolValue(b bool) Value                { return Value{Kind: KindBool, Bool: b} }
func DecimalValue(d decimal.Decimal) Value  { return Value{Kind: KindDecimal, Decimal: d} }

// Equal reports value equality, used by round-trip tests.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindNull:
		return true
	case KindString:
		return v.Str == o.Str
	case KindInt64:
		return v.Int == o.Int
	case KindFloat64:
		return v.Float == o.Float
	case KindBool:
		return v.Bool == o.Bool
	case KindDecimal:
		return v.Decimal.Equal(o.Decimal)
	}
	return false
}

// Entry is a single row mutation inside a Batch, per spec.md §3.
type Entry struct {
	DBName    string
	TableName string
	Operation Operation
	Data      map[string]Value
}

// Batch is the atomic unit submitted by a client, per spec.md §3.
type Batch struct {
	TransactionID string
	Timestamp     int64 // unix millis
	Entries       []Entry
}

// MalformedError is returned by Decode when the body cannot be parsed, per
// spec.md §7's "Apply" and "Corruption" taxonomy distinction: Malformed is a
// codec-level decode failure, distinct from a framing/CRC Corrupt error
// raised by the segment layer.
type MalformedError struct {
	Reason string
}

func (e *MalformedError) Error() string { return fmt.Sprintf("malformed batch: %s", e.Reason) }

func malformed(format string, args ...interface{}) error {
	return &MalformedError{Reason: fmt.Sprintf(format, args...)}
}
