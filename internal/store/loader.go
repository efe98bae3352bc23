package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/chronicle/chronicle/internal/cache"
	"github.com/chronicle/chronicle/internal/catalog"
	"github.com/chronicle/chronicle/internal/codec"
)

// TableLoader implements cache.Loader by selecting every declared column of
// a catalog table straight from its target database, used for the boot
// sequencer's full load (§4.9), lazy population (§4.5), and the recovery
// engine's rebuild-from-database fallback (§4.8).
type TableLoader struct {
	pools *Pools
	cat   *catalog.Catalog
}

func NewTableLoader(pools *Pools, cat *catalog.Catalog) *TableLoader {
	return &TableLoader{pools: pools, cat: cat}
}

// LoadTable implements cache.Loader.
func (l *TableLoader) LoadTable(db, table string) (map[string]cache.Row, error) {
	spec, ok := l.cat.Table(table)
	if !ok {
		return nil, fmt.Errorf("store: no catalog entry for table %q", table)
	}
	pool, ok := l.pools.DB(db)
	if !ok {
		return nil, fmt.Errorf("store: no configured pool for database %q", db)
	}

	query := fmt.Sprintf("SELECT %s FROM %s", strings.Join(spec.Columns, ", "), table)
	rows, err := pool.Query(context.Background(), query)
	if err != nil {
		return nil, fmt.Errorf("store: loading %s.%s: %w", db, table, err)
	}
	defer rows.Close()

	out := make(map[string]cache.Row)
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("store: scanning %s.%s row: %w", db, table, err)
		}
		data := make(map[string]codec.Value, len(spec.Columns))
		var pkRendered string
		for i, col := range spec.Columns {
			v := toCodecValue(values[i])
			data[col] = v
			if col == spec.PrimaryKey {
				pkRendered, _ = cache.KeyForColumn(data, spec.PrimaryKey)
			}
		}
		out[pkRendered] = data
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating %s.%s: %w", db, table, err)
	}
	return out, nil
}

// toCodecValue maps a driver value (as returned by pgx.Rows.Values) to the
// typed value union spec.md §3 defines. pgx already decodes numeric/text/bool
// columns into native Go types; decimal columns arrive as pgtype.Numeric-
// compatible strings via the text format, so a NUMERIC column should be cast
// to text in the catalog's declared column list when a precise decimal is
// required.
func toCodecValue(v any) codec.Value {
	switch t := v.(type) {
	case nil:
		return codec.NullValue()
	case string:
		if d, err := decimal.NewFromString(t); err == nil && looksDecimal(t) {
			return codec.DecimalValue(d)
		}
		return codec.StringValue(t)
	case int64:
		return codec.IntValue(t)
	case int32:
		return codec.IntValue(int64(t))
	case int:
		return codec.IntValue(int64(t))
	case float64:
		return codec.FloatValue(t)
	case float32:
		return codec.FloatValue(float64(t))
	case bool:
		return codec.BoolValue(t)
	default:
		return codec.StringValue(fmt.Sprintf("%v", t))
	}
}

// looksDecimal is a conservative guard so an ordinary VARCHAR column full of
// digits (e.g. an external id) isn't silently reinterpreted as a decimal;
// callers that need decimal fidelity should declare those columns NUMERIC
// and cast to text, which this still accepts.
func looksDecimal(s string) bool {
	if s == "" {
		return false
	}
	dotCount := 0
	for i, r := range s {
		switch {
		case r == '.' && dotCount == 0:
			dotCount++
		case r == '-' && i == 0:
		case r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return dotCount == 1
}
