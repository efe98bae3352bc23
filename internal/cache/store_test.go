package cache_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chronicle/chronicle/internal/cache"
	"github.com/chronicle/chronicle/internal/codec"
)

type fakeResolver struct {
	pk map[string]string
}

func (f fakeResolver) PrimaryKeyColumn(table string) (string, bool) {
	col, ok := f.pk[table]
	return col, ok
}

func TestApplyBatchUpsertIsVisible(t *testing.T) {
	s := cache.New()
	b := codec.Batch{
		TransactionID: "A",
		Entries: []codec.Entry{
			{DBName: "d1", TableName: "t", Operation: codec.OpUpsert, Data: map[string]codec.Value{
				"id": codec.IntValue(1), "v": codec.StringValue("x"),
			}},
		},
	}
	s.ApplyBatch(b)

	row, ok := s.Get("d1", "t", "1")
	require.True(t, ok)
	require.Equal(t, "x", row["v"].Str)
}

func TestApplyBatchUpdateAndDelete(t *testing.T) {
	s := cache.New()
	s.ApplyBatch(codec.Batch{Entries: []codec.Entry{
		{DBName: "d1", TableName: "t", Operation: codec.OpUpsert, Data: map[string]codec.Value{
			"id": codec.IntValue(1), "v": codec.StringValue("x"),
		}},
	}})

	s.ApplyBatch(codec.Batch{Entries: []codec.Entry{
		{DBName: "d1", TableName: "t", Operation: codec.OpUpdate, Data: map[string]codec.Value{
			"id": codec.IntValue(1), "v": codec.StringValue("y"),
		}},
		{DBName: "d1", TableName: "t", Operation: codec.OpDelete, Data: map[string]codec.Value{
			"id": codec.IntValue(2),
		}},
	}})

	row, ok := s.Get("d1", "t", "1")
	require.True(t, ok)
	require.Equal(t, "y", row["v"].Str)
	require.False(t, s.Contains("d1", "t", "2"))
}

func TestRowKeyUsesCatalogPrimaryKey(t *testing.T) {
	s := cache.New(cache.WithPrimaryKeyResolver(fakeResolver{pk: map[string]string{"accounts": "account_id"}}))
	s.ApplyBatch(codec.Batch{Entries: []codec.Entry{
		{DBName: "d1", TableName: "accounts", Operation: codec.OpInsert, Data: map[string]codec.Value{
			"account_id": codec.StringValue("acct-42"),
			"balance":    codec.IntValue(100),
		}},
	}})

	_, ok := s.Get("d1", "accounts", "acct-42")
	require.True(t, ok)
}

func TestEnsureLoadedIsLazyAndOnce(t *testing.T) {
	calls := 0
	loader := loaderFunc(func(db, table string) (map[string]cache.Row, error) {
		calls++
		return map[string]cache.Row{"1": {"id": codec.IntValue(1)}}, nil
	})
	s := cache.New(cache.WithLoader(loader))

	require.NoError(t, s.EnsureLoaded("d1", "t"))
	require.NoError(t, s.EnsureLoaded("d1", "t"))
	require.Equal(t, 1, calls)

	_, ok := s.Get("d1", "t", "1")
	require.True(t, ok)
}

func TestClearWipesRowsAndLoadedFlags(t *testing.T) {
	calls := 0
	loader := loaderFunc(func(db, table string) (map[string]cache.Row, error) {
		calls++
		return map[string]cache.Row{}, nil
	})
	s := cache.New(cache.WithLoader(loader))
	s.LoadTableInto("d1", "t", map[string]cache.Row{"1": {"id": codec.IntValue(1)}})
	require.Equal(t, 1, s.Len())
	require.NoError(t, s.EnsureLoaded("d1", "t"))
	require.Equal(t, 0, calls)

	s.Clear()
	require.Equal(t, 0, s.Len())
	_, ok := s.Get("d1", "t", "1")
	require.False(t, ok)
	require.NoError(t, s.EnsureLoaded("d1", "t"))
	require.Equal(t, 1, calls)
}

type loaderFunc func(db, table string) (map[string]cache.Row, error)

func (f loaderFunc) LoadTable(db, table string) (map[string]cache.Row, error) { return f(db, table) }
