package producer_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chronicle/chronicle/internal/cache"
	"github.com/chronicle/chronicle/internal/codec"
	"github.com/chronicle/chronicle/internal/producer"
	"github.com/chronicle/chronicle/internal/walcore"
)

func openTestWAL(t *testing.T) *walcore.WAL {
	t.Helper()
	w, err := walcore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func TestSubmitEmptyBatchRejected(t *testing.T) {
	w := openTestWAL(t)
	store := cache.New()
	p := producer.New(w, store, nil)

	_, err := p.Submit(context.Background(), codec.Batch{})
	require.Error(t, err)
	require.IsType(t, producer.EmptyBatchError{}, err)

	last, err := w.LastAppendedIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(0), last)
}

func TestSubmitMissingPrimaryKeyRejected(t *testing.T) {
	w := openTestWAL(t)
	store := cache.New()
	p := producer.New(w, store, nil)

	_, err := p.Submit(context.Background(), codec.Batch{
		Entries: []codec.Entry{{DBName: "d1", TableName: "t", Operation: codec.OpInsert, Data: map[string]codec.Value{}}},
	})
	require.Error(t, err)
	var invalid *producer.InvalidEntryError
	require.ErrorAs(t, err, &invalid)
}

func TestSubmitSuccessIsVisibleInCache(t *testing.T) {
	w := openTestWAL(t)
	store := cache.New()
	p := producer.New(w, store, nil)

	res, err := p.Submit(context.Background(), codec.Batch{
		TransactionID: "A",
		Entries: []codec.Entry{{DBName: "d1", TableName: "t", Operation: codec.OpUpsert, Data: map[string]codec.Value{
			"id": codec.IntValue(1), "v": codec.StringValue("x"),
		}}},
	})
	require.NoError(t, err)
	require.Equal(t, uint64(1), res.LogIndex)
	require.Equal(t, 1, res.EntriesApplied)

	row, ok := store.Get("d1", "t", "1")
	require.True(t, ok)
	require.Equal(t, "x", row["v"].Str)
}

func TestSubmitGeneratesTransactionIDWhenAbsent(t *testing.T) {
	w := openTestWAL(t)
	store := cache.New()
	p := producer.New(w, store, nil)

	res, err := p.Submit(context.Background(), codec.Batch{
		Entries: []codec.Entry{{DBName: "d1", TableName: "t", Operation: codec.OpUpsert, Data: map[string]codec.Value{
			"id": codec.IntValue(1),
		}}},
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.TransactionID)
}

func TestSubmitOrderPreservedWithinProducer(t *testing.T) {
	w := openTestWAL(t)
	store := cache.New()
	p := producer.New(w, store, nil)

	for i := 0; i < 5; i++ {
		res, err := p.Submit(context.Background(), codec.Batch{
			Entries: []codec.Entry{{DBName: "d1", TableName: "t", Operation: codec.OpUpsert, Data: map[string]codec.Value{
				"id": codec.IntValue(int64(i)),
			}}},
		})
		require.NoError(t, err)
		require.Equal(t, uint64(i+1), res.LogIndex)
	}
}
