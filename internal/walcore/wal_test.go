package walcore_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chronicle/chronicle/internal/walcore"
)

func TestAppendAssignsMonotonicIndices(t *testing.T) {
	w, err := walcore.Open(t.TempDir())
	require.NoError(t, err)
	defer w.Close()

	for i := 1; i <= 5; i++ {
		idx, err := w.Append([]byte{byte(i)})
		require.NoError(t, err)
		require.Equal(t, uint64(i), idx)
	}

	last, err := w.LastAppendedIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(5), last)
}

func TestTailerReadsBackAppendedRecordsInOrder(t *testing.T) {
	w, err := walcore.Open(t.TempDir())
	require.NoError(t, err)
	defer w.Close()

	want := [][]byte{[]byte("a"), []byte("bb"), []byte("ccc")}
	for _, body := range want {
		_, err := w.Append(body)
		require.NoError(t, err)
	}

	tailer, err := w.NewTailer(walcore.PositionStart())
	require.NoError(t, err)

	for i, expect := range want {
		idx, body, err := tailer.ReadNext()
		require.NoError(t, err)
		require.Equal(t, uint64(i+1), idx)
		require.Equal(t, expect, body)
	}

	_, _, err = tailer.ReadNext()
	require.ErrorIs(t, err, walcore.ErrNoMoreEntries)
}

func TestTailerPositionEndSkipsExistingRecords(t *testing.T) {
	w, err := walcore.Open(t.TempDir())
	require.NoError(t, err)
	defer w.Close()

	_, err = w.Append([]byte("old"))
	require.NoError(t, err)

	tailer, err := w.NewTailer(walcore.PositionEnd())
	require.NoError(t, err)
	_, _, err = tailer.ReadNext()
	require.ErrorIs(t, err, walcore.ErrNoMoreEntries)

	idx, err := w.Append([]byte("new"))
	require.NoError(t, err)
	require.Equal(t, uint64(2), idx)

	gotIdx, body, err := tailer.ReadNext()
	require.NoError(t, err)
	require.Equal(t, idx, gotIdx)
	require.Equal(t, []byte("new"), body)
}

func TestRollsAcrossSegmentsTransparently(t *testing.T) {
	dir := t.TempDir()
	w, err := walcore.Open(dir, walcore.WithSegmentSize(512))
	require.NoError(t, err)
	defer w.Close()

	payload := make([]byte, 64)
	const n = 50
	for i := 0; i < n; i++ {
		_, err := w.Append(payload)
		require.NoError(t, err)
	}

	last, err := w.LastAppendedIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(n), last)

	tailer, err := w.NewTailer(walcore.PositionStart())
	require.NoError(t, err)
	count := 0
	for {
		_, body, err := tailer.ReadNext()
		if err == walcore.ErrNoMoreEntries {
			break
		}
		require.NoError(t, err)
		require.Equal(t, payload, body)
		count++
	}
	require.Equal(t, n, count)
}

func TestReopenRecoversPriorSegmentsAndAllowsFurtherAppends(t *testing.T) {
	dir := t.TempDir()
	w, err := walcore.Open(dir, walcore.WithSegmentSize(512))
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		_, err := w.Append([]byte("entry"))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	w2, err := walcore.Open(dir, walcore.WithSegmentSize(512))
	require.NoError(t, err)
	defer w2.Close()

	last, err := w2.LastAppendedIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(10), last)

	idx, err := w2.Append([]byte("eleventh"))
	require.NoError(t, err)
	require.Equal(t, uint64(11), idx)

	tailer, err := w2.NewTailer(walcore.PositionStart())
	require.NoError(t, err)
	last = 0
	for {
		idx, _, err := tailer.ReadNext()
		if err == walcore.ErrNoMoreEntries {
			break
		}
		require.NoError(t, err)
		last = idx
	}
	require.Equal(t, uint64(11), last)
}

func TestAppendFailsAfterClose(t *testing.T) {
	w, err := walcore.Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, err = w.Append([]byte("x"))
	require.ErrorIs(t, err, walcore.ErrClosed)
}
