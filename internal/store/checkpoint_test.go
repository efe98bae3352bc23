package store

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chronicle/chronicle/internal/cache"
	"github.com/chronicle/chronicle/internal/codec"
)

func TestChecksumSnapshotIsOrderIndependent(t *testing.T) {
	a := []cache.SnapshotEntry{
		{DB: "d1", Table: "t", Key: "2", Data: cache.Row{"v": codec.IntValue(2)}},
		{DB: "d1", Table: "t", Key: "1", Data: cache.Row{"v": codec.IntValue(1)}},
	}
	b := []cache.SnapshotEntry{
		{DB: "d1", Table: "t", Key: "1", Data: cache.Row{"v": codec.IntValue(1)}},
		{DB: "d1", Table: "t", Key: "2", Data: cache.Row{"v": codec.IntValue(2)}},
	}

	require.Equal(t, checksumSnapshot(a), checksumSnapshot(b))
}

func TestChecksumSnapshotDiffersOnDataChange(t *testing.T) {
	a := []cache.SnapshotEntry{{DB: "d1", Table: "t", Key: "1", Data: cache.Row{"v": codec.IntValue(1)}}}
	b := []cache.SnapshotEntry{{DB: "d1", Table: "t", Key: "1", Data: cache.Row{"v": codec.IntValue(2)}}}

	require.NotEqual(t, checksumSnapshot(a), checksumSnapshot(b))
}

func TestChecksumSnapshotEmpty(t *testing.T) {
	require.Equal(t, checksumSnapshot(nil), checksumSnapshot([]cache.SnapshotEntry{}))
}
