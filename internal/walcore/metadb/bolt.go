// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package metadb persists the WAL's own segment bookkeeping (not the
// relational offset/checkpoint stores of spec.md C3/C4) in a local bbolt
// database, grounded on the teacher's go.mod require of go.etcd.io/bbolt.
package metadb

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"

	"go.etcd.io/bbolt"

	"github.com/chronicle/chronicle/internal/walcore/types"
)

var (
	bucketSegments = []byte("segments")
	bucketMeta     = []byte("meta")
	keyNextID      = []byte("next_segment_id")
)

// Store is a bbolt-backed types.MetaStore.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if necessary) the metastore file "wal-meta.db"
// inside dir.
func Open(dir string) (*Store, error) {
	db, err := bbolt.Open(filepath.Join(dir, "wal-meta.db"), 0o644, nil)
	if err != nil {
		return nil, fmt.Errorf("opening wal metastore: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketSegments); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketMeta)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Load implements types.MetaStore.
func (s *Store) Load(dir string) (types.PersistedMeta, error) {
	var pm types.PersistedMeta
	err := s.db.View(func(tx *bbolt.Tx) error {
		mb := tx.Bucket(bucketMeta)
		if v := mb.Get(keyNextID); v != nil {
			if err := json.Unmarshal(v, &pm.NextSegmentID); err != nil {
				return err
			}
		}
		sb := tx.Bucket(bucketSegments)
		return sb.ForEach(func(k, v []byte) error {
			var si types.SegmentInfo
			if err := json.Unmarshal(v, &si); err != nil {
				return err
			}
			pm.Segments = append(pm.Segments, si)
			return nil
		})
	})
	sort.Slice(pm.Segments, func(i, j int) bool {
		return pm.Segments[i].BaseIndex < pm.Segments[j].BaseIndex
	})
	return pm, err
}

// CommitState implements types.MetaStore: it atomically overwrites the
// segment set and next-ID counter in a single bbolt transaction so a crash
// mid-write never leaves a partially-updated segment list.
func (s *Store) CommitState(m types.PersistedMeta) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		sb := tx.Bucket(bucketSegments)
		if err := sb.ForEach(func(k, _ []byte) error {
			return nil
		}); err != nil {
			return err
		}
		// Clear and rewrite; segment counts are small (hours/days worth
		// of roll cycles) so this is cheap compared to the fsync it
		// triggers.
		if err := tx.DeleteBucket(bucketSegments); err != nil && err != bbolt.ErrBucketNotFound {
			return err
		}
		sb, err := tx.CreateBucket(bucketSegments)
		if err != nil {
			return err
		}
		for _, si := range m.Segments {
			v, err := json.Marshal(si)
			if err != nil {
				return err
			}
			key := make([]byte, 8)
			putUint64(key, si.BaseIndex)
			if err := sb.Put(key, v); err != nil {
				return err
			}
		}
		mb := tx.Bucket(bucketMeta)
		v, err := json.Marshal(m.NextSegmentID)
		if err != nil {
			return err
		}
		return mb.Put(keyNextID, v)
	})
}

// Close implements io.Closer.
func (s *Store) Close() error {
	return s.db.Close()
}

func putUint64(b []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}
