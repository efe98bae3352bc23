// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package types holds the shared value types and storage interfaces used by
// internal/walcore. It plays the same role the teacher's dreamsxin/wal/types
// package plays: a narrow seam between the in-memory WAL logic (wal.go) and
// the on-disk segment/meta implementations, so either side can be swapped or
// faked in tests without the other knowing.
package types

import (
	"errors"
	"io"
	"time"
)

var (
	// ErrNotFound is returned by GetLog when the requested index does not
	// exist anywhere in the log (neither sealed segments nor the tail).
	ErrNotFound = errors.New("log entry not found")

	// ErrCorrupt is returned (possibly wrapped) when a frame's length or
	// CRC fails to validate, or a segment's index block is unreadable.
	ErrCorrupt = errors.New("WAL is corrupt")

	// ErrSealed is returned by writer operations attempted against a
	// segment that has already been rolled.
	ErrSealed = errors.New("segment is sealed")

	// ErrClosed is returned by any WAL method once Close has completed.
	ErrClosed = errors.New("WAL is closed")

	// ErrFull is returned by a segment writer's Append when the frame does
	// not fit in the segment's remaining space. WAL.Append then rolls to a
	// new segment, and returns ErrFull (wrapped) only when the record does
	// not fit even there.
	ErrFull = errors.New("segment is full")
)

// LogEntry is a single committed record in the log, addressed by Index. Data
// holds the codec body produced by internal/codec (i.e. the encoded Batch),
// never the framing bytes (length/CRC are handled by the segment layer).
type LogEntry struct {
	Index uint64
	Data  []byte
}

// SegmentInfo describes one segment file's position in the log and its
// lifecycle. A zero SealTime means the segment is the current (tail)
// segment and is still open for appends.
type SegmentInfo struct {
	ID         uint64
	BaseIndex  uint64
	MinIndex   uint64
	MaxIndex   uint64
	IndexStart uint32
	SizeLimit  uint32

	CreateTime time.Time
	SealTime   time.Time

	// RollCycle names which roll policy produced this segment, used to
	// build the on-disk file name ({cache_name}-{YYYYMMDD|YYYYMMDDHH}-{seq}.seg).
	RollCycle string
}

// Sealed reports whether the segment has been rolled and is read-only.
func (si SegmentInfo) Sealed() bool {
	return !si.SealTime.IsZero()
}

// ReadableFile is the minimal random-access read interface a segment
// implementation needs, satisfied by both *os.File and an mmap-backed
// region.
type ReadableFile interface {
	io.Closer
	ReadAt(p []byte, off int64) (int, error)
}

// WritableFile is a ReadableFile that also supports appends and an explicit
// durability barrier. The tail segment is always a WritableFile; sealed
// segments are reopened as plain ReadableFile.
type WritableFile interface {
	ReadableFile
	Append(entries []LogEntry) error
	// LastIndex returns the highest index written to this segment, or 0 if
	// empty.
	LastIndex() uint64
	// OffsetForFrame returns the byte offset of the frame holding idx,
	// using the writer's in-memory index (sealed segments use the on-disk
	// index block instead; see segment.Reader).
	OffsetForFrame(idx uint64) (uint32, error)
	// Sealed reports whether appending has left too little space in this
	// segment for another frame, and if so the index at which the next
	// segment should start. Time-based rolling is decided by the WAL, not
	// here.
	Sealed() (bool, uint64, error)
	// Sync forces any buffered/mmapped writes to stable storage.
	Sync() error
}

// SegmentFiler creates, opens, recovers and deletes the files backing
// segments. It is the seam that lets internal/walcore run against a real
// directory in production and an in-memory fake in tests.
type SegmentFiler interface {
	// Create makes a brand new segment file for writing.
	Create(info SegmentInfo) (WritableFile, error)
	// RecoverTail reopens an existing but possibly torn tail segment for
	// continued writing, truncating any unreadable frames at the end.
	RecoverTail(info SegmentInfo) (WritableFile, error)
	// Open opens an existing sealed segment read-only.
	Open(info SegmentInfo) (ReadableFile, error)
	// List returns the set of segment IDs currently present on disk as the
	// map's keys, so the WAL can reconcile it against the metastore's view
	// and clean up orphans left by a crash between file creation and meta
	// commit. The WAL reads only the keys; the file-backed filer stores the
	// ID as the value too, since segment file names carry no base index.
	List() (map[uint64]uint64, error)
	// Delete removes a segment's file(s) from disk.
	Delete(baseIndex, id uint64) error
}

// PersistedMeta is the durable record of segment bookkeeping the WAL
// reconciles against the filesystem on Open.
type PersistedMeta struct {
	NextSegmentID uint64
	Segments      []SegmentInfo
}

// MetaStore persists the PersistedMeta. In production this is backed by a
// local bbolt database (internal/walcore/metadb); it is intentionally not
// the relational Offset/Checkpoint store from spec.md C3/C4, which live in a
// shared administrative database instead of a local file.
type MetaStore interface {
	io.Closer
	Load(dir string) (PersistedMeta, error)
	CommitState(m PersistedMeta) error
}
