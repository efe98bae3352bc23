// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package segment

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/chronicle/chronicle/internal/walcore/types"
)

// crcTable is CRC32C (Castagnoli), matching spec.md's "crc32c_le" framing.
var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Reader allows reading logs from a segment file. It is used both for
// sealed, read-only segments (findFrameOffset consults the on-disk index
// block) and, via OpenTailReader, to read back from the still-open tail segment
// (findFrameOffset consults the writer's in-memory index instead).
type Reader struct {
	info types.SegmentInfo
	rf   types.ReadableFile

	scratchFrameHeader []byte

	tail tailIndex
}

// tailIndex is implemented by Writer so Reader can look up frame offsets for
// an unsealed segment without duplicating the in-memory index.
type tailIndex interface {
	OffsetForFrame(idx uint64) (uint32, error)
}

// OpenReader constructs a Reader over a sealed segment file.
func OpenReader(info types.SegmentInfo, rf types.ReadableFile) (*Reader, error) {
	return &Reader{info: info, rf: rf}, nil
}

// OpenTailReader constructs a Reader that answers from the writer's
// in-memory index rather than an on-disk index block, for reading back
// entries just appended to the still-open tail segment.
func OpenTailReader(info types.SegmentInfo, rf types.ReadableFile, tail tailIndex) (*Reader, error) {
	return &Reader{info: info, rf: rf, tail: tail}, nil
}

// Close implements io.Closer.
func (r *Reader) Close() error {
	return r.rf.Close()
}

// GetLog returns the log entry at idx. If idx is not present in this
// segment, types.ErrNotFound is returned. A framing or checksum failure
// returns an error wrapping types.ErrCorrupt.
func (r *Reader) GetLog(idx uint64, le *types.LogEntry) error {
	offset, err := r.findFrameOffset(idx)
	if err != nil {
		return err
	}
	if err := r.readFrame(offset, le); err != nil {
		return fmt.Errorf("%w: index %d: %s", types.ErrCorrupt, idx, err)
	}
	le.Index = idx
	return nil
}

func (r *Reader) readFrame(offset uint32, le *types.LogEntry) error {
	if cap(r.scratchFrameHeader) < frameHeaderLen {
		r.scratchFrameHeader = make([]byte, frameHeaderLen)
	}
	r.scratchFrameHeader = r.scratchFrameHeader[:frameHeaderLen]

	n, err := r.rf.ReadAt(r.scratchFrameHeader, int64(offset))
	if errors.Is(err, io.EOF) && n >= frameHeaderLen {
		err = nil
	}
	if err != nil {
		return err
	}

	fh, err := readFrameHeader(r.scratchFrameHeader)
	if err != nil {
		return err
	}
	if fh.len > MaxEntrySize {
		return fmt.Errorf("frame length %d exceeds MaxEntrySize", fh.len)
	}

	if cap(le.Data) < int(fh.len) {
		le.Data = make([]byte, fh.len)
	}
	le.Data = le.Data[:fh.len]

	if _, err := r.rf.ReadAt(le.Data, int64(offset)+frameHeaderLen); err != nil {
		return err
	}

	got := crc32.Checksum(le.Data, crcTable)
	if got != fh.crc {
		return fmt.Errorf("crc32c mismatch: header=%#x computed=%#x", fh.crc, got)
	}
	return nil
}

func (r *Reader) findFrameOffset(idx uint64) (uint32, error) {
	if r.tail != nil {
		return r.tail.OffsetForFrame(idx)
	}

	if idx < r.info.MinIndex || (r.info.MaxIndex > 0 && idx > r.info.MaxIndex) {
		return 0, types.ErrNotFound
	}
	if r.info.IndexStart == 0 {
		return 0, fmt.Errorf("%w: sealed segment has no index block", types.ErrCorrupt)
	}

	entryOffset := idx - r.info.BaseIndex
	byteOffset := r.info.IndexStart + uint32(entryOffset)*4

	var bs [4]byte
	n, err := r.rf.ReadAt(bs[:], int64(byteOffset))
	if errors.Is(err, io.EOF) && n == 4 {
		err = nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: failed to read segment index: %s", types.ErrCorrupt, err)
	}
	return binary.LittleEndian.Uint32(bs[:]), nil
}
