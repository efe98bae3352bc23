// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package segment

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"sync"
	"time"

	"github.com/chronicle/chronicle/internal/walcore/types"
)

// Writer is the tail segment implementation: a memory-mapped file that
// frames are appended to directly, plus an in-memory index of
// (log index -> byte offset) so reads of just-appended entries never have
// to wait for the segment to be sealed and its on-disk index block written.
//
// A never-straddles-a-boundary guarantee (§4.1) is maintained by Append
// refusing, with types.ErrFull, any frame that would not fit in SizeLimit
// together with its 4-byte slot in the index block Seal writes; the caller
// (wal.WAL) then rolls and writes that frame into the new segment.
type Writer struct {
	mu sync.RWMutex

	f    *os.File
	data []byte // mmap'd region, len == info.SizeLimit

	info   types.SegmentInfo
	offset uint32 // next free byte offset within data

	// index[i] is the byte offset of the frame for log index
	// info.BaseIndex+i.
	index []uint32

	closed bool
}

// Create makes a new segment file of the given size limit and mmaps it.
func Create(path string, info types.SegmentInfo) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("creating segment file: %w", err)
	}
	size := int(info.SizeLimit)
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, fmt.Errorf("preallocating segment file: %w", err)
	}
	data, err := mmapFile(f, size)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap segment file: %w", err)
	}
	return &Writer{f: f, data: data, info: info}, nil
}

// Recover reopens an existing, possibly torn, tail segment: it scans
// forward from the start validating frames and truncates the logical
// length at the first invalid or incomplete one, per §4.1 crash recovery.
func Recover(path string, info types.SegmentInfo) (*Writer, uint64, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, 0, err
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	size := int(info.SizeLimit)
	if stat.Size() < int64(size) {
		// File is short (e.g. crash before first Truncate completed);
		// pad it back out so the mmap region is the full size limit.
		if err := f.Truncate(int64(size)); err != nil {
			f.Close()
			return nil, 0, err
		}
	}
	data, err := mmapFile(f, size)
	if err != nil {
		f.Close()
		return nil, 0, err
	}

	w := &Writer{f: f, data: data, info: info}

	var removed uint64
	off := uint32(0)
	idx := info.BaseIndex
	for {
		if int(off)+frameHeaderLen > len(data) {
			break
		}
		hdr := data[off : off+frameHeaderLen]
		if isZero(hdr) {
			break
		}
		fh, err := readFrameHeader(hdr)
		if err != nil || fh.len > MaxEntrySize {
			removed++
			break
		}
		bodyEnd := uint64(off) + frameHeaderLen + uint64(fh.len)
		if bodyEnd > uint64(len(data)) {
			removed++
			break
		}
		body := data[uint64(off)+frameHeaderLen : bodyEnd]
		if crc32.Checksum(body, crcTable) != fh.crc {
			removed++
			break
		}
		w.index = append(w.index, off)
		off = uint32(bodyEnd)
		idx++
	}
	w.offset = off
	return w, removed, nil
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// Append writes entries sequentially as length|crc32c|body frames.
func (w *Writer) Append(entries []types.LogEntry) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return types.ErrClosed
	}

	for _, e := range entries {
		need := frameHeaderLen + len(e.Data)
		// Keep room for the index block Seal writes after the last frame.
		if int(w.offset)+need+4*(len(w.index)+1) > len(w.data) {
			return types.ErrFull
		}
		crc := crc32.Checksum(e.Data, crcTable)
		encodeFrameHeader(w.data[w.offset:w.offset+frameHeaderLen], uint32(len(e.Data)), crc)
		copy(w.data[uint64(w.offset)+frameHeaderLen:], e.Data)
		w.index = append(w.index, w.offset)
		w.offset += uint32(need)
	}
	return nil
}

// Sealed reports whether the next frame is unlikely to fit (conservatively,
// whether less than a minimal frame header's worth of space remains) and if
// so, the index the next segment should start at.
func (w *Writer) Sealed() (bool, uint64, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	remaining := len(w.data) - int(w.offset)
	if remaining < frameHeaderLen {
		return true, w.info.BaseIndex + uint64(len(w.index)), nil
	}
	return false, 0, nil
}

// LastIndex returns the highest index written, or 0 if this segment holds
// no entries yet.
func (w *Writer) LastIndex() uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if len(w.index) == 0 {
		return 0
	}
	return w.info.BaseIndex + uint64(len(w.index)) - 1
}

// OffsetForFrame implements tailIndex for Reader.
func (w *Writer) OffsetForFrame(idx uint64) (uint32, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if idx < w.info.BaseIndex {
		return 0, types.ErrNotFound
	}
	i := idx - w.info.BaseIndex
	if i >= uint64(len(w.index)) {
		return 0, types.ErrNotFound
	}
	return w.index[i], nil
}

// ReadAt implements types.ReadableFile directly against the mmap'd region.
func (w *Writer) ReadAt(p []byte, off int64) (int, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if off < 0 || off >= int64(len(w.data)) {
		return 0, fmt.Errorf("offset %d out of range", off)
	}
	n := copy(p, w.data[off:])
	if n < len(p) {
		return n, fmt.Errorf("short read at offset %d", off)
	}
	return n, nil
}

// Sync forces the mmap'd writes to stable storage, used on segment roll and
// on explicit flush per §4.1.
func (w *Writer) Sync() error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return nil
	}
	return msync(w.data)
}

// Seal finalizes the segment: it truncates the file down to the logical
// length actually used (frames + index block) and writes the index block
// immediately after the last frame, recording IndexStart/MaxIndex/SealTime
// in the returned SegmentInfo.
func (w *Writer) Seal() (types.SegmentInfo, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	indexStart := w.offset
	indexBytes := make([]byte, 4*len(w.index))
	for i, off := range w.index {
		binary.LittleEndian.PutUint32(indexBytes[i*4:], off)
	}
	if int(indexStart)+len(indexBytes) > len(w.data) {
		return types.SegmentInfo{}, fmt.Errorf("index block does not fit in segment")
	}
	copy(w.data[indexStart:], indexBytes)

	info := w.info
	info.IndexStart = indexStart
	info.SealTime = time.Now()
	if len(w.index) > 0 {
		info.MaxIndex = info.BaseIndex + uint64(len(w.index)) - 1
	}

	if err := msync(w.data); err != nil {
		return types.SegmentInfo{}, err
	}
	finalSize := int64(indexStart) + int64(len(indexBytes))
	if err := w.f.Truncate(finalSize); err != nil {
		return types.SegmentInfo{}, err
	}
	return info, nil
}

// Close unmaps and closes the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if err := munmap(w.data); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}
