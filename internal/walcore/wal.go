// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package walcore implements spec.md's C1 Segmented Log: an append-only,
// segmented, crash-recoverable record store addressed by a monotonic log
// index, with indexed tailing. It is a generalization of the teacher
// (dreamsxin/wal, a renamed HashiCorp raft-wal) from raft's batch
// StoreLogs/GetLog API to the single-record Append/Tailer contract spec.md
// §4.1 describes, with segments rolled by wall-clock cycle (Hourly/Daily)
// rather than purely by size.
package walcore

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/immutable"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/chronicle/chronicle/internal/walcore/metadb"
	"github.com/chronicle/chronicle/internal/walcore/segment"
	"github.com/chronicle/chronicle/internal/walcore/types"
)

// Roll cycles, per spec.md §6 config enum queue.roll_cycle.
const (
	RollHourly      = "Hourly"
	RollDaily       = "Daily"
	RollLargeHourly = "LargeHourly"
)

// DefaultSegmentSize bounds how large a single segment file is allowed to
// grow before it must roll, independent of the wall-clock roll cycle.
var DefaultSegmentSize = 64 * 1024 * 1024

// ErrNoMoreEntries is returned by Tailer.ReadNext when the tailer has
// caught up to the tail of the log; it is not a failure.
var ErrNoMoreEntries = errors.New("no more entries")

var (
	ErrNotFound   = types.ErrNotFound
	ErrCorrupt    = types.ErrCorrupt
	ErrClosed     = types.ErrClosed
	ErrFull       = types.ErrFull
	ErrOutOfRange = errors.New("index out of range")
)

// segmentHandle pairs a segment's metadata with its open file handle: a
// *segment.Writer for the tail, a *segment.Reader for sealed segments.
type segmentHandle struct {
	info   types.SegmentInfo
	reader *segment.Reader // nil for the tail; use tail instead
	tail   *segment.Writer // non-nil only for the current tail segment
}

type state struct {
	segments *immutable.SortedMap[uint64, segmentHandle]
	tail     *segment.Writer
}

func (s *state) lastIndex() uint64 {
	if s.tail == nil {
		return 0
	}
	if last := s.tail.LastIndex(); last != 0 {
		return last
	}
	// Empty tail (just rolled, or a fresh log): the last index is the one
	// just before the tail's base.
	if base := s.tailInfo().BaseIndex; base > 0 {
		return base - 1
	}
	return 0
}

func (s *state) find(idx uint64) (segmentHandle, bool) {
	it := s.segments.Iterator()
	var best segmentHandle
	found := false
	for !it.Done() {
		_, v, _ := it.Next()
		if v.info.BaseIndex <= idx {
			best = v
			found = true
		} else {
			break
		}
	}
	if !found {
		return segmentHandle{}, false
	}
	if best.info.Sealed() && idx > best.info.MaxIndex {
		return segmentHandle{}, false
	}
	return best, true
}

func (s *state) tailInfo() types.SegmentInfo {
	if s.tail == nil {
		return types.SegmentInfo{}
	}
	var info types.SegmentInfo
	it := s.segments.Iterator()
	it.Last()
	for !it.Done() {
		_, v, _ := it.Prev()
		if !v.info.Sealed() {
			info = v.info
			break
		}
	}
	return info
}

// WAL is the segmented, append-only log described in spec.md §4.1.
type WAL struct {
	closed uint32

	dir       string
	cacheName string
	sf        types.SegmentFiler
	metaDB    types.MetaStore

	rollCycle   string
	segmentSize int

	logger  log.Logger
	metrics *walMetrics

	s atomic.Value // *state

	writeMu       sync.Mutex
	nextSegmentID uint64
}

// Option configures Open.
type Option func(*WAL)

// WithSegmentSize overrides DefaultSegmentSize.
func WithSegmentSize(n int) Option { return func(w *WAL) { w.segmentSize = n } }

// WithRollCycle sets the time-based roll cycle (RollHourly, RollDaily, or
// RollLargeHourly). Default is RollDaily per spec.md §6.
func WithRollCycle(cycle string) Option { return func(w *WAL) { w.rollCycle = cycle } }

// WithLogger sets the go-kit logger used for operator-visible events
// (segment rotation, torn-tail recovery).
func WithLogger(l log.Logger) Option { return func(w *WAL) { w.logger = l } }

// WithRegisterer sets the prometheus registerer metrics are registered
// against.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(w *WAL) { w.metrics = newWALMetrics(reg) }
}

// WithCacheName sets the name embedded in segment file names
// ("{cache_name}-...seg").
func WithCacheName(name string) Option { return func(w *WAL) { w.cacheName = name } }

// withSegmentFiler and withMetaStore are unexported so tests in this
// package can inject fakes; production callers always get the file-backed
// implementations wired up in Open.
func withSegmentFiler(sf types.SegmentFiler) Option { return func(w *WAL) { w.sf = sf } }
func withMetaStore(m types.MetaStore) Option        { return func(w *WAL) { w.metaDB = m } }

// Open opens the WAL stored in dir, creating it if empty, and recovering a
// torn tail if the process crashed mid-write.
func Open(dir string, opts ...Option) (*WAL, error) {
	w := &WAL{dir: dir, rollCycle: RollDaily, segmentSize: DefaultSegmentSize, cacheName: "chronicle"}
	for _, o := range opts {
		o(w)
	}
	if w.logger == nil {
		w.logger = log.NewNopLogger()
	}
	if w.metrics == nil {
		w.metrics = newWALMetrics(nil)
	}
	if err := w.initFromDisk(); err != nil {
		return nil, err
	}
	return w, nil
}

// initFromDisk (re)builds the segment filer, metastore and in-memory state
// from whatever is on disk at w.dir. Open calls it once on a fresh WAL;
// Reopen calls it again after discarding stale handles, so the two share
// every byte of segment-discovery and torn-tail-recovery logic instead of
// drifting apart.
func (w *WAL) initFromDisk() error {
	if w.sf == nil {
		w.sf = newFileFiler(w.dir, w.cacheName, w.logger)
	}
	if w.metaDB == nil {
		md, err := metadb.Open(w.dir)
		if err != nil {
			return err
		}
		w.metaDB = md
	}

	persisted, err := w.metaDB.Load(w.dir)
	if err != nil {
		return fmt.Errorf("loading wal metastore: %w", err)
	}

	toDelete, err := w.sf.List()
	if err != nil {
		return fmt.Errorf("listing segment files: %w", err)
	}

	var segments = &immutable.SortedMap[uint64, segmentHandle]{}
	var tail *segment.Writer
	recoveredTail := false
	nextSegmentID := persisted.NextSegmentID

	for i, si := range persisted.Segments {
		delete(toDelete, si.ID)
		if !si.Sealed() {
			if i != len(persisted.Segments)-1 {
				return fmt.Errorf("unsealed segment is not at tail of metastore")
			}
			wf, err := w.sf.RecoverTail(si)
			if err != nil {
				return fmt.Errorf("recovering tail segment %d: %w", si.ID, err)
			}
			tw, ok := wf.(*segment.Writer)
			if !ok {
				return fmt.Errorf("recovered tail is not a *segment.Writer")
			}
			segments = segments.Set(si.BaseIndex, segmentHandle{info: si, tail: tw})
			tail = tw
			recoveredTail = true
			break
		}

		rf, err := w.sf.Open(si)
		if err != nil {
			return fmt.Errorf("opening sealed segment %d: %w", si.ID, err)
		}
		rdr, err := segment.OpenReader(si, rf)
		if err != nil {
			return err
		}
		segments = segments.Set(si.BaseIndex, segmentHandle{info: si, reader: rdr})
	}

	if !recoveredTail {
		si := types.SegmentInfo{
			ID:         nextSegmentID,
			BaseIndex:  1,
			MinIndex:   1,
			SizeLimit:  uint32(w.segmentSize),
			CreateTime: time.Now(),
			RollCycle:  w.rollCycle,
		}
		nextSegmentID++
		if err := w.metaDB.CommitState(types.PersistedMeta{
			NextSegmentID: nextSegmentID,
			Segments:      append(append([]types.SegmentInfo{}, persisted.Segments...), si),
		}); err != nil {
			return fmt.Errorf("committing initial segment metadata: %w", err)
		}
		wf, err := w.sf.Create(si)
		if err != nil {
			return fmt.Errorf("creating initial segment: %w", err)
		}
		tw := wf.(*segment.Writer)
		segments = segments.Set(si.BaseIndex, segmentHandle{info: si, tail: tw})
		tail = tw
	}

	w.nextSegmentID = nextSegmentID
	w.s.Store(&state{segments: segments, tail: tail})

	for id := range toDelete {
		if err := w.sf.Delete(0, id); err != nil {
			level.Error(w.logger).Log("msg", "failed to delete orphan segment file", "id", id, "err", err)
		}
	}

	return nil
}

// Reopen discards every open segment file descriptor and the metastore
// handle and rebuilds them from whatever is on disk at w.dir right now. It
// exists for the Recovery Engine's startup corruption path (§4.8 step 4),
// which renames the log directory aside and recreates an empty one at the
// same path: os.Rename does not invalidate file descriptors or mmap'd
// regions already open on w, so without this call Append would keep
// writing into the archived, now-detached directory instead of the fresh
// one. Callers already holding this *WAL (producer, applier, System) see
// the swap automatically since it mutates w in place.
func (w *WAL) Reopen() error {
	if err := w.checkClosed(); err != nil {
		return err
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	s := w.loadState()
	it := s.segments.Iterator()
	for !it.Done() {
		_, v, _ := it.Next()
		if v.tail != nil {
			_ = v.tail.Sync()
			_ = v.tail.Close()
		} else if v.reader != nil {
			_ = v.reader.Close()
		}
	}
	if w.metaDB != nil {
		_ = w.metaDB.Close()
	}
	w.sf = nil
	w.metaDB = nil

	return w.initFromDisk()
}

func (w *WAL) loadState() *state { return w.s.Load().(*state) }

// Dir returns the directory this WAL was opened against, used by the
// Recovery Engine to archive an unrecoverable log directory (§4.8).
func (w *WAL) Dir() string { return w.dir }

func (w *WAL) checkClosed() error {
	if atomic.LoadUint32(&w.closed) != 0 {
		return types.ErrClosed
	}
	return nil
}

// LastAppendedIndex returns the highest index appended, or 0 if the log is
// empty.
func (w *WAL) LastAppendedIndex() (uint64, error) {
	if err := w.checkClosed(); err != nil {
		return 0, err
	}
	return w.loadState().lastIndex(), nil
}

// Append durably writes body as the next record and returns its assigned
// index. Only one Append may be in flight at a time (§4.1: "at-most-one
// concurrent appender").
func (w *WAL) Append(body []byte) (uint64, error) {
	if err := w.checkClosed(); err != nil {
		return 0, err
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	s := w.loadState()
	if w.needsRoll(s) {
		var err error
		s, err = w.rollLocked(s)
		if err != nil {
			return 0, err
		}
	}

	idx := s.lastIndex() + 1
	if err := s.tail.Append([]types.LogEntry{{Index: idx, Data: body}}); err != nil {
		if errors.Is(err, types.ErrFull) {
			s, err = w.rollLocked(s)
			if err != nil {
				return 0, err
			}
			idx = s.lastIndex() + 1
			if err := s.tail.Append([]types.LogEntry{{Index: idx, Data: body}}); err != nil {
				return 0, fmt.Errorf("%w: record does not fit in an empty segment", types.ErrFull)
			}
		} else {
			return 0, fmt.Errorf("io error appending to wal: %w", err)
		}
	}
	w.metrics.appends.Inc()
	w.metrics.entriesWritten.Inc()
	w.metrics.bytesWritten.Add(float64(len(body)))

	if sealed, _, err := s.tail.Sealed(); err == nil && sealed {
		if _, err := w.rollLocked(s); err != nil {
			level.Error(w.logger).Log("msg", "failed to roll full segment after append", "err", err)
		}
	}
	return idx, nil
}

// Flush forces the current tail segment's writes to stable storage.
func (w *WAL) Flush() error {
	if err := w.checkClosed(); err != nil {
		return err
	}
	s := w.loadState()
	if s.tail == nil {
		return nil
	}
	return s.tail.Sync()
}

func (w *WAL) needsRoll(s *state) bool {
	if s.tail == nil {
		return false
	}
	if sealed, _, _ := s.tail.Sealed(); sealed {
		return true
	}
	info := s.tailInfo()
	if info.BaseIndex == 0 && s.lastIndex() == 0 {
		return false
	}
	if s.tail.LastIndex() == 0 {
		// Empty tail segment: never roll purely for a time-bucket change,
		// otherwise we'd spin creating empty segments while idle.
		return false
	}
	return rollBucket(w.rollCycle, info.CreateTime) != rollBucket(w.rollCycle, time.Now())
}

func rollBucket(cycle string, t time.Time) string {
	if cycle == RollHourly || cycle == RollLargeHourly {
		return t.Format("2006010215")
	}
	return t.Format("20060102")
}

// rollLocked seals the current tail segment (if any) and opens a new one.
// writeMu must be held.
func (w *WAL) rollLocked(s *state) (*state, error) {
	newSegments := s.segments
	var sealedInfo types.SegmentInfo
	hadTail := s.tail != nil
	if hadTail {
		oldInfo := s.tailInfo()
		info, err := s.tail.Seal()
		if err != nil {
			return nil, fmt.Errorf("sealing segment: %w", err)
		}
		sealedInfo = info
		w.metrics.lastSegmentAgeSeconds.Set(time.Since(oldInfo.CreateTime).Seconds())
		rdr, err := segment.OpenReader(info, s.tail)
		if err != nil {
			return nil, err
		}
		newSegments = newSegments.Set(info.BaseIndex, segmentHandle{info: info, reader: rdr})
	}

	nextBase := uint64(1)
	if hadTail {
		nextBase = sealedInfo.MaxIndex + 1
	}
	newInfo := types.SegmentInfo{
		ID:         w.nextSegmentID,
		BaseIndex:  nextBase,
		MinIndex:   nextBase,
		SizeLimit:  uint32(w.segmentSize),
		CreateTime: time.Now(),
		RollCycle:  w.rollCycle,
	}
	w.nextSegmentID++

	allSegments := collectSegmentInfos(newSegments)
	allSegments = append(allSegments, newInfo)
	if err := w.metaDB.CommitState(types.PersistedMeta{NextSegmentID: w.nextSegmentID, Segments: allSegments}); err != nil {
		return nil, fmt.Errorf("committing rotated segment metadata: %w", err)
	}

	wf, err := w.sf.Create(newInfo)
	if err != nil {
		return nil, fmt.Errorf("creating rotated segment: %w", err)
	}
	tw := wf.(*segment.Writer)
	newSegments = newSegments.Set(newInfo.BaseIndex, segmentHandle{info: newInfo, tail: tw})

	newState := &state{segments: newSegments, tail: tw}
	w.s.Store(newState)
	w.metrics.segmentRotations.Inc()
	return newState, nil
}

func collectSegmentInfos(m *immutable.SortedMap[uint64, segmentHandle]) []types.SegmentInfo {
	out := make([]types.SegmentInfo, 0, m.Len())
	it := m.Iterator()
	for !it.Done() {
		_, v, _ := it.Next()
		out = append(out, v.info)
	}
	return out
}

// getLog reads the record at idx from whichever segment holds it.
func (w *WAL) getLog(idx uint64) ([]byte, error) {
	s := w.loadState()
	h, ok := s.find(idx)
	if !ok {
		return nil, types.ErrNotFound
	}
	var le types.LogEntry
	if h.tail != nil {
		rdr, err := segment.OpenTailReader(h.info, h.tail, h.tail)
		if err != nil {
			return nil, err
		}
		if err := rdr.GetLog(idx, &le); err != nil {
			w.metrics.corruptionsDetected.Inc()
			return nil, err
		}
	} else {
		if err := h.reader.GetLog(idx, &le); err != nil {
			w.metrics.corruptionsDetected.Inc()
			return nil, err
		}
	}
	w.metrics.entriesRead.Inc()
	w.metrics.entryBytesRead.Add(float64(len(le.Data)))
	return le.Data, nil
}

// Close closes all open segment files and the metastore.
func (w *WAL) Close() error {
	if old := atomic.SwapUint32(&w.closed, 1); old != 0 {
		return nil
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	s := w.loadState()
	it := s.segments.Iterator()
	for !it.Done() {
		_, v, _ := it.Next()
		if v.tail != nil {
			_ = v.tail.Sync()
			_ = v.tail.Close()
		} else if v.reader != nil {
			_ = v.reader.Close()
		}
	}
	return w.metaDB.Close()
}

// Position selects where a Tailer begins reading.
type Position struct {
	kind  int
	index uint64
}

const (
	posStart = iota
	posEnd
	posAt
)

func PositionStart() Position         { return Position{kind: posStart} }
func PositionEnd() Position           { return Position{kind: posEnd} }
func PositionAt(index uint64) Position { return Position{kind: posAt, index: index} }

// Tailer is an independent, positioned reader over the log.
type Tailer struct {
	w   *WAL
	idx uint64
}

// NewTailer opens a tailer positioned per pos.
func (w *WAL) NewTailer(pos Position) (*Tailer, error) {
	if err := w.checkClosed(); err != nil {
		return nil, err
	}
	t := &Tailer{w: w}
	switch pos.kind {
	case posStart:
		t.idx = 1
	case posEnd:
		last, _ := w.LastAppendedIndex()
		t.idx = last + 1
	case posAt:
		t.idx = pos.index
	}
	return t, nil
}

// ReadNext returns the next record, or ErrNoMoreEntries if the tailer has
// caught up to the tail. A framing/CRC failure returns an error wrapping
// types.ErrCorrupt and the tailer's position is left at the failed index so
// the caller can hand it to the Recovery Engine.
func (t *Tailer) ReadNext() (uint64, []byte, error) {
	last, err := t.w.LastAppendedIndex()
	if err != nil {
		return 0, nil, err
	}
	if t.idx > last {
		return 0, nil, ErrNoMoreEntries
	}
	body, err := t.w.getLog(t.idx)
	if err != nil {
		return t.idx, nil, err
	}
	idx := t.idx
	t.idx++
	return idx, body, nil
}

// MoveTo repositions the tailer to index. If index lies inside an
// unreadable region, the next ReadNext call surfaces the corruption.
func (t *Tailer) MoveTo(index uint64) { t.idx = index }

// Position returns the next index the tailer will read.
func (t *Tailer) Position() uint64 { return t.idx }
