// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package walcore

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/chronicle/chronicle/internal/walcore/segment"
	"github.com/chronicle/chronicle/internal/walcore/types"
)

// fileFiler is the production types.SegmentFiler: one directory per cache,
// segment files named "{cache_name}-{YYYYMMDD|YYYYMMDDHH}-{seq}.seg" per
// spec.md §6.
type fileFiler struct {
	dir       string
	cacheName string
	logger    log.Logger
}

func newFileFiler(dir, cacheName string, logger log.Logger) *fileFiler {
	return &fileFiler{dir: dir, cacheName: cacheName, logger: logger}
}

func (f *fileFiler) segmentFileName(info types.SegmentInfo) string {
	stamp := info.CreateTime.Format("20060102")
	switch info.RollCycle {
	case RollHourly, RollLargeHourly:
		stamp = info.CreateTime.Format("2006010215")
	}
	return fmt.Sprintf("%s-%s-%d.seg", f.cacheName, stamp, info.ID)
}

func (f *fileFiler) path(info types.SegmentInfo) string {
	return filepath.Join(f.dir, f.segmentFileName(info))
}

func (f *fileFiler) Create(info types.SegmentInfo) (types.WritableFile, error) {
	return segment.Create(f.path(info), info)
}

func (f *fileFiler) RecoverTail(info types.SegmentInfo) (types.WritableFile, error) {
	w, removed, err := segment.Recover(f.path(info), info)
	if err != nil {
		return nil, err
	}
	if removed > 0 {
		level.Warn(f.logger).Log("msg", "truncated torn tail on open", "segment", info.ID, "frames_removed", removed)
	}
	return w, nil
}

func (f *fileFiler) Open(info types.SegmentInfo) (types.ReadableFile, error) {
	file, err := os.Open(f.path(info))
	if err != nil {
		return nil, err
	}
	return &osReadableFile{f: file}, nil
}

func (f *fileFiler) List() (map[uint64]uint64, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[uint64]uint64{}, nil
		}
		return nil, err
	}
	out := map[uint64]uint64{}
	prefix := f.cacheName + "-"
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".seg") {
			continue
		}
		trimmed := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".seg")
		parts := strings.Split(trimmed, "-")
		if len(parts) != 2 {
			continue
		}
		id, err := strconv.ParseUint(parts[1], 10, 64)
		if err != nil {
			continue
		}
		out[id] = id
	}
	return out, nil
}

func (f *fileFiler) Delete(baseIndex, id uint64) error {
	// We don't know the exact file name without CreateTime, but IDs are
	// unique across the log so we can look it up by scanning. The WAL calls
	// this only for orphan cleanup of files with no surviving SegmentInfo,
	// identified purely by the ID suffix in List.
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return err
	}
	suffix := fmt.Sprintf("-%d.seg", id)
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), suffix) {
			return os.Remove(filepath.Join(f.dir, e.Name()))
		}
	}
	return nil
}

type osReadableFile struct {
	f *os.File
}

func (r *osReadableFile) ReadAt(p []byte, off int64) (int, error) {
	return r.f.ReadAt(p, off)
}

func (r *osReadableFile) Close() error {
	return r.f.Close()
}
