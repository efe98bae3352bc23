// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package segment implements the on-disk frame format described in
// spec.md §6: "Record: u32 length_le | u32 crc32c_le | body[length]". A
// segment file is a sequence of such frames followed, once sealed, by a
// fixed-width index block mapping log index -> frame byte offset.
package segment

import (
	"encoding/binary"
	"fmt"

	"github.com/chronicle/chronicle/internal/walcore/types"
)

const (
	frameHeaderLen = 8 // u32 length + u32 crc32c

	// MaxEntrySize bounds a single frame body so a corrupt length header
	// can never cause an attempt to allocate or read a huge buffer.
	MaxEntrySize = 64 * 1024 * 1024
)

type frameHeader struct {
	len  uint32
	crc  uint32
}

func encodeFrameHeader(buf []byte, len_, crc uint32) {
	binary.LittleEndian.PutUint32(buf[0:4], len_)
	binary.LittleEndian.PutUint32(buf[4:8], crc)
}

func readFrameHeader(buf []byte) (frameHeader, error) {
	if len(buf) < frameHeaderLen {
		return frameHeader{}, fmt.Errorf("%w: short frame header", types.ErrCorrupt)
	}
	return frameHeader{
		len: binary.LittleEndian.Uint32(buf[0:4]),
		crc: binary.LittleEndian.Uint32(buf[4:8]),
	}, nil
}
