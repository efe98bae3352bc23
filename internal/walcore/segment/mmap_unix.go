// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

//go:build linux || darwin

package segment

import (
	"os"

	"golang.org/x/sys/unix"
)

// mmapFile memory-maps size bytes of f for reading and writing, per the
// DESIGN NOTES' "use OS-provided memory mapping where available" guidance.
// The returned slice is valid until munmap is called on it.
func mmapFile(f *os.File, size int) ([]byte, error) {
	return unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

func munmap(data []byte) error {
	return unix.Munmap(data)
}

func msync(data []byte) error {
	return unix.Msync(data, unix.MS_SYNC)
}
