// Copyright 2024 The Comet Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package memregion reserves page-aligned backing memory for the
// collectors. It generalizes the teacher's per-OS sysAlloc/sysReserve
// split (runtime/os_darwin.go, runtime/cgo_mmap.go) into one portable
// region type built on golang.org/x/sys/unix.
package memregion

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Region is a single anonymous mmap reservation. It is not safe for
// concurrent use; callers serialize access the same way mutator and
// collector already serialize heap access (spec §5).
type Region struct {
	base []byte
}

// Reserve maps n bytes of zeroed, read-write memory. n is rounded up
// to the system page size by the kernel; callers that care about exact
// block/nursery sizing should already pass page-aligned values.
func Reserve(n int) (*Region, error) {
	if n <= 0 {
		return nil, fmt.Errorf("memregion: invalid size %d", n)
	}
	b, err := unix.Mmap(-1, 0, n, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("memregion: mmap %d bytes: %w", n, err)
	}
	return &Region{base: b}, nil
}

// Bytes returns the backing slice. Index 0 is the region's base address.
func (r *Region) Bytes() []byte { return r.base }

// Len returns the reserved size in bytes.
func (r *Region) Len() int { return len(r.base) }

// Release unmaps the region. Callers must not touch Bytes after this.
func (r *Region) Release() error {
	if r.base == nil {
		return nil
	}
	err := unix.Munmap(r.base)
	r.base = nil
	return err
}

// Decommit advises the kernel the range is no longer needed without
// unmapping it, giving pages back to the OS while keeping the
// reservation (mirrors HeapReleased in the teacher's MemStats,
// runtime/mem.go). No collector in this module calls it.
func (r *Region) Decommit(off, n int) error {
	if off < 0 || n < 0 || off+n > len(r.base) {
		return fmt.Errorf("memregion: decommit range out of bounds")
	}
	if n == 0 {
		return nil
	}
	return unix.Madvise(r.base[off:off+n], unix.MADV_DONTNEED)
}
