// Copyright 2024 The Comet Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package sizeclass defines the interface the core consumes from an
// external size-class allocator (spec.md §1: "the external size-class
// allocator used as a building block [is] specified only by the
// interface the core consumes from it") and ships one reference
// implementation, SlabPool, which backs MiniMark's old space. Immix
// does not use it.
//
// SlabPool's free-list-per-class design is grounded on the teacher's
// mcentral/msize machinery (runtime/mcache.go's gclinkptr free lists,
// runtime/msize.go's size-class table), generalized from a per-P
// cache fronting a shared mheap into a single pool suitable for a
// library that does not have Go's M:P:G scheduler to shard across.
package sizeclass

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/Starlight-JS/comet/internal/memregion"
)

func addrOf(b []byte) uintptr {
	return uintptr(unsafe.Pointer(&b[0]))
}

// Allocator is the interface the core requires of a backing
// size-class allocator: allocate a block of at least size bytes,
// free a previously allocated block, and report how many bytes a
// given size rounds up to.
type Allocator interface {
	Alloc(size uintptr) (addr uintptr, ok bool)
	Free(addr uintptr, size uintptr)
	RoundUp(size uintptr) uintptr
}

// Classes is the default geometric size-class progression, built at
// construction time from a progression factor (config
// size_class_progression, spec.md §6). Index 0 is always the minimum
// alignment-sized class.
func Classes(progression float64, minSize, maxSize uintptr) []uintptr {
	if progression <= 1.0 {
		progression = 1.25
	}
	classes := []uintptr{minSize}
	for classes[len(classes)-1] < maxSize {
		next := uintptr(float64(classes[len(classes)-1]) * progression)
		next = roundUpTo(next, minSize)
		if next <= classes[len(classes)-1] {
			next = classes[len(classes)-1] + minSize
		}
		classes = append(classes, next)
	}
	return classes
}

func roundUpTo(n, align uintptr) uintptr {
	if align == 0 {
		return n
	}
	return (n + align - 1) &^ (align - 1)
}

// SlabPool is a straightforward free-list-per-class allocator backed
// by memregion reservations. It is the comet-side stand-in for the
// out-of-scope external allocator: good enough to make MiniMark's old
// space exercisable and testable, not a production
// bump-the-state-of-the-art allocator.
type SlabPool struct {
	mu      sync.Mutex // guards free, regions and extCursor
	classes []uintptr
	free    map[uintptr][]uintptr // size class -> free addresses
	regions []*memregion.Region   // regions this pool itself reserved and owns
	slab    int                   // bytes carved per refill

	// external, when set, is a single pre-reserved region this pool
	// carves slabs from instead of calling memregion.Reserve itself.
	// Used by minimark.NewHeap so every old-space address the pool
	// ever hands out falls inside the same range the card table was
	// sized against (spec.md §3's card table covers "the old space";
	// that only holds if old-space allocation and the card table agree
	// on where old space actually is).
	external    *memregion.Region
	extCursor   uintptr
}

// NewSlabPool builds a pool over the given size classes, refilling
// from the OS in slabBytes chunks.
func NewSlabPool(classes []uintptr, slabBytes int) *SlabPool {
	p := &SlabPool{
		classes: classes,
		free:    make(map[uintptr][]uintptr, len(classes)),
		slab:    slabBytes,
	}
	return p
}

// NewSlabPoolIn builds a pool that carves every slab from the single
// pre-reserved region, rather than reserving its own OS memory. The
// caller owns region's lifetime; Release on a pool built this way does
// not unmap it.
func NewSlabPoolIn(classes []uintptr, region *memregion.Region, slabBytes int) *SlabPool {
	return &SlabPool{
		classes:  classes,
		free:     make(map[uintptr][]uintptr, len(classes)),
		slab:     slabBytes,
		external: region,
	}
}

// RoundUp returns the smallest configured size class >= size, or size
// itself if it exceeds every class (Alloc then serves that size as a
// class of its own).
func (p *SlabPool) RoundUp(size uintptr) uintptr {
	for _, c := range p.classes {
		if size <= c {
			return c
		}
	}
	return size
}

// Alloc returns the address of a size-class-sized block, refilling
// from a fresh memregion reservation when the class's free list is
// empty.
func (p *SlabPool) Alloc(size uintptr) (uintptr, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	class := p.RoundUp(size)
	list := p.free[class]
	if len(list) == 0 {
		if !p.refill(class) {
			return 0, false
		}
		list = p.free[class]
	}
	addr := list[len(list)-1]
	p.free[class] = list[:len(list)-1]
	return addr, true
}

// Free returns addr to its size class's free list.
func (p *SlabPool) Free(addr uintptr, size uintptr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	class := p.RoundUp(size)
	p.free[class] = append(p.free[class], addr)
}

func (p *SlabPool) refill(class uintptr) bool {
	if class == 0 {
		return false
	}
	if p.external != nil {
		return p.refillFromExternal(class)
	}
	n := p.slab
	if n <= 0 {
		n = 64 * 1024
	}
	count := n / int(class)
	if count == 0 {
		count = 1
		n = int(class)
	}
	region, err := memregion.Reserve(n)
	if err != nil {
		return false
	}
	p.regions = append(p.regions, region)
	base := region.Bytes()
	if len(base) == 0 {
		return false
	}
	baseAddr := addrOf(base)
	slots := make([]uintptr, 0, count)
	for i := 0; i < count; i++ {
		slots = append(slots, baseAddr+uintptr(i)*class)
	}
	p.free[class] = append(p.free[class], slots...)
	return true
}

// refillFromExternal carves up to p.slab bytes' worth of class-sized
// slots out of the externally-owned region, starting at extCursor.
// It fails once the region is exhausted: old space has a fixed
// reservation, unlike the OS-backed NewSlabPool path.
func (p *SlabPool) refillFromExternal(class uintptr) bool {
	total := uintptr(len(p.external.Bytes()))
	remaining := total - p.extCursor
	if remaining < class {
		return false
	}
	want := uintptr(p.slab)
	if want == 0 || want > remaining {
		want = remaining
	}
	count := want / class
	if count == 0 {
		count = 1
	}
	base := addrOf(p.external.Bytes())
	slots := make([]uintptr, 0, count)
	for i := uintptr(0); i < count; i++ {
		slots = append(slots, base+p.extCursor+i*class)
	}
	p.extCursor += count * class
	p.free[class] = append(p.free[class], slots...)
	return true
}

// Release unmaps every region the pool itself reserved. Callers
// invoke this from heap_free (spec.md §6). A pool built with
// NewSlabPoolIn does not own its backing region, so Release is a
// no-op for it; the caller that reserved the region releases it
// directly.
func (p *SlabPool) Release() error {
	var firstErr error
	for _, r := range p.regions {
		if err := r.Release(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("sizeclass: release region: %w", err)
		}
	}
	p.regions = nil
	return firstErr
}
