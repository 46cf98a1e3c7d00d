// Copyright 2024 The Comet Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package marksweep implements the other minimal alternative strategy
// spec.md §1 names only in passing: an ordinary non-moving mark-sweep
// collector over one flat memregion reservation, with a first-fit free
// list standing in for anything fancier. Like package semispace, it
// exists to give policy.Policy and the rooting contract a second,
// independent implementation to exercise against, not to compete with
// Immix or MiniMark on allocation throughput.
//
// The live-address bookkeeping (a sorted slice plus a size map) is the
// same shape minimark.Heap keeps for its old space (minimark/
// minimark.go's oldAddrs/oldSizes, minimark/major.go's sweep loop);
// marksweep reuses it because a flat non-moving space has exactly the
// same "no enumerable block structure, so track object starts
// yourself" problem minimark's old space has.
package marksweep

import (
	"fmt"
	"sort"
	"unsafe"

	"github.com/Starlight-JS/comet/gcinfo"
	"github.com/Starlight-JS/comet/internal/memregion"
	"github.com/Starlight-JS/comet/internal/worklist"
	"github.com/Starlight-JS/comet/objheader"
	"github.com/Starlight-JS/comet/policy"
	"github.com/Starlight-JS/comet/rooting"
)

// Config configures one marksweep Policy.
type Config struct {
	// HeapSize is the single flat reservation's byte size.
	HeapSize uintptr
}

// span is a free region's address and byte size.
type span struct {
	addr uintptr
	size uintptr
}

// Policy is the mark-sweep collector. It satisfies policy.Policy.
type Policy struct {
	cfg     Config
	gctable *gcinfo.Table

	region        *memregion.Region
	base, limit   uintptr
	bumpPtr       uintptr
	free          []span // sorted by addr, coalesced on insert

	liveSizes map[uintptr]uintptr
	liveAddrs []uintptr // sorted
}

var _ policy.Policy = (*Policy)(nil)

// New reserves the flat heap region and returns a ready-to-use Policy.
func New(cfg Config, gctable *gcinfo.Table) (*Policy, error) {
	if cfg.HeapSize == 0 {
		cfg.HeapSize = 1 << 20
	}
	region, err := memregion.Reserve(int(cfg.HeapSize))
	if err != nil {
		return nil, fmt.Errorf("marksweep: reserve heap: %w", err)
	}
	base := addrOf(region.Bytes())
	return &Policy{
		cfg:       cfg,
		gctable:   gctable,
		region:    region,
		base:      base,
		limit:     base + cfg.HeapSize,
		bumpPtr:   base,
		liveSizes: make(map[uintptr]uintptr),
	}, nil
}

func addrOf(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

// Allocate finds a total-byte block for the header-prefixed object,
// first-fit from the free list, falling back to bumping the
// never-yet-used tail of the region.
func (p *Policy) Allocate(size uintptr, gcIdx uint16) (objheader.Ref, bool) {
	total := uintptr(objheader.Size) + size
	addr, ok := p.allocBytes(total)
	if !ok {
		return objheader.NilRef, false
	}
	ref := objheader.Ref(addr)
	objheader.Init(ref, objheader.Pack(gcIdx, uint64(size)))
	p.recordLive(addr, total)
	return ref, true
}

func (p *Policy) allocBytes(total uintptr) (uintptr, bool) {
	for i, s := range p.free {
		if s.size < total {
			continue
		}
		addr := s.addr
		if s.size == total {
			p.free = append(p.free[:i], p.free[i+1:]...)
		} else {
			p.free[i] = span{addr: s.addr + total, size: s.size - total}
		}
		return addr, true
	}
	if p.bumpPtr+total > p.limit {
		return 0, false
	}
	addr := p.bumpPtr
	p.bumpPtr += total
	return addr, true
}

func (p *Policy) recordLive(addr, size uintptr) {
	p.liveSizes[addr] = size
	i := sort.Search(len(p.liveAddrs), func(i int) bool { return p.liveAddrs[i] >= addr })
	p.liveAddrs = append(p.liveAddrs, 0)
	copy(p.liveAddrs[i+1:], p.liveAddrs[i:])
	p.liveAddrs[i] = addr
}

func (p *Policy) forgetLive(addr uintptr) {
	delete(p.liveSizes, addr)
	i := sort.Search(len(p.liveAddrs), func(i int) bool { return p.liveAddrs[i] >= addr })
	if i < len(p.liveAddrs) && p.liveAddrs[i] == addr {
		p.liveAddrs = append(p.liveAddrs[:i], p.liveAddrs[i+1:]...)
	}
}

// freeSpan inserts addr/size back into the free list in address order,
// coalescing with an immediately adjacent neighbor on either side.
func (p *Policy) freeSpan(addr, size uintptr) {
	i := sort.Search(len(p.free), func(i int) bool { return p.free[i].addr >= addr })
	merged := span{addr: addr, size: size}
	if i < len(p.free) && merged.addr+merged.size == p.free[i].addr {
		merged.size += p.free[i].size
		p.free = append(p.free[:i], p.free[i+1:]...)
	}
	if i > 0 && p.free[i-1].addr+p.free[i-1].size == merged.addr {
		p.free[i-1].size += merged.size
		return
	}
	p.free = append(p.free, span{})
	copy(p.free[i+1:], p.free[i:])
	p.free[i] = merged
}

// Collect runs one stop-the-world mark-sweep cycle: mark every object
// runRoots can reach (transitively, via the shared explicit worklist
// machinery package rooting provides), resolve weak slots against the
// final mark state, then walk every live address and either reset its
// mark bit (survivor) or finalize and free it (garbage).
func (p *Policy) Collect(
	runRoots func(v gcinfo.Visitor),
	weakSweep func(isMarked func(objheader.Ref) bool),
) policy.Stats {
	work := worklist.NewStack(256)
	visitor := rooting.NewVisitor(work, nil) // non-moving: no Forward.

	runRoots(visitor)
	rooting.Drain(work, func(ref objheader.Ref) {
		info := p.gctable.Get(ref.GCInfoIndex())
		if info.Trace != nil {
			info.Trace(visitor, ref.Payload())
		}
	})

	weakSweep(func(ref objheader.Ref) bool {
		return ref.MarkState() == objheader.Marked
	})

	freed, finalized := 0, 0
	for _, addr := range append([]uintptr(nil), p.liveAddrs...) {
		ref := objheader.Ref(addr)
		if ref.MarkState() == objheader.Marked {
			ref.SetMarkState(objheader.Unmarked)
			continue
		}
		info := p.gctable.Get(ref.GCInfoIndex())
		if info.Finalize != nil {
			info.Finalize(ref.Payload())
			finalized++
		}
		size := p.liveSizes[addr]
		p.forgetLive(addr)
		p.freeSpan(addr, size)
		freed++
	}

	return policy.Stats{Freed: freed, Finalized: finalized}
}

// Close releases the heap reservation.
func (p *Policy) Close() error {
	return p.region.Release()
}
