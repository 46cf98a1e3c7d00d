// Copyright 2024 The Comet Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package semispace implements the simplest moving collector spec.md
// §1 mentions only in passing, as one of the "straightforward and not
// spelled out" alternative strategies: two equal-sized half-spaces,
// bump allocation in whichever is current, and a Cheney-style copy of
// every reachable object into the other half at collection time. It
// exists to exercise policy.Policy and the rooting contract end to
// end with the cheapest possible moving collector, not as a serious
// allocator.
//
// The bump-into-from-space-then-flip-on-collect shape is grounded on
// minimark's nursery (minimark/minimark.go, minimark/minor.go): this
// is minimark's nursery generalized to cover the entire heap instead
// of one small generation, with both halves reserved up front via
// memregion the way minimark reserves its nursery.
package semispace

import (
	"fmt"
	"unsafe"

	"github.com/Starlight-JS/comet/gcinfo"
	"github.com/Starlight-JS/comet/internal/memregion"
	"github.com/Starlight-JS/comet/internal/worklist"
	"github.com/Starlight-JS/comet/objheader"
	"github.com/Starlight-JS/comet/policy"
	"github.com/Starlight-JS/comet/rooting"
)

// Config configures one semispace Policy.
type Config struct {
	// HalfSize is the byte size of each of the two half-spaces.
	HalfSize uintptr
}

// Policy is the semispace collector. It satisfies policy.Policy.
type Policy struct {
	cfg     Config
	gctable *gcinfo.Table

	regionA, regionB *memregion.Region
	fromBase, fromLim uintptr
	toBase, toLim     uintptr

	bumpPtr uintptr
}

var _ policy.Policy = (*Policy)(nil)

// New reserves both half-spaces and returns a ready-to-use Policy.
func New(cfg Config, gctable *gcinfo.Table) (*Policy, error) {
	if cfg.HalfSize == 0 {
		cfg.HalfSize = 1 << 20
	}
	a, err := memregion.Reserve(int(cfg.HalfSize))
	if err != nil {
		return nil, fmt.Errorf("semispace: reserve half A: %w", err)
	}
	b, err := memregion.Reserve(int(cfg.HalfSize))
	if err != nil {
		a.Release()
		return nil, fmt.Errorf("semispace: reserve half B: %w", err)
	}
	aBase := addrOf(a.Bytes())
	bBase := addrOf(b.Bytes())

	return &Policy{
		cfg:      cfg,
		gctable:  gctable,
		regionA:  a,
		regionB:  b,
		fromBase: aBase,
		fromLim:  aBase + cfg.HalfSize,
		toBase:   bBase,
		toLim:    bBase + cfg.HalfSize,
		bumpPtr:  aBase,
	}, nil
}

func addrOf(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

// Allocate bump-allocates size bytes from the current from-space.
func (p *Policy) Allocate(size uintptr, gcIdx uint16) (objheader.Ref, bool) {
	needed := uintptr(objheader.Size) + size
	if p.bumpPtr+needed > p.fromLim {
		return objheader.NilRef, false
	}
	ref := objheader.Ref(p.bumpPtr)
	objheader.Init(ref, objheader.Pack(gcIdx, uint64(size)))
	p.bumpPtr += needed
	return ref, true
}

func (p *Policy) inFromSpace(addr uintptr) bool {
	return addr >= p.fromBase && addr < p.fromLim
}

// Collect evacuates every object runRoots can reach (directly or
// transitively) from the current from-space into to-space, flips the
// two half-spaces. The returned Stats are always zero: Collect does
// not count what it leaves behind in the previous from-space.
//
// weakSweep runs against the final mark state before the half-spaces
// flip, the same ordering immix.Heap.Collect and minimark.Heap.
// MajorCollect use: marking finishes, then weak slots are resolved,
// then memory is reclaimed.
//
// Two things this minimal policy deliberately does not do: finalize
// dead objects (bump allocation keeps no enumerable list of object
// starts the way block.Block and minimark's oldAddrs do, so there is
// no way to visit what Collect did not copy forward) and rehome a weak
// slot's address after a move (it keeps pointing at the pre-flip
// from-space location, which is reused by the next cycle's bump
// cursor). Both are real gaps a production semispace collector would
// close; this one exists to exercise the rooting contract, not to be
// that collector.
func (p *Policy) Collect(
	runRoots func(v gcinfo.Visitor),
	weakSweep func(isMarked func(objheader.Ref) bool),
) policy.Stats {
	toPtr := p.toBase
	work := worklist.NewStack(256)

	forward := func(ref objheader.Ref) (objheader.Ref, bool) {
		if !p.inFromSpace(ref.Addr()) {
			return objheader.NilRef, false
		}
		size := ref.EncodedSize()
		total := int(objheader.Size) + int(size)
		if toPtr+uintptr(total) > p.toLim {
			return objheader.NilRef, false
		}
		src := unsafe.Slice((*byte)(unsafe.Pointer(ref.Addr())), total)
		dst := unsafe.Slice((*byte)(unsafe.Pointer(toPtr)), total)
		copy(dst, src)
		moved := objheader.Ref(toPtr)
		toPtr += uintptr(total)
		// Flip the from-space header to Forwarded now that its bytes
		// are safely copied: a second edge into ref (shared field, a
		// reference cycle through to-space) takes Visitor.TraceField's
		// Forwarded fast path instead of copying ref again, and
		// terminates instead of recursing forever around the cycle.
		ref.SetForward(moved)
		return moved, true
	}

	visitor := rooting.NewVisitor(work, forward)
	runRoots(visitor)

	finalized := 0
	rooting.Drain(work, func(ref objheader.Ref) {
		info := p.gctable.Get(ref.GCInfoIndex())
		if info.Trace != nil {
			info.Trace(visitor, ref.Payload())
		}
		ref.SetMarkState(objheader.Unmarked)
	})

	weakSweep(func(ref objheader.Ref) bool {
		return ref.MarkState() == objheader.Forwarded
	})

	// Flip: the copy-to half becomes the live from-space.
	p.fromBase, p.fromLim, p.toBase, p.toLim = p.toBase, p.toLim, p.fromBase, p.fromLim
	p.bumpPtr = toPtr

	return policy.Stats{Finalized: finalized}
}

// Close releases both half-space reservations.
func (p *Policy) Close() error {
	var firstErr error
	if err := p.regionA.Release(); err != nil {
		firstErr = err
	}
	if err := p.regionB.Release(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
