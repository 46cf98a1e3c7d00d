// Copyright 2024 The Comet Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package immix

import (
	"math"

	"github.com/Starlight-JS/comet/block"
	"github.com/Starlight-JS/comet/gcinfo"
	"github.com/Starlight-JS/comet/internal/worklist"
	"github.com/Starlight-JS/comet/objheader"
	"github.com/Starlight-JS/comet/rooting"
)

// CollectStats summarizes one cycle for diagnostics (config.Verbose)
// and the testable "collect twice reclaims nothing more" property
// (spec.md §8).
type CollectStats struct {
	BlockStats block.Stats
	LargeFreed int
	Finalized  int
	GrewBlocks int
}

// Collect runs one full stop-the-world Immix cycle (spec.md §4.4,
// phases 1-8; phase 1's safepoint is the caller's responsibility — by
// the time Collect is invoked the mutator is already stopped).
//
// runRoots pushes every root (shadow stack + BeforeMark/AfterMark
// constraints) into the supplied visitor — the heap facade owns the
// shadow stack and constraint list, so it supplies this callback
// rather than immix importing rooting's ConstraintList directly.
// weakSweep nulls dead weak slots; it runs after marking but before
// any memory is reclaimed, so it observes each object's final mark
// state for this cycle.
func (h *Heap) Collect(
	runRoots func(v gcinfo.Visitor),
	weakSweep func(isMarked func(objheader.Ref) bool),
) CollectStats {
	// Phase 2: clear all line marks and block statuses.
	for _, b := range h.blocks.All() {
		b.ClearMarks()
	}

	work := worklist.NewStack(256)
	var pending int64
	visitor := rooting.NewVisitorPending(work, nil, &pending) // Immix never moves objects.

	// Phase 3: discover roots (shadow stack + constraints). Weak-ref
	// table entries are deliberately not roots (spec.md §4.4 phase 3).
	runRoots(visitor)

	// Phase 4: mark transitively via an explicit worklist (spec.md §9),
	// spread across h.cfg.MarkWorkers goroutines that work-steal from
	// each other (spec.md §5). Marking an object also marks the Immix
	// lines it occupies, applying the implicit-mark rule (spec.md §3).
	rooting.DrainParallel(work, &pending, h.cfg.MarkWorkers,
		func(w *worklist.Stack) *rooting.Visitor { return rooting.NewVisitorPending(w, nil, &pending) },
		func(v *rooting.Visitor, ref objheader.Ref) {
			h.markLines(ref)
			info := h.gctable.Get(ref.GCInfoIndex())
			if info.Trace != nil {
				info.Trace(v, ref.Payload())
			}
		})

	// Release the allocator's checked-out cursor blocks back to the
	// manager before sweeping every block uniformly.
	h.curBlock, h.holes, h.holeIdx, h.bumpPtr, h.bumpLim = nil, nil, 0, 0, 0
	h.ovBlock, h.ovHoles, h.ovIdx, h.ovPtr, h.ovLim = nil, nil, 0, 0, 0

	// Phase 6: process weak refs (upgrade if marked, else null). Must
	// run before phase 7/8 reclaim anything, since both read the mark
	// state left by phase 4.
	weakSweep(func(ref objheader.Ref) bool {
		return ref.MarkState() == objheader.Marked
	})

	// Phase 5+7: sweep every block, resetting survivors' header mark
	// bit to Unmarked (spec.md §8) and running finalizers for dead
	// objects that carry one, then reclassify the block by its freshly
	// recomputed hole structure.
	finalized := 0
	h.blocks.SweepEach(func(b *block.Block) {
		b.SweepAllocated(func(addr uintptr) {
			ref := objheader.Ref(addr)
			info := h.gctable.Get(ref.GCInfoIndex())
			if info.Finalize != nil {
				info.Finalize(ref.Payload())
				finalized++
			}
		})
	})

	// Phase 8: release unmarked large objects and finalize them.
	largeFreed := h.large.Sweep()
	for _, ref := range largeFreed {
		info := h.gctable.Get(ref.GCInfoIndex())
		if info.Finalize != nil {
			info.Finalize(ref.Payload())
			finalized++
		}
	}

	// Heap growth decision (spec.md §4.4).
	stats := h.blocks.Stats()
	grew := 0
	if stats.LiveRatio() > h.cfg.HeapGrowthThreshold {
		want := int(math.Ceil(float64(stats.Total)*h.cfg.HeapGrowthFactor)) - stats.Total
		if h.cfg.MaxBlocks > 0 && want+stats.Total > h.cfg.MaxBlocks {
			want = h.cfg.MaxBlocks - stats.Total
		}
		if want > 0 {
			if err := h.blocks.GrowBy(want); err == nil {
				grew = want
			}
		}
	}

	return CollectStats{
		BlockStats: h.blocks.Stats(),
		LargeFreed: len(largeFreed),
		Finalized:  finalized,
		GrewBlocks: grew,
	}
}

// markLines finds the block containing ref and marks the lines its
// encoded size spans, applying the implicit trailing-line rule
// (spec.md §3). Large objects live outside any block and are skipped.
//
// Guarded by markMu: with MarkWorkers > 1, more than one goroutine can
// be marking objects that land in the same block during the same
// cycle, and Block's line-mark bytes are not written atomically.
func (h *Heap) markLines(ref objheader.Ref) {
	if ref.IsLargeSentinel() {
		return
	}
	b, ok := h.blocks.Find(ref.Addr())
	if !ok {
		return
	}
	size := ref.EncodedSize()
	startLine := int((ref.Addr() - b.Base) / block.LineSize)
	endAddr := ref.Addr() + objheader.Size + uintptr(size) - 1
	endLine := int((endAddr - b.Base) / block.LineSize)
	h.markMu.Lock()
	b.MarkRange(startLine, endLine)
	h.markMu.Unlock()
}
