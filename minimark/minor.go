// Copyright 2024 The Comet Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package minimark

import (
	"unsafe"

	"github.com/Starlight-JS/comet/gcinfo"
	"github.com/Starlight-JS/comet/internal/worklist"
	"github.com/Starlight-JS/comet/objheader"
	"github.com/Starlight-JS/comet/rooting"
)

// MinorStats summarizes one minor collection (spec.md §8's "a minor
// collection after every card is clean" testable property).
type MinorStats struct {
	Promoted int
}

// MinorCollect runs one minor collection (spec.md §4.5 steps 1-4): it
// evacuates every nursery object reachable from runRoots or from a
// dirty card's old-space object into old space, rewrites every slot
// that pointed at a moved object, resets the nursery to empty, and
// clears every card.
//
// runRoots pushes the shadow stack and constraint roots into the
// visitor, same contract as immix.Heap.Collect. A root that points
// directly at an already-old object is traced too rather than skipped
// outright: this retraces a little more than a card-table-only
// remembered set strictly requires, but it means the shared Visitor
// dedup/mark-reset machinery (the same CAS-then-push-then-reset loop
// immix.Heap.Collect and MajorCollect use) stays correct without a
// second, nursery-only marking discipline.
//
// rehomeWeaks, when non-nil, is handed a forwarded-address lookup and
// is expected to walk every live weak-reference slot and rewrite any
// whose referent was just promoted (spec.md §4.8: a weak reference
// over a surviving nursery object must keep resolving after the
// nursery it pointed into is reset and reused). The heap facade wires
// this to rooting.WeakTable.ForEachLive/Rehome; it is nil only in
// tests that do not exercise weak references.
func (h *Heap) MinorCollect(runRoots func(v gcinfo.Visitor), rehomeWeaks func(forwarded func(ref objheader.Ref) (objheader.Ref, bool))) MinorStats {
	work := worklist.NewStack(256)
	promoted := 0

	forward := func(ref objheader.Ref) (objheader.Ref, bool) {
		if !h.inNursery(ref.Addr()) {
			return objheader.NilRef, false
		}
		size := ref.EncodedSize()
		total := int(objheader.Size) + int(size)
		dst, ok := h.old.Alloc(uintptr(total))
		if !ok {
			return objheader.NilRef, false
		}
		src := unsafe.Slice((*byte)(unsafe.Pointer(ref.Addr())), total)
		dstBytes := unsafe.Slice((*byte)(unsafe.Pointer(dst)), total)
		copy(dstBytes, src)
		moved := objheader.Ref(dst)
		h.recordOld(dst, uintptr(total))
		promoted++
		// Flip the pre-move header to Forwarded now that every live byte
		// is safely copied: any further edge into ref (a shared field, a
		// cycle back through an already-promoted object) takes
		// Visitor.TraceField's Forwarded fast path instead of copying ref
		// a second time (spec.md §8: one forwarded address per referent).
		ref.SetForward(moved)
		return moved, true
	}

	visitor := rooting.NewVisitor(work, forward)

	// Step 1: roots (shadow stack + constraints).
	runRoots(visitor)

	// Step 2: the remembered set — for every dirty card, re-trace the
	// old-space objects it covers, since one of their fields may still
	// point into the nursery (spec.md §4.5 step 2).
	for _, r := range h.cards.DirtyRanges() {
		for _, addr := range h.oldAddrsIn(r.Start, r.End) {
			ref := objheader.Ref(addr)
			info := h.gctable.Get(ref.GCInfoIndex())
			if info.Trace != nil {
				info.Trace(visitor, ref.Payload())
			}
		}
	}

	// Step 3: drain the copy queue. Every ref dedup-claimed above
	// (whether a fresh promotion or an old object reached via a root)
	// gets its fields scanned once and its header mark bit reset to
	// Unmarked before the cycle ends (spec.md §8).
	rooting.Drain(work, func(ref objheader.Ref) {
		info := h.gctable.Get(ref.GCInfoIndex())
		if info.Trace != nil {
			info.Trace(visitor, ref.Payload())
		}
		ref.SetMarkState(objheader.Unmarked)
	})

	// Step 3.5: rehome weak slots whose referent was just promoted, while
	// the forwarded-from nursery header is still readable (spec.md §4.8).
	// A slot whose referent was not in the nursery, or was in the nursery
	// but never forwarded (unreachable this cycle), is left for
	// weakSweep to null once marking is visible heap-wide.
	if rehomeWeaks != nil {
		rehomeWeaks(func(ref objheader.Ref) (objheader.Ref, bool) {
			if !h.inNursery(ref.Addr()) || ref.MarkState() != objheader.Forwarded {
				return objheader.NilRef, false
			}
			return ref.Forward(), true
		})
	}

	// Step 4: the nursery is now empty and every card clean.
	h.nurseryPtr = h.nurseryBase
	h.cards.Clear()

	return MinorStats{Promoted: promoted}
}
