// Copyright 2024 The Comet Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package minimark

import (
	"github.com/Starlight-JS/comet/gcinfo"
	"github.com/Starlight-JS/comet/internal/worklist"
	"github.com/Starlight-JS/comet/objheader"
	"github.com/Starlight-JS/comet/rooting"
)

// MajorStats summarizes one major collection.
type MajorStats struct {
	MinorStats
	Freed     int
	Finalized int
}

// MajorCollect runs a full collection: a minor collection first (so
// the nursery is empty and every live object the mutator can reach
// has a stable old-space address), then a stop-the-world mark-sweep
// over old space (spec.md §4.5 "major collection: ordinary mark-sweep
// over the old generation").
//
// weakSweep nulls dead weak slots once marking finishes, same
// contract as immix.Heap.Collect's. rehomeWeaks is forwarded straight
// through to the internal minor collection, which is the only phase
// that moves anything (spec.md §4.8).
func (h *Heap) MajorCollect(
	runRoots func(v gcinfo.Visitor),
	weakSweep func(isMarked func(objheader.Ref) bool),
	rehomeWeaks func(forwarded func(ref objheader.Ref) (objheader.Ref, bool)),
) MajorStats {
	minorStats := h.MinorCollect(runRoots, rehomeWeaks)

	work := worklist.NewStack(256)
	var pending int64
	// old space never moves during a major collection, so Forward is nil.
	visitor := rooting.NewVisitorPending(work, nil, &pending)

	runRoots(visitor)

	// Mark phase spread across h.cfg.MarkWorkers work-stealing
	// goroutines (spec.md §4.4 step 4, §5). Safe to parallelize freely
	// here: unlike Immix, major-collection tracing touches no shared,
	// non-atomic bookkeeping (recordOld/forgetOld only run afterward,
	// sequentially, during sweep below).
	rooting.DrainParallel(work, &pending, h.cfg.MarkWorkers,
		func(w *worklist.Stack) *rooting.Visitor { return rooting.NewVisitorPending(w, nil, &pending) },
		func(v *rooting.Visitor, ref objheader.Ref) {
			info := h.gctable.Get(ref.GCInfoIndex())
			if info.Trace != nil {
				info.Trace(v, ref.Payload())
			}
		})

	weakSweep(func(ref objheader.Ref) bool {
		return ref.MarkState() == objheader.Marked
	})

	freed, finalized := 0, 0
	for _, addr := range append([]uintptr(nil), h.oldAddrs...) {
		ref := objheader.Ref(addr)
		if ref.MarkState() == objheader.Marked {
			ref.SetMarkState(objheader.Unmarked)
			continue
		}
		info := h.gctable.Get(ref.GCInfoIndex())
		if info.Finalize != nil {
			info.Finalize(ref.Payload())
			finalized++
		}
		size := h.oldSizes[addr]
		h.old.Free(addr, size)
		h.forgetOld(addr)
		freed++
	}

	return MajorStats{MinorStats: minorStats, Freed: freed, Finalized: finalized}
}
