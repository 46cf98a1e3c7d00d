// Copyright 2024 The Comet Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package policy names the minimal shape a collection strategy must
// satisfy to plug into the rooting contract (spec.md §1: Semispace and
// Mark-Sweep are "mentioned only where they exercise the rooting
// contract; their implementations are straightforward and not spelled
// out"). Immix and MiniMark predate this interface and do not
// implement it directly — each exposes a richer, policy-specific API
// of its own — but semispace.Policy and marksweep.Policy below do, as
// the two minimal alternative strategies spec.md invites.
package policy

import "github.com/Starlight-JS/comet/objheader"
import "github.com/Starlight-JS/comet/gcinfo"

// Stats is the common result shape every Policy's Collect returns.
type Stats struct {
	Freed     int
	Finalized int
}

// Policy is a pluggable collection strategy: allocate an object
// carrying a GC-info index, run one stop-the-world collection given a
// root-discovery callback and a weak-ref sweep callback (identical
// contract to immix.Heap.Collect and minimark.Heap.MajorCollect), and
// release any OS resources it holds.
type Policy interface {
	Allocate(size uintptr, gcIdx uint16) (objheader.Ref, bool)
	Collect(runRoots func(v gcinfo.Visitor), weakSweep func(isMarked func(objheader.Ref) bool)) Stats
	Close() error
}
