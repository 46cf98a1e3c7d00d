// Copyright 2024 The Comet Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rooting

import (
	"sync/atomic"
	"unsafe"

	"github.com/Starlight-JS/comet/internal/worklist"
	"github.com/Starlight-JS/comet/objheader"
)

// ForwardFunc, when non-nil, asks a moving policy (MiniMark's minor
// collection, or semispace) to evacuate ref and return its new
// location. A non-moving policy (Immix, mark-sweep) leaves this nil.
type ForwardFunc func(ref objheader.Ref) (moved objheader.Ref, didMove bool)

// Visitor is the concrete gcinfo.Visitor trace callbacks receive
// (spec.md §4.9). It claims each object for marking at most once via
// the header's CAS, pushes newly-claimed objects onto an explicit
// worklist (spec.md §9: "must avoid stack-recursive tracing"), and,
// for moving policies, rewrites the caller's slot to the forwarded
// address.
type Visitor struct {
	Work    *worklist.Stack
	Forward ForwardFunc

	// Pending, when non-nil, counts items that have been pushed but
	// not yet traced, shared across every worker's Visitor in a
	// DrainParallel run. It is nil for the plain single-worker Drain
	// path, which has no use for it.
	Pending *int64
}

// NewVisitor returns a Visitor backed by work, optionally forwarding
// through fwd (pass nil for non-moving policies).
func NewVisitor(work *worklist.Stack, fwd ForwardFunc) *Visitor {
	return &Visitor{Work: work, Forward: fwd}
}

// NewVisitorPending is NewVisitor plus a shared pending counter, used
// to build one Visitor per worker in DrainParallel: every worker
// shares the same counter so termination detection sees the true
// total outstanding work across all of their stacks.
func NewVisitorPending(work *worklist.Stack, fwd ForwardFunc, pending *int64) *Visitor {
	return &Visitor{Work: work, Forward: fwd, Pending: pending}
}

// TraceField implements gcinfo.Visitor.
func (v *Visitor) TraceField(slot *uintptr) {
	ref := objheader.Ref(*slot)
	if ref.IsNil() {
		return
	}

	if ref.MarkState() == objheader.Forwarded {
		*slot = uintptr(ref.Forward())
		return
	}

	if v.Forward != nil {
		if moved, didMove := v.Forward(ref); didMove {
			*slot = uintptr(moved)
			ref = moved
		}
	}

	if ref.CompareAndSetMarkState(objheader.Unmarked, objheader.Marked) {
		v.Work.Push(uintptr(ref))
		if v.Pending != nil {
			atomic.AddInt64(v.Pending, 1)
		}
	}
}

// TraceConservatively implements gcinfo.Visitor's conservative range
// scan (spec.md §4.9: "not used by the precise Immix/MiniMark cores
// themselves"); no constraint in this module calls it. It treats every
// non-zero pointer-aligned word in [from, to) as a header address and
// claims it for marking. Candidates are not validated: each such word
// is dereferenced as a header.
func (v *Visitor) TraceConservatively(from, to unsafe.Pointer) {
	start := uintptr(from)
	end := uintptr(to)
	for addr := start; addr+unsafe.Sizeof(uintptr(0)) <= end; addr += unsafe.Sizeof(uintptr(0)) {
		word := *(*uintptr)(unsafe.Pointer(addr))
		if word == 0 {
			continue
		}
		ref := objheader.Ref(word)
		if ref.CompareAndSetMarkState(objheader.Unmarked, objheader.Marked) {
			v.Work.Push(uintptr(ref))
			if v.Pending != nil {
				atomic.AddInt64(v.Pending, 1)
			}
		}
	}
}

// Drain pops references off work and invokes trace for each,
// pushing further edges, until the worklist is empty — the explicit
// work-queue marking loop spec.md §4.4 phase 4 and §9 call for.
func Drain(work *worklist.Stack, trace func(ref objheader.Ref)) {
	for {
		ref, ok := work.Pop()
		if !ok {
			return
		}
		trace(objheader.Ref(ref))
	}
}
