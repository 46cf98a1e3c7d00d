// Copyright 2024 The Comet Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package rooting implements the precise-rooting machinery spec.md
// §4.6-§4.9 describes: the shadow stack and scoped root handles, weak
// references, pluggable marking constraints, and the Visitor type
// trace callbacks receive.
//
// The shadow stack's intrusive doubly-linked cell list mirrors the
// teacher's approach to per-thread, collector-walkable lists
// (runtime/mfinal.go's finblock chain, runtime/mcache.go's per-thread
// state) generalized from a block-of-N layout to one cell per root,
// since scoped roots come and go far more often than finalizer
// registrations.
package rooting

import "github.com/Starlight-JS/comet/objheader"

// Cell is one root on the shadow stack. Its address is stable for
// its lifetime (spec.md §4.6: "must be non-movable so its address on
// the shadow stack is stable"); only the Ref field changes, rewritten
// by the collector in place when the referent moves.
type Cell struct {
	Ref        objheader.Ref
	next, prev *Cell
}

// ShadowStack is the per-mutator linked list of root cells the
// collector walks during root discovery (spec.md §4.6, §5: "owned by
// the mutator thread; read by the collector at safepoints").
type ShadowStack struct {
	head *Cell
	len  int
}

// NewShadowStack returns an empty shadow stack.
func NewShadowStack() *ShadowStack { return &ShadowStack{} }

// push installs a cell at the head of the list. Unexported: the only
// sanctioned way to obtain a live Cell is through the scoped
// acquisition primitives in scoped.go (spec.md §4.6: "must be
// constructed via the scoped-acquisition primitive; never by
// assigning a raw pointer into a stack cell outside one").
func (s *ShadowStack) push(ref objheader.Ref) *Cell {
	c := &Cell{Ref: ref}
	c.next = s.head
	if s.head != nil {
		s.head.prev = c
	}
	s.head = c
	s.len++
	return c
}

// pop removes c from the list. Popping out of LIFO order is
// permitted mechanically (the list is doubly linked) but callers
// should only ever do this via the scoped primitives, which always
// pop in the reverse order they pushed.
func (s *ShadowStack) pop(c *Cell) {
	if c.prev != nil {
		c.prev.next = c.next
	} else {
		s.head = c.next
	}
	if c.next != nil {
		c.next.prev = c.prev
	}
	c.next, c.prev = nil, nil
	s.len--
}

// Len reports the number of live roots currently on the stack.
func (s *ShadowStack) Len() int { return s.len }

// Walk invokes fn for every live root cell, in most-recently-pushed
// order. The collector uses this during root discovery (spec.md §4.4
// phase 3, §4.5 step 1); fn may mutate c.Ref to rewrite a forwarded
// root in place, satisfying the "Rooted<T> ... if moved, the cell's
// slot is updated in place" contract (spec.md §4.6).
func (s *ShadowStack) Walk(fn func(c *Cell)) {
	for c := s.head; c != nil; c = c.next {
		fn(c)
	}
}
