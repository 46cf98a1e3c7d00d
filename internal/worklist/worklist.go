// Copyright 2024 The Comet Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package worklist implements the explicit mark worklist required by
// spec.md §9: tracing must use an explicit worklist rather than
// stack-recursive marking. Each mark worker owns a private Stack and
// can steal work from a sibling's Stack when its own drains, the
// model spec §5 calls "worker threads, each owning a private mark
// stack with work-stealing".
//
// The single-stack push/pop logic is grounded on the teacher's
// lock-free stack (runtime/lfstack.go); worklist generalizes it from a
// global singly-linked free list to a per-worker deque guarded by a
// mutex, since comet's mark phase runs with the mutator already
// stopped and does not need lfstack's lock-free fast path.
package worklist

import "sync"

// Stack is a LIFO worklist of opaque GC references (object headers).
// The element type is uintptr so every policy (Immix headers,
// MiniMark headers, forwarding-aware or not) can share one worklist
// implementation without an import cycle on objheader.
type Stack struct {
	mu    sync.Mutex
	items []uintptr
}

// NewStack returns an empty worklist with room for cap items before
// the backing slice grows.
func NewStack(capHint int) *Stack {
	return &Stack{items: make([]uintptr, 0, capHint)}
}

// Push enqueues a reference for marking.
func (s *Stack) Push(ref uintptr) {
	s.mu.Lock()
	s.items = append(s.items, ref)
	s.mu.Unlock()
}

// Pop removes and returns the most recently pushed reference. ok is
// false when the stack is empty.
func (s *Stack) Pop() (ref uintptr, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.items)
	if n == 0 {
		return 0, false
	}
	ref = s.items[n-1]
	s.items = s.items[:n-1]
	return ref, true
}

// StealHalf moves roughly half of s's items into dst, for a worker
// that has drained its own stack to steal from a sibling. It returns
// the number of items moved.
func (s *Stack) StealHalf(dst *Stack) int {
	s.mu.Lock()
	n := len(s.items)
	if n == 0 {
		s.mu.Unlock()
		return 0
	}
	half := (n + 1) / 2
	stolen := append([]uintptr(nil), s.items[n-half:]...)
	s.items = s.items[:n-half]
	s.mu.Unlock()

	dst.mu.Lock()
	dst.items = append(dst.items, stolen...)
	dst.mu.Unlock()
	return len(stolen)
}

// Len reports the number of pending references. Racy by nature when
// other workers are active; used only for diagnostics and the
// is_over()-style drain checks run with all workers joined.
func (s *Stack) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Empty reports whether the stack currently holds no work.
func (s *Stack) Empty() bool { return s.Len() == 0 }
