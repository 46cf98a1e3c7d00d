// Copyright 2024 The Comet Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package gcinfo implements the process-wide GC-info table (spec.md
// §4.1): a compact index-to-callback registry that lets the object
// header stay 8 bytes instead of carrying a full vtable pointer.
//
// The append-only, doubling-capacity growth strategy and the
// global-lock-over-a-shared-table shape are grounded on the teacher's
// finalizer block list (runtime/mfinal.go's finlock/finq/finc global
// state): one mutex protects a small amount of shared, rarely-written,
// often-read bookkeeping. spec.md §9 leaves the exact lock-free-vs-lock
// question open; comet takes the lock side, same as the teacher.
package gcinfo

import (
	"fmt"
	"sync"
	"unsafe"

	"go.uber.org/atomic"
)

const (
	// MinIndex is the smallest valid GC-info index; indices below it
	// are reserved sentinels (spec.md §3, §6).
	MinIndex = 1
	// MaxIndex is one past the largest valid index (2^14, spec.md §6).
	MaxIndex = 1 << 14
	// InitialWantedLimit is the table's starting capacity (spec.md §6).
	InitialWantedLimit = 512
)

// TraceFunc is invoked by the collector on every reachable object to
// push its outgoing pointers into the visitor (spec.md §4.9).
type TraceFunc func(v Visitor, obj unsafe.Pointer)

// FinalizeFunc runs at most once on an object found unreachable at
// the end of a collection (spec.md §3 "Lifecycle").
type FinalizeFunc func(obj unsafe.Pointer)

// Visitor is the narrow interface trace callbacks see. It is defined
// here (rather than imported from rooting) to avoid a cycle: gcinfo
// is a leaf package per SPEC_FULL.md's module map, and rooting's
// concrete Visitor implements this interface.
type Visitor interface {
	// TraceField enqueues the header pointer currently held at
	// *slot for marking. In a moving policy, if the referent has
	// already been forwarded this cycle, TraceField rewrites *slot
	// to the forwarded address immediately (spec.md §4.9: "performing
	// forwarding-pointer updates in moving policies").
	TraceField(slot *uintptr)
	// TraceConservatively scans [from, to) for values that look like
	// heap pointers (spec.md §4.9); unused by the precise Immix/
	// MiniMark cores, and no constraint in this module calls it.
	TraceConservatively(from, to unsafe.Pointer)
}

// Info is the immutable per-type metadata an index resolves to.
type Info struct {
	Trace    TraceFunc
	Finalize FinalizeFunc // nil if the type has no finalizer
	VTable   unsafe.Pointer // opaque to the collector; embedder's use
}

// Table is the process-wide registry. The zero Table is not usable;
// construct with NewTable. Entries are immutable and indices are
// never recycled for the table's lifetime (spec.md §4.1 invariant).
type Table struct {
	mu      sync.RWMutex
	entries []Info
	length  atomic.Int64 // published length; lets Get skip its range check for committed indices
}

// NewTable allocates a table with capacity for InitialWantedLimit
// entries, pre-filled with MinIndex sentinel slots so index 0 stays
// invalid.
func NewTable() *Table {
	t := &Table{entries: make([]Info, MinIndex, InitialWantedLimit)}
	t.length.Store(MinIndex)
	return t
}

// Add appends a new entry and returns its index. It panics if the
// table has reached MaxIndex — spec.md §7 classifies GC-info overflow
// as a programming error ("16,384 types should be ample"), not a
// recoverable condition.
func (t *Table) Add(info Info) uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.entries) >= MaxIndex {
		panic(fmt.Sprintf("gcinfo: table exhausted at MaxIndex=%d", MaxIndex))
	}
	idx := len(t.entries)
	t.entries = append(t.entries, info)
	t.length.Store(int64(len(t.entries)))
	return uint16(idx)
}

// Get returns the entry at idx. It panics on an out-of-range or
// sub-MinIndex index, since every header's gc_info_index is validated
// at allocation time (spec.md §8 invariant).
func (t *Table) Get(idx uint16) *Info {
	if idx < MinIndex {
		panic(fmt.Sprintf("gcinfo: index %d below MinIndex=%d", idx, MinIndex))
	}
	// Fast path: an idx below the atomically-published length is known
	// to be committed, so the range check is skipped. The entry is still
	// read under the read lock, since a concurrent Add may be
	// reallocating the entries slice.
	if int64(idx) < t.length.Load() {
		t.mu.RLock()
		defer t.mu.RUnlock()
		return &t.entries[idx]
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if int(idx) >= len(t.entries) {
		panic(fmt.Sprintf("gcinfo: index %d out of range (len=%d)", idx, len(t.entries)))
	}
	return &t.entries[idx]
}

// Len reports the number of entries currently registered, sentinels
// included.
func (t *Table) Len() int {
	return int(t.length.Load())
}
