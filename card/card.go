// Copyright 2024 The Comet Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package card implements the MiniMark card table (spec.md §3, §4.5):
// a byte array over the old space marking which 1 KiB ranges might
// hold an old-to-young pointer. The write barrier dirties a card with
// a single unconditional byte store; the minor collector scans only
// dirty cards instead of the whole old space.
//
// Grounded on the teacher's write-barrier shading logic
// (runtime/mbarrier.go's gcmarkwb_m) for the "unconditional on the
// old-space side" store discipline, generalized from Go's single
// global mark bit to MiniMark's per-card dirty byte.
package card

import "sync/atomic"

const (
	// Shift is CARD_SHIFT: each card covers 1 KiB (spec.md §6).
	Shift = 10
	// Bytes is the byte span one card covers.
	Bytes = 1 << Shift
	// Clean is the value a card holds when nothing in its range has
	// been written since the last minor collection.
	Clean = 0
	// Dirty is non-zero "so a single byte store from the barrier is
	// legible under tooling" (spec.md §3).
	Dirty = 112
)

// Table summarizes an old-space range as one byte per card.
type Table struct {
	oldSpaceBase uintptr
	bytes        []byte
}

// NewTable allocates a card table covering oldSpaceSize bytes
// starting at oldSpaceBase.
func NewTable(oldSpaceBase uintptr, oldSpaceSize uintptr) *Table {
	n := (oldSpaceSize + Bytes - 1) >> Shift
	return &Table{oldSpaceBase: oldSpaceBase, bytes: make([]byte, n)}
}

func (t *Table) indexFor(addr uintptr) int {
	return int((addr - t.oldSpaceBase) >> Shift)
}

// MarkDirty marks the card covering addr. This is the write barrier's
// only job (spec.md §4.5): "unconditional on the old-space side", no
// read-modify-write, no synchronization with the pointer store it
// describes (spec.md §5).
func (t *Table) MarkDirty(addr uintptr) {
	i := t.indexFor(addr)
	if i < 0 || i >= len(t.bytes) {
		return
	}
	atomic.StoreUint8(&t.bytes[i], Dirty)
}

// IsDirty reports whether the card covering addr has been written
// since the last Clear.
func (t *Table) IsDirty(addr uintptr) bool {
	i := t.indexFor(addr)
	if i < 0 || i >= len(t.bytes) {
		return false
	}
	return atomic.LoadUint8(&t.bytes[i]) != Clean
}

// DirtyRanges returns the [start, end) byte ranges of every
// contiguous run of dirty cards, for the minor collector to scan
// (spec.md §4.5 step 2: "for each dirty card, scan the covered
// old-space range").
func (t *Table) DirtyRanges() []Range {
	var ranges []Range
	i := 0
	for i < len(t.bytes) {
		if t.bytes[i] == Clean {
			i++
			continue
		}
		start := i
		for i < len(t.bytes) && t.bytes[i] != Clean {
			i++
		}
		ranges = append(ranges, Range{
			Start: t.oldSpaceBase + uintptr(start)*Bytes,
			End:   t.oldSpaceBase + uintptr(i)*Bytes,
		})
	}
	return ranges
}

// Range is a byte span of old-space memory covered by one or more
// consecutive dirty cards.
type Range struct {
	Start, End uintptr
}

// Clear resets every card to Clean, run at the end of a minor
// collection (spec.md §4.5 step 4). spec.md §8 requires this
// invariant hold for "every card in the card table after a minor
// collection".
func (t *Table) Clear() {
	for i := range t.bytes {
		t.bytes[i] = Clean
	}
}

// AllClean reports whether every card reads Clean, used by tests
// asserting the post-minor-collection invariant.
func (t *Table) AllClean() bool {
	for _, b := range t.bytes {
		if b != Clean {
			return false
		}
	}
	return true
}
