// Copyright 2024 The Comet Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package block implements the Immix block/line subsystem (spec.md
// §3, §4.3, §4.4): fixed-size blocks carved into lines with per-line
// mark bytes, the hole-finding logic that drives bump allocation, and
// the free/recyclable/unavailable block lifecycle.
//
// The list-of-spans-with-intrusive-links shape is grounded on the
// Immix simulation toolbox retrieved alongside this spec
// (other_examples/..._mknyszek-goat__simulation-toolbox-object-immix.go:
// immixSpanList/immixSpan), adapted from goat's simulation-harness
// span model to comet's block/line vocabulary, and cross-checked
// against the teacher's own span bookkeeping style in
// runtime/mcache.go (gclinkptr free lists, per-class slices).
package block

import "github.com/Starlight-JS/comet/objheader"

const (
	// Size is the fixed Immix block size (spec.md §6).
	Size = 32768
	// LineCount is the number of lines per block (spec.md §6).
	LineCount = 128
	// LineSize is the byte width of one line (spec.md §6).
	LineSize = 256
	// LargeCutoff is the medium/large object boundary (spec.md §6).
	LargeCutoff = Size / 4
	// MediumCutoff is the small/medium object boundary; equal to
	// LineSize (spec.md §6).
	MediumCutoff = LineSize
)

// Status is a block's coarse classification, recomputed every sweep
// (spec.md §4.4 phase 5).
type Status uint8

const (
	// Free means no line in the block is marked: it can be handed to
	// the bump allocator as if freshly reserved.
	Free Status = iota
	// Recyclable means some lines are marked: the block has one or
	// more holes the allocator can still bump into.
	Recyclable
	// Unavailable means every line is marked: nothing to reclaim.
	Unavailable
)

// Block is one fixed-size Immix block.
type Block struct {
	Base   uintptr
	lines  [LineCount]byte // one mark byte per line; non-zero means marked
	status Status

	// next/prev thread this block through whichever list (free,
	// recyclable, unavailable) currently owns it.
	next, prev *Block
	owner      *list

	// allocated records the header address of every object bump-
	// allocated into this block since its last sweep, so the collector
	// can reset header mark bits and spot dead finalizable objects
	// without needing a separate per-object liveness index (spec.md
	// §4.4 phase 7, §8's "marks are reset between cycles").
	allocated []uintptr
}

// RecordAlloc registers a freshly bump-allocated object's header
// address, called by the allocator right after it stamps the header.
func (b *Block) RecordAlloc(ref uintptr) {
	b.allocated = append(b.allocated, ref)
}

// SweepAllocated walks every object recorded since the last sweep: it
// resets survivors' header mark bit to Unmarked (spec.md §8) and
// reports dead refs to onDead so the caller can run finalizers before
// the underlying lines are reclassified as a hole. Dead refs are
// dropped from the recorded set; survivors carry over to the next
// cycle.
func (b *Block) SweepAllocated(onDead func(ref uintptr)) {
	survivors := b.allocated[:0]
	for _, addr := range b.allocated {
		ref := objheader.Ref(addr)
		if ref.MarkState() == objheader.Marked {
			ref.SetMarkState(objheader.Unmarked)
			survivors = append(survivors, addr)
			continue
		}
		if onDead != nil {
			onDead(addr)
		}
	}
	b.allocated = survivors
}

// New wraps a reserved, page-backed address range as a fresh Free
// block. The caller (the block Manager) owns the actual memory
// reservation; Block only does bookkeeping.
func New(base uintptr) *Block {
	return &Block{Base: base, status: Free}
}

// ClearMarks resets every line's mark byte to unmarked, the per-cycle
// reset spec.md §4.4 phase 2 and the testable invariant in §8 ("marks
// are reset between cycles") both require.
func (b *Block) ClearMarks() {
	for i := range b.lines {
		b.lines[i] = 0
	}
}

// MarkLine marks line i, plus one trailing line per the
// implicit-mark rule (spec.md §3: "account for zero-length objects at
// line boundaries").
func (b *Block) MarkLine(i int) {
	if i < 0 || i >= LineCount {
		return
	}
	b.lines[i] = 1
	if i+1 < LineCount {
		b.lines[i+1] = 1
	}
}

// MarkRange marks every line an object spanning [startLine, endLine]
// occupies, plus the implicit trailing line.
func (b *Block) MarkRange(startLine, endLine int) {
	for i := startLine; i <= endLine && i < LineCount; i++ {
		b.lines[i] = 1
	}
	if endLine+1 < LineCount {
		b.lines[endLine+1] = 1
	}
}

// LineMarked reports whether line i is marked.
func (b *Block) LineMarked(i int) bool {
	if i < 0 || i >= LineCount {
		return false
	}
	return b.lines[i] != 0
}

// Hole is a maximal run of unmarked lines, expressed as a half-open
// line index range [Start, End) and the corresponding byte address
// range.
type Hole struct {
	StartLine, EndLine int
	StartAddr, EndAddr uintptr
}

// Holes scans the line mark bytes and returns every maximal unmarked
// run (spec.md §3 "hole" definition), in ascending address order.
func (b *Block) Holes() []Hole {
	var holes []Hole
	i := 0
	for i < LineCount {
		if b.lines[i] != 0 {
			i++
			continue
		}
		start := i
		for i < LineCount && b.lines[i] == 0 {
			i++
		}
		holes = append(holes, Hole{
			StartLine: start,
			EndLine:   i,
			StartAddr: b.Base + uintptr(start*LineSize),
			EndAddr:   b.Base + uintptr(i*LineSize),
		})
	}
	return holes
}

// Recompute derives this block's Status from its current line marks
// (spec.md §4.4 phase 5: "no marked lines = free; some = recyclable;
// all = unavailable").
func (b *Block) Recompute() Status {
	marked, total := 0, LineCount
	for i := 0; i < total; i++ {
		if b.lines[i] != 0 {
			marked++
		}
	}
	switch {
	case marked == 0:
		b.status = Free
	case marked == total:
		b.status = Unavailable
	default:
		b.status = Recyclable
	}
	return b.status
}

// StatusValue reports the block's classification as of the last Recompute.
func (b *Block) StatusValue() Status { return b.status }
