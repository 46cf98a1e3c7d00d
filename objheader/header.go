// Copyright 2024 The Comet Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package objheader defines the fixed 64-bit header every live
// allocation carries (spec.md §3) and the bit-packing rules that let
// gc_size recover an exact byte count without a vtable lookup for
// small objects (spec.md §4.2).
//
// The packed-word-with-accessor-methods style is grounded on the
// teacher's object representation (runtime/type.go's _type and
// runtime/mcache.go's gclinkptr, which wraps a bare uintptr with
// pointer-recovery methods rather than a native pointer type).
package objheader

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// MarkState is the 2-bit mark/forwarding state stored in every header.
type MarkState uint8

const (
	Unmarked MarkState = iota
	Marked
	Pinned
	Forwarded
)

func (m MarkState) String() string {
	switch m {
	case Unmarked:
		return "unmarked"
	case Marked:
		return "marked"
	case Pinned:
		return "pinned"
	case Forwarded:
		return "forwarded"
	default:
		return fmt.Sprintf("invalid(%d)", uint8(m))
	}
}

const (
	// Size is the fixed byte width of the header prefix stamped on
	// every allocation (spec.md §3: "64-bit fixed prefix").
	Size = 8

	gcInfoBits  = 14
	markBits    = 2
	gcInfoShift = 0
	markShift   = gcInfoBits
	sizeShift   = gcInfoBits + markBits

	gcInfoMask uint64 = (1 << gcInfoBits) - 1
	markMask   uint64 = ((1 << markBits) - 1) << markShift

	// MinAlignment is the minimum allocation alignment guaranteed by
	// gc_size (spec.md §8: "a multiple of the minimum alignment (>= 8
	// bytes)").
	MinAlignment = 8

	// largeSizeSentinel marks a header whose exact size is recorded
	// out-of-line in a large-object record rather than encoded in the
	// control word (spec.md §3).
	largeSizeSentinel uint64 = (1 << (64 - sizeShift)) - 1
)

// Ref is a pointer to an object's header: the only pointer shape the
// collector ever looks at (spec.md §3 invariant — "every pointer the
// collector ever sees points at a header, never at an interior
// field"). The zero Ref is the nil reference.
type Ref uintptr

// NilRef is the nil GC reference.
const NilRef Ref = 0

// IsNil reports whether r is the nil reference.
func (r Ref) IsNil() bool { return r == 0 }

// Addr returns the raw address of the header, for use by block/line
// and large-object bookkeeping that index structures by address.
func (r Ref) Addr() uintptr { return uintptr(r) }

// Pointer exposes the header address as an unsafe.Pointer for callers
// that hand addresses to mmap-backed regions.
func (r Ref) Pointer() unsafe.Pointer { return unsafe.Pointer(r) }

// FromPointer wraps a raw header address as a Ref.
func FromPointer(p unsafe.Pointer) Ref { return Ref(uintptr(p)) }

// word returns a pointer to the 8-byte control word at the base of
// the allocation.
func (r Ref) word() *uint64 {
	return (*uint64)(unsafe.Pointer(r))
}

// Payload returns a pointer to the first byte after the header, where
// object fields (and, once forwarded, the forwarding pointer) live.
func (r Ref) Payload() unsafe.Pointer {
	return unsafe.Pointer(r.Addr() + Size)
}

// GCInfoIndex extracts the 14-bit GC-info table index.
func (r Ref) GCInfoIndex() uint16 {
	return uint16(*r.word() & gcInfoMask)
}

// MarkState extracts the 2-bit mark/forwarding state.
func (r Ref) MarkState() MarkState {
	return MarkState((*r.word() & markMask) >> markShift)
}

// CompareAndSetMarkState atomically transitions the mark state from
// old to new, returning whether it succeeded. The collector uses this
// to claim an object for marking exactly once per cycle (spec.md §8:
// "exactly one trace callback is invoked per marking phase").
func (r Ref) CompareAndSetMarkState(old, new MarkState) bool {
	for {
		cur := *r.word()
		if MarkState((cur&markMask)>>markShift) != old {
			return false
		}
		updated := (cur &^ markMask) | (uint64(new) << markShift)
		if casWord(r.word(), cur, updated) {
			return true
		}
	}
}

// SetMarkState unconditionally stores the mark state, used during
// sweep's global mark reset (spec.md §4.4 phase 2) where there is no
// concurrent writer to race with.
func (r Ref) SetMarkState(m MarkState) {
	for {
		cur := *r.word()
		updated := (cur &^ markMask) | (uint64(m) << markShift)
		if casWord(r.word(), cur, updated) {
			return
		}
	}
}

// EncodedSize returns the small/medium size-class payload left in the
// control word, or largeSizeSentinel if the true size lives out of
// line in a large-object record.
func (r Ref) EncodedSize() uint64 {
	return *r.word() >> sizeShift
}

// IsLargeSentinel reports whether this header defers to a
// large-object record for its size.
func (r Ref) IsLargeSentinel() bool {
	return r.EncodedSize() == largeSizeSentinel
}

// Forward reads the forwarding target overlaid on the first payload
// word. Only meaningful when MarkState() == Forwarded.
func (r Ref) Forward() Ref {
	return Ref(*(*uintptr)(r.Payload()))
}

// SetForward overlays the forwarding pointer on the payload and flips
// the mark state to Forwarded. This is only safe once every live
// field has already been copied to target, per spec.md §4.5 step 1.
func (r Ref) SetForward(target Ref) {
	*(*uintptr)(r.Payload()) = uintptr(target)
	r.SetMarkState(Forwarded)
}

// Pack writes a fresh control word for a newly allocated small/medium
// object: gcInfoIndex must already be in [MinIndex, MaxIndex) — the
// caller (the heap facade) validates that against the GC-info table.
func Pack(gcInfoIndex uint16, encodedSize uint64) uint64 {
	return uint64(gcInfoIndex)&gcInfoMask | uint64(Unmarked)<<markShift | encodedSize<<sizeShift
}

// PackLarge writes a control word for a large object, whose exact
// size is looked up from the out-of-line record instead.
func PackLarge(gcInfoIndex uint16) uint64 {
	return Pack(gcInfoIndex, largeSizeSentinel)
}

// Init stamps a freshly reserved allocation's header in place.
func Init(r Ref, ctrl uint64) {
	*r.word() = ctrl
}

func casWord(addr *uint64, old, new uint64) bool {
	return atomic.CompareAndSwapUint64(addr, old, new)
}
