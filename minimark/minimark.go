// Copyright 2024 The Comet Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package minimark implements the generational mark-region-free
// collector (spec.md §3, §4.5): a bump-allocated nursery, an old space
// backed by an external size-class allocator (sizeclass.Allocator),
// and the card-table write barrier that lets minor collections scan
// only the part of old space that might hold a reference into the
// nursery instead of the whole heap.
//
// The nursery/old-space split and the "minor collections are cheap,
// majors are rare" shape are grounded on the teacher's own two-tier
// instinct in runtime/mgc.go (background sweep keeps pace with small
// allocations so a full STW mark-sweep is the exception, not the
// rule), adapted here into an explicit two-generation design rather
// than Go's single-generation-with-concurrent-sweep scheme, per
// spec.md §4.5.
package minimark

import (
	"fmt"
	"sort"
	"unsafe"

	"github.com/Starlight-JS/comet/card"
	"github.com/Starlight-JS/comet/gcinfo"
	"github.com/Starlight-JS/comet/internal/memregion"
	"github.com/Starlight-JS/comet/objheader"
	"github.com/Starlight-JS/comet/sizeclass"
)

// Config is the MiniMark-specific slice of the embedder configuration
// (spec.md §6). OldHeapGrowthFactor/OldHeapGrowthThreshold are carried
// through for parity with Immix's heap_growth_* pair and for a
// stricter backing sizeclass.Allocator to consult; SlabPool, the
// reference implementation, grows elastically on demand and does not
// need them.
type Config struct {
	NurserySize            uintptr
	OldHeapGrowthFactor    float64
	OldHeapGrowthThreshold float64
	SizeClassProgression   float64
	MinSize, MaxSize       uintptr
	OldSlabBytes           int

	// MarkWorkers is the number of goroutines the major collection's
	// mark phase spreads work across (spec.md §4.4 step 4, §5). Minor
	// collections stay single-threaded regardless: their Cheney-queue
	// promotion order matters for recordOld bookkeeping and nurseries
	// are small enough that parallelism would not pay for itself.
	MarkWorkers int
}

// Heap is the MiniMark allocator and collector state for one comet
// Heap facade instance.
type Heap struct {
	cfg     Config
	gctable *gcinfo.Table

	nurseryRegion       *memregion.Region
	nurseryBase, nurseryLim uintptr
	nurseryPtr          uintptr

	oldRegion *memregion.Region
	old       *sizeclass.SlabPool
	cards     *card.Table

	// oldAddrs is kept sorted so DirtyRanges lookups and MajorCollect's
	// sweep can binary-search the set of currently-live old objects,
	// mirroring block.Manager's byBase/basesSorted lookup.
	oldSizes map[uintptr]uintptr
	oldAddrs []uintptr

	oldSpaceBase uintptr
	oldSpaceSize uintptr
}

// NewHeap constructs a MiniMark heap: a fresh nursery reservation plus
// an old space of oldSpaceSize bytes, reserved up front so every
// address the old-space allocator ever hands out falls inside the
// exact range the card table is sized against (spec.md §3, §4.5: the
// card table "covers the old space", which only holds if promotion
// and the card table agree on where that is).
func NewHeap(cfg Config, gctable *gcinfo.Table, oldSpaceSize uintptr) (*Heap, error) {
	if cfg.NurserySize == 0 {
		cfg.NurserySize = 4 << 20
	}
	nurseryRegion, err := memregion.Reserve(int(cfg.NurserySize))
	if err != nil {
		return nil, fmt.Errorf("minimark: reserve nursery: %w", err)
	}
	nurseryBase := addrOf(nurseryRegion.Bytes())

	oldRegion, err := memregion.Reserve(int(oldSpaceSize))
	if err != nil {
		nurseryRegion.Release()
		return nil, fmt.Errorf("minimark: reserve old space: %w", err)
	}
	oldSpaceBase := addrOf(oldRegion.Bytes())

	classes := sizeclass.Classes(cfg.SizeClassProgression, cfg.MinSize, cfg.MaxSize)
	h := &Heap{
		cfg:           cfg,
		gctable:       gctable,
		nurseryRegion: nurseryRegion,
		nurseryBase:   nurseryBase,
		nurseryLim:    nurseryBase + cfg.NurserySize,
		nurseryPtr:    nurseryBase,
		oldRegion:     oldRegion,
		old:           sizeclass.NewSlabPoolIn(classes, oldRegion, cfg.OldSlabBytes),
		cards:         card.NewTable(oldSpaceBase, oldSpaceSize),
		oldSizes:      make(map[uintptr]uintptr),
		oldSpaceBase:  oldSpaceBase,
		oldSpaceSize:  oldSpaceSize,
	}
	return h, nil
}

// OldSpaceBase returns the real base address of the old-space
// reservation, for diagnostics and tests that need an address
// guaranteed to fall within old space.
func (h *Heap) OldSpaceBase() uintptr { return h.oldSpaceBase }

func addrOf(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

// inNursery reports whether addr lies in the live nursery range.
func (h *Heap) inNursery(addr uintptr) bool {
	return addr >= h.nurseryBase && addr < h.nurseryLim
}

// Allocate bump-allocates a size-byte object in the nursery (spec.md
// §4.5 "fast path: bump-allocate in the nursery"). A false result
// means the nursery is full and the embedder must trigger a minor
// collection before retrying.
func (h *Heap) Allocate(size uintptr, gcIdx uint16) (objheader.Ref, bool) {
	needed := uintptr(objheader.Size) + size
	if h.nurseryPtr+needed > h.nurseryLim {
		return objheader.NilRef, false
	}
	ref := objheader.Ref(h.nurseryPtr)
	objheader.Init(ref, objheader.Pack(gcIdx, uint64(size)))
	h.nurseryPtr += needed
	return ref, true
}

// WriteBarrier dirties the card covering holder, the write barrier's
// entire job (spec.md §4.5, §5): "unconditional on the old-space
// side", no check of what is being stored. The embedder calls this
// whenever it stores a pointer into a field of an object it knows
// lives in old space; comet does not intercept raw memory writes
// itself (spec.md §1 Non-goals).
func (h *Heap) WriteBarrier(holder objheader.Ref) {
	h.cards.MarkDirty(holder.Addr())
}

// recordOld registers a freshly promoted or major-collection-surviving
// old-space object so MajorCollect can enumerate live objects without
// a separate liveness index (mirrors block.Block.allocated in immix).
func (h *Heap) recordOld(addr, size uintptr) {
	h.oldSizes[addr] = size
	i := sort.Search(len(h.oldAddrs), func(i int) bool { return h.oldAddrs[i] >= addr })
	h.oldAddrs = append(h.oldAddrs, 0)
	copy(h.oldAddrs[i+1:], h.oldAddrs[i:])
	h.oldAddrs[i] = addr
}

func (h *Heap) forgetOld(addr uintptr) {
	delete(h.oldSizes, addr)
	i := sort.Search(len(h.oldAddrs), func(i int) bool { return h.oldAddrs[i] >= addr })
	if i < len(h.oldAddrs) && h.oldAddrs[i] == addr {
		h.oldAddrs = append(h.oldAddrs[:i], h.oldAddrs[i+1:]...)
	}
}

// oldAddrsIn returns every recorded old-space object address within
// [start, end), used by MinorCollect to scan only dirty cards.
func (h *Heap) oldAddrsIn(start, end uintptr) []uintptr {
	lo := sort.Search(len(h.oldAddrs), func(i int) bool { return h.oldAddrs[i] >= start })
	hi := sort.Search(len(h.oldAddrs), func(i int) bool { return h.oldAddrs[i] >= end })
	return h.oldAddrs[lo:hi]
}

// NurseryUsed reports how many bytes of the nursery are currently
// occupied, for diagnostics (config.Verbose) and tests.
func (h *Heap) NurseryUsed() uintptr { return h.nurseryPtr - h.nurseryBase }

// Close releases the nursery and old-space reservations (embedder API
// heap_free, spec.md §6). h.old.Release is still called for symmetry
// with the sizeclass.Allocator interface, though NewSlabPoolIn's pool
// does not itself own the region it carves from.
func (h *Heap) Close() error {
	var firstErr error
	if err := h.nurseryRegion.Release(); err != nil {
		firstErr = err
	}
	if err := h.old.Release(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := h.oldRegion.Release(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
