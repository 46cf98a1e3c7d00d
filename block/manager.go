// Copyright 2024 The Comet Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package block

import (
	"fmt"
	"sort"
	"unsafe"

	"github.com/Starlight-JS/comet/internal/memregion"
)

func addrOf(b []byte) uintptr {
	return uintptr(unsafe.Pointer(&b[0]))
}

// list is an intrusive doubly-linked list of blocks, mirroring the
// push/remove shape of the retrieved Immix span list
// (other_examples' goat immixSpanList) adapted to comet's Block type.
type list struct {
	first, last *Block
	count       int
}

func (l *list) pushFront(b *Block) {
	if b.owner != nil {
		panic("block: block already on a list")
	}
	b.next = l.first
	if l.first == nil {
		l.last = b
	} else {
		l.first.prev = b
	}
	l.first = b
	b.owner = l
	l.count++
}

func (l *list) remove(b *Block) {
	if b.owner != l {
		panic("block: removing block from wrong list")
	}
	switch {
	case l.first == b && l.last == b:
		l.first, l.last = nil, nil
	case l.first == b:
		b.next.prev = nil
		l.first = b.next
		b.next = nil
	case l.last == b:
		b.prev.next = nil
		l.last = b.prev
		b.prev = nil
	default:
		b.prev.next = b.next
		b.next.prev = b.prev
		b.next, b.prev = nil, nil
	}
	b.owner = nil
	l.count--
}

func (l *list) popFront() *Block {
	b := l.first
	if b != nil {
		l.remove(b)
	}
	return b
}

// Manager owns every block reserved for an Immix heap: the free
// list, the recyclable list (blocks with at least one hole left from
// the previous cycle), and the unavailable list (fully marked, not
// worth scanning for holes). It also owns the underlying OS memory
// reservations.
type Manager struct {
	free        list
	recyclable  list
	unavailable list
	regions     []*memregion.Region

	totalBlocks    int
	reservedBlocks int // running total of blocks grown so far
	all            []*Block
	byBase         map[uintptr]*Block
	basesSorted    []uintptr
}

// NewManager returns an empty Manager with no blocks reserved yet.
func NewManager() *Manager {
	return &Manager{}
}

// GrowBy reserves n additional blocks from the OS and adds them to
// the free list (spec.md §4.4 "heap growth: ... expand reserved
// blocks by heap_growth_factor").
func (m *Manager) GrowBy(n int) error {
	if n <= 0 {
		return nil
	}
	region, err := memregion.Reserve(n * Size)
	if err != nil {
		return fmt.Errorf("block: grow by %d blocks: %w", n, err)
	}
	m.regions = append(m.regions, region)
	base := region.Bytes()
	baseAddr := addrOf(base)
	if m.byBase == nil {
		m.byBase = make(map[uintptr]*Block)
	}
	for i := 0; i < n; i++ {
		b := New(baseAddr + uintptr(i*Size))
		m.free.pushFront(b)
		m.all = append(m.all, b)
		m.byBase[b.Base] = b
		m.basesSorted = append(m.basesSorted, b.Base)
	}
	sort.Slice(m.basesSorted, func(i, j int) bool { return m.basesSorted[i] < m.basesSorted[j] })
	m.totalBlocks += n
	m.reservedBlocks += n
	return nil
}

// Find returns the block containing addr, if any — used to recover
// the block/line coordinates of an object so marking it can apply
// the implicit-mark rule (spec.md §3) to the right block.
func (m *Manager) Find(addr uintptr) (*Block, bool) {
	i := sort.Search(len(m.basesSorted), func(i int) bool { return m.basesSorted[i] > addr })
	if i == 0 {
		return nil, false
	}
	base := m.basesSorted[i-1]
	b := m.byBase[base]
	if addr >= base && addr < base+Size {
		return b, true
	}
	return nil, false
}

// All returns every block this manager has ever reserved, regardless
// of which list (or none, if checked out to an allocator) currently
// owns it. The collector uses this to clear marks at the start of
// every cycle (spec.md §4.4 phase 2).
func (m *Manager) All() []*Block { return m.all }

// AcquireHole returns a block with at least one usable hole,
// preferring a recyclable block over a fresh free block so free
// blocks stay available for objects that need an entirely clean
// block (spec.md §4.3's fast path: "request a recyclable or free
// block from the block manager").
func (m *Manager) AcquireHole() (*Block, bool) {
	if b := m.recyclable.popFront(); b != nil {
		return b, true
	}
	if b := m.free.popFront(); b != nil {
		return b, true
	}
	return nil, false
}

// Release returns a block to the manager after sweep reclassifies
// it, filing it on the list matching its freshly recomputed Status.
func (m *Manager) Release(b *Block) {
	switch b.status {
	case Free:
		m.free.pushFront(b)
	case Recyclable:
		m.recyclable.pushFront(b)
	case Unavailable:
		m.unavailable.pushFront(b)
	}
}

// SweepEach reclassifies every block the manager has ever reserved —
// whether it currently sits idle on the free/recyclable/unavailable
// lists or is checked out to the allocator's bump cursors — and
// re-files it by freshly recomputed Status (spec.md §4.4 phase 5).
// visit runs against each block before its status is recomputed, so
// callers can reset per-object header mark bits and detect dead
// finalizable objects (see Block.SweepAllocated) using the marks left
// by the just-finished mark phase. Callers must clear the allocator's
// own cursor references to any checked-out block before calling this,
// since SweepEach takes ownership of every block it touches.
func (m *Manager) SweepEach(visit func(b *Block)) {
	for _, b := range m.all {
		if b.owner != nil {
			b.owner.remove(b)
		}
		if visit != nil {
			visit(b)
		}
		b.Recompute()
		m.Release(b)
	}
}

// Stats reports current list occupancy for diagnostics
// (config.Verbose) and the live-ratio heap-growth decision.
type Stats struct {
	Free, Recyclable, Unavailable, Total int
}

// TotalBlocks reports how many blocks have been reserved so far.
func (m *Manager) TotalBlocks() int { return m.totalBlocks }

// Stats returns a snapshot of block list occupancy.
func (m *Manager) Stats() Stats {
	return Stats{
		Free:        m.free.count,
		Recyclable:  m.recyclable.count,
		Unavailable: m.unavailable.count,
		Total:       m.totalBlocks,
	}
}

// LiveRatio is the fraction of reserved blocks that are not free,
// used by the heap-growth decision (spec.md §4.4: "when post-
// collection live ratio exceeds heap_growth_threshold").
func (s Stats) LiveRatio() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Recyclable+s.Unavailable) / float64(s.Total)
}

// Close unmaps every region this manager reserved, run from
// heap_free (spec.md §6).
func (m *Manager) Close() error {
	var firstErr error
	for _, r := range m.regions {
		if err := r.Release(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.regions = nil
	return firstErr
}
