// Copyright 2024 The Comet Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package minimark

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/Starlight-JS/comet/gcinfo"
	"github.com/Starlight-JS/comet/objheader"
)

func testHeap(t *testing.T, gctable *gcinfo.Table) *Heap {
	t.Helper()
	h, err := NewHeap(Config{
		NurserySize:          64 * 1024,
		SizeClassProgression: 1.25,
		MinSize:              16,
		MaxSize:               4096,
		OldSlabBytes:          32 * 1024,
	}, gctable, 1<<20)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func TestAllocateInNursery(t *testing.T) {
	table := gcinfo.NewTable()
	idx := table.Add(gcinfo.Info{})
	h := testHeap(t, table)

	ref, ok := h.Allocate(32, idx)
	require.True(t, ok)
	require.True(t, h.inNursery(ref.Addr()))
	require.Equal(t, uintptr(objheader.Size+32), h.NurseryUsed())
}

func TestMinorCollectPromotesReachableObject(t *testing.T) {
	table := gcinfo.NewTable()
	idx := table.Add(gcinfo.Info{})
	h := testHeap(t, table)

	ref, ok := h.Allocate(32, idx)
	require.True(t, ok)

	stats := h.MinorCollect(func(v gcinfo.Visitor) {
		slot := uintptr(ref)
		v.TraceField(&slot)
		ref = objheader.Ref(slot)
	}, nil)

	require.Equal(t, 1, stats.Promoted)
	require.False(t, h.inNursery(ref.Addr()), "survivor must be promoted out of the nursery")
	require.Equal(t, uintptr(0), h.NurseryUsed(), "nursery resets to empty after a minor collection")
	require.True(t, h.cards.AllClean())
}

func TestMinorCollectDropsUnreachableObject(t *testing.T) {
	table := gcinfo.NewTable()
	idx := table.Add(gcinfo.Info{})
	h := testHeap(t, table)

	_, ok := h.Allocate(32, idx)
	require.True(t, ok)

	stats := h.MinorCollect(func(v gcinfo.Visitor) {}, nil)
	require.Equal(t, 0, stats.Promoted)
	require.Equal(t, 0, len(h.oldAddrs))
}

func TestWriteBarrierDirtiesCard(t *testing.T) {
	table := gcinfo.NewTable()
	h := testHeap(t, table)

	holder := objheader.Ref(h.OldSpaceBase() + 0x40)
	require.False(t, h.cards.IsDirty(holder.Addr()))
	h.WriteBarrier(holder)
	require.True(t, h.cards.IsDirty(holder.Addr()))
}

func TestMajorCollectSweepsUnreachableOldObject(t *testing.T) {
	table := gcinfo.NewTable()
	finalized := 0
	idx := table.Add(gcinfo.Info{
		Finalize: func(obj unsafe.Pointer) { finalized++ },
	})
	h := testHeap(t, table)

	ref, ok := h.Allocate(32, idx)
	require.True(t, ok)

	// First minor collection promotes it while still reachable.
	h.MinorCollect(func(v gcinfo.Visitor) {
		slot := uintptr(ref)
		v.TraceField(&slot)
		ref = objheader.Ref(slot)
	}, nil)
	require.Equal(t, 1, len(h.oldAddrs))

	// Now nothing roots it: a major collection must reclaim and
	// finalize it.
	stats := h.MajorCollect(func(v gcinfo.Visitor) {}, func(isMarked func(objheader.Ref) bool) {}, nil)
	require.Equal(t, 1, stats.Freed)
	require.Equal(t, 1, stats.Finalized)
	require.Equal(t, 1, finalized)
	require.Equal(t, 0, len(h.oldAddrs))
}

func TestMajorCollectKeepsReachableOldObject(t *testing.T) {
	table := gcinfo.NewTable()
	idx := table.Add(gcinfo.Info{})
	h := testHeap(t, table)

	ref, ok := h.Allocate(32, idx)
	require.True(t, ok)
	h.MinorCollect(func(v gcinfo.Visitor) {
		slot := uintptr(ref)
		v.TraceField(&slot)
		ref = objheader.Ref(slot)
	}, nil)

	stats := h.MajorCollect(func(v gcinfo.Visitor) {
		slot := uintptr(ref)
		v.TraceField(&slot)
	}, func(isMarked func(objheader.Ref) bool) {}, nil)

	require.Equal(t, 0, stats.Freed)
	require.Equal(t, objheader.Unmarked, ref.MarkState())
	require.Equal(t, 1, len(h.oldAddrs))
}
