// Copyright 2024 The Comet Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package marksweep

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/Starlight-JS/comet/gcinfo"
	"github.com/Starlight-JS/comet/objheader"
)

func testPolicy(t *testing.T, gctable *gcinfo.Table) *Policy {
	t.Helper()
	p, err := New(Config{HeapSize: 64 * 1024}, gctable)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestAllocateThenCollectSurvivesRootedObject(t *testing.T) {
	table := gcinfo.NewTable()
	idx := table.Add(gcinfo.Info{})
	p := testPolicy(t, table)

	ref, ok := p.Allocate(32, idx)
	require.True(t, ok)

	stats := p.Collect(func(v gcinfo.Visitor) {
		slot := uintptr(ref)
		v.TraceField(&slot)
	}, func(isMarked func(objheader.Ref) bool) {})

	require.Equal(t, 0, stats.Freed)
	require.Equal(t, objheader.Unmarked, ref.MarkState())
	require.Equal(t, 1, len(p.liveAddrs))
}

func TestCollectFreesAndFinalizesUnreachableObject(t *testing.T) {
	table := gcinfo.NewTable()
	finalized := 0
	idx := table.Add(gcinfo.Info{Finalize: func(unsafe.Pointer) { finalized++ }})
	p := testPolicy(t, table)

	_, ok := p.Allocate(32, idx)
	require.True(t, ok)

	stats := p.Collect(func(v gcinfo.Visitor) {}, func(isMarked func(objheader.Ref) bool) {})
	require.Equal(t, 1, stats.Freed)
	require.Equal(t, 1, stats.Finalized)
	require.Equal(t, 1, finalized)
	require.Equal(t, 0, len(p.liveAddrs))
}

func TestFreedSpanIsReusedByLaterAllocation(t *testing.T) {
	table := gcinfo.NewTable()
	idx := table.Add(gcinfo.Info{})
	p := testPolicy(t, table)

	first, ok := p.Allocate(64, idx)
	require.True(t, ok)
	bumpAfterFirst := p.bumpPtr

	p.Collect(func(v gcinfo.Visitor) {}, func(isMarked func(objheader.Ref) bool) {})
	require.Equal(t, 1, len(p.free), "the freed span must land on the free list")

	second, ok := p.Allocate(64, idx)
	require.True(t, ok)
	require.Equal(t, first.Addr(), second.Addr(), "first-fit must reuse the freed span instead of bumping")
	require.Equal(t, bumpAfterFirst, p.bumpPtr, "reusing a free span must not move the bump cursor")
}

func TestCollectTracesThroughLinkedChain(t *testing.T) {
	table := gcinfo.NewTable()
	idx := table.Add(gcinfo.Info{Trace: func(v gcinfo.Visitor, obj unsafe.Pointer) {
		v.TraceField((*uintptr)(obj))
	}})
	p := testPolicy(t, table)

	a, ok := p.Allocate(8, idx)
	require.True(t, ok)
	b, ok := p.Allocate(8, idx)
	require.True(t, ok)
	*(*uintptr)(a.Payload()) = uintptr(b)

	p.Collect(func(v gcinfo.Visitor) {
		slot := uintptr(a)
		v.TraceField(&slot)
	}, func(isMarked func(objheader.Ref) bool) {})

	require.Equal(t, 2, len(p.liveAddrs), "both a and b must survive, b reached only through a's field")
}
