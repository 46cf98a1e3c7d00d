// Copyright 2024 The Comet Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package semispace

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/Starlight-JS/comet/gcinfo"
	"github.com/Starlight-JS/comet/objheader"
)

func testPolicy(t *testing.T, gctable *gcinfo.Table) *Policy {
	t.Helper()
	p, err := New(Config{HalfSize: 64 * 1024}, gctable)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestAllocateBumpsWithinHalfSpace(t *testing.T) {
	table := gcinfo.NewTable()
	idx := table.Add(gcinfo.Info{})
	p := testPolicy(t, table)

	ref, ok := p.Allocate(32, idx)
	require.True(t, ok)
	require.True(t, p.inFromSpace(ref.Addr()))
}

func TestCollectMovesReachableObjectAndFlips(t *testing.T) {
	table := gcinfo.NewTable()
	idx := table.Add(gcinfo.Info{})
	p := testPolicy(t, table)

	ref, ok := p.Allocate(32, idx)
	require.True(t, ok)
	oldFrom := p.fromBase

	slot := uintptr(ref)
	p.Collect(func(v gcinfo.Visitor) {
		v.TraceField(&slot)
	}, func(isMarked func(objheader.Ref) bool) {})

	require.NotEqual(t, uintptr(ref), slot, "the surviving object must have moved")
	require.True(t, p.inFromSpace(slot), "the new address lives in the post-flip from-space")
	require.Equal(t, oldFrom, p.toBase, "the two half-spaces must have swapped roles")
}

func TestCollectDropsUnreachableObject(t *testing.T) {
	table := gcinfo.NewTable()
	idx := table.Add(gcinfo.Info{})
	p := testPolicy(t, table)

	_, ok := p.Allocate(32, idx)
	require.True(t, ok)
	before := p.bumpPtr

	p.Collect(func(v gcinfo.Visitor) {}, func(isMarked func(objheader.Ref) bool) {})

	require.Equal(t, p.fromBase, p.bumpPtr, "nothing survived, so the new from-space starts empty")
	require.NotEqual(t, before, p.bumpPtr)
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

	slot := uintptr(a)
	p.Collect(func(v gcinfo.Visitor) {
		v.TraceField(&slot)
	}, func(isMarked func(objheader.Ref) bool) {})

	newA := objheader.Ref(slot)
	require.True(t, p.inFromSpace(newA.Addr()))
	newB := objheader.Ref(*(*uintptr)(newA.Payload()))
	require.True(t, p.inFromSpace(newB.Addr()), "b must have been copied too, reached only through a's field")
}
