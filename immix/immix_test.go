// Copyright 2024 The Comet Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package immix

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/Starlight-JS/comet/block"
	"github.com/Starlight-JS/comet/gcinfo"
	"github.com/Starlight-JS/comet/objheader"
)

func testConfig() Config {
	return Config{
		HeapGrowthFactor:         0.5,
		HeapGrowthThreshold:      0.9,
		LargeHeapGrowthFactor:    0.5,
		LargeHeapGrowthThreshold: 0.9,
		InitialBlocks:            2,
		MaxBlocks:                64,
	}
}

func TestAllocateSmallThenCollectKeepsRoot(t *testing.T) {
	table := gcinfo.NewTable()
	idx := table.Add(gcinfo.Info{})

	h, err := NewHeap(testConfig(), table)
	require.NoError(t, err)
	defer h.Close()

	root, ok := h.Allocate(32, idx)
	require.True(t, ok)

	stats := h.Collect(func(v gcinfo.Visitor) {
		slot := uintptr(root)
		v.TraceField(&slot)
	}, func(isMarked func(objheader.Ref) bool) {})

	require.Equal(t, 0, stats.Finalized)
	require.Equal(t, objheader.Unmarked, root.MarkState(), "survivors reset to unmarked at cycle end")
}

func TestCollectReclaimsUnreachable(t *testing.T) {
	table := gcinfo.NewTable()
	idx := table.Add(gcinfo.Info{})

	h, err := NewHeap(testConfig(), table)
	require.NoError(t, err)
	defer h.Close()

	_, ok := h.Allocate(32, idx)
	require.True(t, ok)

	stats := h.Collect(func(v gcinfo.Visitor) {}, func(isMarked func(objheader.Ref) bool) {})
	require.Equal(t, 0, stats.LargeFreed)

	stats2 := h.Collect(func(v gcinfo.Visitor) {}, func(isMarked func(objheader.Ref) bool) {})
	require.Equal(t, stats.BlockStats, stats2.BlockStats, "a second empty collection reclaims nothing more")
}

func TestCollectRunsFinalizerOnDeadObject(t *testing.T) {
	table := gcinfo.NewTable()
	var finalizedPayload uintptr
	idx := table.Add(gcinfo.Info{
		Finalize: func(obj unsafe.Pointer) {
			finalizedPayload = uintptr(obj)
		},
	})

	h, err := NewHeap(testConfig(), table)
	require.NoError(t, err)
	defer h.Close()

	ref, ok := h.Allocate(32, idx)
	require.True(t, ok)

	stats := h.Collect(func(v gcinfo.Visitor) {}, func(isMarked func(objheader.Ref) bool) {})
	require.Equal(t, 1, stats.Finalized)
	require.Equal(t, uintptr(ref.Payload()), finalizedPayload)
}

func TestLargeObjectRoundTrip(t *testing.T) {
	table := gcinfo.NewTable()
	idx := table.Add(gcinfo.Info{})

	h, err := NewHeap(testConfig(), table)
	require.NoError(t, err)
	defer h.Close()

	size := uintptr(block.LargeCutoff + 1024)
	ref, ok := h.Allocate(size, idx)
	require.True(t, ok)
	require.True(t, ref.IsLargeSentinel())

	got, ok := h.LargeSize(ref)
	require.True(t, ok)
	require.Equal(t, size, got)
}
