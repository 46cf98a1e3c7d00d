// Copyright 2024 The Comet Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package block

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/Starlight-JS/comet/objheader"
)

func TestHolesOnFreshBlock(t *testing.T) {
	b := New(0x1000)
	holes := b.Holes()
	require.Len(t, holes, 1)
	require.Equal(t, 0, holes[0].StartLine)
	require.Equal(t, LineCount, holes[0].EndLine)
}

func TestMarkLineImplicitTrailing(t *testing.T) {
	b := New(0x1000)
	b.MarkLine(5)
	require.True(t, b.LineMarked(5))
	require.True(t, b.LineMarked(6), "implicit-mark rule must mark the trailing line too")
	require.False(t, b.LineMarked(7))
}

func TestRecomputeStatusTransitions(t *testing.T) {
	b := New(0x1000)
	require.Equal(t, Free, b.Recompute())

	b.MarkLine(0)
	require.Equal(t, Recyclable, b.Recompute())

	for i := 0; i < LineCount; i++ {
		b.MarkLine(i)
	}
	require.Equal(t, Unavailable, b.Recompute())
}

func TestHolesSkipMarkedRuns(t *testing.T) {
	b := New(0x1000)
	b.MarkRange(10, 20)
	holes := b.Holes()
	require.Len(t, holes, 2)
	require.Equal(t, 0, holes[0].StartLine)
	require.Equal(t, 10, holes[0].EndLine)
	// MarkRange(10,20) marks lines 10..20 plus the implicit trailing
	// line 21, so the next hole starts at 22.
	require.Equal(t, 22, holes[1].StartLine)
}

func TestClearMarksResetsToFree(t *testing.T) {
	b := New(0x1000)
	b.MarkLine(3)
	b.Recompute()
	require.Equal(t, Recyclable, b.StatusValue())

	b.ClearMarks()
	require.Equal(t, Free, b.Recompute())
}

func TestManagerGrowAndAcquire(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.GrowBy(2))
	defer m.Close()

	b, ok := m.AcquireHole()
	require.True(t, ok)
	require.NotNil(t, b)

	stats := m.Stats()
	require.Equal(t, 2, stats.Total)
	require.Equal(t, 1, stats.Free)
}

func TestManagerReleaseFilesByStatus(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.GrowBy(1))
	defer m.Close()

	b, ok := m.AcquireHole()
	require.True(t, ok)

	b.MarkRange(0, LineCount-1)
	b.Recompute()
	m.Release(b)

	stats := m.Stats()
	require.Equal(t, 0, stats.Free)
	require.Equal(t, 0, stats.Recyclable)
	require.Equal(t, 1, stats.Unavailable)
}

func TestLiveRatio(t *testing.T) {
	s := Stats{Free: 1, Recyclable: 1, Unavailable: 2, Total: 4}
	require.InDelta(t, 0.75, s.LiveRatio(), 1e-9)
}

func allocRef(t *testing.T, gcIdx uint16, size int) uintptr {
	t.Helper()
	buf := make([]byte, objheader.Size+size)
	ref := objheader.Ref(uintptr(unsafe.Pointer(&buf[0])))
	objheader.Init(ref, objheader.Pack(gcIdx, uint64(size)))
	t.Cleanup(func() { _ = buf })
	return uintptr(ref)
}

func TestSweepAllocatedResetsSurvivorsAndReportsDead(t *testing.T) {
	b := New(0x2000)

	live := allocRef(t, 1, 16)
	dead := allocRef(t, 1, 16)
	b.RecordAlloc(live)
	b.RecordAlloc(dead)

	objheader.Ref(live).SetMarkState(objheader.Marked)

	var reportedDead []uintptr
	b.SweepAllocated(func(addr uintptr) { reportedDead = append(reportedDead, addr) })

	require.Equal(t, []uintptr{dead}, reportedDead)
	require.Equal(t, objheader.Unmarked, objheader.Ref(live).MarkState())
	require.Equal(t, []uintptr{live}, b.allocated, "survivor must carry over to the next cycle")
}

func TestManagerSweepEachVisitsEveryBlock(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.GrowBy(2))
	defer m.Close()

	b, ok := m.AcquireHole()
	require.True(t, ok)
	b.MarkLine(0)

	visited := 0
	m.SweepEach(func(b *Block) { visited++ })
	require.Equal(t, 2, visited)

	stats := m.Stats()
	require.Equal(t, 1, stats.Recyclable)
	require.Equal(t, 1, stats.Free)
}
