// Copyright 2024 The Comet Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rooting

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/Starlight-JS/comet/gcinfo"
	"github.com/Starlight-JS/comet/internal/worklist"
	"github.com/Starlight-JS/comet/objheader"
)

func allocHeader(t *testing.T, gcInfo uint16, size int) objheader.Ref {
	t.Helper()
	buf := make([]byte, objheader.Size+size)
	r := objheader.Ref(uintptr(unsafe.Pointer(&buf[0])))
	objheader.Init(r, objheader.Pack(gcInfo, uint64(size)))
	t.Cleanup(func() { _ = buf })
	return r
}

func TestScopedReleasesOnReturn(t *testing.T) {
	ss := NewShadowStack()
	ref := allocHeader(t, 1, 8)

	err := Scoped(ss, ref, func(r *Root) error {
		require.Equal(t, 1, ss.Len())
		require.Equal(t, ref, r.Ref())
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 0, ss.Len())
}

func TestScopedReleasesOnPanic(t *testing.T) {
	ss := NewShadowStack()
	ref := allocHeader(t, 1, 8)

	func() {
		defer func() { recover() }()
		_ = Scoped(ss, ref, func(r *Root) error {
			panic("boom")
		})
	}()
	require.Equal(t, 0, ss.Len(), "Scoped must release even when fn panics")
}

func TestWeakUpgradeAfterDeath(t *testing.T) {
	wt := NewWeakTable()
	ref := allocHeader(t, 1, 8)
	w := wt.Allocate(ref)

	got, ok := wt.Upgrade(w)
	require.True(t, ok)
	require.Equal(t, ref, got)

	wt.SweepUnmarked(func(objheader.Ref) bool { return false })
	_, ok = wt.Upgrade(w)
	require.False(t, ok)
}

func TestWeakSurvivesWhenMarked(t *testing.T) {
	wt := NewWeakTable()
	ref := allocHeader(t, 1, 8)
	w := wt.Allocate(ref)

	wt.SweepUnmarked(func(objheader.Ref) bool { return true })
	got, ok := wt.Upgrade(w)
	require.True(t, ok)
	require.Equal(t, ref, got)
}

func TestVisitorClaimsOnce(t *testing.T) {
	work := worklist.NewStack(4)
	v := NewVisitor(work, nil)
	ref := allocHeader(t, 1, 8)
	slot := uintptr(ref)

	v.TraceField(&slot)
	require.Equal(t, 1, work.Len())

	// A second trace of the same still-unmarked-looking slot must not
	// double-enqueue once the CAS has flipped it to Marked.
	slot2 := uintptr(ref)
	v.TraceField(&slot2)
	require.Equal(t, 1, work.Len())
}

func TestVisitorRewritesForwardedSlot(t *testing.T) {
	work := worklist.NewStack(4)
	v := NewVisitor(work, nil)
	src := allocHeader(t, 1, 8)
	target := allocHeader(t, 1, 8)
	src.SetForward(target)

	slot := uintptr(src)
	v.TraceField(&slot)
	require.Equal(t, uintptr(target), slot)
}

func TestConstraintListRunsBeforeAndAfterMark(t *testing.T) {
	var order []string
	cl := &ConstraintList{}
	cl.Add(&FuncConstraint{NameStr: "before", At: BeforeMark, RunFn: func(v gcinfo.Visitor) {
		order = append(order, "before")
	}})

	work := worklist.NewStack(1)
	v := NewVisitor(work, nil)
	cl.RunPhase(BeforeMark, v)
	cl.RunPhase(AfterMark, v)
	require.Equal(t, []string{"before"}, order)
}
