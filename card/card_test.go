// Copyright 2024 The Comet Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package card

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMarkAndIsDirty(t *testing.T) {
	tbl := NewTable(0x10000, 64*1024)
	require.True(t, tbl.AllClean())

	tbl.MarkDirty(0x10000 + 5)
	require.True(t, tbl.IsDirty(0x10000))
	require.False(t, tbl.IsDirty(0x10000+Bytes))
}

func TestClearResetsAll(t *testing.T) {
	tbl := NewTable(0, 4*Bytes)
	tbl.MarkDirty(0)
	tbl.MarkDirty(3 * Bytes)
	require.False(t, tbl.AllClean())

	tbl.Clear()
	require.True(t, tbl.AllClean())
}

func TestDirtyRangesCoalesces(t *testing.T) {
	tbl := NewTable(0, 5*Bytes)
	tbl.MarkDirty(0)
	tbl.MarkDirty(Bytes)
	tbl.MarkDirty(3 * Bytes)

	ranges := tbl.DirtyRanges()
	require.Len(t, ranges, 2)
	require.Equal(t, uintptr(0), ranges[0].Start)
	require.Equal(t, uintptr(2*Bytes), ranges[0].End)
	require.Equal(t, uintptr(3*Bytes), ranges[1].Start)
	require.Equal(t, uintptr(4*Bytes), ranges[1].End)
}
