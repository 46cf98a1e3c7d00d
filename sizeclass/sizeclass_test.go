// Copyright 2024 The Comet Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sizeclass

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassesMonotonic(t *testing.T) {
	cs := Classes(1.5, 16, 2048)
	require.NotEmpty(t, cs)
	for i := 1; i < len(cs); i++ {
		require.Greater(t, cs[i], cs[i-1])
	}
	require.GreaterOrEqual(t, cs[len(cs)-1], uintptr(2048))
}

func TestSlabPoolAllocFree(t *testing.T) {
	cs := Classes(1.25, 16, 256)
	pool := NewSlabPool(cs, 4096)
	defer pool.Release()

	addr, ok := pool.Alloc(20)
	require.True(t, ok)
	require.NotZero(t, addr)

	pool.Free(addr, 20)
	addr2, ok := pool.Alloc(20)
	require.True(t, ok)
	require.Equal(t, addr, addr2, "freed slot should be reused before a new refill")
}

func TestRoundUp(t *testing.T) {
	cs := Classes(1.25, 16, 256)
	pool := NewSlabPool(cs, 4096)
	defer pool.Release()

	require.Equal(t, uintptr(16), pool.RoundUp(1))
	require.GreaterOrEqual(t, pool.RoundUp(200), uintptr(200))
}
