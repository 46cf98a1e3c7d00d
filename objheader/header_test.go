// Copyright 2024 The Comet Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package objheader

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func newTestRef(payload int) Ref {
	buf := make([]byte, Size+payload)
	return Ref(uintptr(unsafe.Pointer(&buf[0])))
}

func TestPackRoundTrip(t *testing.T) {
	r := newTestRef(16)
	Init(r, Pack(42, 16))

	require.EqualValues(t, 42, r.GCInfoIndex())
	require.Equal(t, Unmarked, r.MarkState())
	require.EqualValues(t, 16, r.EncodedSize())
	require.False(t, r.IsLargeSentinel())
}

func TestPackLarge(t *testing.T) {
	r := newTestRef(8)
	Init(r, PackLarge(7))
	require.True(t, r.IsLargeSentinel())
	require.EqualValues(t, 7, r.GCInfoIndex())
}

func TestCompareAndSetMarkState(t *testing.T) {
	r := newTestRef(8)
	Init(r, Pack(1, 8))

	require.True(t, r.CompareAndSetMarkState(Unmarked, Marked))
	require.Equal(t, Marked, r.MarkState())

	// A stale CAS from the old state must fail now that the word moved on.
	require.False(t, r.CompareAndSetMarkState(Unmarked, Pinned))
	require.Equal(t, Marked, r.MarkState())
}

func TestForwarding(t *testing.T) {
	src := newTestRef(8)
	Init(src, Pack(3, 8))
	target := newTestRef(8)
	Init(target, Pack(3, 8))

	src.SetForward(target)
	require.Equal(t, Forwarded, src.MarkState())
	require.Equal(t, target, src.Forward())
}

func TestMarkStateString(t *testing.T) {
	require.Equal(t, "unmarked", Unmarked.String())
	require.Equal(t, "forwarded", Forwarded.String())
}
