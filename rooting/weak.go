// Copyright 2024 The Comet Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rooting

import (
	"sync"

	"github.com/Starlight-JS/comet/objheader"
)

// WeakRef identifies a slot in the weak-reference side table
// (spec.md §4.8: "stored in a side table, not inlined, so that their
// slots are visible to the collector independently of whether the
// owning heap object is traced").
type WeakRef uint64

// WeakTable is the side table allocate_weak/weak_upgrade operate on.
// It is not itself a GC root: spec.md §4.4 phase 3 explicitly
// excludes "weak-ref table entries" from root discovery.
type WeakTable struct {
	mu      sync.Mutex
	slots   map[WeakRef]objheader.Ref
	nextIdx WeakRef
}

// NewWeakTable returns an empty weak-reference table.
func NewWeakTable() *WeakTable {
	return &WeakTable{slots: make(map[WeakRef]objheader.Ref)}
}

// Allocate inserts a new weak slot over referent (spec.md §4.8
// "allocate_weak(referent) -> weak_ref").
func (t *WeakTable) Allocate(referent objheader.Ref) WeakRef {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextIdx++
	id := t.nextIdx
	t.slots[id] = referent
	return id
}

// Upgrade returns the referent if the slot is still populated, the
// zero Ref and false otherwise (spec.md §4.8 "upgrade(weak_ref) ->
// header?").
func (t *WeakTable) Upgrade(w WeakRef) (objheader.Ref, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ref, ok := t.slots[w]
	if !ok || ref.IsNil() {
		return objheader.NilRef, false
	}
	return ref, true
}

// Rehome rewrites a live slot's referent after it is forwarded by a
// moving collection, keeping upgrade() returning an up-to-date
// pointer for survivors (spec.md §8's forwarding invariant extends to
// weak slots even though they are not roots).
func (t *WeakTable) Rehome(w WeakRef, newRef objheader.Ref) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.slots[w]; ok {
		t.slots[w] = newRef
	}
}

// SweepUnmarked walks every slot and explicitly nils out any whose
// referent is not marked, per spec.md §4.4 phase 6 ("process weak
// refs: upgrade if referent marked, else null the slot") and the
// spec.md §8 invariant that a dead referent's slot is "explicitly
// null, not dangling". isMarked reports whether a header is still
// live as of the collection that just finished marking.
func (t *WeakTable) SweepUnmarked(isMarked func(objheader.Ref) bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, ref := range t.slots {
		if ref.IsNil() {
			continue
		}
		if !isMarked(ref) {
			t.slots[id] = objheader.NilRef
		}
	}
}

// ForEachLive calls fn for every currently-populated slot; used by
// the minor-collection forwarding pass to rewrite slots whose
// referent was promoted (see Rehome).
func (t *WeakTable) ForEachLive(fn func(w WeakRef, ref objheader.Ref)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, ref := range t.slots {
		if !ref.IsNil() {
			fn(id, ref)
		}
	}
}
