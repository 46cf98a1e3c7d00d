// Copyright 2024 The Comet Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package immix

import (
	"fmt"

	"github.com/Starlight-JS/comet/internal/memregion"
	"github.com/Starlight-JS/comet/objheader"
)

// largeRecord is the out-of-line bookkeeping for one large object
// (spec.md §3: "large objects carry size out-of-line"), registered in
// the large-object list (spec.md §4.3 "large path").
type largeRecord struct {
	ref    objheader.Ref
	size   uintptr
	region *memregion.Region
}

// largeSpace is the singleton-record space for objects whose size
// exceeds LargeCutoff (spec.md §3).
type largeSpace struct {
	records map[uintptr]*largeRecord // keyed by header address
	growth  growthPolicy
}

func newLargeSpace(g growthPolicy) *largeSpace {
	return &largeSpace{records: make(map[uintptr]*largeRecord), growth: g}
}

// Alloc reserves a dedicated backing region for a size-byte object,
// stamps its header, and registers the record.
func (l *largeSpace) Alloc(size uintptr, gcIdx uint16) (objheader.Ref, error) {
	total := objheader.Size + int(size)
	region, err := memregion.Reserve(total)
	if err != nil {
		return objheader.NilRef, fmt.Errorf("immix: large alloc %d bytes: %w", size, err)
	}
	ref := objheader.Ref(addrOf(region.Bytes()))
	objheader.Init(ref, objheader.PackLarge(gcIdx))
	l.records[ref.Addr()] = &largeRecord{ref: ref, size: size, region: region}
	return ref, nil
}

// Size returns the exact recorded size for a large object's header
// (spec.md §4.2: "for large objects, read from the large-object
// record").
func (l *largeSpace) Size(ref objheader.Ref) (uintptr, bool) {
	rec, ok := l.records[ref.Addr()]
	if !ok {
		return 0, false
	}
	return rec.size, true
}

// Sweep releases every large object whose header is unmarked (spec.md
// §4.4 phase 8) and resets survivors' mark bit for the next cycle.
// It returns the set of freed refs so the caller can run finalizers
// and null weak slots before releasing memory.
func (l *largeSpace) Sweep() (freed []objheader.Ref) {
	for addr, rec := range l.records {
		if rec.ref.MarkState() == objheader.Marked {
			rec.ref.SetMarkState(objheader.Unmarked)
			continue
		}
		freed = append(freed, rec.ref)
		rec.region.Release()
		delete(l.records, addr)
	}
	return freed
}

// Count reports how many large objects are currently registered.
func (l *largeSpace) Count() int { return len(l.records) }

// growthPolicy holds the large-object space's threshold/factor pair
// (immix.Config's LargeHeapGrowth* fields). It is stored only: nothing
// reads it, and the block space's growth decision in Collect uses
// h.cfg directly.
type growthPolicy struct {
	threshold float64
	factor    float64
}
