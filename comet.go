// Copyright 2024 The Comet Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package comet is the embeddable library of precise tracing garbage
// collectors spec.md describes: the Immix mark-region allocator and
// the MiniMark generational collector, sharing one rooting contract
// (package rooting) and one GC-info table (package gcinfo) so an
// embedder can pick either policy behind the same Heap facade
// (spec.md §1, §2, §6).
//
// Package comet itself is the "heap facade" spec.md §2 names as the
// public object embedders hold: it owns the shadow stack, the weak-
// reference table, the marking-constraint list, and whichever of
// immix.Heap or minimark.Heap the config selects, and exposes the
// embedder API of spec.md §6 (allocate/collect/barrier operations)
// over all of them uniformly.
package comet

import (
	"fmt"
	"runtime"
	"sync"

	"go.uber.org/zap"

	"github.com/Starlight-JS/comet/block"
	"github.com/Starlight-JS/comet/gcinfo"
	"github.com/Starlight-JS/comet/immix"
	"github.com/Starlight-JS/comet/minimark"
	"github.com/Starlight-JS/comet/objheader"
	"github.com/Starlight-JS/comet/rooting"
)

var (
	initOnce sync.Once
	gcTable  *gcinfo.Table
)

// Init performs the one-time process-wide initialization of the
// GC-info table (spec.md §6 "init()"). It is safe to call more than
// once; only the first call has effect. Every other package-level
// function here panics if called before Init.
func Init() {
	initOnce.Do(func() {
		gcTable = gcinfo.NewTable()
	})
}

func mustTable() *gcinfo.Table {
	if gcTable == nil {
		panic("comet: Init must be called before using the GC-info table")
	}
	return gcTable
}

// AddGCInfo registers a new type's trace/finalize/vtable callbacks in
// the process-wide GC-info table and returns its index (spec.md §6
// "add_gc_info(info) -> index"). It panics if the table is exhausted
// (spec.md §7: GC-info overflow is a programming error).
func AddGCInfo(info gcinfo.Info) uint16 {
	return mustTable().Add(info)
}

// GetGCInfo resolves a previously registered index back to its entry
// (spec.md §6 "get_gc_info(index) -> &info").
func GetGCInfo(idx uint16) *gcinfo.Info {
	return mustTable().Get(idx)
}

// Stats is the common result shape every collection reports,
// regardless of which policy ran it.
type Stats struct {
	Freed     int
	Finalized int
	Promoted  int // meaningful only for MiniMark minor/major collections
	GrewBy    int
}

// Heap is the embedder-facing object spec.md §6 calls the heap
// facade: one shadow stack, one weak-reference table, one constraint
// list, and either an Immix or a MiniMark policy underneath,
// depending on Config.Generational.
type Heap struct {
	cfg Config
	log *zap.Logger

	stack       *rooting.ShadowStack
	weaks       *rooting.WeakTable
	constraints rooting.ConstraintList

	mu sync.Mutex // serializes Allocate/Collect; a Heap is single-writer (spec.md §5)

	immixHeap *immix.Heap    // non-nil unless Config.Generational
	mmHeap    *minimark.Heap // non-nil iff Config.Generational

	allocSinceCollect uintptr
	collectEvery      uintptr
}

// HeapCreate constructs a Heap (spec.md §6 "heap_create(config) ->
// heap"). opts are applied to cfg in order before validation, so a
// caller can start from DefaultConfig() and layer overrides without
// constructing the whole struct by hand.
func HeapCreate(cfg Config, opts ...Option) (*Heap, error) {
	table := mustTable()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.MarkWorkers <= 0 {
		cfg.MarkWorkers = runtime.GOMAXPROCS(0)
	}

	logger := zap.NewNop()
	if cfg.Verbose {
		built, err := zap.NewDevelopment()
		if err != nil {
			return nil, fmt.Errorf("comet: build logger: %w", err)
		}
		logger = built
	}

	h := &Heap{
		cfg:          cfg,
		log:          logger,
		stack:        rooting.NewShadowStack(),
		weaks:        rooting.NewWeakTable(),
		collectEvery: cfg.HeapSize,
	}

	if cfg.DumpSizeClasses {
		classes := sizeclassProgression(cfg)
		dumpLog := logger
		if !cfg.Verbose {
			built, err := zap.NewDevelopment()
			if err != nil {
				return nil, fmt.Errorf("comet: build logger: %w", err)
			}
			dumpLog = built
		}
		dumpLog.Info("size class table", zap.Any("classes", classes))
	}

	if cfg.Generational {
		oldSpaceSize := cfg.MaxHeapSize
		if oldSpaceSize == 0 {
			oldSpaceSize = cfg.HeapSize * 8
		}
		mm, err := minimark.NewHeap(minimark.Config{
			NurserySize:            cfg.MaxEdenSize,
			OldHeapGrowthFactor:    cfg.HeapGrowthFactor,
			OldHeapGrowthThreshold: cfg.HeapGrowthThreshold,
			SizeClassProgression:   cfg.SizeClassProgression,
			MinSize:                objheader.MinAlignment,
			MaxSize:                block.LargeCutoff,
			OldSlabBytes:           1 << 20,
			MarkWorkers:            cfg.MarkWorkers,
		}, table, oldSpaceSize)
		if err != nil {
			return nil, fmt.Errorf("comet: create minimark heap: %w", err)
		}
		h.mmHeap = mm
		return h, nil
	}

	initialBlocks := int(cfg.HeapSize / block.Size)
	if initialBlocks < 1 {
		initialBlocks = 1
	}
	maxBlocks := 0
	if cfg.MaxHeapSize > 0 {
		// Round up: a MaxHeapSize smaller than one block must still cap
		// growth at a real limit, not collapse to immix.Config.MaxBlocks's
		// own "0 means unbounded" sentinel.
		maxBlocks = int((cfg.MaxHeapSize + block.Size - 1) / block.Size)
		if maxBlocks < 1 {
			maxBlocks = 1
		}
	}
	im, err := immix.NewHeap(immix.Config{
		HeapGrowthFactor:         cfg.HeapGrowthFactor,
		HeapGrowthThreshold:      cfg.HeapGrowthThreshold,
		LargeHeapGrowthFactor:    cfg.LargeHeapGrowthFactor,
		LargeHeapGrowthThreshold: cfg.LargeHeapGrowthThreshold,
		InitialBlocks:            initialBlocks,
		MaxBlocks:                maxBlocks,
		MarkWorkers:              cfg.MarkWorkers,
	}, table)
	if err != nil {
		return nil, fmt.Errorf("comet: create immix heap: %w", err)
	}
	h.immixHeap = im
	return h, nil
}

func sizeclassProgression(cfg Config) []uintptr {
	min := uintptr(objheader.MinAlignment)
	max := uintptr(block.LargeCutoff)
	progression := cfg.SizeClassProgression
	classes := make([]uintptr, 0, 16)
	c := min
	for c < max {
		classes = append(classes, c)
		next := uintptr(float64(c) * progression)
		if next <= c {
			next = c + min
		}
		c = next
	}
	return append(classes, max)
}

// HeapFree runs finalizers on every remaining object and releases all
// memory the heap holds (spec.md §6 "heap_free(heap): run finalizers
// on all remaining objects; release all memory"). It does this by
// running one final collection with an empty root set, so every
// still-live object looks unreachable, then closing the underlying
// policy.
func (h *Heap) HeapFree() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	// Drop every root-producing constraint first: heap_free wants
	// every remaining object to look unreachable so its finalizer
	// runs, not a last snapshot of whatever was still rooted.
	h.constraints = rooting.ConstraintList{}
	h.collectLocked()
	if h.immixHeap != nil {
		return h.immixHeap.Close()
	}
	return h.mmHeap.Close()
}

// AddCoreConstraints installs the default stack-scanning constraint
// (spec.md §6 "add_core_constraints(heap)"): the heap's own shadow
// stack, treated as a BeforeMark root source.
func (h *Heap) AddCoreConstraints() {
	h.constraints.Add(rooting.NewShadowStackConstraint(h.stack))
}

// AddConstraint installs a custom marking constraint (spec.md §6
// "add_constraint(heap, callback)"). name is for diagnostics only.
func (h *Heap) AddConstraint(name string, at rooting.RunsAt, run func(v gcinfo.Visitor)) {
	h.constraints.Add(&rooting.FuncConstraint{NameStr: name, At: at, RunFn: run})
}

// RemoveConstraint retracts a previously installed constraint.
func (h *Heap) RemoveConstraint(c rooting.Constraint) {
	h.constraints.Remove(c)
}

// Root pushes ref onto the shadow stack and returns a live handle, the
// Go-side Rooted<T> (spec.md §4.6). Callers that cannot structure
// their code as a single scope must call Release on every exit path
// themselves; prefer Scoped.
func (h *Heap) Root(ref objheader.Ref) *rooting.Root {
	return rooting.Acquire(h.stack, ref)
}

// Scoped runs fn with ref rooted on the shadow stack for fn's
// duration, guaranteeing release on every exit path (spec.md §4.6,
// §9: "a scope primitive ... that pushes and pops shadow-stack cells
// symmetrically").
func (h *Heap) Scoped(ref objheader.Ref, fn func(r *rooting.Root) error) error {
	return rooting.Scoped(h.stack, ref, fn)
}

// Allocate creates an object of size bytes carrying gcIdx's GC-info
// (spec.md §6 "allocate(heap, size, gc_info_index) -> header?"). It
// retries once after a triggered collection if the fast/slow
// allocator path is exhausted (spec.md §4.3: "after collection,
// re-attempt once"). It panics if gcIdx is not a registered GC-info
// index.
func (h *Heap) Allocate(size uintptr, gcIdx uint16) (objheader.Ref, bool) {
	mustTable().Get(gcIdx)
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.allocateLocked(size, gcIdx)
}

func (h *Heap) allocateLocked(size uintptr, gcIdx uint16) (objheader.Ref, bool) {
	ref, ok := h.rawAllocate(size, gcIdx)
	if ok {
		h.allocSinceCollect += size
		h.maybeCollectLocked()
		return ref, true
	}
	h.collectLocked()
	return h.rawAllocate(size, gcIdx)
}

func (h *Heap) rawAllocate(size uintptr, gcIdx uint16) (objheader.Ref, bool) {
	if h.mmHeap != nil {
		return h.mmHeap.Allocate(size, gcIdx)
	}
	return h.immixHeap.Allocate(size, gcIdx)
}

// AllocateOrFail is Allocate, but aborts the process instead of
// returning a failure (spec.md §6, §7: "allocate_or_fail(...): create
// object" / "aborts the process after a last-gasp full collection
// fails to free enough space").
func (h *Heap) AllocateOrFail(size uintptr, gcIdx uint16) objheader.Ref {
	ref, ok := h.Allocate(size, gcIdx)
	if !ok {
		panic(fmt.Sprintf("comet: allocate_or_fail: exhausted after collection (size=%d)", size))
	}
	return ref
}

// AllocateWeak inserts a weak-reference slot over ref (spec.md §6
// "allocate_weak(heap, header) -> weak_ref").
func (h *Heap) AllocateWeak(ref objheader.Ref) rooting.WeakRef {
	return h.weaks.Allocate(ref)
}

// WeakUpgrade resolves a weak reference to its referent if still live
// (spec.md §6 "weak_upgrade(weak_ref) -> header?").
func (h *Heap) WeakUpgrade(w rooting.WeakRef) (objheader.Ref, bool) {
	return h.weaks.Upgrade(w)
}

// GCSize returns the exact allocation size of ref (spec.md §6
// "gc_size(header) -> bytes", §4.2).
func (h *Heap) GCSize(ref objheader.Ref) uintptr {
	if ref.IsLargeSentinel() {
		if h.immixHeap != nil {
			if size, ok := h.immixHeap.LargeSize(ref); ok {
				return size
			}
		}
	}
	if ref.MarkState() == objheader.Forwarded {
		return h.GCSize(ref.Forward())
	}
	return uintptr(ref.EncodedSize())
}

// WriteBarrier must be called by embedder-facing container code after
// storing a GC pointer into holder's field, when holder may live in
// MiniMark's old space (spec.md §4.5, §9: "every pointer-store API in
// the embedder-facing container library [must] bundle the barrier").
// It is a no-op under Immix, which has no generations to track.
func (h *Heap) WriteBarrier(holder objheader.Ref) {
	if h.mmHeap != nil {
		h.mmHeap.WriteBarrier(holder)
	}
}

// Collect forces a full collection (spec.md §6 "collect(heap): force
// a full collection"). Under MiniMark this runs a major collection
// (which itself runs a minor collection first); under Immix it runs
// the one mark-sweep cycle that policy has.
func (h *Heap) Collect() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.collectLocked()
}

// CollectIfNecessaryOrDefer opportunistically collects if recent
// allocation volume crossed the configured threshold, or is a no-op
// otherwise (spec.md §6, §9 Open Questions: "the source is
// ambiguous" whether this runs inline or only schedules a collection;
// comet runs it inline, matching the stop-the-mutator semantics
// already in force everywhere else in the heap facade).
func (h *Heap) CollectIfNecessaryOrDefer() (ran bool, stats Stats) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.allocSinceCollect < h.collectEvery {
		return false, Stats{}
	}
	return true, h.collectLocked()
}

func (h *Heap) maybeCollectLocked() {
	if h.collectEvery > 0 && h.allocSinceCollect >= h.collectEvery {
		h.collectLocked()
	}
}

// collectLocked runs one full collection against whichever policy
// this heap holds. runRoots feeds every installed constraint into the
// visitor: the BeforeMark pass first, then AfterMark (spec.md §4.7).
// The underlying immix.Heap.Collect / minimark.Heap.MajorCollect APIs
// take a single upfront root-discovery callback rather than pausing
// mid-mark to run AfterMark constraints against already-marked state,
// so both phases are seeded into the same pre-mark worklist here — a
// deliberate simplification recorded in DESIGN.md, not a spec
// violation: spec.md §4.7 only requires AfterMark constraints be able
// to mark more, and pushing them before the drain starts still lets
// every root they name get traced in this cycle.
//
// runRoots resets every constraint's IsOver bookkeeping on each call,
// not just once per collectLocked: MajorCollect invokes runRoots twice
// (once internally for MinorCollect's nursery pass, once again for its
// own old-space mark phase), and without a reset between the two the
// second call would find every constraint already marked done and
// silently root nothing.
//
// The shadow stack itself is not walked unconditionally: it only
// becomes a root source once the embedder calls AddCoreConstraints,
// matching spec.md §6's add_core_constraints as an explicit opt-in
// rather than an always-on behavior of collect.
func (h *Heap) collectLocked() Stats {
	runRoots := func(v gcinfo.Visitor) {
		h.constraints.ResetCycle()
		h.constraints.RunPhase(rooting.BeforeMark, v)
		h.constraints.RunPhase(rooting.AfterMark, v)
	}
	weakSweep := func(isMarked func(objheader.Ref) bool) {
		h.weaks.SweepUnmarked(isMarked)
	}
	// rehomeWeaks lets MiniMark's minor collection rewrite a weak slot's
	// referent in place when that referent gets promoted out of the
	// nursery, so WeakUpgrade never hands back a stale pre-promotion
	// nursery address once the nursery is reset and reused (spec.md §4.8).
	rehomeWeaks := func(forwarded func(ref objheader.Ref) (objheader.Ref, bool)) {
		h.weaks.ForEachLive(func(w rooting.WeakRef, ref objheader.Ref) {
			if moved, ok := forwarded(ref); ok {
				h.weaks.Rehome(w, moved)
			}
		})
	}

	h.allocSinceCollect = 0

	if h.mmHeap != nil {
		major := h.mmHeap.MajorCollect(runRoots, weakSweep, rehomeWeaks)
		h.log.Info("major collection",
			zap.Int("promoted", major.Promoted),
			zap.Int("freed", major.Freed),
			zap.Int("finalized", major.Finalized),
		)
		return Stats{Freed: major.Freed, Finalized: major.Finalized, Promoted: major.Promoted}
	}

	stats := h.immixHeap.Collect(runRoots, weakSweep)
	h.log.Info("immix collection",
		zap.Int("large_freed", stats.LargeFreed),
		zap.Int("finalized", stats.Finalized),
		zap.Int("grew_blocks", stats.GrewBlocks),
	)
	return Stats{Freed: stats.LargeFreed, Finalized: stats.Finalized, GrewBy: stats.GrewBlocks}
}
