// Copyright 2024 The Comet Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rooting

import (
	"runtime"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/Starlight-JS/comet/internal/worklist"
	"github.com/Starlight-JS/comet/objheader"
)

// DrainParallel drains a root-seeded worklist using numWorkers
// goroutines, each owning a private mark stack and stealing from a
// sibling's when its own runs dry (spec.md §4.4 step 4, §5: "Internal
// marking may use worker threads, each owning a private mark stack
// with work-stealing").
//
// seed must already hold every root pushed during root discovery, and
// pending must already equal the number of items currently sitting in
// seed (the caller's root-discovery Visitor increments it via its
// Pending field). DrainParallel decrements pending as items are
// traced; reaching zero with no steal succeeding anywhere is the sole
// termination signal. That is sound because the mutator is stopped
// for the whole cycle: the only source of new work is a trace
// callback run by one of these workers, and every such callback is
// itself accounted for in pending before it can run. So once every
// worker simultaneously observes pending == 0, no further work can
// ever appear and every worker is free to return.
//
// newVisitor builds a Visitor over one worker's private stack,
// sharing the policy's Forward func and this run's pending counter;
// trace runs one object's GC-info callback against that Visitor.
func DrainParallel(
	seed *worklist.Stack,
	pending *int64,
	numWorkers int,
	newVisitor func(work *worklist.Stack) *Visitor,
	trace func(v *Visitor, ref objheader.Ref),
) {
	if numWorkers < 1 {
		numWorkers = 1
	}
	if numWorkers == 1 {
		v := newVisitor(seed)
		Drain(seed, func(ref objheader.Ref) {
			trace(v, ref)
			atomic.AddInt64(pending, -1)
		})
		return
	}

	stacks := make([]*worklist.Stack, numWorkers)
	stacks[0] = seed
	for i := 1; i < numWorkers; i++ {
		stacks[i] = worklist.NewStack(256)
	}

	var g errgroup.Group
	for w := 0; w < numWorkers; w++ {
		w := w
		v := newVisitor(stacks[w])
		g.Go(func() error {
			for {
				ref, ok := stacks[w].Pop()
				if !ok {
					ref, ok = stealInto(stacks, w)
				}
				if !ok {
					if atomic.LoadInt64(pending) == 0 {
						return nil
					}
					runtime.Gosched()
					continue
				}
				trace(v, objheader.Ref(ref))
				atomic.AddInt64(pending, -1)
			}
		})
	}
	_ = g.Wait()
}

// stealInto tries to steal half of each sibling's stack, in turn,
// into stacks[self], then pops one item from it. It reports false
// only once every sibling was found empty.
func stealInto(stacks []*worklist.Stack, self int) (uintptr, bool) {
	for j := 1; j < len(stacks); j++ {
		i := (self + j) % len(stacks)
		if stacks[i].StealHalf(stacks[self]) > 0 {
			return stacks[self].Pop()
		}
	}
	return 0, false
}
