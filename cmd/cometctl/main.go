// Copyright 2024 The Comet Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command cometctl is a small demo/diagnostic surface over the comet
// embedder API: it drives a heap through a batch of allocations and
// collections so the size-class table, growth behavior, and
// per-collection stats (spec.md §6, §9) can be inspected from a
// terminal instead of from inside an embedding program.
package main

import (
	"fmt"
	"math/rand"
	"os"
	"time"
	"unsafe"

	"github.com/spf13/cobra"

	"github.com/Starlight-JS/comet"
	"github.com/Starlight-JS/comet/gcinfo"
	"github.com/Starlight-JS/comet/objheader"
	"github.com/Starlight-JS/comet/rooting"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "cometctl",
		Short: "Drive a comet heap from the command line",
	}
	root.AddCommand(newRunCmd())
	return root
}

func newRunCmd() *cobra.Command {
	var (
		generational bool
		verbose      bool
		dumpClasses  bool
		heapSize     int64
		maxHeapSize  int64
		markWorkers  int
		nodes        int
		rounds       int
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Allocate a churn of linked nodes across several collection rounds",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(demoOptions{
				Generational: generational,
				Verbose:      verbose,
				DumpClasses:  dumpClasses,
				HeapSize:     uintptr(heapSize),
				MaxHeapSize:  uintptr(maxHeapSize),
				MarkWorkers:  markWorkers,
				Nodes:        nodes,
				Rounds:       rounds,
			})
		},
	}

	flags := cmd.Flags()
	flags.BoolVar(&generational, "generational", false, "use MiniMark instead of Immix")
	flags.BoolVar(&verbose, "verbose", false, "log per-collection diagnostics")
	flags.BoolVar(&dumpClasses, "dump-size-classes", false, "log the size-class progression at startup")
	flags.Int64Var(&heapSize, "heap-size", int64(comet.DefaultConfig().HeapSize), "initial heap reservation in bytes")
	flags.Int64Var(&maxHeapSize, "max-heap-size", int64(comet.DefaultConfig().MaxHeapSize), "hard cap on reserved bytes")
	flags.IntVar(&markWorkers, "mark-workers", 0, "parallel mark-phase goroutines (0 means GOMAXPROCS)")
	flags.IntVar(&nodes, "nodes", 2000, "linked nodes allocated per round")
	flags.IntVar(&rounds, "rounds", 5, "number of allocate-then-collect rounds")

	return cmd
}

type demoOptions struct {
	Generational bool
	Verbose      bool
	DumpClasses  bool
	HeapSize     uintptr
	MaxHeapSize  uintptr
	MarkWorkers  int
	Nodes        int
	Rounds       int
}

// node is the demo's only allocated shape: a single "next" pointer, so
// its gcinfo.TraceFunc only ever has one field to push.
func traceNode(v gcinfo.Visitor, obj unsafe.Pointer) {
	v.TraceField((*uintptr)(obj))
}

func runDemo(opts demoOptions) error {
	comet.Init()
	idx := comet.AddGCInfo(gcinfo.Info{Trace: traceNode})

	h, err := comet.HeapCreate(comet.DefaultConfig(),
		comet.WithGenerational(opts.Generational),
		comet.WithVerbose(opts.Verbose),
		comet.WithDumpSizeClasses(opts.DumpClasses),
		comet.WithHeapSize(opts.HeapSize),
		comet.WithMaxHeapSize(opts.MaxHeapSize),
		comet.WithMarkWorkers(opts.MarkWorkers),
	)
	if err != nil {
		return fmt.Errorf("cometctl: heap_create: %w", err)
	}
	defer h.HeapFree()
	h.AddCoreConstraints()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	for round := 0; round < opts.Rounds; round++ {
		head := objheader.NilRef
		for i := 0; i < opts.Nodes; i++ {
			ref, ok := h.Allocate(8, idx)
			if !ok {
				return fmt.Errorf("cometctl: allocate failed on node %d of round %d", i, round)
			}
			// Link the new node in front of the chain built so far, so
			// rooting head keeps the whole chain reachable.
			*(*uintptr)(ref.Payload()) = uintptr(head)
			h.WriteBarrier(ref)
			head = ref
			// Occasionally abandon the chain built so far, to give the
			// collector real garbage to reclaim rather than one
			// ever-growing live list.
			if rng.Intn(10) == 0 {
				head = objheader.NilRef
			}
		}

		// Root whatever chain survived this round's churn before
		// collecting, or every node just allocated looks unreachable.
		var stats comet.Stats
		if head.IsNil() {
			stats = h.Collect()
		} else {
			err := h.Scoped(head, func(r *rooting.Root) error {
				stats = h.Collect()
				return nil
			})
			if err != nil {
				return fmt.Errorf("cometctl: round %d: %w", round, err)
			}
		}
		fmt.Printf("round %d: freed=%d finalized=%d promoted=%d grew_by=%d\n",
			round, stats.Freed, stats.Finalized, stats.Promoted, stats.GrewBy)
	}

	return nil
}
