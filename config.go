// Copyright 2024 The Comet Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package comet

import "fmt"

// Config holds every recognized embedder-facing option (spec.md §6).
// The zero Config is not meant to be used directly; start from
// DefaultConfig and layer Option values on top, the same accessor
// style the teacher exposes through runtime/debug.SetGCPercent rather
// than a file-backed settings format (spec.md has no persisted state,
// §6).
type Config struct {
	// HeapGrowthFactor multiplies the Immix reserved-block count on
	// growth.
	HeapGrowthFactor float64
	// HeapGrowthThreshold is the post-collection live ratio above
	// which growth triggers.
	HeapGrowthThreshold float64
	// LargeHeapGrowthFactor is HeapGrowthFactor's counterpart for the
	// large-object space. It is passed to the Immix large-object space
	// and stored there, but no growth decision reads it: every large
	// object gets its own reservation.
	LargeHeapGrowthFactor float64
	// LargeHeapGrowthThreshold is HeapGrowthThreshold's counterpart
	// for the large-object space; like LargeHeapGrowthFactor it is
	// stored but not read by any growth decision.
	LargeHeapGrowthThreshold float64
	// DumpSizeClasses emits the size-class progression table at
	// HeapCreate when set.
	DumpSizeClasses bool
	// SizeClassProgression is the geometric factor between adjacent
	// size classes.
	SizeClassProgression float64
	// HeapSize is the initial heap reservation in bytes.
	HeapSize uintptr
	// MaxHeapSize is the hard cap on reserved bytes.
	MaxHeapSize uintptr
	// MaxEdenSize is the MiniMark nursery capacity.
	MaxEdenSize uintptr
	// Verbose emits per-collection diagnostics through the heap's
	// logger.
	Verbose bool
	// Generational selects MiniMark; false selects Immix.
	Generational bool
	// MarkWorkers is the number of goroutines the mark phase spreads
	// across (spec.md §4.4 step 4, §5). 0 means GOMAXPROCS.
	MarkWorkers int
}

// DefaultConfig returns a populated, internally-consistent Config
// (embedder API default_config, spec.md §6).
func DefaultConfig() Config {
	return Config{
		HeapGrowthFactor:         1.5,
		HeapGrowthThreshold:      0.7,
		LargeHeapGrowthFactor:    1.5,
		LargeHeapGrowthThreshold: 0.7,
		SizeClassProgression:     1.25,
		HeapSize:                 4 << 20,
		MaxHeapSize:              512 << 20,
		MaxEdenSize:              4 << 20,
		Generational:             false,
		MarkWorkers:              1,
	}
}

// Option mutates a Config in place; HeapCreate applies every Option
// after starting from the supplied base Config.
type Option func(*Config)

// WithVerbose toggles per-collection diagnostic logging.
func WithVerbose(v bool) Option { return func(c *Config) { c.Verbose = v } }

// WithGenerational selects MiniMark (true) or Immix (false).
func WithGenerational(v bool) Option { return func(c *Config) { c.Generational = v } }

// WithHeapSize sets the initial heap reservation.
func WithHeapSize(n uintptr) Option { return func(c *Config) { c.HeapSize = n } }

// WithMaxHeapSize sets the hard cap on reserved bytes.
func WithMaxHeapSize(n uintptr) Option { return func(c *Config) { c.MaxHeapSize = n } }

// WithMaxEdenSize sets the MiniMark nursery capacity.
func WithMaxEdenSize(n uintptr) Option { return func(c *Config) { c.MaxEdenSize = n } }

// WithDumpSizeClasses toggles the size-class diagnostic dump.
func WithDumpSizeClasses(v bool) Option { return func(c *Config) { c.DumpSizeClasses = v } }

// WithMarkWorkers sets the parallel mark-worker count.
func WithMarkWorkers(n int) Option { return func(c *Config) { c.MarkWorkers = n } }

// Validate reports a configuration violation (spec.md §7:
// "configuration violations (heap_size > max_heap_size): fail
// heap_create").
func (c Config) Validate() error {
	if c.MaxHeapSize > 0 && c.HeapSize > c.MaxHeapSize {
		return fmt.Errorf("comet: heap_size %d exceeds max_heap_size %d", c.HeapSize, c.MaxHeapSize)
	}
	if c.Generational && c.MaxHeapSize > 0 && c.MaxEdenSize > c.MaxHeapSize {
		return fmt.Errorf("comet: max_eden_size %d exceeds max_heap_size %d", c.MaxEdenSize, c.MaxHeapSize)
	}
	if c.SizeClassProgression != 0 && c.SizeClassProgression <= 1.0 {
		return fmt.Errorf("comet: size_class_progression must be > 1.0, got %v", c.SizeClassProgression)
	}
	return nil
}
