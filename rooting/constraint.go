// Copyright 2024 The Comet Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rooting

import (
	"unsafe"

	"github.com/Starlight-JS/comet/gcinfo"
)

// RunsAt selects when a Constraint fires during a collection cycle
// (spec.md §4.7).
type RunsAt uint8

const (
	BeforeMark RunsAt = iota
	AfterMark
)

// Constraint is a long-lived, embedder-supplied root source invoked
// at defined points of every collection (spec.md §4.7).
type Constraint interface {
	// Run pushes roots into the visitor.
	Run(v gcinfo.Visitor)
	// IsOver reports whether the constraint is exhausted for the
	// current cycle.
	IsOver() bool
	// RunsAt reports this constraint's scheduling slot.
	RunsAt() RunsAt
	// Name identifies the constraint for diagnostics.
	Name() string
}

// ConstraintList is the heap's ordered collection of constraints
// (spec.md §4.7: "the heap owns a list of constraints"). Mutated only
// when no collection is active (spec.md §5).
type ConstraintList struct {
	items []Constraint
}

// Add installs c (embedder API add_constraint / add_core_constraints,
// spec.md §6).
func (l *ConstraintList) Add(c Constraint) { l.items = append(l.items, c) }

// Remove drops c from the list, used by embedders that want to
// retract a previously installed constraint (exercised by spec.md §8
// scenario 6).
func (l *ConstraintList) Remove(c Constraint) {
	for i, item := range l.items {
		if item == c {
			l.items = append(l.items[:i], l.items[i+1:]...)
			return
		}
	}
}

// RunPhase runs every constraint scheduled for phase against v,
// repeating until IsOver() holds for all of them (spec.md §4.7: "...
// and continues until is_over() holds for all and the mark queue is
// empty" — the mark-queue-empty half of that condition is the
// caller's responsibility once RunPhase returns).
func (l *ConstraintList) RunPhase(phase RunsAt, v gcinfo.Visitor) {
	for _, c := range l.items {
		if c.RunsAt() != phase {
			continue
		}
		for !c.IsOver() {
			c.Run(v)
		}
	}
}

// shadowStackConstraint is the core constraint that treats the shadow
// stack itself as a root source. It is installed only by
// add_core_constraints (spec.md §6), alongside any embedder-supplied
// ones.
type shadowStackConstraint struct {
	stack *ShadowStack
	done  bool
}

// NewShadowStackConstraint wraps s as a BeforeMark root source.
func NewShadowStackConstraint(s *ShadowStack) Constraint {
	return &shadowStackConstraint{stack: s}
}

func (c *shadowStackConstraint) Run(v gcinfo.Visitor) {
	c.stack.Walk(func(cell *Cell) {
		slot := (*uintptr)(unsafe.Pointer(&cell.Ref))
		v.TraceField(slot)
	})
	c.done = true
}

func (c *shadowStackConstraint) IsOver() bool  { return c.done }
func (c *shadowStackConstraint) RunsAt() RunsAt { return BeforeMark }
func (c *shadowStackConstraint) Name() string   { return "core:shadow-stack" }

// FuncConstraint adapts a plain callback to the Constraint interface,
// backing the embedder API's add_constraint(heap, callback) (spec.md
// §6), which hands the embedder a bare function rather than asking
// it to implement the whole interface.
type FuncConstraint struct {
	NameStr string
	At      RunsAt
	RunFn   func(v gcinfo.Visitor)
	done    bool
}

func (f *FuncConstraint) Run(v gcinfo.Visitor) {
	f.RunFn(v)
	f.done = true
}
func (f *FuncConstraint) IsOver() bool  { return f.done }
func (f *FuncConstraint) RunsAt() RunsAt { return f.At }
func (f *FuncConstraint) Name() string   { return f.NameStr }

// ResetCycle clears every constraint's IsOver bookkeeping ahead of a
// new collection; core and FuncConstraint track completion with a
// simple bool that must be rearmed each cycle.
func (l *ConstraintList) ResetCycle() {
	for _, c := range l.items {
		switch v := c.(type) {
		case *shadowStackConstraint:
			v.done = false
		case *FuncConstraint:
			v.done = false
		}
	}
}
