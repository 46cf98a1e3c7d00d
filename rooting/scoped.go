// Copyright 2024 The Comet Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rooting

import "github.com/Starlight-JS/comet/objheader"

// Root is a live handle into a ShadowStack cell: the Go-side
// equivalent of the spec's Rooted<T> (spec.md §4.6). It behaves as
// the underlying pointer for reads via Ref(); Release pops its cell.
//
// Root must never be passed as a function parameter (spec.md §4.6
// "Parameter rule"); pass Root.Ref() to callees and have them
// re-root with their own Acquire/Scoped call if the callee itself can
// trigger a collection. comet cannot enforce this at compile time —
// like the teacher's raw pointer rules, it is a documented contract,
// not a type-checked one.
type Root struct {
	stack *ShadowStack
	cell  *Cell
}

// Acquire pushes a new root cell for ref and returns a handle over
// it. Callers that cannot structure their code as a single scope
// (Scoped, below) must call Release on every exit path themselves;
// Scoped is preferred precisely because it can't be gotten wrong.
func Acquire(s *ShadowStack, ref objheader.Ref) *Root {
	return &Root{stack: s, cell: s.push(ref)}
}

// Ref returns the current (possibly collector-rewritten) pointer.
func (r *Root) Ref() objheader.Ref { return r.cell.Ref }

// Set overwrites the rooted pointer, e.g. after the mutator computes
// a new value to protect under the same root.
func (r *Root) Set(ref objheader.Ref) { r.cell.Ref = ref }

// Release pops the underlying cell. Calling Release twice, or using
// Ref/Set after Release, is undefined (spec.md §4.6 lifetime is
// lexical; comet does not add a use-after-release check for the same
// reason the teacher does not check use-after-free on raw pointers).
func (r *Root) Release() { r.stack.pop(r.cell) }

// Scoped is the guaranteed-release scoped-acquisition primitive
// spec.md's design notes call for ("a scope primitive ... that pushes
// and pops shadow-stack cells symmetrically"). It pushes ref, runs fn
// with the live Root, and pops on every exit path — normal return or
// panic — via defer, the Go analogue of the "lexical block with
// guaranteed cleanup" the spec asks implementers to supply.
func Scoped(s *ShadowStack, ref objheader.Ref, fn func(r *Root) error) error {
	root := Acquire(s, ref)
	defer root.Release()
	return fn(root)
}
