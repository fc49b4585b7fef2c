// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.
//
// The ProbeChain is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The ProbeChain is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the ProbeChain. If not, see <http://www.gnu.org/licenses/>.

// Package collector implements the mark-and-sweep heap of spec.md §4.3: the
// home for per-instruction heap objects (List, Closure, Native) that the
// arena deliberately excludes.
package collector

import "github.com/probeum/corevm/value"

// Object is a heap-resident value. List traces every element; Closure
// traces its captures; Native does not trace (it holds an opaque host
// payload the collector cannot see inside).
type Object interface {
	trace(mark func(value.Value))
}

// List is a heap-allocated, insertion-ordered sequence of Values.
type List struct {
	Elements []value.Value
}

func (l *List) trace(mark func(value.Value)) {
	for _, v := range l.Elements {
		mark(v)
	}
}

// Closure is a heap-allocated function value: a reference to a bytecode
// function plus the Values it captured from an enclosing scope.
type Closure struct {
	FunctionIndex uint32
	Captures      []value.Value
}

func (c *Closure) trace(mark func(value.Value)) {
	for _, v := range c.Captures {
		mark(v)
	}
}

// Native is a host-provided object (e.g. a builtin's bound state). It is
// opaque to the collector and is never traced.
type Native struct {
	Payload any
}

func (n *Native) trace(mark func(value.Value)) {}
