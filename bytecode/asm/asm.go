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

// Package asm is a builder for bytecode.Module values: emit instructions in
// order, declare labels at the current offset, and reference a label before
// it's defined. Build resolves every label reference once the
// function bodies are complete, the same label/patch bookkeeping the teacher's
// codegen.Generator uses for its own forward block references.
package asm

import (
	"fmt"

	"github.com/probeum/corevm/bytecode"
	"github.com/probeum/corevm/value"
)

type patch struct {
	instrIndex int // index into the in-progress instruction slice
	label      string
}

// FuncBuilder assembles a single bytecode.Function body.
type FuncBuilder struct {
	name    string
	arity   uint16
	locals  uint16
	instrs  []bytecode.Instruction
	labels  map[string]uint32
	patches []patch
}

// Func starts building a function named name with the given arity. Locals
// defaults to arity; call Reserve to grow it for additional local slots.
func Func(name string, arity uint16) *FuncBuilder {
	return &FuncBuilder{
		name:   name,
		arity:  arity,
		locals: arity,
		labels: make(map[string]uint32),
	}
}

// Reserve grows the function's local slot count to at least n.
func (b *FuncBuilder) Reserve(n uint16) *FuncBuilder {
	if n > b.locals {
		b.locals = n
	}
	return b
}

// Label marks name as referring to the next emitted instruction's offset.
func (b *FuncBuilder) Label(name string) *FuncBuilder {
	b.labels[name] = uint32(len(b.instrs))
	return b
}

// Emit appends a zero-operand instruction.
func (b *FuncBuilder) Emit(op bytecode.Opcode) *FuncBuilder {
	return b.emit(op, 0, 0)
}

// EmitA appends a one-operand instruction.
func (b *FuncBuilder) EmitA(op bytecode.Opcode, a uint32) *FuncBuilder {
	return b.emit(op, a, 0)
}

// EmitAB appends a two-operand instruction.
func (b *FuncBuilder) EmitAB(op bytecode.Opcode, a, bOperand uint32) *FuncBuilder {
	return b.emit(op, a, bOperand)
}

// Jump emits a jump instruction whose target is label, resolved by
// Build once the label has been defined anywhere in the function
// (forward or backward references are both allowed).
func (b *FuncBuilder) Jump(op bytecode.Opcode, label string) *FuncBuilder {
	if !op.IsJump() {
		panic(fmt.Sprintf("asm: %s is not a jump opcode", op))
	}
	b.patches = append(b.patches, patch{instrIndex: len(b.instrs), label: label})
	return b.emit(op, 0, 0)
}

func (b *FuncBuilder) emit(op bytecode.Opcode, a, c uint32) *FuncBuilder {
	b.instrs = append(b.instrs, bytecode.Instruction{Opcode: op, A: a, B: c})
	return b
}

// Build resolves all pending jump patches and returns the finished
// bytecode.Function.
func (b *FuncBuilder) Build() (bytecode.Function, error) {
	for _, p := range b.patches {
		target, ok := b.labels[p.label]
		if !ok {
			return bytecode.Function{}, fmt.Errorf("asm: %s: undefined label %q", b.name, p.label)
		}
		b.instrs[p.instrIndex].A = target
	}
	return bytecode.Function{
		Name:         b.name,
		Arity:        b.arity,
		Locals:       b.locals,
		Instructions: b.instrs,
	}, nil
}

// ModuleBuilder assembles a complete bytecode.Module: a shared constant
// pool plus a set of functions built with FuncBuilder.
type ModuleBuilder struct {
	constants []value.Constant
	functions []*FuncBuilder
	entry     string
}

// NewModule starts a module builder. entry names the function that becomes
// the module's Entry point once built.
func NewModule(entry string) *ModuleBuilder {
	return &ModuleBuilder{entry: entry}
}

// Const interns a constant into the pool, returning its index. Identical
// constants (by structural equality) are deduplicated.
func (m *ModuleBuilder) Const(c value.Constant) uint32 {
	for i, existing := range m.constants {
		if existing.Equal(c) {
			return uint32(i)
		}
	}
	idx := uint32(len(m.constants))
	m.constants = append(m.constants, c)
	return idx
}

// Func registers a function builder with the module and returns it for
// instruction emission.
func (m *ModuleBuilder) Func(name string, arity uint16) *FuncBuilder {
	fb := Func(name, arity)
	m.functions = append(m.functions, fb)
	return fb
}

// Build finalizes every registered function and assembles the module.
func (m *ModuleBuilder) Build() (*bytecode.Module, error) {
	funcs := make([]bytecode.Function, 0, len(m.functions))
	entryIdx := -1
	for i, fb := range m.functions {
		fn, err := fb.Build()
		if err != nil {
			return nil, err
		}
		if fn.Name == m.entry {
			entryIdx = i
		}
		funcs = append(funcs, fn)
	}
	if entryIdx < 0 {
		return nil, fmt.Errorf("asm: undefined entry function %q", m.entry)
	}
	mod := &bytecode.Module{
		Version:   uint16(bytecode.MagicVersion),
		Constants: m.constants,
		Functions: funcs,
		Entry:     uint32(entryIdx),
	}
	if err := bytecode.Validate(mod); err != nil {
		return nil, err
	}
	return mod, nil
}
