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

// Package optimizer implements the behavior-preserving peephole rewrites of
// spec.md §4.4, applied to a fixed point over a single function's
// instruction list.
package optimizer

import (
	"github.com/probeum/corevm/bytecode"
	"github.com/probeum/corevm/value"
)

// OptimizeModule runs OptimizeFunction over every function in m, in place.
func OptimizeModule(m *bytecode.Module) {
	for i := range m.Functions {
		OptimizeFunction(&m.Functions[i], m.Constants)
	}
}

// OptimizeFunction rewrites fn.Instructions in place to a fixed point,
// applying the three rules of spec.md §4.4. It reports whether any rewrite
// was made.
func OptimizeFunction(fn *bytecode.Function, constants []value.Constant) bool {
	any := false
	for {
		if !optimizePass(fn, constants) {
			break
		}
		any = true
	}
	return any
}

// optimizePass scans for the first applicable rewrite, applies it, and
// returns true. It returns false once no rule fires anywhere in fn.
func optimizePass(fn *bytecode.Function, constants []value.Constant) bool {
	instrs := fn.Instructions

	for i := 0; i < len(instrs); i++ {
		// Rule 1: LoadConst(k), Add, where constants[k] is numeric zero.
		if i+1 < len(instrs) &&
			instrs[i].Opcode == bytecode.OpLoadConst &&
			instrs[i+1].Opcode == bytecode.OpAdd &&
			int(instrs[i].A) < len(constants) && constants[instrs[i].A].IsNumericZero() {
			if tryRemove(fn, i, 2) {
				return true
			}
		}

		// Rule 2: LoadConst(k), Mul, where constants[k] is numeric one.
		if i+1 < len(instrs) &&
			instrs[i].Opcode == bytecode.OpLoadConst &&
			instrs[i+1].Opcode == bytecode.OpMul &&
			int(instrs[i].A) < len(constants) && constants[instrs[i].A].IsNumericOne() {
			if tryRemove(fn, i, 2) {
				return true
			}
		}

		// Rule 3: LoadConst(k), LoadConst(k), {Pop, Return} — drop one of the
		// duplicate loads. Blind textual matching is unsound if some jump in
		// the function targets the second load directly (an entry point
		// that would lose its LoadConst if we deleted it): tryRemove's
		// jump-target scan below refuses the rewrite in that case (no
		// stack-depth analysis is performed beyond that scan),
		// per spec.md §9's Open Question guidance.
		if i+2 < len(instrs) &&
			instrs[i].Opcode == bytecode.OpLoadConst &&
			instrs[i+1].Opcode == bytecode.OpLoadConst &&
			instrs[i].A == instrs[i+1].A &&
			(instrs[i+2].Opcode == bytecode.OpPop || instrs[i+2].Opcode == bytecode.OpReturn) {
			if tryRemove(fn, i+1, 1) {
				return true
			}
		}
	}
	return false
}

// tryRemove deletes fn.Instructions[at:at+n] if doing so would not strand a
// jump target inside the removed range, remapping every surviving jump
// target to account for the shift. It returns false (no-op) when the
// removal is unsafe, implementing the "disallow rewrites that would
// invalidate a target" option spec.md §4.4 permits.
func tryRemove(fn *bytecode.Function, at, n int) bool {
	instrs := fn.Instructions

	for _, ins := range instrs {
		if !ins.Opcode.IsJump() {
			continue
		}
		t := int(ins.A)
		if t >= at && t < at+n {
			return false
		}
	}

	remap := func(oldIdx int) int {
		if oldIdx < at {
			return oldIdx
		}
		return oldIdx - n
	}

	out := make([]bytecode.Instruction, 0, len(instrs)-n)
	out = append(out, instrs[:at]...)
	out = append(out, instrs[at+n:]...)
	for i := range out {
		if out[i].Opcode.IsJump() {
			out[i].A = uint32(remap(int(out[i].A)))
		}
	}
	fn.Instructions = out
	return true
}
