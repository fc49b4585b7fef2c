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

package vm

import (
	"context"
	"encoding/hex"
	"math"

	"golang.org/x/crypto/sha3"

	"github.com/probeum/corevm/collector"
	"github.com/probeum/corevm/errs"
	"github.com/probeum/corevm/value"
)

// RegisterStandardBuiltins wires the host-provided math, crypto, and list
// builtins a module can reach via CallBuiltin. Call it once after New; a
// host that wants a bare interpreter (no standard library surface) may
// skip it and call RegisterBuiltin itself instead.
func RegisterStandardBuiltins(vm *VM) {
	vm.RegisterBuiltin("math.sum", vm.builtinSum)
	vm.RegisterBuiltin("math.iota", vm.builtinIota)
	vm.RegisterBuiltin("math.dot", vm.builtinDot)
	vm.RegisterBuiltin("math.map", vm.builtinMap)
	vm.RegisterBuiltin("math.filter", vm.builtinFilter)
	vm.RegisterBuiltin("math.reduce", vm.builtinReduce)
	vm.RegisterBuiltin("math.min", vm.builtinMin)
	vm.RegisterBuiltin("math.max", vm.builtinMax)
	vm.RegisterBuiltin("math.abs", vm.builtinAbs)
	vm.RegisterBuiltin("crypto.hash", vm.builtinHash)
	vm.RegisterBuiltin("crypto.shake256", vm.builtinShake256)
	vm.RegisterBuiltin("list.len", vm.builtinListLen)
	vm.RegisterBuiltin("list.push", vm.builtinListPush)
	vm.RegisterBuiltin("list.concat", vm.builtinListConcat)
}

func (vm *VM) heapList(v value.Value) (*collector.List, error) {
	if v.Kind() != value.KindHeap {
		return nil, errs.ErrTypeError
	}
	obj, err := vm.heap.Get(v.AsHandle())
	if err != nil {
		return nil, err
	}
	l, ok := obj.(*collector.List)
	if !ok {
		return nil, errs.ErrTypeError
	}
	return l, nil
}

// invokeClosure calls a heap-allocated Closure with args appended after its
// captured values, per the closure calling convention: captures first, then
// the arguments supplied at the call site.
func (vm *VM) invokeClosure(ctx context.Context, v value.Value, args []value.Value) (value.Value, error) {
	if v.Kind() != value.KindHeap {
		return value.Null, errs.ErrTypeError
	}
	obj, err := vm.heap.Get(v.AsHandle())
	if err != nil {
		return value.Null, err
	}
	cl, ok := obj.(*collector.Closure)
	if !ok {
		return value.Null, errs.ErrTypeError
	}
	combined := make([]value.Value, 0, len(cl.Captures)+len(args))
	combined = append(combined, cl.Captures...)
	combined = append(combined, args...)
	return vm.Execute(ctx, cl.FunctionIndex, combined)
}

// builtinSum reduces a list of numeric values with +, per the teacher
// stdlib's U64Array.Sum (math.sum(list) -> Int|Float).
func (vm *VM) builtinSum(args []value.Value) (value.Value, error) {
	if len(args) != 1 {
		return value.Null, errs.ErrArityError
	}
	l, err := vm.heapList(args[0])
	if err != nil {
		return value.Null, err
	}
	var isum int64
	var fsum float64
	isFloat := false
	for _, v := range l.Elements {
		if !v.IsNumeric() {
			return value.Null, errs.ErrTypeError
		}
		if v.Kind() == value.KindFloat {
			isFloat = true
		}
	}
	if isFloat {
		for _, v := range l.Elements {
			fsum += asFloat(v)
		}
		return value.Float(fsum), nil
	}
	for _, v := range l.Elements {
		isum += v.AsInt()
	}
	return value.Int(isum), nil
}

// builtinIota builds [0, 1, ..., n-1], per the teacher stdlib's Iota
// (math.iota(n) -> List).
func (vm *VM) builtinIota(args []value.Value) (value.Value, error) {
	if len(args) != 1 || args[0].Kind() != value.KindInt {
		return value.Null, errs.ErrTypeError
	}
	n := args[0].AsInt()
	if n < 0 {
		return value.Null, errs.ErrTypeError
	}
	elems := make([]value.Value, n)
	for i := range elems {
		elems[i] = value.Int(int64(i))
	}
	h := vm.heap.Allocate(&collector.List{Elements: elems})
	return value.Heap(h), nil
}

// builtinDot computes a dot product over two equal-length numeric lists,
// per the teacher stdlib's Dot (math.dot(a, b) -> Int|Float).
func (vm *VM) builtinDot(args []value.Value) (value.Value, error) {
	if len(args) != 2 {
		return value.Null, errs.ErrArityError
	}
	a, err := vm.heapList(args[0])
	if err != nil {
		return value.Null, err
	}
	b, err := vm.heapList(args[1])
	if err != nil {
		return value.Null, err
	}
	n := len(a.Elements)
	if len(b.Elements) < n {
		n = len(b.Elements)
	}
	isFloat := false
	for i := 0; i < n; i++ {
		if !a.Elements[i].IsNumeric() || !b.Elements[i].IsNumeric() {
			return value.Null, errs.ErrTypeError
		}
		if a.Elements[i].Kind() == value.KindFloat || b.Elements[i].Kind() == value.KindFloat {
			isFloat = true
		}
	}
	if isFloat {
		var sum float64
		for i := 0; i < n; i++ {
			sum += asFloat(a.Elements[i]) * asFloat(b.Elements[i])
		}
		return value.Float(sum), nil
	}
	var sum int64
	for i := 0; i < n; i++ {
		sum += a.Elements[i].AsInt() * b.Elements[i].AsInt()
	}
	return value.Int(sum), nil
}

// builtinMap applies a closure to every element of a list, per the teacher
// stdlib's U64Array.Map (math.map(list, fn) -> List).
func (vm *VM) builtinMap(args []value.Value) (value.Value, error) {
	if len(args) != 2 {
		return value.Null, errs.ErrArityError
	}
	l, err := vm.heapList(args[0])
	if err != nil {
		return value.Null, err
	}
	out := make([]value.Value, len(l.Elements))
	for i, v := range l.Elements {
		r, err := vm.invokeClosure(context.Background(), args[1], []value.Value{v})
		if err != nil {
			return value.Null, err
		}
		out[i] = r
	}
	h := vm.heap.Allocate(&collector.List{Elements: out})
	return value.Heap(h), nil
}

// builtinFilter keeps elements for which a closure returns a truthy value,
// per the teacher stdlib's U64Array.Filter (math.filter(list, fn) -> List).
func (vm *VM) builtinFilter(args []value.Value) (value.Value, error) {
	if len(args) != 2 {
		return value.Null, errs.ErrArityError
	}
	l, err := vm.heapList(args[0])
	if err != nil {
		return value.Null, err
	}
	var out []value.Value
	for _, v := range l.Elements {
		r, err := vm.invokeClosure(context.Background(), args[1], []value.Value{v})
		if err != nil {
			return value.Null, err
		}
		if r.Truthy() {
			out = append(out, v)
		}
	}
	h := vm.heap.Allocate(&collector.List{Elements: out})
	return value.Heap(h), nil
}

// builtinReduce folds a list with a closure and an initial accumulator, per
// the teacher stdlib's U64Array.Reduce (math.reduce(list, init, fn) -> Value).
func (vm *VM) builtinReduce(args []value.Value) (value.Value, error) {
	if len(args) != 3 {
		return value.Null, errs.ErrArityError
	}
	l, err := vm.heapList(args[0])
	if err != nil {
		return value.Null, err
	}
	acc := args[1]
	for _, v := range l.Elements {
		acc, err = vm.invokeClosure(context.Background(), args[2], []value.Value{acc, v})
		if err != nil {
			return value.Null, err
		}
	}
	return acc, nil
}

// builtinHash computes SHA3-256 of a string's bytes and returns its lower-
// case hex encoding, wiring up the golang.org/x/crypto/sha3 dependency the
// teacher stdlib's crypto.Hash left as a TODO.
func (vm *VM) builtinHash(args []value.Value) (value.Value, error) {
	if len(args) != 1 || args[0].Kind() != value.KindString {
		return value.Null, errs.ErrTypeError
	}
	sum := sha3.Sum256([]byte(args[0].AsString()))
	return value.String(hex.EncodeToString(sum[:])), nil
}

// builtinShake256 computes a variable-length SHAKE256 digest of a string's
// bytes, per crypto.shake256(data, outputLen) -> hex string, wiring up the
// same golang.org/x/crypto/sha3 dependency the teacher stdlib's
// crypto.SHAKE256 left as a TODO identical to Hash's.
func (vm *VM) builtinShake256(args []value.Value) (value.Value, error) {
	if len(args) != 2 || args[0].Kind() != value.KindString || args[1].Kind() != value.KindInt {
		return value.Null, errs.ErrTypeError
	}
	n := args[1].AsInt()
	if n < 0 {
		return value.Null, errs.ErrTypeError
	}
	out := make([]byte, n)
	h := sha3.NewShake256()
	h.Write([]byte(args[0].AsString()))
	h.Read(out)
	return value.String(hex.EncodeToString(out)), nil
}

// builtinMin returns the smallest element of a numeric list, per
// math.min(list) -> Int|Float.
func (vm *VM) builtinMin(args []value.Value) (value.Value, error) {
	return vm.minMax(args, true)
}

// builtinMax returns the largest element of a numeric list, per
// math.max(list) -> Int|Float.
func (vm *VM) builtinMax(args []value.Value) (value.Value, error) {
	return vm.minMax(args, false)
}

func (vm *VM) minMax(args []value.Value, wantMin bool) (value.Value, error) {
	if len(args) != 1 {
		return value.Null, errs.ErrArityError
	}
	l, err := vm.heapList(args[0])
	if err != nil {
		return value.Null, err
	}
	if len(l.Elements) == 0 {
		return value.Null, errs.ErrTypeError
	}
	best := l.Elements[0]
	if !best.IsNumeric() {
		return value.Null, errs.ErrTypeError
	}
	for _, v := range l.Elements[1:] {
		if !v.IsNumeric() {
			return value.Null, errs.ErrTypeError
		}
		cmp, ok := v.Compare(best)
		if !ok {
			return value.Null, errs.ErrTypeError
		}
		if (wantMin && cmp < 0) || (!wantMin && cmp > 0) {
			best = v
		}
	}
	return best, nil
}

// builtinAbs returns the absolute value of a single numeric argument, per
// math.abs(x) -> Int|Float.
func (vm *VM) builtinAbs(args []value.Value) (value.Value, error) {
	if len(args) != 1 || !args[0].IsNumeric() {
		return value.Null, errs.ErrTypeError
	}
	if args[0].Kind() == value.KindFloat {
		return value.Float(math.Abs(args[0].AsFloat())), nil
	}
	n := args[0].AsInt()
	if n < 0 {
		n = -n
	}
	return value.Int(n), nil
}

// builtinListLen returns the element count of a heap list, per
// list.len(list) -> Int.
func (vm *VM) builtinListLen(args []value.Value) (value.Value, error) {
	if len(args) != 1 {
		return value.Null, errs.ErrArityError
	}
	l, err := vm.heapList(args[0])
	if err != nil {
		return value.Null, err
	}
	return value.Int(int64(len(l.Elements))), nil
}

// builtinListPush returns a new list with v appended, per
// list.push(list, v) -> List. The source list is left untouched: VM values
// are immutable once built, so builtins that grow a list always allocate a
// fresh one.
func (vm *VM) builtinListPush(args []value.Value) (value.Value, error) {
	if len(args) != 2 {
		return value.Null, errs.ErrArityError
	}
	l, err := vm.heapList(args[0])
	if err != nil {
		return value.Null, err
	}
	out := make([]value.Value, len(l.Elements)+1)
	copy(out, l.Elements)
	out[len(l.Elements)] = args[1]
	h := vm.heap.Allocate(&collector.List{Elements: out})
	return value.Heap(h), nil
}

// builtinListConcat returns a new list holding a's elements followed by
// b's, per list.concat(a, b) -> List.
func (vm *VM) builtinListConcat(args []value.Value) (value.Value, error) {
	if len(args) != 2 {
		return value.Null, errs.ErrArityError
	}
	a, err := vm.heapList(args[0])
	if err != nil {
		return value.Null, err
	}
	b, err := vm.heapList(args[1])
	if err != nil {
		return value.Null, err
	}
	out := make([]value.Value, 0, len(a.Elements)+len(b.Elements))
	out = append(out, a.Elements...)
	out = append(out, b.Elements...)
	h := vm.heap.Allocate(&collector.List{Elements: out})
	return value.Heap(h), nil
}
