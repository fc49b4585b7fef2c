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

// Package vm implements the stack-machine interpreter of spec.md §4.5: a
// single operand stack per call, per-frame locals, and opcode dispatch that
// reads at ip, advances by one, and executes.
package vm

import (
	"context"
	"math"
	"sync"

	"github.com/probeum/corevm/bytecode"
	"github.com/probeum/corevm/collector"
	"github.com/probeum/corevm/errs"
	"github.com/probeum/corevm/handle"
	"github.com/probeum/corevm/scheduler"
	"github.com/probeum/corevm/telemetry"
	"github.com/probeum/corevm/value"
)

// Builtin is a host or standard-library function invokable via
// CallBuiltin.
type Builtin func(args []value.Value) (value.Value, error)

// execState is one independent call stack: the entry task's own, or one
// spawned by CallAsync. Stacks are never shared across goroutines; the
// heap, builtins, and cost counter are the only state multiple execStates
// touch concurrently.
type execState struct {
	stack  []value.Value
	frames []*frame
}

// VM is the interpreter of spec.md §4.5, shared across every concurrently
// running call stack in a single runtime instance.
type VM struct {
	module *bytecode.Module
	heap   *collector.Heap
	sched  *scheduler.Pool
	hooks  *telemetry.Hooks

	builtinsMu sync.RWMutex
	builtins   map[string]Builtin

	costLimit uint64

	costMu   sync.Mutex
	costUsed uint64

	execMu sync.Mutex
	active map[*execState]struct{}
}

// New creates a VM bound to module, executing against heap and sched, with
// cost metering capped at costLimit instructions (0 means unlimited).
func New(module *bytecode.Module, heap *collector.Heap, sched *scheduler.Pool, hooks *telemetry.Hooks, costLimit uint64) *VM {
	return &VM{
		module:    module,
		heap:      heap,
		sched:     sched,
		hooks:     hooks,
		builtins:  make(map[string]Builtin),
		costLimit: costLimit,
		active:    make(map[*execState]struct{}),
	}
}

// RegisterBuiltin adds or replaces a named builtin callable via
// CallBuiltin.
func (vm *VM) RegisterBuiltin(name string, fn Builtin) {
	vm.builtinsMu.Lock()
	defer vm.builtinsMu.Unlock()
	vm.builtins[name] = fn
}

// Builtins returns a snapshot of the currently registered builtin table,
// for a caller (such as the runtime facade) that needs to carry them over
// to a freshly constructed VM when a new module is loaded.
func (vm *VM) Builtins() map[string]Builtin {
	vm.builtinsMu.RLock()
	defer vm.builtinsMu.RUnlock()
	out := make(map[string]Builtin, len(vm.builtins))
	for k, v := range vm.builtins {
		out[k] = v
	}
	return out
}

// Execute runs functionIndex with args, to completion, and returns the
// value its Return produced. ctx carries cancellation/deadline for the
// task this call belongs to (checked at safe points); callers executing
// the root task may pass context.Background().
func (vm *VM) Execute(ctx context.Context, functionIndex uint32, args []value.Value) (value.Value, error) {
	if int(functionIndex) >= len(vm.module.Functions) {
		return value.Null, errs.WithStack(errs.ErrInvalidFunction, nil)
	}
	es := &execState{}
	vm.execMu.Lock()
	vm.active[es] = struct{}{}
	vm.execMu.Unlock()
	defer func() {
		vm.execMu.Lock()
		delete(vm.active, es)
		vm.execMu.Unlock()
	}()

	fr, err := vm.pushFrame(functionIndex, args)
	if err != nil {
		return value.Null, err
	}
	es.frames = append(es.frames, fr)

	result, err := vm.run(ctx, es)
	if err != nil {
		return value.Null, errs.WithStack(err, vm.snapshot(es))
	}
	return result, nil
}

func (vm *VM) pushFrame(functionIndex uint32, args []value.Value) (*frame, error) {
	fn := &vm.module.Functions[functionIndex]
	if len(args) != int(fn.Arity) {
		return nil, errs.ErrArityError
	}
	locals := make([]value.Value, fn.Locals)
	copy(locals, args)
	for i := len(args); i < len(locals); i++ {
		locals[i] = value.Null
	}
	return &frame{functionIndex: functionIndex, functionName: fn.Name, ip: 0, locals: locals}, nil
}

func (vm *VM) snapshot(es *execState) []errs.Frame {
	out := make([]errs.Frame, 0, len(es.frames))
	for _, fr := range es.frames {
		out = append(out, errs.Frame{FunctionName: fr.functionName, IP: uint32(fr.ip)})
	}
	return out
}

func (vm *VM) useCost() error {
	if vm.costLimit == 0 {
		return nil
	}
	vm.costMu.Lock()
	defer vm.costMu.Unlock()
	vm.costUsed++
	if vm.costUsed > vm.costLimit {
		return errs.ErrCostLimitExceeded
	}
	return nil
}

func (vm *VM) checkpoint(ctx context.Context) error {
	return vm.sched.Checkpoint(ctx)
}

func (vm *VM) maybeCollect(es *execState) {
	if !vm.heap.ShouldCollect() {
		return
	}
	vm.execMu.Lock()
	var roots []handle.Handle
	for other := range vm.active {
		roots = append(roots, gcRoots(other)...)
	}
	vm.execMu.Unlock()
	vm.heap.Collect(roots)
}

func gcRoots(es *execState) []handle.Handle {
	var roots []handle.Handle
	for _, v := range es.stack {
		if v.Kind() == value.KindHeap {
			roots = append(roots, v.AsHandle())
		}
	}
	for _, fr := range es.frames {
		for _, v := range fr.locals {
			if v.Kind() == value.KindHeap {
				roots = append(roots, v.AsHandle())
			}
		}
	}
	return roots
}

// run drives the fetch-execute loop over es until the entry frame returns.
func (vm *VM) run(ctx context.Context, es *execState) (value.Value, error) {
	if err := vm.checkpoint(ctx); err != nil {
		return value.Null, err
	}

	for {
		top := es.frames[len(es.frames)-1]
		fn := &vm.module.Functions[top.functionIndex]
		if top.ip >= len(fn.Instructions) {
			return value.Null, errs.ErrInvalidJumpTarget
		}
		ins := fn.Instructions[top.ip]

		if err := vm.useCost(); err != nil {
			return value.Null, err
		}

		isBackwardJump := ins.Opcode.IsJump() && int(ins.A) <= top.ip
		if isBackwardJump {
			if err := vm.checkpoint(ctx); err != nil {
				return value.Null, err
			}
			vm.maybeCollect(es)
		}

		top.ip++

		done, result, err := vm.step(ctx, es, top, fn, ins)
		if err != nil {
			return value.Null, err
		}
		if done {
			return result, nil
		}
	}
}

func (vm *VM) pop(es *execState) (value.Value, error) {
	n := len(es.stack)
	if n == 0 {
		return value.Null, errs.ErrStackUnderflow
	}
	v := es.stack[n-1]
	es.stack = es.stack[:n-1]
	return v, nil
}

func (vm *VM) push(es *execState, v value.Value) {
	es.stack = append(es.stack, v)
}

// step executes a single decoded instruction. It returns done=true with
// the final result once the entry frame's Return has been processed.
func (vm *VM) step(ctx context.Context, es *execState, fr *frame, fn *bytecode.Function, ins bytecode.Instruction) (bool, value.Value, error) {
	switch ins.Opcode {
	case bytecode.OpNop:
		return false, value.Null, nil

	case bytecode.OpLoadConst:
		if int(ins.A) >= len(vm.module.Constants) {
			return false, value.Null, errs.ErrInvalidSlot
		}
		vm.push(es, vm.module.Constants[ins.A].ToValue())
		return false, value.Null, nil

	case bytecode.OpLoadVar:
		if int(ins.A) >= len(fr.locals) {
			return false, value.Null, errs.ErrInvalidSlot
		}
		vm.push(es, fr.locals[ins.A])
		return false, value.Null, nil

	case bytecode.OpStoreVar:
		v, err := vm.pop(es)
		if err != nil {
			return false, value.Null, err
		}
		if int(ins.A) >= len(fr.locals) {
			return false, value.Null, errs.ErrInvalidSlot
		}
		fr.locals[ins.A] = v
		return false, value.Null, nil

	case bytecode.OpAdd, bytecode.OpSub, bytecode.OpMul, bytecode.OpDiv, bytecode.OpMod:
		return false, value.Null, vm.binaryArith(es, ins.Opcode)

	case bytecode.OpNeg:
		return false, value.Null, vm.negate(es)

	case bytecode.OpNot:
		v, err := vm.pop(es)
		if err != nil {
			return false, value.Null, err
		}
		vm.push(es, value.Bool(!v.Truthy()))
		return false, value.Null, nil

	case bytecode.OpPop:
		_, err := vm.pop(es)
		return false, value.Null, err

	case bytecode.OpJump:
		fr.ip = int(ins.A)
		return false, value.Null, nil

	case bytecode.OpJumpIfFalse:
		v, err := vm.pop(es)
		if err != nil {
			return false, value.Null, err
		}
		if !v.Truthy() {
			fr.ip = int(ins.A)
		}
		return false, value.Null, nil

	case bytecode.OpEqual, bytecode.OpNotEqual:
		return false, value.Null, vm.equality(es, ins.Opcode)

	case bytecode.OpLess, bytecode.OpLessEqual, bytecode.OpGreater, bytecode.OpGreaterEqual:
		return false, value.Null, vm.ordering(es, ins.Opcode)

	case bytecode.OpAnd, bytecode.OpOr:
		return false, value.Null, vm.logical(es, ins.Opcode)

	case bytecode.OpMakeList:
		return false, value.Null, vm.makeList(es, int(ins.A))

	case bytecode.OpLoadLambda:
		if int(ins.A) >= len(vm.module.Functions) {
			return false, value.Null, errs.ErrInvalidFunction
		}
		h := vm.heap.Allocate(&collector.Closure{FunctionIndex: ins.A})
		vm.push(es, value.Heap(h))
		return false, value.Null, nil

	case bytecode.OpCallBuiltin:
		return false, value.Null, vm.callBuiltin(es, ins)

	case bytecode.OpCall:
		if err := vm.checkpoint(ctx); err != nil {
			return false, value.Null, err
		}
		vm.maybeCollect(es)
		return false, value.Null, vm.call(es, ins)

	case bytecode.OpCallAsync:
		if err := vm.checkpoint(ctx); err != nil {
			return false, value.Null, err
		}
		vm.maybeCollect(es)
		return false, value.Null, vm.callAsync(es, ins)

	case bytecode.OpAwait:
		if err := vm.checkpoint(ctx); err != nil {
			return false, value.Null, err
		}
		return vm.await(ctx, es)

	case bytecode.OpReturn:
		return vm.doReturn(es)

	default:
		return false, value.Null, errs.ErrUnknownOpcode
	}
}

func (vm *VM) binaryArith(es *execState, op bytecode.Opcode) error {
	rhs, err := vm.pop(es)
	if err != nil {
		return err
	}
	lhs, err := vm.pop(es)
	if err != nil {
		return err
	}
	if !lhs.IsNumeric() || !rhs.IsNumeric() {
		return errs.ErrTypeError
	}

	bothInt := lhs.Kind() == value.KindInt && rhs.Kind() == value.KindInt
	if bothInt {
		a, b := lhs.AsInt(), rhs.AsInt()
		switch op {
		case bytecode.OpAdd:
			vm.push(es, value.Int(a+b))
		case bytecode.OpSub:
			vm.push(es, value.Int(a-b))
		case bytecode.OpMul:
			vm.push(es, value.Int(a*b))
		case bytecode.OpDiv:
			if b == 0 {
				return errs.ErrDivisionByZero
			}
			vm.push(es, value.Int(a/b))
		case bytecode.OpMod:
			if b == 0 {
				return errs.ErrDivisionByZero
			}
			vm.push(es, value.Int(a%b))
		}
		return nil
	}

	a, b := asFloat(lhs), asFloat(rhs)
	switch op {
	case bytecode.OpAdd:
		vm.push(es, value.Float(a+b))
	case bytecode.OpSub:
		vm.push(es, value.Float(a-b))
	case bytecode.OpMul:
		vm.push(es, value.Float(a*b))
	case bytecode.OpDiv:
		if b == 0 {
			return errs.ErrDivisionByZero
		}
		vm.push(es, value.Float(a/b))
	case bytecode.OpMod:
		if b == 0 {
			return errs.ErrDivisionByZero
		}
		vm.push(es, value.Float(math.Mod(a, b)))
	}
	return nil
}

func (vm *VM) negate(es *execState) error {
	v, err := vm.pop(es)
	if err != nil {
		return err
	}
	switch v.Kind() {
	case value.KindInt:
		if v.AsInt() == math.MinInt64 {
			return errs.ErrIntegerOverflow
		}
		vm.push(es, value.Int(-v.AsInt()))
	case value.KindFloat:
		vm.push(es, value.Float(-v.AsFloat()))
	default:
		return errs.ErrTypeError
	}
	return nil
}

func asFloat(v value.Value) float64 {
	if v.Kind() == value.KindInt {
		return float64(v.AsInt())
	}
	return v.AsFloat()
}

func (vm *VM) equality(es *execState, op bytecode.Opcode) error {
	rhs, err := vm.pop(es)
	if err != nil {
		return err
	}
	lhs, err := vm.pop(es)
	if err != nil {
		return err
	}
	eq := lhs.Equal(rhs)
	if op == bytecode.OpNotEqual {
		eq = !eq
	}
	vm.push(es, value.Bool(eq))
	return nil
}

func (vm *VM) ordering(es *execState, op bytecode.Opcode) error {
	rhs, err := vm.pop(es)
	if err != nil {
		return err
	}
	lhs, err := vm.pop(es)
	if err != nil {
		return err
	}
	cmp, ok := lhs.Compare(rhs)
	if !ok {
		return errs.ErrTypeError
	}
	var result bool
	switch op {
	case bytecode.OpLess:
		result = cmp < 0
	case bytecode.OpLessEqual:
		result = cmp <= 0
	case bytecode.OpGreater:
		result = cmp > 0
	case bytecode.OpGreaterEqual:
		result = cmp >= 0
	}
	vm.push(es, value.Bool(result))
	return nil
}

func (vm *VM) logical(es *execState, op bytecode.Opcode) error {
	rhs, err := vm.pop(es)
	if err != nil {
		return err
	}
	lhs, err := vm.pop(es)
	if err != nil {
		return err
	}
	var result bool
	if op == bytecode.OpAnd {
		result = lhs.Truthy() && rhs.Truthy()
	} else {
		result = lhs.Truthy() || rhs.Truthy()
	}
	vm.push(es, value.Bool(result))
	return nil
}

func (vm *VM) makeList(es *execState, n int) error {
	if n < 0 || n > len(es.stack) {
		return errs.ErrStackUnderflow
	}
	elems := make([]value.Value, n)
	copy(elems, es.stack[len(es.stack)-n:])
	es.stack = es.stack[:len(es.stack)-n]
	h := vm.heap.Allocate(&collector.List{Elements: elems})
	vm.push(es, value.Heap(h))
	return nil
}

func (vm *VM) callBuiltin(es *execState, ins bytecode.Instruction) error {
	if int(ins.A) >= len(vm.module.Constants) {
		return errs.ErrInvalidSlot
	}
	nameConst := vm.module.Constants[ins.A]
	if nameConst.Kind() != value.KindString {
		return errs.ErrTypeError
	}
	argc := int(ins.B)
	if argc < 0 || argc > len(es.stack) {
		return errs.ErrStackUnderflow
	}
	args := make([]value.Value, argc)
	copy(args, es.stack[len(es.stack)-argc:])
	es.stack = es.stack[:len(es.stack)-argc]

	vm.builtinsMu.RLock()
	fn, ok := vm.builtins[nameConst.AsString()]
	vm.builtinsMu.RUnlock()
	if !ok {
		return errs.ErrUnknownBuiltin
	}
	result, err := fn(args)
	if err != nil {
		return err
	}
	vm.push(es, result)
	return nil
}

func (vm *VM) popArgs(es *execState, argc int) ([]value.Value, error) {
	if argc < 0 || argc > len(es.stack) {
		return nil, errs.ErrStackUnderflow
	}
	args := make([]value.Value, argc)
	copy(args, es.stack[len(es.stack)-argc:])
	es.stack = es.stack[:len(es.stack)-argc]
	return args, nil
}

func (vm *VM) call(es *execState, ins bytecode.Instruction) error {
	args, err := vm.popArgs(es, int(ins.B))
	if err != nil {
		return err
	}
	if int(ins.A) >= len(vm.module.Functions) {
		return errs.ErrInvalidFunction
	}
	fr, err := vm.pushFrame(ins.A, args)
	if err != nil {
		return err
	}
	es.frames = append(es.frames, fr)
	return nil
}

func (vm *VM) callAsync(es *execState, ins bytecode.Instruction) error {
	args, err := vm.popArgs(es, int(ins.B))
	if err != nil {
		return err
	}
	if int(ins.A) >= len(vm.module.Functions) {
		return errs.ErrInvalidFunction
	}
	functionIndex := ins.A
	task := vm.sched.Spawn(func(taskCtx context.Context) (value.Value, error) {
		return vm.Execute(taskCtx, functionIndex, args)
	})
	vm.push(es, value.Int(task.ID))
	return nil
}

func (vm *VM) await(ctx context.Context, es *execState) (bool, value.Value, error) {
	v, err := vm.pop(es)
	if err != nil {
		return false, value.Null, err
	}
	if v.Kind() != value.KindInt {
		return false, value.Null, errs.ErrTypeError
	}
	result, err := vm.sched.Await(ctx, v.AsInt())
	if err != nil {
		return false, value.Null, err
	}
	vm.push(es, result)
	return false, value.Null, nil
}

func (vm *VM) doReturn(es *execState) (bool, value.Value, error) {
	ret, err := vm.pop(es)
	if err != nil {
		return false, value.Null, err
	}
	es.frames = es.frames[:len(es.frames)-1]
	if len(es.frames) == 0 {
		return true, ret, nil
	}
	vm.push(es, ret)
	return false, value.Null, nil
}
