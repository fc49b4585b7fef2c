package vm

import (
	"context"
	"errors"
	"testing"

	"github.com/probeum/corevm/bytecode"
	"github.com/probeum/corevm/bytecode/asm"
	"github.com/probeum/corevm/collector"
	"github.com/probeum/corevm/errs"
	"github.com/probeum/corevm/scheduler"
	"github.com/probeum/corevm/telemetry"
	"github.com/probeum/corevm/value"
)

func buildAndRun(t *testing.T, m *asm.ModuleBuilder, costLimit uint64, args []value.Value) (value.Value, error) {
	t.Helper()
	mod, err := m.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	sched := scheduler.New(2)
	t.Cleanup(sched.Shutdown)
	heap := collector.New(256)
	v := New(mod, heap, sched, &telemetry.Hooks{}, costLimit)
	RegisterStandardBuiltins(v)
	return v.Execute(context.Background(), mod.Entry, args)
}

func TestArithmeticAndReturn(t *testing.T) {
	m := asm.NewModule("main")
	m.Func("main", 0).
		EmitA(bytecode.OpLoadConst, m.Const(value.ConstInt(2))).
		EmitA(bytecode.OpLoadConst, m.Const(value.ConstInt(3))).
		Emit(bytecode.OpAdd).
		Emit(bytecode.OpReturn)

	got, err := buildAndRun(t, m, 0, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got.Kind() != value.KindInt || got.AsInt() != 5 {
		t.Fatalf("result = %v, want Int(5)", got)
	}
}

func TestLocalsRoundTrip(t *testing.T) {
	m := asm.NewModule("main")
	m.Func("main", 0).
		Reserve(1).
		EmitA(bytecode.OpLoadConst, m.Const(value.ConstInt(41))).
		EmitA(bytecode.OpStoreVar, 0).
		EmitA(bytecode.OpLoadVar, 0).
		EmitA(bytecode.OpLoadConst, m.Const(value.ConstInt(1))).
		Emit(bytecode.OpAdd).
		Emit(bytecode.OpReturn)

	got, err := buildAndRun(t, m, 0, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got.AsInt() != 42 {
		t.Fatalf("result = %v, want 42", got)
	}
}

func TestJumpIfFalseSkipsBranch(t *testing.T) {
	m := asm.NewModule("main")
	m.Func("main", 0).
		EmitA(bytecode.OpLoadConst, m.Const(value.ConstBool(false))).
		Jump(bytecode.OpJumpIfFalse, "else").
		EmitA(bytecode.OpLoadConst, m.Const(value.ConstInt(1))).
		Emit(bytecode.OpReturn).
		Label("else").
		EmitA(bytecode.OpLoadConst, m.Const(value.ConstInt(2))).
		Emit(bytecode.OpReturn)

	got, err := buildAndRun(t, m, 0, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got.AsInt() != 2 {
		t.Fatalf("result = %v, want 2 (else branch)", got)
	}
}

func TestDivisionByZero(t *testing.T) {
	m := asm.NewModule("main")
	m.Func("main", 0).
		EmitA(bytecode.OpLoadConst, m.Const(value.ConstInt(1))).
		EmitA(bytecode.OpLoadConst, m.Const(value.ConstInt(0))).
		Emit(bytecode.OpDiv).
		Emit(bytecode.OpReturn)

	_, err := buildAndRun(t, m, 0, nil)
	if !errors.Is(err, errs.ErrDivisionByZero) {
		t.Fatalf("err = %v, want ErrDivisionByZero", err)
	}
}

func TestCallArityMismatch(t *testing.T) {
	m := asm.NewModule("main")
	m.Func("callee", 1).
		EmitA(bytecode.OpLoadVar, 0).
		Emit(bytecode.OpReturn)
	m.Func("main", 0).
		EmitAB(bytecode.OpCall, 0, 0). // callee wants 1 arg, supplies 0
		Emit(bytecode.OpReturn)

	_, err := buildAndRun(t, m, 0, nil)
	if !errors.Is(err, errs.ErrArityError) {
		t.Fatalf("err = %v, want ErrArityError", err)
	}
}

func TestCallInvokesCallee(t *testing.T) {
	m := asm.NewModule("main")
	m.Func("double", 1).
		EmitA(bytecode.OpLoadVar, 0).
		EmitA(bytecode.OpLoadVar, 0).
		Emit(bytecode.OpAdd).
		Emit(bytecode.OpReturn)
	m.Func("main", 0).
		EmitA(bytecode.OpLoadConst, m.Const(value.ConstInt(21))).
		EmitAB(bytecode.OpCall, 0, 1).
		Emit(bytecode.OpReturn)

	got, err := buildAndRun(t, m, 0, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got.AsInt() != 42 {
		t.Fatalf("result = %v, want 42", got)
	}
}

func TestStackUnderflow(t *testing.T) {
	m := asm.NewModule("main")
	m.Func("main", 0).
		Emit(bytecode.OpPop).
		Emit(bytecode.OpReturn)

	_, err := buildAndRun(t, m, 0, nil)
	if !errors.Is(err, errs.ErrStackUnderflow) {
		t.Fatalf("err = %v, want ErrStackUnderflow", err)
	}
}

func TestCostLimitExceeded(t *testing.T) {
	m := asm.NewModule("main")
	m.Func("main", 0).
		Emit(bytecode.OpNop).
		Emit(bytecode.OpNop).
		Emit(bytecode.OpNop).
		EmitA(bytecode.OpLoadConst, m.Const(value.ConstInt(1))).
		Emit(bytecode.OpReturn)

	_, err := buildAndRun(t, m, 2, nil)
	if !errors.Is(err, errs.ErrCostLimitExceeded) {
		t.Fatalf("err = %v, want ErrCostLimitExceeded", err)
	}
}

func TestMakeListAndSumBuiltin(t *testing.T) {
	m := asm.NewModule("main")
	m.Func("main", 0).
		EmitA(bytecode.OpLoadConst, m.Const(value.ConstInt(1))).
		EmitA(bytecode.OpLoadConst, m.Const(value.ConstInt(2))).
		EmitA(bytecode.OpLoadConst, m.Const(value.ConstInt(3))).
		EmitA(bytecode.OpMakeList, 3).
		EmitAB(bytecode.OpCallBuiltin, m.Const(value.ConstString("math.sum")), 1).
		Emit(bytecode.OpReturn)

	got, err := buildAndRun(t, m, 0, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got.AsInt() != 6 {
		t.Fatalf("result = %v, want 6", got)
	}
}

func TestIotaAndDotBuiltins(t *testing.T) {
	m := asm.NewModule("main")
	m.Func("main", 0).
		EmitA(bytecode.OpLoadConst, m.Const(value.ConstInt(3))).
		EmitAB(bytecode.OpCallBuiltin, m.Const(value.ConstString("math.iota")), 1).
		EmitA(bytecode.OpLoadConst, m.Const(value.ConstInt(3))).
		EmitAB(bytecode.OpCallBuiltin, m.Const(value.ConstString("math.iota")), 1).
		EmitAB(bytecode.OpCallBuiltin, m.Const(value.ConstString("math.dot")), 2).
		Emit(bytecode.OpReturn)

	got, err := buildAndRun(t, m, 0, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	// iota(3) = [0,1,2]; dot([0,1,2],[0,1,2]) = 0+1+4 = 5
	if got.AsInt() != 5 {
		t.Fatalf("result = %v, want 5", got)
	}
}

func TestHashBuiltinIsDeterministic(t *testing.T) {
	m := asm.NewModule("main")
	m.Func("main", 0).
		EmitA(bytecode.OpLoadConst, m.Const(value.ConstString("hello"))).
		EmitAB(bytecode.OpCallBuiltin, m.Const(value.ConstString("crypto.hash")), 1).
		Emit(bytecode.OpReturn)

	got1, err := buildAndRun(t, m, 0, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	got2, err := buildAndRun(t, m, 0, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got1.Kind() != value.KindString || got1.AsString() != got2.AsString() {
		t.Fatalf("crypto.hash not deterministic: %v vs %v", got1, got2)
	}
	if len(got1.AsString()) != 64 {
		t.Fatalf("hash hex length = %d, want 64", len(got1.AsString()))
	}
}

func TestLoadLambdaAndReduceBuiltin(t *testing.T) {
	m := asm.NewModule("main")
	m.Func("add", 2).
		EmitA(bytecode.OpLoadVar, 0).
		EmitA(bytecode.OpLoadVar, 1).
		Emit(bytecode.OpAdd).
		Emit(bytecode.OpReturn)
	m.Func("main", 0).
		EmitA(bytecode.OpLoadConst, m.Const(value.ConstInt(1))).
		EmitA(bytecode.OpLoadConst, m.Const(value.ConstInt(2))).
		EmitA(bytecode.OpLoadConst, m.Const(value.ConstInt(3))).
		EmitA(bytecode.OpMakeList, 3).
		EmitA(bytecode.OpLoadConst, m.Const(value.ConstInt(0))).
		EmitA(bytecode.OpLoadLambda, 0). // "add"
		EmitAB(bytecode.OpCallBuiltin, m.Const(value.ConstString("math.reduce")), 3).
		Emit(bytecode.OpReturn)

	got, err := buildAndRun(t, m, 0, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got.AsInt() != 6 {
		t.Fatalf("result = %v, want 6", got)
	}
}

func TestCallAsyncAndAwait(t *testing.T) {
	m := asm.NewModule("main")
	m.Func("worker", 0).
		EmitA(bytecode.OpLoadConst, m.Const(value.ConstInt(99))).
		Emit(bytecode.OpReturn)
	m.Func("main", 0).
		EmitAB(bytecode.OpCallAsync, 0, 0).
		Emit(bytecode.OpAwait).
		Emit(bytecode.OpReturn)

	got, err := buildAndRun(t, m, 0, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got.AsInt() != 99 {
		t.Fatalf("result = %v, want 99", got)
	}
}

func TestInvalidFunctionIndexRejected(t *testing.T) {
	mod := &bytecode.Module{
		Functions: []bytecode.Function{{Name: "main", Arity: 0, Locals: 0, Instructions: []bytecode.Instruction{
			{Opcode: bytecode.OpReturn},
		}}},
		Entry: 0,
	}
	sched := scheduler.New(1)
	defer sched.Shutdown()
	heap := collector.New(256)
	v := New(mod, heap, sched, &telemetry.Hooks{}, 0)

	_, err := v.Execute(context.Background(), 5, nil)
	if !errors.Is(err, errs.ErrInvalidFunction) {
		t.Fatalf("err = %v, want ErrInvalidFunction", err)
	}
}

func TestMinMaxBuiltins(t *testing.T) {
	m := asm.NewModule("main")
	m.Func("main", 0).
		EmitA(bytecode.OpLoadConst, m.Const(value.ConstInt(5))).
		EmitA(bytecode.OpLoadConst, m.Const(value.ConstInt(1))).
		EmitA(bytecode.OpLoadConst, m.Const(value.ConstInt(3))).
		EmitA(bytecode.OpMakeList, 3).
		EmitAB(bytecode.OpCallBuiltin, m.Const(value.ConstString("math.min")), 1).
		Emit(bytecode.OpReturn)

	got, err := buildAndRun(t, m, 0, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got.AsInt() != 1 {
		t.Fatalf("math.min result = %v, want 1", got)
	}

	m2 := asm.NewModule("main")
	m2.Func("main", 0).
		EmitA(bytecode.OpLoadConst, m2.Const(value.ConstInt(5))).
		EmitA(bytecode.OpLoadConst, m2.Const(value.ConstInt(1))).
		EmitA(bytecode.OpLoadConst, m2.Const(value.ConstInt(3))).
		EmitA(bytecode.OpMakeList, 3).
		EmitAB(bytecode.OpCallBuiltin, m2.Const(value.ConstString("math.max")), 1).
		Emit(bytecode.OpReturn)

	got2, err := buildAndRun(t, m2, 0, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got2.AsInt() != 5 {
		t.Fatalf("math.max result = %v, want 5", got2)
	}
}

func TestAbsBuiltin(t *testing.T) {
	m := asm.NewModule("main")
	m.Func("main", 0).
		EmitA(bytecode.OpLoadConst, m.Const(value.ConstInt(-7))).
		EmitAB(bytecode.OpCallBuiltin, m.Const(value.ConstString("math.abs")), 1).
		Emit(bytecode.OpReturn)

	got, err := buildAndRun(t, m, 0, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got.AsInt() != 7 {
		t.Fatalf("math.abs result = %v, want 7", got)
	}
}

func TestShake256BuiltinProducesRequestedLength(t *testing.T) {
	m := asm.NewModule("main")
	m.Func("main", 0).
		EmitA(bytecode.OpLoadConst, m.Const(value.ConstString("hello"))).
		EmitA(bytecode.OpLoadConst, m.Const(value.ConstInt(16))).
		EmitAB(bytecode.OpCallBuiltin, m.Const(value.ConstString("crypto.shake256")), 2).
		Emit(bytecode.OpReturn)

	got1, err := buildAndRun(t, m, 0, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	got2, err := buildAndRun(t, m, 0, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got1.Kind() != value.KindString || got1.AsString() != got2.AsString() {
		t.Fatalf("crypto.shake256 not deterministic: %v vs %v", got1, got2)
	}
	if len(got1.AsString()) != 32 { // 16 bytes -> 32 hex chars
		t.Fatalf("shake256 hex length = %d, want 32", len(got1.AsString()))
	}
}

func TestListLenPushConcatBuiltins(t *testing.T) {
	m := asm.NewModule("main")
	m.Func("main", 0).
		Reserve(1).
		EmitA(bytecode.OpLoadConst, m.Const(value.ConstInt(1))).
		EmitA(bytecode.OpLoadConst, m.Const(value.ConstInt(2))).
		EmitA(bytecode.OpMakeList, 2).
		EmitA(bytecode.OpStoreVar, 0).
		// list.push(list, 3) -> [1,2,3]
		EmitA(bytecode.OpLoadVar, 0).
		EmitA(bytecode.OpLoadConst, m.Const(value.ConstInt(3))).
		EmitAB(bytecode.OpCallBuiltin, m.Const(value.ConstString("list.push")), 2).
		EmitA(bytecode.OpStoreVar, 0).
		// list.concat(list, list) -> [1,2,3,1,2,3]
		EmitA(bytecode.OpLoadVar, 0).
		EmitA(bytecode.OpLoadVar, 0).
		EmitAB(bytecode.OpCallBuiltin, m.Const(value.ConstString("list.concat")), 2).
		EmitAB(bytecode.OpCallBuiltin, m.Const(value.ConstString("list.len")), 1).
		Emit(bytecode.OpReturn)

	got, err := buildAndRun(t, m, 0, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got.AsInt() != 6 {
		t.Fatalf("list.len(list.concat(...)) result = %v, want 6", got)
	}
}
