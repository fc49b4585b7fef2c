package optimizer

import (
	"testing"

	"github.com/probeum/corevm/bytecode"
	"github.com/probeum/corevm/value"
)

func TestZeroAddEliminated(t *testing.T) {
	constants := []value.Constant{value.ConstInt(5), value.ConstInt(0)}
	fn := &bytecode.Function{
		Name:   "f",
		Locals: 0,
		Instructions: []bytecode.Instruction{
			{Opcode: bytecode.OpLoadConst, A: 0},
			{Opcode: bytecode.OpLoadConst, A: 1},
			{Opcode: bytecode.OpAdd},
			{Opcode: bytecode.OpReturn},
		},
	}
	if !OptimizeFunction(fn, constants) {
		t.Fatalf("expected a rewrite to fire")
	}
	want := []bytecode.Opcode{bytecode.OpLoadConst, bytecode.OpReturn}
	if len(fn.Instructions) != len(want) {
		t.Fatalf("got %d instructions, want %d", len(fn.Instructions), len(want))
	}
	for i, op := range want {
		if fn.Instructions[i].Opcode != op {
			t.Fatalf("instruction %d = %v, want %v", i, fn.Instructions[i].Opcode, op)
		}
	}
}

func TestOneMulEliminated(t *testing.T) {
	constants := []value.Constant{value.ConstInt(5), value.ConstInt(1)}
	fn := &bytecode.Function{
		Instructions: []bytecode.Instruction{
			{Opcode: bytecode.OpLoadConst, A: 0},
			{Opcode: bytecode.OpLoadConst, A: 1},
			{Opcode: bytecode.OpMul},
			{Opcode: bytecode.OpReturn},
		},
	}
	OptimizeFunction(fn, constants)
	if len(fn.Instructions) != 2 {
		t.Fatalf("got %d instructions, want 2", len(fn.Instructions))
	}
}

func TestDuplicateLoadBeforeReturnEliminated(t *testing.T) {
	constants := []value.Constant{value.ConstInt(9)}
	fn := &bytecode.Function{
		Instructions: []bytecode.Instruction{
			{Opcode: bytecode.OpLoadConst, A: 0},
			{Opcode: bytecode.OpLoadConst, A: 0},
			{Opcode: bytecode.OpReturn},
		},
	}
	if !OptimizeFunction(fn, constants) {
		t.Fatalf("expected a rewrite to fire")
	}
	if len(fn.Instructions) != 2 {
		t.Fatalf("got %d instructions, want 2", len(fn.Instructions))
	}
	if fn.Instructions[0].Opcode != bytecode.OpLoadConst || fn.Instructions[1].Opcode != bytecode.OpReturn {
		t.Fatalf("unexpected instructions: %+v", fn.Instructions)
	}
}

func TestDuplicateLoadKeptWhenJumpTargetsSecondLoad(t *testing.T) {
	constants := []value.Constant{value.ConstInt(9)}
	fn := &bytecode.Function{
		Instructions: []bytecode.Instruction{
			{Opcode: bytecode.OpJump, A: 2}, // jumps straight into the second LoadConst
			{Opcode: bytecode.OpLoadConst, A: 0},
			{Opcode: bytecode.OpLoadConst, A: 0},
			{Opcode: bytecode.OpReturn},
		},
	}
	changed := OptimizeFunction(fn, constants)
	if changed {
		t.Fatalf("rewrite must be refused when a jump targets the instruction being removed")
	}
	if len(fn.Instructions) != 4 {
		t.Fatalf("instruction count changed even though the rewrite should have been refused")
	}
}

func TestJumpTargetsRemappedAfterRewrite(t *testing.T) {
	constants := []value.Constant{value.ConstInt(0), value.ConstInt(7)}
	fn := &bytecode.Function{
		Instructions: []bytecode.Instruction{
			{Opcode: bytecode.OpLoadConst, A: 0}, // 0  -- removed with 1 (zero-add)
			{Opcode: bytecode.OpAdd},             // 1  -- removed with 0 (zero-add)
			{Opcode: bytecode.OpLoadConst, A: 1}, // 2 -> becomes 0
			{Opcode: bytecode.OpJump, A: 2},      // 3 -> becomes 1, target remapped 2->0
		},
	}
	OptimizeFunction(fn, constants)
	if len(fn.Instructions) != 2 {
		t.Fatalf("got %d instructions, want 2", len(fn.Instructions))
	}
	jump := fn.Instructions[1]
	if jump.Opcode != bytecode.OpJump || jump.A != 0 {
		t.Fatalf("jump target not remapped correctly: %+v", jump)
	}
}

func TestFixedPointAppliesRepeatedly(t *testing.T) {
	constants := []value.Constant{value.ConstInt(0)}
	fn := &bytecode.Function{
		Instructions: []bytecode.Instruction{
			{Opcode: bytecode.OpLoadConst, A: 0},
			{Opcode: bytecode.OpAdd},
			{Opcode: bytecode.OpLoadConst, A: 0},
			{Opcode: bytecode.OpAdd},
			{Opcode: bytecode.OpReturn},
		},
	}
	OptimizeFunction(fn, constants)
	if len(fn.Instructions) != 1 || fn.Instructions[0].Opcode != bytecode.OpReturn {
		t.Fatalf("expected both zero-adds eliminated, got %+v", fn.Instructions)
	}
}
