package bytecode

import (
	"fmt"

	"github.com/probeum/corevm/errs"
)

// Validate checks the cross-referential invariants of spec.md §3 that the
// wire format alone cannot express: jump targets must land inside the
// owning function, LoadVar/StoreVar slots must be within Locals, constant
// indices must be within the pool, callee indices must name a real
// function, and Entry must refer to an arity-0 function. Decode does not
// call Validate automatically — callers that accept untrusted bytecode
// should call it explicitly before execution.
func Validate(m *Module) error {
	if int(m.Entry) >= len(m.Functions) {
		return fmt.Errorf("%w: entry %d out of range (%d functions)", errs.ErrInvalidFunction, m.Entry, len(m.Functions))
	}
	if entry := m.Functions[m.Entry]; entry.Arity != 0 {
		return fmt.Errorf("%w: entry function %q has arity %d, want 0", errs.ErrInvalidFunction, entry.Name, entry.Arity)
	}

	for _, fn := range m.Functions {
		if fn.Locals < fn.Arity {
			return fmt.Errorf("%w: function %q declares %d locals but arity %d", errs.ErrInvalidSlot, fn.Name, fn.Locals, fn.Arity)
		}
		for ip, ins := range fn.Instructions {
			if err := validateInstruction(m, fn, ip, ins); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateInstruction(m *Module, fn Function, ip int, ins Instruction) error {
	switch ins.Opcode {
	case OpLoadVar, OpStoreVar:
		if ins.A >= uint32(fn.Locals) {
			return fmt.Errorf("%w: %s ip=%d: slot %d >= %d locals", errs.ErrInvalidSlot, fn.Name, ip, ins.A, fn.Locals)
		}
	case OpLoadConst:
		if int(ins.A) >= len(m.Constants) {
			return fmt.Errorf("%w: %s ip=%d: constant %d out of range (%d constants)", errs.ErrInvalidSlot, fn.Name, ip, ins.A, len(m.Constants))
		}
	case OpCallBuiltin:
		if int(ins.A) >= len(m.Constants) {
			return fmt.Errorf("%w: %s ip=%d: builtin name constant %d out of range (%d constants)", errs.ErrInvalidSlot, fn.Name, ip, ins.A, len(m.Constants))
		}
	case OpJump, OpJumpIfFalse:
		if int(ins.A) >= len(fn.Instructions) {
			return fmt.Errorf("%w: %s ip=%d: target %d out of range (%d instructions)", errs.ErrInvalidJumpTarget, fn.Name, ip, ins.A, len(fn.Instructions))
		}
	case OpLoadLambda, OpCall, OpCallAsync:
		if int(ins.A) >= len(m.Functions) {
			return fmt.Errorf("%w: %s ip=%d: callee %d out of range (%d functions)", errs.ErrInvalidFunction, fn.Name, ip, ins.A, len(m.Functions))
		}
	}
	return nil
}
