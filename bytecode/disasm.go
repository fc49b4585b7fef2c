package bytecode

import (
	"fmt"
	"strings"

	"github.com/probeum/corevm/value"
)

// Disassemble renders mod as a human-readable listing: one function header
// per function (name, arity, locals) followed by one "[ip] MNEMONIC a, b"
// line per instruction, in the style of the teacher's own Disassemble.
func Disassemble(mod *Module) string {
	var b strings.Builder
	fmt.Fprintf(&b, "; version %d, entry %d, %d constant(s)\n", mod.Version, mod.Entry, len(mod.Constants))
	for i, c := range mod.Constants {
		fmt.Fprintf(&b, ";   [%d] %s\n", i, constantString(c))
	}
	for fi, fn := range mod.Functions {
		marker := "  "
		if uint32(fi) == mod.Entry {
			marker = "=>"
		}
		fmt.Fprintf(&b, "%s func %d %q (arity=%d, locals=%d)\n", marker, fi, fn.Name, fn.Arity, fn.Locals)
		for ip, ins := range fn.Instructions {
			fmt.Fprintf(&b, "    [%04d] %s\n", ip, instructionString(ins))
		}
	}
	return b.String()
}

func instructionString(ins Instruction) string {
	op := ins.Opcode
	switch op.Operands() {
	case 0:
		return op.String()
	case 1:
		return fmt.Sprintf("%-14s %d", op.String(), ins.A)
	case 2:
		return fmt.Sprintf("%-14s %d, %d", op.String(), ins.A, ins.B)
	default:
		return fmt.Sprintf("%-14s ?", op.String())
	}
}

func constantString(c value.Constant) string {
	switch c.Kind() {
	case value.KindNull:
		return "null"
	case value.KindBool:
		return fmt.Sprintf("%t", c.AsBool())
	case value.KindInt:
		return fmt.Sprintf("%d", c.AsInt())
	case value.KindFloat:
		return fmt.Sprintf("%g", c.AsFloat())
	case value.KindString:
		return fmt.Sprintf("%q", c.AsString())
	default:
		return "?"
	}
}
