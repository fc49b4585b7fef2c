package bytecode

import "github.com/probeum/corevm/value"

// MagicVersion is the on-disk major version this codec emits and accepts.
// spec.md §4.1: "4-byte magic (e.g. b"NVC1"), 1-byte major version."
const MagicVersion uint8 = 1

// Magic is the 4-byte file signature identifying corevm bytecode.
var Magic = [4]byte{'N', 'V', 'C', '1'}

// Instruction is a single decoded bytecode instruction, per spec.md §3:
// (opcode, operand_a, operand_b, debug). Debug is not part of the §4.1 wire
// layout in this version — see DESIGN.md — so it is always nil after decode
// and is dropped (not an error) on encode.
type Instruction struct {
	Opcode Opcode
	A      uint32
	B      uint32
	Debug  *uint32
}

// Function is a function descriptor, per spec.md §3: name, arity, locals,
// and an instruction array. Local slots 0..Arity hold arguments at call;
// slots Arity..Locals start as Null. Locals must be >= Arity.
type Function struct {
	Name         string
	Arity        uint16
	Locals       uint16
	Instructions []Instruction
}

// Module is the full serialized unit: version, constant pool, functions,
// and an entry point index. Entry must refer to an arity-0 function.
type Module struct {
	Version   uint16
	Constants []value.Constant
	Functions []Function
	Entry     uint32
}
