package bytecode

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/probeum/corevm/errs"
	"github.com/probeum/corevm/value"
)

const (
	tagString uint8 = 0
	tagInt    uint8 = 1
	tagFloat  uint8 = 2
	tagBool   uint8 = 3
	tagNull   uint8 = 4
)

// Encode serializes m into the canonical §4.1 wire format: magic, version,
// entry index (uint32 LE, immediately following version), then the
// constant pool and function table. Encode is canonical: two structurally
// equal modules produce identical bytes, since every field is written in a
// fixed order with no padding or map iteration.
func Encode(m *Module) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(Magic[:])
	buf.WriteByte(MagicVersion)

	if err := binary.Write(&buf, binary.LittleEndian, m.Entry); err != nil {
		return nil, err
	}

	if err := binary.Write(&buf, binary.LittleEndian, uint32(len(m.Constants))); err != nil {
		return nil, err
	}
	for _, c := range m.Constants {
		if err := encodeConstant(&buf, c); err != nil {
			return nil, err
		}
	}

	if err := binary.Write(&buf, binary.LittleEndian, uint32(len(m.Functions))); err != nil {
		return nil, err
	}
	for _, fn := range m.Functions {
		if err := encodeFunction(&buf, fn); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

func encodeConstant(buf *bytes.Buffer, c value.Constant) error {
	switch c.Kind() {
	case value.KindString:
		buf.WriteByte(tagString)
		s := c.AsString()
		if err := binary.Write(buf, binary.LittleEndian, uint32(len(s))); err != nil {
			return err
		}
		buf.WriteString(s)
	case value.KindInt:
		buf.WriteByte(tagInt)
		if err := binary.Write(buf, binary.LittleEndian, c.AsInt()); err != nil {
			return err
		}
	case value.KindFloat:
		buf.WriteByte(tagFloat)
		if err := binary.Write(buf, binary.LittleEndian, c.AsFloat()); err != nil {
			return err
		}
	case value.KindBool:
		buf.WriteByte(tagBool)
		b := uint8(0)
		if c.AsBool() {
			b = 1
		}
		buf.WriteByte(b)
	case value.KindNull:
		buf.WriteByte(tagNull)
	default:
		return fmt.Errorf("bytecode: cannot encode constant kind %v", c.Kind())
	}
	return nil
}

func encodeFunction(buf *bytes.Buffer, fn Function) error {
	if err := binary.Write(buf, binary.LittleEndian, uint32(len(fn.Name))); err != nil {
		return err
	}
	buf.WriteString(fn.Name)
	if err := binary.Write(buf, binary.LittleEndian, fn.Arity); err != nil {
		return err
	}
	if err := binary.Write(buf, binary.LittleEndian, fn.Locals); err != nil {
		return err
	}
	if err := binary.Write(buf, binary.LittleEndian, uint32(len(fn.Instructions))); err != nil {
		return err
	}
	for _, ins := range fn.Instructions {
		if err := encodeInstruction(buf, fn.Name, ins); err != nil {
			return err
		}
	}
	return nil
}

func encodeInstruction(buf *bytes.Buffer, fnName string, ins Instruction) error {
	if !ins.Opcode.Valid() {
		return fmt.Errorf("%w: 0x%02x", errs.ErrUnknownOpcode, uint8(ins.Opcode))
	}
	n := ins.Opcode.Operands()
	buf.WriteByte(byte(ins.Opcode))
	buf.WriteByte(byte(n))
	operands := [2]uint32{ins.A, ins.B}
	for i := 0; i < n; i++ {
		if err := binary.Write(buf, binary.LittleEndian, operands[i]); err != nil {
			return err
		}
	}
	// Unused operands MUST be zero on emit, per spec.md §3.
	for i := n; i < 2; i++ {
		if operands[i] != 0 {
			return fmt.Errorf("%w: %s: opcode %s declares %d operands but operand %d is non-zero",
				errs.ErrOperandMismatch, fnName, ins.Opcode, n, i)
		}
	}
	return nil
}

// Decode parses bytecode back into a Module, including the entry index
// written by Encode, validating the wire-level structure (not yet the
// cross-referential invariants of spec.md §3 — call Validate for those).
func Decode(data []byte) (*Module, error) {
	r := bytes.NewReader(data)

	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrUnexpectedEOF, err)
	}
	if magic != Magic {
		return nil, fmt.Errorf("%w: got %q", errs.ErrInvalidHeader, magic[:])
	}
	version, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrUnexpectedEOF, err)
	}
	if version != MagicVersion {
		return nil, fmt.Errorf("%w: %d", errs.ErrUnsupportedVersion, version)
	}

	entry, err := readU32(r)
	if err != nil {
		return nil, err
	}
	m := &Module{Version: uint16(version), Entry: entry}

	constCount, err := readU32(r)
	if err != nil {
		return nil, err
	}
	m.Constants = make([]value.Constant, 0, constCount)
	for i := uint32(0); i < constCount; i++ {
		c, err := decodeConstant(r)
		if err != nil {
			return nil, err
		}
		m.Constants = append(m.Constants, c)
	}

	fnCount, err := readU32(r)
	if err != nil {
		return nil, err
	}
	m.Functions = make([]Function, 0, fnCount)
	for i := uint32(0); i < fnCount; i++ {
		fn, err := decodeFunction(r)
		if err != nil {
			return nil, err
		}
		m.Functions = append(m.Functions, fn)
	}

	return m, nil
}

func decodeConstant(r *bytes.Reader) (value.Constant, error) {
	tag, err := r.ReadByte()
	if err != nil {
		return value.Constant{}, fmt.Errorf("%w: reading constant tag: %v", errs.ErrUnexpectedEOF, err)
	}
	switch tag {
	case tagString:
		n, err := readU32(r)
		if err != nil {
			return value.Constant{}, err
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return value.Constant{}, fmt.Errorf("%w: reading string constant: %v", errs.ErrUnexpectedEOF, err)
		}
		if !utf8.Valid(buf) {
			return value.Constant{}, errs.ErrInvalidUTF8
		}
		return value.ConstString(string(buf)), nil
	case tagInt:
		var i int64
		if err := binary.Read(r, binary.LittleEndian, &i); err != nil {
			return value.Constant{}, fmt.Errorf("%w: reading int constant: %v", errs.ErrUnexpectedEOF, err)
		}
		return value.ConstInt(i), nil
	case tagFloat:
		var f float64
		if err := binary.Read(r, binary.LittleEndian, &f); err != nil {
			return value.Constant{}, fmt.Errorf("%w: reading float constant: %v", errs.ErrUnexpectedEOF, err)
		}
		return value.ConstFloat(f), nil
	case tagBool:
		b, err := r.ReadByte()
		if err != nil {
			return value.Constant{}, fmt.Errorf("%w: reading bool constant: %v", errs.ErrUnexpectedEOF, err)
		}
		return value.ConstBool(b != 0), nil
	case tagNull:
		return value.ConstNull(), nil
	default:
		return value.Constant{}, fmt.Errorf("bytecode: unknown constant tag %d", tag)
	}
}

func decodeFunction(r *bytes.Reader) (Function, error) {
	nameLen, err := readU32(r)
	if err != nil {
		return Function{}, err
	}
	nameBuf := make([]byte, nameLen)
	if _, err := io.ReadFull(r, nameBuf); err != nil {
		return Function{}, fmt.Errorf("%w: reading function name: %v", errs.ErrUnexpectedEOF, err)
	}
	if !utf8.Valid(nameBuf) {
		return Function{}, errs.ErrInvalidUTF8
	}
	name := string(nameBuf)

	var arity, locals uint16
	if err := binary.Read(r, binary.LittleEndian, &arity); err != nil {
		return Function{}, fmt.Errorf("%w: reading arity: %v", errs.ErrUnexpectedEOF, err)
	}
	if err := binary.Read(r, binary.LittleEndian, &locals); err != nil {
		return Function{}, fmt.Errorf("%w: reading locals: %v", errs.ErrUnexpectedEOF, err)
	}

	instrCount, err := readU32(r)
	if err != nil {
		return Function{}, err
	}
	instrs := make([]Instruction, 0, instrCount)
	for i := uint32(0); i < instrCount; i++ {
		ins, err := decodeInstruction(r, name)
		if err != nil {
			return Function{}, err
		}
		instrs = append(instrs, ins)
	}

	return Function{Name: name, Arity: arity, Locals: locals, Instructions: instrs}, nil
}

func decodeInstruction(r *bytes.Reader, fnName string) (Instruction, error) {
	opByte, err := r.ReadByte()
	if err != nil {
		return Instruction{}, fmt.Errorf("%w: reading opcode: %v", errs.ErrUnexpectedEOF, err)
	}
	op := Opcode(opByte)
	if !op.Valid() {
		return Instruction{}, fmt.Errorf("%w: 0x%02x", errs.ErrUnknownOpcode, opByte)
	}
	operandCount, err := r.ReadByte()
	if err != nil {
		return Instruction{}, fmt.Errorf("%w: reading operand count: %v", errs.ErrUnexpectedEOF, err)
	}
	expected := op.Operands()
	if int(operandCount) != expected {
		return Instruction{}, fmt.Errorf("%w: %s %s: expected %d, got %d",
			errs.ErrOperandMismatch, fnName, op, expected, operandCount)
	}
	var operands [2]uint32
	for i := 0; i < int(operandCount) && i < 2; i++ {
		v, err := readU32(r)
		if err != nil {
			return Instruction{}, err
		}
		operands[i] = v
	}
	return Instruction{Opcode: op, A: operands[0], B: operands[1]}, nil
}

func readU32(r *bytes.Reader) (uint32, error) {
	var v uint32
	if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
		return 0, fmt.Errorf("%w: %v", errs.ErrUnexpectedEOF, err)
	}
	return v, nil
}
