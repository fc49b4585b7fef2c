// Package value implements the tagged Value variant of spec.md §3: the
// single polymorphic type that lives on the interpreter's operand stack, in
// locals, and in the constant pool. Equality is structural; ordering is
// defined only between numerics, with integer widening to float when mixed.
package value

import (
	"fmt"
	"math"

	"github.com/probeum/corevm/handle"
)

// Kind tags which alternative of Value is populated.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindHeap
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindHeap:
		return "heap"
	default:
		return "unknown"
	}
}

// Value is the runtime's single stack-and-locals type: a tagged union over
// Null, Bool, Int, Float, String, and Heap (a handle into the collector).
type Value struct {
	kind Kind
	i    int64
	f    float64
	s    string
	b    bool
	h    handle.Handle
}

// Null is the single Null value.
var Null = Value{kind: KindNull}

// Bool constructs a boolean Value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Int constructs an integer Value.
func Int(i int64) Value { return Value{kind: KindInt, i: i} }

// Float constructs a floating-point Value.
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }

// String constructs a string Value.
func String(s string) Value { return Value{kind: KindString, s: s} }

// Heap constructs a Value referencing a collector-owned heap object.
func Heap(h handle.Handle) Value { return Value{kind: KindHeap, h: h} }

func (v Value) Kind() Kind              { return v.kind }
func (v Value) IsNull() bool            { return v.kind == KindNull }
func (v Value) AsBool() bool            { return v.b }
func (v Value) AsInt() int64            { return v.i }
func (v Value) AsFloat() float64        { return v.f }
func (v Value) AsString() string        { return v.s }
func (v Value) AsHandle() handle.Handle { return v.h }

// Truthy implements spec.md §3's truthiness rule: Null, Bool(false), Int(0),
// Float(0.0), and the empty string are false; every other value is true.
func (v Value) Truthy() bool {
	switch v.kind {
	case KindNull:
		return false
	case KindBool:
		return v.b
	case KindInt:
		return v.i != 0
	case KindFloat:
		return v.f != 0
	case KindString:
		return v.s != ""
	case KindHeap:
		return true
	default:
		return false
	}
}

// IsNumeric reports whether v is an Int or a Float.
func (v Value) IsNumeric() bool { return v.kind == KindInt || v.kind == KindFloat }

// Equal implements structural equality. Values of different kinds are never
// equal, except that numeric comparison is NOT performed here (Equal is the
// structural operator; Compare handles numeric cross-kind comparison for
// Less/Greater per spec.md §4.5: "Equal/NotEqual — structural equality").
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == o.b
	case KindInt:
		return v.i == o.i
	case KindFloat:
		return v.f == o.f
	case KindString:
		return v.s == o.s
	case KindHeap:
		return v.h == o.h
	default:
		return false
	}
}

// Compare orders two numeric values, widening an integer to float when the
// kinds differ. It returns (-1, 0, 1) and ok=false if either operand is not
// numeric (the caller should raise a TypeError in that case, per spec.md
// §4.5: "Less/LessEqual/Greater/GreaterEqual — numeric; non-numeric operands
// -> TypeError").
func (v Value) Compare(o Value) (result int, ok bool) {
	if !v.IsNumeric() || !o.IsNumeric() {
		return 0, false
	}
	if v.kind == KindInt && o.kind == KindInt {
		switch {
		case v.i < o.i:
			return -1, true
		case v.i > o.i:
			return 1, true
		default:
			return 0, true
		}
	}
	lf, rf := v.asF64(), o.asF64()
	switch {
	case lf < rf:
		return -1, true
	case lf > rf:
		return 1, true
	case lf == rf:
		return 0, true
	default:
		// NaN: defined as unordered; callers treat this as "not ok".
		return 0, false
	}
}

func (v Value) asF64() float64 {
	if v.kind == KindInt {
		return float64(v.i)
	}
	return v.f
}

// String renders a Value for debug/disassembly output.
func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindBool:
		return fmt.Sprintf("%t", v.b)
	case KindInt:
		return fmt.Sprintf("%d", v.i)
	case KindFloat:
		if math.IsInf(v.f, 1) {
			return "inf"
		}
		if math.IsInf(v.f, -1) {
			return "-inf"
		}
		return fmt.Sprintf("%g", v.f)
	case KindString:
		return fmt.Sprintf("%q", v.s)
	case KindHeap:
		return fmt.Sprintf("heap(#%d.%d)", v.h.Index(), v.h.Generation())
	default:
		return "<invalid>"
	}
}

// Constant is a constant-pool entry: the same tagged variants as Value minus
// Heap, per spec.md §3 ("Constant pool ... Variants: Null, Bool(b), Int(i64),
// Float(f64), String(text)").
type Constant struct {
	kind Kind
	i    int64
	f    float64
	s    string
	b    bool
}

func (c Constant) Kind() Kind       { return c.kind }
func (c Constant) AsBool() bool     { return c.b }
func (c Constant) AsInt() int64     { return c.i }
func (c Constant) AsFloat() float64 { return c.f }
func (c Constant) AsString() string { return c.s }

func ConstNull() Constant           { return Constant{kind: KindNull} }
func ConstBool(b bool) Constant     { return Constant{kind: KindBool, b: b} }
func ConstInt(i int64) Constant     { return Constant{kind: KindInt, i: i} }
func ConstFloat(f float64) Constant { return Constant{kind: KindFloat, f: f} }
func ConstString(s string) Constant { return Constant{kind: KindString, s: s} }

// IsNumericZero reports whether the constant is the numeric value zero (used
// by the peephole optimizer's additive-identity rule).
func (c Constant) IsNumericZero() bool {
	switch c.kind {
	case KindInt:
		return c.i == 0
	case KindFloat:
		return c.f == 0
	default:
		return false
	}
}

// IsNumericOne reports whether the constant is the numeric value one (used
// by the peephole optimizer's multiplicative-identity rule).
func (c Constant) IsNumericOne() bool {
	switch c.kind {
	case KindInt:
		return c.i == 1
	case KindFloat:
		return c.f == 1
	default:
		return false
	}
}

// ToValue lifts a Constant into a Value, the operation performed by
// LoadConst.
func (c Constant) ToValue() Value {
	switch c.kind {
	case KindNull:
		return Null
	case KindBool:
		return Bool(c.b)
	case KindInt:
		return Int(c.i)
	case KindFloat:
		return Float(c.f)
	case KindString:
		return String(c.s)
	default:
		return Null
	}
}

// Equal reports structural equality between two constants.
func (c Constant) Equal(o Constant) bool {
	if c.kind != o.kind {
		return false
	}
	switch c.kind {
	case KindNull:
		return true
	case KindBool:
		return c.b == o.b
	case KindInt:
		return c.i == o.i
	case KindFloat:
		return c.f == o.f
	case KindString:
		return c.s == o.s
	default:
		return false
	}
}
