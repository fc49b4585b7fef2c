package value

import "testing"

func TestTruthy(t *testing.T) {
	cases := []struct {
		name string
		v    Value
		want bool
	}{
		{"null", Null, false},
		{"false", Bool(false), false},
		{"true", Bool(true), true},
		{"zero int", Int(0), false},
		{"nonzero int", Int(1), true},
		{"zero float", Float(0), false},
		{"nonzero float", Float(0.1), true},
		{"empty string", String(""), false},
		{"nonempty string", String("x"), true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := c.v.Truthy(); got != c.want {
				t.Fatalf("Truthy() = %v, want %v", got, c.want)
			}
		})
	}
}

func TestEqualStructural(t *testing.T) {
	if !Int(3).Equal(Int(3)) {
		t.Fatalf("Int(3) should equal Int(3)")
	}
	if Int(3).Equal(Float(3)) {
		t.Fatalf("Int(3) must not structurally equal Float(3)")
	}
	if !String("a").Equal(String("a")) {
		t.Fatalf("String(a) should equal String(a)")
	}
}

func TestCompareWidensIntToFloat(t *testing.T) {
	result, ok := Int(2).Compare(Float(2.5))
	if !ok {
		t.Fatalf("Compare(Int, Float) should be ok")
	}
	if result != -1 {
		t.Fatalf("Compare(2, 2.5) = %d, want -1", result)
	}
	if _, ok := Int(2).Compare(String("x")); ok {
		t.Fatalf("Compare(Int, String) should not be ok")
	}
}

func TestConstantIdentities(t *testing.T) {
	if !ConstInt(0).IsNumericZero() {
		t.Fatalf("ConstInt(0) should be numeric zero")
	}
	if !ConstFloat(1).IsNumericOne() {
		t.Fatalf("ConstFloat(1) should be numeric one")
	}
	if ConstInt(1).IsNumericZero() {
		t.Fatalf("ConstInt(1) should not be numeric zero")
	}
}

func TestConstantToValue(t *testing.T) {
	if got := ConstString("hi").ToValue(); got.Kind() != KindString || got.AsString() != "hi" {
		t.Fatalf("ToValue() = %v, want string hi", got)
	}
}
