package oscmsg

import "testing"

func TestCoerceNumeric(t *testing.T) {
	got, err := Coerce(TagFloat32, Atom{Tag: TagInt32, Num: 7})
	if err != nil {
		t.Fatalf("Coerce: %v", err)
	}
	if got.Tag != TagFloat32 || got.Num != 7 {
		t.Fatalf("got %+v", got)
	}
}

func TestCoerceNullPassesThrough(t *testing.T) {
	got, err := Coerce(TagFloat32, Atom{Tag: TagNull})
	if err != nil || got.Tag != TagNull {
		t.Fatalf("got %+v, err=%v", got, err)
	}
}

func TestCoerceRejectsStringToNumeric(t *testing.T) {
	if _, err := Coerce(TagInt32, Atom{Tag: TagString, String: "x"}); err == nil {
		t.Fatal("expected incompatible type error")
	}
}

func TestCoerceBoolFromNumeric(t *testing.T) {
	got, err := Coerce(TagTrue, Atom{Tag: TagInt32, Num: 0})
	if err != nil {
		t.Fatalf("Coerce: %v", err)
	}
	if got.Tag != TagFalse {
		t.Fatalf("got %+v, want False tag for zero", got)
	}
}

func TestTagPredicates(t *testing.T) {
	if !TagFloat64.IsNumeric() {
		t.Fatal("Float64 should be numeric")
	}
	if TagString.IsNumeric() {
		t.Fatal("String should not be numeric")
	}
	if !TagNull.IsNull() {
		t.Fatal("Null should report IsNull")
	}
}
