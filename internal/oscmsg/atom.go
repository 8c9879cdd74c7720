// Package oscmsg implements the wire-level OSC type system: type tags,
// typed atoms, and the coerce-assign routine that moves values between
// types at the handful of sites that need it (spec.md §4.6
// "Manual value coercion").
package oscmsg

import (
	"errors"
	"fmt"
)

// Tag is a single OSC type tag character (spec.md §5: "Numeric atoms use
// OSC type tags i (i32), h (i64), f (f32), d (f64), s/S (string), c (char),
// t (timetag), T/F (bool), N (null)").
type Tag byte

const (
	TagInt32   Tag = 'i'
	TagInt64   Tag = 'h'
	TagFloat32 Tag = 'f'
	TagFloat64 Tag = 'd'
	TagString  Tag = 's'
	TagSymbol  Tag = 'S'
	TagChar    Tag = 'c'
	TagTimetag Tag = 't'
	TagTrue    Tag = 'T'
	TagFalse   Tag = 'F'
	TagNull    Tag = 'N'
)

// String returns the tag's single-character representation.
func (t Tag) String() string { return string(rune(t)) }

// IsNumeric reports whether the tag carries a scalar numeric value.
func (t Tag) IsNumeric() bool {
	switch t {
	case TagInt32, TagInt64, TagFloat32, TagFloat64:
		return true
	default:
		return false
	}
}

// IsNull reports whether the tag is the OSC null/nil marker, used by
// mapperd to signal a muted vector element or an instance release
// (spec.md §4.5 "mute").
func (t Tag) IsNull() bool { return t == TagNull }

// Atom is one parsed OSC argument together with its type tag. Numeric
// atoms store their value in Num regardless of declared width; String
// holds the payload for s/S; Bool is valid for T/F. Int carries the
// exact value of an i64 atom, since float64's 52-bit mantissa cannot
// represent a full 64-bit instance or device id (Invariant 5: a global
// instance id embeds the activating device's id in its high word).
type Atom struct {
	Tag    Tag
	Num    float64
	Int    int64
	String string
	Bool   bool
}

// Int32 returns the atom's numeric value truncated to int32.
func (a Atom) Int32() int32 { return int32(a.Num) }

// Int64 returns the atom's value at full 64-bit precision, preferring the
// exact Int field when set.
func (a Atom) Int64() int64 {
	if a.Int != 0 {
		return a.Int
	}
	return int64(a.Num)
}

// NewInt64 builds an i64 atom carrying v exactly, with Num holding the
// nearest float64 for code paths that read atoms generically.
func NewInt64(v int64) Atom {
	return Atom{Tag: TagInt64, Num: float64(v), Int: v}
}

// ErrIncompatibleType is returned by Coerce when src cannot be represented
// as dst (e.g. a string atom coerced to a numeric type).
var ErrIncompatibleType = errors.New("oscmsg: incompatible type coercion")

// Coerce converts src to dst's declared type, returning the coerced atom.
// This is the single consolidated coercion routine spec.md calls for in
// place of the reference implementation's scattered type-tag switches; its
// caller is proptable.Table.Set, which coerces values written into a
// record of fixed type.
func Coerce(dst Tag, src Atom) (Atom, error) {
	if src.Tag.IsNull() {
		return Atom{Tag: TagNull}, nil
	}
	switch dst {
	case TagInt32, TagInt64, TagFloat32, TagFloat64:
		if !src.Tag.IsNumeric() {
			return Atom{}, fmt.Errorf("%w: %s -> %s", ErrIncompatibleType, src.Tag, dst)
		}
		return Atom{Tag: dst, Num: src.Num}, nil
	case TagString, TagSymbol:
		if src.Tag != TagString && src.Tag != TagSymbol {
			return Atom{}, fmt.Errorf("%w: %s -> %s", ErrIncompatibleType, src.Tag, dst)
		}
		return Atom{Tag: dst, String: src.String}, nil
	case TagTrue, TagFalse:
		b := src.Bool
		if src.Tag.IsNumeric() {
			b = src.Num != 0
		}
		if b {
			return Atom{Tag: TagTrue, Bool: true}, nil
		}
		return Atom{Tag: TagFalse, Bool: false}, nil
	default:
		return Atom{}, fmt.Errorf("%w: unsupported destination tag %s", ErrIncompatibleType, dst)
	}
}
