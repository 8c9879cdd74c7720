// Package history implements the per-instance circular value history used
// by map slots and by expression user-variables (spec.md §4.6).
package history

import (
	"errors"
	"fmt"

	"github.com/libmapper/mapperd/internal/clock"
)

// ErrLengthMismatch is returned when a sample's vector length does not
// match the buffer's configured length.
var ErrLengthMismatch = errors.New("history: sample length mismatch")

// Type is the scalar element type carried by a history buffer, mirroring
// the OSC type tags used on the wire (spec.md §4: i32/f32/f64).
type Type uint8

const (
	// Int32 stores 32-bit signed integers.
	Int32 Type = iota
	// Float32 stores 32-bit floats.
	Float32
	// Float64 stores 64-bit floats.
	Float64
)

// String returns the human readable name of the type.
func (t Type) String() string {
	switch t {
	case Int32:
		return "int32"
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	default:
		return "unknown"
	}
}

// Sample is one timestamped vector entry in a Buffer.
type Sample struct {
	Value []float64 // stored canonically as float64; Type records the wire type
	Time  clock.Time
}

// Buffer is a fixed-length circular history of typed vectors with
// timestamps, addressed by negative index: 0 = current, -1 = previous, and
// so on up to -(Size-1) (spec.md §4.6).
//
// Buffer is not safe for concurrent use; it is owned by exactly one slot
// per spec.md's ownership rules and mutated only from the device poll
// goroutine.
type Buffer struct {
	typ      Type
	vecLen   int
	samples  []Sample
	position int  // index of the most recent sample, -1 when empty
	filled   bool // true once every slot holds a pushed sample
}

// NewBuffer allocates a Buffer holding up to size samples of vecLen
// elements each. size and vecLen must be >= 1.
func NewBuffer(typ Type, vecLen, size int) *Buffer {
	if size < 1 {
		size = 1
	}
	if vecLen < 1 {
		vecLen = 1
	}
	samples := make([]Sample, size)
	for i := range samples {
		samples[i].Value = make([]float64, vecLen)
	}
	return &Buffer{typ: typ, vecLen: vecLen, samples: samples, position: -1}
}

// Type returns the buffer's scalar type.
func (b *Buffer) Type() Type { return b.typ }

// VectorLength returns the number of elements per sample.
func (b *Buffer) VectorLength() int { return b.vecLen }

// Size returns the buffer's capacity (history depth).
func (b *Buffer) Size() int { return len(b.samples) }

// Empty reports whether no sample has ever been pushed.
func (b *Buffer) Empty() bool { return b.position == -1 }

// Push appends a new sample, advancing the circular cursor (spec.md §4.6:
// "advance position modulo history_size, copy value, stamp time").
func (b *Buffer) Push(value []float64, t clock.Time) error {
	if len(value) != b.vecLen {
		return fmt.Errorf("%w: got %d want %d", ErrLengthMismatch, len(value), b.vecLen)
	}
	if b.position == len(b.samples)-1 {
		b.filled = true
	}
	b.position = (b.position + 1) % len(b.samples)
	copy(b.samples[b.position].Value, value)
	b.samples[b.position].Time = t
	return nil
}

// At returns the sample at negative index idx (0 = current, -1 = previous,
// ...). ok is false if idx is out of range or no such sample has been
// pushed yet.
func (b *Buffer) At(idx int) (Sample, bool) {
	if idx > 0 || -idx >= len(b.samples) || b.Empty() {
		return Sample{}, false
	}
	if !b.filled && -idx > b.position {
		// Buffer has not wrapped yet; only b.position+1 slots are valid.
		return Sample{}, false
	}
	slot := (b.position + idx + len(b.samples)) % len(b.samples)
	return b.samples[slot], true
}

// Current returns the most recently pushed sample.
func (b *Buffer) Current() (Sample, bool) { return b.At(0) }

// Resize grows or shrinks the buffer's capacity in place, preserving the
// most recent min(old, new) samples and never discarding the current
// sample. This implements the combiner history reallocation that the
// original source left commented out (spec.md §9 Open Question #1):
// growth and shrink both re-anchor position to the newest sample.
func (b *Buffer) Resize(newSize int) {
	if newSize < 1 {
		newSize = 1
	}
	if newSize == len(b.samples) {
		return
	}

	keep := newSize
	if keep > len(b.samples) {
		keep = len(b.samples)
	}

	newest := make([]Sample, keep)
	for i := 0; i < keep; i++ {
		// i=0 is newest, i=keep-1 is oldest kept.
		if s, ok := b.At(-i); ok {
			newest[i] = Sample{Value: append([]float64(nil), s.Value...), Time: s.Time}
		} else {
			newest[i] = Sample{Value: make([]float64, b.vecLen)}
		}
	}

	grown := make([]Sample, newSize)
	for i := range grown {
		if i < keep {
			grown[i] = newest[keep-1-i] // oldest-to-newest order
		} else {
			grown[i] = Sample{Value: make([]float64, b.vecLen)}
		}
	}

	// Lay samples out so the newest occupies index keep-1 and position
	// points there; everything after is untouched scratch space for future
	// pushes to wrap into.
	b.samples = grown
	b.filled = false
	if b.Empty() {
		b.position = -1
	} else {
		b.position = keep - 1
	}
}
