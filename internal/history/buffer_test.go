package history

import (
	"testing"

	"github.com/libmapper/mapperd/internal/clock"
)

func push(t *testing.T, b *Buffer, v float64, sec uint32) {
	t.Helper()
	if err := b.Push([]float64{v}, clock.Time{Sec: sec}); err != nil {
		t.Fatalf("Push(%v): %v", v, err)
	}
}

func TestBufferPushAndAt(t *testing.T) {
	b := NewBuffer(Float64, 1, 3)
	if !b.Empty() {
		t.Fatal("new buffer should be empty")
	}
	push(t, b, 1, 1)
	push(t, b, 2, 2)
	push(t, b, 3, 3)

	cur, ok := b.Current()
	if !ok || cur.Value[0] != 3 {
		t.Fatalf("Current = %+v, want 3", cur)
	}
	prev, ok := b.At(-1)
	if !ok || prev.Value[0] != 2 {
		t.Fatalf("At(-1) = %+v, want 2", prev)
	}
	prev2, ok := b.At(-2)
	if !ok || prev2.Value[0] != 1 {
		t.Fatalf("At(-2) = %+v, want 1", prev2)
	}
	if _, ok := b.At(-3); ok {
		t.Fatal("At(-3) should be out of range for size 3")
	}
}

func TestBufferWraps(t *testing.T) {
	b := NewBuffer(Float64, 1, 2)
	push(t, b, 1, 1)
	push(t, b, 2, 2)
	push(t, b, 3, 3) // wraps, overwriting the oldest (1)

	cur, _ := b.Current()
	if cur.Value[0] != 3 {
		t.Fatalf("Current after wrap = %v, want 3", cur.Value[0])
	}
	prev, ok := b.At(-1)
	if !ok || prev.Value[0] != 2 {
		t.Fatalf("At(-1) after wrap = %+v, want 2", prev)
	}
}

func TestBufferLengthMismatch(t *testing.T) {
	b := NewBuffer(Float64, 2, 3)
	if err := b.Push([]float64{1}, clock.Time{}); err == nil {
		t.Fatal("expected length mismatch error")
	}
}

func TestBufferResizeGrowPreservesRecent(t *testing.T) {
	b := NewBuffer(Float64, 1, 2)
	push(t, b, 1, 1)
	push(t, b, 2, 2)

	b.Resize(4)
	if b.Size() != 4 {
		t.Fatalf("Size after grow = %d, want 4", b.Size())
	}
	cur, ok := b.Current()
	if !ok || cur.Value[0] != 2 {
		t.Fatalf("Current after grow = %+v, want 2", cur)
	}
	prev, ok := b.At(-1)
	if !ok || prev.Value[0] != 1 {
		t.Fatalf("At(-1) after grow = %+v, want 1", prev)
	}

	push(t, b, 3, 3)
	cur, _ = b.Current()
	if cur.Value[0] != 3 {
		t.Fatalf("Current after push post-grow = %v, want 3", cur.Value[0])
	}
}

func TestBufferResizeShrinkKeepsNewest(t *testing.T) {
	b := NewBuffer(Float64, 1, 4)
	push(t, b, 1, 1)
	push(t, b, 2, 2)
	push(t, b, 3, 3)

	b.Resize(2)
	if b.Size() != 2 {
		t.Fatalf("Size after shrink = %d, want 2", b.Size())
	}
	cur, ok := b.Current()
	if !ok || cur.Value[0] != 3 {
		t.Fatalf("Current after shrink = %+v, want 3", cur)
	}
	prev, ok := b.At(-1)
	if !ok || prev.Value[0] != 2 {
		t.Fatalf("At(-1) after shrink = %+v, want 2", prev)
	}
}
