package slot

import (
	"testing"

	"github.com/libmapper/mapperd/internal/clock"
	"github.com/libmapper/mapperd/internal/oscmsg"
)

func TestReadyRequiresAllThreeBits(t *testing.T) {
	s := New(0, Source, "devA", "out")
	s.Type = oscmsg.TagFloat32
	s.Length = 1
	if s.Ready() {
		t.Fatal("slot should not be ready with no bits set")
	}
	s.TypeKnown, s.LengthKnown = true, true
	if s.Ready() {
		t.Fatal("slot should not be ready without link known")
	}
	s.LinkKnown = true
	if !s.Ready() {
		t.Fatal("slot should be ready once all three bits are set")
	}
}

func TestHistoryForLazyAllocatesAndResizePersists(t *testing.T) {
	s := New(0, Destination, "devB", "in")
	s.Type = oscmsg.TagFloat32
	s.Length = 1
	h := s.HistoryFor(42)
	h.Push([]float64{1}, clock.Now())

	s.SetHistorySize(2)
	h2 := s.HistoryFor(42)
	if h2.Size() != 2 {
		t.Fatalf("Size after resize = %d, want 2", h2.Size())
	}
	cur, ok := h2.Current()
	if !ok || cur.Value[0] != 1 {
		t.Fatalf("resize should preserve the pushed sample, got %+v", cur)
	}
}
