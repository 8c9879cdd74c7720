package mapping

import (
	"testing"

	"github.com/libmapper/mapperd/internal/oscmsg"
	"github.com/libmapper/mapperd/internal/slot"
)

func readySlot(name, dev string) *slot.Slot {
	s := slot.New(0, slot.Source, dev, name)
	s.Type = oscmsg.TagFloat32
	s.Length = 1
	s.TypeKnown, s.LengthKnown, s.LinkKnown = true, true, true
	return s
}

func TestMultiDeviceSourcesForceDestinationProcessing(t *testing.T) {
	src1 := readySlot("a", "devA")
	src2 := readySlot("b", "devB")
	dst := readySlot("s", "devC")
	m := New(1, []*slot.Slot{src1, src2}, dst)
	if m.Location != AtDestination {
		t.Fatal("sources from different remote devices should force destination processing")
	}
}

func TestSourcesSortedAlphabetically(t *testing.T) {
	b := readySlot("b", "devA")
	a := readySlot("a", "devA")
	m := New(1, []*slot.Slot{b, a}, readySlot("s", "devB"))
	if m.Sources[0].SignalName != "a" || m.Sources[1].SignalName != "b" {
		t.Fatalf("sources not sorted: %+v", m.Sources)
	}
}

func TestIIRExpressionForcesDestinationAndActivates(t *testing.T) {
	src := readySlot("x", "devA")
	dst := readySlot("y", "devB")
	m := New(1, []*slot.Slot{src}, dst)
	if err := m.CompileExpression("y=y{-1}*0.9+x*0.1", nil); err != nil {
		t.Fatalf("compile: %v", err)
	}
	if m.Location != AtDestination {
		t.Fatal("y{-1} reference should force destination processing")
	}
	if dst.Ready() && src.Ready() {
		if !m.AdvanceToReady() {
			t.Fatal("expected transition to ready")
		}
	}
	if err := m.Activate(); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if m.Status() != Active {
		t.Fatalf("status = %v, want active", m.Status())
	}
}

func TestActivateFailsWithoutCompiledExpression(t *testing.T) {
	src := readySlot("x", "devA")
	dst := readySlot("y", "devB")
	m := New(1, []*slot.Slot{src}, dst)
	m.AdvanceToReady()
	if err := m.Activate(); err == nil {
		t.Fatal("expected activation to fail without a compiled expression")
	}
}

func TestScopeDefaultsToAllOrigins(t *testing.T) {
	m := New(1, []*slot.Slot{readySlot("x", "devA")}, readySlot("y", "devB"))
	if !m.InScope(12345) {
		t.Fatal("default scope should admit any origin")
	}
}

func TestScopeRestriction(t *testing.T) {
	m := New(1, []*slot.Slot{readySlot("x", "devA")}, readySlot("y", "devB"))
	m.Scope = map[uint64]bool{42: true}
	if m.InScope(99) {
		t.Fatal("scope should reject an origin not in the set")
	}
	if !m.InScope(42) {
		t.Fatal("scope should admit a listed origin")
	}
}

func TestHandshakeCompletion(t *testing.T) {
	src1 := readySlot("a", "devA")
	src2 := readySlot("b", "devB")
	m := New(1, []*slot.Slot{src1, src2}, readySlot("s", "devC"))
	h := NewHandshakeState(m)
	if h.CorrelationID == "" {
		t.Fatal("NewHandshakeState should stamp a non-empty correlation id")
	}
	if h.AllMapped() {
		t.Fatal("should not be complete before any /mapped received")
	}
	h.RecordMapToSent(0)
	h.RecordMapped(0)
	if h.AllMapped() {
		t.Fatal("should not be complete with only one of two sources mapped")
	}
	h.RecordMapped(1)
	if !h.AllMapped() {
		t.Fatal("should be complete once both sources report mapped")
	}
}

func TestStatusTransitionsNotifyHook(t *testing.T) {
	src := readySlot("x", "devA")
	dst := readySlot("y", "devB")
	m := New(1, []*slot.Slot{src}, dst)

	var seen [][2]Status
	m.OnTransition = func(from, to Status) { seen = append(seen, [2]Status{from, to}) }

	if err := m.CompileExpression("y=x", nil); err != nil {
		t.Fatalf("compile: %v", err)
	}
	m.AdvanceToReady()
	if err := m.Activate(); err != nil {
		t.Fatalf("activate: %v", err)
	}
	m.Expire()

	want := [][2]Status{{Staged, Ready}, {Ready, Active}, {Active, Expired}}
	if len(seen) != len(want) {
		t.Fatalf("transitions = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("transition %d = %v, want %v", i, seen[i], want[i])
		}
	}
}
