package device

import (
	"testing"
	"time"
)

func TestLocksWhenNoCollisionsAndOnline(t *testing.T) {
	a := NewNameAllocator("tst", 1, 1)
	base := time.Now()
	a.Start(base)
	a.HandleRegistered("tst.1", 999, 0) // sets online, no id match so no collision

	a.Poll(base.Add(collisionWindow + time.Millisecond))
	if !a.Locked() {
		t.Fatal("expected allocator to lock after the collision window with no collisions and online=true")
	}
}

func TestReprobesAfterTwoCollisions(t *testing.T) {
	a := NewNameAllocator("tst", 1, 1)
	base := time.Now()
	a.Start(base)
	startOrdinal := a.Ordinal

	// Two lower-priority probes for the same candidate name count as
	// collisions.
	a.HandleProbe(a.Name(), a.randomID-1, 0)
	a.HandleProbe(a.Name(), a.randomID-2, 0)

	a.Poll(base.Add(collisionWindow + time.Millisecond))
	if a.Locked() {
		t.Fatal("should not lock with >=2 collisions")
	}
	if a.Ordinal == startOrdinal {
		t.Fatal("expected ordinal to change after reprobe")
	}
}

func TestReprobesWhenNeverOnline(t *testing.T) {
	a := NewNameAllocator("tst", 1, 1)
	base := time.Now()
	a.Start(base)
	probeCount := 0
	a.OnProbe = func(name string, r int32) { probeCount++ }

	a.Poll(base.Add(onlineGraceWindow + time.Millisecond))
	if a.Locked() {
		t.Fatal("should not lock if never online")
	}
	if probeCount == 0 {
		t.Fatal("expected a reprobe after the online grace window with no replies")
	}
}

func TestHandleProbeRepliesToHigherPriorityProbe(t *testing.T) {
	a := NewNameAllocator("tst", 1, 1)
	a.Start(time.Now())
	var gotSuggested int32 = -1
	a.OnRegistered = func(name string, r int32, suggested int32) { gotSuggested = suggested }

	a.HandleProbe(a.Name(), a.randomID+1, 0)
	if gotSuggested < 0 {
		t.Fatal("expected a /name/registered reply to a higher-priority probe")
	}
}

func TestThreeDevicesProbingSameNameCollide(t *testing.T) {
	// S1: three devices probing the same prefix all start on ordinal 1, so
	// exchanging probes must record at least one collision.
	devs := []*NameAllocator{
		NewNameAllocator("tst", 3, 10),
		NewNameAllocator("tst", 3, 20),
		NewNameAllocator("tst", 3, 30),
	}
	base := time.Now()
	for _, d := range devs {
		d.Start(base)
	}
	// Exchange probes pairwise, as the bus would deliver them.
	for _, d := range devs {
		for _, other := range devs {
			if d != other {
				d.HandleProbe(other.Name(), other.randomID, 0)
			}
		}
	}
	// All three share candidate name "tst.1" so every cross-probe is a
	// same-id collision; each device recorded collisions from the two
	// others whose random id is lower than its own.
	anyCollision := false
	for _, d := range devs {
		if d.collisionCount > 0 {
			anyCollision = true
		}
	}
	if !anyCollision {
		t.Fatal("expected at least one device to register a collision when three probe the same name")
	}
}

func TestHandleProbeEqualIDAdoptsHint(t *testing.T) {
	a := NewNameAllocator("tst", 1, 1)
	a.Start(time.Now())

	a.HandleProbe(a.Name(), a.randomID, 5)
	if a.Ordinal != 5 {
		t.Fatalf("Ordinal = %d, want adopted hint 5", a.Ordinal)
	}
	if a.Locked() {
		t.Fatal("adopting a hint should reprobe, not lock")
	}
}

func TestHandleProbeEqualIDWithoutHintIsNoOp(t *testing.T) {
	a := NewNameAllocator("tst", 1, 1)
	a.Start(time.Now())
	startOrdinal := a.Ordinal

	a.HandleProbe(a.Name(), a.randomID, 0)
	if a.Ordinal != startOrdinal {
		t.Fatalf("Ordinal = %d, want unchanged %d", a.Ordinal, startOrdinal)
	}
	if a.collisionCount != 0 {
		t.Fatalf("collisionCount = %d, want 0 for a self-echoed probe", a.collisionCount)
	}
}
