package signal

import (
	"testing"
	"time"

	"github.com/libmapper/mapperd/internal/clock"
	"github.com/libmapper/mapperd/internal/oscmsg"
)

func TestSetValuePartialThenFull(t *testing.T) {
	s := New("out", Output, oscmsg.TagFloat32, 2, 1)
	if err := s.SetValue(1, oscmsg.TagFloat32, []float64{5}, time.Now(), clock.Now()); err != nil {
		t.Fatalf("SetValue partial: %v", err)
	}
	in, ok := s.InstanceByLocalID(1)
	if !ok || in.FullyValued() {
		t.Fatal("instance should exist but not be fully valued yet")
	}
	if err := s.SetValue(1, oscmsg.TagFloat32, []float64{5, 10}, time.Now(), clock.Now()); err != nil {
		t.Fatalf("SetValue full: %v", err)
	}
	if !in.FullyValued() {
		t.Fatal("instance should be fully valued")
	}
}

func TestSetValueRejectsLengthAndType(t *testing.T) {
	s := New("out", Output, oscmsg.TagFloat32, 1, 1)
	if err := s.SetValue(1, oscmsg.TagFloat32, []float64{1, 2}, time.Now(), clock.Now()); err == nil {
		t.Fatal("expected length error")
	}
	if err := s.SetValue(1, oscmsg.TagInt32, []float64{1}, time.Now(), clock.Now()); err == nil {
		t.Fatal("expected type mismatch error")
	}
}

func TestStealOldestWhenFull(t *testing.T) {
	s := New("p", Input, oscmsg.TagFloat32, 1, 1)
	s.Steal = StealOldest
	base := time.Now()
	if err := s.SetValue(1, oscmsg.TagFloat32, []float64{1}, base, clock.FromDuration(base.Sub(base))); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	// Table has only one slot; a second distinct local id must steal it.
	in, err := s.Reserve(2, base.Add(time.Second))
	if err != nil {
		t.Fatalf("steal: %v", err)
	}
	if in.LocalID != 2 {
		t.Fatalf("expected stolen instance to carry new local id, got %d", in.LocalID)
	}
}

func TestReserveFailsWithoutStealPolicy(t *testing.T) {
	s := New("p", Input, oscmsg.TagFloat32, 1, 1)
	if _, err := s.Reserve(1, time.Now()); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	if _, err := s.Reserve(2, time.Now()); err == nil {
		t.Fatal("expected reservation failure with StealNone and a full table")
	}
}

func TestUpdateHandlerFires(t *testing.T) {
	s := New("out", Output, oscmsg.TagFloat32, 1, 1)
	called := false
	s.UpdateHandler = func(in *Instance) { called = true }
	if err := s.SetValue(1, oscmsg.TagFloat32, []float64{1}, time.Now(), clock.Now()); err != nil {
		t.Fatalf("SetValue: %v", err)
	}
	if !called {
		t.Fatal("expected UpdateHandler to fire")
	}
}

func TestReleaseRequiresBothSides(t *testing.T) {
	s := New("p", Input, oscmsg.TagFloat32, 1, 2)
	s.Reserve(1, time.Now())
	s.Release(1, clock.Now())
	in, _ := s.InstanceByLocalID(1)
	if !in.Active {
		t.Fatal("instance should remain active until remote side also releases")
	}
	s.ReleaseRemote(1)
	if in.Active {
		t.Fatal("instance should become inactive once both sides released")
	}
}
