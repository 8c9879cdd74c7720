package idmap

import "testing"

func TestActivateAndRelease(t *testing.T) {
	tbl := NewTable(2)
	e := tbl.Activate(42, 0xAABB000000000001)
	if e.GID == 0 {
		t.Fatal("expected nonzero GID after activate")
	}
	if !e.Active() {
		t.Fatal("entry should be active after activate")
	}

	tbl.AddRemoteRef(42)
	if got, ok := tbl.Lookup(42); !ok || got.RemoteRefcount != 1 {
		t.Fatalf("remote refcount = %+v", got)
	}

	tbl.ReleaseLocal(42)
	if _, ok := tbl.Lookup(42); !ok {
		t.Fatal("entry should still exist: remote refcount still positive")
	}

	tbl.ReleaseRemote(42)
	if _, ok := tbl.Lookup(42); ok {
		t.Fatal("entry should be freed once both refcounts reach zero")
	}
}

func TestReservedEntriesAreDistinct(t *testing.T) {
	tbl := NewTable(1)
	a := tbl.Reserve(1)
	b := tbl.Reserve(2)
	if a == b {
		t.Fatal("expected distinct entries for distinct lids")
	}
	if same := tbl.Reserve(1); same != a {
		t.Fatal("Reserve on existing lid should return the same entry")
	}
}

func TestLookupGID(t *testing.T) {
	tbl := NewTable(2)
	tbl.Activate(1, 100)
	tbl.Activate(2, 200)

	e, ok := tbl.LookupGID(200)
	if !ok || e.LID != 2 {
		t.Fatalf("LookupGID(200) = %+v, ok=%v", e, ok)
	}
	if _, ok := tbl.LookupGID(999); ok {
		t.Fatal("LookupGID for unknown gid should fail")
	}
}

func TestGrowsPastInitialSize(t *testing.T) {
	tbl := NewTable(1)
	for i := uint64(0); i < 10; i++ {
		tbl.Activate(i, i+1)
	}
	if tbl.Len() != 10 {
		t.Fatalf("Len = %d, want 10", tbl.Len())
	}
}

func TestMonotonicReleaseFlags(t *testing.T) {
	tbl := NewTable(1)
	tbl.Activate(5, 500)
	tbl.AddRemoteRef(5)
	tbl.ReleaseLocal(5)
	e, _ := tbl.Lookup(5)
	if !e.ReleasedLocally {
		t.Fatal("expected ReleasedLocally true")
	}
	// Releasing locally again should not un-set the flag or double count.
	tbl.ReleaseLocal(5)
	e, ok := tbl.Lookup(5)
	if !ok || !e.ReleasedLocally {
		t.Fatal("ReleasedLocally should remain monotonic true")
	}
}
