// Package idmap implements the device-scoped id-map table that lets peers
// agree on which instance a value belongs to (spec.md §3 Id-Map entity,
// §4.4, Invariants 5-6).
package idmap

import "errors"

// ErrFull reports an exhausted reserve pool. Reserve does not return it:
// it grows the pool by doubling whenever the free list is empty.
var ErrFull = errors.New("idmap: reserve pool exhausted")

// Entry is one (local id, global id) record. LID is chosen by the owning
// process; GID is zero until the instance activates across the network,
// at which point its high 32 bits equal the activating device's id
// (Invariant 5).
type Entry struct {
	LID uint64
	GID uint64

	// LocalRefcount counts local references (active local writers/readers).
	LocalRefcount int
	// RemoteRefcount counts remote references (peers holding a map slot
	// bound to this instance).
	RemoteRefcount int

	// ReleasedLocally / ReleasedRemotely are monotonic once set, per
	// Invariant 6, until the entry is freed.
	ReleasedLocally  bool
	ReleasedRemotely bool

	inUse bool
}

// Active reports whether the entry still has at least one reference
// (Invariant 2/6: present in the active set iff either refcount is positive).
func (e *Entry) Active() bool {
	return e.LocalRefcount > 0 || e.RemoteRefcount > 0
}

// Table is a device-scoped pool of Entry records, indexed by local id, with
// a free-list for reserved-but-unused slots (spec.md §5 "Allocation
// discipline": pooled allocation, initial size = num_instances, grows by
// doubling).
type Table struct {
	byLID map[uint64]*Entry
	free  []*Entry
}

// NewTable returns a Table pre-sized for numInstances entries.
func NewTable(numInstances int) *Table {
	if numInstances < 1 {
		numInstances = 1
	}
	t := &Table{byLID: make(map[uint64]*Entry, numInstances)}
	t.grow(numInstances)
	return t
}

// grow appends n fresh, unused entries to the free list.
func (t *Table) grow(n int) {
	for i := 0; i < n; i++ {
		t.free = append(t.free, &Entry{})
	}
}

// Reserve allocates an entry for lid, growing the free-list by doubling if
// it is empty (spec.md §5). Returns the existing entry if lid is already
// present.
func (t *Table) Reserve(lid uint64) *Entry {
	if e, ok := t.byLID[lid]; ok {
		return e
	}
	if len(t.free) == 0 {
		t.grow(max(1, len(t.byLID)))
	}
	e := t.free[len(t.free)-1]
	t.free = t.free[:len(t.free)-1]
	*e = Entry{LID: lid, inUse: true}
	t.byLID[lid] = e
	return e
}

// Lookup returns the entry for lid, if any.
func (t *Table) Lookup(lid uint64) (*Entry, bool) {
	e, ok := t.byLID[lid]
	return e, ok
}

// LookupGID returns the entry whose global id equals gid, if any. This is
// an O(n) scan; id-map tables are small (bounded by num_instances) so this
// matches the reference implementation's linear approach.
func (t *Table) LookupGID(gid uint64) (*Entry, bool) {
	for _, e := range t.byLID {
		if e.inUse && e.GID == gid {
			return e, true
		}
	}
	return nil, false
}

// Activate assigns gid to the entry for lid, creating it if necessary, and
// increments the local refcount (Invariant 5: GID's high word is the
// activating device's id, set by the caller before calling Activate).
func (t *Table) Activate(lid, gid uint64) *Entry {
	e := t.Reserve(lid)
	e.GID = gid
	e.LocalRefcount++
	return e
}

// ReleaseLocal marks the entry released-locally and decrements the local
// refcount, freeing the entry when both refcounts reach zero
// (Invariant 6).
func (t *Table) ReleaseLocal(lid uint64) {
	e, ok := t.byLID[lid]
	if !ok {
		return
	}
	e.ReleasedLocally = true
	if e.LocalRefcount > 0 {
		e.LocalRefcount--
	}
	t.freeIfDone(e)
}

// ReleaseRemote marks the entry released-remotely and decrements the
// remote refcount, freeing the entry when both refcounts reach zero.
func (t *Table) ReleaseRemote(lid uint64) {
	e, ok := t.byLID[lid]
	if !ok {
		return
	}
	e.ReleasedRemotely = true
	if e.RemoteRefcount > 0 {
		e.RemoteRefcount--
	}
	t.freeIfDone(e)
}

// AddRemoteRef increments the remote refcount for an instance a peer is now
// referencing via a map slot.
func (t *Table) AddRemoteRef(lid uint64) {
	if e, ok := t.byLID[lid]; ok {
		e.RemoteRefcount++
	}
}

// freeIfDone returns e to the free-list once both refcounts are zero.
func (t *Table) freeIfDone(e *Entry) {
	if e.Active() {
		return
	}
	delete(t.byLID, e.LID)
	e.inUse = false
	t.free = append(t.free, e)
}

// Len returns the number of currently allocated (in-use) entries.
func (t *Table) Len() int { return len(t.byLID) }
