// Package proptable implements the synced/staged property table shared by
// every graph object kind (device, signal, map, link — spec.md §4.9, §9
// "Polymorphism over object kinds").
package proptable

import (
	"errors"
	"fmt"
	"strings"

	"github.com/libmapper/mapperd/internal/oscmsg"
)

// Flag is a bitmask controlling who may modify a property and how it is
// surfaced on the wire.
type Flag uint8

const (
	// NonModifiable rejects every set(), local or remote.
	NonModifiable Flag = 1 << iota
	// LocalModify permits owning-process writes.
	LocalModify
	// RemoteModify permits a peer's /map/modify-style request to change
	// the record; Set commits such a change directly, without staging it.
	RemoteModify
	// LocalAccessOnly excludes the record from add_to_msg serialization.
	LocalAccessOnly
	// Indirect marks a record whose value mirrors another in-memory field
	// rather than owning its storage (the record is still a plain value in
	// this Go port: there is no live pointer to fix up).
	Indirect
	// MutableLength allows set() to change the record's vector length.
	MutableLength
	// MutableType allows set() to change the record's declared type
	// without going through Coerce.
	MutableType
)

// ErrNotModifiable is returned by Set when the record's flags forbid the
// requested modification.
var ErrNotModifiable = errors.New("proptable: property is not modifiable")

// Record is one (key, type, length, value, flags) entry (spec.md §4.9).
type Record struct {
	Key    string
	Type   oscmsg.Tag
	Values []oscmsg.Atom
	Flags  Flag

	// removed marks a set-valued entry removed via "-@key"; it is kept in
	// place (rather than deleted) so the insertion-ordered scan used by
	// add_to_msg stays stable across repeated add/remove cycles.
	removed bool
}

func (r *Record) modifiableBy(remote bool) bool {
	if r.Flags&NonModifiable != 0 {
		return false
	}
	if remote {
		return r.Flags&RemoteModify != 0
	}
	return r.Flags&LocalModify != 0
}

// Table is the property store for one graph object (spec.md §4.9). Synced
// is the committed local view. No method of Table writes Staged: Set
// commits a permitted remote write into the synced record directly.
type Table struct {
	Synced []*Record
	Staged []*Record

	byKey   map[string]*Record
	version uint64
	dirty   bool
}

// New returns an empty property table.
func New() *Table {
	return &Table{byKey: make(map[string]*Record)}
}

// Version returns the object's property version counter, bumped on every
// committed change (spec.md §4.9, §4.4 "mutations propagate via device
// version bump").
func (t *Table) Version() uint64 { return t.version }

// Dirty reports whether any record has changed since the last call to
// ClearDirty.
func (t *Table) Dirty() bool { return t.dirty }

// ClearDirty resets the dirty flag, typically after a poll cycle has
// flushed pending notifications.
func (t *Table) ClearDirty() { t.dirty = false }

// Declare registers a new record with the given initial value and flags,
// or returns the existing record for key if already present.
func (t *Table) Declare(key string, typ oscmsg.Tag, values []oscmsg.Atom, flags Flag) *Record {
	if r, ok := t.byKey[key]; ok {
		return r
	}
	r := &Record{Key: key, Type: typ, Values: append([]oscmsg.Atom(nil), values...), Flags: flags}
	t.byKey[key] = r
	t.Synced = append(t.Synced, r)
	return r
}

// GetByKey returns the record for key through an O(1) map lookup in place
// of the reference implementation's linear insertion-order scan; the
// insertion order itself is kept in Synced.
func (t *Table) GetByKey(key string) (*Record, bool) {
	r, ok := t.byKey[key]
	if !ok || r.removed {
		return nil, false
	}
	return r, true
}

// Set applies a coerced value to an existing or newly declared record,
// rejecting the write if the record (or the caller's access level) forbids
// it. A value equal to the current one does not bump the version or mark
// the table dirty (spec.md §4.9: "compare to current ... on change").
func (t *Table) Set(key string, typ oscmsg.Tag, values []oscmsg.Atom, remote bool) error {
	r, existed := t.byKey[key]
	if existed && !r.modifiableBy(remote) {
		return fmt.Errorf("%w: %s", ErrNotModifiable, key)
	}

	coerced := values
	if existed && r.Flags&MutableType == 0 {
		coerced = make([]oscmsg.Atom, len(values))
		for i, v := range values {
			c, err := oscmsg.Coerce(r.Type, v)
			if err != nil {
				return err
			}
			coerced[i] = c
		}
	}
	if existed && r.Flags&MutableLength == 0 && len(coerced) != len(r.Values) {
		return fmt.Errorf("proptable: length mismatch for %s: got %d want %d", key, len(coerced), len(r.Values))
	}

	if !existed {
		r = t.Declare(key, typ, coerced, LocalModify|RemoteModify)
	}

	if atomsEqual(r.Values, coerced) && existed {
		return nil
	}
	r.Values = coerced
	r.removed = false
	t.version++
	t.dirty = true
	return nil
}

// Remove marks a set-valued property removed ("-@key" on the wire).
func (t *Table) Remove(key string) {
	if r, ok := t.byKey[key]; ok && !r.removed {
		r.removed = true
		t.version++
		t.dirty = true
	}
}

func atomsEqual(a, b []oscmsg.Atom) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// SetFromAtom applies one parsed message atom to the table, dispatching on
// its key's add/remove prefix (spec.md §6.1 "leading +@ means add to
// set-valued prop; -@ means remove") and honoring slot-scoping bits, which
// are passed through as part of the key itself (e.g. "src.0@min").
func (t *Table) SetFromAtom(rawKey string, typ oscmsg.Tag, values []oscmsg.Atom, remote bool) error {
	switch {
	case strings.HasPrefix(rawKey, "-@"):
		t.Remove(strings.TrimPrefix(rawKey, "-@"))
		return nil
	case strings.HasPrefix(rawKey, "+@"):
		key := strings.TrimPrefix(rawKey, "+@")
		return t.appendToSet(key, typ, values, remote)
	case strings.HasPrefix(rawKey, "@"):
		return t.Set(strings.TrimPrefix(rawKey, "@"), typ, values, remote)
	default:
		return t.Set(rawKey, typ, values, remote)
	}
}

func (t *Table) appendToSet(key string, typ oscmsg.Tag, values []oscmsg.Atom, remote bool) error {
	r, existed := t.byKey[key]
	if existed && !r.modifiableBy(remote) {
		return fmt.Errorf("%w: %s", ErrNotModifiable, key)
	}
	if !existed {
		return t.Set(key, typ, values, remote)
	}
	r.Values = append(r.Values, values...)
	r.removed = false
	t.version++
	t.dirty = true
	return nil
}

// AddToMsg serializes every non-access-restricted record as
// (@key, type-coerced-values...) pairs, in insertion order, skipping
// records flagged LocalAccessOnly or marked removed (spec.md §4.9).
func (t *Table) AddToMsg() []oscmsg.Atom {
	var out []oscmsg.Atom
	for _, r := range t.Synced {
		if r.removed || r.Flags&LocalAccessOnly != 0 {
			continue
		}
		out = append(out, oscmsg.Atom{Tag: oscmsg.TagString, String: "@" + r.Key})
		out = append(out, r.Values...)
	}
	return out
}
