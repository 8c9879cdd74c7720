// Package slot implements one endpoint of a map: a reference to a signal
// plus, when local, the per-instance value history and bound-min/max
// metadata (spec.md §3 Slot entity, §4.5 "Instance dimension").
package slot

import (
	"github.com/libmapper/mapperd/internal/boundary"
	"github.com/libmapper/mapperd/internal/history"
	"github.com/libmapper/mapperd/internal/oscmsg"
)

// Role distinguishes a source slot from a destination slot.
type Role uint8

const (
	Source Role = iota
	Destination
)

// Slot is one map endpoint (spec.md §3).
type Slot struct {
	ID   int
	Role Role

	DeviceName, SignalName string
	Type                   oscmsg.Tag
	Length                 int

	CausesUpdate bool
	UseAsInst    bool
	Calibrating  bool

	Range boundary.Range

	// TypeKnown / LengthKnown / LinkKnown track the per-slot bits of the
	// map status state machine (spec.md §4.5 "Status state machine").
	TypeKnown, LengthKnown, LinkKnown bool

	// histories holds one circular buffer per local instance index,
	// allocated on first use by HistoryFor for local and remote slots alike.
	histories map[uint64]*history.Buffer
	histSize  int
}

// New returns a slot referencing devName/sigName.
func New(id int, role Role, devName, sigName string) *Slot {
	return &Slot{ID: id, Role: role, DeviceName: devName, SignalName: sigName, histSize: 1}
}

// Ready reports whether every metadata bit required before the slot can
// join an active map has been resolved.
func (s *Slot) Ready() bool {
	return s.TypeKnown && s.LengthKnown && s.LinkKnown
}

// SetHistorySize sets the per-instance history depth this slot must
// maintain (Invariant 4: "equals the maximum past-index referenced by the
// expression plus one"), resizing any already-allocated per-instance
// buffers in place (wiring Open Question #1's combiner reallocation).
func (s *Slot) SetHistorySize(n int) {
	if n < 1 {
		n = 1
	}
	s.histSize = n
	for _, h := range s.histories {
		h.Resize(n)
	}
}

// HistoryFor returns (creating if necessary) the value history for local
// instance lid.
func (s *Slot) HistoryFor(lid uint64) *history.Buffer {
	if s.histories == nil {
		s.histories = make(map[uint64]*history.Buffer)
	}
	h, ok := s.histories[lid]
	if !ok {
		typ := history.Float64
		switch s.Type {
		case oscmsg.TagInt32:
			typ = history.Int32
		case oscmsg.TagFloat32:
			typ = history.Float32
		}
		h = history.NewBuffer(typ, s.Length, s.histSize)
		s.histories[lid] = h
	}
	return h
}

// DropHistory releases the history for an instance that has been freed.
func (s *Slot) DropHistory(lid uint64) {
	delete(s.histories, lid)
}
