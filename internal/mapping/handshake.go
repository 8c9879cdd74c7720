package mapping

import "github.com/google/uuid"

// Message path names for the map negotiation handshake (spec.md §4.1,
// §4.5 "Negotiation handshake", §6.1).
const (
	PathMap       = "/map"
	PathMapTo     = "/mapTo"
	PathMapped    = "/mapped"
	PathMapModify = "/map/modify"
	PathUnmap     = "/unmap"
	PathUnmapped  = "/unmapped"
)

// HandshakeState tracks, per source slot, which negotiation step has
// completed (spec.md §4.5 steps 1-4). It is owned by the destination
// endpoint, which drives the handshake to completion.
type HandshakeState struct {
	// CorrelationID ties together the /map -> /mapTo -> /mapped log lines
	// for one negotiation round in the daemon's debug log; it never goes
	// on the wire, since the wire schema (spec.md §6.1) identifies a map
	// by its @id, not by this token.
	CorrelationID string

	// MapToSent / MappedRecv record per-source-slot progress; index
	// matches the Sources slice on the owning Map.
	MapToSent  []bool
	MappedRecv []bool
}

// NewHandshakeState returns a handshake tracker sized for m's source
// count.
func NewHandshakeState(m *Map) *HandshakeState {
	return &HandshakeState{
		CorrelationID: uuid.NewString(),
		MapToSent:     make([]bool, len(m.Sources)),
		MappedRecv:    make([]bool, len(m.Sources)),
	}
}

// RecordMapToSent marks that /mapTo has been sent to source i, once its
// admin address is known (spec.md step 2).
func (h *HandshakeState) RecordMapToSent(i int) {
	if i >= 0 && i < len(h.MapToSent) {
		h.MapToSent[i] = true
	}
}

// RecordMapped marks that source i has replied with /mapped (spec.md
// step 3).
func (h *HandshakeState) RecordMapped(i int) {
	if i >= 0 && i < len(h.MappedRecv) {
		h.MappedRecv[i] = true
	}
}

// AllMapped reports whether every source has completed the handshake, the
// precondition for the destination to transition the map to active and
// broadcast /mapped to its own subscribers (spec.md step 4).
func (h *HandshakeState) AllMapped() bool {
	for _, ok := range h.MappedRecv {
		if !ok {
			return false
		}
	}
	return true
}
