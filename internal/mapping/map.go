// Package mapping implements the Map type: the directed transformation
// from 1..N source slots to one destination slot, its status state
// machine, and the negotiation handshake between endpoints
// (spec.md §4.5, §3 Map entity).
package mapping

import (
	"errors"
	"fmt"
	"sort"

	"github.com/libmapper/mapperd/internal/expr"
	"github.com/libmapper/mapperd/internal/slot"
)

// Status is the map's position in the negotiation state machine
// (spec.md §4.5 "Status state machine (bitflags, monotonic union except
// active→expired)").
type Status uint8

const (
	Staged Status = iota
	Ready
	Active
	Expired
)

func (s Status) String() string {
	switch s {
	case Staged:
		return "staged"
	case Ready:
		return "ready"
	case Active:
		return "active"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

// ProcessLocation selects which endpoint evaluates the expression
// (spec.md §3, Invariants 2-3).
type ProcessLocation uint8

const (
	AtSource ProcessLocation = iota
	AtDestination
)

// Mode selects how the expression is derived when none is supplied
// (spec.md §4.5 "Default expressions").
type Mode uint8

const (
	ModeExpression Mode = iota
	ModeLinear
)

// Protocol records a map's @protocol property (udp or tcp). It travels in
// the map's negotiation messages; the device flushes data updates over its
// UDP data sender whatever the value.
type Protocol uint8

const (
	ProtocolUDP Protocol = iota
	ProtocolTCP
)

// ErrLoopDetected is returned by a router-level add when staging a map
// would create a feedback cycle (spec.md §7 "LoopDetected").
var ErrLoopDetected = errors.New("mapping: loop detected")

// Map is a compiled, negotiated transformation from sources to a
// destination (spec.md §3).
type Map struct {
	ID       uint64
	Sources  []*slot.Slot
	Dest     *slot.Slot
	Location ProcessLocation
	Mode     Mode
	Protocol Protocol

	ExprSource string
	Evaluator  *expr.Evaluator
	UserVars   map[uint64][]float64 // per destination-instance user variable storage

	// Scope is the set of device ids whose instances are permitted
	// through this map; an empty set (or the presence of id 0) means "all
	// origins" (spec.md glossary "Scope").
	Scope map[uint64]bool

	Muted bool

	// OnTransition, when set, observes every status change (the owning
	// device points it at the metrics collector's map-transition counter).
	OnTransition func(from, to Status)

	status Status
}

func (m *Map) setStatus(s Status) {
	if s == m.status {
		return
	}
	from := m.status
	m.status = s
	if m.OnTransition != nil {
		m.OnTransition(from, s)
	}
}

// New returns a staged map from sources to dest. Sources must already be
// sorted alphabetically by signal name per the wire schema
// (spec.md §6.1 "/map ... Source list must be alphabetical").
func New(id uint64, sources []*slot.Slot, dest *slot.Slot) *Map {
	sorted := append([]*slot.Slot(nil), sources...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].SignalName < sorted[j].SignalName })
	m := &Map{ID: id, Sources: sorted, Dest: dest, Scope: map[uint64]bool{0: true}, status: Staged}
	m.recomputeLocation()
	return m
}

// recomputeLocation applies Invariant 2 ("if any two sources belong to
// different remote devices the processing location is forced to
// destination") independent of the expression; CompileExpression applies
// Invariant 3 (a y{-k} reference also forces destination) on top of this.
// Remote means relative to the destination: sources on the destination's
// own device do not count toward the two-device threshold.
func (m *Map) recomputeLocation() {
	remoteDevices := map[string]bool{}
	for _, s := range m.Sources {
		if s.DeviceName != m.Dest.DeviceName {
			remoteDevices[s.DeviceName] = true
		}
	}
	if len(remoteDevices) > 1 {
		m.Location = AtDestination
	}
}

// InScope reports whether an update whose id-map origin is originDevice
// is permitted through this map (spec.md §4.5 "Scope").
func (m *Map) InScope(originDevice uint64) bool {
	if m.Scope[0] {
		return true
	}
	return m.Scope[originDevice]
}

// CompileExpression compiles src (or, if src is empty, a generated
// default) against the map's slot signature, installs the resulting
// per-instance history sizes on every slot, and forces the processing
// location to destination when the expression self-references the
// destination's past (Invariant 3).
func (m *Map) CompileExpression(src string, lin []expr.Linearization) error {
	sig := expr.Signature{DstLen: m.Dest.Length}
	for _, s := range m.Sources {
		sig.SrcLens = append(sig.SrcLens, s.Length)
	}

	if src == "" {
		if m.Mode == ModeLinear {
			src = expr.BuildDefault(sig, lin)
		} else {
			src = expr.BuildDefault(sig, nil)
		}
	}

	ev, err := expr.Compile(sig, src)
	if err != nil {
		return fmt.Errorf("mapping: map %d: %w", m.ID, err)
	}

	if ev.OutputHistorySize > 1 {
		m.Location = AtDestination
	}

	m.ExprSource = src
	m.Evaluator = ev
	for i, s := range m.Sources {
		s.SetHistorySize(ev.InputHistorySize[i])
	}
	m.Dest.SetHistorySize(ev.OutputHistorySize)
	return nil
}

// AllSlotsReady reports whether every slot (sources and destination) has
// resolved type, length, and link metadata (spec.md §4.5 "ready (all
// flags set for all slots)").
func (m *Map) AllSlotsReady() bool {
	for _, s := range m.Sources {
		if !s.Ready() {
			return false
		}
	}
	return m.Dest.Ready()
}

// Status returns the map's current negotiation state.
func (m *Map) Status() Status { return m.status }

// AdvanceToReady transitions staged -> ready once every slot reports
// ready; idempotent otherwise.
func (m *Map) AdvanceToReady() bool {
	if m.status == Staged && m.AllSlotsReady() {
		m.setStatus(Ready)
		return true
	}
	return false
}

// Activate transitions ready -> active once the expression has compiled
// (spec.md: "destination ... transitions the map to active when all
// slots report ready, compiles the expression").
func (m *Map) Activate() error {
	if m.status != Ready {
		return fmt.Errorf("mapping: map %d: cannot activate from status %s", m.ID, m.status)
	}
	if m.Evaluator == nil {
		return fmt.Errorf("mapping: map %d: cannot activate without a compiled expression", m.ID)
	}
	m.setStatus(Active)
	return nil
}

// Expire transitions active -> expired on peer timeout (spec.md §7
// "LinkTimeout"). This is the one non-monotonic-union transition the
// status machine allows.
func (m *Map) Expire() { m.setStatus(Expired) }

// UserVarsFor returns (allocating if necessary) the per-destination-
// instance user-variable slice, sized to the compiled expression's
// variable count.
func (m *Map) UserVarsFor(destInstLID uint64) []float64 {
	if m.UserVars == nil {
		m.UserVars = make(map[uint64][]float64)
	}
	v, ok := m.UserVars[destInstLID]
	n := 0
	if m.Evaluator != nil {
		n = m.Evaluator.NumUserVariables
	}
	if !ok || len(v) != n {
		v = make([]float64, n)
		m.UserVars[destInstLID] = v
	}
	return v
}
