// Package router implements the per-device dispatch table from local
// signals to the map slots that reference them, the outbound/inbound
// value pipeline, and map-graph loop detection (spec.md §4.7).
package router

import (
	"fmt"

	"github.com/libmapper/mapperd/internal/boundary"
	"github.com/libmapper/mapperd/internal/clock"
	"github.com/libmapper/mapperd/internal/expr"
	"github.com/libmapper/mapperd/internal/mapping"
	"github.com/libmapper/mapperd/internal/signal"
	"github.com/libmapper/mapperd/internal/slot"
)

// OutMessage is one value update the router has produced for
// transmission, destined for a map's link bundle (spec.md §4.7 "build an
// OSC message ... add to the map's link's bundle"). The network layer
// consumes these; router itself does not know about links or bundles.
type OutMessage struct {
	Map        *mapping.Map
	DestSlotID int // meaningful only when the destination is processed
	LID        uint64
	Values     []float64
	Release    bool
}

// routerSignal pairs one local signal with the set of map slots that
// reference it, split by direction (spec.md §4.7 "router-signal
// records").
type routerSignal struct {
	sig      *signal.Signal
	outgoing []*mapping.Map // maps whose source is this signal
	incoming []*mapping.Map // maps whose destination is this signal
}

// Router is the per-device dispatch table.
type Router struct {
	deviceName string
	signals    map[string]*routerSignal
}

// New returns an empty router for a device named deviceName.
func New(deviceName string) *Router {
	return &Router{deviceName: deviceName, signals: make(map[string]*routerSignal)}
}

// Register associates a local signal with the router so maps can
// reference it.
func (r *Router) Register(sig *signal.Signal) {
	if _, ok := r.signals[sig.Name]; !ok {
		r.signals[sig.Name] = &routerSignal{sig: sig}
	}
}

// AddMap wires m into the router-signal graph, refusing to add it if
// doing so would create a feedback cycle (spec.md §4.7 "Loop protection").
func (r *Router) AddMap(m *mapping.Map) error {
	if r.wouldLoop(m) {
		return fmt.Errorf("router: %w: map %d would create a cycle back to %s",
			mapping.ErrLoopDetected, m.ID, m.Dest.SignalName)
	}
	destRS := r.entry(m.Dest.SignalName)
	destRS.incoming = append(destRS.incoming, m)
	for _, s := range m.Sources {
		if s.DeviceName != r.deviceName {
			continue
		}
		srcRS := r.entry(s.SignalName)
		srcRS.outgoing = append(srcRS.outgoing, m)
	}
	return nil
}

// RemoveMap unwires m from every router-signal it touched (its local
// destination and any local source), the mirror image of AddMap, used on
// /unmap, /unmapped, and link-timeout teardown (spec.md §4.5 step 5,
// §4.8 "remove the link and all maps that depend on it").
func (r *Router) RemoveMap(m *mapping.Map) {
	if rs, ok := r.signals[m.Dest.SignalName]; ok {
		rs.incoming = removeMapFromSlice(rs.incoming, m)
	}
	for _, s := range m.Sources {
		if s.DeviceName != r.deviceName {
			continue
		}
		if rs, ok := r.signals[s.SignalName]; ok {
			rs.outgoing = removeMapFromSlice(rs.outgoing, m)
		}
	}
}

func removeMapFromSlice(maps []*mapping.Map, target *mapping.Map) []*mapping.Map {
	out := maps[:0]
	for _, m := range maps {
		if m != target {
			out = append(out, m)
		}
	}
	return out
}

func (r *Router) entry(name string) *routerSignal {
	rs, ok := r.signals[name]
	if !ok {
		rs = &routerSignal{}
		r.signals[name] = rs
	}
	return rs
}

// wouldLoop runs a DFS from m's destination signal over existing outgoing
// edges to see whether it can reach any of m's own source signals
// (spec.md: "refuse if any source signal is already the destination of a
// chain that reaches back to this destination signal").
func (r *Router) wouldLoop(m *mapping.Map) bool {
	srcNames := make(map[string]bool, len(m.Sources))
	for _, s := range m.Sources {
		srcNames[s.SignalName] = true
	}
	visited := map[string]bool{}
	var dfs func(name string) bool
	dfs = func(name string) bool {
		if srcNames[name] {
			return true
		}
		if visited[name] {
			return false
		}
		visited[name] = true
		rs, ok := r.signals[name]
		if !ok {
			return false
		}
		for _, out := range rs.outgoing {
			if dfs(out.Dest.SignalName) {
				return true
			}
		}
		return false
	}
	return dfs(m.Dest.SignalName)
}

// ProcessOutbound implements process_sig: for every active, unmuted,
// in-scope outgoing map on sig, appends to history, evaluates at the
// source when process_location == source, applies the boundary action,
// and returns the resulting messages (spec.md §4.7 "Outbound path").
func (r *Router) ProcessOutbound(sig *signal.Signal, in *signal.Instance, originDevice uint64, t clock.Time) []OutMessage {
	rs, ok := r.signals[sig.Name]
	if !ok {
		return nil
	}
	var out []OutMessage
	for _, m := range rs.outgoing {
		if m.Status() != mapping.Active || m.Muted {
			continue
		}
		if !m.InScope(originDevice) && !in.ReleasedLocally {
			continue
		}
		srcSlot := findSourceSlot(m, sig.Name)
		if srcSlot == nil {
			continue
		}
		srcSlot.HistoryFor(in.LocalID).Push(in.Value, t)

		if in.ReleasedLocally {
			out = append(out, OutMessage{Map: m, DestSlotID: m.Dest.ID, LID: in.LocalID, Release: true})
			continue
		}

		if m.Location != mapping.AtSource {
			// Destination-processed maps evaluate on arrival, not here;
			// still forward the raw value keyed by the destination slot.
			out = append(out, OutMessage{Map: m, DestSlotID: m.Dest.ID, LID: in.LocalID, Values: append([]float64(nil), in.Value...)})
			continue
		}

		msg, ok := evaluate(m, in.LocalID)
		if !ok {
			continue
		}
		out = append(out, msg)
	}
	return out
}

func findSourceSlot(m *mapping.Map, sigName string) *slot.Slot {
	for _, s := range m.Sources {
		if s.SignalName == sigName {
			return s
		}
	}
	return nil
}

// evaluate runs m's compiled expression for destination instance lid,
// reading every source slot's history for that instance, and applies the
// destination's boundary action to the result.
func evaluate(m *mapping.Map, lid uint64) (OutMessage, bool) {
	if m.Evaluator == nil {
		return OutMessage{}, false
	}
	readers := make([]expr.SourceReader, len(m.Sources))
	for i, s := range m.Sources {
		h := s.HistoryFor(lid)
		readers[i] = func(elemIdx, histOff int) (float64, bool) {
			sample, ok := h.At(histOff)
			if !ok || elemIdx >= len(sample.Value) {
				return 0, false
			}
			return sample.Value[elemIdx], true
		}
	}
	dstHist := m.Dest.HistoryFor(lid)
	dstReader := func(elemIdx, histOff int) (float64, bool) {
		sample, ok := dstHist.At(histOff)
		if !ok || elemIdx >= len(sample.Value) {
			return 0, false
		}
		return sample.Value[elemIdx], true
	}

	vars := m.UserVarsFor(lid)
	vals, res := m.Evaluator.Eval(readers, dstReader, vars)
	if res&expr.Update == 0 {
		return OutMessage{}, false
	}
	out, suppressed := boundary.ApplyVector(m.Dest.Range, vals)
	if suppressed {
		return OutMessage{}, false
	}
	return OutMessage{Map: m, DestSlotID: m.Dest.ID, LID: lid, Values: out}, true
}

// ProcessInbound implements the destination-side pipeline: appends each
// sample to srcSlot's per-instance history, and, when
// process_location == destination, evaluates and applies the boundary
// action once per sample. A payload with count > 1 is replayed one
// sample at a time, in order (spec.md §4.7 "Inbound path").
func (r *Router) ProcessInbound(m *mapping.Map, srcSlot *slot.Slot, lid uint64, samples [][]float64, t clock.Time) []OutMessage {
	var out []OutMessage
	hist := srcSlot.HistoryFor(lid)
	for _, sample := range samples {
		hist.Push(sample, t)
		if m.Location != mapping.AtDestination {
			continue
		}
		msg, ok := evaluate(m, lid)
		if !ok {
			continue
		}
		out = append(out, msg)
	}
	return out
}
