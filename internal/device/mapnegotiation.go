package device

import (
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/libmapper/mapperd/internal/boundary"
	"github.com/libmapper/mapperd/internal/clock"
	"github.com/libmapper/mapperd/internal/expr"
	"github.com/libmapper/mapperd/internal/graph"
	"github.com/libmapper/mapperd/internal/link"
	"github.com/libmapper/mapperd/internal/mapping"
	"github.com/libmapper/mapperd/internal/network"
	"github.com/libmapper/mapperd/internal/oscmsg"
	"github.com/libmapper/mapperd/internal/router"
	"github.com/libmapper/mapperd/internal/signal"
	"github.com/libmapper/mapperd/internal/slot"
)

// This file drives every type declared in internal/mapping, internal/link,
// and internal/router from live network traffic and the device's
// housekeeping tick: the map negotiation handshake (spec.md §4.5), the
// per-link ping/clock-sync exchange and two-stage expiry (spec.md §4.8),
// and the outbound/inbound signal-value pipeline (spec.md §4.7). Wire
// identifiers are plain "<device>/<signal>" strings end to end; both a
// map's id (deriveMapID) and a link's id (linkID) are crc32 hashes of
// those names computed independently by each endpoint, the same way
// device and signal ids never travel on the wire (Invariant 1) — so
// /mapped, /unmap, and /unmapped never need to carry a numeric id.
const (
	syncInterval     = 5 * time.Second
	pingBaseInterval = 1 * time.Second
	pingJitterSpan   = 250 * time.Millisecond
)

// deriveMapID hashes a map's canonical identity (its sorted source names
// and its destination name) the same way device.ID hashes a device name,
// so both endpoints of a handshake agree on an id without exchanging one.
func deriveMapID(destFull string, srcFulls []string) uint64 {
	sorted := append([]string(nil), srcFulls...)
	sort.Strings(sorted)
	return ID(strings.Join(sorted, ",") + "->" + destFull)
}

func linkID(a, b string) uint64 {
	if a > b {
		a, b = b, a
	}
	return ID(a + "<->" + b)
}

func lookupLocalSignalByName(d *Device, name string) (*signal.Signal, uint64, bool) {
	for id, sig := range d.LocalSignals {
		if sig.Name == name {
			return sig, id, true
		}
	}
	return nil, 0, false
}

// ---------------------------------------------------------------------
// /map, /mapTo wire schema and handlers (spec.md §4.5 steps 1-4)
// ---------------------------------------------------------------------

type srcSpec struct {
	full     string
	typ      oscmsg.Tag
	length   int
	min, max []float64
}

type mapSpec struct {
	destFull         string
	destType         oscmsg.Tag
	destLength       int
	destMin, destMax []float64
	boundMin         boundary.Action
	boundMax         boundary.Action
	srcs             []srcSpec
	exprSrc          string
	mode             mapping.Mode
	protocol         mapping.Protocol
}

// parseMapSpecArgs decodes the shared /map and /mapTo payload: a
// @dest name/type/length triple, one or more @src name/type/length
// triples, optional @expression/@mode/@protocol properties, and the
// slot-scoped range properties "@src.<k>@min"/"@src.<k>@max" and
// "@dst@min"/"@dst@max"/"@dst@boundMin"/"@dst@boundMax"
// (spec.md §6.1 "Slot-scoped properties").
func parseMapSpecArgs(msg network.Message) (mapSpec, bool) {
	var spec mapSpec
	args := msg.Args
	for i := 0; i < len(args); i++ {
		a := args[i]
		if a.Tag != oscmsg.TagString {
			continue
		}
		switch a.String {
		case "@dest":
			if i+3 >= len(args) {
				return mapSpec{}, false
			}
			spec.destFull = args[i+1].String
			spec.destType = oscmsg.Tag(byte(args[i+2].Num))
			spec.destLength = int(args[i+3].Int32())
			i += 3
		case "@src":
			if i+3 >= len(args) {
				return mapSpec{}, false
			}
			spec.srcs = append(spec.srcs, srcSpec{
				full:   args[i+1].String,
				typ:    oscmsg.Tag(byte(args[i+2].Num)),
				length: int(args[i+3].Int32()),
			})
			i += 3
		case "@expression":
			if i+1 >= len(args) {
				return mapSpec{}, false
			}
			spec.exprSrc = args[i+1].String
			i++
		case "@mode":
			if i+1 >= len(args) {
				return mapSpec{}, false
			}
			spec.mode = modeFromAtom(args[i+1])
			i++
		case "@protocol":
			if i+1 >= len(args) {
				return mapSpec{}, false
			}
			spec.protocol = protocolFromAtom(args[i+1])
			i++
		case "@dst@min":
			spec.destMin = collectNumericVector(args, i+1, len(args))
			i += len(spec.destMin)
		case "@dst@max":
			spec.destMax = collectNumericVector(args, i+1, len(args))
			i += len(spec.destMax)
		case "@dst@boundMin":
			if i+1 >= len(args) {
				return mapSpec{}, false
			}
			spec.boundMin = actionFromName(args[i+1].String)
			i++
		case "@dst@boundMax":
			if i+1 >= len(args) {
				return mapSpec{}, false
			}
			spec.boundMax = actionFromName(args[i+1].String)
			i++
		default:
			if k, key, ok := parseSlotScopedKey(a.String); ok && (key == "min" || key == "max") {
				vals := collectNumericVector(args, i+1, len(args))
				if k < len(spec.srcs) {
					if key == "min" {
						spec.srcs[k].min = vals
					} else {
						spec.srcs[k].max = vals
					}
				}
				i += len(vals)
			}
		}
	}
	if spec.destFull == "" || len(spec.srcs) == 0 {
		return mapSpec{}, false
	}
	return spec, true
}

// parseSlotScopedKey splits "@src.<k>@<key>" into its slot index and key.
func parseSlotScopedKey(s string) (k int, key string, ok bool) {
	const prefix = "@src."
	if !strings.HasPrefix(s, prefix) {
		return 0, "", false
	}
	rest := s[len(prefix):]
	sep := strings.IndexByte(rest, '@')
	if sep <= 0 {
		return 0, "", false
	}
	idx, err := strconv.Atoi(rest[:sep])
	if err != nil {
		return 0, "", false
	}
	return idx, rest[sep+1:], true
}

// modeFromAtom accepts the wire's string form ("linear"/"expression") as
// well as the numeric enum used between cooperating mapperd peers
// (spec.md §6.1 "[@mode s]").
func modeFromAtom(a oscmsg.Atom) mapping.Mode {
	if a.Tag == oscmsg.TagString || a.Tag == oscmsg.TagSymbol {
		if strings.EqualFold(a.String, "linear") {
			return mapping.ModeLinear
		}
		return mapping.ModeExpression
	}
	return mapping.Mode(a.Int32())
}

func protocolFromAtom(a oscmsg.Atom) mapping.Protocol {
	if a.Tag == oscmsg.TagString || a.Tag == oscmsg.TagSymbol {
		if strings.EqualFold(a.String, "tcp") {
			return mapping.ProtocolTCP
		}
		return mapping.ProtocolUDP
	}
	return mapping.Protocol(a.Int32())
}

func actionFromName(name string) boundary.Action {
	switch strings.ToLower(name) {
	case "mute":
		return boundary.Mute
	case "clamp":
		return boundary.Clamp
	case "fold":
		return boundary.Fold
	case "wrap":
		return boundary.Wrap
	default:
		return boundary.None
	}
}

func buildMapSpecArgs(destFull string, destType oscmsg.Tag, destLength int, srcs []srcSpec, exprSrc string, mode mapping.Mode, protocol mapping.Protocol) []oscmsg.Atom {
	args := []oscmsg.Atom{
		{Tag: oscmsg.TagString, String: "@dest"},
		{Tag: oscmsg.TagString, String: destFull},
		{Tag: oscmsg.TagChar, Num: float64(destType)},
		{Tag: oscmsg.TagInt32, Num: float64(destLength)},
	}
	for _, s := range srcs {
		args = append(args,
			oscmsg.Atom{Tag: oscmsg.TagString, String: "@src"},
			oscmsg.Atom{Tag: oscmsg.TagString, String: s.full},
			oscmsg.Atom{Tag: oscmsg.TagChar, Num: float64(s.typ)},
			oscmsg.Atom{Tag: oscmsg.TagInt32, Num: float64(s.length)},
		)
	}
	if exprSrc != "" {
		args = append(args, oscmsg.Atom{Tag: oscmsg.TagString, String: "@expression"}, oscmsg.Atom{Tag: oscmsg.TagString, String: exprSrc})
	}
	args = append(args, oscmsg.Atom{Tag: oscmsg.TagString, String: "@mode"}, oscmsg.Atom{Tag: oscmsg.TagInt32, Num: float64(mode)})
	args = append(args, oscmsg.Atom{Tag: oscmsg.TagString, String: "@protocol"}, oscmsg.Atom{Tag: oscmsg.TagInt32, Num: float64(protocol)})
	return args
}

// handleMap stages a new map on the destination endpoint, filling in
// whatever slot metadata the request already carries, then drives the
// handshake forward: locally-satisfied sources are marked mapped
// immediately, remote ones are sent /mapTo (spec.md §4.5 steps 1-2).
func (d *Device) handleMap(g *graph.Graph, from string, msg network.Message) {
	spec, ok := parseMapSpecArgs(msg)
	if !ok {
		return
	}
	destDev, destSig, ok := splitSignalName(spec.destFull)
	if !ok || destDev != d.Name() {
		return
	}
	sig, _, ok := lookupLocalSignalByName(d, destSig)
	if !ok {
		d.Log.Warn("map references unknown local destination signal", slog.String("signal", destSig))
		return
	}

	srcFulls := make([]string, len(spec.srcs))
	for i, s := range spec.srcs {
		srcFulls[i] = s.full
	}
	id := deriveMapID(spec.destFull, srcFulls)
	if _, exists := d.Handshakes[id]; exists {
		return
	}
	if _, exists := g.Maps[id]; exists {
		return
	}

	destSlot := slot.New(0, slot.Destination, destDev, destSig)
	destSlot.Type, destSlot.Length = sig.Type, sig.Length
	destSlot.TypeKnown, destSlot.LengthKnown, destSlot.LinkKnown = true, true, true

	// Range metadata comes from the request's @dst@ properties, falling
	// back to the local signal's declared min/max (spec.md §3 Slot:
	// "min/max (may be inherited from signal)").
	destMin, destMax := spec.destMin, spec.destMax
	if destMin == nil {
		destMin = sig.Min
	}
	if destMax == nil {
		destMax = sig.Max
	}
	if len(destMin) > 0 && len(destMax) > 0 {
		destSlot.Range = boundary.Range{
			Min: destMin[0], Max: destMax[0],
			BoundMin: spec.boundMin, BoundMax: spec.boundMax,
		}
	}

	srcSlots := make([]*slot.Slot, 0, len(spec.srcs))
	for i, s := range spec.srcs {
		sDev, sSig, ok := splitSignalName(s.full)
		if !ok {
			return
		}
		sl := slot.New(i+1, slot.Source, sDev, sSig)
		sl.Type, sl.Length = s.typ, s.length
		sl.TypeKnown, sl.LengthKnown = true, true
		if sDev == d.Name() {
			sl.LinkKnown = true
		}
		srcSlots = append(srcSlots, sl)
	}

	m := mapping.New(id, srcSlots, destSlot)
	m.OnTransition = d.mapTransition
	m.Mode, m.Protocol = spec.mode, spec.protocol
	for _, s := range m.Sources {
		if s.DeviceName != d.Name() {
			m.Location = mapping.AtDestination
			break
		}
	}

	hs := mapping.NewHandshakeState(m)
	d.Handshakes[id] = hs
	d.pendingExpr[id] = spec.exprSrc
	if m.Mode == mapping.ModeLinear {
		if lin, ok := buildLinearizations(spec.srcs, destMin, destMax); ok {
			d.pendingLin[id] = lin
		}
	}
	g.AddMap(m, d.SyncedTime)
	d.Log.Info("map staged", slog.Uint64("map_id", id), slog.String("dest", spec.destFull), slog.Int("sources", len(m.Sources)))

	for i, s := range m.Sources {
		if s.DeviceName == d.Name() {
			hs.RecordMapToSent(i)
			s.LinkKnown = true
			hs.RecordMapped(i)
			continue
		}
		d.sendMapTo(g, m, i)
	}
	d.tryActivate(g, m, hs)
}

// buildLinearizations derives the per-source affine range data a
// mode=linear map needs; ok is false unless every slot involved has known
// min and max (spec.md §4.5 "If both per-slot min/max and dst min/max are
// known on all slots").
func buildLinearizations(srcs []srcSpec, destMin, destMax []float64) ([]expr.Linearization, bool) {
	if len(destMin) == 0 || len(destMax) == 0 {
		return nil, false
	}
	lin := make([]expr.Linearization, len(srcs))
	for i, s := range srcs {
		if len(s.min) == 0 || len(s.max) == 0 {
			return nil, false
		}
		lin[i] = expr.Linearization{
			SrcMin: s.min[0], SrcMax: s.max[0],
			DstMin: destMin[0], DstMax: destMax[0],
		}
	}
	return lin, true
}

// sendMapTo sends /mapTo to the device owning source slot i, once its
// admin address is known (spec.md §4.5 step 2).
func (d *Device) sendMapTo(g *graph.Graph, m *mapping.Map, i int) {
	s := m.Sources[i]
	rd, ok := g.Devices[ID(s.DeviceName)]
	if !ok || rd.Addr == "" {
		d.Log.Debug("map source address not yet known, deferring /mapTo", slog.String("device", s.DeviceName))
		return
	}
	l := d.ensureLink(g, s.DeviceName, rd.Addr)
	if l == nil {
		return
	}
	destFull := m.Dest.DeviceName + "/" + m.Dest.SignalName
	src := srcSpec{full: s.DeviceName + "/" + s.SignalName, typ: s.Type, length: s.Length}
	args := buildMapSpecArgs(destFull, m.Dest.Type, m.Dest.Length, []srcSpec{src}, d.pendingExpr[m.ID], m.Mode, m.Protocol)
	data, err := network.Message{Path: mapping.PathMapTo, Args: args}.Encode()
	if err != nil {
		d.Log.Warn("encode /mapTo failed", slog.String("error", err.Error()))
		return
	}
	if d.MeshSend == nil {
		return
	}
	if err := d.MeshSend(l.Addr.Admin, data); err != nil {
		d.Log.Warn("send /mapTo failed", slog.String("peer", s.DeviceName), slog.String("error", err.Error()))
		return
	}
	d.countSent(mapping.PathMapTo)
	if hs, ok := d.Handshakes[m.ID]; ok {
		hs.RecordMapToSent(i)
	}
}

// handleMapTo runs on the source endpoint: it wires a minimal Router-only
// mirror of the map (just enough to forward set_value/release over the
// link) and replies /mapped (spec.md §4.5 step 3). Cross-device maps are
// always forced to process at the destination, so the source never
// evaluates and never needs to know about sibling sources.
func (d *Device) handleMapTo(g *graph.Graph, from string, msg network.Message) {
	spec, ok := parseMapSpecArgs(msg)
	if !ok || len(spec.srcs) != 1 {
		return
	}
	s := spec.srcs[0]
	srcDev, srcSig, ok := splitSignalName(s.full)
	if !ok || srcDev != d.Name() {
		return
	}
	sig, _, ok := lookupLocalSignalByName(d, srcSig)
	if !ok {
		d.Log.Warn("mapTo references unknown local signal", slog.String("signal", srcSig))
		return
	}
	destDev, destSig, ok := splitSignalName(spec.destFull)
	if !ok {
		return
	}

	id := deriveMapID(spec.destFull, []string{s.full})
	m := d.registerSourceSideMap(g, id, sig, srcDev, srcSig, destDev, destSig, s.typ, s.length, spec.destType, spec.destLength, from)
	if m == nil {
		return
	}

	args := []oscmsg.Atom{
		{Tag: oscmsg.TagString, String: "@dest"}, {Tag: oscmsg.TagString, String: spec.destFull},
		{Tag: oscmsg.TagString, String: "@src"}, {Tag: oscmsg.TagString, String: s.full},
		{Tag: oscmsg.TagString, String: "@success"}, successAtom(true),
	}
	data, err := network.Message{Path: mapping.PathMapped, Args: args}.Encode()
	if err != nil {
		d.Log.Warn("encode /mapped reply failed", slog.String("error", err.Error()))
		return
	}
	addr := from
	if rd, ok := g.Devices[ID(destDev)]; ok && rd.Addr != "" {
		addr = rd.Addr
	}
	if d.MeshSend != nil {
		if err := d.MeshSend(addr, data); err != nil {
			d.Log.Warn("send /mapped reply failed", slog.String("error", err.Error()))
		} else {
			d.countSent(mapping.PathMapped)
		}
	}
}

func (d *Device) registerSourceSideMap(g *graph.Graph, id uint64, sig *signal.Signal, srcDev, srcSig, destDev, destSig string, srcType oscmsg.Tag, srcLength int, destType oscmsg.Tag, destLength int, from string) *mapping.Map {
	if m, ok := d.sourceMaps[id]; ok {
		return m
	}
	srcSlot := slot.New(0, slot.Source, srcDev, srcSig)
	srcSlot.Type, srcSlot.Length = sig.Type, sig.Length
	srcSlot.TypeKnown, srcSlot.LengthKnown, srcSlot.LinkKnown = true, true, true

	destSlot := slot.New(1, slot.Destination, destDev, destSig)
	destSlot.Type, destSlot.Length = destType, destLength
	destSlot.TypeKnown, destSlot.LengthKnown, destSlot.LinkKnown = true, true, true

	m := mapping.New(id, []*slot.Slot{srcSlot}, destSlot)
	m.OnTransition = d.mapTransition
	m.Location = mapping.AtDestination
	if err := m.CompileExpression("", nil); err != nil {
		d.Log.Warn("map source: default expression compile failed", slog.String("error", err.Error()))
		return nil
	}
	m.AdvanceToReady()
	if err := m.Activate(); err != nil {
		d.Log.Warn("map source: activation failed", slog.String("error", err.Error()))
		return nil
	}
	if err := d.Router.AddMap(m); err != nil {
		d.Log.Warn("map source: routing would create a cycle", slog.String("error", err.Error()))
		return nil
	}
	d.sourceMaps[id] = m

	addr := from
	if rd, ok := g.Devices[ID(destDev)]; ok && rd.Addr != "" {
		addr = rd.Addr
	}
	if l := d.ensureLink(g, destDev, addr); l != nil {
		l.NumMapsOut++
	}
	d.Log.Info("map source wired", slog.Uint64("map_id", id), slog.String("dest_device", destDev))
	return m
}

// tryActivate advances m to ready/active once every source has replied
// /mapped, compiling its expression and wiring it into the router
// (spec.md §4.5 step 4).
func (d *Device) tryActivate(g *graph.Graph, m *mapping.Map, hs *mapping.HandshakeState) {
	if m.Status() != mapping.Staged && m.Status() != mapping.Ready {
		return
	}
	if !hs.AllMapped() {
		return
	}
	m.AdvanceToReady()
	exprSrc := d.pendingExpr[m.ID]
	if err := m.CompileExpression(exprSrc, d.pendingLin[m.ID]); err != nil {
		d.Log.Warn("map expression compile failed", slog.Uint64("map_id", m.ID), slog.String("error", err.Error()))
		return
	}
	if err := m.Activate(); err != nil {
		d.Log.Warn("map activation failed", slog.Uint64("map_id", m.ID), slog.String("error", err.Error()))
		return
	}
	if err := d.Router.AddMap(m); err != nil {
		d.Log.Warn("map routing would create a cycle", slog.Uint64("map_id", m.ID), slog.String("error", err.Error()))
		m.Expire()
		g.RemoveMap(m.ID)
		delete(d.Handshakes, m.ID)
		delete(d.pendingExpr, m.ID)
		delete(d.pendingLin, m.ID)
		return
	}
	delete(d.pendingExpr, m.ID)
	delete(d.pendingLin, m.ID)
	for _, s := range m.Sources {
		if s.DeviceName == d.Name() {
			continue
		}
		if l, ok := g.LinkBetween(d.Name(), s.DeviceName); ok {
			l.NumMapsIn++
		}
	}
	g.MapActivated(m.ID)
	d.Log.Info("map active", slog.Uint64("map_id", m.ID))
	d.broadcastMapped(g, m)
}

// ---------------------------------------------------------------------
// /mapped, /map/modify, /unmap, /unmapped
// ---------------------------------------------------------------------

func successAtom(success bool) oscmsg.Atom {
	if success {
		return oscmsg.Atom{Tag: oscmsg.TagTrue, Bool: true}
	}
	return oscmsg.Atom{Tag: oscmsg.TagFalse}
}

func mapRefArgs(destFull string, srcFulls []string) []oscmsg.Atom {
	args := []oscmsg.Atom{{Tag: oscmsg.TagString, String: "@dest"}, {Tag: oscmsg.TagString, String: destFull}}
	for _, s := range srcFulls {
		args = append(args, oscmsg.Atom{Tag: oscmsg.TagString, String: "@src"}, oscmsg.Atom{Tag: oscmsg.TagString, String: s})
	}
	return args
}

// parseMapRefArgs decodes the @dest/@src-only reference shared by
// /unmap, /unmapped, and the leading fields of /mapped and /map/modify.
func parseMapRefArgs(msg network.Message) (destFull string, srcFulls []string, ok bool) {
	args := msg.Args
	for i := 0; i < len(args); i++ {
		a := args[i]
		if a.Tag != oscmsg.TagString {
			continue
		}
		switch a.String {
		case "@dest":
			if i+1 >= len(args) {
				return "", nil, false
			}
			destFull = args[i+1].String
			i++
		case "@src":
			if i+1 >= len(args) {
				return "", nil, false
			}
			srcFulls = append(srcFulls, args[i+1].String)
			i++
		}
	}
	return destFull, srcFulls, destFull != "" && len(srcFulls) > 0
}

func mappedMessage(destFull string, srcFulls []string, success bool) network.Message {
	args := append(mapRefArgs(destFull, srcFulls), oscmsg.Atom{Tag: oscmsg.TagString, String: "@success"}, successAtom(success))
	return network.Message{Path: mapping.PathMapped, Args: args}
}

func unmappedMessage(destFull, srcFull string) network.Message {
	return network.Message{Path: mapping.PathUnmapped, Args: mapRefArgs(destFull, []string{srcFull})}
}

func parseMappedArgs(msg network.Message) (destFull string, srcFulls []string, success bool, ok bool) {
	destFull, srcFulls, ok = parseMapRefArgs(msg)
	if !ok {
		return "", nil, false, false
	}
	success = true
	for i, a := range msg.Args {
		if a.Tag == oscmsg.TagString && a.String == "@success" && i+1 < len(msg.Args) {
			next := msg.Args[i+1]
			success = next.Tag == oscmsg.TagTrue || (next.Tag.IsNumeric() && next.Num != 0)
		}
	}
	return destFull, srcFulls, success, true
}

// handleMapped runs on the destination for a single-source handshake
// reply, and is an informational no-op for a subscriber-facing broadcast
// (more than one source), since client-side map mirroring is out of
// scope (spec.md §4.5 step 3).
func (d *Device) handleMapped(g *graph.Graph, msg network.Message) {
	destFull, srcFulls, success, ok := parseMappedArgs(msg)
	if !ok || len(srcFulls) != 1 {
		return
	}
	destDev, _, ok := splitSignalName(destFull)
	if !ok || destDev != d.Name() {
		return
	}
	for id, hs := range d.Handshakes {
		m, ok := g.Maps[id]
		if !ok {
			continue
		}
		if m.Dest.DeviceName+"/"+m.Dest.SignalName != destFull {
			continue
		}
		for i, s := range m.Sources {
			if s.DeviceName+"/"+s.SignalName != srcFulls[0] {
				continue
			}
			if !success {
				d.Log.Warn("map source refused handshake", slog.Uint64("map_id", id), slog.String("source", srcFulls[0]))
				return
			}
			s.LinkKnown = true
			hs.RecordMapped(i)
			d.tryActivate(g, m, hs)
			return
		}
	}
}

// broadcastMapped re-announces m's full source list to every subscriber
// watching maps on this device (spec.md §4.3, §4.5 step 4).
func (d *Device) broadcastMapped(g *graph.Graph, m *mapping.Map) {
	if d.MeshSend == nil {
		return
	}
	srcFulls := make([]string, len(m.Sources))
	for i, s := range m.Sources {
		srcFulls[i] = s.DeviceName + "/" + s.SignalName
	}
	destFull := m.Dest.DeviceName + "/" + m.Dest.SignalName
	data, err := mappedMessage(destFull, srcFulls, true).Encode()
	if err != nil {
		d.Log.Warn("encode /mapped broadcast failed", slog.String("error", err.Error()))
		return
	}
	for _, sub := range d.Subs.Matching(FlagMaps | FlagMapsIn | FlagMapsOut) {
		if err := d.MeshSend(sub.Addr, data); err != nil {
			d.Log.Debug("mapped broadcast send failed", slog.String("peer", sub.Addr), slog.String("error", err.Error()))
			continue
		}
		d.countSent(mapping.PathMapped)
	}
}

type mapModifySpec struct {
	destFull    string
	srcFulls    []string
	exprSrc     string
	hasExpr     bool
	muted       bool
	hasMute     bool
	protocol    mapping.Protocol
	hasProtocol bool
}

func parseMapModifyArgs(msg network.Message) (mapModifySpec, bool) {
	destFull, srcFulls, ok := parseMapRefArgs(msg)
	if !ok {
		return mapModifySpec{}, false
	}
	spec := mapModifySpec{destFull: destFull, srcFulls: srcFulls}
	args := msg.Args
	for i := 0; i < len(args); i++ {
		a := args[i]
		if a.Tag != oscmsg.TagString || i+1 >= len(args) {
			continue
		}
		switch a.String {
		case "@expression":
			spec.exprSrc, spec.hasExpr = args[i+1].String, true
			i++
		case "@mute":
			next := args[i+1]
			spec.muted = next.Tag == oscmsg.TagTrue || (next.Tag.IsNumeric() && next.Num != 0)
			spec.hasMute = true
			i++
		case "@protocol":
			spec.protocol, spec.hasProtocol = protocolFromAtom(args[i+1]), true
			i++
		}
	}
	return spec, true
}

// handleMapModify applies a property change to an already-active map,
// re-announcing it to subscribers (spec.md §4.5 "in-flight modification").
func (d *Device) handleMapModify(g *graph.Graph, msg network.Message) {
	spec, ok := parseMapModifyArgs(msg)
	if !ok {
		return
	}
	destDev, _, ok := splitSignalName(spec.destFull)
	if !ok || destDev != d.Name() {
		return
	}
	id := deriveMapID(spec.destFull, spec.srcFulls)
	m, ok := g.Maps[id]
	if !ok {
		return
	}
	if spec.hasMute {
		m.Muted = spec.muted
	}
	if spec.hasProtocol {
		m.Protocol = spec.protocol
	}
	if spec.hasExpr {
		if err := m.CompileExpression(spec.exprSrc, nil); err != nil {
			d.Log.Warn("map/modify: expression compile failed", slog.Uint64("map_id", id), slog.String("error", err.Error()))
		}
	}
	d.Log.Info("map modified", slog.Uint64("map_id", id))
	d.broadcastMapped(g, m)
}

// handleUnmap tears down a map on the destination and notifies every
// remote source to drop its mirror (spec.md §4.5 step 5).
func (d *Device) handleUnmap(g *graph.Graph, from string, msg network.Message) {
	destFull, srcFulls, ok := parseMapRefArgs(msg)
	if !ok {
		return
	}
	destDev, _, ok := splitSignalName(destFull)
	if !ok || destDev != d.Name() {
		return
	}
	id := deriveMapID(destFull, srcFulls)
	m, ok := g.Maps[id]
	if !ok {
		return
	}
	d.removeMapLocally(g, m)
	for _, s := range m.Sources {
		if s.DeviceName == d.Name() {
			continue
		}
		d.sendUnmapped(g, destFull, s)
	}
}

func (d *Device) removeMapLocally(g *graph.Graph, m *mapping.Map) {
	d.Router.RemoveMap(m)
	for _, s := range m.Sources {
		if s.DeviceName == d.Name() {
			continue
		}
		if l, ok := g.LinkBetween(d.Name(), s.DeviceName); ok && l.NumMapsIn > 0 {
			l.NumMapsIn--
		}
	}
	g.RemoveMap(m.ID)
	delete(d.Handshakes, m.ID)
	delete(d.pendingExpr, m.ID)
	delete(d.pendingLin, m.ID)
	d.Log.Info("map removed", slog.Uint64("map_id", m.ID))
}

func (d *Device) sendUnmapped(g *graph.Graph, destFull string, s *slot.Slot) {
	addr := ""
	if rd, ok := g.Devices[ID(s.DeviceName)]; ok {
		addr = rd.Addr
	}
	if addr == "" {
		if l, ok := g.LinkBetween(d.Name(), s.DeviceName); ok {
			addr = l.Addr.Admin
		}
	}
	if addr == "" || d.MeshSend == nil {
		return
	}
	data, err := unmappedMessage(destFull, s.DeviceName+"/"+s.SignalName).Encode()
	if err != nil {
		d.Log.Warn("encode /unmapped failed", slog.String("error", err.Error()))
		return
	}
	if err := d.MeshSend(addr, data); err != nil {
		d.Log.Warn("send /unmapped failed", slog.String("peer", s.DeviceName), slog.String("error", err.Error()))
		return
	}
	d.countSent(mapping.PathUnmapped)
}

// handleUnmapped runs on the source endpoint, dropping its Router-only
// mirror map once the destination confirms teardown.
func (d *Device) handleUnmapped(g *graph.Graph, msg network.Message) {
	destFull, srcFulls, ok := parseMapRefArgs(msg)
	if !ok || len(srcFulls) != 1 {
		return
	}
	id := deriveMapID(destFull, []string{srcFulls[0]})
	d.removeSourceSideMap(g, id)
}

func (d *Device) removeSourceSideMap(g *graph.Graph, id uint64) {
	m, ok := d.sourceMaps[id]
	if !ok {
		return
	}
	d.Router.RemoveMap(m)
	if l, ok := g.LinkBetween(d.Name(), m.Dest.DeviceName); ok && l.NumMapsOut > 0 {
		l.NumMapsOut--
	}
	delete(d.sourceMaps, id)
	d.Log.Info("map source unwired", slog.Uint64("map_id", id))
}

// removeSourceSideMapsFor drops every source-side mirror this device
// keeps toward other, e.g. because the link to it just died.
func (d *Device) removeSourceSideMapsFor(other string) {
	for id, m := range d.sourceMaps {
		if m.Dest.DeviceName != other {
			continue
		}
		d.Router.RemoveMap(m)
		delete(d.sourceMaps, id)
	}
}

// cleanupHandshakesForDevice drops destination-side handshake/expression
// bookkeeping for any map that sources from other, mirroring what
// graph.RemoveLink does to g.Maps itself.
func (d *Device) cleanupHandshakesForDevice(other string) {
	for id, m := range d.graph.Maps {
		if m.Dest.DeviceName != d.Name() {
			continue
		}
		for _, s := range m.Sources {
			if s.DeviceName == other {
				delete(d.Handshakes, id)
				delete(d.pendingExpr, id)
				delete(d.pendingLin, id)
				break
			}
		}
	}
}

// ---------------------------------------------------------------------
// Per-signal data path (spec.md §4.4, §4.7, §6.2)
// ---------------------------------------------------------------------

// parseSignalDataArgs decodes a /<dev>/<sig> value payload: the leading
// typed atoms are vector elements (all-null means instance release), and
// the trailing @instance/@slot property tags identify which instance and
// destination slot the update belongs to (spec.md §6.2).
func parseSignalDataArgs(msg network.Message) (vals []float64, gid uint64, slotID int, isRelease bool) {
	args := msg.Args
	for i := 0; i < len(args); i++ {
		a := args[i]
		if a.Tag == oscmsg.TagString {
			switch a.String {
			case "@instance":
				if i+1 < len(args) {
					gid = uint64(args[i+1].Int64())
					i++
				}
			case "@slot":
				if i+1 < len(args) {
					slotID = int(args[i+1].Int32())
					i++
				}
			}
			continue
		}
		if a.Tag == oscmsg.TagNull {
			isRelease = true
			continue
		}
		vals = append(vals, a.Num)
	}
	if len(vals) > 0 {
		isRelease = false
	}
	return vals, gid, slotID, isRelease
}

// resolveInboundInstance maps an inbound global instance id to the local
// instance index used for slot histories and the destination signal,
// activating a fresh id-map entry on first contact (spec.md §3 Instance:
// "activated on ... map-driven activation"; Invariant 5).
func (d *Device) resolveInboundInstance(gid uint64) uint64 {
	if gid == 0 {
		return 0
	}
	if e, ok := d.IDMaps.LookupGID(gid); ok {
		return e.LID
	}
	e := d.IDMaps.Reserve(gid)
	e.GID = gid
	e.RemoteRefcount++
	return e.LID
}

// handleSignalData applies an inbound value update from a remote source
// to every active map this device is the destination of, via
// Router.ProcessInbound (spec.md §4.7 "Inbound path").
func (d *Device) handleSignalData(g *graph.Graph, devName, sigName string, msg network.Message) {
	if devName == d.Name() {
		return
	}
	vals, gid, _, isRelease := parseSignalDataArgs(msg)
	for _, m := range g.Maps {
		if m.Status() != mapping.Active || m.Dest.DeviceName != d.Name() {
			continue
		}
		srcSlot := findMatchingSourceSlot(m, devName, sigName)
		if srcSlot == nil {
			continue
		}
		lid := d.resolveInboundInstance(gid)
		if isRelease {
			d.releaseInboundInstance(m, srcSlot, lid, gid)
			continue
		}
		outs := d.Router.ProcessInbound(m, srcSlot, lid, [][]float64{vals}, msg.RecvTime)
		for _, out := range outs {
			d.deliverLocalMapOutput(g, out)
		}
	}
}

// releaseInboundInstance applies a remote instance release: the id-map
// entry's released-remotely bit is set, the destination signal's instance
// is released, and the per-instance slot histories are dropped once the
// entry frees (spec.md §4.4, Invariant 6). Messages of a bundle are
// dispatched in order, so samples sent before the release were already
// applied; the release message itself runs no value path.
func (d *Device) releaseInboundInstance(m *mapping.Map, srcSlot *slot.Slot, lid, gid uint64) {
	if sig, _, ok := lookupLocalSignalByName(d, m.Dest.SignalName); ok {
		sig.ReleaseRemote(lid)
		d.notifySignalChanged(sig)
	}
	if gid != 0 {
		d.IDMaps.ReleaseRemote(lid)
		if _, still := d.IDMaps.Lookup(lid); !still {
			srcSlot.DropHistory(lid)
			m.Dest.DropHistory(lid)
		}
	}
	d.Log.Debug("remote instance released",
		slog.String("signal", srcSlot.DeviceName+"/"+srcSlot.SignalName), slog.Uint64("gid", gid))
}

func findMatchingSourceSlot(m *mapping.Map, devName, sigName string) *slot.Slot {
	for _, s := range m.Sources {
		if s.DeviceName == devName && s.SignalName == sigName {
			return s
		}
	}
	return nil
}

// deliverLocalMapOutput applies a map's evaluated output to its local
// destination signal, then lets that new value cascade through any
// further outgoing maps the signal itself feeds.
func (d *Device) deliverLocalMapOutput(g *graph.Graph, out router.OutMessage) {
	sig, _, ok := lookupLocalSignalByName(d, out.Map.Dest.SignalName)
	if !ok {
		return
	}
	if out.Release {
		sig.ReleaseRemote(out.LID)
		d.notifySignalChanged(sig)
		return
	}
	if err := sig.SetValue(out.LID, sig.Type, out.Values, time.Now(), clock.Now()); err != nil {
		d.Log.Warn("deliver map output failed", slog.Uint64("map_id", out.Map.ID), slog.String("error", err.Error()))
		return
	}
	in, ok := sig.InstanceByLocalID(out.LID)
	if !ok {
		return
	}
	origin := out.Map.Dest.DeviceName
	if len(out.Map.Sources) > 0 {
		origin = out.Map.Sources[0].DeviceName
	}
	cascade := d.Router.ProcessOutbound(sig, in, ID(origin), clock.Now())
	if len(cascade) > 0 {
		d.dispatchOutbound(g, cascade)
	}
}

// handleSignalGet replies to a value query with the first fully-valued
// local instance (spec.md §6.2 "/<dev>/<sig>/get").
func (d *Device) handleSignalGet(from, devName, sigName string, msg network.Message) {
	if devName != d.Name() || d.DataSendUDP == nil {
		return
	}
	sig, _, ok := lookupLocalSignalByName(d, sigName)
	if !ok {
		return
	}
	var args []oscmsg.Atom
	for _, in := range sig.Instances() {
		if !in.Active || !in.FullyValued() {
			continue
		}
		args = make([]oscmsg.Atom, len(in.Value))
		for i, v := range in.Value {
			args[i] = oscmsg.Atom{Tag: sig.Type, Num: v}
		}
		break
	}
	data, err := network.Message{Path: "/" + devName + "/" + sigName, Args: args}.Encode()
	if err != nil {
		d.Log.Warn("encode signal get reply failed", slog.String("error", err.Error()))
		return
	}
	if err := d.DataSendUDP(from, data); err != nil {
		d.Log.Debug("signal get reply failed", slog.String("error", err.Error()))
		return
	}
	d.countSent("/" + devName + "/" + sigName)
}

// dispatchOutbound routes the router's outbound messages either straight
// to a local destination signal or across a link to a remote device
// (spec.md §4.7).
func (d *Device) dispatchOutbound(g *graph.Graph, outs []router.OutMessage) {
	for _, out := range outs {
		if out.Map.Dest.DeviceName == d.Name() {
			d.deliverLocalMapOutput(g, out)
			continue
		}
		d.sendOutMessage(g, out)
	}
}

func (d *Device) findOwnSourceSlot(m *mapping.Map) *slot.Slot {
	for _, s := range m.Sources {
		if s.DeviceName == d.Name() {
			return s
		}
	}
	return nil
}

// sendOutMessage sends one router output of a map (a value or a release)
// to the map's destination device under this device's own signal path,
// /<device>/<source signal>, with @slot naming the destination slot,
// queued on the link's pending bundle (spec.md §4.1 "flushed when the
// bundle size would exceed 8 KiB", §4.7).
func (d *Device) sendOutMessage(g *graph.Graph, out router.OutMessage) {
	srcSlot := d.findOwnSourceSlot(out.Map)
	if srcSlot == nil {
		return
	}
	var args []oscmsg.Atom
	if out.Release {
		args = []oscmsg.Atom{{Tag: oscmsg.TagNull}}
	} else {
		args = make([]oscmsg.Atom, len(out.Values))
		for i, v := range out.Values {
			args[i] = oscmsg.Atom{Tag: srcSlot.Type, Num: v}
		}
	}
	if gid := d.GlobalID(out.LID); gid != 0 {
		args = append(args,
			oscmsg.Atom{Tag: oscmsg.TagString, String: "@instance"},
			oscmsg.NewInt64(int64(gid)),
		)
	}
	args = append(args,
		oscmsg.Atom{Tag: oscmsg.TagString, String: "@slot"},
		oscmsg.Atom{Tag: oscmsg.TagInt32, Num: float64(out.DestSlotID)},
	)
	msgPath := "/" + d.Name() + "/" + srcSlot.SignalName
	data, err := network.Message{Path: msgPath, Args: args}.Encode()
	if err != nil {
		d.Log.Warn("encode map output failed", slog.Uint64("map_id", out.Map.ID), slog.String("error", err.Error()))
		return
	}
	addr := ""
	if rd, ok := g.Devices[ID(out.Map.Dest.DeviceName)]; ok {
		addr = rd.Addr
	}
	l := d.ensureLink(g, out.Map.Dest.DeviceName, addr)
	if l == nil {
		d.Log.Debug("map output dropped: no route to destination device", slog.String("device", out.Map.Dest.DeviceName))
		return
	}
	d.countSent(msgPath)
	if l.Enqueue(data) {
		d.flushLink(l)
	}
}

// ---------------------------------------------------------------------
// Links: establishment, bundle flush, ping/sync housekeeping
// (spec.md §4.8, §4.10 step 3)
// ---------------------------------------------------------------------

func (d *Device) ensureLink(g *graph.Graph, remoteDevice, addr string) *link.Link {
	if l, ok := g.LinkBetween(d.Name(), remoteDevice); ok {
		return l
	}
	if addr == "" {
		return nil
	}
	l := link.New(linkID(d.Name(), remoteDevice), d.Name(), remoteDevice, link.Addresses{Admin: addr, UDPData: addr, TCPData: addr})
	l.SetTimeout(d.PingTimeout)
	l.SetLogger(d.Log)
	g.AddLink(l)
	d.Log.Info("link established", slog.String("peer", remoteDevice))
	return l
}

func (d *Device) flushLink(l *link.Link) {
	msgs := l.TakeBundle()
	if len(msgs) == 0 {
		return
	}
	var data []byte
	if len(msgs) == 1 {
		data = msgs[0]
	} else {
		data = network.EncodeBundle(clock.Now(), msgs)
	}
	send := d.DataSendUDP
	if send == nil {
		send = d.MeshSend
	}
	if send == nil {
		return
	}
	if err := send(l.Addr.UDPData, data); err != nil {
		d.Log.Debug("flush link failed", slog.String("peer", l.RemoteDevice), slog.String("error", err.Error()))
	}
}

func pingIntervalFor(id uint64) time.Duration {
	return pingBaseInterval + time.Duration(id%uint64(pingJitterSpan))
}

func parsePingArgs(msg network.Message) (senderName string, msgID, lastSeen, elapsedMs int32, ok bool) {
	if len(msg.Args) < 4 || msg.Args[0].Tag != oscmsg.TagString {
		return "", 0, 0, 0, false
	}
	return msg.Args[0].String, msg.Args[1].Int32(), msg.Args[2].Int32(), msg.Args[3].Int32(), true
}

func (d *Device) sendPing(l *link.Link) {
	if d.MeshSend == nil {
		return
	}
	msgID, lastSeen := l.Clock.NextPing(time.Now())
	args := []oscmsg.Atom{
		{Tag: oscmsg.TagString, String: d.Name()},
		{Tag: oscmsg.TagInt32, Num: float64(msgID)},
		{Tag: oscmsg.TagInt32, Num: float64(lastSeen)},
		{Tag: oscmsg.TagInt32, Num: 0},
	}
	data, err := network.Message{Path: "/ping", Args: args}.Encode()
	if err != nil {
		d.Log.Warn("encode ping failed", slog.String("error", err.Error()))
		return
	}
	if err := d.MeshSend(l.Addr.Admin, data); err != nil {
		d.Log.Debug("ping send failed", slog.String("peer", l.RemoteDevice), slog.String("error", err.Error()))
		return
	}
	d.countSent("/ping")
}

// handlePing resolves an inbound ping against the link's sync clock,
// establishing the link first if this is the first contact from a known
// device (spec.md §4.8).
func (d *Device) handlePing(g *graph.Graph, from string, msg network.Message) {
	name, msgID, lastSeen, elapsedMs, ok := parsePingArgs(msg)
	if !ok || name == d.Name() {
		return
	}
	l, ok := g.LinkBetween(d.Name(), name)
	if !ok {
		addr := from
		if rd, devOk := g.Devices[ID(name)]; devOk && rd.Addr != "" {
			addr = rd.Addr
		}
		l = d.ensureLink(g, name, addr)
		if l == nil {
			return
		}
	}
	l.Clock.RecvPing(msgID, lastSeen, time.Duration(elapsedMs)*time.Millisecond, time.Now(), msg.RecvTime)
	if d.Metrics != nil {
		d.Metrics.ObserveLinkClock(l.Addr.Admin, d.Name(), l.Clock.Offset.Seconds(), l.Clock.Jitter.Seconds())
	}
	d.Log.Debug("ping received", slog.String("peer", name))
}

// pollLinks sends due pings, checks peer-timeout expiry, and flushes any
// batched bundle for every link touching this device (spec.md §4.8,
// §4.10 step 3).
func (d *Device) pollLinks(now time.Time) {
	for id, l := range d.graph.Links {
		if l.LocalDevice != d.Name() && l.RemoteDevice != d.Name() {
			continue
		}
		if last, sent := d.lastPingAt[id]; !sent || now.Sub(last) >= pingIntervalFor(id) {
			d.sendPing(l)
			d.lastPingAt[id] = now
		}
		if l.CheckExpiry(now) == link.Dead {
			other := l.RemoteDevice
			if other == d.Name() {
				other = l.LocalDevice
			}
			d.cleanupHandshakesForDevice(other)
			d.removeSourceSideMapsFor(other)
			d.graph.RemoveLink(l.LocalDevice, l.RemoteDevice)
			delete(d.lastPingAt, id)
			continue
		}
		d.flushLink(l)
	}
}

// pollHandshakes retries /mapTo for any staged map whose remote source
// address was unknown when it was first staged (spec.md §4.5 step 2).
func (d *Device) pollHandshakes(now time.Time) {
	for id, hs := range d.Handshakes {
		m, ok := d.graph.Maps[id]
		if !ok {
			delete(d.Handshakes, id)
			delete(d.pendingExpr, id)
			delete(d.pendingLin, id)
			continue
		}
		for i, s := range m.Sources {
			if s.DeviceName == d.Name() || hs.MapToSent[i] {
				continue
			}
			d.sendMapTo(d.graph, m, i)
		}
	}
}

// pollHousekeeping drops maps that never reached active within the
// device's PingTimeout (spec.md §5) and periodically broadcasts /sync.
func (d *Device) pollHousekeeping(now time.Time) {
	stagedTimeout := d.PingTimeout
	if stagedTimeout <= 0 {
		stagedTimeout = link.TimeoutSec
	}
	for _, id := range d.graph.ExpireStagedMaps(now, stagedTimeout) {
		delete(d.Handshakes, id)
		delete(d.pendingExpr, id)
		delete(d.pendingLin, id)
		d.Log.Warn("map expired before activation", slog.Uint64("map_id", id))
	}
	if now.Sub(d.lastSyncAt) >= syncInterval {
		d.lastSyncAt = now
		d.sendSync()
	}
}

func (d *Device) sendSync() {
	if d.BusSend == nil {
		return
	}
	data, err := network.Message{Path: "/sync", Args: []oscmsg.Atom{
		{Tag: oscmsg.TagString, String: d.Name()},
		{Tag: oscmsg.TagInt32, Num: float64(d.Props.Version())},
	}}.Encode()
	if err != nil {
		return
	}
	if err := d.BusSend(data); err != nil {
		d.Log.Debug("sync broadcast failed", slog.String("error", err.Error()))
		return
	}
	d.countSent("/sync")
}

// handleSync updates the graph's record of when a peer was last heard
// from, independent of the per-link ping exchange (spec.md §4.8, §4.10).
// A /sync from a device the graph has never seen triggers a zero-lease
// metadata subscription so the full record can be learned (spec.md §4.3
// "Autosubscribe").
func (d *Device) handleSync(g *graph.Graph, from string, msg network.Message) {
	name, ok := firstStringArg(msg)
	if !ok || name == d.Name() {
		return
	}
	rd, known := g.Devices[ID(name)]
	if !known {
		d.requestDeviceMetadata(from, name)
		return
	}
	rd.SyncedTime = time.Now()
}

// requestDeviceMetadata sends the zero-lease device-only subscribe that
// asks an unknown peer to advertise itself (spec.md §4.3).
func (d *Device) requestDeviceMetadata(toAddr, remoteDevName string) {
	if toAddr == "" || d.MeshSend == nil {
		return
	}
	args := []oscmsg.Atom{
		{Tag: oscmsg.TagString, String: "device"},
		{Tag: oscmsg.TagString, String: "@lease"}, {Tag: oscmsg.TagInt32, Num: 0},
	}
	subPath := "/" + remoteDevName + "/subscribe"
	data, err := network.Message{Path: subPath, Args: args}.Encode()
	if err != nil {
		return
	}
	if err := d.MeshSend(toAddr, data); err != nil {
		d.Log.Debug("metadata request failed", slog.String("peer", remoteDevName), slog.String("error", err.Error()))
		return
	}
	d.countSent(subPath)
}

// ---------------------------------------------------------------------
// Subscriber snapshot and re-emit (spec.md §4.3)
// ---------------------------------------------------------------------

const snapshotBatchSize = 10

func signalFlagsFor(sig *signal.Signal) SubscribeFlag {
	f := FlagSignals
	switch sig.Direction {
	case signal.Input:
		f |= FlagInputs
	case signal.Output:
		f |= FlagOutputs
	case signal.Both:
		f |= FlagInputs | FlagOutputs
	}
	return f
}

func signalMatchesFlags(sig *signal.Signal, flags SubscribeFlag) bool {
	return signalFlagsFor(sig)&flags != 0
}

func mapMatchesFlags(m *mapping.Map, deviceName string, flags SubscribeFlag) bool {
	isIn := m.Dest.DeviceName == deviceName
	isOut := false
	for _, s := range m.Sources {
		if s.DeviceName == deviceName {
			isOut = true
			break
		}
	}
	if flags&FlagMaps != 0 && (isIn || isOut) {
		return true
	}
	if flags&FlagMapsIn != 0 && isIn {
		return true
	}
	if flags&FlagMapsOut != 0 && isOut {
		return true
	}
	return false
}

func deviceSnapshotMessage(d *Device) network.Message {
	return DeviceAdvertiseMessage(d, d.AdminPort, d.AdminHost)
}

func signalSnapshotMessage(d *Device, sig *signal.Signal) network.Message {
	full := d.Name() + "/" + sig.Name
	args := []oscmsg.Atom{
		{Tag: oscmsg.TagString, String: full},
		{Tag: oscmsg.TagString, String: "@type"}, {Tag: oscmsg.TagChar, Num: float64(sig.Type)},
		{Tag: oscmsg.TagString, String: "@length"}, {Tag: oscmsg.TagInt32, Num: float64(sig.Length)},
		{Tag: oscmsg.TagString, String: "@direction"}, {Tag: oscmsg.TagInt32, Num: float64(sig.Direction)},
	}
	return network.Message{Path: "/signal", Args: args}
}

// sendSnapshot implements §4.3's "immediately send the current full
// snapshot filtered by the new flags, in 10-object batches."
func (d *Device) sendSnapshot(g *graph.Graph, to string, flags SubscribeFlag) {
	var msgs []network.Message
	if flags&FlagDevice != 0 {
		msgs = append(msgs, deviceSnapshotMessage(d))
	}
	if flags&(FlagSignals|FlagInputs|FlagOutputs) != 0 {
		for _, sig := range d.LocalSignals {
			if signalMatchesFlags(sig, flags) {
				msgs = append(msgs, signalSnapshotMessage(d, sig))
			}
		}
	}
	if flags&(FlagMaps|FlagMapsIn|FlagMapsOut) != 0 {
		for _, m := range g.Maps {
			if !mapMatchesFlags(m, d.Name(), flags) {
				continue
			}
			srcFulls := make([]string, len(m.Sources))
			for i, s := range m.Sources {
				srcFulls[i] = s.DeviceName + "/" + s.SignalName
			}
			msgs = append(msgs, mappedMessage(m.Dest.DeviceName+"/"+m.Dest.SignalName, srcFulls, true))
		}
	}
	d.flushSnapshotBatches(to, msgs)
}

func (d *Device) flushSnapshotBatches(to string, msgs []network.Message) {
	if d.MeshSend == nil {
		return
	}
	for i := 0; i < len(msgs); i += snapshotBatchSize {
		end := i + snapshotBatchSize
		if end > len(msgs) {
			end = len(msgs)
		}
		var encoded [][]byte
		for _, m := range msgs[i:end] {
			data, err := m.Encode()
			if err != nil {
				d.Log.Warn("encode snapshot message failed", slog.String("path", m.Path), slog.String("error", err.Error()))
				continue
			}
			encoded = append(encoded, data)
		}
		if len(encoded) == 0 {
			continue
		}
		var out []byte
		if len(encoded) == 1 {
			out = encoded[0]
		} else {
			out = network.EncodeBundle(clock.Now(), encoded)
		}
		if err := d.MeshSend(to, out); err != nil {
			d.Log.Debug("snapshot batch send failed", slog.String("to", to), slog.String("error", err.Error()))
			continue
		}
		for _, m := range msgs[i:end] {
			d.countSent(m.Path)
		}
	}
}

// sendSubscribe requests device+signals from a newly discovered peer so
// later map negotiation already knows its signal metadata (spec.md §4.3,
// §4.10 step 5 "autosubscribe").
func (d *Device) sendSubscribe(toAddr, remoteDevName string) {
	if toAddr == "" || d.MeshSend == nil {
		return
	}
	args := []oscmsg.Atom{
		{Tag: oscmsg.TagString, String: "device"},
		{Tag: oscmsg.TagString, String: "signals"},
		{Tag: oscmsg.TagString, String: "@lease"}, {Tag: oscmsg.TagInt32, Num: 3600},
	}
	subPath := "/" + remoteDevName + "/subscribe"
	data, err := network.Message{Path: subPath, Args: args}.Encode()
	if err != nil {
		d.Log.Warn("encode autosubscribe failed", slog.String("error", err.Error()))
		return
	}
	if err := d.MeshSend(toAddr, data); err != nil {
		d.Log.Debug("autosubscribe send failed", slog.String("peer", remoteDevName), slog.String("error", err.Error()))
		return
	}
	d.countSent(subPath)
}

// notifySignalChanged re-emits sig's property snapshot to every
// subscriber whose flags match, on any local or map-delivered value
// change (spec.md §4.3 "re-emit the affected object to matching
// subscribers").
func (d *Device) notifySignalChanged(sig *signal.Signal) {
	if d.MeshSend == nil {
		return
	}
	data, err := signalSnapshotMessage(d, sig).Encode()
	if err != nil {
		return
	}
	for _, sub := range d.Subs.Matching(signalFlagsFor(sig)) {
		if err := d.MeshSend(sub.Addr, data); err != nil {
			d.Log.Debug("signal change notify failed", slog.String("peer", sub.Addr), slog.String("error", err.Error()))
			continue
		}
		d.countSent("/signal")
	}
}
