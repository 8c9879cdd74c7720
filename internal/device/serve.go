package device

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/libmapper/mapperd/internal/graph"
	"github.com/libmapper/mapperd/internal/mapping"
	"github.com/libmapper/mapperd/internal/network"
	"github.com/libmapper/mapperd/internal/oscmsg"
	"github.com/libmapper/mapperd/internal/signal"
)

// Transports bundles the four poll-time listener sockets a ready device
// owns: the discovery bus, the mesh, and the UDP/TCP data servers
// (spec.md §4.1, §4.10 step 3 "recv_noblock on all four servers").
type Transports struct {
	Bus  *network.Bus
	Mesh *network.Mesh
	Data *network.DataServers
}

// Poll drains at most one pending datagram from each of the four
// transports, splitting the overall budget evenly across them
// (spec.md §4.10 step 3).
func (t *Transports) Poll(budget time.Duration, dispatch *network.Dispatcher) error {
	each := budget / 4
	if each <= 0 {
		each = time.Millisecond
	}
	if err := t.Bus.RecvNonBlock(each, dispatch); err != nil {
		return fmt.Errorf("poll bus: %w", err)
	}
	if err := t.Mesh.RecvNonBlock(each, dispatch); err != nil {
		return fmt.Errorf("poll mesh: %w", err)
	}
	if err := t.Data.RecvUDPNonBlock(each, dispatch); err != nil {
		return fmt.Errorf("poll data udp: %w", err)
	}
	if err := t.Data.AcceptAndRecvNonBlock(each, dispatch); err != nil {
		return fmt.Errorf("poll data tcp: %w", err)
	}
	return nil
}

// Close tears down all four transports concurrently via an errgroup,
// returning the first error encountered.
func (t *Transports) Close() error {
	var g errgroup.Group
	g.Go(t.Bus.Close)
	g.Go(t.Mesh.Close)
	g.Go(t.Data.Close)
	return g.Wait()
}

// WireNaming connects a's name-allocation callbacks to outbound bus
// sends, encoding /name/probe and /name/registered per spec.md §4.2
// steps 1, 2, and 5.
func WireNaming(a *NameAllocator, send func(data []byte) error, log func(err error)) {
	a.OnProbe = func(name string, randomID int32) {
		msg := network.Message{Path: "/name/probe", Args: []oscmsg.Atom{
			{Tag: oscmsg.TagString, String: name},
			{Tag: oscmsg.TagInt32, Num: float64(randomID)},
		}}
		if err := encodeAndSend(msg, send); err != nil && log != nil {
			log(err)
		}
	}
	a.OnRegistered = func(name string, randomID int32, suggested int32) {
		msg := network.Message{Path: "/name/registered", Args: []oscmsg.Atom{
			{Tag: oscmsg.TagString, String: name},
			{Tag: oscmsg.TagInt32, Num: float64(randomID)},
			{Tag: oscmsg.TagInt32, Num: float64(suggested)},
		}}
		if err := encodeAndSend(msg, send); err != nil && log != nil {
			log(err)
		}
	}
}

func encodeAndSend(msg network.Message, send func([]byte) error) error {
	data, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Path, err)
	}
	return send(data)
}

// RegisterHandlers wires the bus/mesh/data dispatch table to d's naming
// allocator, subscriber list, router, and g's object records, covering
// every message name spec.md §4.1-§4.10 describes: discovery and
// bookkeeping (/name/probe, /name/registered, /<d.Name()>/subscribe,
// /device, /logout, /signal, /signal/removed), the map negotiation
// handshake (/map, /mapTo, /mapped, /map/modify, /unmap, /unmapped), the
// per-link ping/clock-sync path (/ping), the autosubscribe path (/sync),
// and the per-signal data paths (/:dev/:sig, /:dev/:sig/get). The
// handshake/ping/data-path logic itself lives in mapnegotiation.go,
// driven from these registrations and from Device.Poll's housekeeping.
func RegisterHandlers(disp *network.Dispatcher, d *Device, g *graph.Graph) {
	disp.Register("/name/probe", func(msg network.Message, from string, params map[string]string) {
		name, randomID, hint, ok := parseProbeArgs(msg)
		if !ok {
			return
		}
		d.Naming.HandleProbe(name, randomID, hint)
	})

	disp.Register("/name/registered", func(msg network.Message, from string, params map[string]string) {
		name, randomID, suggested, ok := parseRegisteredArgs(msg)
		if !ok {
			return
		}
		d.Naming.HandleRegistered(name, randomID, suggested)
	})

	disp.Register("/who", func(msg network.Message, from string, params map[string]string) {
		// A global query: every ready device re-announces itself and its
		// signals on the bus (spec.md §4.1 "global queries (/who)").
		if !d.Naming.Locked() {
			return
		}
		d.announceDevice()
		for _, sig := range d.LocalSignals {
			d.advertiseSignal(sig)
		}
	})

	disp.Register("/:dev/modify", func(msg network.Message, from string, params map[string]string) {
		if !d.Naming.Locked() || params["dev"] != d.Naming.Name() {
			return
		}
		d.applyPropertyAtoms(msg.Args, 0)
	})

	disp.Register("/:dev/signal/modify", func(msg network.Message, from string, params map[string]string) {
		if !d.Naming.Locked() || params["dev"] != d.Naming.Name() {
			return
		}
		name, ok := firstStringArg(msg)
		if !ok {
			return
		}
		if _, sigName, split := splitSignalName(name); split {
			name = sigName
		}
		d.handleSignalModify(name, msg.Args[1:])
	})

	disp.Register("/:dev/subscribe", func(msg network.Message, from string, params map[string]string) {
		if !d.Naming.Locked() || params["dev"] != d.Naming.Name() {
			return
		}
		flags, lease, version := parseSubscribeArgs(msg)
		_, removed := d.Subs.Subscribe(from, flags, lease, version, d.SyncedTime)
		if !removed {
			d.sendSnapshot(g, from, flags)
		}
	})

	disp.Register("/device", func(msg network.Message, from string, params map[string]string) {
		name, ok := firstStringArg(msg)
		if !ok || name == d.Naming.Name() {
			return
		}
		addr := parseDeviceAddr(msg, from)
		_, known := g.Devices[ID(name)]
		g.AddDevice(&graph.RemoteDevice{ID: ID(name), Name: name, SyncedTime: d.SyncedTime, Addr: addr})
		if !known {
			d.sendSubscribe(addr, name)
		}
	})

	disp.Register("/logout", func(msg network.Message, from string, params map[string]string) {
		name, ok := firstStringArg(msg)
		if !ok {
			return
		}
		g.RemoveDevice(ID(name))
	})

	disp.Register("/signal", func(msg network.Message, from string, params map[string]string) {
		full, ok := firstStringArg(msg)
		if !ok {
			return
		}
		devName, _, ok := splitSignalName(full)
		if !ok || devName == d.Naming.Name() {
			return
		}
		g.AddSignal(&graph.RemoteSignal{ID: signalID(full), DeviceID: ID(devName), Name: full})
	})

	disp.Register("/signal/removed", func(msg network.Message, from string, params map[string]string) {
		full, ok := firstStringArg(msg)
		if !ok {
			return
		}
		g.RemoveSignal(signalID(full))
	})

	disp.Register(mapping.PathMap, func(msg network.Message, from string, params map[string]string) {
		d.handleMap(g, from, msg)
	})
	disp.Register(mapping.PathMapTo, func(msg network.Message, from string, params map[string]string) {
		d.handleMapTo(g, from, msg)
	})
	disp.Register(mapping.PathMapped, func(msg network.Message, from string, params map[string]string) {
		d.handleMapped(g, msg)
	})
	disp.Register(mapping.PathMapModify, func(msg network.Message, from string, params map[string]string) {
		d.handleMapModify(g, msg)
	})
	disp.Register(mapping.PathUnmap, func(msg network.Message, from string, params map[string]string) {
		d.handleUnmap(g, from, msg)
	})
	disp.Register(mapping.PathUnmapped, func(msg network.Message, from string, params map[string]string) {
		d.handleUnmapped(g, msg)
	})
	disp.Register("/ping", func(msg network.Message, from string, params map[string]string) {
		d.handlePing(g, from, msg)
	})
	disp.Register("/sync", func(msg network.Message, from string, params map[string]string) {
		d.handleSync(g, from, msg)
	})

	// Registered after /:dev/subscribe so the dispatcher's wildcard-route
	// match (first pattern wins) never mistakes a subscribe/get control
	// message for a 2-segment signal path (spec.md §6.2).
	disp.Register("/:dev/:sig/get", func(msg network.Message, from string, params map[string]string) {
		d.handleSignalGet(from, params["dev"], params["sig"], msg)
	})
	disp.Register("/:dev/:sig", func(msg network.Message, from string, params map[string]string) {
		d.handleSignalData(g, params["dev"], params["sig"], msg)
	})
}

// applyPropertyAtoms walks a modify payload's (@key, values...) groups and
// stages each into the device's property table as a remote write, honoring
// the +@/-@ add/remove prefixes (spec.md §4.9, §6.1). Rejected writes
// (non-modifiable records, bad coercions) drop that group and continue,
// per §7 "ProtocolParse: the offending atom is dropped, others continue".
func (d *Device) applyPropertyAtoms(args []oscmsg.Atom, start int) {
	i := start
	for i < len(args) {
		a := args[i]
		if a.Tag != oscmsg.TagString || !strings.Contains(a.String, "@") {
			i++
			continue
		}
		key := a.String
		j := i + 1
		var vals []oscmsg.Atom
		for j < len(args) {
			v := args[j]
			if v.Tag == oscmsg.TagString && strings.Contains(v.String, "@") {
				break
			}
			vals = append(vals, v)
			j++
		}
		typ := oscmsg.TagString
		if len(vals) > 0 {
			typ = vals[0].Tag
		}
		if err := d.Props.SetFromAtom(key, typ, vals, true); err != nil {
			d.Log.Debug("modify: property write rejected",
				slog.String("key", key), slog.String("error", err.Error()))
		}
		i = j
	}
}

// handleSignalModify applies a /<dev>/signal/modify request to a local
// signal's mutable metadata and re-advertises it (spec.md §4.1, §4.3
// "On any state change ... re-emits the affected object").
func (d *Device) handleSignalModify(sigName string, args []oscmsg.Atom) {
	sig, _, ok := lookupLocalSignalByName(d, sigName)
	if !ok {
		d.Log.Debug("signal/modify references unknown local signal", slog.String("signal", sigName))
		return
	}
	for i := 0; i < len(args); i++ {
		a := args[i]
		if a.Tag != oscmsg.TagString || i+1 >= len(args) {
			continue
		}
		switch a.String {
		case "@min":
			sig.Min = collectNumericVector(args, i+1, sig.Length)
			i += len(sig.Min)
		case "@max":
			sig.Max = collectNumericVector(args, i+1, sig.Length)
			i += len(sig.Max)
		case "@unit":
			sig.Unit = args[i+1].String
			i++
		case "@rate":
			sig.Rate = args[i+1].Num
			i++
		case "@steal":
			sig.Steal = stealFromName(args[i+1].String)
			i++
		}
	}
	d.advertiseSignal(sig)
	d.notifySignalChanged(sig)
}

// collectNumericVector reads up to max consecutive numeric atoms starting
// at args[start].
func collectNumericVector(args []oscmsg.Atom, start, max int) []float64 {
	var out []float64
	for i := start; i < len(args) && len(out) < max; i++ {
		if !args[i].Tag.IsNumeric() {
			break
		}
		out = append(out, args[i].Num)
	}
	return out
}

func stealFromName(name string) signal.StealMode {
	switch strings.ToLower(name) {
	case "oldest":
		return signal.StealOldest
	case "newest":
		return signal.StealNewest
	default:
		return signal.StealNone
	}
}

// parseDeviceAddr extracts a /device advertisement's mesh admin address
// from its @host/@port properties, falling back to the sender's observed
// transport address when @host is absent (spec.md §6.1).
func parseDeviceAddr(msg network.Message, from string) string {
	host, port := "", ""
	for i := 0; i < len(msg.Args); i++ {
		a := msg.Args[i]
		if a.Tag != oscmsg.TagString || i+1 >= len(msg.Args) {
			continue
		}
		switch a.String {
		case "@host":
			host = msg.Args[i+1].String
			i++
		case "@port":
			port = strconv.Itoa(int(msg.Args[i+1].Int32()))
			i++
		}
	}
	if host == "" {
		if h, _, err := net.SplitHostPort(from); err == nil {
			host = h
		}
	}
	if host == "" || port == "" {
		return ""
	}
	return net.JoinHostPort(host, port)
}

// firstStringArg returns msg's first argument if it is a string/symbol
// atom, the common shape of every advertisement message's leading
// identifier (spec.md §6.1).
func firstStringArg(msg network.Message) (string, bool) {
	if len(msg.Args) == 0 {
		return "", false
	}
	a := msg.Args[0]
	if a.Tag != oscmsg.TagString && a.Tag != oscmsg.TagSymbol {
		return "", false
	}
	return a.String, true
}

// splitSignalName splits a "<devname>/<signame>" identifier as carried
// by /signal and /signal/removed (spec.md §4.1, §6.2).
func splitSignalName(full string) (devName, sigName string, ok bool) {
	i := strings.LastIndex(full, "/")
	if i <= 0 || i == len(full)-1 {
		return "", "", false
	}
	return full[:i], full[i+1:], true
}

// signalID derives a stable 64-bit identity for a remote signal from its
// full "<devname>/<signame>" name; the owning device mints the
// authoritative id for its own signals (spec.md §3 Signal entity), this
// is only used for the graph's bookkeeping of signals learned remotely.
func signalID(full string) uint64 {
	return ID(full)
}

// parseProbeArgs decodes "/name/probe <name> <random_id> [<hint>]"; the
// optional third atom is the ordinal hint of spec.md §4.2 step 2's
// equal-random-id case.
func parseProbeArgs(msg network.Message) (name string, randomID, hint int32, ok bool) {
	if len(msg.Args) < 2 {
		return "", 0, 0, false
	}
	if msg.Args[0].Tag != oscmsg.TagString || !msg.Args[1].Tag.IsNumeric() {
		return "", 0, 0, false
	}
	if len(msg.Args) > 2 && msg.Args[2].Tag.IsNumeric() {
		hint = msg.Args[2].Int32()
	}
	return msg.Args[0].String, msg.Args[1].Int32(), hint, true
}

func parseRegisteredArgs(msg network.Message) (name string, randomID, suggested int32, ok bool) {
	if len(msg.Args) < 3 || msg.Args[0].Tag != oscmsg.TagString {
		return "", 0, 0, false
	}
	return msg.Args[0].String, msg.Args[1].Int32(), msg.Args[2].Int32(), true
}

// parseSubscribeArgs decodes a /<dev>/subscribe payload: flag-name
// strings followed by @version and @lease properties (spec.md §4.3).
func parseSubscribeArgs(msg network.Message) (flags SubscribeFlag, leaseSec int, version int) {
	for i := 0; i < len(msg.Args); i++ {
		a := msg.Args[i]
		switch {
		case a.Tag == oscmsg.TagString && a.String == "@version" && i+1 < len(msg.Args):
			version = int(msg.Args[i+1].Int32())
			i++
		case a.Tag == oscmsg.TagString && a.String == "@lease" && i+1 < len(msg.Args):
			leaseSec = int(msg.Args[i+1].Int32())
			i++
		case a.Tag == oscmsg.TagString:
			flags |= flagFromName(a.String)
		}
	}
	return flags, leaseSec, version
}

func flagFromName(name string) SubscribeFlag {
	switch strings.ToLower(name) {
	case "device":
		return FlagDevice
	case "signals":
		return FlagSignals
	case "inputs":
		return FlagInputs
	case "outputs":
		return FlagOutputs
	case "maps":
		return FlagMaps
	case "maps_in":
		return FlagMapsIn
	case "maps_out":
		return FlagMapsOut
	case "all":
		return FlagAll
	default:
		return 0
	}
}

// devicePropertyArgs builds the @key/value argument list for a /device
// advertisement (spec.md §6.1 "/device <name> [@key val...]").
func devicePropertyArgs(port int, host string) []oscmsg.Atom {
	return []oscmsg.Atom{
		{Tag: oscmsg.TagString, String: "@port"},
		{Tag: oscmsg.TagInt32, Num: float64(port)},
		{Tag: oscmsg.TagString, String: "@host"},
		{Tag: oscmsg.TagString, String: host},
	}
}

// DeviceAdvertiseMessage builds the /device advertisement for d, sent
// on name lock and on any subsequent property change while subscribers
// exist (spec.md §4.2 step 5, §4.10 step 5).
func DeviceAdvertiseMessage(d *Device, port int, host string) network.Message {
	args := append([]oscmsg.Atom{{Tag: oscmsg.TagString, String: d.Name()}}, devicePropertyArgs(port, host)...)
	return network.Message{Path: "/device", Args: args}
}
