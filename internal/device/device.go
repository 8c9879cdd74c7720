package device

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/libmapper/mapperd/internal/clock"
	"github.com/libmapper/mapperd/internal/expr"
	"github.com/libmapper/mapperd/internal/graph"
	"github.com/libmapper/mapperd/internal/idmap"
	"github.com/libmapper/mapperd/internal/link"
	"github.com/libmapper/mapperd/internal/mapping"
	"github.com/libmapper/mapperd/internal/oscmsg"
	"github.com/libmapper/mapperd/internal/proptable"
	"github.com/libmapper/mapperd/internal/router"
	"github.com/libmapper/mapperd/internal/signal"
)

// Status tracks a device's overall lifecycle (spec.md §3 Device entity
// "created locally by owner or learned via discovery; name locked after
// allocation; destroyed on explicit free or peer-timeout").
type Status uint8

const (
	StatusProbing Status = iota
	StatusReady
	StatusExpired
)

// Device is the local aggregate identity: name allocation, property
// table, subscriber bookkeeping, and router (spec.md §3 Device entity).
type Device struct {
	Naming *NameAllocator
	Props  *proptable.Table
	Subs   *SubscriberList
	Router *router.Router

	SyncedTime time.Time
	status     Status

	// pendingFlush holds maps staged before registration locked, flushed
	// once the name is locked (spec.md §4.2 step 5).
	pendingFlush []func()

	// Log is this device's logger, derived via logger.With(...) the way
	// bfd.Session derives its per-peer logger (SPEC_FULL.md §1 AMBIENT
	// STACK). Defaults to slog.Default() until SetLogger is called.
	Log *slog.Logger

	// LocalSignals holds every signal this device owns, keyed by the id
	// RegisterSignal assigned it (spec.md §3 Signal entity).
	LocalSignals map[uint64]*signal.Signal

	// Handshakes tracks in-flight map negotiations this device is driving
	// as the destination endpoint, keyed by map id (spec.md §4.5).
	Handshakes map[uint64]*mapping.HandshakeState

	// pendingExpr carries the client-supplied @expression string (which
	// may be empty, meaning "use the default") for a map still mid
	// handshake; read and cleared once the handshake completes.
	pendingExpr map[uint64]string

	// pendingLin carries the per-source affine range data for a
	// mode=linear map still mid handshake, consumed when the expression
	// compiles (spec.md §4.5 "Default expressions", mode=linear).
	pendingLin map[uint64][]expr.Linearization

	// sourceMaps holds the minimal Map mirror this device keeps when it
	// acts as a map's source rather than its destination: just enough to
	// wire Router.AddMap so a local set_value reaches the link, without
	// tracking the full negotiation state only the destination owns
	// (spec.md §4.5, §4.7).
	sourceMaps map[uint64]*mapping.Map

	lastPingAt map[uint64]time.Time

	// IDMaps is the device-scoped table associating local instance ids
	// with globally unique instance ids (spec.md §3 Id-Map entity,
	// "A device owns ... the id-maps for its signal groups").
	IDMaps *idmap.Table

	// nextGID seeds the low word of newly allocated global instance ids;
	// the high word is always this device's id (Invariant 5).
	nextGID uint32

	// BusSend/MeshSend/DataSendUDP/DataSendTCP are the outbound transports
	// wired by the runtime after construction (cmd/mapperd/main.go). Kept
	// as plain funcs so this package does not depend on internal/network's
	// listener types.
	BusSend     func(data []byte) error
	MeshSend    func(addr string, data []byte) error
	DataSendUDP func(addr string, data []byte) error
	DataSendTCP func(addr string, data []byte) error

	// graph is the process-wide object graph this device's runtime wiring
	// reads and mutates (map negotiation, link housekeeping, subscriber
	// fan-out). Nil until SetGraph is called, in which case the runtime
	// wiring in mapnegotiation.go is inert (spec.md §2, §4.5, §4.8).
	graph *graph.Graph

	lastSyncAt time.Time

	// PingTimeout is the configured link-dead threshold applied to every
	// link this device establishes (spec.md §6.3 "peer ping timeout").
	// Defaults to link.TimeoutSec.
	PingTimeout time.Duration

	// Metrics, when set, receives the runtime telemetry this device's hot
	// paths produce (messages sent, map status transitions, link clock
	// quality), mirroring how the BFD session manager feeds its collector.
	Metrics Metrics

	// AdminHost/AdminPort are this process's mesh admin address, advertised
	// in /device so peers know where to send /mapTo, /ping, and map data
	// (spec.md §4.1, §6.1; link.Addresses' UDPData/TCPData reuse this same
	// address, since the wire schema has no separate data-port property).
	AdminHost string
	AdminPort int
}

// Metrics is the telemetry surface the device feeds from its hot paths;
// satisfied by mappermetrics.Collector. Kept as a local interface so this
// package does not depend on the Prometheus stack.
type Metrics interface {
	IncMessagesSent(path string)
	RecordMapTransition(from, to string)
	ObserveLinkClock(peerAddr, localAddr string, offsetSec, jitterSec float64)
}

// New returns a device in the probing state.
func New(prefix string, numLocalDevices int, seed int64) *Device {
	d := &Device{
		Naming:       NewNameAllocator(prefix, numLocalDevices, seed),
		Props:        proptable.New(),
		Subs:         NewSubscriberList(),
		Log:          slog.Default(),
		LocalSignals: make(map[uint64]*signal.Signal),
		Handshakes:   make(map[uint64]*mapping.HandshakeState),
		pendingExpr:  make(map[uint64]string),
		pendingLin:   make(map[uint64][]expr.Linearization),
		sourceMaps:   make(map[uint64]*mapping.Map),
		lastPingAt:   make(map[uint64]time.Time),
		IDMaps:       idmap.NewTable(1),
		PingTimeout:  link.TimeoutSec,
	}
	d.Router = router.New(d.Naming.Prefix) // reassigned to the locked name in Poll
	return d
}

// SetLogger installs d's logger, derived from log with this device's name
// prefix attached, matching bfd.Session's per-object logger pattern.
func (d *Device) SetLogger(log *slog.Logger) {
	if log == nil {
		return
	}
	d.Log = log.With(slog.String("component", "device"), slog.String("prefix", d.Naming.Prefix))
}

// SetGraph installs the process-wide object graph this device's runtime
// wiring (map negotiation, link housekeeping, subscriber fan-out) uses.
func (d *Device) SetGraph(g *graph.Graph) { d.graph = g }

// Status returns the device's lifecycle state.
func (d *Device) Status() Status { return d.status }

// DeferUntilLocked queues fn to run once the device's name locks
// (spec.md §4.2 step 5 "flush any maps staged before registration").
func (d *Device) DeferUntilLocked(fn func()) {
	if d.Naming.Locked() {
		fn()
		return
	}
	d.pendingFlush = append(d.pendingFlush, fn)
}

// RegisterSignal declares a local signal, wiring it into the router so
// maps can reference it, and advertises it to the bus if the device is
// already locked (spec.md §3 Signal entity, §4.1).
func (d *Device) RegisterSignal(sig *signal.Signal) uint64 {
	id := ID(d.Name() + "/" + sig.Name)
	d.LocalSignals[id] = sig
	d.Router.Register(sig)
	sig.UpdateHandler = func(in *signal.Instance) {
		d.notifySignalChanged(sig)
	}
	d.Log.Info("signal registered", slog.String("signal", sig.Name),
		slog.Int("length", sig.Length), slog.String("type", sig.Type.String()))
	d.advertiseSignal(sig)
	return id
}

func (d *Device) advertiseSignal(sig *signal.Signal) {
	if d.BusSend == nil || !d.Naming.Locked() {
		return
	}
	msg := signalSnapshotMessage(d, sig)
	data, err := msg.Encode()
	if err != nil {
		d.Log.Warn("encode signal advertisement failed", slog.String("error", err.Error()))
		return
	}
	if err := d.BusSend(data); err != nil {
		d.Log.Warn("advertise signal failed", slog.String("error", err.Error()))
		return
	}
	d.countSent("/signal")
}

// SetValue implements set_value on a local signal, then runs the result
// through the outbound router pipeline (spec.md §4.4, §4.7).
func (d *Device) SetValue(sigID, lid uint64, typ oscmsg.Tag, val []float64, now time.Time, t clock.Time) ([]router.OutMessage, error) {
	sig, ok := d.LocalSignals[sigID]
	if !ok {
		return nil, fmt.Errorf("device: unknown local signal %d", sigID)
	}
	if err := sig.SetValue(lid, typ, val, now, t); err != nil {
		return nil, err
	}
	in, ok := sig.InstanceByLocalID(lid)
	if !ok {
		return nil, nil
	}
	if _, known := d.IDMaps.Lookup(lid); !known {
		// First update activates the instance across the network
		// (spec.md §3 Instance: "activated on first update").
		d.IDMaps.Activate(lid, d.allocGID())
	}
	outs := d.Router.ProcessOutbound(sig, in, d.ID(), t)
	if d.graph != nil && len(outs) > 0 {
		d.dispatchOutbound(d.graph, outs)
	}
	return outs, nil
}

// ReleaseValue implements release on a local signal instance, then runs
// the result through the outbound router pipeline (spec.md §4.4, §4.7).
func (d *Device) ReleaseValue(sigID, lid uint64, t clock.Time) []router.OutMessage {
	sig, ok := d.LocalSignals[sigID]
	if !ok {
		return nil
	}
	sig.Release(lid, t)
	in, ok := sig.InstanceByLocalID(lid)
	if !ok {
		return nil
	}
	outs := d.Router.ProcessOutbound(sig, in, d.ID(), t)
	if d.graph != nil && len(outs) > 0 {
		d.dispatchOutbound(d.graph, outs)
	}
	d.IDMaps.ReleaseLocal(lid)
	return outs
}

// allocGID mints the next globally unique instance id: this device's id
// in the high word, a process-local counter in the low word (Invariant 5).
func (d *Device) allocGID() uint64 {
	d.nextGID++
	return d.ID() | uint64(d.nextGID)
}

// GlobalID returns the global instance id allocated for local instance
// lid, or 0 if the instance has never activated (Invariant 5).
func (d *Device) GlobalID(lid uint64) uint64 {
	e, ok := d.IDMaps.Lookup(lid)
	if !ok {
		return 0
	}
	return e.GID
}

// countSent feeds the sent-message counter when a collector is wired.
func (d *Device) countSent(path string) {
	if d.Metrics != nil {
		d.Metrics.IncMessagesSent(path)
	}
}

// mapTransition forwards a map's status change to the collector; installed
// as Map.OnTransition on every map this device creates.
func (d *Device) mapTransition(from, to mapping.Status) {
	if d.Metrics != nil {
		d.Metrics.RecordMapTransition(from.String(), to.String())
	}
}

// pollPropertyDirty re-emits /device once per poll cycle when the
// property table has changed since the last emit and any subscriber is
// watching the device (spec.md §4.10 step 5).
func (d *Device) pollPropertyDirty() {
	if !d.Props.Dirty() {
		return
	}
	subs := d.Subs.Matching(FlagDevice)
	if len(subs) == 0 {
		return
	}
	msg := DeviceAdvertiseMessage(d, d.AdminPort, d.AdminHost)
	msg.Args = append(msg.Args, d.Props.AddToMsg()...)
	data, err := msg.Encode()
	if err != nil {
		d.Log.Warn("encode dirty /device re-advertisement failed", slog.String("error", err.Error()))
		return
	}
	if d.MeshSend != nil {
		for _, sub := range subs {
			if err := d.MeshSend(sub.Addr, data); err != nil {
				d.Log.Debug("dirty /device send failed", slog.String("peer", sub.Addr), slog.String("error", err.Error()))
				continue
			}
			d.countSent("/device")
		}
	}
	d.Props.ClearDirty()
}

// Poll drives the device's periodic work: name-allocation decisions while
// probing, subscriber lease expiry, map/link/handshake housekeeping, and
// dirty-property re-advertisement once ready (spec.md §4.2 step 4, §4.3,
// §4.8, §4.10).
func (d *Device) Poll(now time.Time) {
	wasLocked := d.Naming.Locked()
	d.Naming.Poll(now)
	if !wasLocked && d.Naming.Locked() {
		d.onLocked()
	}
	if d.status == StatusReady {
		d.Subs.ExpireOlderThan(now)
		d.pollPropertyDirty()
		if d.graph != nil {
			d.pollLinks(now)
			d.pollHandshakes(now)
			d.pollHousekeeping(now)
		}
	}
	d.SyncedTime = now
}

func (d *Device) onLocked() {
	d.status = StatusReady
	d.Router = router.New(d.Naming.Name())
	d.Log.Info("device name locked", slog.String("name", d.Naming.Name()), slog.Uint64("device_id", d.ID()))
	d.announceDevice()
	for _, fn := range d.pendingFlush {
		fn()
	}
	d.pendingFlush = nil
}

// announceDevice sends /device so peers learn this device's admin address
// (spec.md §4.2 step 5, §4.10 step 5).
func (d *Device) announceDevice() {
	if d.BusSend == nil {
		return
	}
	msg := DeviceAdvertiseMessage(d, d.AdminPort, d.AdminHost)
	data, err := msg.Encode()
	if err != nil {
		d.Log.Warn("encode device advertisement failed", slog.String("error", err.Error()))
		return
	}
	if err := d.BusSend(data); err != nil {
		d.Log.Warn("announce device failed", slog.String("error", err.Error()))
		return
	}
	d.countSent("/device")
}

// Name returns the device's candidate or locked name.
func (d *Device) Name() string { return d.Naming.Name() }

// ID returns the device's 64-bit identity, valid once the name is locked
// (Invariant 1).
func (d *Device) ID() uint64 { return ID(d.Naming.Name()) }
