// Package graph implements the process-wide object graph: every device,
// signal, map, and link this process has learned about (locally owned or
// discovered over the bus), plus the callback list that notifies
// interested code of additions, changes, and removals (spec.md §3 Graph
// entity).
package graph

import (
	"hash/crc32"
	"time"

	"github.com/libmapper/mapperd/internal/link"
	"github.com/libmapper/mapperd/internal/mapping"
)

// deviceID computes the 64-bit device identity from its locked name
// (Invariant 1), matching device.ID without importing the higher-level
// device package.
func deviceID(name string) uint64 {
	return uint64(crc32.ChecksumIEEE([]byte(name))) << 32
}

// ObjectKind identifies which object list a callback fires for.
type ObjectKind uint8

const (
	KindDevice ObjectKind = iota
	KindSignal
	KindMap
	KindLink
)

// Event identifies the kind of change a callback fires for.
type Event uint8

const (
	EventAdd Event = iota
	EventModify
	EventRemove
)

// Callback is notified of graph changes (spec.md §3 Graph "callback
// list").
type Callback func(kind ObjectKind, event Event, id uint64)

// RemoteDevice is the graph's record of a device learned via discovery
// (the local device's own authoritative state lives in internal/device).
type RemoteDevice struct {
	ID         uint64
	Name       string
	SyncedTime time.Time

	// Addr is the peer's mesh admin address ("host:port"), parsed from its
	// /device advertisement's @host/@port properties. Empty until learned;
	// a link to this device cannot be established before then (spec.md
	// §4.1, §4.5 step 2 "once the source's admin address is known").
	Addr string
}

// RemoteSignal is the graph's record of a signal owned by any device,
// local or remote, as known from property updates over the bus.
type RemoteSignal struct {
	ID       uint64
	DeviceID uint64
	Name     string
}

// Graph owns every object list the local process has learned about and
// the staged-map timeout bookkeeping described in spec.md §5
// "Staged maps that do not reach active within the peer-ping timeout are
// dropped from the graph's staged-map count."
type Graph struct {
	Devices map[uint64]*RemoteDevice
	Signals map[uint64]*RemoteSignal
	Maps    map[uint64]*mapping.Map
	Links   map[uint64]*link.Link

	stagedSince map[uint64]time.Time
	callbacks   []Callback
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{
		Devices:     make(map[uint64]*RemoteDevice),
		Signals:     make(map[uint64]*RemoteSignal),
		Maps:        make(map[uint64]*mapping.Map),
		Links:       make(map[uint64]*link.Link),
		stagedSince: make(map[uint64]time.Time),
	}
}

// Subscribe registers a callback fired on every subsequent graph change.
func (g *Graph) Subscribe(cb Callback) {
	g.callbacks = append(g.callbacks, cb)
}

func (g *Graph) notify(kind ObjectKind, event Event, id uint64) {
	for _, cb := range g.callbacks {
		cb(kind, event, id)
	}
}

// AddDevice records a newly discovered device and notifies callbacks.
func (g *Graph) AddDevice(d *RemoteDevice) {
	_, existed := g.Devices[d.ID]
	g.Devices[d.ID] = d
	if existed {
		g.notify(KindDevice, EventModify, d.ID)
	} else {
		g.notify(KindDevice, EventAdd, d.ID)
	}
}

// RemoveDevice drops a device record (e.g. on `/logout`) and notifies
// callbacks.
func (g *Graph) RemoveDevice(id uint64) {
	if _, ok := g.Devices[id]; !ok {
		return
	}
	delete(g.Devices, id)
	g.notify(KindDevice, EventRemove, id)
}

// AddSignal records a signal (local or remote) and notifies callbacks.
func (g *Graph) AddSignal(s *RemoteSignal) {
	_, existed := g.Signals[s.ID]
	g.Signals[s.ID] = s
	if existed {
		g.notify(KindSignal, EventModify, s.ID)
	} else {
		g.notify(KindSignal, EventAdd, s.ID)
	}
}

// RemoveSignal drops a signal record and notifies callbacks.
func (g *Graph) RemoveSignal(id uint64) {
	if _, ok := g.Signals[id]; !ok {
		return
	}
	delete(g.Signals, id)
	g.notify(KindSignal, EventRemove, id)
}

// AddMap records a new map as staged, starting its peer-ping-timeout
// clock, and notifies callbacks.
func (g *Graph) AddMap(m *mapping.Map, now time.Time) {
	_, existed := g.Maps[m.ID]
	g.Maps[m.ID] = m
	g.stagedSince[m.ID] = now
	if existed {
		g.notify(KindMap, EventModify, m.ID)
	} else {
		g.notify(KindMap, EventAdd, m.ID)
	}
}

// MapActivated clears a map's staged-timeout tracking once it reaches
// the active status (spec.md §4.5 status machine).
func (g *Graph) MapActivated(id uint64) {
	delete(g.stagedSince, id)
	g.notify(KindMap, EventModify, id)
}

// RemoveMap drops a map record (on `/unmap` or peer timeout) and
// notifies callbacks.
func (g *Graph) RemoveMap(id uint64) {
	if _, ok := g.Maps[id]; !ok {
		return
	}
	delete(g.Maps, id)
	delete(g.stagedSince, id)
	g.notify(KindMap, EventRemove, id)
}

// ExpireStagedMaps drops every map still staged (not yet active) whose
// staged clock has exceeded timeout, per spec.md §5.
func (g *Graph) ExpireStagedMaps(now time.Time, timeout time.Duration) []uint64 {
	var expired []uint64
	for id, since := range g.stagedSince {
		m, ok := g.Maps[id]
		if !ok || m.Status() == mapping.Active {
			delete(g.stagedSince, id)
			continue
		}
		if now.Sub(since) >= timeout {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		g.RemoveMap(id)
	}
	return expired
}

// AddLink records a new link between two devices and notifies
// callbacks.
func (g *Graph) AddLink(l *link.Link) {
	g.Links[l.ID] = l
	g.notify(KindLink, EventAdd, l.ID)
}

// RemoveLink removes the link whose two device names match a and b (in
// either order) along with every map that crosses that device pair,
// notifying subscribers (spec.md §4.8 "remove the link and all maps
// that depend on it, notifying subscribers").
func (g *Graph) RemoveLink(deviceA, deviceB string) {
	a, b := deviceID(deviceA), deviceID(deviceB)

	var linkID uint64
	found := false
	for id, l := range g.Links {
		if sameDevicePair(l, a, b) {
			linkID, found = id, true
			break
		}
	}
	if !found {
		return
	}
	delete(g.Links, linkID)
	g.notify(KindLink, EventRemove, linkID)

	for mapID, m := range g.Maps {
		if mapCrossesDevicePair(m, a, b) {
			g.RemoveMap(mapID)
		}
	}
}

// LinkBetween returns the existing link between deviceA and deviceB (in
// either order), if one has already been established.
func (g *Graph) LinkBetween(deviceA, deviceB string) (*link.Link, bool) {
	a, b := deviceID(deviceA), deviceID(deviceB)
	for _, l := range g.Links {
		if sameDevicePair(l, a, b) {
			return l, true
		}
	}
	return nil, false
}

func sameDevicePair(l *link.Link, a, b uint64) bool {
	la, lb := deviceID(l.LocalDevice), deviceID(l.RemoteDevice)
	return (la == a && lb == b) || (la == b && lb == a)
}

func mapCrossesDevicePair(m *mapping.Map, a, b uint64) bool {
	destDev := deviceID(m.Dest.DeviceName)
	if destDev != a && destDev != b {
		return false
	}
	for _, s := range m.Sources {
		srcDev := deviceID(s.DeviceName)
		if srcDev == a || srcDev == b {
			if srcDev != destDev {
				return true
			}
		}
	}
	return false
}
