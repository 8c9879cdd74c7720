package graph_test

import (
	"testing"
	"time"

	"github.com/libmapper/mapperd/internal/graph"
	"github.com/libmapper/mapperd/internal/link"
	"github.com/libmapper/mapperd/internal/mapping"
	"github.com/libmapper/mapperd/internal/slot"
)

func TestAddRemoveDeviceNotifiesSubscribers(t *testing.T) {
	g := graph.New()

	var events []graph.Event
	g.Subscribe(func(kind graph.ObjectKind, event graph.Event, id uint64) {
		if kind == graph.KindDevice {
			events = append(events, event)
		}
	})

	d := &graph.RemoteDevice{ID: 1, Name: "synth.1"}
	g.AddDevice(d)
	g.AddDevice(d) // second add is a modify, not a duplicate add
	g.RemoveDevice(1)

	if len(g.Devices) != 0 {
		t.Fatalf("len(Devices) = %d, want 0 after remove", len(g.Devices))
	}
	want := []graph.Event{graph.EventAdd, graph.EventModify, graph.EventRemove}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("events[%d] = %v, want %v", i, events[i], want[i])
		}
	}
}

func TestRemoveDeviceUnknownIsNoop(t *testing.T) {
	g := graph.New()
	notified := false
	g.Subscribe(func(graph.ObjectKind, graph.Event, uint64) { notified = true })

	g.RemoveDevice(999)

	if notified {
		t.Error("RemoveDevice on an unknown id should not notify")
	}
}

func newTestMap(id uint64, srcDevice, dstDevice string) *mapping.Map {
	src := slot.New(0, slot.Source, srcDevice, "freq")
	dst := slot.New(0, slot.Destination, dstDevice, "freq")
	return mapping.New(id, []*slot.Slot{src}, dst)
}

func TestExpireStagedMapsDropsOnlyTimedOutStagedMaps(t *testing.T) {
	g := graph.New()
	base := time.Now()

	staged := newTestMap(1, "a.1", "b.1")
	g.AddMap(staged, base)

	active := newTestMap(2, "a.1", "b.1")
	g.AddMap(active, base)
	g.MapActivated(active.ID)

	expired := g.ExpireStagedMaps(base.Add(11*time.Second), link.TimeoutSec)

	if len(expired) != 1 || expired[0] != 1 {
		t.Fatalf("expired = %v, want [1]", expired)
	}
	if _, ok := g.Maps[1]; ok {
		t.Error("staged map 1 should have been removed")
	}
	if _, ok := g.Maps[2]; !ok {
		t.Error("active map 2 should not have been removed")
	}
}

func TestExpireStagedMapsKeepsMapsWithinTimeout(t *testing.T) {
	g := graph.New()
	base := time.Now()

	m := newTestMap(1, "a.1", "b.1")
	g.AddMap(m, base)

	expired := g.ExpireStagedMaps(base.Add(1*time.Second), link.TimeoutSec)

	if len(expired) != 0 {
		t.Fatalf("expired = %v, want none", expired)
	}
	if _, ok := g.Maps[1]; !ok {
		t.Error("map within timeout should still be present")
	}
}

func TestRemoveLinkDropsCrossingMaps(t *testing.T) {
	g := graph.New()
	base := time.Now()

	l := link.New(1, "a.1", "b.1", link.Addresses{Admin: "10.0.0.1:9000"})
	g.AddLink(l)

	crossing := newTestMap(1, "a.1", "b.1")
	g.AddMap(crossing, base)

	local := newTestMap(2, "b.1", "b.1")
	g.AddMap(local, base)

	g.RemoveLink("a.1", "b.1")

	if len(g.Links) != 0 {
		t.Error("link should have been removed")
	}
	if _, ok := g.Maps[1]; ok {
		t.Error("map crossing the removed link's device pair should have been removed")
	}
	if _, ok := g.Maps[2]; !ok {
		t.Error("map confined to one device should survive the link removal")
	}
}
