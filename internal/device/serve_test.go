package device

import (
	"testing"
	"time"

	"github.com/libmapper/mapperd/internal/graph"
	"github.com/libmapper/mapperd/internal/network"
	"github.com/libmapper/mapperd/internal/oscmsg"
)

func TestWireNamingSendsProbeOnStart(t *testing.T) {
	a := NewNameAllocator("synth", 1, 1)

	var sent []network.Message
	WireNaming(a, func(data []byte) error {
		msg, err := network.Decode(data)
		if err != nil {
			t.Fatalf("decode sent probe: %v", err)
		}
		sent = append(sent, msg)
		return nil
	}, nil)

	a.Start(time.Now())

	if len(sent) != 1 {
		t.Fatalf("len(sent) = %d, want 1", len(sent))
	}
	if sent[0].Path != "/name/probe" {
		t.Errorf("Path = %q, want /name/probe", sent[0].Path)
	}
	if len(sent[0].Args) != 2 || sent[0].Args[0].String != "synth.1" {
		t.Errorf("probe args = %+v, want [synth.1, <randomID>]", sent[0].Args)
	}
}

func TestWireNamingSendsRegisteredOnLock(t *testing.T) {
	a := NewNameAllocator("synth", 1, 1)
	var sent []network.Message
	WireNaming(a, func(data []byte) error {
		msg, err := network.Decode(data)
		if err != nil {
			return err
		}
		sent = append(sent, msg)
		return nil
	}, nil)

	base := time.Now()
	a.Start(base)
	a.HandleRegistered("other.1", 0, 0) // marks online without a name collision
	a.Poll(base.Add(collisionWindow + time.Millisecond))

	if !a.Locked() {
		t.Fatal("allocator did not lock")
	}

	last := sent[len(sent)-1]
	if last.Path != "/name/registered" {
		t.Errorf("Path = %q, want /name/registered", last.Path)
	}
	if last.Args[0].String != "synth.1" {
		t.Errorf("registered name = %q, want synth.1", last.Args[0].String)
	}
}

func TestRegisterHandlersWiresProbeAndRegistered(t *testing.T) {
	d := New("synth", 1, 1)
	d.Naming.Start(time.Now())

	disp := network.NewDispatcher(nil)
	RegisterHandlers(disp, d, graph.New())

	// A higher random id than ours should trigger a /name/registered reply
	// via d.Naming.OnRegistered once wired by the caller.
	var replied bool
	d.Naming.OnRegistered = func(name string, randomID, suggested int32) { replied = true }

	probe := network.Message{Path: "/name/probe", Args: []oscmsg.Atom{
		{Tag: oscmsg.TagString, String: d.Naming.Name()},
		{Tag: oscmsg.TagInt32, Num: float64(d.Naming.randomID) + 1},
	}}
	disp.Dispatch(probe, "10.0.0.5:9000")

	if !replied {
		t.Fatal("HandleProbe with a higher random id should trigger OnRegistered")
	}
}

func TestRegisterHandlersSubscribe(t *testing.T) {
	d := New("synth", 1, 1)
	base := time.Now()
	d.Naming.Start(base)
	d.Naming.HandleRegistered("other.1", 0, 0) // marks online without a name collision
	d.Poll(base.Add(collisionWindow + time.Millisecond))
	if !d.Naming.Locked() {
		t.Fatal("setup: device did not lock")
	}

	disp := network.NewDispatcher(nil)
	RegisterHandlers(disp, d, graph.New())

	sub := network.Message{Path: "/" + d.Name() + "/subscribe", Args: []oscmsg.Atom{
		{Tag: oscmsg.TagString, String: "signals"},
		{Tag: oscmsg.TagString, String: "@lease"},
		{Tag: oscmsg.TagInt32, Num: 60},
	}}
	disp.Dispatch(sub, "10.0.0.9:9001")

	if d.Subs.Len() != 1 {
		t.Fatalf("Subs.Len() = %d, want 1", d.Subs.Len())
	}
}

func TestRegisterHandlersDeviceAndSignal(t *testing.T) {
	d := New("synth", 1, 1)
	base := time.Now()
	d.Naming.Start(base)
	d.Naming.HandleRegistered("other.1", 0, 0)
	d.Poll(base.Add(collisionWindow + time.Millisecond))
	if !d.Naming.Locked() {
		t.Fatal("setup: device did not lock")
	}

	g := graph.New()
	disp := network.NewDispatcher(nil)
	RegisterHandlers(disp, d, g)

	devMsg := network.Message{Path: "/device", Args: []oscmsg.Atom{
		{Tag: oscmsg.TagString, String: "other.1"},
		{Tag: oscmsg.TagString, String: "@port"},
		{Tag: oscmsg.TagInt32, Num: 9001},
	}}
	disp.Dispatch(devMsg, "10.0.0.2:9001")
	if len(g.Devices) != 1 {
		t.Fatalf("Devices after /device = %d, want 1", len(g.Devices))
	}

	sigMsg := network.Message{Path: "/signal", Args: []oscmsg.Atom{
		{Tag: oscmsg.TagString, String: "other.1/out"},
		{Tag: oscmsg.TagString, String: "@type"},
		{Tag: oscmsg.TagChar, Num: float64('f')},
	}}
	disp.Dispatch(sigMsg, "10.0.0.2:9001")
	if len(g.Signals) != 1 {
		t.Fatalf("Signals after /signal = %d, want 1", len(g.Signals))
	}

	removed := network.Message{Path: "/signal/removed", Args: []oscmsg.Atom{
		{Tag: oscmsg.TagString, String: "other.1/out"},
	}}
	disp.Dispatch(removed, "10.0.0.2:9001")
	if len(g.Signals) != 0 {
		t.Fatalf("Signals after /signal/removed = %d, want 0", len(g.Signals))
	}

	logout := network.Message{Path: "/logout", Args: []oscmsg.Atom{
		{Tag: oscmsg.TagString, String: "other.1"},
	}}
	disp.Dispatch(logout, "10.0.0.2:9001")
	if len(g.Devices) != 0 {
		t.Fatalf("Devices after /logout = %d, want 0", len(g.Devices))
	}
}

func TestRegisterHandlersIgnoresOwnDeviceAdvertisement(t *testing.T) {
	d := New("synth", 1, 1)
	base := time.Now()
	d.Naming.Start(base)
	d.Naming.HandleRegistered("other.1", 0, 0)
	d.Poll(base.Add(collisionWindow + time.Millisecond))

	g := graph.New()
	disp := network.NewDispatcher(nil)
	RegisterHandlers(disp, d, g)

	devMsg := network.Message{Path: "/device", Args: []oscmsg.Atom{
		{Tag: oscmsg.TagString, String: d.Name()},
	}}
	disp.Dispatch(devMsg, "127.0.0.1:9000")
	if len(g.Devices) != 0 {
		t.Fatalf("own /device advertisement should not be recorded in the graph, got %d", len(g.Devices))
	}
}

func TestParseSubscribeArgs(t *testing.T) {
	msg := network.Message{Args: []oscmsg.Atom{
		{Tag: oscmsg.TagString, String: "device"},
		{Tag: oscmsg.TagString, String: "maps"},
		{Tag: oscmsg.TagString, String: "@version"},
		{Tag: oscmsg.TagInt32, Num: 3},
		{Tag: oscmsg.TagString, String: "@lease"},
		{Tag: oscmsg.TagInt32, Num: 30},
	}}
	flags, lease, version := parseSubscribeArgs(msg)

	if flags&FlagDevice == 0 || flags&FlagMaps == 0 {
		t.Errorf("flags = %b, want FlagDevice|FlagMaps set", flags)
	}
	if lease != 30 {
		t.Errorf("lease = %d, want 30", lease)
	}
	if version != 3 {
		t.Errorf("version = %d, want 3", version)
	}
}
