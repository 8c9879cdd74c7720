package network_test

import (
	"testing"
	"time"

	"github.com/libmapper/mapperd/internal/network"
)

func TestMeshSendRecvLoopback(t *testing.T) {
	t.Parallel()

	a, err := network.NewMesh(0, nil)
	if err != nil {
		t.Fatalf("NewMesh(a): %v", err)
	}
	defer a.Close()

	b, err := network.NewMesh(0, nil)
	if err != nil {
		t.Fatalf("NewMesh(b): %v", err)
	}
	defer b.Close()

	d := network.NewDispatcher(nil)
	received := make(chan string, 1)
	d.Register("/ping", func(msg network.Message, from string, params map[string]string) {
		received <- from
	})

	msg, _ := (network.Message{Path: "/ping"}).Encode()
	if err := a.SendTo(b.Addr(), msg); err != nil {
		t.Fatalf("SendTo: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if err := b.RecvNonBlock(50*time.Millisecond, d); err != nil {
			t.Fatalf("RecvNonBlock: %v", err)
		}
		select {
		case <-received:
			return
		default:
		}
	}
	t.Fatal("timed out waiting for /ping to arrive over mesh loopback")
}

func TestDataServersShareSinglePort(t *testing.T) {
	t.Parallel()

	srv, err := network.NewDataServers(nil)
	if err != nil {
		t.Fatalf("NewDataServers: %v", err)
	}
	defer srv.Close()

	if srv.Port() <= 0 {
		t.Fatalf("Port() = %d, want > 0", srv.Port())
	}
}
