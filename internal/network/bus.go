package network

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"golang.org/x/net/ipv4"
)

// DefaultBusGroup and DefaultBusPort are the discovery bus defaults
// (spec.md §6.3 "multicast group"/"multicast port").
const (
	DefaultBusGroup = "224.0.1.3"
	DefaultBusPort  = 7570
)

// Bus is the multicast OSC channel used for device announcements, name
// allocation, global queries, and map control before a mesh address is
// known (spec.md §4.1 "Bus").
type Bus struct {
	conn  *net.UDPConn
	pconn *ipv4.PacketConn
	group *net.UDPAddr
	iface *net.Interface
	log   *slog.Logger
}

// NewBus opens a multicast socket bound to group:port on iface (nil
// selects the default interface), with TTL 1 and loopback enabled so
// devices sharing a host can discover each other (spec.md §6.3).
func NewBus(group string, port int, iface *net.Interface, log *slog.Logger) (*Bus, error) {
	if log == nil {
		log = slog.Default()
	}
	gaddr := &net.UDPAddr{IP: net.ParseIP(group), Port: port}
	if gaddr.IP == nil {
		return nil, fmt.Errorf("network: invalid multicast group %q", group)
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, fmt.Errorf("network: listen bus: %w", err)
	}

	pconn := ipv4.NewPacketConn(conn)
	if err := pconn.JoinGroup(iface, gaddr); err != nil {
		conn.Close()
		return nil, fmt.Errorf("network: join multicast group %s: %w", group, err)
	}
	if err := pconn.SetMulticastTTL(1); err != nil {
		conn.Close()
		return nil, fmt.Errorf("network: set multicast TTL: %w", err)
	}
	if err := pconn.SetMulticastLoopback(true); err != nil {
		conn.Close()
		return nil, fmt.Errorf("network: set multicast loopback: %w", err)
	}

	return &Bus{conn: conn, pconn: pconn, group: gaddr, iface: iface, log: log}, nil
}

// Send writes an already-encoded OSC message (or bundle) to the bus
// multicast group.
func (b *Bus) Send(data []byte) error {
	_, err := b.conn.WriteToUDP(data, b.group)
	if err != nil {
		return fmt.Errorf("network: bus send: %w", err)
	}
	return nil
}

// RecvNonBlock reads and dispatches at most one pending bus datagram,
// returning quickly if none is available within budget (spec.md §4.10
// "run at most one recv_noblock on the bus").
func (b *Bus) RecvNonBlock(budget time.Duration, dispatch *Dispatcher) error {
	buf := make([]byte, 65536)
	if err := b.conn.SetReadDeadline(time.Now().Add(budget)); err != nil {
		return fmt.Errorf("network: set bus read deadline: %w", err)
	}
	n, addr, err := b.conn.ReadFromUDP(buf)
	if err != nil {
		if isTimeout(err) {
			return nil
		}
		return fmt.Errorf("network: bus recv: %w", err)
	}
	return dispatch.DispatchRaw(buf[:n], addr.String())
}

// Close leaves the multicast group and closes the socket.
func (b *Bus) Close() error {
	_ = b.pconn.LeaveGroup(b.iface, b.group)
	return b.conn.Close()
}

func isTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}
