package network

import (
	"fmt"
	"log/slog"
	"net"
	"time"
)

// DataServers owns the UDP and TCP data servers a ready device opens on
// the same port, advertised via its @port property, for signal value
// updates and /<dev>/<sig>/get queries (spec.md §4.1, §6.2).
type DataServers struct {
	udp      *net.UDPConn
	tcp      *net.TCPListener
	port     int
	log      *slog.Logger
	tcpConns map[string]*net.TCPConn
}

// NewDataServers opens a UDP socket on an OS-assigned port, then binds a
// TCP listener to that same port number (spec.md §4.1 "bound to the same
// port chosen at startup").
func NewDataServers(log *slog.Logger) (*DataServers, error) {
	if log == nil {
		log = slog.Default()
	}
	udp, err := net.ListenUDP("udp4", &net.UDPAddr{Port: 0})
	if err != nil {
		return nil, fmt.Errorf("network: listen data udp: %w", err)
	}
	port := udp.LocalAddr().(*net.UDPAddr).Port

	tcp, err := net.ListenTCP("tcp4", &net.TCPAddr{Port: port})
	if err != nil {
		udp.Close()
		return nil, fmt.Errorf("network: listen data tcp on port %d: %w", port, err)
	}

	return &DataServers{udp: udp, tcp: tcp, port: port, log: log, tcpConns: make(map[string]*net.TCPConn)}, nil
}

// Port returns the shared UDP/TCP data port, advertised as the device's
// @port property (spec.md §4.1).
func (d *DataServers) Port() int { return d.port }

// SendUDP writes an encoded message to addr over the UDP data transport
// (the default for map protocol=udp, spec.md §4 SUPPLEMENT "@protocol").
func (d *DataServers) SendUDP(addr string, data []byte) error {
	raddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return fmt.Errorf("network: resolve data udp peer %q: %w", addr, err)
	}
	if _, err := d.udp.WriteToUDP(data, raddr); err != nil {
		return fmt.Errorf("network: data udp send to %s: %w", addr, err)
	}
	return nil
}

// SendTCP writes an encoded message to addr over a persistent TCP
// connection, opening one lazily if none exists yet (map protocol=tcp).
func (d *DataServers) SendTCP(addr string, data []byte) error {
	conn, ok := d.tcpConns[addr]
	if !ok {
		raddr, err := net.ResolveTCPAddr("tcp4", addr)
		if err != nil {
			return fmt.Errorf("network: resolve data tcp peer %q: %w", addr, err)
		}
		conn, err = net.DialTCP("tcp4", nil, raddr)
		if err != nil {
			return fmt.Errorf("network: dial data tcp %s: %w", addr, err)
		}
		d.tcpConns[addr] = conn
	}
	if _, err := conn.Write(data); err != nil {
		delete(d.tcpConns, addr)
		return fmt.Errorf("network: data tcp send to %s: %w", addr, err)
	}
	return nil
}

// RecvUDPNonBlock reads and dispatches at most one pending UDP data
// datagram.
func (d *DataServers) RecvUDPNonBlock(budget time.Duration, dispatch *Dispatcher) error {
	buf := make([]byte, 65536)
	if err := d.udp.SetReadDeadline(time.Now().Add(budget)); err != nil {
		return fmt.Errorf("network: set data udp read deadline: %w", err)
	}
	n, addr, err := d.udp.ReadFromUDP(buf)
	if err != nil {
		if isTimeout(err) {
			return nil
		}
		return fmt.Errorf("network: data udp recv: %w", err)
	}
	return dispatch.DispatchRaw(buf[:n], addr.String())
}

// AcceptAndRecvNonBlock accepts at most one pending TCP connection (if
// any) within budget, reads one message from it, and closes it; further
// data on that connection is not read.
func (d *DataServers) AcceptAndRecvNonBlock(budget time.Duration, dispatch *Dispatcher) error {
	if err := d.tcp.SetDeadline(time.Now().Add(budget)); err != nil {
		return fmt.Errorf("network: set data tcp accept deadline: %w", err)
	}
	conn, err := d.tcp.Accept()
	if err != nil {
		if isTimeout(err) {
			return nil
		}
		return fmt.Errorf("network: data tcp accept: %w", err)
	}
	defer conn.Close()

	buf := make([]byte, 65536)
	_ = conn.SetReadDeadline(time.Now().Add(budget))
	n, err := conn.Read(buf)
	if err != nil {
		if isTimeout(err) {
			return nil
		}
		return fmt.Errorf("network: data tcp recv: %w", err)
	}
	return dispatch.DispatchRaw(buf[:n], conn.RemoteAddr().String())
}

// Close closes the UDP socket, the TCP listener, and every open TCP
// peer connection.
func (d *DataServers) Close() error {
	for _, c := range d.tcpConns {
		c.Close()
	}
	if err := d.tcp.Close(); err != nil {
		d.udp.Close()
		return fmt.Errorf("network: close data tcp listener: %w", err)
	}
	return d.udp.Close()
}
