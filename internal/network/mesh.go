package network

import (
	"fmt"
	"log/slog"
	"net"
	"time"
)

// Mesh is the unicast OSC channel used for subscriber fan-out and direct
// peer-to-peer map handshakes once a device knows another's admin
// address (spec.md §4.1 "Mesh").
type Mesh struct {
	conn *net.UDPConn
	log  *slog.Logger
}

// NewMesh opens a unicast UDP socket on an OS-assigned port (port 0), or
// the given port if nonzero.
func NewMesh(port int, log *slog.Logger) (*Mesh, error) {
	if log == nil {
		log = slog.Default()
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, fmt.Errorf("network: listen mesh: %w", err)
	}
	return &Mesh{conn: conn, log: log}, nil
}

// Addr returns the mesh socket's local address string, advertised to
// peers as the link's admin address (spec.md §3 Link entity).
func (m *Mesh) Addr() string { return m.conn.LocalAddr().String() }

// Port returns the mesh socket's local port.
func (m *Mesh) Port() int { return m.conn.LocalAddr().(*net.UDPAddr).Port }

// SendTo writes an already-encoded OSC message (or bundle) directly to a
// peer's admin address. Best-effort: failure does not raise, per spec.md
// §5 ("every outbound mesh operation is best-effort; failure to deliver
// does not raise, but counts toward the peer's ping timeout").
func (m *Mesh) SendTo(addr string, data []byte) error {
	raddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return fmt.Errorf("network: resolve mesh peer %q: %w", addr, err)
	}
	if _, err := m.conn.WriteToUDP(data, raddr); err != nil {
		return fmt.Errorf("network: mesh send to %s: %w", addr, err)
	}
	return nil
}

// RecvNonBlock reads and dispatches at most one pending mesh datagram.
func (m *Mesh) RecvNonBlock(budget time.Duration, dispatch *Dispatcher) error {
	buf := make([]byte, 65536)
	if err := m.conn.SetReadDeadline(time.Now().Add(budget)); err != nil {
		return fmt.Errorf("network: set mesh read deadline: %w", err)
	}
	n, addr, err := m.conn.ReadFromUDP(buf)
	if err != nil {
		if isTimeout(err) {
			return nil
		}
		return fmt.Errorf("network: mesh recv: %w", err)
	}
	return dispatch.DispatchRaw(buf[:n], addr.String())
}

// Close closes the mesh socket.
func (m *Mesh) Close() error { return m.conn.Close() }
