// Package netio provides a minimal reference UDP transport satisfying the
// Source/Sink contract the Connection Driver polls (spec §6). It is not the
// protocol codec: no handshake, no encryption, no fragmentation — those stay
// out of scope, same as the wire layer the teacher's Transport sits on top
// of in transport.go, just over net.ListenUDP instead of WebTransport.
package netio

import (
	"fmt"
	"net"
)

// UDPSocket wraps a *net.UDPConn so it satisfies tsvoice.Source and
// tsvoice.Sink by structural typing. Reads block, mirroring Go's
// blocking-I/O-plus-goroutine idiom (the teacher's StartReceiving) rather
// than the original's non-blocking poll/wake model — Go's scheduler makes
// that translation unnecessary.
type UDPSocket struct {
	conn *net.UDPConn
}

// Listen opens a UDP socket bound to addr (e.g. ":9987", or ":0" for an
// ephemeral port, useful in tests).
func Listen(addr string) (*UDPSocket, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("netio: resolve %q: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("netio: listen %q: %w", addr, err)
	}
	return &UDPSocket{conn: conn}, nil
}

// LocalAddr reports the bound local address.
func (s *UDPSocket) LocalAddr() net.Addr { return s.conn.LocalAddr() }

// RecvFrom blocks until a datagram arrives.
func (s *UDPSocket) RecvFrom(buf []byte) (int, net.Addr, error) {
	n, addr, err := s.conn.ReadFromUDP(buf)
	if err != nil {
		return 0, nil, fmt.Errorf("netio: recv: %w", err)
	}
	return n, addr, nil
}

// SendTo writes one datagram. UDP writes never block on a healthy local
// socket, so ok is always true on a nil error; the bool exists to satisfy
// the Sink contract for sinks that do buffer.
func (s *UDPSocket) SendTo(b []byte, to net.Addr) (bool, error) {
	udpAddr, ok := to.(*net.UDPAddr)
	if !ok {
		resolved, err := net.ResolveUDPAddr("udp", to.String())
		if err != nil {
			return false, fmt.Errorf("netio: resolve peer %v: %w", to, err)
		}
		udpAddr = resolved
	}
	if _, err := s.conn.WriteToUDP(b, udpAddr); err != nil {
		return false, fmt.Errorf("netio: send: %w", err)
	}
	return true, nil
}

// Close releases the underlying socket.
func (s *UDPSocket) Close() error { return s.conn.Close() }
