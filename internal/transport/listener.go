// Package transport owns the listening sockets the relay accepts on: the
// primary TCP listener (IPv6 dual-stack preferred, IPv4 fallback) and an
// optional WebSocket bridge for clients that can't open a raw TCP socket.
// Framing and protocol semantics live in internal/protocol and
// internal/relay; this package only ever hands back a net.Conn.
package transport

import (
	"errors"
	"fmt"
	"net"
)

// BindError wraps a listener bind failure, surfaced to main.go as a fatal
// startup error.
type BindError struct {
	Port int
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("transport: bind port %d: %v", e.Port, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// Listen binds port, preferring an IPv6 dual-stack listener and falling
// back to IPv4 if that bind fails. Port 0 requests an OS-chosen port,
// reported back via the returned uint16.
//
// The listener is returned unwrapped: a relay server can have an unbounded
// number of connected spectators in addition to its four player slots, so
// capping concurrently-open connections at MaxPlayers would wrongly reject
// spectators once the fifth connection arrived. Nothing here bounds the
// kernel's pending-accept backlog either; the OS default is large enough
// that a relay serving a handful of players per process never comes close
// to it.
func Listen(port int) (net.Listener, uint16, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("[::]:%d", port))
	if err != nil {
		ln, err = net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", port))
		if err != nil {
			return nil, 0, &BindError{Port: port, Err: err}
		}
	}

	tcpAddr, ok := ln.Addr().(*net.TCPAddr)
	if !ok {
		_ = ln.Close()
		return nil, 0, &BindError{Port: port, Err: errors.New("listener did not return a TCP address")}
	}

	return ln, uint16(tcpAddr.Port), nil
}
