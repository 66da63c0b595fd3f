// Package transport defines the plug contract any concrete transport must
// satisfy to back the session framework (spec §4.2 "transport-agnostic"),
// plus tcp/kcp/ws implementations. TLS/QUIC concrete handshakes are left
// out of scope (spec §1) — any future transport need only satisfy Listener
// and Dialer.
package transport

import (
	"context"
	"net"
)

// Conn is what the session framework needs from an accepted or dialed
// connection: the session.Stream contract plus an address for logging.
type Conn interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	RemoteAddr() net.Addr
}

// Listener accepts inbound connections for an inlet.
type Listener interface {
	Accept() (Conn, error)
	Close() error
	Addr() net.Addr
}

// Dialer establishes outbound connections for an outlet's control link (or
// test harnesses dialing an inlet directly).
type Dialer interface {
	Dial(ctx context.Context, addr string) (Conn, error)
}
