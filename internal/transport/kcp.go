package transport

import (
	"context"
	"fmt"
	"net"

	kcp "github.com/xtaci/kcp-go/v5"
)

// KCP FEC parameters: 10 data shards and 3 parity shards. npipe's own codec
// layer already handles encryption (spec §4.1); KCP is used here purely for
// its ARQ-over-UDP transport, so no block cipher is configured.
const (
	kcpDataShards   = 10
	kcpParityShards = 3
)

// kcpConn adapts *kcp.UDPSession to Conn.
type kcpConn struct {
	*kcp.UDPSession
}

func (c kcpConn) RemoteAddr() net.Addr { return c.UDPSession.RemoteAddr() }

// KCPListener binds addr for the kcp:// scheme.
type KCPListener struct {
	ln *kcp.Listener
}

func ListenKCP(addr string) (*KCPListener, error) {
	ln, err := kcp.ListenWithOptions(addr, nil, kcpDataShards, kcpParityShards)
	if err != nil {
		return nil, fmt.Errorf("[Transport] kcp listen %s: %w", addr, err)
	}
	return &KCPListener{ln: ln}, nil
}

func (l *KCPListener) Accept() (Conn, error) {
	s, err := l.ln.AcceptKCP()
	if err != nil {
		return nil, err
	}
	tuneSession(s)
	return kcpConn{s}, nil
}

func (l *KCPListener) Close() error   { return l.ln.Close() }
func (l *KCPListener) Addr() net.Addr { return l.ln.Addr() }

// KCPDialer dials kcp:// targets.
type KCPDialer struct{}

func (KCPDialer) Dial(ctx context.Context, addr string) (Conn, error) {
	s, err := kcp.DialWithOptions(addr, nil, kcpDataShards, kcpParityShards)
	if err != nil {
		return nil, fmt.Errorf("[Transport] kcp dial %s: %w", addr, err)
	}
	tuneSession(s)
	return kcpConn{s}, nil
}

// tuneSession applies the low-latency settings kcptun-style deployments
// use: fast2 mode, no Nagle-equivalent delay, and a modest window.
func tuneSession(s *kcp.UDPSession) {
	s.SetNoDelay(1, 20, 2, 1)
	s.SetWindowSize(1024, 1024)
	s.SetACKNoDelay(true)
}
