package transport

import (
	"context"
	"fmt"
	"net"
)

// tcpConn adapts *net.TCPConn to Conn.
type tcpConn struct {
	*net.TCPConn
}

func (c tcpConn) RemoteAddr() net.Addr { return c.TCPConn.RemoteAddr() }

// TCPListener wraps a net.Listener bound with tcp:// semantics (spec §6).
type TCPListener struct {
	ln net.Listener
}

// ListenTCP binds addr ("host:port") for the tcp:// scheme.
func ListenTCP(addr string) (*TCPListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("[Transport] tcp listen %s: %w", addr, err)
	}
	return &TCPListener{ln: ln}, nil
}

func (l *TCPListener) Accept() (Conn, error) {
	c, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	if tc, ok := c.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
		return tcpConn{tc}, nil
	}
	return genericConn{c}, nil
}

func (l *TCPListener) Close() error   { return l.ln.Close() }
func (l *TCPListener) Addr() net.Addr { return l.ln.Addr() }

// TCPDialer dials tcp:// targets.
type TCPDialer struct{}

func (TCPDialer) Dial(ctx context.Context, addr string) (Conn, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("[Transport] tcp dial %s: %w", addr, err)
	}
	if tc, ok := c.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
		return tcpConn{tc}, nil
	}
	return genericConn{c}, nil
}

// genericConn adapts any net.Conn to Conn (used when an accepted or dialed
// TCP connection's concrete type is not *net.TCPConn).
type genericConn struct {
	net.Conn
}

func (c genericConn) RemoteAddr() net.Addr { return c.Conn.RemoteAddr() }
