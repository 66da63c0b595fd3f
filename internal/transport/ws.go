package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// wsConn adapts a *websocket.Conn to Conn by presenting it as a plain byte
// stream: each Read/Write transparently spans binary message boundaries
// (spec §4.2 — the framework's own length-prefixed framing runs on top, so
// the websocket message boundary itself carries no meaning).
type wsConn struct {
	*websocket.Conn
	readBuf []byte
}

func (c *wsConn) Read(p []byte) (int, error) {
	for len(c.readBuf) == 0 {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			return 0, err
		}
		c.readBuf = data
	}
	n := copy(p, c.readBuf)
	c.readBuf = c.readBuf[n:]
	return n, nil
}

func (c *wsConn) Write(p []byte) (int, error) {
	if err := c.Conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error { return c.Conn.Close() }

func (c *wsConn) RemoteAddr() net.Addr { return c.Conn.UnderlyingConn().RemoteAddr() }

// WSListener binds addr for the ws:// scheme, accepting upgrades on path.
type WSListener struct {
	path    string
	ln      net.Listener
	srv     *http.Server
	conns   chan Conn
	upgrade websocket.Upgrader
}

// ListenWS binds addr and upgrades inbound HTTP requests to path into
// Conn values delivered through Accept.
func ListenWS(addr, path string) (*WSListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("[Transport] ws listen %s: %w", addr, err)
	}
	if path == "" {
		path = "/"
	}
	l := &WSListener{
		path:  path,
		ln:    ln,
		conns: make(chan Conn, 16),
		upgrade: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, l.handleUpgrade)
	l.srv = &http.Server{Handler: mux}
	go l.srv.Serve(ln)
	return l, nil
}

func (l *WSListener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	c, err := l.upgrade.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	l.conns <- &wsConn{Conn: c}
}

func (l *WSListener) Accept() (Conn, error) {
	c, ok := <-l.conns
	if !ok {
		return nil, fmt.Errorf("[Transport] ws listener closed")
	}
	return c, nil
}

func (l *WSListener) Close() error   { return l.ln.Close() }
func (l *WSListener) Addr() net.Addr { return l.ln.Addr() }

// WSDialer dials ws:// targets. Target is the full ws://host:port/path URL.
type WSDialer struct {
	HandshakeTimeout time.Duration
}

func (d WSDialer) Dial(ctx context.Context, target string) (Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: d.HandshakeTimeout,
	}
	if dialer.HandshakeTimeout == 0 {
		dialer.HandshakeTimeout = 10 * time.Second
	}
	c, _, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("[Transport] ws dial %s: %w", target, err)
	}
	return &wsConn{Conn: c}, nil
}
