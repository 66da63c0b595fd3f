// Package httpproxy implements Inlet.Http (spec §4.6): an HTTP CONNECT and
// absolute-URI forward proxy state machine driven by the session
// framework. Grounded on the teacher's client-side CONNECT logic
// (provider/httpproxy/provider.go DialTCP) inverted into a server.
package httpproxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/npipe-project/npipe/internal/logging"
	"github.com/npipe-project/npipe/internal/proxybus"
	"github.com/npipe-project/npipe/internal/session"
)

type state int

const (
	stFree state = iota
	stConnecting
	stRunning
	stInvalid
)

const proxyAgent = "npipe/HTTP/1.1"

// Params configures one Http inlet.
type Params struct {
	TunnelID string
	Bus      *proxybus.Bus
	Log      *logging.Logger
	Username string // empty disables Basic auth
	Password string
}

// NewContext builds the session.Context for an Http session. Intended as
// the inlet.Driver.NewContext hook.
func NewContext(p Params) func(*session.Session) session.Context {
	return func(s *session.Session) session.Context {
		if p.Log == nil {
			p.Log = logging.Default
		}
		return &ctx{p: p, s: s, state: stFree}
	}
}

type ctx struct {
	p         Params
	s         *session.Session
	state     state
	isConnect bool
	pending   []byte // bytes to send once the outlet confirms the dial
}

func (c *ctx) OnStart(*session.Session) {}

// TryExtractFrame accumulates the whole receive buffer until a full HTTP
// head (terminated by CRLFCRLF) has arrived while Free; in Running it
// forwards whatever bytes are available, identical to a passthrough inlet
// (spec §4.6 step 1, §4.5).
func (c *ctx) TryExtractFrame(buf []byte) ([]byte, int, error) {
	if len(buf) == 0 {
		return nil, 0, nil
	}
	if c.state == stFree {
		if !bytes.Contains(buf, []byte("\r\n\r\n")) {
			return nil, 0, nil
		}
	}
	frame := make([]byte, len(buf))
	copy(frame, buf)
	return frame, len(buf), nil
}

func (c *ctx) OnRecvPeerData(frame []byte) error {
	switch c.state {
	case stFree:
		return c.handleRequestHead(frame)
	case stRunning:
		encoded, err := proxybus.EncodeDataAndLimiting(context.Background(), c.s.Common, frame)
		if err != nil {
			return err
		}
		return c.p.Bus.SendI2O(context.Background(), proxybus.Message{
			Kind: proxybus.I2oSendData, TunnelID: c.p.TunnelID, SessionID: c.s.ID, Data: encoded,
		})
	default:
		return nil
	}
}

func (c *ctx) handleRequestHead(frame []byte) error {
	br := bufio.NewReader(bytes.NewReader(frame))
	req, err := http.ReadRequest(br)
	if err != nil {
		c.state = stInvalid
		c.s.Close()
		return nil
	}

	if c.p.Username != "" && !c.authOK(req) {
		resp := "HTTP/1.1 407 Proxy Authentication Required\r\n" +
			"Proxy-Authenticate: Basic realm=\"Proxy\"\r\n\r\n"
		c.closeWith(resp)
		return nil
	}

	c.isConnect = req.Method == http.MethodConnect
	target := req.URL.Host
	if host, port, splitErr := net.SplitHostPort(target); splitErr == nil {
		target = net.JoinHostPort(host, port)
	} else {
		target = net.JoinHostPort(target, "80")
	}
	targetAddr, err := proxybus.NewTargetAddrFromHostPort(target)
	if err != nil {
		c.state = stInvalid
		c.s.Close()
		return nil
	}

	if c.isConnect {
		c.pending = nil
	} else {
		stripHopByHop(req.Header)
		var head bytes.Buffer
		fmt.Fprintf(&head, "%s %s HTTP/1.1\r\n", req.Method, req.URL.RequestURI())
		for k, vv := range req.Header {
			for _, v := range vv {
				fmt.Fprintf(&head, "%s: %s\r\n", k, v)
			}
		}
		head.WriteString("\r\n")
		leftoverBody, _ := io.ReadAll(br)
		c.pending = append(head.Bytes(), leftoverBody...)
	}

	clientAddr := ""
	if c.s.PeerAddr != nil {
		clientAddr = c.s.PeerAddr.String()
	}
	c.state = stConnecting
	return c.p.Bus.SendI2O(context.Background(), proxybus.Message{
		Kind: proxybus.I2oConnect, TunnelID: c.p.TunnelID, SessionID: c.s.ID,
		InletKind: proxybus.KindHttp,
		IsTCP: true, TargetAddr: targetAddr,
		Compressed: c.s.Common.Compressed, EncMethod: c.s.Common.EncMethod, EncKey: c.s.Common.EncKey,
		ClientAddr: clientAddr,
	})
}

func (c *ctx) authOK(req *http.Request) bool {
	want := "Basic " + base64.StdEncoding.EncodeToString([]byte(c.p.Username+":"+c.p.Password))
	return req.Header.Get("Proxy-Authorization") == want
}

func (c *ctx) OnRecvProxyMessage(msg proxybus.Message) error {
	switch msg.Kind {
	case proxybus.O2iConnect:
		if !msg.Success {
			body := "<html><body>502 Bad Gateway</body></html>"
			resp := fmt.Sprintf("HTTP/1.1 502 Bad Gateway\r\nContent-Length: %d\r\n\r\n%s", len(body), body)
			c.closeWith(resp)
			return nil
		}
		if c.isConnect {
			c.s.WriterTx <- session.WriterCommand{
				Kind: session.CmdSend,
				Data: []byte("HTTP/1.1 200 Connection Established\r\nProxy-Agent: " + proxyAgent + "\r\n\r\n"),
			}
			c.state = stRunning
			return nil
		}
		encoded, err := proxybus.EncodeDataAndLimiting(context.Background(), c.s.Common, c.pending)
		c.pending = nil
		if err != nil {
			return err
		}
		c.state = stRunning
		return c.p.Bus.SendI2O(context.Background(), proxybus.Message{
			Kind: proxybus.I2oSendData, TunnelID: c.p.TunnelID, SessionID: c.s.ID, Data: encoded,
		})
	case proxybus.O2iRecvData:
		plain, err := proxybus.DecodeData(c.s.Common, msg.Data)
		if err != nil {
			return err
		}
		c.s.WriterTx <- session.WriterCommand{Kind: session.CmdSend, Data: plain}
		_ = c.p.Bus.SendI2O(context.Background(), proxybus.Message{
			Kind: proxybus.I2oRecvDataResult, TunnelID: c.p.TunnelID, SessionID: c.s.ID, Len: len(msg.Data),
		})
	case proxybus.O2iSendDataResult:
		proxybus.AckSendResult(c.s.Common, msg.Len)
	case proxybus.O2iDisconnect:
		c.s.Close()
	}
	return nil
}

// closeWith writes resp to the peer then schedules the session closed,
// going Invalid (spec §4.6 steps 3, and the O2iConnect failure path).
func (c *ctx) closeWith(resp string) {
	c.state = stInvalid
	c.s.WriterTx <- session.WriterCommand{Kind: session.CmdSend, Data: []byte(resp)}
	c.s.WriterTx <- session.WriterCommand{Kind: session.CmdClose}
}

func (c *ctx) IsReadyForRead() bool {
	return c.state == stFree || c.state == stRunning
}

func (c *ctx) OnStop() {
	c.p.Bus.UnregisterInlet(c.p.TunnelID, c.s.ID)
	if c.state == stConnecting || c.state == stRunning {
		_ = c.p.Bus.SendI2O(context.Background(), proxybus.Message{
			Kind: proxybus.I2oDisconnect, TunnelID: c.p.TunnelID, SessionID: c.s.ID,
		})
	}
}

// stripHopByHop removes headers that must not be forwarded: Forwarded,
// Via, the X-Forwarded-* family, and anything Proxy-prefixed (spec §4.6
// step 5).
func stripHopByHop(h http.Header) {
	for name := range h {
		lower := strings.ToLower(name)
		switch {
		case lower == "forwarded", lower == "via":
			h.Del(name)
		case strings.HasPrefix(lower, "x-forwarded-"):
			h.Del(name)
		case strings.HasPrefix(lower, "proxy-"):
			h.Del(name)
		}
	}
}
