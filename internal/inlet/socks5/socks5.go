// Package socks5 implements Inlet.Socks5 (spec §4.7): the RFC 1928/1929
// server-side handshake plus UDP ASSOCIATE relay, driven by the session
// framework. Grounded on the teacher's client-side SOCKS5 handshake and
// UDP header codec (provider/socks5/{provider.go,udp.go}), inverted into
// a server and generalized to ProxyBus session addressing.
package socks5

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/npipe-project/npipe/internal/logging"
	"github.com/npipe-project/npipe/internal/proxybus"
	"github.com/npipe-project/npipe/internal/session"
)

var errShortPacket = fmt.Errorf("[Inlet.Socks5] udp relay packet too short")

const (
	ver = 0x05

	authNone       = 0x00
	authUserPass   = 0x02
	authNoAccept   = 0xFF
	userPassVer    = 0x01
	userPassOK     = 0x00
	userPassFailed = 0x01

	cmdConnect      = 0x01
	cmdBind         = 0x02
	cmdUDPAssociate = 0x03

	repOK             = 0x00
	repHostUnreach    = 0x04
	repCmdNotSupp     = 0x07
	atypIPv4          = 0x01
	teardownGraceWait = 2 * time.Second
)

type state int

const (
	stInit state = iota
	stVerification
	stConnect
	stConnectingTCP
	stConnectingUDP
	stRunningTCP
	stRunningUDP
)

// Params configures one Socks5 inlet.
type Params struct {
	TunnelID string
	Bus      *proxybus.Bus
	Log      *logging.Logger
	Username string // empty disables username/password auth
	Password string
}

// NewContext builds the session.Context for a Socks5 session. Intended as
// the inlet.Driver.NewContext hook.
func NewContext(p Params) func(*session.Session) session.Context {
	return func(s *session.Session) session.Context {
		if p.Log == nil {
			p.Log = logging.Default
		}
		return &ctx{p: p, s: s, state: stInit}
	}
}

type ctx struct {
	p     Params
	s     *session.Session
	state state

	isTCP bool

	relay       *net.UDPConn
	relayClient *net.UDPAddr
	relayMu     sync.Mutex
	relayCancel context.CancelFunc
	relayDone   chan struct{}
}

func (c *ctx) OnStart(*session.Session) {}

func (c *ctx) TryExtractFrame(buf []byte) ([]byte, int, error) {
	switch c.state {
	case stInit:
		if len(buf) < 2 {
			return nil, 0, nil
		}
		n := int(buf[1])
		total := 2 + n
		if len(buf) < total {
			return nil, 0, nil
		}
		return dup(buf[:total]), total, nil
	case stVerification:
		if len(buf) < 2 {
			return nil, 0, nil
		}
		ulen := int(buf[1])
		if len(buf) < 2+ulen+1 {
			return nil, 0, nil
		}
		plen := int(buf[2+ulen])
		total := 2 + ulen + 1 + plen
		if len(buf) < total {
			return nil, 0, nil
		}
		return dup(buf[:total]), total, nil
	case stConnect:
		if len(buf) < 4 {
			return nil, 0, nil
		}
		// DecodeSocks5 can't distinguish "truncated" from "malformed" on a
		// short buffer; a domain name's max length (255) bounds how long
		// we wait before treating the error as a real framing violation.
		_, n, err := proxybus.DecodeSocks5(buf[3:])
		if err != nil {
			if len(buf) < 4+1+255+2 {
				return nil, 0, nil
			}
			return nil, 0, err
		}
		total := 4 + n
		if len(buf) < total {
			return nil, 0, nil
		}
		return dup(buf[:total]), total, nil
	case stRunningTCP:
		if len(buf) == 0 {
			return nil, 0, nil
		}
		return dup(buf), len(buf), nil
	default:
		// Connecting*/RunningUDP: the TCP control socket carries no
		// further protocol traffic; swallow bytes without forwarding.
		if len(buf) == 0 {
			return nil, 0, nil
		}
		return dup(buf), len(buf), nil
	}
}

func dup(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (c *ctx) OnRecvPeerData(frame []byte) error {
	switch c.state {
	case stInit:
		return c.handleGreeting(frame)
	case stVerification:
		return c.handleVerification(frame)
	case stConnect:
		return c.handleConnectRequest(frame)
	case stRunningTCP:
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

func (c *ctx) handleGreeting(frame []byte) error {
	nmethods := int(frame[1])
	methods := frame[2 : 2+nmethods]

	hasNone, hasUserPass := false, false
	for _, m := range methods {
		switch m {
		case authNone:
			hasNone = true
		case authUserPass:
			hasUserPass = true
		}
	}

	switch {
	case c.p.Username == "" && hasNone:
		c.send([]byte{ver, authNone})
		c.state = stConnect
	case c.p.Username != "" && hasUserPass:
		c.send([]byte{ver, authUserPass})
		c.state = stVerification
	default:
		c.send([]byte{ver, authNoAccept})
		c.closeAfter(100 * time.Millisecond)
	}
	return nil
}

func (c *ctx) handleVerification(frame []byte) error {
	ulen := int(frame[1])
	uname := string(frame[2 : 2+ulen])
	plen := int(frame[2+ulen])
	passwd := string(frame[3+ulen : 3+ulen+plen])

	if uname == c.p.Username && passwd == c.p.Password {
		c.send([]byte{userPassVer, userPassOK})
		c.state = stConnect
	} else {
		c.send([]byte{userPassVer, userPassFailed})
		c.closeAfter(100 * time.Millisecond)
	}
	return nil
}

func (c *ctx) handleConnectRequest(frame []byte) error {
	cmd := frame[1]
	addr, _, err := proxybus.DecodeSocks5(frame[3:])
	if err != nil {
		c.fail(repCmdNotSupp)
		return nil
	}

	switch cmd {
	case cmdConnect:
		c.isTCP = true
	case cmdUDPAssociate:
		c.isTCP = false
		// Effective target is the peer's own IP combined with the
		// client-declared port (spec §4.7 Connect).
		if tcpAddr, ok := c.s.PeerAddr.(*net.TCPAddr); ok {
			if ip, ok := netip.AddrFromSlice(tcpAddr.IP.To4()); ok {
				addr = proxybus.TargetAddr{IP: ip, Port: addr.Port}
			}
		}
	default:
		c.fail(repCmdNotSupp)
		return nil
	}

	if c.isTCP {
		c.state = stConnectingTCP
	} else {
		c.state = stConnectingUDP
	}

	clientAddr := ""
	if c.s.PeerAddr != nil {
		clientAddr = c.s.PeerAddr.String()
	}
	return c.p.Bus.SendI2O(context.Background(), proxybus.Message{
		Kind: proxybus.I2oConnect, TunnelID: c.p.TunnelID, SessionID: c.s.ID,
		InletKind: proxybus.KindSocks5,
		IsTCP: c.isTCP, TargetAddr: addr,
		Compressed: c.s.Common.Compressed, EncMethod: c.s.Common.EncMethod, EncKey: c.s.Common.EncKey,
		ClientAddr: clientAddr,
	})
}

func (c *ctx) OnRecvProxyMessage(msg proxybus.Message) error {
	switch msg.Kind {
	case proxybus.O2iConnect:
		return c.onConnectReply(msg)
	case proxybus.O2iRecvData:
		plain, err := proxybus.DecodeData(c.s.Common, msg.Data)
		if err != nil {
			return err
		}
		c.s.WriterTx <- session.WriterCommand{Kind: session.CmdSend, Data: plain}
		_ = c.p.Bus.SendI2O(context.Background(), proxybus.Message{
			Kind: proxybus.I2oRecvDataResult, TunnelID: c.p.TunnelID, SessionID: c.s.ID, Len: len(msg.Data),
		})
	case proxybus.O2iRecvDataFrom:
		return c.onRecvDataFrom(msg)
	case proxybus.O2iSendDataResult:
		proxybus.AckSendResult(c.s.Common, msg.Len)
	case proxybus.O2iDisconnect:
		c.s.Close()
	}
	return nil
}

func (c *ctx) onConnectReply(msg proxybus.Message) error {
	if !msg.Success {
		c.fail(repHostUnreach)
		return nil
	}
	if c.isTCP {
		c.send(socksReply(repOK, 0))
		c.state = stRunningTCP
		return nil
	}
	return c.startUDPRelay()
}

// startUDPRelay binds the relay socket and advertises its port (spec §4.7
// Connecting, UDP branch).
func (c *ctx) startUDPRelay() error {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		c.fail(repHostUnreach)
		return nil
	}
	c.relay = conn
	c.relayDone = make(chan struct{})

	relayCtx, cancel := context.WithCancel(context.Background())
	c.relayCancel = cancel

	port := conn.LocalAddr().(*net.UDPAddr).Port
	c.send(socksReply(repOK, uint16(port)))
	c.state = stRunningUDP

	go c.runUDPRelay(relayCtx)
	return nil
}

func (c *ctx) runUDPRelay(ctx context.Context) {
	defer close(c.relayDone)
	buf := make([]byte, 65535)
	for {
		n, remote, err := c.relay.ReadFromUDP(buf)
		if err != nil {
			return
		}
		c.relayMu.Lock()
		c.relayClient = remote
		c.relayMu.Unlock()

		target, consumed, err := decodeUDPHeader(buf[:n])
		if err != nil {
			continue
		}
		payload := buf[consumed:n]

		encoded, err := proxybus.EncodeDataAndLimiting(ctx, c.s.Common, append([]byte(nil), payload...))
		if err != nil {
			continue
		}
		_ = c.p.Bus.SendI2O(ctx, proxybus.Message{
			Kind: proxybus.I2oSendToData, TunnelID: c.p.TunnelID, SessionID: c.s.ID,
			Data: encoded, RemoteAddr: target,
		})
	}
}

func (c *ctx) onRecvDataFrom(msg proxybus.Message) error {
	plain, err := proxybus.DecodeData(c.s.Common, msg.Data)
	if err != nil {
		return err
	}
	c.relayMu.Lock()
	client := c.relayClient
	relay := c.relay
	c.relayMu.Unlock()
	if client == nil || relay == nil {
		return nil
	}

	pkt := encodeUDPHeader(msg.RemoteAddr, plain)
	if _, err := relay.WriteToUDP(pkt, client); err != nil {
		return nil
	}
	_ = c.p.Bus.SendI2O(context.Background(), proxybus.Message{
		Kind: proxybus.I2oRecvDataResult, TunnelID: c.p.TunnelID, SessionID: c.s.ID, Len: len(msg.Data),
	})
	return nil
}

func (c *ctx) fail(rep byte) {
	c.send(socksReply(rep, 0))
	c.closeAfter(0)
}

func (c *ctx) send(b []byte) {
	c.s.WriterTx <- session.WriterCommand{Kind: session.CmdSend, Data: b}
}

func (c *ctx) closeAfter(d time.Duration) {
	c.s.WriterTx <- session.WriterCommand{Kind: session.CmdCloseDelayed, Delay: d}
}

func (c *ctx) IsReadyForRead() bool {
	return c.state != stConnectingTCP && c.state != stConnectingUDP
}

func (c *ctx) OnStop() {
	c.p.Bus.UnregisterInlet(c.p.TunnelID, c.s.ID)
	if c.state == stConnectingTCP || c.state == stConnectingUDP || c.state == stRunningTCP || c.state == stRunningUDP {
		_ = c.p.Bus.SendI2O(context.Background(), proxybus.Message{
			Kind: proxybus.I2oDisconnect, TunnelID: c.p.TunnelID, SessionID: c.s.ID,
		})
	}

	if c.relayCancel != nil {
		c.relayCancel()
		c.relay.Close()
		select {
		case <-c.relayDone:
		case <-time.After(teardownGraceWait):
			c.p.Log.Errorf("Inlet.Socks5", "tunnel %s session %d: udp relay task did not stop within grace period", c.p.TunnelID, c.s.ID)
		}
	}
}

// socksReply builds a {VER, REP, RSV, ATYP, 0.0.0.0, port} reply — the
// bound address is always zeroed since npipe never exposes the outlet's
// real local address to the client (spec §8 scenario 2-3 literals).
func socksReply(rep byte, port uint16) []byte {
	return []byte{ver, rep, 0x00, atypIPv4, 0, 0, 0, 0, byte(port >> 8), byte(port)}
}

// decodeUDPHeader parses the SOCKS5 UDP relay header RFC 1928 §7:
// RSV(2) | FRAG(1) | ATYP | ADDR | PORT | DATA.
func decodeUDPHeader(pkt []byte) (proxybus.TargetAddr, int, error) {
	if len(pkt) < 4 {
		return proxybus.TargetAddr{}, 0, errShortPacket
	}
	addr, n, err := proxybus.DecodeSocks5(pkt[3:])
	if err != nil {
		return proxybus.TargetAddr{}, 0, err
	}
	return addr, 3 + n, nil
}

// encodeUDPHeader builds the SOCKS5 UDP relay header for addr, prefixed to
// data, with FRAG always 0 (fragmentation is not supported, spec §4.7).
func encodeUDPHeader(addr proxybus.TargetAddr, data []byte) []byte {
	hdr := []byte{0x00, 0x00, 0x00}
	hdr = addr.EncodeSocks5(hdr)
	return append(hdr, data...)
}
