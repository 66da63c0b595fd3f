package passthrough

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/npipe-project/npipe/internal/logging"
	"github.com/npipe-project/npipe/internal/proxybus"
	"github.com/npipe-project/npipe/internal/session"
)

// udpIdleTimeout evicts a client's virtual session after this much
// inactivity, mirroring the teacher's UDP NAT cleanup (proxy/udp_proxy.go).
const udpIdleTimeout = 2 * time.Minute

// UDPParams configures one Udp inlet.
type UDPParams struct {
	TunnelID string
	Source   string // bind address, "host:port"
	Endpoint proxybus.TargetAddr
	Common   proxybus.CommonInfo
	Bus      *proxybus.Bus
	Log      *logging.Logger
}

// UDPInlet listens on a shared UDP socket and demultiplexes datagrams into
// one virtual session.Stream per client address (spec §4.5 "C5 Tcp/Udp
// direct inlets"), since the session framework otherwise expects a
// per-client byte stream.
type UDPInlet struct {
	p    UDPParams
	conn *net.UDPConn

	mu       sync.Mutex
	sessions map[string]*clientSession

	cancel context.CancelFunc
}

type clientSession struct {
	stream     *clientStream
	lastActive time.Time
}

// NewUDPInlet binds p.Source and returns an inlet ready to Run.
func NewUDPInlet(p UDPParams) (*UDPInlet, error) {
	addr, err := net.ResolveUDPAddr("udp", p.Source)
	if err != nil {
		return nil, fmt.Errorf("[Inlet.Udp] resolve %s: %w", p.Source, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("[Inlet.Udp] listen %s: %w", p.Source, err)
	}
	if p.Log == nil {
		p.Log = logging.Default
	}
	return &UDPInlet{p: p, conn: conn, sessions: make(map[string]*clientSession)}, nil
}

// Run reads datagrams until ctx is cancelled.
func (in *UDPInlet) Run(ctx context.Context) {
	ctx, in.cancel = context.WithCancel(ctx)
	go in.cleanupLoop(ctx)

	buf := make([]byte, 65535)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, addr, err := in.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				continue
			}
		}
		in.dispatch(ctx, addr, buf[:n])
	}
}

func (in *UDPInlet) Stop() {
	if in.cancel != nil {
		in.cancel()
	}
	in.conn.Close()
}

func (in *UDPInlet) dispatch(ctx context.Context, addr *net.UDPAddr, data []byte) {
	key := addr.String()

	in.mu.Lock()
	cs, exists := in.sessions[key]
	if !exists {
		cs = &clientSession{stream: newClientStream(in.conn, addr)}
		in.sessions[key] = cs
		in.mu.Unlock()

		common := in.p.Common
		wrap := func(s *session.Session) session.Context {
			in.p.Bus.RegisterInlet(in.p.TunnelID, s.ID, s.ProxyRx)
			return &udpCtx{
				p:     in.p,
				s:     s,
				onEOF: func() { in.remove(key) },
			}
		}
		session.Run(ctx, cs.stream, addr, common, in.p.Log, wrap)
	} else {
		in.mu.Unlock()
	}

	cs.lastActive = time.Now()
	cs.stream.deliver(data)
}

func (in *UDPInlet) remove(key string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if cs, ok := in.sessions[key]; ok {
		cs.stream.shutdown()
		delete(in.sessions, key)
	}
}

func (in *UDPInlet) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			in.mu.Lock()
			for key, cs := range in.sessions {
				if now.Sub(cs.lastActive) > udpIdleTimeout {
					cs.stream.shutdown()
					delete(in.sessions, key)
				}
			}
			in.mu.Unlock()
		}
	}
}

// clientStream adapts one client's datagram flow to session.Stream: Reads
// drain a channel fed by the inlet's shared-socket read loop, Writes go
// straight back out the shared socket to the client's address.
type clientStream struct {
	conn   *net.UDPConn
	addr   *net.UDPAddr
	rx     chan []byte
	once   sync.Once
	closed chan struct{}
}

func newClientStream(conn *net.UDPConn, addr *net.UDPAddr) *clientStream {
	return &clientStream{conn: conn, addr: addr, rx: make(chan []byte, 64), closed: make(chan struct{})}
}

func (c *clientStream) deliver(data []byte) {
	cp := make([]byte, len(data))
	copy(cp, data)
	select {
	case c.rx <- cp:
	case <-c.closed:
	default:
		// Drop under sustained overrun rather than block the shared
		// socket's single read loop.
	}
}

func (c *clientStream) Read(p []byte) (int, error) {
	select {
	case data, ok := <-c.rx:
		if !ok {
			return 0, io.EOF
		}
		return copy(p, data), nil
	case <-c.closed:
		return 0, io.EOF
	}
}

func (c *clientStream) Write(p []byte) (int, error) {
	return c.conn.WriteToUDP(p, c.addr)
}

func (c *clientStream) Close() error {
	c.shutdown()
	return nil
}

func (c *clientStream) shutdown() {
	c.once.Do(func() { close(c.closed) })
}

type udpCtx struct {
	p     UDPParams
	s     *session.Session
	onEOF func()
}

func (c *udpCtx) OnStart(s *session.Session) {
	err := c.p.Bus.SendI2O(context.Background(), proxybus.Message{
		Kind: proxybus.I2oConnect, TunnelID: c.p.TunnelID, SessionID: s.ID,
		InletKind: proxybus.KindUdp,
		IsTCP: false, TargetAddr: c.p.Endpoint,
		Compressed: s.Common.Compressed, EncMethod: s.Common.EncMethod, EncKey: s.Common.EncKey,
		ClientAddr: s.PeerAddr.String(),
	})
	if err != nil {
		c.p.Log.Errorf("Inlet.Udp", "tunnel %s session %d: I2oConnect failed: %v", c.p.TunnelID, s.ID, err)
	}
}

func (c *udpCtx) TryExtractFrame(buf []byte) ([]byte, int, error) {
	if len(buf) == 0 {
		return nil, 0, nil
	}
	frame := make([]byte, len(buf))
	copy(frame, buf)
	return frame, len(buf), nil
}

func (c *udpCtx) OnRecvPeerData(frame []byte) error {
	encoded, err := proxybus.EncodeDataAndLimiting(context.Background(), c.s.Common, frame)
	if err != nil {
		return err
	}
	return c.p.Bus.SendI2O(context.Background(), proxybus.Message{
		Kind: proxybus.I2oSendToData, TunnelID: c.p.TunnelID, SessionID: c.s.ID,
		Data: encoded, RemoteAddr: c.p.Endpoint,
	})
}

func (c *udpCtx) OnRecvProxyMessage(msg proxybus.Message) error {
	switch msg.Kind {
	case proxybus.O2iConnect:
		if !msg.Success {
			c.s.Close()
		}
	case proxybus.O2iRecvDataFrom:
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

func (c *udpCtx) IsReadyForRead() bool { return true }

func (c *udpCtx) OnStop() {
	c.p.Bus.UnregisterInlet(c.p.TunnelID, c.s.ID)
	_ = c.p.Bus.SendI2O(context.Background(), proxybus.Message{
		Kind: proxybus.I2oDisconnect, TunnelID: c.p.TunnelID, SessionID: c.s.ID,
	})
	if c.onEOF != nil {
		c.onEOF()
	}
}
