// Package outlet implements the Outlet component described in spec §4.4:
// it receives I2O ProxyBus messages for one tunnel, dials (or relays to)
// the real target, and reports connect/recv/disconnect events back over
// O2I. Grounded on the teacher's per-tunnel TunnelProxy/UDPProxy pair
// (proxy/tunnel_proxy.go, proxy/udp_proxy.go), generalized from a
// NAT-lookup VPN hairpin to ProxyBus session addressing.
package outlet

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/npipe-project/npipe/internal/logging"
	"github.com/npipe-project/npipe/internal/proxybus"
)

// dialTimeout bounds how long a TCP target dial may take before the outlet
// reports failure (spec §4.4 has no explicit figure; kept generous for
// slow upstreams).
const dialTimeout = 15 * time.Second

// udpBufPool reuses 64KiB buffers for the shared UDP socket's read loop.
var udpBufPool = sync.Pool{
	New: func() any {
		b := make([]byte, 65535)
		return &b
	},
}

type session struct {
	id     uint32
	common proxybus.CommonInfo
	isTCP  bool

	// TCP
	conn    net.Conn
	writeMu sync.Mutex

	// UDP
	target *net.UDPAddr

	cancel context.CancelFunc
}

// Outlet is the per-tunnel component described in spec §4.4.
type Outlet struct {
	tunnelID string
	bus      *proxybus.Bus
	log      *logging.Logger

	inbox chan proxybus.Message

	mu       sync.RWMutex
	sessions map[uint32]*session

	udpMu      sync.Mutex
	udpConn    *net.UDPConn
	udpReverse map[string]uint32 // remote UDP addr string -> session id

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New creates an Outlet for tunnelID. Call Start to register it with bus
// and begin processing I2O messages.
func New(tunnelID string, bus *proxybus.Bus, log *logging.Logger) *Outlet {
	if log == nil {
		log = logging.Default
	}
	return &Outlet{
		tunnelID:   tunnelID,
		bus:        bus,
		log:        log,
		inbox:      make(chan proxybus.Message, 256),
		sessions:   make(map[uint32]*session),
		udpReverse: make(map[string]uint32),
	}
}

// Start registers the outlet's inbox with the bus and begins its main loop.
func (o *Outlet) Start(ctx context.Context) {
	ctx, o.cancel = context.WithCancel(ctx)
	o.bus.RegisterOutlet(o.tunnelID, o.inbox)
	o.wg.Add(1)
	go o.mainLoop(ctx)
}

// Stop tears down every active session and unregisters from the bus.
func (o *Outlet) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
	o.bus.UnregisterOutlet(o.tunnelID)

	o.mu.Lock()
	for id, sess := range o.sessions {
		o.closeSessionLocked(id, sess)
	}
	o.mu.Unlock()

	o.udpMu.Lock()
	if o.udpConn != nil {
		o.udpConn.Close()
	}
	o.udpMu.Unlock()
}

func (o *Outlet) mainLoop(ctx context.Context) {
	defer o.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-o.inbox:
			if !ok {
				return
			}
			o.dispatch(ctx, msg)
		}
	}
}

func (o *Outlet) dispatch(ctx context.Context, msg proxybus.Message) {
	switch msg.Kind {
	case proxybus.I2oConnect:
		o.handleConnect(ctx, msg)
	case proxybus.I2oSendData:
		o.handleSendData(ctx, msg)
	case proxybus.I2oSendToData:
		o.handleSendToData(ctx, msg)
	case proxybus.I2oRecvDataResult:
		o.handleAck(msg)
	case proxybus.I2oDisconnect:
		o.handleDisconnect(msg)
	default:
		o.log.Errorf("Outlet", "tunnel %s: unexpected I2O kind %s", o.tunnelID, msg.Kind)
	}
}

func (o *Outlet) reply(ctx context.Context, msg proxybus.Message) {
	if err := o.bus.SendO2I(ctx, msg); err != nil {
		o.log.Errorf("Outlet", "tunnel %s session %d: reply dropped: %v", o.tunnelID, msg.SessionID, err)
	}
}

func (o *Outlet) handleConnect(ctx context.Context, msg proxybus.Message) {
	o.mu.Lock()
	if _, exists := o.sessions[msg.SessionID]; exists {
		o.mu.Unlock()
		o.reply(ctx, proxybus.Message{
			Kind: proxybus.O2iConnect, TunnelID: o.tunnelID, SessionID: msg.SessionID,
			Success: false, ErrMsg: "Repeated connection",
		})
		return
	}
	sess := &session{
		id:     msg.SessionID,
		common: proxybus.NewCommonInfo(msg.Compressed, msg.EncMethod, msg.EncKey),
		isTCP:  msg.IsTCP,
	}
	o.sessions[msg.SessionID] = sess
	o.mu.Unlock()

	if msg.IsTCP {
		o.connectTCP(ctx, sess, msg.TargetAddr)
		return
	}

	// UDP: the shared socket and per-session target binding are created
	// lazily on first I2oSendToData (spec §4.4); the connect itself always
	// succeeds once the session slot is reserved.
	o.reply(ctx, proxybus.Message{
		Kind: proxybus.O2iConnect, TunnelID: o.tunnelID, SessionID: msg.SessionID, Success: true,
	})
}

func (o *Outlet) connectTCP(ctx context.Context, sess *session, addr proxybus.TargetAddr) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", addr.String())
	if err != nil {
		o.mu.Lock()
		delete(o.sessions, sess.id)
		o.mu.Unlock()
		o.reply(ctx, proxybus.Message{
			Kind: proxybus.O2iConnect, TunnelID: o.tunnelID, SessionID: sess.id,
			Success: false, ErrMsg: err.Error(),
		})
		return
	}

	sessCtx, sessCancel := context.WithCancel(ctx)
	sess.conn = conn
	sess.cancel = sessCancel

	o.reply(ctx, proxybus.Message{
		Kind: proxybus.O2iConnect, TunnelID: o.tunnelID, SessionID: sess.id, Success: true,
	})

	o.wg.Add(1)
	go o.readTCP(sessCtx, sess)
}

// readTCP relays target->client bytes as O2iRecvData, encoding (compress
// then encrypt) and accounting backpressure on the outlet-to-inlet
// direction's independent counter (spec §4.4, §5).
func (o *Outlet) readTCP(ctx context.Context, sess *session) {
	defer o.wg.Done()
	buf := make([]byte, 32*1024)
	for {
		n, err := sess.conn.Read(buf)
		if n > 0 {
			encoded, encErr := proxybus.EncodeDataAndLimiting(ctx, sess.common, buf[:n])
			if encErr != nil {
				break
			}
			o.reply(ctx, proxybus.Message{
				Kind: proxybus.O2iRecvData, TunnelID: o.tunnelID, SessionID: sess.id, Data: encoded,
			})
		}
		if err != nil {
			break
		}
	}
	o.removeSession(sess.id)
	o.reply(ctx, proxybus.Message{
		Kind: proxybus.O2iDisconnect, TunnelID: o.tunnelID, SessionID: sess.id,
	})
}

// handleSendData decodes client->target bytes (decrypt then decompress —
// the control-link codec operates between inlet and outlet nodes, never
// toward the origin server, spec §4.4) and writes them to the dialed
// target, preserving order with a per-session write mutex.
func (o *Outlet) handleSendData(ctx context.Context, msg proxybus.Message) {
	sess := o.get(msg.SessionID)
	if sess == nil || !sess.isTCP || sess.conn == nil {
		return
	}
	plain, err := proxybus.DecodeData(sess.common, msg.Data)
	if err != nil {
		o.log.Errorf("Outlet", "tunnel %s session %d: decode failed: %v", o.tunnelID, msg.SessionID, err)
		return
	}

	sess.writeMu.Lock()
	_, werr := sess.conn.Write(plain)
	sess.writeMu.Unlock()
	if werr != nil {
		return
	}

	o.reply(ctx, proxybus.Message{
		Kind: proxybus.O2iSendDataResult, TunnelID: o.tunnelID, SessionID: msg.SessionID, Len: len(msg.Data),
	})
}

func (o *Outlet) handleSendToData(ctx context.Context, msg proxybus.Message) {
	sess := o.get(msg.SessionID)
	if sess == nil || sess.isTCP {
		return
	}
	plain, err := proxybus.DecodeData(sess.common, msg.Data)
	if err != nil {
		o.log.Errorf("Outlet", "tunnel %s session %d: decode failed: %v", o.tunnelID, msg.SessionID, err)
		return
	}

	conn, err := o.ensureUDPSocket(ctx)
	if err != nil {
		o.log.Errorf("Outlet", "tunnel %s session %d: %v", o.tunnelID, msg.SessionID, err)
		return
	}

	targetAddr, err := net.ResolveUDPAddr("udp", msg.RemoteAddr.String())
	if err != nil {
		o.log.Errorf("Outlet", "tunnel %s session %d: bad udp target %s: %v", o.tunnelID, msg.SessionID, msg.RemoteAddr, err)
		return
	}

	o.mu.Lock()
	sess.target = targetAddr
	o.mu.Unlock()
	o.udpMu.Lock()
	o.udpReverse[targetAddr.String()] = msg.SessionID
	o.udpMu.Unlock()

	if _, err := conn.WriteToUDP(plain, targetAddr); err != nil {
		o.log.Errorf("Outlet", "tunnel %s session %d: udp write failed: %v", o.tunnelID, msg.SessionID, err)
		return
	}

	o.reply(ctx, proxybus.Message{
		Kind: proxybus.O2iSendDataResult, TunnelID: o.tunnelID, SessionID: msg.SessionID, Len: len(msg.Data),
	})
}

// ensureUDPSocket lazily opens the shared UDP socket and starts its read
// loop (spec §4.4 "lazily create one shared UDP socket").
func (o *Outlet) ensureUDPSocket(ctx context.Context) (*net.UDPConn, error) {
	o.udpMu.Lock()
	defer o.udpMu.Unlock()
	if o.udpConn != nil {
		return o.udpConn, nil
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, fmt.Errorf("[Outlet] open shared udp socket: %w", err)
	}
	o.udpConn = conn
	o.wg.Add(1)
	go o.readUDP(ctx, conn)
	return conn, nil
}

func (o *Outlet) readUDP(ctx context.Context, conn *net.UDPConn) {
	defer o.wg.Done()
	bp := udpBufPool.Get().(*[]byte)
	defer udpBufPool.Put(bp)
	buf := *bp

	for {
		n, remote, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
			default:
				o.log.Errorf("Outlet", "tunnel %s: udp read error: %v", o.tunnelID, err)
			}
			return
		}

		o.udpMu.Lock()
		sessionID, ok := o.udpReverse[remote.String()]
		o.udpMu.Unlock()
		if !ok {
			continue
		}
		sess := o.get(sessionID)
		if sess == nil {
			continue
		}

		encoded, err := proxybus.EncodeDataAndLimiting(ctx, sess.common, append([]byte(nil), buf[:n]...))
		if err != nil {
			continue
		}
		remoteTarget, err := proxybus.NewTargetAddrFromHostPort(remote.String())
		if err != nil {
			continue
		}
		o.reply(ctx, proxybus.Message{
			Kind: proxybus.O2iRecvDataFrom, TunnelID: o.tunnelID, SessionID: sessionID,
			Data: encoded, RemoteAddr: remoteTarget,
		})
	}
}

func (o *Outlet) handleAck(msg proxybus.Message) {
	sess := o.get(msg.SessionID)
	if sess == nil {
		return
	}
	proxybus.AckSendResult(sess.common, msg.Len)
}

func (o *Outlet) handleDisconnect(msg proxybus.Message) {
	o.mu.Lock()
	sess, ok := o.sessions[msg.SessionID]
	if ok {
		o.closeSessionLocked(msg.SessionID, sess)
	}
	o.mu.Unlock()
}

// closeSessionLocked must be called with o.mu held.
func (o *Outlet) closeSessionLocked(id uint32, sess *session) {
	delete(o.sessions, id)
	if sess.cancel != nil {
		sess.cancel()
	}
	if sess.conn != nil {
		sess.conn.Close()
	}
	if sess.target != nil {
		o.udpMu.Lock()
		delete(o.udpReverse, sess.target.String())
		o.udpMu.Unlock()
	}
}

func (o *Outlet) removeSession(id uint32) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if sess, ok := o.sessions[id]; ok {
		o.closeSessionLocked(id, sess)
	}
}

func (o *Outlet) get(id uint32) *session {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.sessions[id]
}
