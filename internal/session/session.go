// Package session implements the transport-agnostic SessionFramework
// described in spec §4.2: a read/write loop that drives any bidirectional
// byte stream through an inlet-supplied frame extractor and writer command
// queue, with cooperative backpressure and graceful shutdown fan-out.
package session

import (
	"bytes"
	"context"
	"net"
	"time"

	"github.com/npipe-project/npipe/internal/logging"
	"github.com/npipe-project/npipe/internal/proxybus"
)

// maxRecvBuf is the receive buffer capacity above which the framework logs
// a warning — it indicates an inlet that never completes a frame (spec
// §4.2).
const maxRecvBuf = 10 * 1024 * 1024

// notReadyPoll is how often the read loop rechecks IsReadyForRead while an
// inlet has signalled it isn't ready (spec §4.2 backpressure hook).
const notReadyPoll = 5 * time.Millisecond

// Stream is any bidirectional byte stream the framework can drive: TCP,
// KCP, WebSocket, or a UDP-per-client wrapper all satisfy it.
type Stream interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// PacketStream is optionally implemented by a Stream backed by a shared
// socket (UDP) — it lets the write loop honor WriterCommand SendTo.
type PacketStream interface {
	WriteTo(p []byte, addr net.Addr) (int, error)
}

// CmdKind tags a WriterCommand variant (spec §3 "WriterCommand").
type CmdKind int

const (
	CmdSend CmdKind = iota
	CmdSendAndThen
	CmdSendTo
	CmdFlush
	CmdCloseDelayed
	CmdClose
)

// WriterCommand is one instruction for the write loop. The writer loop
// honors commands in arrival order; once Close or CloseDelayed is observed
// the channel is drained and the stream is shut (spec §3).
type WriterCommand struct {
	Kind  CmdKind
	Data  []byte
	Flush bool          // CmdSend: flush after write
	Addr  net.Addr      // CmdSendTo
	After chan<- struct{} // CmdSendAndThen: closed after the write is attempted, or when a close discards the command unwritten
	Delay time.Duration // CmdCloseDelayed
}

// Context is the inlet-supplied state machine driven by the framework
// (spec §4.5). Exactly one Context exists per Session.
type Context interface {
	// OnStart is called once the session is constructed, before any data
	// has been read. Passthrough inlets typically send I2oConnect here;
	// HTTP/SOCKS5 inlets stay idle until protocol bytes arrive.
	OnStart(s *Session)

	// TryExtractFrame attempts to carve one frame from the front of buf.
	// It returns (nil, 0, nil) when more bytes are needed, (frame, n, nil)
	// on success where n is the number of bytes consumed, or a non-nil
	// error on a framing violation (which aborts the session).
	TryExtractFrame(buf []byte) (frame []byte, consumed int, err error)

	// OnRecvPeerData handles one extracted frame.
	OnRecvPeerData(frame []byte) error

	// OnRecvProxyMessage handles one inbound ProxyBus message.
	OnRecvProxyMessage(msg proxybus.Message) error

	// IsReadyForRead gates the read loop: while false, the framework stops
	// pulling from the stream (spec §4.2 backpressure hook).
	IsReadyForRead() bool

	// OnStop is called once, on the way out, regardless of which path
	// triggered termination. Implementations typically emit I2oDisconnect.
	OnStop()
}

// Session is one client-to-target flow (spec §3). It is created when an
// inlet accepts a client socket (or the UDP relay spawns one).
type Session struct {
	ID       uint32
	PeerAddr net.Addr
	Common   proxybus.CommonInfo

	WriterTx chan WriterCommand
	ProxyRx  chan proxybus.Message

	stream Stream
	ctx    Context
	log    *logging.Logger

	cancel context.CancelFunc
}

// SendProxyMessage delivers an inbound ProxyBus message to this session.
// Safe to call from any goroutine; blocks if the session's inbox is full.
func (s *Session) SendProxyMessage(ctx context.Context, msg proxybus.Message) error {
	select {
	case s.ProxyRx <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close requests the session terminate. Idempotent.
func (s *Session) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Run runs the read loop / write loop / shutdown selector for one
// Session over stream until the session terminates, then calls
// ctx.OnStop(). newCtx receives the constructed Session (with ID/PeerAddr/
// Common/WriterTx already populated) and must return the Context that will
// drive it — this lets the context capture s for later OnRecvProxyMessage
// dispatch via a ProxyBus registration. The session takes its codec
// parameters from common but gets a backpressure counter of its own.
func Run(parent context.Context, stream Stream, peerAddr net.Addr, common proxybus.CommonInfo, log *logging.Logger, newCtx func(*Session) Context) *Session {
	if log == nil {
		log = logging.Default
	}

	sctx, cancel := context.WithCancel(parent)
	s := &Session{
		ID:       NextID(),
		PeerAddr: peerAddr,
		Common:   proxybus.NewCommonInfo(common.Compressed, common.EncMethod, common.EncKey),
		WriterTx: make(chan WriterCommand, 64),
		ProxyRx:  make(chan proxybus.Message, 64),
		stream:   stream,
		log:      log,
		cancel:   cancel,
	}
	s.ctx = newCtx(s)

	readDone := make(chan struct{})
	writeDone := make(chan struct{})

	go func() {
		defer close(writeDone)
		writeLoop(sctx, s)
	}()
	go proxyLoop(sctx, s)

	go func() {
		// OnStart completes before the read loop starts, so whatever it
		// sends (e.g. I2oConnect) precedes anything produced from peer data.
		s.ctx.OnStart(s)
		go func() {
			defer close(readDone)
			readLoop(sctx, s)
		}()

		select {
		case <-readDone:
		case <-writeDone:
		case <-sctx.Done():
		}
		cancel()
		<-readDone
		<-writeDone

		stream.Close()
		s.ctx.OnStop()
	}()

	return s
}

func readLoop(ctx context.Context, s *Session) {
	var buf bytes.Buffer
	chunk := make([]byte, 32*1024)

	for {
		for !s.ctx.IsReadyForRead() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(notReadyPoll):
			}
		}

		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := s.stream.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])

			for {
				frame, consumed, ferr := s.ctx.TryExtractFrame(buf.Bytes())
				if ferr != nil {
					s.log.Errorf("Session", "session %d: frame extraction error: %v", s.ID, ferr)
					return
				}
				if frame == nil {
					break
				}
				remaining := buf.Bytes()[consumed:]
				rest := make([]byte, len(remaining))
				copy(rest, remaining)
				buf.Reset()
				buf.Write(rest)

				if rerr := s.ctx.OnRecvPeerData(frame); rerr != nil {
					s.log.Errorf("Session", "session %d: %v", s.ID, rerr)
					return
				}
			}

			if buf.Cap() > maxRecvBuf {
				s.log.Warnf("Session", "session %d: receive buffer grew past %d bytes (inlet misuse?)", s.ID, maxRecvBuf)
			}
		}
		if err != nil {
			return
		}
	}
}

func writeLoop(ctx context.Context, s *Session) {
	for {
		select {
		case <-ctx.Done():
			drainWriter(s)
			return
		case cmd, ok := <-s.WriterTx:
			if !ok {
				return
			}
			if !applyWriterCommand(ctx, s, cmd) {
				return
			}
		}
	}
}

// applyWriterCommand returns false when the write loop should stop.
func applyWriterCommand(ctx context.Context, s *Session, cmd WriterCommand) bool {
	switch cmd.Kind {
	case CmdSend:
		if _, err := s.stream.Write(cmd.Data); err != nil {
			return false
		}
	case CmdSendAndThen:
		_, err := s.stream.Write(cmd.Data)
		if cmd.After != nil {
			close(cmd.After)
		}
		if err != nil {
			return false
		}
	case CmdSendTo:
		ps, ok := s.stream.(PacketStream)
		if !ok {
			s.log.Errorf("Session", "session %d: SendTo on a non-packet stream", s.ID)
			return true
		}
		if _, err := ps.WriteTo(cmd.Data, cmd.Addr); err != nil {
			return false
		}
	case CmdFlush:
		// Plain net.Conn/KCP/WS writers used here are unbuffered; nothing to flush.
	case CmdCloseDelayed:
		time.Sleep(cmd.Delay)
		drainWriter(s)
		return false
	case CmdClose:
		drainWriter(s)
		return false
	}
	return true
}

// drainWriter empties any remaining commands once Close/CloseDelayed is
// observed, per spec §3 ("the receiver is drained and shut").
func drainWriter(s *Session) {
	for {
		select {
		case cmd, ok := <-s.WriterTx:
			if !ok {
				return
			}
			if cmd.Kind == CmdSendAndThen && cmd.After != nil {
				close(cmd.After)
			}
		default:
			return
		}
	}
}

func proxyLoop(ctx context.Context, s *Session) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-s.ProxyRx:
			if !ok {
				return
			}
			if err := s.ctx.OnRecvProxyMessage(msg); err != nil {
				s.log.Errorf("Session", "session %d: %v", s.ID, err)
				s.Close()
				return
			}
		}
	}
}
