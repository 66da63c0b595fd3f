// Package passthrough implements the direct Tcp/Udp inlets of spec §4.5:
// every accepted client becomes a session that sends I2oConnect
// immediately, with no protocol parsing of its own.
package passthrough

import (
	"context"

	"github.com/npipe-project/npipe/internal/logging"
	"github.com/npipe-project/npipe/internal/proxybus"
	"github.com/npipe-project/npipe/internal/session"
)

// TCPParams configures one Tcp inlet's sessions.
type TCPParams struct {
	TunnelID string
	Endpoint proxybus.TargetAddr
	Bus      *proxybus.Bus
	Log      *logging.Logger
}

// NewTCPContext builds the session.Context for a passthrough Tcp session.
// Intended as the Driver.NewContext hook.
func NewTCPContext(p TCPParams) func(*session.Session) session.Context {
	return func(s *session.Session) session.Context {
		return &tcpCtx{p: p, s: s}
	}
}

type tcpCtx struct {
	p TCPParams
	s *session.Session
}

func (c *tcpCtx) OnStart(s *session.Session) {
	clientAddr := ""
	if s.PeerAddr != nil {
		clientAddr = s.PeerAddr.String()
	}
	err := c.p.Bus.SendI2O(context.Background(), proxybus.Message{
		Kind: proxybus.I2oConnect, TunnelID: c.p.TunnelID, SessionID: s.ID,
		InletKind: proxybus.KindTcp,
		IsTCP: true, TargetAddr: c.p.Endpoint,
		Compressed: s.Common.Compressed, EncMethod: s.Common.EncMethod, EncKey: s.Common.EncKey,
		ClientAddr: clientAddr,
	})
	if err != nil {
		c.p.Log.Errorf("Inlet.Tcp", "tunnel %s session %d: I2oConnect failed: %v", c.p.TunnelID, s.ID, err)
	}
}

// TryExtractFrame forwards raw bytes as-is — a passthrough inlet has no
// protocol of its own to parse (spec §4.5).
func (c *tcpCtx) TryExtractFrame(buf []byte) ([]byte, int, error) {
	if len(buf) == 0 {
		return nil, 0, nil
	}
	frame := make([]byte, len(buf))
	copy(frame, buf)
	return frame, len(buf), nil
}

func (c *tcpCtx) OnRecvPeerData(frame []byte) error {
	encoded, err := proxybus.EncodeDataAndLimiting(context.Background(), c.s.Common, frame)
	if err != nil {
		return err
	}
	return c.p.Bus.SendI2O(context.Background(), proxybus.Message{
		Kind: proxybus.I2oSendData, TunnelID: c.p.TunnelID, SessionID: c.s.ID, Data: encoded,
	})
}

func (c *tcpCtx) OnRecvProxyMessage(msg proxybus.Message) error {
	switch msg.Kind {
	case proxybus.O2iConnect:
		if !msg.Success {
			c.p.Log.Warnf("Inlet.Tcp", "tunnel %s session %d: outlet dial failed: %s", c.p.TunnelID, c.s.ID, msg.ErrMsg)
			c.s.Close()
		}
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

func (c *tcpCtx) IsReadyForRead() bool { return true }

func (c *tcpCtx) OnStop() {
	c.p.Bus.UnregisterInlet(c.p.TunnelID, c.s.ID)
	_ = c.p.Bus.SendI2O(context.Background(), proxybus.Message{
		Kind: proxybus.I2oDisconnect, TunnelID: c.p.TunnelID, SessionID: c.s.ID,
	})
}
