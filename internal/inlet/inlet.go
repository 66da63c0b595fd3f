// Package inlet holds the common accept-loop driver shared by every inlet
// protocol (spec §4.5): it binds a transport.Listener, turns each accepted
// Conn into a SessionFramework session, and wires the session's ProxyBus
// inbox before any bus traffic can reach it. Concrete protocols
// (passthrough, httpproxy, socks5) supply only the session.Context.
package inlet

import (
	"context"
	"sync"

	"github.com/npipe-project/npipe/internal/logging"
	"github.com/npipe-project/npipe/internal/proxybus"
	"github.com/npipe-project/npipe/internal/session"
	"github.com/npipe-project/npipe/internal/transport"
)

// Driver runs the accept loop for one tunnel's inlet.
type Driver struct {
	TunnelID   string
	Bus        *proxybus.Bus
	Listener   transport.Listener
	Log        *logging.Logger
	Common     proxybus.CommonInfo // compressed/enc params shared by every session this inlet spawns
	NewContext func(*session.Session) session.Context

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// Run accepts connections until Accept fails after ctx has been cancelled
// (Stop does both). An accept error while ctx is still live is logged and
// the loop keeps accepting.
func (d *Driver) Run(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	if d.Log == nil {
		d.Log = logging.Default
	}

	for {
		conn, err := d.Listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				d.Log.Errorf("Inlet", "tunnel %s: accept error: %v", d.TunnelID, err)
				continue
			}
		}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.spawn(ctx, conn)
		}()
	}
}

// Stop cancels the driver's context, closes the listener, and waits for
// in-flight accepts to settle. Running sessions were started with the
// driver's context, so cancelling it also tears them down.
func (d *Driver) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.Listener.Close()
	d.wg.Wait()
}

func (d *Driver) spawn(ctx context.Context, conn transport.Conn) {
	peerAddr := conn.RemoteAddr()
	wrap := func(s *session.Session) session.Context {
		d.Bus.RegisterInlet(d.TunnelID, s.ID, s.ProxyRx)
		return d.NewContext(s)
	}
	session.Run(ctx, conn, peerAddr, d.Common, d.Log, wrap)
}
