package outlet

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/npipe-project/npipe/internal/proxybus"
)

func recvWithin(t *testing.T, ch chan proxybus.Message, d time.Duration) proxybus.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(d):
		t.Fatal("timed out waiting for message")
		return proxybus.Message{}
	}
}

func newTestOutlet(t *testing.T) (*Outlet, *proxybus.Bus, chan proxybus.Message, func()) {
	t.Helper()
	bus := proxybus.New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	o := New("t1", bus, nil)
	o.Start(ctx)

	inbox := make(chan proxybus.Message, 16)
	bus.RegisterInlet("t1", 1, inbox)

	return o, bus, inbox, func() {
		o.Stop()
		cancel()
	}
}

func TestOutletConnectTCPSuccessAndRelay(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 64)
		n, _ := conn.Read(buf)
		conn.Write(buf[:n])
	}()

	o, bus, inbox, cleanup := newTestOutlet(t)
	defer cleanup()

	target, err := proxybus.NewTargetAddrFromHostPort(ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if err := bus.SendI2O(ctx, proxybus.Message{
		Kind: proxybus.I2oConnect, TunnelID: "t1", SessionID: 1,
		IsTCP: true, TargetAddr: target,
	}); err != nil {
		t.Fatal(err)
	}

	connectResp := recvWithin(t, inbox, 2*time.Second)
	if connectResp.Kind != proxybus.O2iConnect || !connectResp.Success {
		t.Fatalf("got %+v, want successful O2iConnect", connectResp)
	}

	if err := bus.SendI2O(ctx, proxybus.Message{
		Kind: proxybus.I2oSendData, TunnelID: "t1", SessionID: 1, Data: []byte("ping"),
	}); err != nil {
		t.Fatal(err)
	}
	ackResp := recvWithin(t, inbox, 2*time.Second)
	if ackResp.Kind != proxybus.O2iSendDataResult || ackResp.Len != 4 {
		t.Fatalf("got %+v, want O2iSendDataResult len=4", ackResp)
	}

	recvResp := recvWithin(t, inbox, 2*time.Second)
	if recvResp.Kind != proxybus.O2iRecvData || string(recvResp.Data) != "ping" {
		t.Fatalf("got %+v, want O2iRecvData ping", recvResp)
	}

	_ = o
}

func TestOutletConnectDuplicateSessionRejected(t *testing.T) {
	o, bus, inbox, cleanup := newTestOutlet(t)
	defer cleanup()

	ctx := context.Background()
	target, _ := proxybus.NewTargetAddrFromHostPort("127.0.0.1:1")

	if err := bus.SendI2O(ctx, proxybus.Message{
		Kind: proxybus.I2oConnect, TunnelID: "t1", SessionID: 1,
		IsTCP: false, TargetAddr: target,
	}); err != nil {
		t.Fatal(err)
	}
	first := recvWithin(t, inbox, 2*time.Second)
	if !first.Success {
		t.Fatalf("first connect should succeed, got %+v", first)
	}

	if err := bus.SendI2O(ctx, proxybus.Message{
		Kind: proxybus.I2oConnect, TunnelID: "t1", SessionID: 1,
		IsTCP: false, TargetAddr: target,
	}); err != nil {
		t.Fatal(err)
	}
	second := recvWithin(t, inbox, 2*time.Second)
	if second.Success || second.ErrMsg != "Repeated connection" {
		t.Fatalf("got %+v, want Repeated connection failure", second)
	}

	_ = o
}

func TestOutletConnectTCPDialFailure(t *testing.T) {
	o, bus, inbox, cleanup := newTestOutlet(t)
	defer cleanup()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close() // nothing listening now

	target, err := proxybus.NewTargetAddrFromHostPort(addr)
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if err := bus.SendI2O(ctx, proxybus.Message{
		Kind: proxybus.I2oConnect, TunnelID: "t1", SessionID: 1,
		IsTCP: true, TargetAddr: target,
	}); err != nil {
		t.Fatal(err)
	}

	resp := recvWithin(t, inbox, 2*time.Second)
	if resp.Kind != proxybus.O2iConnect || resp.Success {
		t.Fatalf("got %+v, want failed O2iConnect", resp)
	}

	_ = o
}
