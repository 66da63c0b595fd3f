package proxybus

import (
	"context"
	"testing"
	"time"
)

func TestBusDeliversI2OAndO2IInOrder(t *testing.T) {
	bus := New(nil)
	outletInbox := make(chan Message, 8)
	inletInbox := make(chan Message, 8)
	bus.RegisterOutlet("t1", outletInbox)
	bus.RegisterInlet("t1", 1, inletInbox)

	ctx := context.Background()
	if err := bus.SendI2O(ctx, Message{Kind: I2oConnect, TunnelID: "t1", SessionID: 1}); err != nil {
		t.Fatalf("SendI2O Connect: %v", err)
	}
	if err := bus.SendI2O(ctx, Message{Kind: I2oSendData, TunnelID: "t1", SessionID: 1, Data: []byte("a")}); err != nil {
		t.Fatalf("SendI2O SendData: %v", err)
	}
	if err := bus.SendI2O(ctx, Message{Kind: I2oSendData, TunnelID: "t1", SessionID: 1, Data: []byte("b")}); err != nil {
		t.Fatalf("SendI2O SendData: %v", err)
	}

	want := []Kind{I2oConnect, I2oSendData, I2oSendData}
	for _, k := range want {
		select {
		case msg := <-outletInbox:
			if msg.Kind != k {
				t.Fatalf("got %s, want %s", msg.Kind, k)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %s", k)
		}
	}

	if err := bus.SendO2I(ctx, Message{Kind: O2iConnect, TunnelID: "t1", SessionID: 1, Success: true}); err != nil {
		t.Fatalf("SendO2I Connect: %v", err)
	}
	select {
	case msg := <-inletInbox:
		if msg.Kind != O2iConnect {
			t.Fatalf("got %s, want O2iConnect", msg.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for O2iConnect")
	}
}

func TestBusDropsMessagesBeforeConnect(t *testing.T) {
	bus := New(nil)
	outletInbox := make(chan Message, 8)
	bus.RegisterOutlet("t1", outletInbox)

	ctx := context.Background()
	if err := bus.SendI2O(ctx, Message{Kind: I2oSendData, TunnelID: "t1", SessionID: 1, Data: []byte("early")}); err != nil {
		t.Fatalf("SendI2O: %v", err)
	}
	select {
	case msg := <-outletInbox:
		t.Fatalf("expected no delivery before Connect, got %s", msg.Kind)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestBusDropsMessagesAfterDisconnect(t *testing.T) {
	bus := New(nil)
	outletInbox := make(chan Message, 8)
	bus.RegisterOutlet("t1", outletInbox)

	ctx := context.Background()
	bus.SendI2O(ctx, Message{Kind: I2oConnect, TunnelID: "t1", SessionID: 1})
	bus.SendI2O(ctx, Message{Kind: I2oDisconnect, TunnelID: "t1", SessionID: 1})
	bus.SendI2O(ctx, Message{Kind: I2oSendData, TunnelID: "t1", SessionID: 1, Data: []byte("late")})

	<-outletInbox // Connect
	<-outletInbox // Disconnect
	select {
	case msg := <-outletInbox:
		t.Fatalf("expected no delivery after Disconnect, got %s", msg.Kind)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestSendI2OToUnregisteredTunnelDoesNotBlock(t *testing.T) {
	bus := New(nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := bus.SendI2O(ctx, Message{Kind: I2oConnect, TunnelID: "ghost", SessionID: 1}); err != nil {
		t.Fatalf("SendI2O to unregistered tunnel should not error: %v", err)
	}
}

func TestUnregisterInletDropsLifecycleState(t *testing.T) {
	bus := New(nil)
	outletInbox := make(chan Message, 8)
	inletInbox := make(chan Message, 8)
	bus.RegisterOutlet("t1", outletInbox)
	bus.RegisterInlet("t1", 1, inletInbox)

	ctx := context.Background()
	bus.SendO2I(ctx, Message{Kind: O2iConnect, TunnelID: "t1", SessionID: 1})
	<-inletInbox

	bus.UnregisterInlet("t1", 1)

	if err := bus.SendO2I(ctx, Message{Kind: O2iRecvData, TunnelID: "t1", SessionID: 1, Data: []byte("x")}); err != nil {
		t.Fatalf("SendO2I: %v", err)
	}
	select {
	case msg := <-inletInbox:
		t.Fatalf("expected no delivery after unregister, got %s", msg.Kind)
	case <-time.After(20 * time.Millisecond):
	}
}
