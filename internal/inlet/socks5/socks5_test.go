package socks5

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"golang.org/x/net/proxy"

	"github.com/npipe-project/npipe/internal/inlet"
	"github.com/npipe-project/npipe/internal/outlet"
	"github.com/npipe-project/npipe/internal/proxybus"
	"github.com/npipe-project/npipe/internal/transport"
)

// echoServer accepts one connection and echoes every line it receives,
// prefixed with "echo: ", until the client closes the connection.
func echoServer(t *testing.T) (addr string, done chan struct{}) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	done = make(chan struct{})
	go func() {
		defer close(done)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		for {
			line, err := r.ReadString('\n')
			if len(line) > 0 {
				conn.Write([]byte("echo: " + line))
			}
			if err != nil {
				return
			}
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String(), done
}

// startInlet wires a Socks5 inlet to an Outlet over a shared ProxyBus,
// mirroring what the tunnel package's reconciler does at runtime, and
// returns the inlet's listen address.
func startInlet(t *testing.T, username, password string) string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	bus := proxybus.New(nil)

	out := outlet.New("t1", bus, nil)
	out.Start(ctx)
	t.Cleanup(out.Stop)

	ln, err := transport.ListenTCP("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	driver := &inlet.Driver{
		TunnelID: "t1",
		Bus:      bus,
		Listener: ln,
		Common:   proxybus.NewCommonInfo(false, 0, nil),
		NewContext: NewContext(Params{
			TunnelID: "t1", Bus: bus, Username: username, Password: password,
		}),
	}
	go driver.Run(ctx)
	t.Cleanup(driver.Stop)

	return ln.Addr().String()
}

func TestSocks5ConnectEndToEnd(t *testing.T) {
	targetAddr, done := echoServer(t)
	inletAddr := startInlet(t, "", "")

	dialer, err := proxy.SOCKS5("tcp", inletAddr, nil, proxy.Direct)
	if err != nil {
		t.Fatalf("proxy.SOCKS5: %v", err)
	}
	conn, err := dialer.Dial("tcp", targetAddr)
	if err != nil {
		t.Fatalf("Dial through socks5 inlet: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("hello\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got, want := string(buf[:n]), "echo: hello\n"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}

	conn.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("echo server goroutine did not exit")
	}
}

func TestSocks5AuthRejectsWrongCredentials(t *testing.T) {
	inletAddr := startInlet(t, "user", "pass")

	dialer, err := proxy.SOCKS5("tcp", inletAddr, &proxy.Auth{User: "user", Password: "wrong"}, proxy.Direct)
	if err != nil {
		t.Fatalf("proxy.SOCKS5: %v", err)
	}
	if _, err := dialer.Dial("tcp", "127.0.0.1:1"); err == nil {
		t.Fatal("expected dial to fail with wrong credentials")
	}
}
