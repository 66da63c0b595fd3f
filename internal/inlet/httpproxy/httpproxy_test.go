package httpproxy

import (
	"bufio"
	"context"
	"encoding/base64"
	"io"
	"net"
	"testing"
	"time"

	"github.com/npipe-project/npipe/internal/inlet"
	"github.com/npipe-project/npipe/internal/outlet"
	"github.com/npipe-project/npipe/internal/proxybus"
	"github.com/npipe-project/npipe/internal/transport"
)

// echoServer accepts one connection and echoes every line it receives,
// prefixed with "echo: ", until the client closes the connection.
func echoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
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
	return ln.Addr().String()
}

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

func TestHttpConnectHappyPath(t *testing.T) {
	targetAddr := echoServer(t)
	inletAddr := startInlet(t, "", "")

	conn, err := net.Dial("tcp", inletAddr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	req := "CONNECT " + targetAddr + " HTTP/1.1\r\nHost: " + targetAddr + "\r\n\r\n"
	if _, err := conn.Write([]byte(req)); err != nil {
		t.Fatalf("Write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	r := bufio.NewReader(conn)
	want := "HTTP/1.1 200 Connection Established\r\nProxy-Agent: " + proxyAgent + "\r\n\r\n"
	got := make([]byte, len(want))
	if _, err := io.ReadFull(r, got); err != nil {
		t.Fatalf("reading CONNECT response: %v", err)
	}
	if string(got) != want {
		t.Fatalf("got %q, want %q", got, want)
	}

	if _, err := conn.Write([]byte("hello\n")); err != nil {
		t.Fatalf("Write payload: %v", err)
	}
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("Read echo: %v", err)
	}
	if line != "echo: hello\n" {
		t.Fatalf("got %q, want %q", line, "echo: hello\n")
	}
}

func TestHttp407ChallengeWithoutCredentials(t *testing.T) {
	inletAddr := startInlet(t, "alice", "s3cret")

	conn, err := net.Dial("tcp", inletAddr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("GET http://example.com/ HTTP/1.1\r\nHost: example.com\r\n\r\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	want := "HTTP/1.1 407 Proxy Authentication Required\r\n" +
		"Proxy-Authenticate: Basic realm=\"Proxy\"\r\n\r\n"
	got := make([]byte, len(want))
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatalf("reading 407 response: %v", err)
	}
	if string(got) != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestHttpForwardWithAuth(t *testing.T) {
	targetAddr := echoServer(t)
	inletAddr := startInlet(t, "alice", "s3cret")

	conn, err := net.Dial("tcp", inletAddr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	auth := "Basic " + base64.StdEncoding.EncodeToString([]byte("alice:s3cret"))
	req := "GET http://" + targetAddr + "/ HTTP/1.1\r\nHost: " + targetAddr + "\r\nProxy-Authorization: " + auth + "\r\n\r\n"
	if _, err := conn.Write([]byte(req)); err != nil {
		t.Fatalf("Write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	r := bufio.NewReader(conn)
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if line != "echo: GET / HTTP/1.1\r\n" {
		t.Fatalf("got %q", line)
	}
}
