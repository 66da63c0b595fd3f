package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/npipe-project/npipe/internal/proxybus"
)

func TestValidateAddress(t *testing.T) {
	cases := []struct {
		addr       string
		wantScheme string
		wantHost   string
		wantPort   int
		wantErr    bool
	}{
		{"tcp://0.0.0.0:7000", "tcp", "0.0.0.0", 7000, false},
		{"kcp://127.0.0.1:7001", "kcp", "127.0.0.1", 7001, false},
		{"ws://example.com:8080", "ws", "example.com", 8080, false},
		{"udp://0.0.0.0:5300", "udp", "0.0.0.0", 5300, false},
		{"http://0.0.0.0:80", "", "", 0, true},
		{"tcp://0.0.0.0", "", "", 0, true},
		{"not a url at all://", "", "", 0, true},
	}
	for _, c := range cases {
		scheme, host, port, err := ValidateAddress(c.addr)
		if c.wantErr {
			if err == nil {
				t.Errorf("ValidateAddress(%q): expected error, got none", c.addr)
			}
			continue
		}
		if err != nil {
			t.Errorf("ValidateAddress(%q): %v", c.addr, err)
			continue
		}
		if scheme != c.wantScheme || host != c.wantHost || port != c.wantPort {
			t.Errorf("ValidateAddress(%q) = (%q, %q, %d), want (%q, %q, %d)",
				c.addr, scheme, host, port, c.wantScheme, c.wantHost, c.wantPort)
		}
	}
}

func TestTunnelConfigNormalize(t *testing.T) {
	tc := TunnelConfig{KindStr: "socks5", EncStr: "aes128", Source: "tcp://0.0.0.0:1080", Enabled: true}
	if err := tc.normalize(); err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if tc.ID == "" {
		t.Fatal("expected generated ID")
	}
	if tc.Kind != proxybus.KindSocks5 {
		t.Fatalf("Kind = %v, want KindSocks5", tc.Kind)
	}
	if len(tc.EncKey) != 32 {
		t.Fatalf("EncKey length = %d, want 32", len(tc.EncKey))
	}
}

func TestTunnelConfigNormalizeRejectsUnknownKind(t *testing.T) {
	tc := TunnelConfig{KindStr: "ftp", Source: "tcp://0.0.0.0:21"}
	if err := tc.normalize(); err == nil {
		t.Fatal("expected error for unknown inlet kind")
	}
}

func TestManagerLoadSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	m := NewManager(path)
	if err := m.Load(); err != nil {
		t.Fatalf("Load (create-on-missing): %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected config file to be created: %v", err)
	}

	raw := `
tunnels:
  - kind: tcp
    source: tcp://0.0.0.0:7000
    endpoint: 127.0.0.1:9000
    enabled: true
    owner: alice
`
	if err := os.WriteFile(path, []byte(raw), 0644); err != nil {
		t.Fatal(err)
	}

	m2 := NewManager(path)
	if err := m2.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	tunnels := m2.Tunnels()
	if len(tunnels) != 1 {
		t.Fatalf("got %d tunnels, want 1", len(tunnels))
	}
	if tunnels[0].Kind != proxybus.KindTcp {
		t.Fatalf("Kind = %v, want KindTcp", tunnels[0].Kind)
	}
	if tunnels[0].ID == "" {
		t.Fatal("expected generated ID")
	}
}
