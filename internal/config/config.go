// Package config loads the node bootstrap configuration: the tunnel set a
// node starts with and its logging setup. Persistent tunnel CRUD storage and
// the admin HTTP surface that would normally mutate this are external
// collaborators (spec §1) — this package only knows how to read/write the
// on-disk snapshot a node boots from.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/google/uuid"
	"github.com/npipe-project/npipe/internal/codec"
	"github.com/npipe-project/npipe/internal/logging"
	"github.com/npipe-project/npipe/internal/proxybus"
)

// TunnelConfig is the configuration entity described in spec §3.
type TunnelConfig struct {
	ID       string             `yaml:"id"`
	Kind     proxybus.InletKind `yaml:"-"`
	KindStr  string             `yaml:"kind"`
	Source   string             `yaml:"source"`             // bind address, e.g. tcp://0.0.0.0:7000
	Endpoint string             `yaml:"endpoint,omitempty"` // target for Tcp/Udp passthrough

	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`

	Compressed bool            `yaml:"compressed,omitempty"`
	EncMethod  codec.EncMethod `yaml:"-"`
	EncStr     string          `yaml:"enc_method,omitempty"`
	EncKey     []byte          `yaml:"enc_key,omitempty"`

	Enabled bool `yaml:"enabled"`

	Owner string `yaml:"owner,omitempty"` // groups tunnels for port-conflict checks
}

// normalize fills derived fields (Kind/EncMethod) from their string forms and
// generates an id/key when absent. Called after YAML decode and before any
// tunnel is added to a TunnelManager.
func (t *TunnelConfig) normalize() error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	kind, err := proxybus.ParseInletKind(t.KindStr)
	if err != nil {
		return err
	}
	t.Kind = kind

	enc, err := codec.ParseEncMethod(t.EncStr)
	if err != nil {
		return err
	}
	t.EncMethod = enc
	if len(t.EncKey) == 0 && enc != codec.EncNone {
		key, err := codec.GenerateKey(enc)
		if err != nil {
			return fmt.Errorf("[Config] generate key for tunnel %q: %w", t.ID, err)
		}
		t.EncKey = key
	}
	return nil
}

// ValidateAddress rejects malformed source/endpoint strings per spec §8
// scenario 6 and §4.8. Accepted schemes: tcp://, kcp://, ws:// — the stream
// transports a Tcp/Http/Socks5 inlet's listener can be bound with (spec
// §4.8). A Udp inlet's source additionally accepts udp://, since its inlet
// is a raw datagram socket rather than a transport.Listener.
func ValidateAddress(addr string) (scheme, host string, port int, err error) {
	u, err := url.Parse(addr)
	if err != nil {
		return "", "", 0, fmt.Errorf("[Config] malformed address %q: %w", addr, err)
	}
	switch u.Scheme {
	case "tcp", "kcp", "ws", "udp":
	default:
		return "", "", 0, fmt.Errorf("[Config] unsupported scheme %q in %q", u.Scheme, addr)
	}
	host = u.Hostname()
	if host == "" {
		return "", "", 0, fmt.Errorf("[Config] missing host in %q", addr)
	}
	portStr := u.Port()
	if portStr == "" {
		return "", "", 0, fmt.Errorf("[Config] missing port in %q", addr)
	}
	p, err := strconv.Atoi(portStr)
	if err != nil || p <= 0 || p > 65535 {
		return "", "", 0, fmt.Errorf("[Config] invalid port in %q", addr)
	}
	return u.Scheme, host, p, nil
}

// Config is the top-level node configuration.
type Config struct {
	Log     logging.Config `yaml:"log,omitempty"`
	Tunnels []TunnelConfig `yaml:"tunnels"`
}

// Manager handles loading and saving the node config snapshot.
type Manager struct {
	mu       sync.RWMutex
	config   Config
	filePath string
}

// NewManager creates a config manager reading from/writing to filePath.
func NewManager(filePath string) *Manager {
	return &Manager{filePath: filePath}
}

// Load reads and parses the configuration from disk. If the file does not
// exist, an empty configuration is created and saved.
func (m *Manager) Load() error {
	data, err := os.ReadFile(m.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			m.mu.Lock()
			m.config = Config{}
			m.mu.Unlock()
			return m.Save()
		}
		return fmt.Errorf("[Config] read %s: %w", m.filePath, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("[Config] parse %s: %w", m.filePath, err)
	}
	for i := range cfg.Tunnels {
		if err := cfg.Tunnels[i].normalize(); err != nil {
			return err
		}
	}

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}

// Save writes the current configuration to disk.
func (m *Manager) Save() error {
	m.mu.RLock()
	data, err := yaml.Marshal(&m.config)
	m.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("[Config] marshal: %w", err)
	}
	if err := os.WriteFile(m.filePath, data, 0644); err != nil {
		return fmt.Errorf("[Config] write %s: %w", m.filePath, err)
	}
	return nil
}

// Get returns a copy of the current configuration.
func (m *Manager) Get() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// Tunnels returns a copy of the configured tunnel list.
func (m *Manager) Tunnels() []TunnelConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]TunnelConfig, len(m.config.Tunnels))
	copy(out, m.config.Tunnels)
	return out
}
