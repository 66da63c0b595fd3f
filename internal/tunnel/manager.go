// Package tunnel implements the TunnelManager of spec §4.8 (component C8):
// an in-memory registry of Tunnel configuration that reconciles a
// desired-tunnel set against running inlet/outlet pairs. Grounded on the
// teacher's TunnelRegistry (internal/core/tunnel_registry.go), generalized
// from a single always-on registry entry to a reconciler that starts and
// stops components as tunnels are added, updated, deleted, or toggled.
package tunnel

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/npipe-project/npipe/internal/config"
	"github.com/npipe-project/npipe/internal/inlet"
	"github.com/npipe-project/npipe/internal/inlet/httpproxy"
	"github.com/npipe-project/npipe/internal/inlet/passthrough"
	"github.com/npipe-project/npipe/internal/inlet/socks5"
	"github.com/npipe-project/npipe/internal/logging"
	"github.com/npipe-project/npipe/internal/outlet"
	"github.com/npipe-project/npipe/internal/proxybus"
	"github.com/npipe-project/npipe/internal/session"
	"github.com/npipe-project/npipe/internal/transport"
)

// State is the lifecycle state of a tunnel's local components.
type State int

const (
	StateDown State = iota
	StateUp
	StateError
)

func (s State) String() string {
	switch s {
	case StateDown:
		return "down"
	case StateUp:
		return "up"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Entry is a snapshot of one tunnel's configuration and runtime state.
// Returned by value so callers can read it after the registry's lock is
// released (teacher's TunnelRegistry.Get does the same).
type Entry struct {
	Config config.TunnelConfig
	State  State
	Err    error
}

// PortConflict is returned by Add/Update when source's port collides with
// another enabled tunnel belonging to the same owner (spec §4.8, §8
// scenario 6).
type PortConflict struct {
	Port  int
	Owner string
}

func (e *PortConflict) Error() string {
	return fmt.Sprintf("[Tunnel] port %d already in use by owner %q", e.Port, e.Owner)
}

// running holds the live components backing one enabled tunnel.
type running struct {
	outlet    *outlet.Outlet
	stopInlet func()
	cancel    context.CancelFunc
}

// Manager is the TunnelManager of spec §4.8.
type Manager struct {
	mu      sync.RWMutex
	tunnels map[string]*config.TunnelConfig
	state   map[string]Entry
	live    map[string]*running

	bus      *proxybus.Bus
	eventBus *EventBus
	log      *logging.Logger

	ctx context.Context
}

// New creates a ready-to-use Manager. ctx bounds the lifetime of every
// component started by the manager; cancelling it (or calling Shutdown)
// tears everything down.
func New(ctx context.Context, bus *proxybus.Bus, eventBus *EventBus, log *logging.Logger) *Manager {
	if log == nil {
		log = logging.Default
	}
	if eventBus == nil {
		eventBus = NewEventBus()
	}
	return &Manager{
		tunnels:  make(map[string]*config.TunnelConfig),
		state:    make(map[string]Entry),
		live:     make(map[string]*running),
		bus:      bus,
		eventBus: eventBus,
		log:      log,
		ctx:      ctx,
	}
}

// Add registers a new tunnel and, if enabled, starts its components.
func (m *Manager) Add(cfg config.TunnelConfig) error {
	if _, _, _, err := config.ValidateAddress(cfg.Source); err != nil {
		return err
	}
	if cfg.Endpoint != "" && cfg.Kind != proxybus.KindHttp && cfg.Kind != proxybus.KindSocks5 {
		if _, err := proxybus.NewTargetAddrFromHostPort(cfg.Endpoint); err != nil {
			return fmt.Errorf("[Tunnel] malformed endpoint: %w", err)
		}
	}

	m.mu.Lock()
	if _, exists := m.tunnels[cfg.ID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("[Tunnel] tunnel %q already registered", cfg.ID)
	}
	if cfg.Enabled {
		if conflict := m.portConflictLocked(cfg, ""); conflict != nil {
			m.mu.Unlock()
			return conflict
		}
	}
	cp := cfg
	m.tunnels[cfg.ID] = &cp
	m.state[cfg.ID] = Entry{Config: cp, State: StateDown}
	m.mu.Unlock()

	m.log.Infof("Tunnel", "added tunnel %q (kind=%s, source=%s)", cfg.ID, cfg.Kind, cfg.Source)
	m.eventBus.PublishAsync(Event{Type: EventAdded, Payload: cp})
	return m.reconcile(cfg.ID)
}

// Update replaces an existing tunnel's configuration and reconciles.
func (m *Manager) Update(cfg config.TunnelConfig) error {
	if _, _, _, err := config.ValidateAddress(cfg.Source); err != nil {
		return err
	}

	m.mu.Lock()
	if _, exists := m.tunnels[cfg.ID]; !exists {
		m.mu.Unlock()
		return fmt.Errorf("[Tunnel] tunnel %q not found", cfg.ID)
	}
	if cfg.Enabled {
		if conflict := m.portConflictLocked(cfg, cfg.ID); conflict != nil {
			m.mu.Unlock()
			return conflict
		}
	}
	cp := cfg
	m.tunnels[cfg.ID] = &cp
	m.mu.Unlock()

	m.log.Infof("Tunnel", "updated tunnel %q", cfg.ID)
	m.eventBus.PublishAsync(Event{Type: EventUpdated, Payload: cp})
	return m.reconcile(cfg.ID)
}

// Delete stops and removes a tunnel.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	if _, exists := m.tunnels[id]; !exists {
		m.mu.Unlock()
		return fmt.Errorf("[Tunnel] tunnel %q not found", id)
	}
	delete(m.tunnels, id)
	delete(m.state, id)
	m.mu.Unlock()

	m.stop(id)
	m.log.Infof("Tunnel", "deleted tunnel %q", id)
	m.eventBus.PublishAsync(Event{Type: EventDeleted, Payload: id})
	return nil
}

// Query returns a snapshot of one tunnel's entry.
func (m *Manager) Query(id string) (Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.state[id]
	return e, ok
}

// All returns a snapshot of every tunnel's entry.
func (m *Manager) All() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, 0, len(m.state))
	for _, e := range m.state {
		out = append(out, e)
	}
	return out
}

// portConflictLocked reports whether cfg's source port collides with
// another enabled tunnel sharing cfg.Owner. excludeID skips the tunnel
// being updated. Caller must hold m.mu.
func (m *Manager) portConflictLocked(cfg config.TunnelConfig, excludeID string) error {
	_, _, port, err := config.ValidateAddress(cfg.Source)
	if err != nil {
		return err
	}
	for id, t := range m.tunnels {
		if id == excludeID || !t.Enabled || t.Owner != cfg.Owner {
			continue
		}
		_, _, p, err := config.ValidateAddress(t.Source)
		if err == nil && p == port {
			return &PortConflict{Port: port, Owner: cfg.Owner}
		}
	}
	return nil
}

// reconcile starts or stops id's components to match its current enabled
// flag, tearing down any previously running instance first (spec §4.8:
// "every mutation invokes a reconciler").
func (m *Manager) reconcile(id string) error {
	m.mu.RLock()
	cfg, exists := m.tunnels[id]
	m.mu.RUnlock()
	if !exists {
		return nil
	}
	cp := *cfg

	m.stop(id)

	if !cp.Enabled {
		m.setState(id, StateDown, nil)
		return nil
	}

	r, err := m.start(cp)
	if err != nil {
		m.setState(id, StateError, err)
		return err
	}

	m.mu.Lock()
	m.live[id] = r
	m.mu.Unlock()
	m.setState(id, StateUp, nil)
	return nil
}

// start builds and launches the outlet and inlet for an enabled tunnel.
func (m *Manager) start(cfg config.TunnelConfig) (*running, error) {
	scheme, host, port, err := config.ValidateAddress(cfg.Source)
	if err != nil {
		return nil, err
	}
	bindAddr := net.JoinHostPort(host, fmt.Sprint(port))

	ctx, cancel := context.WithCancel(m.ctx)
	out := outlet.New(cfg.ID, m.bus, m.log)
	out.Start(ctx)

	common := proxybus.NewCommonInfo(cfg.Compressed, cfg.EncMethod, cfg.EncKey)

	if cfg.Kind == proxybus.KindUdp {
		endpoint, err := proxybus.NewTargetAddrFromHostPort(cfg.Endpoint)
		if err != nil {
			cancel()
			out.Stop()
			return nil, fmt.Errorf("[Tunnel] tunnel %q: %w", cfg.ID, err)
		}
		udpInlet, err := passthrough.NewUDPInlet(passthrough.UDPParams{
			TunnelID: cfg.ID, Source: bindAddr, Endpoint: endpoint, Common: common,
			Bus: m.bus, Log: m.log,
		})
		if err != nil {
			cancel()
			out.Stop()
			return nil, err
		}
		go udpInlet.Run(ctx)
		return &running{outlet: out, stopInlet: udpInlet.Stop, cancel: cancel}, nil
	}

	listener, err := m.listen(scheme, bindAddr)
	if err != nil {
		cancel()
		out.Stop()
		return nil, err
	}

	var newCtx func(*session.Session) session.Context
	switch cfg.Kind {
	case proxybus.KindTcp:
		endpoint, perr := proxybus.NewTargetAddrFromHostPort(cfg.Endpoint)
		if perr != nil {
			cancel()
			out.Stop()
			listener.Close()
			return nil, fmt.Errorf("[Tunnel] tunnel %q: %w", cfg.ID, perr)
		}
		newCtx = passthrough.NewTCPContext(passthrough.TCPParams{
			TunnelID: cfg.ID, Endpoint: endpoint, Bus: m.bus, Log: m.log,
		})
	case proxybus.KindHttp:
		newCtx = httpproxy.NewContext(httpproxy.Params{
			TunnelID: cfg.ID, Bus: m.bus, Log: m.log, Username: cfg.Username, Password: cfg.Password,
		})
	case proxybus.KindSocks5:
		newCtx = socks5.NewContext(socks5.Params{
			TunnelID: cfg.ID, Bus: m.bus, Log: m.log, Username: cfg.Username, Password: cfg.Password,
		})
	default:
		cancel()
		out.Stop()
		listener.Close()
		return nil, fmt.Errorf("[Tunnel] tunnel %q: unsupported inlet kind %s", cfg.ID, cfg.Kind)
	}

	driver := &inlet.Driver{
		TunnelID: cfg.ID, Bus: m.bus, Listener: listener, Log: m.log,
		Common: common, NewContext: newCtx,
	}
	go driver.Run(ctx)
	return &running{outlet: out, stopInlet: driver.Stop, cancel: cancel}, nil
}

// listen picks the transport.Listener implementation for scheme (spec
// §4.8's three stream transports).
func (m *Manager) listen(scheme, bindAddr string) (transport.Listener, error) {
	switch scheme {
	case "tcp":
		return transport.ListenTCP(bindAddr)
	case "kcp":
		return transport.ListenKCP(bindAddr)
	case "ws":
		return transport.ListenWS(bindAddr, "/")
	default:
		return nil, fmt.Errorf("[Tunnel] unsupported transport scheme %q", scheme)
	}
}

// stop tears down id's running components, if any.
func (m *Manager) stop(id string) {
	m.mu.Lock()
	r, ok := m.live[id]
	if ok {
		delete(m.live, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	r.cancel()
	r.stopInlet()
	r.outlet.Stop()
}

// Shutdown stops every running tunnel's components.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.tunnels))
	for id := range m.tunnels {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	for _, id := range ids {
		m.stop(id)
	}
}

func (m *Manager) setState(id string, s State, err error) {
	m.mu.Lock()
	cfg, exists := m.tunnels[id]
	if !exists {
		m.mu.Unlock()
		return
	}
	old := m.state[id].State
	entry := Entry{Config: *cfg, State: s, Err: err}
	m.state[id] = entry
	m.mu.Unlock()

	if old != s {
		m.log.Infof("Tunnel", "tunnel %q: %s -> %s", id, old, s)
		m.eventBus.Publish(Event{Type: EventStateChanged, Payload: StatePayload{
			TunnelID: id, OldState: old, NewState: s, Err: err,
		}})
	}
}
