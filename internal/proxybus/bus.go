package proxybus

import (
	"context"
	"sync"

	"github.com/npipe-project/npipe/internal/logging"
)

// sessionLifecycle tracks whether Connect has been observed and whether
// Disconnect has been produced, per direction, for one (tunnel, session)
// pair (spec §3 "Key invariant").
type sessionLifecycle struct {
	i2oConnected bool
	i2oClosed    bool
	o2iConnected bool
	o2iClosed    bool
}

// Bus is the logical multiplexer over a control link described in spec
// §4.3. It is a set of typed channels, not a shared mutable graph:
// components communicate only by sending Message values through it.
type Bus struct {
	log *logging.Logger

	mu        sync.Mutex
	outlets   map[string]chan Message            // tunnelID -> outlet inbox (I2O)
	inlets    map[string]map[uint32]chan Message // tunnelID -> sessionID -> inlet inbox (O2I)
	lifecycle map[string]map[uint32]*sessionLifecycle
}

// New creates an empty Bus.
func New(log *logging.Logger) *Bus {
	if log == nil {
		log = logging.Default
	}
	return &Bus{
		log:       log,
		outlets:   make(map[string]chan Message),
		inlets:    make(map[string]map[uint32]chan Message),
		lifecycle: make(map[string]map[uint32]*sessionLifecycle),
	}
}

// RegisterOutlet installs the inbox an outlet receives I2O messages for
// tunnelID on. The caller owns draining the channel.
func (b *Bus) RegisterOutlet(tunnelID string, inbox chan Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.outlets[tunnelID] = inbox
}

// UnregisterOutlet removes the outlet inbox for tunnelID.
func (b *Bus) UnregisterOutlet(tunnelID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.outlets, tunnelID)
	delete(b.lifecycle, tunnelID)
}

// RegisterInlet installs the inbox an inlet session receives O2I messages
// on for (tunnelID, sessionID).
func (b *Bus) RegisterInlet(tunnelID string, sessionID uint32, inbox chan Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.inlets[tunnelID]
	if !ok {
		m = make(map[uint32]chan Message)
		b.inlets[tunnelID] = m
	}
	m[sessionID] = inbox
}

// UnregisterInlet removes the inlet inbox for (tunnelID, sessionID).
func (b *Bus) UnregisterInlet(tunnelID string, sessionID uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if m, ok := b.inlets[tunnelID]; ok {
		delete(m, sessionID)
		if len(m) == 0 {
			delete(b.inlets, tunnelID)
		}
	}
	if lc, ok := b.lifecycle[tunnelID]; ok {
		delete(lc, sessionID)
	}
}

func (b *Bus) lifecycleFor(tunnelID string, sessionID uint32) *sessionLifecycle {
	m, ok := b.lifecycle[tunnelID]
	if !ok {
		m = make(map[uint32]*sessionLifecycle)
		b.lifecycle[tunnelID] = m
	}
	lc, ok := m[sessionID]
	if !ok {
		lc = &sessionLifecycle{}
		m[sessionID] = lc
	}
	return lc
}

// checkAndUpdate enforces the Connect-precedes-everything and
// nothing-after-Disconnect invariants for one direction. Violating
// messages are rejected so the caller can drop them with an error log
// (spec §4.3).
func (b *Bus) checkAndUpdate(tunnelID string, sessionID uint32, kind Kind, isI2O bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	lc := b.lifecycleFor(tunnelID, sessionID)

	if isI2O {
		if lc.i2oClosed {
			return false
		}
		switch kind {
		case I2oConnect:
			lc.i2oConnected = true
			return true
		case I2oDisconnect:
			lc.i2oClosed = true
			return true
		default:
			return lc.i2oConnected
		}
	}

	if lc.o2iClosed {
		return false
	}
	switch kind {
	case O2iConnect:
		lc.o2iConnected = true
		return true
	case O2iDisconnect:
		lc.o2iClosed = true
		return true
	default:
		return lc.o2iConnected
	}
}

// SendI2O routes an inlet->outlet message, enforcing the session lifecycle
// invariant and then handing it to the registered outlet's inbox. The send
// blocks (cooperatively, ctx-aware) if the outlet inbox is full — this is
// the transport-level complement to the byte-level backpressure in
// EncodeDataAndLimiting.
func (b *Bus) SendI2O(ctx context.Context, msg Message) error {
	if !b.checkAndUpdate(msg.TunnelID, msg.SessionID, msg.Kind, true) {
		b.log.Errorf("ProxyBus", "dropped out-of-order I2O %s for tunnel=%s session=%d", msg.Kind, msg.TunnelID, msg.SessionID)
		return nil
	}

	b.mu.Lock()
	inbox, ok := b.outlets[msg.TunnelID]
	b.mu.Unlock()
	if !ok {
		b.log.Errorf("ProxyBus", "no outlet registered for tunnel=%s", msg.TunnelID)
		return nil
	}

	select {
	case inbox <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendO2I routes an outlet->inlet message for one session, enforcing the
// lifecycle invariant.
func (b *Bus) SendO2I(ctx context.Context, msg Message) error {
	if !b.checkAndUpdate(msg.TunnelID, msg.SessionID, msg.Kind, false) {
		b.log.Errorf("ProxyBus", "dropped out-of-order O2I %s for tunnel=%s session=%d", msg.Kind, msg.TunnelID, msg.SessionID)
		return nil
	}

	b.mu.Lock()
	var inbox chan Message
	if m, ok := b.inlets[msg.TunnelID]; ok {
		inbox = m[msg.SessionID]
	}
	b.mu.Unlock()
	if inbox == nil {
		b.log.Errorf("ProxyBus", "no inlet session registered for tunnel=%s session=%d", msg.TunnelID, msg.SessionID)
		return nil
	}

	select {
	case inbox <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
