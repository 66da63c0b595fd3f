package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/npipe-project/npipe/internal/config"
	"github.com/npipe-project/npipe/internal/logging"
	"github.com/npipe-project/npipe/internal/proxybus"
	"github.com/npipe-project/npipe/internal/tunnel"
)

// Build info — injected via ldflags at compile time.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("npiped %s (commit=%s)\n", version, commit)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		logging.Default.Fatalf("Core", "fatal: %v", err)
	}
}

// run loads the node configuration, starts every enabled tunnel, and
// blocks until a shutdown signal arrives.
func run(configPath string) error {
	// === 1. Config + logging ===
	cfgManager := config.NewManager(configPath)
	if err := cfgManager.Load(); err != nil {
		return fmt.Errorf("[Core] load config: %w", err)
	}
	cfg := cfgManager.Get()
	logging.Default = logging.New(cfg.Log, os.Stdout)

	logging.Default.Infof("Core", "npiped %s starting...", version)

	// === 2. ProxyBus + TunnelManager ===
	bus := proxybus.New(logging.Default)
	eventBus := tunnel.NewEventBus()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr := tunnel.New(ctx, bus, eventBus, logging.Default)
	defer mgr.Shutdown()

	eventBus.Subscribe(tunnel.EventStateChanged, func(e tunnel.Event) {
		p, ok := e.Payload.(tunnel.StatePayload)
		if !ok {
			return
		}
		if p.Err != nil {
			logging.Default.Warnf("Core", "tunnel %q -> %s: %v", p.TunnelID, p.NewState, p.Err)
		}
	})

	// === 3. Start every configured tunnel ===
	for _, t := range cfg.Tunnels {
		if err := mgr.Add(t); err != nil {
			logging.Default.Errorf("Core", "tunnel %q failed to start: %v", t.ID, err)
		}
	}

	// === 4. Wait for shutdown signal ===
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	logging.Default.Infof("Core", "running; press Ctrl+C to stop")
	<-sig
	logging.Default.Infof("Core", "signal received, shutting down...")
	return nil
}
