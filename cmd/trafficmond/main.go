// Package main provides the entry point for the trafficmond daemon.
//
// trafficmond owns the process-wide traffic monitor and serves byte and speed
// queries to local clients over a UNIX socket using NDJSON messages. Periodic
// samples are broadcast to every connected client.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/shini4i/trafficmon/internal/config"
	"github.com/shini4i/trafficmon/internal/daemon/handler"
	"github.com/shini4i/trafficmon/internal/daemon/protocol"
	"github.com/shini4i/trafficmon/internal/daemon/reporter"
	"github.com/shini4i/trafficmon/internal/daemon/server"
	"github.com/shini4i/trafficmon/internal/logging"
	"github.com/shini4i/trafficmon/internal/stats"
)

var (
	version = "dev"
)

func main() {
	socketPath := flag.String("socket", "", "Path to the UNIX socket (overrides config)")
	configPath := flag.String("config", "", "Path to the config file (default: XDG config dir)")
	initConfig := flag.Bool("init-config", false, "Write the effective config file and exit")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("trafficmond %s\n", version)
		os.Exit(0)
	}

	logging.SetupDaemon(logging.LevelFromEnv())
	slog.Info("Starting trafficmond", "version", version)

	mgr, err := newConfigManager(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	if *initConfig {
		err := mgr.UpdateField(func(cfg *config.Config) {
			if *socketPath != "" {
				cfg.SocketPath = *socketPath
			}
		})
		if err != nil {
			slog.Error("Failed to write configuration", "path", mgr.ConfigFile(), "error", err)
			os.Exit(1)
		}
		slog.Info("Configuration written", "path", mgr.ConfigFile())
		os.Exit(0)
	}

	cfg := mgr.GetConfig()
	if *socketPath != "" {
		cfg.SocketPath = *socketPath
	}
	reportTypes, err := cfg.ReportMask()
	if err != nil {
		slog.Error("Invalid report types", "error", err)
		os.Exit(1)
	}

	monitor := stats.NewMonitor(cfg.InterfaceSource(),
		stats.WithRules(cfg.Rules()),
		stats.WithPollTimeout(cfg.PollTimeout()),
	)
	stats.SetShared(monitor)

	// The server needs the handler and the handler needs a broadcaster, so
	// events are routed through a broadcaster that learns the server later.
	broadcaster := &safeBroadcaster{}
	h := handler.New(monitor, broadcaster.Broadcast)
	srv := server.NewServer(cfg.SocketPath, cfg.SocketGroup, h.HandleRequest)
	broadcaster.SetServer(srv)

	if err := srv.Start(); err != nil {
		slog.Error("Failed to start server", "error", err)
		os.Exit(1)
	}

	rep, err := reporter.New(monitor, broadcaster.Broadcast, cfg.ReportSchedule, reportTypes)
	if err != nil {
		slog.Error("Failed to create reporter", "error", err)
		_ = srv.Stop()
		os.Exit(1)
	}
	if err := rep.Start(); err != nil {
		slog.Error("Failed to start reporter", "error", err)
		_ = srv.Stop()
		os.Exit(1)
	}

	if cfg.StartOnLaunch {
		monitor.Start()
	}

	notifySystemd("READY=1")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	slog.Info("Received shutdown signal", "signal", sig)

	notifySystemd("STOPPING=1")

	rep.Stop()
	final := monitor.Snapshot()
	slog.Info("Final traffic counters", "bytes", final.Counters.Sum(stats.All), "samples_sent", rep.Sent())
	stats.ResetShared()
	if err := srv.Stop(); err != nil {
		slog.Error("Failed to stop server", "error", err)
	}

	slog.Info("Shutdown complete")
}

func newConfigManager(path string) (*config.Manager, error) {
	if path != "" {
		return config.NewManagerWithPath(path)
	}
	return config.NewManager()
}

// notifySystemd sends a state notification to systemd when running as a
// Type=notify service.
func notifySystemd(state string) {
	socketPath := os.Getenv("NOTIFY_SOCKET")
	if socketPath == "" {
		return
	}

	fd, err := syscall.Socket(syscall.AF_UNIX, syscall.SOCK_DGRAM, 0)
	if err != nil {
		slog.Warn("Failed to create notify socket", "error", err)
		return
	}
	defer func() { _ = syscall.Close(fd) }()

	addr := &syscall.SockaddrUnix{Name: socketPath}
	if err := syscall.Sendto(fd, []byte(state), 0, addr); err != nil {
		slog.Warn("Failed to notify systemd", "state", state, "error", err)
	}
}

// safeBroadcaster forwards events to the server once it is set.
type safeBroadcaster struct {
	mu  sync.RWMutex
	srv *server.Server
}

func (b *safeBroadcaster) SetServer(srv *server.Server) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.srv = srv
}

func (b *safeBroadcaster) Broadcast(event *protocol.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.srv != nil {
		b.srv.Broadcast(event)
	}
}
