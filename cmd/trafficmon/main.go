// Package main provides the trafficmon command line tool.
//
// trafficmon prints cumulative traffic bytes or speeds for a set of traffic
// types. It measures in-process by default, or queries a running trafficmond
// when -socket is given.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shini4i/trafficmon/internal/client"
	"github.com/shini4i/trafficmon/internal/config"
	"github.com/shini4i/trafficmon/internal/daemon/protocol"
	"github.com/shini4i/trafficmon/internal/logging"
	"github.com/shini4i/trafficmon/internal/stats"
)

var (
	version = "dev"
)

const (
	modeBytes   = "bytes"
	modeSpeed   = "speed"
	modeWatch   = "watch"
	modeStatus  = "status"
	modeSamples = "samples"
)

// options holds the parsed command line.
type options struct {
	types      stats.TrafficType
	mode       string
	interval   time.Duration
	count      int
	socketPath string
	configPath string
	human      bool
	version    bool
}

// backend is the source of traffic figures: the shared in-process monitor
// or a trafficmond connection.
type backend interface {
	Bytes(ctx context.Context, types stats.TrafficType) (uint64, error)
	Speed(ctx context.Context, types stats.TrafficType) (uint64, error)
	Status(ctx context.Context) (*protocol.StatusResult, error)
	Close() error
}

func main() {
	logging.SetupFromEnv()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "trafficmon: %v\n", err)
		os.Exit(1)
	}
}

func (o *options) needsMonitoring() bool {
	return o.mode != modeStatus
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	fs := flag.NewFlagSet("trafficmon", flag.ContinueOnError)
	fs.SetOutput(stderr)

	opts := &options{}
	types := fs.String("types", "all", "Traffic types, e.g. all, wifi, wwan-sent|awdl or a numeric mask")
	fs.StringVar(&opts.mode, "mode", modeBytes, "One of bytes, speed, watch, status, samples")
	fs.DurationVar(&opts.interval, "interval", time.Second, "Measurement interval for speed and watch")
	fs.IntVar(&opts.count, "count", 0, "Number of watch or samples lines to print (0 = until interrupted)")
	fs.StringVar(&opts.socketPath, "socket", "", "Query the trafficmond daemon at this socket instead of measuring locally")
	fs.StringVar(&opts.configPath, "config", "", "Config file for local mode (default: XDG config dir)")
	fs.BoolVar(&opts.human, "human", false, "Print human-readable units")
	fs.BoolVar(&opts.version, "version", false, "Show version and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	var err error
	if opts.types, err = stats.ParseTrafficType(*types); err != nil {
		return nil, err
	}
	switch opts.mode {
	case modeBytes, modeSpeed, modeWatch, modeStatus:
	case modeSamples:
		if opts.socketPath == "" {
			return nil, errors.New("samples mode requires -socket")
		}
	default:
		return nil, fmt.Errorf("unknown mode %q", opts.mode)
	}
	if opts.interval <= 0 {
		return nil, fmt.Errorf("interval must be positive, got %s", opts.interval)
	}
	if opts.count < 0 {
		return nil, fmt.Errorf("count must not be negative, got %d", opts.count)
	}
	return opts, nil
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	opts, err := parseFlags(args, os.Stderr)
	if err != nil {
		return err
	}
	if opts.version {
		_, err := fmt.Fprintf(stdout, "trafficmon %s\n", version)
		return err
	}
	if opts.mode == modeSamples {
		return streamSamples(ctx, opts, stdout)
	}

	b, err := openBackend(ctx, opts)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.Close(); err != nil {
			slog.Debug("Failed to close backend", "error", err)
		}
	}()

	switch opts.mode {
	case modeBytes:
		n, err := b.Bytes(ctx, opts.types)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(stdout, formatBytes(n, opts.human))
		return err
	case modeSpeed:
		// The first Speed call sets the reference point.
		if _, err := b.Speed(ctx, opts.types); err != nil {
			return err
		}
		if err := sleep(ctx, opts.interval); err != nil {
			return err
		}
		kbps, err := b.Speed(ctx, opts.types)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(stdout, formatSpeed(kbps, opts.human))
		return err
	case modeStatus:
		status, err := b.Status(ctx)
		if err != nil {
			return err
		}
		return printStatus(stdout, status, time.Now())
	default:
		return watch(ctx, b, opts, stdout)
	}
}

// watch prints one "bytes speed" line per interval.
func watch(ctx context.Context, b backend, opts *options, stdout io.Writer) error {
	if _, err := b.Speed(ctx, opts.types); err != nil {
		return err
	}
	for i := 0; opts.count == 0 || i < opts.count; i++ {
		if err := sleep(ctx, opts.interval); err != nil {
			if opts.count == 0 && errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		kbps, err := b.Speed(ctx, opts.types)
		if err != nil {
			return err
		}
		n, err := b.Bytes(ctx, opts.types)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(stdout, "%s\t%s\n", formatBytes(n, opts.human), formatSpeed(kbps, opts.human)); err != nil {
			return err
		}
	}
	return nil
}

func printStatus(w io.Writer, status *protocol.StatusResult, now time.Time) error {
	if _, err := fmt.Fprintf(w, "state:\t%s\n", status.State); err != nil {
		return err
	}
	if status.BootTime != nil {
		_, err := fmt.Fprintf(w, "uptime:\t%s\n", stats.FormatDuration(now.Sub(*status.BootTime)))
		return err
	}
	return nil
}

// streamSamples prints the sample events broadcast by trafficmond.
func streamSamples(ctx context.Context, opts *options, stdout io.Writer) error {
	c, err := client.Dial(opts.socketPath)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	samples := make(chan protocol.SampleData, 16)
	c.OnSample(func(sample protocol.SampleData) {
		select {
		case samples <- sample:
		default:
			slog.Warn("Dropping sample, output is too slow", "id", sample.ID)
		}
	})

	for i := 0; opts.count == 0 || i < opts.count; i++ {
		select {
		case sample := <-samples:
			rate := fmt.Sprintf("%.0f", sample.BytesPerSecond)
			if opts.human {
				rate = stats.FormatRate(sample.BytesPerSecond)
			}
			_, err := fmt.Fprintf(stdout, "%s\t%s\t%s\n",
				sample.Time.Format(time.RFC3339), formatBytes(sample.Bytes, opts.human), rate)
			if err != nil {
				return err
			}
		case <-ctx.Done():
			if opts.count == 0 && errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		}
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func formatBytes(n uint64, human bool) string {
	if human {
		return stats.FormatBytes(n)
	}
	return fmt.Sprintf("%d", n)
}

func formatSpeed(kbps uint64, human bool) string {
	if human {
		return stats.FormatSpeed(kbps)
	}
	return fmt.Sprintf("%d", kbps)
}

func openBackend(ctx context.Context, opts *options) (backend, error) {
	if opts.socketPath != "" {
		c, err := client.Dial(opts.socketPath)
		if err != nil {
			return nil, err
		}
		// Byte and speed queries need a running monitor on the daemon side.
		if !opts.needsMonitoring() {
			return c, nil
		}
		if _, err := c.Start(ctx); err != nil {
			_ = c.Close()
			return nil, err
		}
		return c, nil
	}

	if cfg, ok := loadConfig(opts.configPath); ok {
		stats.SetShared(stats.NewMonitor(cfg.InterfaceSource(),
			stats.WithRules(cfg.Rules()),
			stats.WithPollTimeout(cfg.PollTimeout()),
		))
	}
	m := stats.Shared()
	if opts.needsMonitoring() {
		m.Start()
	}
	return localBackend{monitor: m}, nil
}

// loadConfig reads the config file, if one exists. A broken config falls
// back to the platform defaults.
func loadConfig(path string) (*config.Config, bool) {
	if path == "" {
		paths, err := config.GetPaths()
		if err != nil {
			slog.Debug("Config paths unavailable", "error", err)
			return nil, false
		}
		path = paths.ConfigFile
	}
	if _, err := os.Stat(path); err != nil {
		slog.Debug("No config file, using default interface classes", "path", path)
		return nil, false
	}

	cfg, err := config.Load(path)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		slog.Warn("Ignoring config file", "path", path, "error", err)
		return nil, false
	}
	return cfg, true
}

// localBackend adapts the in-process Monitor to backend.
type localBackend struct {
	monitor *stats.Monitor
}

func (l localBackend) Bytes(_ context.Context, types stats.TrafficType) (uint64, error) {
	return l.monitor.Bytes(types), nil
}

func (l localBackend) Speed(_ context.Context, types stats.TrafficType) (uint64, error) {
	return l.monitor.Speed(types), nil
}

func (l localBackend) Status(ctx context.Context) (*protocol.StatusResult, error) {
	result := &protocol.StatusResult{
		Monitoring: l.monitor.IsMonitoring(),
		State:      string(l.monitor.State()),
	}
	if boot, err := stats.BootTime(ctx); err == nil {
		result.BootTime = &boot
	}
	return result, nil
}

func (l localBackend) Close() error {
	l.monitor.Stop()
	return nil
}
