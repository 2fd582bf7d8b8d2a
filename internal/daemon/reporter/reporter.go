// Package reporter broadcasts periodic traffic samples to daemon clients.
package reporter

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/atomic"

	"github.com/shini4i/trafficmon/internal/daemon/protocol"
	"github.com/shini4i/trafficmon/internal/stats"
)

// Broadcaster delivers an event to every connected client.
type Broadcaster func(event *protocol.Event)

// Reporter samples a Monitor on a cron schedule and broadcasts sample events.
// It keeps its own reference sample so it never moves the Monitor's Speed
// reference point.
type Reporter struct {
	monitor   *stats.Monitor
	broadcast Broadcaster
	types     stats.TrafficType
	schedule  string
	newID     func() string

	mu          sync.Mutex
	cron        *cron.Cron
	previous    stats.Sample
	hasPrevious bool

	sent atomic.Uint64
}

// New creates a reporter for monitor. schedule accepts standard cron
// expressions and descriptors such as "@every 5s".
func New(monitor *stats.Monitor, broadcast Broadcaster, schedule string, types stats.TrafficType) (*Reporter, error) {
	if broadcast == nil {
		return nil, errors.New("reporter: nil broadcaster")
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid report schedule %q: %w", schedule, err)
	}
	return &Reporter{
		monitor:   monitor,
		broadcast: broadcast,
		types:     types & stats.All,
		schedule:  schedule,
		newID:     func() string { return uuid.New().String() },
	}, nil
}

// Start schedules the reporter. Starting a started reporter does nothing.
func (r *Reporter) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cron != nil {
		return nil
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddJob(r.schedule, r); err != nil {
		return fmt.Errorf("failed to schedule reporter: %w", err)
	}
	c.Start()
	r.cron = c

	slog.Info("Sample reporter started", "schedule", r.schedule, "types", r.types.String())
	return nil
}

// Stop unschedules the reporter and waits for a running job to finish.
func (r *Reporter) Stop() {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.mu.Unlock()

	if c == nil {
		return
	}
	<-c.Stop().Done()
	slog.Info("Sample reporter stopped", "sent", r.sent.Load())
}

// Sent returns the number of sample events broadcast so far.
func (r *Reporter) Sent() uint64 {
	return r.sent.Load()
}

// Run takes one sample and broadcasts it. Nothing is sent while the monitor
// is stopped, and the rate restarts from zero after the next start. A failed
// read is broadcast with a zero rate.
func (r *Reporter) Run() {
	if !r.monitor.IsMonitoring() {
		r.mu.Lock()
		r.hasPrevious = false
		r.mu.Unlock()
		return
	}

	sample, ok := r.monitor.TryPoll()

	// A failed read keeps the reference so recovery does not report the
	// whole since-boot total as one interval.
	r.mu.Lock()
	var bps float64
	if ok {
		if r.hasPrevious {
			bps = stats.BytesPerSecond(r.previous, sample, r.types)
		}
		r.previous = sample
		r.hasPrevious = true
	}
	r.mu.Unlock()

	event, err := protocol.NewEvent(protocol.EventSample, protocol.SampleData{
		ID:             r.newID(),
		Time:           sample.Time,
		Types:          uint32(r.types),
		Bytes:          sample.Counters.Sum(r.types),
		BytesPerSecond: bps,
		Counters:       sample.Counters.Map(),
	})
	if err != nil {
		slog.Error("Failed to create sample event", "error", err)
		return
	}

	r.broadcast(event)
	r.sent.Inc()
}
