package stats

import (
	"context"
	"log/slog"
	"math"
	"math/bits"
	"sync"
	"time"

	"go.uber.org/atomic"
)

const (
	// DefaultPollTimeout bounds a single OS interface enumeration.
	DefaultPollTimeout = 2 * time.Second

	// kilobyte is the divisor used to report speeds in KB/s.
	kilobyte = 1024
)

// Option configures a Monitor.
type Option func(*Monitor)

// WithRules replaces the platform default classification rules.
func WithRules(rules Rules) Option {
	return func(m *Monitor) {
		m.classifier = NewClassifier(rules)
	}
}

// WithClock sets the time source used to stamp samples.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		m.now = now
	}
}

// WithPollTimeout bounds each call to the interface source.
// Values <= 0 select DefaultPollTimeout.
func WithPollTimeout(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.pollTimeout = d
		}
	}
}

// Monitor aggregates interface counters into traffic buckets on demand.
// Every query polls the source while monitoring is running; there is no
// background goroutine. All methods are safe for concurrent use.
type Monitor struct {
	source      InterfaceSource
	classifier  *Classifier
	now         func() time.Time
	pollTimeout time.Duration

	running atomic.Bool

	mu            sync.Mutex
	current       Sample
	previous      Sample
	hasPrevious   bool
	onStateChange func(old, new State)
}

// NewMonitor creates a stopped monitor reading from source.
func NewMonitor(source InterfaceSource, opts ...Option) *Monitor {
	m := &Monitor{
		source:      source,
		classifier:  NewClassifier(DefaultRules()),
		now:         time.Now,
		pollTimeout: DefaultPollTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnStateChange registers a callback invoked after each lifecycle transition.
// The callback runs on the goroutine that called Start or Stop.
func (m *Monitor) OnStateChange(callback func(old, new State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStateChange = callback
}

// Start begins monitoring. The baseline poll taken here becomes the reference
// for the first Speed call. Calling Start while running does nothing.
func (m *Monitor) Start() {
	m.mu.Lock()
	if !IsValidTransition(m.State(), StateRunning) {
		m.mu.Unlock()
		return
	}

	sample, ok := m.poll()
	m.current = sample
	m.previous = sample
	m.hasPrevious = ok
	m.running.Store(true)
	callback := m.onStateChange
	m.mu.Unlock()

	slog.Info("Traffic monitoring started", "bytes", sample.Counters.Sum(All))
	if callback != nil {
		callback(StateStopped, StateRunning)
	}
}

// Stop ends monitoring. The last counters stay readable through Bytes and
// Snapshot. Calling Stop while stopped does nothing.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !IsValidTransition(m.State(), StateStopped) {
		m.mu.Unlock()
		return
	}
	m.running.Store(false)
	callback := m.onStateChange
	m.mu.Unlock()

	slog.Info("Traffic monitoring stopped")
	if callback != nil {
		callback(StateRunning, StateStopped)
	}
}

// IsMonitoring reports whether the monitor is running.
func (m *Monitor) IsMonitoring() bool {
	return m.running.Load()
}

// State returns the current lifecycle state.
func (m *Monitor) State() State {
	if m.running.Load() {
		return StateRunning
	}
	return StateStopped
}

// Poll refreshes the counters from the source and returns the new sample.
// It does not move the Speed reference point. While stopped it returns the
// last sample without polling.
func (m *Monitor) Poll() Sample {
	sample, _ := m.TryPoll()
	return sample
}

// TryPoll is Poll that also reports whether the source read succeeded.
// A failed read yields an empty sample and ok == false. While stopped it
// returns the last sample with ok == false.
func (m *Monitor) TryPoll() (sample Sample, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running.Load() {
		return m.current, false
	}
	m.current, ok = m.poll()
	return m.current, ok
}

// Bytes returns the cumulative bytes since boot for the requested types.
func (m *Monitor) Bytes(types TrafficType) uint64 {
	return m.Poll().Counters.Sum(types)
}

// Speed returns the rate in KB/s for the requested types, measured since the
// previous Speed call (or since Start for the first call). Each call advances
// the reference point. Returns 0 while stopped.
//
// The decrease clamp applies to the summed mask, not per flag: a counter
// reset on one flag can be masked by growth on another flag in types, which
// yields a low but positive speed for that interval.
func (m *Monitor) Speed(types TrafficType) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running.Load() {
		return 0
	}

	sample, ok := m.poll()
	m.current = sample
	if !ok {
		return 0
	}
	if !m.hasPrevious {
		m.previous = sample
		m.hasPrevious = true
		return 0
	}

	speed := Rate(m.previous, sample, types)
	m.previous = sample
	return speed
}

// Snapshot returns the most recent sample without polling.
func (m *Monitor) Snapshot() Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// poll reads the source and buckets the result. A failed read is treated as
// an empty interface list; ok reports whether the read succeeded.
// Must be called with mu held.
func (m *Monitor) poll() (sample Sample, ok bool) {
	ctx, cancel := context.WithTimeout(context.Background(), m.pollTimeout)
	defer cancel()

	records, err := m.source.Interfaces(ctx)
	if err != nil {
		slog.Debug("Failed to read interface counters", "error", err)
		return Sample{Time: m.now()}, false
	}
	return Sample{Counters: m.classifier.Accumulate(records), Time: m.now()}, true
}

// growth returns the byte increase for types and the elapsed time between
// two samples. ok is false when the counters did not grow or the elapsed time
// is not positive.
func growth(prev, cur Sample, types TrafficType) (delta uint64, elapsed time.Duration, ok bool) {
	before, after := prev.Counters.Sum(types), cur.Counters.Sum(types)
	elapsed = cur.Time.Sub(prev.Time)
	if after <= before || elapsed <= 0 {
		return 0, 0, false
	}
	return after - before, elapsed, true
}

// BytesPerSecond returns the byte rate for types between two samples.
// It returns 0 when the counters decreased or the elapsed time is not positive.
func BytesPerSecond(prev, cur Sample, types TrafficType) float64 {
	delta, elapsed, ok := growth(prev, cur, types)
	if !ok {
		return 0
	}
	return float64(delta) / elapsed.Seconds()
}

// Rate returns floor(bytes / seconds / 1024) between two samples, computed
// exactly in integer arithmetic. The result saturates instead of overflowing.
func Rate(prev, cur Sample, types TrafficType) uint64 {
	delta, elapsed, ok := growth(prev, cur, types)
	if !ok {
		return 0
	}

	hi, lo := bits.Mul64(delta, uint64(time.Second))
	ns := uint64(elapsed)
	if hi >= ns {
		return math.MaxUint64 / kilobyte
	}
	// floor(floor(x / ns) / 1024) == floor(x / (ns * 1024))
	bytesPerSecond, _ := bits.Div64(hi, lo, ns)
	return bytesPerSecond / kilobyte
}

var (
	sharedMu sync.Mutex
	shared   *Monitor
)

// Shared returns the process-wide monitor, creating it on first use with the
// system interface source.
func Shared() *Monitor {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if shared == nil {
		shared = NewMonitor(SystemSource{})
	}
	return shared
}

// SetShared installs m as the process-wide monitor. Hosts call it before the
// first Shared call to supply their own source or options.
func SetShared(m *Monitor) {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	shared = m
}

// ResetShared stops and discards the process-wide monitor. The next Shared
// call creates a fresh one.
func ResetShared() {
	sharedMu.Lock()
	m := shared
	shared = nil
	sharedMu.Unlock()

	if m != nil {
		m.Stop()
	}
}
