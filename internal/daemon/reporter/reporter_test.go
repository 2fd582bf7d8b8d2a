package reporter

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shini4i/trafficmon/internal/daemon/protocol"
	"github.com/shini4i/trafficmon/internal/stats"
)

type recorder struct {
	mu     sync.Mutex
	events []*protocol.Event
}

func (r *recorder) broadcast(event *protocol.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) samples(t *testing.T) []protocol.SampleData {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.SampleData, 0, len(r.events))
	for _, event := range r.events {
		require.Equal(t, protocol.EventSample, event.Name)
		var data protocol.SampleData
		require.NoError(t, json.Unmarshal(event.Data, &data))
		out = append(out, data)
	}
	return out
}

// fakeHost serves a single wlan0 interface with settable counters and a manual clock.
type fakeHost struct {
	mu       sync.Mutex
	sent     uint64
	received uint64
	err      error
	now      time.Time
}

func (h *fakeHost) fail(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.err = err
}

func (h *fakeHost) set(sent, received uint64, advance time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sent, h.received = sent, received
	h.now = h.now.Add(advance)
}

func (h *fakeHost) monitor() *stats.Monitor {
	source := stats.InterfaceSourceFunc(func(context.Context) ([]stats.InterfaceRecord, error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.err != nil {
			return nil, h.err
		}
		return []stats.InterfaceRecord{{Name: "wlan0", BytesSent: h.sent, BytesReceived: h.received}}, nil
	})
	clock := func() time.Time {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.now
	}
	return stats.NewMonitor(source, stats.WithRules(stats.RulesFor("linux")), stats.WithClock(clock))
}

func newFakeHost() *fakeHost {
	return &fakeHost{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func TestNew_Validation(t *testing.T) {
	m := newFakeHost().monitor()
	rec := &recorder{}

	_, err := New(m, rec.broadcast, "every five seconds", stats.All)
	assert.Error(t, err)

	_, err = New(m, nil, "@every 5s", stats.All)
	assert.Error(t, err)

	r, err := New(m, rec.broadcast, "@every 5s", stats.All|1<<10)
	require.NoError(t, err)
	assert.Equal(t, stats.All, r.types)
}

func TestRun_SkipsWhileStopped(t *testing.T) {
	m := newFakeHost().monitor()
	rec := &recorder{}
	r, err := New(m, rec.broadcast, "@every 5s", stats.All)
	require.NoError(t, err)

	r.Run()
	assert.Empty(t, rec.samples(t))
	assert.Equal(t, uint64(0), r.Sent())
}

func TestRun_BroadcastsSamples(t *testing.T) {
	host := newFakeHost()
	host.set(1000, 4000, 0)
	m := host.monitor()
	m.Start()

	rec := &recorder{}
	r, err := New(m, rec.broadcast, "@every 5s", stats.WiFiReceived)
	require.NoError(t, err)
	ids := []string{"a", "b"}
	r.newID = func() string {
		id := ids[0]
		ids = ids[1:]
		return id
	}

	r.Run()
	host.set(1000, 4000+2048*2, 2*time.Second)
	r.Run()

	samples := rec.samples(t)
	require.Len(t, samples, 2)

	assert.Equal(t, "a", samples[0].ID)
	assert.Equal(t, uint32(stats.WiFiReceived), samples[0].Types)
	assert.Equal(t, uint64(4000), samples[0].Bytes)
	assert.Zero(t, samples[0].BytesPerSecond, "first sample has no reference")
	assert.Equal(t, uint64(1000), samples[0].Counters["wifi-sent"])

	assert.Equal(t, "b", samples[1].ID)
	assert.Equal(t, uint64(4000+4096), samples[1].Bytes)
	assert.InDelta(t, 2048, samples[1].BytesPerSecond, 0.001)
	assert.Equal(t, uint64(2), r.Sent())
}

func TestRun_DoesNotMoveSpeedReference(t *testing.T) {
	host := newFakeHost()
	m := host.monitor()
	m.Start()

	rec := &recorder{}
	r, err := New(m, rec.broadcast, "@every 5s", stats.All)
	require.NoError(t, err)

	host.set(0, 4096, time.Second)
	r.Run()
	host.set(0, 8192, time.Second)
	r.Run()

	// 8 KiB over 2s since Start.
	assert.Equal(t, uint64(4), m.Speed(stats.All))
}

func TestRun_FailedReadKeepsReference(t *testing.T) {
	host := newFakeHost()
	host.set(0, 10_000_000_000, 0)
	m := host.monitor()
	m.Start()

	rec := &recorder{}
	r, err := New(m, rec.broadcast, "@every 5s", stats.All)
	require.NoError(t, err)

	r.Run()
	host.fail(errors.New("enumeration failed"))
	host.set(0, 10_000_000_000, time.Second)
	r.Run()
	host.fail(nil)
	host.set(0, 10_000_000_000+2048, time.Second)
	r.Run()

	samples := rec.samples(t)
	require.Len(t, samples, 3)
	assert.Zero(t, samples[1].Bytes)
	assert.Zero(t, samples[1].BytesPerSecond)
	assert.Equal(t, uint64(10_000_000_000+2048), samples[2].Bytes)
	assert.InDelta(t, 1024, samples[2].BytesPerSecond, 0.001, "rate spans the failed tick")
}

func TestRun_RestartsRateAfterStop(t *testing.T) {
	host := newFakeHost()
	m := host.monitor()
	m.Start()

	rec := &recorder{}
	r, err := New(m, rec.broadcast, "@every 5s", stats.All)
	require.NoError(t, err)

	r.Run()
	m.Stop()
	r.Run()
	host.set(0, 1<<20, time.Second)
	m.Start()
	r.Run()

	samples := rec.samples(t)
	require.Len(t, samples, 2)
	assert.Zero(t, samples[1].BytesPerSecond)
}

func TestStartStop(t *testing.T) {
	m := newFakeHost().monitor()
	m.Start()

	rec := &recorder{}
	r, err := New(m, rec.broadcast, "@every 1s", stats.All)
	require.NoError(t, err)

	require.NoError(t, r.Start())
	require.NoError(t, r.Start())

	assert.Eventually(t, func() bool { return r.Sent() > 0 }, 5*time.Second, 50*time.Millisecond)

	r.Stop()
	sent := r.Sent()
	time.Sleep(1500 * time.Millisecond)
	assert.Equal(t, sent, r.Sent())

	// Second stop is a no-op.
	r.Stop()
}
