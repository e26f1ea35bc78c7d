// ABOUTME: Tests for the health monitor sweep, thresholds, and eviction.
// ABOUTME: Includes the concurrent-sweep timing property (slowest probe, not sum).

package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandlabs/meshgate/internal/mesh"
)

// fakeProber fails agents listed in failing and sleeps delay per probe.
type fakeProber struct {
	mu      sync.Mutex
	failing map[string]bool
	delay   time.Duration
	probes  int
}

func (p *fakeProber) Probe(ctx context.Context, desc *mesh.AgentDescriptor) error {
	p.mu.Lock()
	p.probes++
	fail := p.failing[desc.AgentID]
	p.mu.Unlock()

	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if fail {
		return errors.New("probe refused")
	}
	return nil
}

func (p *fakeProber) setFailing(agentID string, fail bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failing == nil {
		p.failing = make(map[string]bool)
	}
	p.failing[agentID] = fail
}

func registryWith(t *testing.T, ids ...string) *mesh.Registry {
	t.Helper()
	r := mesh.NewRegistry(nil)
	for _, id := range ids {
		require.NoError(t, r.Register(&mesh.AgentDescriptor{
			AgentID: id,
			Name:    id,
			URL:     "http://localhost/" + id,
			Skills:  []mesh.Skill{{ID: "s"}},
			Endpoints: map[string]string{
				mesh.TransportProbe: "/healthz",
			},
		}))
	}
	return r
}

func TestMonitor_HealthyAgentAfterSweep(t *testing.T) {
	reg := registryWith(t, "agent-a")
	prober := &fakeProber{}
	m := NewMonitor(reg, nil, prober, Options{}, nil, nil)

	m.Sweep(t.Context())

	rec := m.Status("agent-a")
	assert.Equal(t, StatusHealthy, rec.Status)
	assert.Equal(t, 0, rec.ConsecutiveFailures)
	assert.False(t, rec.LastCheckAt.IsZero())
}

func TestMonitor_UnknownBeforeFirstProbe(t *testing.T) {
	reg := registryWith(t, "agent-a")
	m := NewMonitor(reg, nil, &fakeProber{}, Options{}, nil, nil)

	rec := m.Status("agent-a")
	assert.Equal(t, StatusUnknown, rec.Status)
	assert.False(t, m.Unreachable("agent-a"))
}

func TestMonitor_StatusTransitions(t *testing.T) {
	reg := registryWith(t, "agent-a")
	prober := &fakeProber{}
	prober.setFailing("agent-a", true)
	m := NewMonitor(reg, nil, prober, Options{}, nil, nil)

	ctx := t.Context()

	// One failure: still healthy (no flapping from a single timeout).
	m.Sweep(ctx)
	assert.Equal(t, StatusHealthy, m.Status("agent-a").Status)
	assert.Equal(t, 1, m.Status("agent-a").ConsecutiveFailures)

	// Second failure: degraded.
	m.Sweep(ctx)
	assert.Equal(t, StatusDegraded, m.Status("agent-a").Status)

	// Fifth failure: unreachable.
	m.Sweep(ctx)
	m.Sweep(ctx)
	m.Sweep(ctx)
	assert.Equal(t, StatusUnreachable, m.Status("agent-a").Status)
	assert.True(t, m.Unreachable("agent-a"))

	// Recovery resets the failure count.
	prober.setFailing("agent-a", false)
	m.Sweep(ctx)
	rec := m.Status("agent-a")
	assert.Equal(t, StatusHealthy, rec.Status)
	assert.Equal(t, 0, rec.ConsecutiveFailures)
}

func TestMonitor_EvictsAfterThreshold(t *testing.T) {
	reg := registryWith(t, "agent-a", "agent-b")
	prober := &fakeProber{}
	prober.setFailing("agent-a", true)
	m := NewMonitor(reg, reg, prober, Options{EvictThreshold: 3}, nil, nil)

	ctx := t.Context()
	for range 3 {
		m.Sweep(ctx)
	}

	assert.False(t, reg.Contains("agent-a"), "failing agent should be evicted")
	assert.True(t, reg.Contains("agent-b"))
}

func TestMonitor_SweepRunsConcurrently(t *testing.T) {
	ids := make([]string, 10)
	for i := range ids {
		ids[i] = string(rune('a' + i))
	}
	reg := registryWith(t, ids...)

	const probeDelay = 500 * time.Millisecond
	prober := &fakeProber{delay: probeDelay}
	m := NewMonitor(reg, nil, prober, Options{ProbeTimeout: 2 * time.Second}, nil, nil)

	start := time.Now()
	m.Sweep(t.Context())
	elapsed := time.Since(start)

	// 10 probes of 500ms each must complete in about one probe's time,
	// not the 5s a sequential sweep would take.
	assert.Less(t, elapsed, 4*probeDelay, "sweep took %v, probes ran sequentially?", elapsed)
	for _, id := range ids {
		assert.Equal(t, StatusHealthy, m.Status(id).Status)
	}
}

func TestMonitor_ProbeTimeoutCountsAsFailure(t *testing.T) {
	reg := registryWith(t, "agent-a")
	prober := &fakeProber{delay: 200 * time.Millisecond}
	m := NewMonitor(reg, nil, prober, Options{ProbeTimeout: 20 * time.Millisecond}, nil, nil)

	m.Sweep(t.Context())

	assert.Equal(t, 1, m.Status("agent-a").ConsecutiveFailures)
}

func TestMonitor_LatencyEWMA(t *testing.T) {
	reg := registryWith(t, "agent-a")
	prober := &fakeProber{delay: 10 * time.Millisecond}
	m := NewMonitor(reg, nil, prober, Options{EWMAAlpha: 0.5}, nil, nil)

	ctx := t.Context()
	m.Sweep(ctx)
	first := m.Status("agent-a").LatencyMSEWMA
	assert.Greater(t, first, 0.0)

	m.Sweep(ctx)
	second := m.Status("agent-a").LatencyMSEWMA
	assert.Greater(t, second, 0.0)
}

func TestMonitor_StatusDoesNotBlockDuringSweep(t *testing.T) {
	reg := registryWith(t, "agent-a")
	prober := &fakeProber{delay: 300 * time.Millisecond}
	m := NewMonitor(reg, nil, prober, Options{ProbeTimeout: time.Second}, nil, nil)

	done := make(chan struct{})
	go func() {
		m.Sweep(t.Context())
		close(done)
	}()

	// Status must answer from the last-known table while the sweep runs.
	start := time.Now()
	_ = m.Status("agent-a")
	assert.Less(t, time.Since(start), 50*time.Millisecond)

	<-done
}

func TestMonitor_DeregisteredAgentDropsFromRecords(t *testing.T) {
	reg := registryWith(t, "agent-a", "agent-b")
	m := NewMonitor(reg, nil, &fakeProber{}, Options{}, nil, nil)

	ctx := t.Context()
	m.Sweep(ctx)
	require.Len(t, m.Records(), 2)

	reg.Deregister("agent-b")
	m.Sweep(ctx)

	assert.Len(t, m.Records(), 1)
	assert.Equal(t, StatusUnknown, m.Status("agent-b").Status)
}
