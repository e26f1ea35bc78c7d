// ABOUTME: Health Monitor sweeping all registered agents concurrently.
// ABOUTME: Maintains copy-on-write health records read lock-free by the Router.

package health

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/strandlabs/meshgate/internal/mesh"
)

// AgentSource provides the current agent table. Satisfied by *mesh.Registry.
type AgentSource interface {
	Snapshot() []*mesh.AgentDescriptor
}

// Evictor removes an agent from the registry after sustained probe failure.
// Satisfied by *mesh.Registry.
type Evictor interface {
	Deregister(agentID string)
}

// Options tunes the Monitor. Zero values fall back to the defaults below.
type Options struct {
	Interval             time.Duration // sweep interval
	ProbeTimeout         time.Duration // per-probe deadline
	MaxFanout            int           // bounded probe concurrency
	DegradedThreshold    int           // consecutive failures -> degraded
	UnreachableThreshold int           // consecutive failures -> unreachable
	EvictThreshold       int           // consecutive failures -> deregister; 0 disables
	EWMAAlpha            float64       // weight of the newest latency sample
}

const (
	defaultInterval             = 30 * time.Second
	defaultProbeTimeout         = 5 * time.Second
	defaultMaxFanout            = 32
	defaultDegradedThreshold    = 2
	defaultUnreachableThreshold = 5
	defaultEWMAAlpha            = 0.3
)

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = defaultInterval
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = defaultProbeTimeout
	}
	if o.MaxFanout <= 0 {
		o.MaxFanout = defaultMaxFanout
	}
	if o.DegradedThreshold <= 0 {
		o.DegradedThreshold = defaultDegradedThreshold
	}
	if o.UnreachableThreshold <= 0 {
		o.UnreachableThreshold = defaultUnreachableThreshold
	}
	if o.EWMAAlpha <= 0 || o.EWMAAlpha > 1 {
		o.EWMAAlpha = defaultEWMAAlpha
	}
	return o
}

// Monitor probes every registered agent on a fixed interval. Probes run
// concurrently under a bounded semaphore so a full sweep costs roughly one
// slow probe, never the sum of all probes. Records are published as an
// immutable table; Status never blocks on an in-progress sweep.
type Monitor struct {
	agents  AgentSource
	evictor Evictor
	prober  Prober
	opts    Options
	logger  *slog.Logger

	records atomic.Pointer[map[string]*Record]

	sweepDuration prometheus.Histogram
	agentsByState *prometheus.GaugeVec
}

// NewMonitor creates a Monitor. evictor may be nil to disable TTL eviction
// regardless of Options.EvictThreshold. reg may be nil to skip metrics
// registration.
func NewMonitor(agents AgentSource, evictor Evictor, prober Prober, opts Options, logger *slog.Logger, reg prometheus.Registerer) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Monitor{
		agents:  agents,
		evictor: evictor,
		prober:  prober,
		opts:    opts.withDefaults(),
		logger:  logger.With("component", "health"),
	}
	empty := make(map[string]*Record)
	m.records.Store(&empty)

	if reg != nil {
		m.sweepDuration = promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Namespace: "meshgate",
			Subsystem: "health",
			Name:      "sweep_duration_seconds",
			Help:      "Wall-clock duration of one full probe sweep.",
			Buckets:   prometheus.DefBuckets,
		})
		m.agentsByState = promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "meshgate",
			Subsystem: "health",
			Name:      "agents",
			Help:      "Registered agents by health status.",
		}, []string{"status"})
	}

	return m
}

// Run executes sweeps until ctx is cancelled. The first sweep fires
// immediately so routing has health data without waiting a full interval.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	m.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep probes every registered agent once, concurrently, and publishes a
// fresh record table. Exposed for tests and for an on-demand recheck.
func (m *Monitor) Sweep(ctx context.Context) {
	agents := m.agents.Snapshot()
	start := time.Now()

	type outcome struct {
		agentID string
		err     error
		latency time.Duration
	}

	results := make([]outcome, len(agents))
	sem := make(chan struct{}, m.opts.MaxFanout)
	var wg sync.WaitGroup

	for i, desc := range agents {
		wg.Go(func() {
			sem <- struct{}{}
			defer func() { <-sem }()

			probeCtx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
			defer cancel()

			probeStart := time.Now()
			err := m.prober.Probe(probeCtx, desc)
			results[i] = outcome{
				agentID: desc.AgentID,
				err:     err,
				latency: time.Since(probeStart),
			}
		})
	}
	wg.Wait()

	prev := *m.records.Load()
	next := make(map[string]*Record, len(agents))
	now := time.Now()
	var evict []string

	for _, res := range results {
		if res.agentID == "" {
			continue // probe skipped: agent table shrank mid-sweep
		}
		rec := &Record{AgentID: res.agentID, LastCheckAt: now}
		old := prev[res.agentID]

		if res.err != nil {
			if old != nil {
				rec.ConsecutiveFailures = old.ConsecutiveFailures + 1
				rec.LatencyMSEWMA = old.LatencyMSEWMA
			} else {
				rec.ConsecutiveFailures = 1
			}
			rec.Status = statusFor(rec.ConsecutiveFailures, m.opts.DegradedThreshold, m.opts.UnreachableThreshold)
			m.logger.Warn("probe failed",
				"agent_id", res.agentID,
				"consecutive_failures", rec.ConsecutiveFailures,
				"status", rec.Status,
				"error", res.err,
			)
			if m.evictor != nil && m.opts.EvictThreshold > 0 && rec.ConsecutiveFailures >= m.opts.EvictThreshold {
				evict = append(evict, res.agentID)
				continue
			}
		} else {
			rec.Status = StatusHealthy
			sample := float64(res.latency.Milliseconds())
			if old != nil && old.LatencyMSEWMA > 0 {
				rec.LatencyMSEWMA = m.opts.EWMAAlpha*sample + (1-m.opts.EWMAAlpha)*old.LatencyMSEWMA
			} else {
				rec.LatencyMSEWMA = sample
			}
		}
		next[res.agentID] = rec
	}

	m.records.Store(&next)

	for _, agentID := range evict {
		m.logger.Warn("evicting agent after sustained probe failure",
			"agent_id", agentID,
			"threshold", m.opts.EvictThreshold,
		)
		m.evictor.Deregister(agentID)
	}

	m.observeSweep(time.Since(start), next)
}

func (m *Monitor) observeSweep(elapsed time.Duration, records map[string]*Record) {
	m.logger.Debug("sweep complete",
		"agents", len(records),
		"elapsed", elapsed,
	)
	if m.sweepDuration == nil {
		return
	}
	m.sweepDuration.Observe(elapsed.Seconds())
	counts := map[Status]int{}
	for _, rec := range records {
		counts[rec.Status]++
	}
	for _, status := range []Status{StatusHealthy, StatusDegraded, StatusUnreachable} {
		m.agentsByState.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

// Status returns the last-known record for an agent. Agents that have not
// been probed yet report StatusUnknown with a zero record.
func (m *Monitor) Status(agentID string) *Record {
	cur := *m.records.Load()
	if rec, ok := cur[agentID]; ok {
		return rec
	}
	return &Record{AgentID: agentID, Status: StatusUnknown}
}

// Unreachable reports whether an agent is currently unreachable. Unknown
// agents are not unreachable.
func (m *Monitor) Unreachable(agentID string) bool {
	return m.Status(agentID).Status == StatusUnreachable
}

// Records returns all current records, for the admin/observability surface.
func (m *Monitor) Records() []*Record {
	cur := *m.records.Load()
	out := make([]*Record, 0, len(cur))
	for _, rec := range cur {
		out = append(out, rec)
	}
	return out
}
