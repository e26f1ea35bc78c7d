// ABOUTME: Registry of mesh agents backed by a copy-on-write table.
// ABOUTME: Reads are lock-free snapshots; writes copy the table and swap.

package mesh

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Filter selects descriptors during discovery. A nil Filter matches all.
type Filter func(*AgentDescriptor) bool

// Registry is the source of truth for registered agents. The agent table is
// an immutable map swapped atomically on every write, so the hot read paths
// (Snapshot, Discover) never take a lock.
type Registry struct {
	table  atomic.Pointer[map[string]*AgentDescriptor]
	writes sync.Mutex // serializes copy-and-swap writers
	logger *slog.Logger
	clock  func() time.Time
}

// NewRegistry creates an empty Registry. Pass nil logger for the default.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		logger: logger.With("component", "registry"),
		clock:  time.Now,
	}
	empty := make(map[string]*AgentDescriptor)
	r.table.Store(&empty)
	return r
}

// Register upserts an agent descriptor keyed by agent_id. Registration is
// idempotent: re-registering with an identical descriptor leaves the table
// observably unchanged apart from UpdatedAt.
func (r *Registry) Register(desc *AgentDescriptor) error {
	if err := desc.Validate(); err != nil {
		return err
	}

	stored := desc.clone()
	now := r.clock()
	stored.UpdatedAt = now

	r.writes.Lock()
	defer r.writes.Unlock()

	cur := *r.table.Load()
	next := make(map[string]*AgentDescriptor, len(cur)+1)
	for id, d := range cur {
		next[id] = d
	}
	if prev, ok := cur[stored.AgentID]; ok {
		stored.RegisteredAt = prev.RegisteredAt
	} else {
		stored.RegisteredAt = now
	}
	next[stored.AgentID] = stored
	r.table.Store(&next)

	r.logger.Info("agent registered",
		"agent_id", stored.AgentID,
		"name", stored.Name,
		"skills", len(stored.Skills),
		"total_agents", len(next),
	)
	return nil
}

// Deregister removes an agent immediately. In-flight requests to the agent
// complete, but no new requests are routed to it. Removing an unknown agent
// is a no-op.
func (r *Registry) Deregister(agentID string) {
	r.writes.Lock()
	defer r.writes.Unlock()

	cur := *r.table.Load()
	if _, ok := cur[agentID]; !ok {
		return
	}
	next := make(map[string]*AgentDescriptor, len(cur)-1)
	for id, d := range cur {
		if id != agentID {
			next[id] = d
		}
	}
	r.table.Store(&next)

	r.logger.Info("agent deregistered",
		"agent_id", agentID,
		"total_agents", len(next),
	)
}

// Discover returns the descriptor for one agent, or ErrAgentNotFound.
func (r *Registry) Discover(agentID string) (*AgentDescriptor, error) {
	cur := *r.table.Load()
	d, ok := cur[agentID]
	if !ok {
		return nil, ErrAgentNotFound
	}
	return d, nil
}

// DiscoverAll returns every registered agent matching the filter, sorted by
// agent id. Callers gate on health by passing a filter that excludes
// unreachable agents.
func (r *Registry) DiscoverAll(filter Filter) []*AgentDescriptor {
	cur := *r.table.Load()
	out := make([]*AgentDescriptor, 0, len(cur))
	for _, d := range cur {
		if filter != nil && !filter(d) {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Snapshot returns the full agent table as a slice, unsorted and unfiltered.
// This is the cheap read path used by the health monitor and router on every
// sweep and every routing decision.
func (r *Registry) Snapshot() []*AgentDescriptor {
	cur := *r.table.Load()
	out := make([]*AgentDescriptor, 0, len(cur))
	for _, d := range cur {
		out = append(out, d)
	}
	return out
}

// Contains reports whether an agent with the given id is registered.
func (r *Registry) Contains(agentID string) bool {
	cur := *r.table.Load()
	_, ok := cur[agentID]
	return ok
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	return len(*r.table.Load())
}
