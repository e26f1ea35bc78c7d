// ABOUTME: Tests for the copy-on-write agent registry.
// ABOUTME: Covers validation, idempotent upsert, discovery filters, concurrency.

package mesh

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeDescriptor(id string) *AgentDescriptor {
	return &AgentDescriptor{
		AgentID:     id,
		Name:        "Agent " + id,
		Description: "test agent",
		URL:         "http://localhost:9000/" + id,
		Version:     "1.0.0",
		Skills: []Skill{
			{ID: "summarize", Name: "Summarize", Description: "summarizes text"},
		},
		Endpoints: map[string]string{
			TransportDelegate: "/rpc",
			TransportProbe:    "/healthz",
		},
		Capabilities: Capabilities{Streaming: true},
	}
}

func TestRegistry_RegisterAndDiscover(t *testing.T) {
	r := NewRegistry(nil)

	require.NoError(t, r.Register(makeDescriptor("agent-a")))

	got, err := r.Discover("agent-a")
	require.NoError(t, err)
	assert.Equal(t, "agent-a", got.AgentID)
	assert.Equal(t, "Agent agent-a", got.Name)
	assert.False(t, got.RegisteredAt.IsZero())
}

func TestRegistry_RegisterIsIdempotent(t *testing.T) {
	r := NewRegistry(nil)

	desc := makeDescriptor("agent-a")
	require.NoError(t, r.Register(desc))
	first, err := r.Discover("agent-a")
	require.NoError(t, err)

	require.NoError(t, r.Register(makeDescriptor("agent-a")))

	assert.Equal(t, 1, r.Len(), "re-registering must not duplicate the entry")
	second, err := r.Discover("agent-a")
	require.NoError(t, err)
	assert.Equal(t, first.AgentID, second.AgentID)
	assert.Equal(t, first.Skills, second.Skills)
	assert.Equal(t, first.RegisteredAt, second.RegisteredAt, "RegisteredAt survives upsert")
}

func TestRegistry_RegisterValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*AgentDescriptor)
	}{
		{"missing agent id", func(d *AgentDescriptor) { d.AgentID = "" }},
		{"no skills", func(d *AgentDescriptor) { d.Skills = nil }},
		{"empty skill id", func(d *AgentDescriptor) { d.Skills[0].ID = "" }},
		{"duplicate skill id", func(d *AgentDescriptor) {
			d.Skills = append(d.Skills, Skill{ID: "summarize"})
		}},
		{"no endpoints", func(d *AgentDescriptor) { d.Endpoints = nil }},
		{"empty endpoint address", func(d *AgentDescriptor) { d.Endpoints[TransportProbe] = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry(nil)
			desc := makeDescriptor("agent-a")
			tt.mutate(desc)

			err := r.Register(desc)
			require.ErrorIs(t, err, ErrInvalidDescriptor)
			assert.Equal(t, 0, r.Len())
		})
	}
}

func TestRegistry_Deregister(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(makeDescriptor("agent-a")))
	require.NoError(t, r.Register(makeDescriptor("agent-b")))

	r.Deregister("agent-a")

	_, err := r.Discover("agent-a")
	assert.ErrorIs(t, err, ErrAgentNotFound)
	assert.Equal(t, 1, r.Len())

	// Removing an unknown agent is a no-op.
	r.Deregister("agent-a")
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_DiscoverAllFiltersAndSorts(t *testing.T) {
	r := NewRegistry(nil)
	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, r.Register(makeDescriptor(id)))
	}

	all := r.DiscoverAll(nil)
	require.Len(t, all, 3)
	assert.Equal(t, "a", all[0].AgentID)
	assert.Equal(t, "b", all[1].AgentID)
	assert.Equal(t, "c", all[2].AgentID)

	filtered := r.DiscoverAll(func(d *AgentDescriptor) bool { return d.AgentID != "b" })
	require.Len(t, filtered, 2)
	assert.Equal(t, "a", filtered[0].AgentID)
	assert.Equal(t, "c", filtered[1].AgentID)
}

func TestRegistry_SnapshotIsImmutable(t *testing.T) {
	r := NewRegistry(nil)
	desc := makeDescriptor("agent-a")
	require.NoError(t, r.Register(desc))

	// Mutating the caller's descriptor after registration must not leak
	// into the stored copy.
	desc.Skills[0].ID = "mutated"
	desc.Endpoints[TransportProbe] = "/other"

	got, err := r.Discover("agent-a")
	require.NoError(t, err)
	assert.Equal(t, "summarize", got.Skills[0].ID)
	assert.Equal(t, "/healthz", got.Endpoints[TransportProbe])
}

func TestRegistry_ConcurrentRegisterAndSnapshot(t *testing.T) {
	r := NewRegistry(nil)

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Go(func() {
			for j := range 20 {
				id := fmt.Sprintf("agent-%d-%d", i, j)
				_ = r.Register(makeDescriptor(id))
			}
		})
	}
	for range 10 {
		wg.Go(func() {
			for range 50 {
				_ = r.Snapshot()
				_ = r.DiscoverAll(nil)
			}
		})
	}
	wg.Wait()

	assert.Equal(t, 200, r.Len())
}
