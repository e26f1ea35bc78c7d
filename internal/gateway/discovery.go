// ABOUTME: Capability discovery endpoints: per-agent cards and the
// ABOUTME: aggregate document listing every reachable agent.

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/strandlabs/meshgate/internal/mesh"
)

// ProtocolVersion is advertised in the aggregate discovery document.
const ProtocolVersion = "0.3.0"

// AgentCard is the machine-readable capability document for one agent.
type AgentCard struct {
	Name               string            `json:"name"`
	Description        string            `json:"description"`
	URL                string            `json:"url"`
	Version            string            `json:"version"`
	Capabilities       mesh.Capabilities `json:"capabilities"`
	Skills             []mesh.Skill      `json:"skills"`
	DefaultInputModes  []string          `json:"defaultInputModes"`
	DefaultOutputModes []string          `json:"defaultOutputModes"`
}

// AggregateCard lists every agent the mesh will currently route to.
type AggregateCard struct {
	ProtocolVersion string      `json:"protocolVersion"`
	Agents          []AgentCard `json:"agents"`
}

func cardFor(desc *mesh.AgentDescriptor) AgentCard {
	card := AgentCard{
		Name:               desc.Name,
		Description:        desc.Description,
		URL:                desc.URL,
		Version:            desc.Version,
		Capabilities:       desc.Capabilities,
		Skills:             desc.Skills,
		DefaultInputModes:  desc.DefaultInputModes,
		DefaultOutputModes: desc.DefaultOutputModes,
	}
	if card.Skills == nil {
		card.Skills = []mesh.Skill{}
	}
	if card.DefaultInputModes == nil {
		card.DefaultInputModes = []string{"text"}
	}
	if card.DefaultOutputModes == nil {
		card.DefaultOutputModes = []string{"text"}
	}
	return card
}

// handleRegister handles POST /agents: idempotent descriptor upsert.
func (g *Gateway) handleRegister(w http.ResponseWriter, r *http.Request) {
	var desc mesh.AgentDescriptor
	if err := json.NewDecoder(r.Body).Decode(&desc); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := g.registry.Register(&desc); err != nil {
		if errors.Is(err, mesh.ErrInvalidDescriptor) {
			g.sendJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		g.logger.Error("register failed", "agent_id", desc.AgentID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	g.writeJSON(w, http.StatusOK, map[string]string{"agent_id": desc.AgentID, "status": "registered"})
}

// handleDeregister handles DELETE /agents/{id}.
func (g *Gateway) handleDeregister(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	g.registry.Deregister(agentID)
	w.WriteHeader(http.StatusNoContent)
}

// handleAgentCard handles GET /agents/{id}/card.
func (g *Gateway) handleAgentCard(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")

	desc, err := g.registry.Discover(agentID)
	if errors.Is(err, mesh.ErrAgentNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "agent not found")
		return
	}
	if err != nil {
		g.logger.Error("discover failed", "agent_id", agentID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	g.writeJSON(w, http.StatusOK, cardFor(desc))
}

// handleListAgents handles GET /agents. Unreachable agents are excluded:
// the aggregate document describes what the mesh will actually route to.
func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	descs := g.registry.DiscoverAll(func(d *mesh.AgentDescriptor) bool {
		return !g.health.Unreachable(d.AgentID)
	})

	out := AggregateCard{
		ProtocolVersion: ProtocolVersion,
		Agents:          make([]AgentCard, 0, len(descs)),
	}
	for _, desc := range descs {
		out.Agents = append(out.Agents, cardFor(desc))
	}

	g.writeJSON(w, http.StatusOK, out)
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		g.logger.Error("failed to encode response", "error", err)
	}
}

func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.writeJSON(w, status, map[string]string{"error": message})
}
