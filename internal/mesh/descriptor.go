// ABOUTME: AgentDescriptor and skill types describing a registered mesh agent.
// ABOUTME: Validation rules for registration input live here.

package mesh

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidDescriptor indicates a registration payload with malformed
// skills or endpoints. The wrapped message names the first offending field.
var ErrInvalidDescriptor = errors.New("invalid agent descriptor")

// ErrAgentNotFound indicates the specified agent is not registered.
var ErrAgentNotFound = errors.New("agent not found")

// Transport kinds an agent can expose endpoints for.
const (
	TransportStream   = "stream"   // bidirectional streaming invocation
	TransportDelegate = "delegate" // request/response task delegation
	TransportProbe    = "probe"    // health probe target
)

// Capabilities is the set of optional protocol features an agent supports.
type Capabilities struct {
	Streaming         bool `json:"streaming"`
	PushNotifications bool `json:"pushNotifications"`
	StateTransfer     bool `json:"stateTransfer"`
}

// Skill describes one task-processing capability an agent declares.
type Skill struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// AgentDescriptor is the registry's record of one agent: identity, declared
// skills, transport endpoints, and capability flags. The Registry owns these
// exclusively; readers receive snapshots and must not mutate them.
type AgentDescriptor struct {
	AgentID     string  `json:"agent_id"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	URL         string  `json:"url"`
	Version     string  `json:"version"`
	Skills      []Skill `json:"skills"`

	// Endpoints maps transport kind (stream, delegate, probe) to an address
	// or path relative to URL.
	Endpoints map[string]string `json:"endpoints"`

	Capabilities       Capabilities `json:"capabilities"`
	DefaultInputModes  []string     `json:"defaultInputModes,omitempty"`
	DefaultOutputModes []string     `json:"defaultOutputModes,omitempty"`

	RegisteredAt time.Time `json:"registered_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Validate checks the descriptor fields required for registration.
// Returns an error wrapping ErrInvalidDescriptor naming the first problem.
func (d *AgentDescriptor) Validate() error {
	if d.AgentID == "" {
		return fmt.Errorf("%w: agent_id is required", ErrInvalidDescriptor)
	}
	if len(d.Skills) == 0 {
		return fmt.Errorf("%w: at least one skill is required", ErrInvalidDescriptor)
	}
	seen := make(map[string]bool, len(d.Skills))
	for i, skill := range d.Skills {
		if skill.ID == "" {
			return fmt.Errorf("%w: skill %d has empty id", ErrInvalidDescriptor, i)
		}
		if seen[skill.ID] {
			return fmt.Errorf("%w: duplicate skill id %q", ErrInvalidDescriptor, skill.ID)
		}
		seen[skill.ID] = true
	}
	if len(d.Endpoints) == 0 {
		return fmt.Errorf("%w: at least one endpoint is required", ErrInvalidDescriptor)
	}
	for kind, addr := range d.Endpoints {
		if kind == "" {
			return fmt.Errorf("%w: endpoint with empty transport kind", ErrInvalidDescriptor)
		}
		if addr == "" {
			return fmt.Errorf("%w: endpoint %q has empty address", ErrInvalidDescriptor, kind)
		}
	}
	return nil
}

// clone returns a deep copy so registry snapshots stay immutable even if a
// caller holds on to the original registration payload.
func (d *AgentDescriptor) clone() *AgentDescriptor {
	out := *d
	out.Skills = make([]Skill, len(d.Skills))
	copy(out.Skills, d.Skills)
	out.Endpoints = make(map[string]string, len(d.Endpoints))
	for k, v := range d.Endpoints {
		out.Endpoints[k] = v
	}
	out.DefaultInputModes = append([]string(nil), d.DefaultInputModes...)
	out.DefaultOutputModes = append([]string(nil), d.DefaultOutputModes...)
	return &out
}
