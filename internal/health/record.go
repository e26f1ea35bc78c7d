// ABOUTME: HealthRecord types and status transition thresholds.
// ABOUTME: Records are produced by the Monitor and read by the Router.

package health

import "time"

// Status is the liveness classification of an agent.
type Status string

const (
	// StatusUnknown means the agent has not been probed yet. Unknown agents
	// are treated as routable so a fresh registration is not starved while
	// waiting for its first sweep.
	StatusUnknown Status = "unknown"

	StatusHealthy     Status = "healthy"
	StatusDegraded    Status = "degraded"
	StatusUnreachable Status = "unreachable"
)

// Record is the per-agent health state. A Record is immutable once published;
// the Monitor replaces the whole record on every sweep.
type Record struct {
	AgentID             string    `json:"agent_id"`
	Status              Status    `json:"status"`
	LastCheckAt         time.Time `json:"last_check_at"`
	ConsecutiveFailures int       `json:"consecutive_failures"`

	// LatencyMSEWMA is an exponentially weighted moving average of probe
	// latency in milliseconds. Zero until the first successful probe.
	LatencyMSEWMA float64 `json:"latency_ms_ewma"`
}

// statusFor derives the status from a consecutive-failure count. A single
// timeout never flips an agent straight to unreachable; the thresholds exist
// to prevent flapping.
func statusFor(failures, degradedAt, unreachableAt int) Status {
	switch {
	case failures >= unreachableAt:
		return StatusUnreachable
	case failures >= degradedAt:
		return StatusDegraded
	case failures > 0:
		return StatusHealthy
	default:
		return StatusHealthy
	}
}
