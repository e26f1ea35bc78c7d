// ABOUTME: Read-only usage endpoint: per-provider counters and recent alerts.

package gateway

import (
	"net/http"

	"github.com/strandlabs/meshgate/internal/usage"
)

// UsageResponse is the JSON response for GET /usage.
type UsageResponse struct {
	Providers []usage.ProviderUsage `json:"providers"`
	Alerts    []usage.Alert         `json:"alerts"`
}

// handleUsage handles GET /usage. When no usage auth resolver is configured
// the endpoint is open and access control is the network's job; that default
// is deliberate and spelled out in the config reference.
func (g *Gateway) handleUsage(w http.ResponseWriter, r *http.Request) {
	if g.usageAuth != nil {
		if _, err := g.usageAuth.Resolve(r); err != nil {
			g.sendJSONError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
	}

	resp := UsageResponse{
		Providers: g.usage.Snapshot(r.Context()),
		Alerts:    g.usage.Alerts(),
	}
	if resp.Providers == nil {
		resp.Providers = []usage.ProviderUsage{}
	}
	if resp.Alerts == nil {
		resp.Alerts = []usage.Alert{}
	}
	g.writeJSON(w, http.StatusOK, resp)
}
