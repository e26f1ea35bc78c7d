// ABOUTME: Prober interface and the HTTP probe implementation.
// ABOUTME: A probe is one bounded-deadline liveness check against an agent.

package health

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/strandlabs/meshgate/internal/mesh"
)

// Prober performs a single liveness check against one agent. Implementations
// must honor ctx cancellation; the Monitor wraps every probe in its own
// timeout.
type Prober interface {
	Probe(ctx context.Context, desc *mesh.AgentDescriptor) error
}

// HTTPProber probes agents by issuing a GET against their probe endpoint.
// Any 2xx response counts as alive.
type HTTPProber struct {
	client *http.Client
}

// NewHTTPProber creates an HTTPProber. Pass nil to use http.DefaultClient.
// Per-probe deadlines come from the context, not the client timeout.
func NewHTTPProber(client *http.Client) *HTTPProber {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPProber{client: client}
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context, desc *mesh.AgentDescriptor) error {
	url := probeURL(desc)
	if url == "" {
		return fmt.Errorf("agent %s has no probe endpoint", desc.AgentID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("building probe request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("probing %s: %w", desc.AgentID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("probe %s returned status %d", desc.AgentID, resp.StatusCode)
	}
	return nil
}

// probeURL resolves the probe endpoint: absolute endpoints win, relative
// paths are joined to the agent's base URL.
func probeURL(desc *mesh.AgentDescriptor) string {
	ep, ok := desc.Endpoints[mesh.TransportProbe]
	if !ok || ep == "" {
		return ""
	}
	if strings.HasPrefix(ep, "http://") || strings.HasPrefix(ep, "https://") {
		return ep
	}
	return strings.TrimSuffix(desc.URL, "/") + "/" + strings.TrimPrefix(ep, "/")
}
