// ABOUTME: Package documentation for the protocol gateway.

// Package gateway is the HTTP front door of the mesh. It exposes capability
// discovery (per-agent cards and the aggregate document), JSON-RPC task
// delegation with an explicit lifecycle, a websocket channel for dashboard
// sync and streaming invocation, and the read-only usage endpoint.
//
// The gateway holds no dashboard state; mutating calls forward deltas to the
// state store and results fan out through the sync hub. Who the caller is
// comes from a pluggable Resolver, header trust by default.
package gateway
