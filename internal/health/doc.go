// Package health probes registered agents and classifies their liveness.
//
// # Monitor
//
// The Monitor runs a fixed-interval sweep over the registry snapshot. Every
// agent is probed concurrently under a bounded semaphore with a per-probe
// timeout, so the sweep completes in roughly the time of the slowest single
// probe. Sequential probing is deliberately not supported.
//
// Status transitions follow consecutive failure counts:
//
//	0 failures            healthy
//	>= degraded threshold degraded (default 2)
//	>= unreachable        unreachable (default 5)
//	>= evict threshold    deregistered from the registry (optional)
//
// On success the failure count resets and probe latency folds into an EWMA.
//
// Records are published as an immutable table swapped atomically after each
// sweep. Status() serves the last-known record and never blocks a caller on
// an in-progress sweep.
package health
