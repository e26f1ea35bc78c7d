// Package mesh holds the agent registry: the source of truth for which
// agents exist, what skills they declare, and where their endpoints live.
//
// # Registry
//
// The Registry stores descriptors in an immutable copy-on-write table. Reads
// (Snapshot, Discover, DiscoverAll) load the current table pointer and never
// block; writes copy the map, mutate the copy, and swap the pointer under a
// writer mutex. This keeps the health monitor's sweep and the router's
// lookups cheap regardless of registration churn.
//
// Key operations:
//
//   - Register(desc): idempotent upsert keyed by agent_id
//   - Deregister(agentID): immediate removal
//   - Discover(agentID) / DiscoverAll(filter): discovery snapshots
//   - Snapshot(): the full table, used by health monitor and router
//
// The Registry owns descriptors exclusively. Other components hold read
// references only; health state lives in the health package and is joined
// at discovery time via a Filter.
package mesh
