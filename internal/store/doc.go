// Package store provides durable persistence for meshgate.
//
// Two record families live here:
//
//   - dashboard state snapshots, keyed "state:{workspace_id}:{user_id}",
//     TTL-bound, written by the state package on every accepted delta
//   - per-provider usage counters in day and month buckets, written by the
//     usage tracker so quota accounting survives restarts
//
// SQLiteStore is the production implementation (modernc.org/sqlite, WAL
// mode, schema auto-created). MemoryStore mirrors its semantics for tests
// and serves as the degraded-mode fallback when the durable backend is
// unavailable.
package store
