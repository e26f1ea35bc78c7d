// ABOUTME: Package documentation for the dashboard state store.
// ABOUTME: Documents the versioning, bounding, and persistence model.

// Package state implements the versioned dashboard state store.
//
// Each (workspace, user) pair owns one DashboardState document. Mutations
// arrive as path-scoped deltas carrying the base version they were computed
// against; the Manager serializes applies per key, rejects stale deltas with
// the authoritative current document, and enforces the bounded collections
// and the serialized byte ceiling before accepting anything.
//
// The in-memory copy is authoritative. Accepted documents are written
// through to the durable store with a TTL; if the store goes away the
// manager degrades to memory-only and keeps serving. Persisted documents
// from older builds are migrated through the schema chain on load, and
// unreadable ones are reset to a fresh document rather than crashing reads.
package state
