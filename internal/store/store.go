// ABOUTME: Store interfaces and record types for meshgate persistence.
// ABOUTME: Dashboard state snapshots and provider usage counters live here.

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// StateRecord is one persisted dashboard state document. Payload is the
// serialized DashboardState; Version mirrors the document's version counter
// so reconnecting clients can be reconciled without deserializing.
type StateRecord struct {
	Key           string // "state:{workspace_id}:{user_id}"
	Payload       []byte
	Version       uint64
	SchemaVersion int
	UpdatedAt     time.Time
	ExpiresAt     time.Time // zero means no TTL
}

// UsageCounters is the persisted per-provider call/token tally for one
// day/month bucket pair.
type UsageCounters struct {
	Provider   string
	Day        string // "2026-08-25"
	Month      string // "2026-08"
	CallsDay   int64
	TokensDay  int64
	CallsMonth int64
}

// StateStore persists dashboard state documents with TTL.
type StateStore interface {
	SaveState(ctx context.Context, rec *StateRecord) error
	LoadState(ctx context.Context, key string) (*StateRecord, error)
	DeleteState(ctx context.Context, key string) error
	// PurgeExpiredStates removes records whose TTL elapsed before now.
	// Returns the number of records removed.
	PurgeExpiredStates(ctx context.Context, now time.Time) (int, error)
}

// UsageStore persists per-provider usage counters so quota accounting
// survives a restart.
type UsageStore interface {
	// AddUsage increments the given day and month buckets for a provider.
	AddUsage(ctx context.Context, provider, day, month string, calls, tokens int64) error
	LoadUsage(ctx context.Context, provider, day, month string) (*UsageCounters, error)
	ListUsageProviders(ctx context.Context) ([]string, error)
}

// Store is the full persistence surface consumed by the state and usage
// packages.
type Store interface {
	StateStore
	UsageStore
	Close() error
}
