// ABOUTME: In-memory Store used by tests and as the degraded-mode fallback.
// ABOUTME: Mirrors SQLiteStore semantics including TTL-expired reads.

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a Store kept entirely in process memory. The state package
// also falls back to it when the durable backend is unavailable.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]*StateRecord
	daily  map[string]*UsageCounters // provider|day
	month  map[string]int64          // provider|month
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states: make(map[string]*StateRecord),
		daily:  make(map[string]*UsageCounters),
		month:  make(map[string]int64),
	}
}

// SaveState implements StateStore.
func (m *MemoryStore) SaveState(_ context.Context, rec *StateRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	cp.Payload = append([]byte(nil), rec.Payload...)
	m.states[rec.Key] = &cp
	return nil
}

// LoadState implements StateStore.
func (m *MemoryStore) LoadState(_ context.Context, key string) (*StateRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.states[key]
	if !ok {
		return nil, ErrNotFound
	}
	if !rec.ExpiresAt.IsZero() && time.Now().After(rec.ExpiresAt) {
		return nil, ErrNotFound
	}
	cp := *rec
	cp.Payload = append([]byte(nil), rec.Payload...)
	return &cp, nil
}

// DeleteState implements StateStore.
func (m *MemoryStore) DeleteState(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, key)
	return nil
}

// PurgeExpiredStates implements StateStore.
func (m *MemoryStore) PurgeExpiredStates(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for key, rec := range m.states {
		if !rec.ExpiresAt.IsZero() && rec.ExpiresAt.Before(now) {
			delete(m.states, key)
			n++
		}
	}
	return n, nil
}

// AddUsage implements UsageStore.
func (m *MemoryStore) AddUsage(_ context.Context, provider, day, month string, calls, tokens int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	dk := provider + "|" + day
	c, ok := m.daily[dk]
	if !ok {
		c = &UsageCounters{Provider: provider, Day: day}
		m.daily[dk] = c
	}
	c.CallsDay += calls
	c.TokensDay += tokens
	m.month[provider+"|"+month] += calls
	return nil
}

// LoadUsage implements UsageStore.
func (m *MemoryStore) LoadUsage(_ context.Context, provider, day, month string) (*UsageCounters, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := &UsageCounters{Provider: provider, Day: day, Month: month}
	if c, ok := m.daily[provider+"|"+day]; ok {
		out.CallsDay = c.CallsDay
		out.TokensDay = c.TokensDay
	}
	out.CallsMonth = m.month[provider+"|"+month]
	return out, nil
}

// ListUsageProviders implements UsageStore.
func (m *MemoryStore) ListUsageProviders(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]bool{}
	for key := range m.daily {
		for i := range key {
			if key[i] == '|' {
				seen[key[:i]] = true
				break
			}
		}
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

// Close implements Store.
func (m *MemoryStore) Close() error { return nil }

// Ensure MemoryStore implements the Store interface.
var _ Store = (*MemoryStore)(nil)
