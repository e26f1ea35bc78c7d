// ABOUTME: State manager: per-key serialized applies, optimistic concurrency,
// ABOUTME: durable persistence with degrade-to-memory, TTL purge loop.

package state

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/strandlabs/meshgate/internal/store"
)

// Options tunes the state manager.
type Options struct {
	TTL      time.Duration // persistence TTL; default 24h
	MaxBytes int           // serialized byte ceiling; default 256 KiB
	Strategy string        // reconciliation strategy name
}

const (
	defaultTTL      = 24 * time.Hour
	defaultMaxBytes = 256 << 10
)

// cacheEntry pairs the in-memory authoritative document with its TTL.
type cacheEntry struct {
	doc       *DashboardState
	expiresAt time.Time
}

// Manager owns the dashboard state documents. All applies for one key run
// under that key's mutex, making the manager the single serialization point;
// different keys proceed fully in parallel. The in-memory copy is
// authoritative; the durable store is write-through and its failure degrades
// the manager to memory-only with a logged warning, never a request failure.
type Manager struct {
	durable    store.StateStore
	opts       Options
	reconciler Reconciler
	logger     *slog.Logger
	clock      func() time.Time

	mu    sync.Mutex // guards locks and cache maps only
	locks map[string]*sync.Mutex
	cache map[string]*cacheEntry

	degraded atomic.Bool

	applies *prometheus.CounterVec
}

// NewManager creates a Manager. durable may be nil for memory-only
// operation; reg may be nil to skip metrics registration.
func NewManager(durable store.StateStore, opts Options, logger *slog.Logger, reg prometheus.Registerer) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = defaultMaxBytes
	}
	m := &Manager{
		durable:    durable,
		opts:       opts,
		reconciler: ReconcilerByName(opts.Strategy),
		logger:     logger.With("component", "state"),
		clock:      time.Now,
		locks:      make(map[string]*sync.Mutex),
		cache:      make(map[string]*cacheEntry),
	}
	if reg != nil {
		m.applies = promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "meshgate",
			Subsystem: "state",
			Name:      "applies_total",
			Help:      "Delta applies by outcome.",
		}, []string{"outcome"})
	}
	return m
}

// Get returns the current document for a key, creating an empty initial
// state on first access. The returned document is a private copy.
func (m *Manager) Get(ctx context.Context, key Key) (*DashboardState, error) {
	lock := m.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	doc := m.loadLocked(ctx, key)
	return doc.Clone(), nil
}

// Apply checks the delta's base version against the current document and, if
// it matches, applies the change, bumps the version, enforces the bounded
// collections and byte ceiling, persists, and returns the new document.
//
// Rejections are typed: *VersionConflictError carries the authoritative
// current state; *StateTooLargeError leaves the document untouched.
func (m *Manager) Apply(ctx context.Context, key Key, delta Delta) (*DashboardState, error) {
	lock := m.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	current := m.loadLocked(ctx, key)

	if delta.BaseVersion != current.Version {
		m.count("version_conflict")
		return nil, &VersionConflictError{Current: current.Clone()}
	}

	next := current.Clone()
	if err := next.applyPath(delta.Path, delta.Value); err != nil {
		m.count("invalid_path")
		return nil, fmt.Errorf("applying delta: %w", err)
	}
	next.Version = current.Version + 1
	next.Timestamp = m.clock()

	payload, err := json.Marshal(next)
	if err != nil {
		return nil, fmt.Errorf("encoding state: %w", err)
	}
	if len(payload) > m.opts.MaxBytes {
		m.count("too_large")
		return nil, &StateTooLargeError{Size: len(payload), Limit: m.opts.MaxBytes}
	}

	m.storeLocked(ctx, key, next, payload)
	m.count("accepted")
	return next.Clone(), nil
}

// Reconcile resolves a reconnecting client's local document against the
// server document using the configured strategy. When the client copy wins,
// its content is adopted as a new server version so the monotonic version
// invariant holds; the returned document is always authoritative.
func (m *Manager) Reconcile(ctx context.Context, key Key, client *DashboardState) (*DashboardState, error) {
	lock := m.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	server := m.loadLocked(ctx, key)
	winner := m.reconciler.Reconcile(server, client)
	if winner == server {
		return server.Clone(), nil
	}

	adopted := winner.Clone()
	adopted.WorkspaceID = key.WorkspaceID
	adopted.UserID = key.UserID
	adopted.SchemaVersion = CurrentSchemaVersion
	adopted.Version = server.Version + 1
	adopted.Timestamp = m.clock()

	payload, err := json.Marshal(adopted)
	if err != nil {
		return nil, fmt.Errorf("encoding reconciled state: %w", err)
	}
	if len(payload) > m.opts.MaxBytes {
		return nil, &StateTooLargeError{Size: len(payload), Limit: m.opts.MaxBytes}
	}

	m.storeLocked(ctx, key, adopted, payload)
	return adopted.Clone(), nil
}

// Delete removes a document immediately, in memory and durably.
func (m *Manager) Delete(ctx context.Context, key Key) error {
	lock := m.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	delete(m.cache, key.String())
	m.mu.Unlock()

	if m.durable == nil {
		return nil
	}
	if err := m.durable.DeleteState(ctx, key.String()); err != nil {
		return fmt.Errorf("deleting persisted state: %w", err)
	}
	return nil
}

// Degraded reports whether the durable backend is currently unavailable.
func (m *Manager) Degraded() bool {
	return m.degraded.Load()
}

// RunPurge deletes TTL-expired persisted documents on the given interval
// until ctx is cancelled.
func (m *Manager) RunPurge(ctx context.Context, interval time.Duration) {
	if m.durable == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.durable.PurgeExpiredStates(ctx, m.clock()); err != nil {
				m.logger.Warn("state purge failed", "error", err)
			}
		}
	}
}

// keyLock returns the mutex serializing one dashboard key. The map mutex is
// always released before the key mutex is taken, keeping the lock order
// fixed.
func (m *Manager) keyLock(key Key) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[key.String()]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[key.String()] = lock
	}
	return lock
}

// loadLocked returns the current document for a key: cache, then durable
// store (migrating as needed), then a fresh initial document. Caller holds
// the key lock.
func (m *Manager) loadLocked(ctx context.Context, key Key) *DashboardState {
	now := m.clock()

	m.mu.Lock()
	entry, ok := m.cache[key.String()]
	m.mu.Unlock()
	if ok && (entry.expiresAt.IsZero() || now.Before(entry.expiresAt)) {
		return entry.doc
	}

	doc := m.loadDurable(ctx, key)
	if doc == nil {
		doc = NewDashboardState(key)
	}

	m.mu.Lock()
	m.cache[key.String()] = &cacheEntry{doc: doc, expiresAt: now.Add(m.opts.TTL)}
	m.mu.Unlock()
	return doc
}

// loadDurable fetches and migrates the persisted document, or nil when
// absent, unreadable, or the backend is down. Corrupt or unmigratable state
// resets to nil (fresh) and logs loudly; it never fails the read path.
func (m *Manager) loadDurable(ctx context.Context, key Key) *DashboardState {
	if m.durable == nil {
		return nil
	}
	rec, err := m.durable.LoadState(ctx, key.String())
	if err != nil {
		if err != store.ErrNotFound {
			m.noteStoreError("load", err)
		}
		return nil
	}
	m.noteStoreRecovered()

	doc, err := migratePayload(rec.Payload, rec.SchemaVersion)
	if err != nil {
		m.logger.Error("persisted state unusable, resetting to fresh document",
			"key", key.String(),
			"schema_version", rec.SchemaVersion,
			"error", err,
		)
		return nil
	}
	if rec.SchemaVersion != CurrentSchemaVersion {
		m.logger.Info("migrated persisted state",
			"key", key.String(),
			"from_schema", rec.SchemaVersion,
			"to_schema", CurrentSchemaVersion,
		)
	}
	return doc
}

// storeLocked installs the new document in the cache and writes through to
// the durable store. Persistence failure degrades to memory-only.
func (m *Manager) storeLocked(ctx context.Context, key Key, doc *DashboardState, payload []byte) {
	now := m.clock()
	m.mu.Lock()
	m.cache[key.String()] = &cacheEntry{doc: doc, expiresAt: now.Add(m.opts.TTL)}
	m.mu.Unlock()

	if m.durable == nil {
		return
	}
	err := m.durable.SaveState(ctx, &store.StateRecord{
		Key:           key.String(),
		Payload:       payload,
		Version:       doc.Version,
		SchemaVersion: doc.SchemaVersion,
		UpdatedAt:     now,
		ExpiresAt:     now.Add(m.opts.TTL),
	})
	if err != nil {
		m.noteStoreError("save", err)
		return
	}
	m.noteStoreRecovered()
}

func (m *Manager) noteStoreError(op string, err error) {
	if m.degraded.CompareAndSwap(false, true) {
		m.logger.Warn("durable state store unavailable, degrading to in-memory only",
			"op", op,
			"error", err,
		)
	}
}

func (m *Manager) noteStoreRecovered() {
	if m.degraded.CompareAndSwap(true, false) {
		m.logger.Info("durable state store recovered")
	}
}

func (m *Manager) count(outcome string) {
	if m.applies != nil {
		m.applies.WithLabelValues(outcome).Inc()
	}
}
