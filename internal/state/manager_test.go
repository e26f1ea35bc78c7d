// ABOUTME: Tests for the state manager: versioning, conflicts, size ceiling,
// ABOUTME: migration on load, and degrading when the store fails.

package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandlabs/meshgate/internal/store"
)

var testKey = Key{WorkspaceID: "ws-1", UserID: "user-1"}

func newTestManager(t *testing.T, opts Options) (*Manager, *store.MemoryStore) {
	t.Helper()
	mem := store.NewMemoryStore()
	return NewManager(mem, opts, nil, nil), mem
}

func apply(t *testing.T, m *Manager, base uint64, path, value string) *DashboardState {
	t.Helper()
	doc, err := m.Apply(t.Context(), testKey, Delta{
		Path:        path,
		Value:       json.RawMessage(value),
		BaseVersion: base,
	})
	require.NoError(t, err)
	return doc
}

func TestManager_FirstAccessCreatesInitialState(t *testing.T) {
	m, _ := newTestManager(t, Options{})

	doc, err := m.Get(t.Context(), testKey)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), doc.Version)
	assert.Equal(t, CurrentSchemaVersion, doc.SchemaVersion)
	assert.Equal(t, "ws-1", doc.WorkspaceID)
	assert.Empty(t, doc.Widgets)
}

func TestManager_VersionIncreasesMonotonically(t *testing.T) {
	m, _ := newTestManager(t, Options{})

	for i := range 5 {
		doc := apply(t, m, uint64(i), "loading", fmt.Sprintf("%v", i%2 == 0))
		assert.Equal(t, uint64(i+1), doc.Version)
	}
}

func TestManager_StaleDeltaReturnsConflictWithCurrentState(t *testing.T) {
	m, _ := newTestManager(t, Options{})

	for i := range 4 {
		apply(t, m, uint64(i), "loading", "true")
	}

	_, err := m.Apply(t.Context(), testKey, Delta{
		Path:        "loading",
		Value:       json.RawMessage("false"),
		BaseVersion: 2,
	})
	var conflict *VersionConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, uint64(4), conflict.Current.Version)

	// A retry against the version the conflict carried succeeds.
	doc := apply(t, m, conflict.Current.Version, "loading", "false")
	assert.Equal(t, uint64(5), doc.Version)
}

func TestManager_OversizedDeltaRejectedWithoutMutation(t *testing.T) {
	m, _ := newTestManager(t, Options{MaxBytes: 16 << 10})

	apply(t, m, 0, "widgets.small", `{"ok":true}`)

	big, err := json.Marshal(map[string]string{"blob": string(make([]byte, 20<<10))})
	require.NoError(t, err)

	_, err = m.Apply(t.Context(), testKey, Delta{
		Path:        "widgets.big",
		Value:       big,
		BaseVersion: 1,
	})
	var tooLarge *StateTooLargeError
	require.ErrorAs(t, err, &tooLarge)
	assert.Greater(t, tooLarge.Size, tooLarge.Limit)

	doc, err := m.Get(t.Context(), testKey)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), doc.Version)
	assert.NotContains(t, doc.Widgets, "big")
}

func TestManager_BoundedCollectionsEvictOldest(t *testing.T) {
	m, _ := newTestManager(t, Options{})

	version := uint64(0)
	for i := range MaxAlerts + 3 {
		apply(t, m, version, "alerts", fmt.Sprintf(`{"n":%d}`, i))
		version++
	}

	doc, err := m.Get(t.Context(), testKey)
	require.NoError(t, err)
	require.Len(t, doc.Alerts, MaxAlerts)

	var first map[string]int
	require.NoError(t, json.Unmarshal(doc.Alerts[0].Data, &first))
	assert.Equal(t, 3, first["n"], "oldest entries evicted first")
}

func TestManager_WidgetPathsNestedAndDelete(t *testing.T) {
	m, _ := newTestManager(t, Options{})

	apply(t, m, 0, "widgets.chart", `{"type":"line","series":[]}`)
	apply(t, m, 1, "widgets.chart.config.legend", `true`)
	apply(t, m, 2, "errors.agent-a", `"probe timeout"`)

	doc, err := m.Get(t.Context(), testKey)
	require.NoError(t, err)
	config, ok := doc.Widgets["chart"]["config"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, config["legend"])
	assert.Equal(t, "probe timeout", doc.Errors["agent-a"])

	apply(t, m, 3, "widgets.chart", `null`)
	apply(t, m, 4, "errors.agent-a", `null`)

	doc, err = m.Get(t.Context(), testKey)
	require.NoError(t, err)
	assert.NotContains(t, doc.Widgets, "chart")
	assert.NotContains(t, doc.Errors, "agent-a")
}

func TestManager_LoadMigratesOldSchema(t *testing.T) {
	mem := store.NewMemoryStore()

	// Persist a schema-1 document by hand: activity was called "events" and
	// metrics did not exist yet.
	old := map[string]any{
		"schema_version": 1,
		"version":        7,
		"workspace_id":   testKey.WorkspaceID,
		"user_id":        testKey.UserID,
		"widgets":        map[string]any{},
		"events": []map[string]any{
			{"timestamp": time.Now().UTC(), "data": map[string]any{"what": "deploy"}},
		},
	}
	payload, err := json.Marshal(old)
	require.NoError(t, err)
	require.NoError(t, mem.SaveState(t.Context(), &store.StateRecord{
		Key:           testKey.String(),
		Payload:       payload,
		Version:       7,
		SchemaVersion: 1,
		UpdatedAt:     time.Now(),
		ExpiresAt:     time.Now().Add(time.Hour),
	}))

	m := NewManager(mem, Options{}, nil, nil)
	doc, err := m.Get(t.Context(), testKey)
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, doc.SchemaVersion)
	assert.Equal(t, uint64(7), doc.Version)
	require.Len(t, doc.Activity, 1)
	assert.NotNil(t, doc.Metrics)
}

func TestManager_CorruptPersistedStateResetsFresh(t *testing.T) {
	mem := store.NewMemoryStore()
	require.NoError(t, mem.SaveState(t.Context(), &store.StateRecord{
		Key:           testKey.String(),
		Payload:       []byte("{not json"),
		Version:       3,
		SchemaVersion: CurrentSchemaVersion,
		UpdatedAt:     time.Now(),
		ExpiresAt:     time.Now().Add(time.Hour),
	}))

	m := NewManager(mem, Options{}, nil, nil)
	doc, err := m.Get(t.Context(), testKey)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), doc.Version)
}

// failingStore rejects every durable operation.
type failingStore struct{}

func (failingStore) SaveState(context.Context, *store.StateRecord) error {
	return errors.New("disk gone")
}

func (failingStore) LoadState(context.Context, string) (*store.StateRecord, error) {
	return nil, errors.New("disk gone")
}

func (failingStore) DeleteState(context.Context, string) error {
	return errors.New("disk gone")
}

func (failingStore) PurgeExpiredStates(context.Context, time.Time) (int, error) {
	return 0, errors.New("disk gone")
}

func TestManager_DegradesToMemoryWhenStoreFails(t *testing.T) {
	m := NewManager(failingStore{}, Options{}, nil, nil)

	doc := apply(t, m, 0, "loading", "true")
	assert.Equal(t, uint64(1), doc.Version)
	assert.True(t, m.Degraded())

	// Applies keep working off the in-memory copy.
	doc = apply(t, m, 1, "loading", "false")
	assert.Equal(t, uint64(2), doc.Version)
}

func TestManager_DeleteRemovesDocument(t *testing.T) {
	m, mem := newTestManager(t, Options{})

	apply(t, m, 0, "loading", "true")
	require.NoError(t, m.Delete(t.Context(), testKey))

	_, err := mem.LoadState(t.Context(), testKey.String())
	assert.ErrorIs(t, err, store.ErrNotFound)

	doc, err := m.Get(t.Context(), testKey)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), doc.Version)
}

func TestManager_ReconcileServerWinsKeepsServerDocument(t *testing.T) {
	m, _ := newTestManager(t, Options{Strategy: "server_wins"})

	apply(t, m, 0, "loading", "true")

	client := NewDashboardState(testKey)
	client.Loading = false
	client.Timestamp = time.Now().Add(time.Hour)

	doc, err := m.Reconcile(t.Context(), testKey, client)
	require.NoError(t, err)
	assert.True(t, doc.Loading)
	assert.Equal(t, uint64(1), doc.Version)
}

func TestManager_ReconcileLatestTimestampAdoptsNewerClient(t *testing.T) {
	m, _ := newTestManager(t, Options{Strategy: "latest_timestamp_wins"})

	apply(t, m, 0, "loading", "true")

	client := NewDashboardState(testKey)
	client.Loading = false
	client.Version = 1
	client.Timestamp = time.Now().Add(time.Hour)

	doc, err := m.Reconcile(t.Context(), testKey, client)
	require.NoError(t, err)
	assert.False(t, doc.Loading)
	assert.Equal(t, uint64(2), doc.Version, "adopted client content gets a fresh server version")
}

func TestManager_KeysAreIndependent(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	otherKey := Key{WorkspaceID: "ws-2", UserID: "user-9"}

	apply(t, m, 0, "loading", "true")

	doc, err := m.Apply(t.Context(), otherKey, Delta{
		Path:        "loading",
		Value:       json.RawMessage("true"),
		BaseVersion: 0,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), doc.Version)
}
