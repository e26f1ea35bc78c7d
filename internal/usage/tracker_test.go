// ABOUTME: Tests for usage counters, quota gating, rollover, and alerts.
// ABOUTME: Uses the in-memory store and a fake clock for bucket boundaries.

package usage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandlabs/meshgate/internal/store"
)

func TestTracker_RecordAccumulates(t *testing.T) {
	tr := NewTracker(store.NewMemoryStore(), nil, nil)

	ctx := t.Context()
	tr.Record(ctx, "claude", 100)
	tr.Record(ctx, "claude", 50)

	snap := tr.Snapshot(ctx)
	require.Len(t, snap, 1)
	assert.Equal(t, int64(2), snap[0].CallsToday)
	assert.Equal(t, int64(2), snap[0].CallsThisMonth)
	assert.Equal(t, int64(150), snap[0].TokensToday)
	assert.Zero(t, snap[0].QuotaUsed, "unlimited provider reports zero quota")
}

func TestTracker_AllowUnlimitedProvider(t *testing.T) {
	tr := NewTracker(nil, nil, nil)
	assert.True(t, tr.Allow("anyone"))
}

func TestTracker_AllowBlocksAtDailyCallLimit(t *testing.T) {
	tr := NewTracker(nil, map[string]Limits{
		"claude": {DailyCalls: 2},
	}, nil)

	ctx := t.Context()
	assert.True(t, tr.Allow("claude"))
	tr.Record(ctx, "claude", 10)
	assert.True(t, tr.Allow("claude"))
	tr.Record(ctx, "claude", 10)
	assert.False(t, tr.Allow("claude"), "at the limit the provider is over quota")
}

func TestTracker_AllowBlocksAtTokenLimit(t *testing.T) {
	tr := NewTracker(nil, map[string]Limits{
		"claude": {DailyTokens: 100},
	}, nil)

	ctx := t.Context()
	tr.Record(ctx, "claude", 100)
	assert.False(t, tr.Allow("claude"))
}

func TestTracker_CountersSurviveRestart(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := t.Context()

	first := NewTracker(st, nil, nil)
	first.Record(ctx, "claude", 100)
	first.Record(ctx, "claude", 100)

	// A fresh tracker over the same store rehydrates the buckets.
	second := NewTracker(st, nil, nil)
	snap := second.Snapshot(ctx)
	require.Len(t, snap, 1)
	assert.Equal(t, int64(2), snap[0].CallsToday)
	assert.Equal(t, int64(200), snap[0].TokensToday)
}

func TestTracker_DailyRollover(t *testing.T) {
	tr := NewTracker(nil, map[string]Limits{"claude": {DailyCalls: 1}}, nil)

	now := time.Date(2026, 8, 25, 23, 0, 0, 0, time.UTC)
	tr.clock = func() time.Time { return now }

	ctx := t.Context()
	tr.Record(ctx, "claude", 10)
	assert.False(t, tr.Allow("claude"))

	// Next day: daily bucket resets, provider is allowed again.
	now = now.Add(2 * time.Hour)
	assert.True(t, tr.Allow("claude"))

	snap := tr.Snapshot(ctx)
	require.Len(t, snap, 1)
	assert.Zero(t, snap[0].CallsToday)
}

func TestTracker_MonthlyLimitOutlivesDailyRollover(t *testing.T) {
	st := store.NewMemoryStore()
	tr := NewTracker(st, map[string]Limits{"claude": {MonthlyCalls: 2}}, nil)

	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	tr.clock = func() time.Time { return now }

	ctx := t.Context()
	tr.Record(ctx, "claude", 1)
	tr.Record(ctx, "claude", 1)
	assert.False(t, tr.Allow("claude"))

	// A day later in the same month the monthly bucket still blocks.
	now = now.Add(24 * time.Hour)
	assert.False(t, tr.Allow("claude"))
}

func TestTracker_ThresholdAlertRaisedOnce(t *testing.T) {
	tr := NewTracker(nil, map[string]Limits{
		"claude": {DailyCalls: 10, AlertAt: 0.5},
	}, nil)

	ctx := t.Context()
	for range 7 {
		tr.Record(ctx, "claude", 1)
	}

	alerts := tr.Alerts()
	require.Len(t, alerts, 1, "crossing the threshold repeatedly must alert once per bucket")
	assert.Equal(t, "claude", alerts[0].Provider)
	assert.Equal(t, "daily_calls", alerts[0].Kind)
	assert.GreaterOrEqual(t, alerts[0].Ratio, 0.5)
	assert.NotEmpty(t, alerts[0].ID)
}

func TestTracker_SnapshotIncludesConfiguredProviders(t *testing.T) {
	tr := NewTracker(nil, map[string]Limits{
		"idle": {DailyCalls: 100},
	}, nil)

	snap := tr.Snapshot(t.Context())
	require.Len(t, snap, 1)
	assert.Equal(t, "idle", snap[0].Provider)
	assert.Zero(t, snap[0].CallsToday)
}

func TestTracker_QuotaUsedIsHighestRatio(t *testing.T) {
	tr := NewTracker(nil, map[string]Limits{
		"claude": {DailyCalls: 10, DailyTokens: 100},
	}, nil)

	ctx := t.Context()
	tr.Record(ctx, "claude", 90) // 1/10 calls, 90/100 tokens

	snap := tr.Snapshot(ctx)
	require.Len(t, snap, 1)
	assert.InDelta(t, 0.9, snap[0].QuotaUsed, 0.001)
}
