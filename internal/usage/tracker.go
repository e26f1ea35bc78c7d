// ABOUTME: Per-provider call/token counters with quota limits and alerts.
// ABOUTME: Consulted by the Router before dispatch; persisted across restarts.

package usage

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/strandlabs/meshgate/internal/store"
)

const (
	maxAlerts             = 50
	defaultAlertThreshold = 0.8
)

// Limits caps a provider's usage. Zero fields mean unlimited.
type Limits struct {
	DailyCalls   int64   `yaml:"daily_calls"`
	MonthlyCalls int64   `yaml:"monthly_calls"`
	DailyTokens  int64   `yaml:"daily_tokens"`
	AlertAt      float64 `yaml:"alert_at"` // quota ratio that raises an alert; default 0.8
}

// Alert is raised once per provider, bucket, and limit kind when usage
// crosses the alert threshold.
type Alert struct {
	ID       string    `json:"id"`
	Provider string    `json:"provider"`
	Kind     string    `json:"kind"` // daily_calls, monthly_calls, daily_tokens
	Ratio    float64   `json:"ratio"`
	At       time.Time `json:"at"`
}

// ProviderUsage is the read model served by the usage endpoint.
type ProviderUsage struct {
	Provider       string  `json:"provider"`
	CallsToday     int64   `json:"calls_today"`
	CallsThisMonth int64   `json:"calls_this_month"`
	TokensToday    int64   `json:"tokens_today"`
	QuotaUsed      float64 `json:"quota_used"` // highest ratio across limits; 0 when unlimited
}

// counters is the in-memory mirror of one provider's current buckets.
type counters struct {
	day        string
	month      string
	callsDay   int64
	tokensDay  int64
	callsMonth int64
}

// Tracker counts provider calls and tokens, enforces limits, and raises
// threshold alerts. Counters are mirrored in memory and persisted through
// the usage store; a failing store degrades to memory-only with a warning
// rather than failing the dispatch.
type Tracker struct {
	store  store.UsageStore
	limits map[string]Limits
	logger *slog.Logger
	clock  func() time.Time

	mu      sync.Mutex
	cache   map[string]*counters
	alerts  []Alert
	alerted map[string]bool // provider|bucket|kind, dedupes alert spam
}

// NewTracker creates a Tracker. st may be nil for memory-only accounting;
// limits maps provider id to its caps (providers absent are unlimited).
func NewTracker(st store.UsageStore, limits map[string]Limits, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	if limits == nil {
		limits = map[string]Limits{}
	}
	return &Tracker{
		store:   st,
		limits:  limits,
		logger:  logger.With("component", "usage"),
		clock:   time.Now,
		cache:   make(map[string]*counters),
		alerted: make(map[string]bool),
	}
}

// Allow reports whether a provider is under all of its limits. Unlimited
// providers always pass.
func (t *Tracker) Allow(provider string) bool {
	limits, ok := t.limits[provider]
	if !ok {
		return true
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.currentLocked(provider)

	if limits.DailyCalls > 0 && c.callsDay >= limits.DailyCalls {
		return false
	}
	if limits.MonthlyCalls > 0 && c.callsMonth >= limits.MonthlyCalls {
		return false
	}
	if limits.DailyTokens > 0 && c.tokensDay >= limits.DailyTokens {
		return false
	}
	return true
}

// Record counts one call and its token usage for a provider.
func (t *Tracker) Record(ctx context.Context, provider string, tokens int64) {
	t.mu.Lock()
	c := t.currentLocked(provider)
	c.callsDay++
	c.callsMonth++
	c.tokensDay += tokens
	day, month := c.day, c.month
	t.checkThresholdsLocked(provider, c)
	t.mu.Unlock()

	if t.store == nil {
		return
	}
	if err := t.store.AddUsage(ctx, provider, day, month, 1, tokens); err != nil {
		t.logger.Warn("usage store unavailable, counting in memory only",
			"provider", provider,
			"error", err,
		)
	}
}

// Snapshot returns the current usage for every known provider.
func (t *Tracker) Snapshot(ctx context.Context) []ProviderUsage {
	known := map[string]bool{}
	if t.store != nil {
		if providers, err := t.store.ListUsageProviders(ctx); err == nil {
			for _, p := range providers {
				known[p] = true
			}
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for p := range t.cache {
		known[p] = true
	}
	for p := range t.limits {
		known[p] = true
	}

	out := make([]ProviderUsage, 0, len(known))
	for p := range known {
		c := t.currentLocked(p)
		u := ProviderUsage{
			Provider:       p,
			CallsToday:     c.callsDay,
			CallsThisMonth: c.callsMonth,
			TokensToday:    c.tokensDay,
		}
		if limits, ok := t.limits[p]; ok {
			u.QuotaUsed = maxRatio(c, limits)
		}
		out = append(out, u)
	}
	sortUsage(out)
	return out
}

// Alerts returns recent threshold alerts, newest last.
func (t *Tracker) Alerts() []Alert {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Alert(nil), t.alerts...)
}

// currentLocked returns the provider's counters for the current day/month,
// rolling the buckets over and rehydrating from the store when a boundary
// was crossed. Caller holds t.mu.
func (t *Tracker) currentLocked(provider string) *counters {
	now := t.clock()
	day := now.Format("2006-01-02")
	month := now.Format("2006-01")

	c, ok := t.cache[provider]
	if ok && c.day == day {
		return c
	}

	c = &counters{day: day, month: month}
	if t.store != nil {
		if persisted, err := t.store.LoadUsage(context.Background(), provider, day, month); err == nil {
			c.callsDay = persisted.CallsDay
			c.tokensDay = persisted.TokensDay
			c.callsMonth = persisted.CallsMonth
		}
	}
	t.cache[provider] = c
	return c
}

// checkThresholdsLocked raises at most one alert per bucket and kind.
func (t *Tracker) checkThresholdsLocked(provider string, c *counters) {
	limits, ok := t.limits[provider]
	if !ok {
		return
	}
	threshold := limits.AlertAt
	if threshold <= 0 {
		threshold = defaultAlertThreshold
	}

	check := func(kind, bucket string, used, limit int64) {
		if limit <= 0 {
			return
		}
		ratio := float64(used) / float64(limit)
		if ratio < threshold {
			return
		}
		key := provider + "|" + bucket + "|" + kind
		if t.alerted[key] {
			return
		}
		t.alerted[key] = true
		alert := Alert{
			ID:       ulid.Make().String(),
			Provider: provider,
			Kind:     kind,
			Ratio:    ratio,
			At:       t.clock(),
		}
		t.alerts = append(t.alerts, alert)
		if len(t.alerts) > maxAlerts {
			t.alerts = t.alerts[len(t.alerts)-maxAlerts:]
		}
		t.logger.Warn("usage threshold crossed",
			"provider", provider,
			"kind", kind,
			"ratio", ratio,
		)
	}

	check("daily_calls", c.day, c.callsDay, limits.DailyCalls)
	check("daily_tokens", c.day, c.tokensDay, limits.DailyTokens)
	check("monthly_calls", c.month, c.callsMonth, limits.MonthlyCalls)
}

func maxRatio(c *counters, limits Limits) float64 {
	var out float64
	if limits.DailyCalls > 0 {
		out = max(out, float64(c.callsDay)/float64(limits.DailyCalls))
	}
	if limits.MonthlyCalls > 0 {
		out = max(out, float64(c.callsMonth)/float64(limits.MonthlyCalls))
	}
	if limits.DailyTokens > 0 {
		out = max(out, float64(c.tokensDay)/float64(limits.DailyTokens))
	}
	return out
}

func sortUsage(list []ProviderUsage) {
	sort.Slice(list, func(i, j int) bool { return list[i].Provider < list[j].Provider })
}
