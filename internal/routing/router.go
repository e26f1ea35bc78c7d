// ABOUTME: Router selecting providers by rule chain with health-aware fallback.
// ABOUTME: Dispatch retries transport failures across the chain, never business errors.

package routing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HealthView answers liveness questions about providers. Satisfied by
// *health.Monitor.
type HealthView interface {
	Unreachable(agentID string) bool
}

// TargetDirectory reports provider registration. Satisfied by *mesh.Registry.
type TargetDirectory interface {
	Contains(agentID string) bool
}

// QuotaChecker gates dispatch on per-provider quota and accounts completed
// calls. A provider over quota is treated as unreachable for this call so the
// chain degrades gracefully. Satisfied by *usage.Tracker.
type QuotaChecker interface {
	Allow(provider string) bool
	Record(ctx context.Context, provider string, tokens int64)
}

// Decision records one routing attempt. Decisions are ephemeral: logged and
// handed to the sink for observability, never consulted for routing.
type Decision struct {
	ID               string    `json:"id"`
	TaskID           string    `json:"task_id,omitempty"`
	TaskType         string    `json:"task_type"`
	SelectedProvider string    `json:"selected_provider"`
	FallbackUsed     bool      `json:"fallback_used"`
	Reason           string    `json:"reason"`
	Attempt          int       `json:"attempt"`
	At               time.Time `json:"at"`
}

// DecisionSink receives routing decisions as they are made.
type DecisionSink func(Decision)

const defaultMaxAttempts = 3

// Router selects providers for tasks and dispatches with bounded fallback.
type Router struct {
	rules       *RuleSet
	health      HealthView
	directory   TargetDirectory
	quota       QuotaChecker // may be nil
	invoker     Invoker
	maxAttempts int
	logger      *slog.Logger
	sink        DecisionSink // may be nil

	attempts  *prometheus.CounterVec
	fallbacks prometheus.Counter
	noRoute   prometheus.Counter
}

// NewRouter wires a Router. quota and sink may be nil; reg may be nil to
// skip metric registration; maxAttempts <= 0 uses the default of 3.
func NewRouter(rules *RuleSet, health HealthView, directory TargetDirectory, quota QuotaChecker, invoker Invoker, maxAttempts int, logger *slog.Logger, sink DecisionSink, reg prometheus.Registerer) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	r := &Router{
		rules:       rules,
		health:      health,
		directory:   directory,
		quota:       quota,
		invoker:     invoker,
		maxAttempts: maxAttempts,
		logger:      logger.With("component", "router"),
		sink:        sink,
	}
	if reg != nil {
		r.attempts = promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "meshgate",
			Subsystem: "router",
			Name:      "attempts_total",
			Help:      "Dispatch attempts by provider and outcome.",
		}, []string{"provider", "outcome"})
		r.fallbacks = promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "meshgate",
			Subsystem: "router",
			Name:      "fallbacks_total",
			Help:      "Dispatches that advanced past the primary provider.",
		})
		r.noRoute = promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "meshgate",
			Subsystem: "router",
			Name:      "no_route_total",
			Help:      "Dispatches that exhausted every candidate.",
		})
	}
	return r
}

// Route selects a provider for a task type without dispatching. If
// explicitTarget is registered and not unreachable it wins; otherwise the
// rule chain is walked, skipping unreachable and over-quota providers.
// Returns a NoRouteError when nothing is eligible.
func (r *Router) Route(taskType, explicitTarget string) (Decision, error) {
	if explicitTarget != "" && r.eligible(explicitTarget) {
		return r.emit(Decision{
			TaskType:         taskType,
			SelectedProvider: explicitTarget,
			Reason:           "explicit_target",
			Attempt:          1,
		}), nil
	}

	chain := r.rules.Resolve(taskType).Chain()
	var attempted []string
	for i, provider := range chain {
		attempted = append(attempted, provider)
		if !r.eligible(provider) {
			continue
		}
		return r.emit(Decision{
			TaskType:         taskType,
			SelectedProvider: provider,
			FallbackUsed:     i > 0,
			Reason:           "rule_chain",
			Attempt:          1,
		}), nil
	}

	if r.noRoute != nil {
		r.noRoute.Inc()
	}
	return Decision{}, &NoRouteError{TaskType: taskType, Attempted: attempted}
}

// Dispatch routes and invokes a task. Transport failures advance to the next
// candidate, bounded by maxAttempts. Business errors surface immediately.
// Cancellation stops the chain: no retry ever happens after ctx is done.
func (r *Router) Dispatch(ctx context.Context, req *TaskRequest) (*TaskResult, error) {
	candidates := r.candidates(req)
	if len(candidates) == 0 {
		if r.noRoute != nil {
			r.noRoute.Inc()
		}
		return nil, &NoRouteError{TaskType: req.TaskType, Attempted: r.consideredFor(req)}
	}

	var attempted []string
	attempt := 0
	for _, provider := range candidates {
		if attempt >= r.maxAttempts {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("dispatch cancelled: %w", err)
		}

		attempt++
		attempted = append(attempted, provider)
		r.emit(Decision{
			TaskID:           req.TaskID,
			TaskType:         req.TaskType,
			SelectedProvider: provider,
			FallbackUsed:     attempt > 1,
			Reason:           "dispatch",
			Attempt:          attempt,
		})

		result, err := r.invoker.Invoke(ctx, provider, req)
		if err == nil {
			r.count(provider, "ok")
			if attempt > 1 && r.fallbacks != nil {
				r.fallbacks.Inc()
			}
			if r.quota != nil {
				r.quota.Record(ctx, provider, result.Tokens)
			}
			return result, nil
		}

		if !IsTransport(err) {
			r.count(provider, "business_error")
			return nil, err
		}

		r.count(provider, "transport_error")
		r.logger.Warn("dispatch attempt failed, advancing to fallback",
			"task_id", req.TaskID,
			"provider", provider,
			"attempt", attempt,
			"error", err,
		)
	}

	if r.noRoute != nil {
		r.noRoute.Inc()
	}
	return nil, &NoRouteError{TaskType: req.TaskType, Attempted: attempted}
}

// candidates returns the eligible providers for a request, in order.
func (r *Router) candidates(req *TaskRequest) []string {
	if req.ExplicitTarget != "" && r.eligible(req.ExplicitTarget) {
		return []string{req.ExplicitTarget}
	}
	chain := r.rules.Resolve(req.TaskType).Chain()
	out := make([]string, 0, len(chain))
	for _, provider := range chain {
		if r.eligible(provider) {
			out = append(out, provider)
		}
	}
	return out
}

// consideredFor lists every provider considered for a request, eligible or
// not, for the NoRouteError report.
func (r *Router) consideredFor(req *TaskRequest) []string {
	if req.ExplicitTarget != "" {
		return append([]string{req.ExplicitTarget}, r.rules.Resolve(req.TaskType).Chain()...)
	}
	return r.rules.Resolve(req.TaskType).Chain()
}

func (r *Router) eligible(provider string) bool {
	if !r.directory.Contains(provider) {
		return false
	}
	if r.health.Unreachable(provider) {
		return false
	}
	if r.quota != nil && !r.quota.Allow(provider) {
		return false
	}
	return true
}

func (r *Router) emit(d Decision) Decision {
	d.ID = ulid.Make().String()
	d.At = time.Now()
	r.logger.Info("routing decision",
		"decision_id", d.ID,
		"task_id", d.TaskID,
		"task_type", d.TaskType,
		"selected_provider", d.SelectedProvider,
		"fallback_used", d.FallbackUsed,
		"reason", d.Reason,
		"attempt", d.Attempt,
	)
	if r.sink != nil {
		r.sink(d)
	}
	return d
}

func (r *Router) count(provider, outcome string) {
	if r.attempts != nil {
		r.attempts.WithLabelValues(provider, outcome).Inc()
	}
}
