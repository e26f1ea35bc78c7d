// ABOUTME: Gateway orchestrator: composes registry, router, state store,
// ABOUTME: sync hub, and usage tracker behind one HTTP surface.

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/strandlabs/meshgate/internal/mesh"
	"github.com/strandlabs/meshgate/internal/state"
	"github.com/strandlabs/meshgate/internal/synchub"
	"github.com/strandlabs/meshgate/internal/usage"
)

// HealthSource is the health view the gateway needs for discovery filtering.
// *health.Monitor satisfies it.
type HealthSource interface {
	Unreachable(agentID string) bool
}

// Options configures the gateway's HTTP server.
type Options struct {
	Addr            string
	ShutdownTimeout time.Duration
	TaskRetention   time.Duration // how long terminal tasks stay queryable
}

// Gateway is the protocol front door. It holds no dashboard state of its
// own; every mutating call forwards a delta to the state store.
type Gateway struct {
	registry  *mesh.Registry
	health    HealthSource
	tasks     *TaskManager
	states    *state.Manager
	hub       *synchub.Hub
	usage     *usage.Tracker
	resolver  Resolver
	usageAuth Resolver
	logger    *slog.Logger
	upgrader  websocket.Upgrader
	metrics   http.Handler

	httpServer *http.Server
	opts       Options
}

// New wires a Gateway. usageAuth may be nil to leave /usage open (network
// trust); gatherer may be nil to disable /metrics.
func New(
	registry *mesh.Registry,
	healthSource HealthSource,
	dispatcher Dispatcher,
	states *state.Manager,
	hub *synchub.Hub,
	tracker *usage.Tracker,
	resolver Resolver,
	usageAuth Resolver,
	opts Options,
	logger *slog.Logger,
	gatherer prometheus.Gatherer,
) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}

	g := &Gateway{
		registry:  registry,
		health:    healthSource,
		states:    states,
		hub:       hub,
		usage:     tracker,
		resolver:  resolver,
		usageAuth: usageAuth,
		logger:    logger.With("component", "gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin enforcement belongs to whatever fronts the gateway.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		opts: opts,
	}
	g.tasks = NewTaskManager(dispatcher, opts.TaskRetention, logger, g.recordTaskActivity)
	if gatherer != nil {
		g.metrics = promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	}
	g.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return g
}

// Handler returns the gateway's routing table. Exposed for tests.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /agents", g.handleListAgents)
	mux.HandleFunc("POST /agents", g.handleRegister)
	mux.HandleFunc("DELETE /agents/{id}", g.handleDeregister)
	mux.HandleFunc("GET /agents/{id}/card", g.handleAgentCard)
	mux.HandleFunc("POST /rpc", g.handleRPC)
	mux.HandleFunc("GET /ws", g.handleWS)
	mux.HandleFunc("GET /usage", g.handleUsage)
	mux.HandleFunc("GET /healthz", g.handleHealthz)
	if g.metrics != nil {
		mux.Handle("GET /metrics", g.metrics)
	}
	return mux
}

// Tasks exposes the task manager for sibling components and tests.
func (g *Gateway) Tasks() *TaskManager {
	return g.tasks
}

// Start serves HTTP until Shutdown is called. It blocks.
func (g *Gateway) Start() error {
	g.logger.Info("gateway listening", "addr", g.opts.Addr)
	if err := g.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests and closes the sync hub.
func (g *Gateway) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, g.opts.ShutdownTimeout)
	defer cancel()

	err := g.httpServer.Shutdown(ctx)
	g.hub.Close()
	return err
}

func (g *Gateway) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"agents":         g.registry.Len(),
		"degraded_store": g.states.Degraded(),
	})
}

// recordTaskActivity forwards a finished task into the owning dashboard's
// activity feed and fans the change out. Applies race with live tabs, so a
// conflict just means re-reading the version and trying again.
func (g *Gateway) recordTaskActivity(task Task) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key := state.Key{WorkspaceID: task.WorkspaceID, UserID: task.UserID}
	entry, err := json.Marshal(map[string]string{
		"kind":      "task",
		"task_id":   task.ID,
		"task_type": task.Type,
		"status":    task.Status,
	})
	if err != nil {
		return
	}

	for range 3 {
		doc, err := g.states.Get(ctx, key)
		if err != nil {
			return
		}
		next, err := g.states.Apply(ctx, key, state.Delta{
			Path:        "activity",
			Value:       entry,
			BaseVersion: doc.Version,
		})
		var conflict *state.VersionConflictError
		if errors.As(err, &conflict) {
			continue
		}
		if err != nil {
			g.logger.Warn("failed to record task activity", "task_id", task.ID, "error", err)
			return
		}
		g.hub.Broadcast(key, synchub.Event{
			Type:    "delta",
			Path:    "activity",
			Value:   entry,
			Version: next.Version,
		})
		return
	}
}
