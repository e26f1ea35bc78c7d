// ABOUTME: Entry point for the meshgate server
// ABOUTME: Routes tasks across the agent mesh and syncs dashboard state

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/strandlabs/meshgate/internal/config"
	"github.com/strandlabs/meshgate/internal/gateway"
	"github.com/strandlabs/meshgate/internal/health"
	"github.com/strandlabs/meshgate/internal/mesh"
	"github.com/strandlabs/meshgate/internal/routing"
	"github.com/strandlabs/meshgate/internal/state"
	"github.com/strandlabs/meshgate/internal/store"
	"github.com/strandlabs/meshgate/internal/synchub"
	"github.com/strandlabs/meshgate/internal/usage"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                     _                 _
 _ __ ___   ___  ___| |__   __ _  __ _| |_ ___
| '_ ' _ \ / _ \/ __| '_ \ / _' |/ _' | __/ _ \
| | | | | |  __/\__ \ | | | (_| | (_| | ||  __/
|_| |_| |_|\___||___/_| |_|\__, |\__,_|\__\___|
                           |___/
`

// getConfigPath returns the path to the meshgate config file.
// Priority: MESHGATE_CONFIG env var > XDG_CONFIG_HOME/meshgate/meshgate.yaml > ~/.config/meshgate/meshgate.yaml
func getConfigPath() string {
	if envPath := os.Getenv("MESHGATE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "meshgate.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "meshgate", "meshgate.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: meshgate <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve    Start the mesh gateway server")
		fmt.Println("  health   Check gateway health")
		fmt.Println("  agents   List reachable agents")
		fmt.Println("  usage    Show per-provider usage counters")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "health":
		err = runHealth(ctx)
	case "agents":
		err = runAgents(ctx)
	case "usage":
		err = runUsage(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:     %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database: %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("Rules:    %s\n", cfg.Rules.Path)
	fmt.Println()

	logger.Info("starting meshgate",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
	)

	rules, err := routing.LoadRules(cfg.Rules.Path)
	if err != nil {
		return fmt.Errorf("loading routing rules: %w", err)
	}

	dbStore, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer dbStore.Close()

	var promReg *prometheus.Registry
	var gatherer prometheus.Gatherer
	if cfg.Metrics.Enabled {
		promReg = prometheus.NewRegistry()
		promReg.MustRegister(collectors.NewGoCollector())
		promReg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		gatherer = promReg
	}
	var registerer prometheus.Registerer
	if promReg != nil {
		registerer = promReg
	}

	registry := mesh.NewRegistry(logger)

	monitor := health.NewMonitor(registry, registry, health.NewHTTPProber(nil), health.Options{
		Interval:             cfg.Health.Interval,
		ProbeTimeout:         cfg.Health.ProbeTimeout,
		MaxFanout:            cfg.Health.MaxFanout,
		DegradedThreshold:    cfg.Health.DegradedThreshold,
		UnreachableThreshold: cfg.Health.UnreachableThreshold,
		EvictThreshold:       cfg.Health.EvictThreshold,
	}, logger, registerer)

	tracker := usage.NewTracker(dbStore, usageLimits(cfg.Usage), logger)

	invoker := routing.NewHTTPInvoker(registry, nil, routing.BreakerConfig{}, logger)
	router := routing.NewRouter(rules, monitor, registry, tracker, invoker,
		cfg.Routing.MaxAttempts, logger, nil, registerer)

	states := state.NewManager(dbStore, state.Options{
		TTL:      cfg.State.TTL,
		MaxBytes: cfg.State.MaxBytes,
		Strategy: cfg.State.Reconciler,
	}, logger, registerer)

	hub := synchub.NewHub(states, synchub.Options{
		BufferSize:     cfg.Sync.BufferSize,
		DebounceWindow: cfg.Sync.DebounceWindow,
	}, logger, registerer)

	var resolver gateway.Resolver = gateway.HeaderResolver{}
	if cfg.Auth.Mode == "jwt" {
		resolver = gateway.JWTResolver{Secret: []byte(cfg.Auth.JWTSecret)}
	}
	var usageAuth gateway.Resolver
	if cfg.Usage.Auth == "bearer" {
		usageAuth = gateway.JWTResolver{Secret: []byte(cfg.Usage.JWTSecret)}
	}

	gw := gateway.New(registry, monitor, router, states, hub, tracker,
		resolver, usageAuth,
		gateway.Options{Addr: cfg.Server.HTTPAddr},
		logger, gatherer)

	// Background loops stop with ctx; the HTTP server drains on shutdown.
	go monitor.Run(ctx)
	purgeInterval := cfg.State.PurgeInterval
	if purgeInterval <= 0 {
		purgeInterval = 5 * time.Minute
	}
	go states.RunPurge(ctx, purgeInterval)

	errCh := make(chan error, 1)
	go func() {
		errCh <- gw.Start()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := gw.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return <-errCh
	case err := <-errCh:
		return err
	}
}

func usageLimits(cfg config.UsageConfig) map[string]usage.Limits {
	limits := make(map[string]usage.Limits, len(cfg.Limits))
	for provider, l := range cfg.Limits {
		limits[provider] = usage.Limits{
			DailyCalls:   l.DailyCalls,
			MonthlyCalls: l.MonthlyCalls,
			DailyTokens:  l.DailyTokens,
			AlertAt:      l.AlertAt,
		}
	}
	return limits
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

func gatewayGet(ctx context.Context, cfg *config.Config, path string) ([]byte, error) {
	addr := cfg.Server.HTTPAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	url := fmt.Sprintf("http://%s%s", addr, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	body, err := gatewayGet(ctx, cfg, "/healthz")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	var status struct {
		Status        string `json:"status"`
		Agents        int    `json:"agents"`
		DegradedStore bool   `json:"degraded_store"`
	}
	if err := json.Unmarshal(body, &status); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}

	fmt.Printf("healthy (%d agents registered)\n", status.Agents)
	if status.DegradedStore {
		color.Yellow("warning: durable store unavailable, running in-memory only")
	}
	return nil
}

func runAgents(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	body, err := gatewayGet(ctx, cfg, "/agents")
	if err != nil {
		return fmt.Errorf("listing agents failed: %w", err)
	}

	var aggregate gateway.AggregateCard
	if err := json.Unmarshal(body, &aggregate); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}

	if len(aggregate.Agents) == 0 {
		fmt.Println("no reachable agents")
		return nil
	}
	for _, a := range aggregate.Agents {
		skills := make([]string, 0, len(a.Skills))
		for _, s := range a.Skills {
			skills = append(skills, s.ID)
		}
		fmt.Printf("%-24s %-12s %s\n", a.Name, a.Version, strings.Join(skills, ", "))
	}
	return nil
}

func runUsage(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	body, err := gatewayGet(ctx, cfg, "/usage")
	if err != nil {
		return fmt.Errorf("fetching usage failed: %w", err)
	}

	var resp gateway.UsageResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}

	if len(resp.Providers) == 0 {
		fmt.Println("no usage recorded")
		return nil
	}
	fmt.Printf("%-24s %12s %14s %14s %10s\n", "PROVIDER", "CALLS TODAY", "CALLS MONTH", "TOKENS TODAY", "QUOTA")
	for _, p := range resp.Providers {
		fmt.Printf("%-24s %12d %14d %14d %9.0f%%\n",
			p.Provider, p.CallsToday, p.CallsThisMonth, p.TokensToday, p.QuotaUsed*100)
	}
	for _, a := range resp.Alerts {
		color.Yellow("alert: %s %s at %.0f%% (%s)", a.Provider, a.Kind, a.Ratio*100, a.At.Format(time.RFC3339))
	}
	return nil
}
