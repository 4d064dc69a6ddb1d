// Command agentd runs the LLM agent server: it loads the YAML config, builds
// the transport chain (primary backend plus circuit-broken fallbacks), creates
// the configured agents, imports MCP tools, and serves the WebSocket gateway
// together with health and metrics endpoints.
//
// Usage:
//
//	agentd -config config.yaml
//
// The config file is watched for changes; agent persona edits, additions and
// removals, and log level changes are applied without a restart.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/SDCalvo/godot-llm-agent-framework-sub000/internal/agent"
	"github.com/SDCalvo/godot-llm-agent-framework-sub000/internal/config"
	"github.com/SDCalvo/godot-llm-agent-framework-sub000/internal/gateway"
	"github.com/SDCalvo/godot-llm-agent-framework-sub000/internal/health"
	"github.com/SDCalvo/godot-llm-agent-framework-sub000/internal/inbox"
	"github.com/SDCalvo/godot-llm-agent-framework-sub000/internal/observe"
	"github.com/SDCalvo/godot-llm-agent-framework-sub000/internal/resilience"
	"github.com/SDCalvo/godot-llm-agent-framework-sub000/internal/tools"
	"github.com/SDCalvo/godot-llm-agent-framework-sub000/pkg/transport"
	"github.com/SDCalvo/godot-llm-agent-framework-sub000/pkg/transport/anyllm"
	"github.com/SDCalvo/godot-llm-agent-framework-sub000/pkg/transport/openai"
)

const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// The watcher doubles as the initial loader; onChange is attached below
	// once the pieces it reconfigures exist.
	var onChange func(old, new *config.Config)
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		if onChange != nil {
			onChange(old, new)
		}
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "config file %q not found — create one or pass -config\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
		}
		return 1
	}
	defer watcher.Stop()
	cfg := watcher.Current()

	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────

	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "agentd",
	})
	if err != nil {
		logger.Error("telemetry init failed", "error", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Transport chain ───────────────────────────────────────────────────

	primary, err := buildTransport(cfg.Transport.Primary)
	if err != nil {
		logger.Error("primary backend", "name", cfg.Transport.Primary.Name, "error", err)
		return 1
	}
	tr := resilience.NewTransportFallback(primary, cfg.Transport.Primary.Name, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  cfg.Transport.Breaker.MaxFailures,
			ResetTimeout: cfg.Transport.Breaker.ResetTimeout,
			HalfOpenMax:  cfg.Transport.Breaker.HalfOpenMax,
		},
		Metrics: metrics,
	})
	for _, entry := range cfg.Transport.Fallbacks {
		fb, err := buildTransport(entry)
		if err != nil {
			logger.Error("fallback backend", "name", entry.Name, "error", err)
			return 1
		}
		tr.AddFallback(entry.Name, fb)
	}

	// ── Inbox store ───────────────────────────────────────────────────────

	var store inbox.Store
	var pool *pgxpool.Pool
	switch cfg.Inbox.Backend {
	case config.InboxPostgres:
		pool, err = pgxpool.New(ctx, cfg.Inbox.PostgresDSN)
		if err != nil {
			logger.Error("inbox: connect postgres", "error", err)
			return 1
		}
		defer pool.Close()
		pg := inbox.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			logger.Error("inbox: migrate", "error", err)
			return 1
		}
		store = pg
	default:
		store = inbox.NewMemStore()
	}

	// ── Agents ────────────────────────────────────────────────────────────

	mgr := agent.NewManager(tr, store, agent.WithLogger(logger), agent.WithMetrics(metrics))
	for _, ac := range cfg.Agents {
		if _, err := mgr.Add(personaFromConfig(ac, cfg.Defaults)); err != nil {
			logger.Error("agent setup", "agent", ac.ID, "error", err)
			return 1
		}
	}

	// ── MCP tools ─────────────────────────────────────────────────────────

	// MCP servers are connected once, against a shared catalogue; the
	// imported tools are then registered on every agent so all agents see
	// the same external capabilities without one child process per agent.
	mcpCatalogue := tools.NewRegistry()
	mcpHost := tools.NewMCPHost(mcpCatalogue)
	defer func() {
		if err := mcpHost.Close(); err != nil {
			logger.Warn("mcp shutdown", "error", err)
		}
	}()
	for _, sc := range cfg.MCP.Servers {
		if err := mcpHost.Connect(ctx, tools.MCPServerConfig{
			Name:      sc.Name,
			Transport: sc.Transport,
			Command:   sc.Command,
			Env:       sc.Env,
			URL:       sc.URL,
		}); err != nil {
			logger.Error("mcp: connect", "server", sc.Name, "error", err)
			return 1
		}
		logger.Info("mcp server connected", "server", sc.Name, "transport", sc.Transport)
	}
	if err := shareTools(mcpCatalogue, mgr); err != nil {
		logger.Error("mcp: register tools", "error", err)
		return 1
	}

	// ── Hot reload ────────────────────────────────────────────────────────

	onChange = func(old, new *config.Config) {
		diff := config.Diff(old, new)
		if diff.LogLevelChanged {
			level.Set(slogLevel(diff.NewLogLevel))
			logger.Info("log level changed", "level", diff.NewLogLevel)
		}
		if !diff.AgentsChanged {
			return
		}
		for _, ad := range diff.AgentChanges {
			switch {
			case ad.Removed:
				if err := mgr.Remove(ad.ID); err != nil {
					logger.Warn("reload: remove agent", "agent", ad.ID, "error", err)
				}
			case ad.Added, ad.PersonaChanged, ad.LimitsChanged:
				if !ad.Added {
					// A changed agent is rebuilt from scratch; its
					// history does not survive a persona edit.
					if err := mgr.Remove(ad.ID); err != nil {
						logger.Warn("reload: remove agent", "agent", ad.ID, "error", err)
						continue
					}
				}
				ac, ok := findAgentConfig(new, ad.ID)
				if !ok {
					continue
				}
				a, err := mgr.Add(personaFromConfig(ac, new.Defaults))
				if err != nil {
					logger.Warn("reload: add agent", "agent", ad.ID, "error", err)
					continue
				}
				if err := copyTools(mcpCatalogue, a.Registry()); err != nil {
					logger.Warn("reload: mcp tools", "agent", ad.ID, "error", err)
				}
			}
		}
		logger.Info("config reloaded", "agents", len(mgr.IDs()))
	}

	// ── HTTP server ───────────────────────────────────────────────────────

	gw := gateway.New(mgr, gateway.WithLogger(logger))

	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	mux.Handle("/metrics", promhttp.Handler())
	health.New(healthCheckers(cfg, pool)...).Register(mux)

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	printStartupSummary(cfg)
	logger.Info("listening", "addr", cfg.Server.ListenAddr, "agents", len(cfg.Agents))

	errCh := make(chan error, 1)
	go func() {
		if tls := cfg.Server.TLS; tls != nil {
			errCh <- srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server", "error", err)
			return 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown", "error", err)
	}

	logger.Info("goodbye")
	return 0
}

// ── Wiring helpers ────────────────────────────────────────────────────────────

// buildTransport constructs the transport for one configured backend entry.
func buildTransport(entry config.BackendEntry) (transport.Transport, error) {
	switch entry.Backend {
	case config.BackendOpenAI:
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	case config.BackendAnyLLM:
		var opts []anyllmlib.Option
		if entry.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
		}
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New(entry.Provider, entry.Model, opts...)
	default:
		return nil, fmt.Errorf("unknown backend %q", entry.Backend)
	}
}

// personaFromConfig builds an agent persona, filling unset limits from the
// server-wide defaults.
func personaFromConfig(ac config.AgentConfig, def config.DefaultsConfig) agent.Persona {
	p := agent.Persona{
		ID:           ac.ID,
		Name:         ac.Name,
		SystemPrompt: ac.SystemPrompt,
		Model:        ac.Model,
		Temperature:  ac.Temperature,
		MaxSteps:     ac.MaxSteps,
		MaxHistory:   ac.MaxHistory,
	}
	if p.Temperature == nil {
		p.Temperature = def.Temperature
	}
	if p.MaxSteps == 0 {
		p.MaxSteps = def.MaxSteps
	}
	if p.MaxHistory == 0 {
		p.MaxHistory = def.MaxHistory
	}
	return p
}

func findAgentConfig(cfg *config.Config, id string) (config.AgentConfig, bool) {
	for _, ac := range cfg.Agents {
		if ac.ID == id {
			return ac, true
		}
	}
	return config.AgentConfig{}, false
}

// shareTools registers every tool in the catalogue on every managed agent.
func shareTools(catalogue *tools.Registry, mgr *agent.Manager) error {
	for _, id := range mgr.IDs() {
		a, ok := mgr.Get(id)
		if !ok {
			continue
		}
		if err := copyTools(catalogue, a.Registry()); err != nil {
			return fmt.Errorf("agent %q: %w", id, err)
		}
	}
	return nil
}

func copyTools(catalogue *tools.Registry, dst *tools.Registry) error {
	for _, def := range catalogue.Definitions() {
		handler, ok := catalogue.Find(def.Name)
		if !ok {
			continue
		}
		if err := dst.Register(def, handler); err != nil {
			return err
		}
	}
	return nil
}

func healthCheckers(cfg *config.Config, pool *pgxpool.Pool) []health.Checker {
	checkers := []health.Checker{
		{
			Name: "transport",
			Check: func(context.Context) error {
				if cfg.Transport.Primary.Model == "" {
					return errors.New("no primary backend configured")
				}
				return nil
			},
		},
	}
	if pool != nil {
		checkers = append(checkers, health.Checker{
			Name:  "inbox",
			Check: pool.Ping,
		})
	}
	return checkers
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          agentd — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printBackend("Primary", cfg.Transport.Primary)
	for i, fb := range cfg.Transport.Fallbacks {
		printBackend(fmt.Sprintf("Fallback %d", i+1), fb)
	}
	fmt.Printf("║  %-15s : %-19s ║\n", "Inbox", string(cfg.Inbox.Backend))
	fmt.Printf("║  %-15s : %-19d ║\n", "Agents", len(cfg.Agents))
	fmt.Printf("║  %-15s : %-19d ║\n", "MCP servers", len(cfg.MCP.Servers))
	fmt.Printf("║  %-15s : %-19s ║\n", "Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printBackend(kind string, entry config.BackendEntry) {
	value := fmt.Sprintf("%s / %s", entry.Backend, entry.Model)
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-15s : %-19s ║\n", kind, value)
}

// ── Logger ────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
