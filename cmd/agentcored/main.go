// Command agentcored runs the agent execution core as a local daemon: it
// loads the TOML configuration, opens the per-instance SQLite database and
// snapshot directory, wires the model provider behind the adaptive rate
// limiter, and serves the WebSocket and HTTP transports.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	loggl "go.opentelemetry.io/otel/log/global"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"agentcore/features/config"
	"agentcore/features/model/anthropic"
	"agentcore/features/model/middleware"
	"agentcore/features/model/openai"
	sqlitestore "agentcore/features/store/sqlite"
	filetools "agentcore/features/tools/file"
	"agentcore/features/transport/httpapi"
	"agentcore/features/transport/ws"
	"agentcore/runtime/agent/backtrack"
	"agentcore/runtime/agent/chat"
	"agentcore/runtime/agent/engine/inmem"
	"agentcore/runtime/agent/events"
	"agentcore/runtime/agent/executor"
	"agentcore/runtime/agent/hitl"
	"agentcore/runtime/agent/intent"
	"agentcore/runtime/agent/manager"
	"agentcore/runtime/agent/model"
	"agentcore/runtime/agent/snapshot"
	"agentcore/runtime/agent/telemetry"
	"agentcore/runtime/agent/terminator"
	"agentcore/runtime/agent/tools"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "agentcored:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", defaultConfigPath(), "path to agentcore.toml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log, shutdownTelemetry, err := setupTelemetry(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer shutdownTelemetry()

	store, err := sqlitestore.New(cfg.Storage.DBPath, sqlitestore.WithLogger(log))
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Init(ctx); err != nil {
		return err
	}

	snapshots, err := snapshot.NewStore(cfg.Storage.SnapshotDir)
	if err != nil {
		return err
	}
	snapshots.MinFreeBytes = cfg.Storage.MinFreeBytes
	if err := snapshots.Reload(ctx); err != nil {
		log.Warn(ctx, "snapshot reload failed", "error", err.Error())
	}
	go expireSnapshots(ctx, snapshots)

	client, err := buildModelClient(cfg.Model)
	if err != nil {
		return err
	}

	registry := tools.NewRegistry()
	if err := filetools.Register(registry); err != nil {
		return err
	}

	broadcaster := events.NewBroadcaster()
	gate := hitl.NewGate()
	mgr := manager.New(gate, broadcaster, snapshots)

	confirmer := &executor.GateConfirmer{Gate: gate, Broadcaster: broadcaster, Conversations: mgr}
	toolExec := tools.NewExecutor(registry, snapshots, snapshots, confirmer, nil)

	intentClient := client
	if cfg.Intent.APIKey != "" {
		if c, err := anthropic.NewFromAPIKey(cfg.Intent.APIKey, cfg.Intent.Model); err == nil {
			intentClient = c
		}
	}

	exec := &executor.Executor{
		Model:       client,
		ModelName:   cfg.Model.Model,
		Tools:       toolExec,
		Registry:    registry,
		Broadcaster: broadcaster,
		Terminator: terminator.New(terminator.Caps{
			MaxTurns:                cfg.Limits.MaxTurns,
			MaxSessionDuration:      cfg.Limits.MaxSessionDuration(),
			IdleTimeout:             cfg.Limits.IdleTimeout(),
			ConsecutiveFailureLimit: cfg.Limits.ConsecutiveFailures,
			LongRunThreshold:        cfg.Limits.LongRunThreshold,
			CostWarnUSD:             cfg.Limits.CostWarnUSD,
			CostConfirmUSD:          cfg.Limits.CostConfirmUSD,
			CostUrgentUSD:           cfg.Limits.CostUrgentUSD,
		}),
		Backtracker: backtrack.NewManager(nil),
		Gate:        gate,
		Pricing:     pricingTable(cfg.Pricing),
		Injectors:   executor.DefaultInjectors("", registry, nil, nil),
		Rollbacks:   mgr,
		Log:         log,
		MaxTokens:   cfg.Model.MaxTokens,
		Temperature: cfg.Model.Temperature,
	}

	svc := &chat.Service{
		Manager:       mgr,
		Executor:      exec,
		Intent:        intent.New(intentClient, cfg.Intent.Model, nil, nil),
		Broadcaster:   broadcaster,
		Conversations: store,
		Events:        store,
		Sessions:      store,
		Engine:        inmem.New(),
		Log:           log,
	}

	mux := http.NewServeMux()
	(&httpapi.Handler{Chat: svc, Log: log}).Mount(mux)
	mux.Handle("/ws", ws.NewServer(svc, log))

	srv := &http.Server{Addr: cfg.Server.Listen, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		log.Info(ctx, "listening", "addr", cfg.Server.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func buildModelClient(cfg config.ModelConfig) (model.Client, error) {
	var client model.Client
	var err error
	switch cfg.Provider {
	case "anthropic", "":
		client, err = anthropic.NewFromAPIKey(cfg.APIKey, cfg.Model)
	case "openai":
		client, err = openai.NewFromAPIKey(cfg.APIKey, cfg.Model)
	default:
		return nil, fmt.Errorf("unknown model provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	if cfg.RateTPM > 0 {
		limiter := middleware.NewAdaptiveRateLimiter(cfg.RateTPM, cfg.RateTPM*4)
		client = limiter.Middleware()(client)
	}
	return client, nil
}

func pricingTable(raw map[string]config.ModelPricing) executor.PricingTable {
	table := make(executor.PricingTable, len(raw))
	for name, p := range raw {
		table[name] = executor.ModelPricing{
			InputPerMTok:      p.InputPerMTok,
			OutputPerMTok:     p.OutputPerMTok,
			CacheReadPerMTok:  p.CacheReadPerMTok,
			CacheWritePerMTok: p.CacheWritePerMTok,
		}
	}
	return table
}

// setupTelemetry configures the global otel log provider when an OTLP
// endpoint is configured; otherwise logging is a no-op.
func setupTelemetry(ctx context.Context, cfg config.TelemetryConfig) (telemetry.Logger, func(), error) {
	if cfg.OTLPEndpoint == "" {
		return telemetry.NoopLogger{}, func() {}, nil
	}
	exporter, err := otlploghttp.New(ctx, otlploghttp.WithEndpoint(cfg.OTLPEndpoint), otlploghttp.WithInsecure())
	if err != nil {
		return nil, nil, fmt.Errorf("otlp log exporter: %w", err)
	}
	provider := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)),
	)
	loggl.SetLoggerProvider(provider)
	shutdown := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	}
	return telemetry.NewOTELLogger(cfg.ServiceName), shutdown, nil
}

// expireSnapshots purges expired snapshots hourly (spec §4.2 expire_old).
func expireSnapshots(ctx context.Context, store *snapshot.Store) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = store.ExpireOld(ctx)
		}
	}
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "agentcore.toml"
	}
	return home + "/.agentcore/agentcore.toml"
}
