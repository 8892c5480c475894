// Package main is the entry point for the spawnd orchestration daemon.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/spawnd/spawnd/internal/api"
	"github.com/spawnd/spawnd/internal/breaker"
	"github.com/spawnd/spawnd/internal/common/config"
	"github.com/spawnd/spawnd/internal/common/logger"
	"github.com/spawnd/spawnd/internal/common/tracing"
	"github.com/spawnd/spawnd/internal/events"
	"github.com/spawnd/spawnd/internal/events/bus"
	"github.com/spawnd/spawnd/internal/executor"
	"github.com/spawnd/spawnd/internal/gitops"
	"github.com/spawnd/spawnd/internal/orchestrator"
	"github.com/spawnd/spawnd/internal/provider"
	"github.com/spawnd/spawnd/internal/repos"
	"github.com/spawnd/spawnd/internal/scheduler"
	"github.com/spawnd/spawnd/internal/session"
	"github.com/spawnd/spawnd/internal/tracker"
	"github.com/spawnd/spawnd/internal/verify"
	"github.com/spawnd/spawnd/internal/webhook"
	"github.com/spawnd/spawnd/internal/worktree"
)

// executorProber adapts an agent executor's health probe to the shape
// the health daemon stores.
type executorProber struct {
	exec executor.AgentExecutor
}

func (p executorProber) HealthCheck(ctx context.Context) provider.HealthStatus {
	hs := p.exec.HealthCheck(ctx)
	return provider.HealthStatus{Healthy: hs.Healthy, Latency: hs.Latency, Error: hs.Error}
}

func expandHome(path string) (string, error) {
	if len(path) < 2 || path[:2] != "~/" {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, path[2:]), nil
}

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting spawnd...")

	// 3. Tracing (no-op unless enabled)
	if cfg.Tracing.Enabled {
		tracing.Configure(cfg.Tracing.Endpoint)
	}

	// 4. Root context, cancelled on SIGINT/SIGTERM
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 5. Event bus: NATS when configured, in-memory otherwise
	var eventBus bus.Bus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryBus(log)
	}
	defer eventBus.Close()

	// 6. Issue tracker client
	trackerClient := tracker.NewClient(tracker.Config{
		APIKey:        cfg.Tracker.APIKey,
		Endpoint:      cfg.Tracker.Endpoint,
		RequestBudget: cfg.Tracker.RequestBudget,
		Timeout:       cfg.Tracker.Timeout(),
		MaxRetries:    cfg.Tracker.MaxRetries,
	}, log)

	// 7. Repository registry (static config + optional hot-reloaded file)
	registry, err := repos.NewRegistry(cfg.Repositories, cfg.ReposFile, log)
	if err != nil {
		log.Fatal("Failed to load repository registry", zap.Error(err))
	}
	defer registry.Close()
	if cfg.ReposFile != "" {
		if err := registry.Watch(ctx); err != nil {
			log.Warn("Repository file watch unavailable", zap.Error(err))
		}
	}
	repoRouter := repos.NewRouter(registry, trackerClient, log)

	// 8. Executor factory. The factory recorder stays nil: the provider
	// router records outcomes when it wraps executions in a breaker, and
	// a second recorder here would double-count failures.
	factory := executor.NewFactory(cfg.Agent, nil, log)

	// 9. Provider health daemon, probing through each provider's executor
	probers := make(map[string]provider.Prober, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		if !pc.Enabled {
			continue
		}
		exec, err := factory.Build(pc)
		if err != nil {
			log.Fatal("Failed to build provider executor",
				zap.String("provider", pc.Name), zap.Error(err))
		}
		probers[pc.Name] = executorProber{exec: exec}
	}
	health := provider.NewHealthDaemon(probers, cfg.Health.ProbeInterval(), cfg.Health.ProbeTimeout(), log)
	health.Start(ctx)
	defer health.Stop()

	// 10. Provider router with per-provider circuit breakers
	providerRouter := provider.NewRouter(cfg.Providers, breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		ResetTimeout:     cfg.Breaker.ResetTimeout(),
		HalfOpenMaxCalls: cfg.Breaker.HalfOpenMaxCalls,
	}, health, log)

	// 11. Worktree manager backed by sqlite records
	git := gitops.NewService(log)
	statePath, err := expandHome(cfg.Worktree.StatePath)
	if err != nil {
		log.Fatal("Failed to resolve worktree state path", zap.Error(err))
	}
	if err := os.MkdirAll(filepath.Dir(statePath), 0o755); err != nil {
		log.Fatal("Failed to create state directory", zap.Error(err))
	}
	db, err := sqlx.Open("sqlite3", statePath)
	if err != nil {
		log.Fatal("Failed to open worktree state database", zap.Error(err))
	}
	defer db.Close()
	worktreeStore, err := worktree.NewSQLiteStore(db)
	if err != nil {
		log.Fatal("Failed to initialize worktree store", zap.Error(err))
	}
	worktrees, err := worktree.NewManager(worktree.Config{
		BasePath:    cfg.Worktree.BasePath,
		MinFreeMB:   cfg.Worktree.MinFreeMB,
		OrphanHours: cfg.Worktree.OrphanHours,
	}, git, worktreeStore, log)
	if err != nil {
		log.Fatal("Failed to initialize worktree manager", zap.Error(err))
	}

	// 12. Session persistence
	sessions, err := session.NewFileStore(cfg.Sessions.BasePath, cfg.Sessions.RetentionDays, log)
	if err != nil {
		log.Fatal("Failed to initialize session store", zap.Error(err))
	}

	// 13. Orchestrator
	sched := scheduler.New(cfg.Scheduler.MaxConcurrency, log)
	orch := orchestrator.New(orchestrator.Options{
		Router:    repoRouter,
		Scheduler: sched,
		Worktrees: worktrees,
		Git:       git,
		Tracker:   trackerClient,
		Providers: providerRouter,
		Factory:   factory,
		Sessions:  sessions,
		Verifier:  verify.NewVerifier(git, nil, log),
		Bus:       eventBus,
		Logger:    log,
	})

	// 14. Startup reconcile: orphaned worktrees, dead sessions, archive sweep
	orch.Reconcile(ctx, cfg.Worktree.OrphanHours)

	// 15. Work intake: parsed webhooks arrive on the bus from the
	// external receiver that validates signatures
	if _, err := eventBus.Subscribe(events.SubjectWebhookReceived, func(ctx context.Context, event *bus.Event) error {
		raw, err := json.Marshal(event.Data)
		if err != nil {
			return err
		}
		var wh webhook.Webhook
		if err := json.Unmarshal(raw, &wh); err != nil {
			return err
		}
		disposition, err := orch.HandleWebhook(ctx, &wh)
		if err != nil {
			log.Warn("Webhook rejected", zap.Error(err))
			return nil
		}
		if disposition != "" {
			log.Info("Webhook accepted", zap.String("disposition", string(disposition)))
		}
		return nil
	}); err != nil {
		log.Fatal("Failed to subscribe to webhook subject", zap.Error(err))
	}

	// 16. Status API, with lifecycle events mirrored into its ring
	server := api.NewServer(cfg.Server, sched, providerRouter, worktrees, log)
	if _, err := eventBus.Subscribe("spawnd.>", func(_ context.Context, event *bus.Event) error {
		server.RecordEvent(event)
		return nil
	}); err != nil {
		log.Warn("Lifecycle event subscription failed", zap.Error(err))
	}
	if err := server.Start(); err != nil {
		log.Fatal("Failed to start status API", zap.Error(err))
	}

	log.Info("spawnd started",
		zap.Int("providers", len(probers)),
		zap.Int("repositories", len(registry.All())),
		zap.Int("max_concurrency", cfg.Scheduler.MaxConcurrency))

	// 17. Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("Shutting down", zap.String("signal", sig.String()))
	cancel()

	// 18. Graceful shutdown: stop intake, drain in-flight sessions
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("Status API shutdown error", zap.Error(err))
	}
	orch.Drain()
	if cfg.Tracing.Enabled {
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			log.Warn("Tracing shutdown error", zap.Error(err))
		}
	}

	log.Info("spawnd stopped")
}
