// Harrier - Fraud alert triage for card transactions.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/opensource-finance/harrier/internal/api"
	"github.com/opensource-finance/harrier/internal/batch"
	"github.com/opensource-finance/harrier/internal/bus"
	"github.com/opensource-finance/harrier/internal/cache"
	"github.com/opensource-finance/harrier/internal/config"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/logging"
	"github.com/opensource-finance/harrier/internal/profile"
	"github.com/opensource-finance/harrier/internal/repository"
	"github.com/opensource-finance/harrier/internal/rules"
	"github.com/opensource-finance/harrier/internal/worker"
	"github.com/opensource-finance/harrier/internal/workflow"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace/noop"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg, err := config.Resolve(os.Getenv("HARRIER_CONFIG"), os.Getenv)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.SetDefault(logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format))

	slog.Info("starting harrier",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"auth", cfg.Auth.Enabled,
	)

	if !cfg.Tracing.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	engine, err := rules.NewDefaultEngine()
	if err != nil {
		slog.Error("failed to initialize rule engine", "error", err)
		os.Exit(1)
	}
	slog.Info("rule engine initialized", "rules_count", engine.RulesCount())

	processor := batch.NewProcessor(engine, repo, repo).WithBus(busImpl)
	triage := workflow.NewService(repo, busImpl)

	profiles := profile.NewService(repo, cacheImpl, cfg.Cache.ProfileTTL)
	if _, err := profiles.Watch(ctx, busImpl); err != nil {
		slog.Warn("profile cache will not follow alert updates", "error", err)
	}

	var batchWorker *worker.Worker
	if cfg.Worker.Enabled {
		batchWorker = worker.NewWorker(busImpl, repo, processor)
		if err := batchWorker.Start(); err != nil {
			slog.Error("failed to start batch worker", "error", err)
			batchWorker = nil
		}
	}

	srv := api.NewServer(cfg.Server, cfg.Auth, api.Services{
		Repo:      repo,
		Cache:     cacheImpl,
		Bus:       busImpl,
		Engine:    engine,
		Processor: processor,
		Workflow:  triage,
		Profiles:  profiles,
	}, Version)

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("harrier is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	<-ctx.Done()
	slog.Info("shutting down...")

	if batchWorker != nil {
		if err := batchWorker.Stop(); err != nil {
			slog.Error("failed to stop batch worker", "error", err)
		}
		stats := batchWorker.GetStats()
		slog.Info("batch worker stopped",
			"batches_processed", stats.BatchesProcessed,
			"batches_failed", stats.BatchesFailed,
		)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("harrier shutdown complete")
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  HARRIER")
	fmt.Println("  Fraud alert triage")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("  Worker:   %t\n", cfg.Worker.Enabled)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /transactions               - Store and score a batch")
	fmt.Println("    POST /transactions/import        - Import a CSV file")
	fmt.Println("    POST /batches                    - Queue a batch for the worker")
	fmt.Println("    GET  /transactions/{id}          - Get transaction by ID")
	fmt.Println("    GET  /rules                      - List detection rules")
	fmt.Println("    GET  /alerts                     - Alert queue in priority order")
	fmt.Println("    GET  /alerts/summary             - Queue counters")
	fmt.Println("    GET  /alerts/{id}                - Alert detail")
	fmt.Println("    GET  /alerts/{id}/audit          - Alert audit log")
	fmt.Println("    POST /alerts/{id}/actions        - Apply an analyst action")
	fmt.Println("    POST /alerts/bulk                - Apply an action to many alerts")
	fmt.Println("    GET  /customers/{id}/profile     - Customer risk profile")
	fmt.Println("    GET  /health                     - Health check")
	fmt.Println()
}
