// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/common/expfmt"

	"taskflow-orchestrator/internal/broker"
	"taskflow-orchestrator/internal/executor"
	"taskflow-orchestrator/internal/httpapi"
	"taskflow-orchestrator/internal/model"
	"taskflow-orchestrator/internal/monitor"
	"taskflow-orchestrator/internal/orchestrator"
	"taskflow-orchestrator/internal/planner"
	"taskflow-orchestrator/internal/provider"
	"taskflow-orchestrator/internal/reflection"
	"taskflow-orchestrator/internal/store"
	"taskflow-orchestrator/internal/store/memory"
	"taskflow-orchestrator/internal/store/postgres"
	"taskflow-orchestrator/internal/templates"
	pkgconfig "taskflow-orchestrator/pkg/config"
	pkglog "taskflow-orchestrator/pkg/log"
	"taskflow-orchestrator/pkg/metrics"
)

func main() {
	configPath := os.Getenv("TASKFLOW_CONFIG")
	cfg, err := pkgconfig.Load(configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := pkglog.NewLogger(&pkglog.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}

	ctx := context.Background()

	repo, closeStore, err := buildStore(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to initialize store: %v", err)
	}
	defer closeStore()

	if err := seedDefaultTemplate(ctx, repo); err != nil {
		log.Fatalf("failed to seed default workflow template: %v", err)
	}

	llmProvider, err := provider.Build(cfg.LLM.Provider, cfg.LLM.APIKey, cfg.LLM.BaseURL)
	if err != nil {
		log.Fatalf("failed to build LLM provider: %v", err)
	}
	if cfg.LLM.RateLimitRPS > 0 {
		llmProvider = provider.NewRateLimited(llmProvider, cfg.LLM.RateLimitRPS, 1)
		logger.Info("LLM rate limiting enabled", "rps", cfg.LLM.RateLimitRPS)
	}

	router := model.NewRouter(cfg.LLM.CheapModel, cfg.LLM.DefaultModel, cfg.LLM.ExpensiveModel)
	costEstimator := &model.CostEstimator{
		Cheap:     model.Rates{PromptPer1k: cfg.LLM.CheapPromptPer1K, CompletionPer1k: cfg.LLM.CheapCompletionPer1K},
		Default:   model.Rates{PromptPer1k: cfg.LLM.DefaultPromptPer1K, CompletionPer1k: cfg.LLM.DefaultCompletionPer1K},
		Expensive: model.Rates{PromptPer1k: cfg.LLM.ExpensivePromptPer1K, CompletionPer1k: cfg.LLM.ExpensiveCompletionPer1K},
	}

	brk := broker.New()
	emit := orchestrator.NewEmitEventFunc(repo, brk)

	plannerSvc := &planner.Service{
		Repo: repo, Provider: llmProvider, Router: router, CostEstimator: costEstimator,
		CostLedgerApp: cfg.Orchestrator.CostLedgerApp, EmitEvent: emit,
	}
	executorSvc := &executor.Service{
		Repo: repo, Provider: llmProvider, Router: router, CostEstimator: costEstimator,
		CostLedgerApp: cfg.Orchestrator.CostLedgerApp, EmitEvent: emit,
	}
	monitorSvc := &monitor.Service{Repo: repo}
	reflectionSvc := &reflection.Service{Repo: repo, EmitEvent: emit}

	defaults := store.Constraints{
		BudgetUSD:               cfg.Orchestrator.DefaultBudgetUSD,
		TimeoutS:                cfg.Orchestrator.DefaultTimeoutS,
		MaxSteps:                cfg.Orchestrator.DefaultMaxSteps,
		ReflectionIntervalSteps: cfg.Orchestrator.DefaultReflectionIntervalSteps,
	}
	orch := orchestrator.New(repo, brk, plannerSvc, executorSvc, monitorSvc, reflectionSvc, logger, defaults)

	if err := orch.ResumeIncompleteRuns(ctx); err != nil {
		logger.Error("failed to resume incomplete runs", "error", err)
	}

	server := &httpapi.Server{
		Repo:         repo,
		Broker:       brk,
		Orchestrator: orch,
		Logger:       logger,
		Defaults: httpapi.Defaults{
			BudgetUSD: defaults.BudgetUSD, TimeoutS: defaults.TimeoutS,
			MaxSteps: defaults.MaxSteps, ReflectionIntervalSteps: defaults.ReflectionIntervalSteps,
		},
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{Addr: addr, Handler: server.Mux()}

	go func() {
		logger.Info("orchestrator HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", "error", err)
		}
	}()

	if cfg.Metrics.Enabled && cfg.Metrics.Addr != "" {
		startMetricsServer(logger, cfg.Metrics.Addr)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	orch.Shutdown(shutdownCtx)
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", "error", err)
	}
	logger.Info("orchestrator stopped")
}

func buildStore(ctx context.Context, cfg *pkgconfig.Config) (store.Repository, func(), error) {
	switch cfg.Store.Driver {
	case "", "memory":
		return memory.New(), func() {}, nil
	case "postgres":
		if cfg.Store.DSN == "" {
			return nil, nil, fmt.Errorf("store.dsn must be set when store.driver=postgres")
		}
		pgStore, err := postgres.New(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		if err := pgStore.EnsureSchema(ctx); err != nil {
			pgStore.Close()
			return nil, nil, fmt.Errorf("applying schema: %w", err)
		}
		return pgStore, pgStore.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// seedDefaultTemplate installs the baseline three-node template on first
// boot, so a fresh deployment can plan a run without any template CRUD.
func seedDefaultTemplate(ctx context.Context, repo store.Repository) error {
	existing, err := repo.ListTemplates(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	return repo.CreateTemplate(ctx, templates.DefaultTemplate())
}

func startMetricsServer(logger *pkglog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		var buf bytes.Buffer
		if err := metrics.WritePrometheus(&buf); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", string(expfmt.FmtText))
		_, _ = w.Write(buf.Bytes())
	})
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	logger.Info("Prometheus /metrics enabled", "addr", addr)
}
