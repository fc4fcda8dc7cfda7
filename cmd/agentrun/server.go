package main

import (
	"context"
	"fmt"
	"time"

	"github.com/BaSui01/agentrun/agent"
	"github.com/BaSui01/agentrun/api/handlers"
	"github.com/BaSui01/agentrun/capability"
	"github.com/BaSui01/agentrun/config"
	"github.com/BaSui01/agentrun/internal/metrics"
	"github.com/BaSui01/agentrun/internal/pool"
	"github.com/BaSui01/agentrun/internal/server"
	"github.com/BaSui01/agentrun/internal/telemetry"
	"github.com/BaSui01/agentrun/llm"
	"github.com/BaSui01/agentrun/permission"
	"github.com/BaSui01/agentrun/registry"
	"github.com/BaSui01/agentrun/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// run wires the whole runtime and serves until a shutdown signal.
func run(cfg *config.Config) error {
	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	providers, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = providers.Shutdown(ctx)
	}()

	promRegistry := prometheus.NewRegistry()
	collector := metrics.NewCollector("agentrun", promRegistry)

	// capabilities and catalog
	binder := capability.DefaultBinder(logger)
	reg, err := registry.Load(cfg.Registry.Path, binder, logger)
	if err != nil {
		return fmt.Errorf("registry: %w", err)
	}

	// workflow store, optionally fronted by Redis retrieval caching
	var cache *store.RetrievalCache
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		cache = store.NewRetrievalCache(client, cfg.Redis.TTL.Std(), logger)
		logger.Info("retrieval cache enabled", zap.String("addr", cfg.Redis.Addr))
	}
	st, err := store.Open(cfg.Store.Root, cache, logger)
	if err != nil {
		return fmt.Errorf("workflow store: %w", err)
	}

	// permission manager with optional audit trail
	var audit *permission.AuditLog
	if cfg.Audit.Path != "" {
		audit, err = permission.OpenAuditLog(cfg.Audit.Path, logger)
		if err != nil {
			return fmt.Errorf("audit log: %w", err)
		}
	}
	perms := permission.NewManager(permission.Config{
		DefaultTTL:    cfg.Permission.DefaultTTL.Std(),
		HardCap:       cfg.Permission.HardCap.Std(),
		SweepInterval: cfg.Permission.SweepInterval.Std(),
	}, audit, logger)
	perms.Start()
	defer perms.Stop()

	// LLM provider behind retry and rate limiting
	var provider llm.Provider = llm.NewOpenAIProvider(cfg.LLM.APIKey, cfg.LLM.BaseURL, cfg.LLM.Timeout.Std(), logger)
	provider = llm.NewResilientProvider(provider, cfg.LLM.MaxRetries, cfg.LLM.RatePerMin, logger)

	// stages
	designer := agent.NewDesigner(agent.DesignerConfig{
		Provider:     provider,
		Registry:     reg,
		Store:        st,
		Model:        cfg.LLM.Model,
		SimilarLimit: cfg.Store.SimilarityLimit,
		TokenBudget:  cfg.Registry.CatalogTokenBudget,
	}, logger)
	workers := pool.New(cfg.Pool.MaxWorkers)
	defer workers.Close()
	executor := agent.NewExecutor(reg, binder, perms, workers, collector, logger)
	optimizer := agent.NewOptimizer(st, reg, provider, cfg.LLM.Model, logger)

	runtime := agent.NewRuntime(agent.RuntimeConfig{
		Designer:        designer,
		Executor:        executor,
		Optimizer:       optimizer,
		Permissions:     perms,
		Store:           st,
		Registry:        reg,
		Metrics:         collector,
		SessionDeadline: cfg.Session.Deadline.Std(),
		HistoryLimit:    cfg.Session.HistoryLimit,
	}, logger)

	mux := handlers.NewRouter(handlers.RouterDeps{
		Runtime:     runtime,
		Permissions: perms,
		Store:       st,
		Registry:    promRegistry,
	}, logger)

	srv := server.NewManager(mux, cfg.Server, logger)
	if err := srv.Start(); err != nil {
		return err
	}
	logger.Info("agentrun ready",
		zap.String("addr", srv.Addr()),
		zap.Int("nodes", reg.Len()),
		zap.Int("templates", st.Statistics().TotalTemplates),
	)

	srv.WaitForShutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
