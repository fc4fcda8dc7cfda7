// Package agentrun provides a convenience entry point for embedding the
// orchestrator: a registry of built-in capabilities, a file-backed workflow
// store, a permission manager, and the four-stage session runtime wired
// together from one config value.
//
// Usage:
//
//	import "github.com/BaSui01/agentrun"
//
//	rt, cleanup, err := agentrun.New(cfg, provider, logger)
//	defer cleanup()
//	// hand connections to rt.ServeConn, or mount handlers.NewRouter
//
// Servers that need metrics, Redis caching or the audit trail should wire
// the pieces directly the way cmd/agentrun does.
package agentrun

import (
	"github.com/BaSui01/agentrun/agent"
	"github.com/BaSui01/agentrun/capability"
	"github.com/BaSui01/agentrun/config"
	"github.com/BaSui01/agentrun/internal/pool"
	"github.com/BaSui01/agentrun/llm"
	"github.com/BaSui01/agentrun/permission"
	"github.com/BaSui01/agentrun/registry"
	"github.com/BaSui01/agentrun/store"
	"go.uber.org/zap"
)

// New assembles a ready-to-serve runtime from cfg and an LLM provider. The
// returned cleanup stops the permission sweeper and the worker pool.
func New(cfg *config.Config, provider llm.Provider, logger *zap.Logger) (*agent.Runtime, func(), error) {
	binder := capability.DefaultBinder(logger)
	reg, err := registry.Load(cfg.Registry.Path, binder, logger)
	if err != nil {
		return nil, nil, err
	}
	st, err := store.Open(cfg.Store.Root, nil, logger)
	if err != nil {
		return nil, nil, err
	}

	perms := permission.NewManager(permission.Config{
		DefaultTTL:    cfg.Permission.DefaultTTL.Std(),
		HardCap:       cfg.Permission.HardCap.Std(),
		SweepInterval: cfg.Permission.SweepInterval.Std(),
	}, nil, logger)
	perms.Start()

	workers := pool.New(cfg.Pool.MaxWorkers)

	designer := agent.NewDesigner(agent.DesignerConfig{
		Provider:     provider,
		Registry:     reg,
		Store:        st,
		Model:        cfg.LLM.Model,
		SimilarLimit: cfg.Store.SimilarityLimit,
		TokenBudget:  cfg.Registry.CatalogTokenBudget,
	}, logger)
	executor := agent.NewExecutor(reg, binder, perms, workers, nil, logger)
	optimizer := agent.NewOptimizer(st, reg, provider, cfg.LLM.Model, logger)

	runtime := agent.NewRuntime(agent.RuntimeConfig{
		Designer:        designer,
		Executor:        executor,
		Optimizer:       optimizer,
		Permissions:     perms,
		Store:           st,
		Registry:        reg,
		SessionDeadline: cfg.Session.Deadline.Std(),
		HistoryLimit:    cfg.Session.HistoryLimit,
	}, logger)

	cleanup := func() {
		perms.Stop()
		workers.Close()
	}
	return runtime, cleanup, nil
}
