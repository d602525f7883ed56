package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/meridian-archives/enrich-cli/internal/coordinator"
	"github.com/meridian-archives/enrich-cli/internal/cost"
	"github.com/meridian-archives/enrich-cli/internal/monitoring"
	"github.com/meridian-archives/enrich-cli/internal/pipeline"
	"github.com/meridian-archives/enrich-cli/internal/resilience"
	"github.com/meridian-archives/enrich-cli/internal/review"
	"github.com/meridian-archives/enrich-cli/internal/scorer"
	"github.com/meridian-archives/enrich-cli/internal/store"
	"github.com/meridian-archives/enrich-cli/pkg/agentrpc"
)

// appEnv holds the initialized store, transport and pipeline pieces the
// commands share.
type appEnv struct {
	Store        store.Store
	Client       agentrpc.Client
	Tracker      *cost.Tracker
	Invoker      *pipeline.AgentInvoker
	Orchestrator *pipeline.Orchestrator
	Router       *review.Router
	Coordinator  *coordinator.Coordinator
	Collector    *monitoring.Collector
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Client != nil {
		_ = e.Client.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initStore opens the configured backend.
func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, cfg.Store.Pool)
	case "sqlite", "":
		return store.NewSQLite(cfg.Store.Path)
	default:
		return nil, eris.Errorf("unknown store driver: %s", cfg.Store.Driver)
	}
}

// initStoreEnv sets up just the store, for commands that never talk to
// the agent registry.
func initStoreEnv(ctx context.Context) (*appEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	tracker, err := cost.NewTracker(ctx, cost.Config{
		DailyBudgetUSD:  cfg.Budget.DailyUSD,
		ReserveFraction: cfg.Budget.ReserveFraction,
		Estimates:       cfg.Budget.Estimates,
	}, cost.DefaultRates(), st)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	return &appEnv{
		Store:       st,
		Tracker:     tracker,
		Router:      review.NewRouter(cfg.Review, st),
		Coordinator: coordinator.NewCoordinator(st, cfg.Worker.TaskMaxAttempts),
		Collector:   monitoring.NewCollector(st, nil),
	}, nil
}

// initEnv sets up the full environment including the agent transport
// and pipeline. Callers should defer env.Close().
func initEnv(ctx context.Context) (*appEnv, error) {
	env, err := initStoreEnv(ctx)
	if err != nil {
		return nil, err
	}

	schema, err := loadSchema()
	if err != nil {
		env.Close()
		return nil, err
	}

	env.Client = agentrpc.NewClient(agentrpc.Config{
		URL:              cfg.Registry.URL,
		DialTimeout:      cfg.Registry.DialTimeout,
		ReconnectInitial: cfg.Registry.ReconnectInitial,
		ReconnectMax:     cfg.Registry.ReconnectMax,
	})

	env.Invoker = pipeline.NewAgentInvoker(pipeline.InvokerConfig{
		Timeouts: cfg.Timeouts.Policy(),
		Retries:  cfg.Retry.Table(),
		Breaker: resilience.BreakerConfig{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			ResetTimeout:     cfg.Breaker.ResetTimeout,
		},
		ToolRPS:   cfg.Registry.ToolRPS,
		ToolBurst: cfg.Registry.ToolBurst,
	}, env.Client, env.Tracker)

	env.Orchestrator = pipeline.NewOrchestrator(env.Invoker, env.Tracker, schema, cfg.Scorer.ConfidenceFloor)
	env.Collector = monitoring.NewCollector(env.Store, env.Invoker)
	return env, nil
}

func loadSchema() (*scorer.Schema, error) {
	if cfg.Scorer.SchemaPath == "" {
		return scorer.DefaultSchema(), nil
	}
	return scorer.LoadSchema(cfg.Scorer.SchemaPath)
}
