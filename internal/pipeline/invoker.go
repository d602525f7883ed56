// Package pipeline runs the enrichment phases for a single document:
// concurrent extraction, analysis, optional historical context, then
// scoring. Every remote call goes through the policy-driven invoker.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/meridian-archives/enrich-cli/internal/cost"
	"github.com/meridian-archives/enrich-cli/internal/model"
	"github.com/meridian-archives/enrich-cli/internal/resilience"
	"github.com/meridian-archives/enrich-cli/pkg/agentrpc"
)

// Invoker executes one tool invocation with the full resilience stack
// applied: rate limit, circuit breaker, per-tool deadline, classified
// retry.
type Invoker interface {
	Invoke(ctx context.Context, phase model.Phase, tool string, params map[string]any) (*agentrpc.ToolResult, resilience.ErrorKind, int, error)
}

// CostRecorder receives one cost record per invocation, priced from
// the usage the tool reported; zero-amount when it reported none. The
// cost tracker satisfies it.
type CostRecorder interface {
	Record(ctx context.Context, rec model.CostRecord)
}

// InvokerConfig tunes the agent invoker.
type InvokerConfig struct {
	// Timeouts maps tools to per-invocation deadlines.
	Timeouts resilience.TimeoutPolicy

	// Retries is the per-kind retry policy table.
	Retries resilience.PolicyTable

	// Breaker configures the per-tool circuit breakers.
	Breaker resilience.BreakerConfig

	// ToolRPS caps the sustained invocation rate per tool. Zero
	// disables rate limiting.
	ToolRPS float64

	// ToolBurst is the limiter burst size. Default: 1.
	ToolBurst int
}

// AgentInvoker is the production Invoker over the agentrpc transport.
type AgentInvoker struct {
	cfg      InvokerConfig
	client   agentrpc.Client
	costs    CostRecorder
	breakers *resilience.ToolBreakers

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter
}

// NewAgentInvoker creates an invoker over the given transport client.
// costs may be nil when no accounting is wanted.
func NewAgentInvoker(cfg InvokerConfig, client agentrpc.Client, costs CostRecorder) *AgentInvoker {
	if cfg.Timeouts.Default == 0 && cfg.Timeouts.Tools == nil {
		cfg.Timeouts = resilience.DefaultTimeoutPolicy()
	}
	if cfg.Retries == nil {
		cfg.Retries = resilience.DefaultPolicyTable()
	}
	if cfg.ToolBurst <= 0 {
		cfg.ToolBurst = 1
	}
	return &AgentInvoker{
		cfg:      cfg,
		client:   client,
		costs:    costs,
		breakers: resilience.NewToolBreakers(cfg.Breaker),
		limiters: make(map[string]*rate.Limiter),
	}
}

// BreakerStates exposes circuit state per tool for monitoring.
func (a *AgentInvoker) BreakerStates() map[string]resilience.CircuitState {
	return a.breakers.States()
}

// Invoke runs one tool call under the resilience stack. Each attempt
// checks the tool's breaker, waits for rate-limit headroom, then issues
// the RPC under the tool's deadline. Failures are classified and
// retried per the policy of their kind; the breaker records every
// outcome.
func (a *AgentInvoker) Invoke(ctx context.Context, phase model.Phase, tool string, params map[string]any) (*agentrpc.ToolResult, resilience.ErrorKind, int, error) {
	inv := model.ToolInvocation{
		ID:       uuid.New().String(),
		Tool:     tool,
		Phase:    phase,
		Params:   params,
		Deadline: a.cfg.Timeouts.Deadline(tool),
	}
	log := zap.L().With(
		zap.String("invocation_id", inv.ID),
		zap.String("tool", tool),
		zap.String("phase", string(phase)),
	)

	breaker := a.breakers.Get(tool)
	limiter := a.limiter(tool)

	runCfg := resilience.RunConfig{
		Table: a.cfg.Retries,
		OnRetry: func(attempt int, kind resilience.ErrorKind, err error, delay time.Duration) {
			log.Warn("pipeline: invocation retrying",
				zap.Int("attempt", attempt),
				zap.String("error_kind", string(kind)),
				zap.Duration("delay", delay),
				zap.Error(err),
			)
		},
	}

	start := time.Now()
	result, kind, attempts, err := resilience.Run(ctx, runCfg, func(ctx context.Context) (*agentrpc.ToolResult, error) {
		if brkErr := breaker.Allow(); brkErr != nil {
			return nil, brkErr
		}
		if limiter != nil {
			if waitErr := limiter.Wait(ctx); waitErr != nil {
				return nil, waitErr
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, inv.Deadline)
		defer cancel()

		res, callErr := a.client.Invoke(callCtx, tool, params)
		breaker.Record(resilience.Classify(callErr), callErr)
		return res, callErr
	})

	if err != nil {
		a.recordCost(ctx, inv, nil)
		log.Error("pipeline: invocation failed",
			zap.Int("attempts", attempts),
			zap.String("error_kind", string(kind)),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
		return nil, kind, attempts, err
	}

	a.recordCost(ctx, inv, result.Cost)
	log.Debug("pipeline: invocation complete",
		zap.Int("attempts", attempts),
		zap.Duration("elapsed", time.Since(start)),
	)
	return result, "", attempts, nil
}

// recordCost writes one accounting entry per invocation; a nil info
// produces a zero-amount record so every call is visible in the ledger.
func (a *AgentInvoker) recordCost(ctx context.Context, inv model.ToolInvocation, info *agentrpc.CostInfo) {
	if a.costs == nil {
		return
	}
	rec := model.CostRecord{
		InvocationID: inv.ID,
		JobID:        cost.JobID(ctx),
		Tool:         inv.Tool,
	}
	if info != nil {
		rec.ModelTier = info.Model
		rec.InputUnits = info.InputTokens
		rec.OutputUnits = info.OutputTokens
		rec.AmountUSD = info.AmountUSD
	}
	a.costs.Record(ctx, rec)
}

func (a *AgentInvoker) limiter(tool string) *rate.Limiter {
	if a.cfg.ToolRPS <= 0 {
		return nil
	}
	a.limitersMu.Lock()
	defer a.limitersMu.Unlock()
	l, ok := a.limiters[tool]
	if !ok {
		l = rate.NewLimiter(rate.Limit(a.cfg.ToolRPS), a.cfg.ToolBurst)
		a.limiters[tool] = l
	}
	return l
}
