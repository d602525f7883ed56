// Package cost records the monetary cost of every agent invocation and
// answers budget questions for the pipeline's phase gate.
package cost

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/meridian-archives/enrich-cli/internal/model"
)

// Recorder is the store surface the tracker appends to.
type Recorder interface {
	AppendCostRecord(ctx context.Context, rec model.CostRecord) error
	SumCostSince(ctx context.Context, since time.Time) (float64, error)
	SumCostByJob(ctx context.Context, jobID string) (float64, error)
}

// Config holds budget settings.
type Config struct {
	// DailyBudgetUSD caps spend per UTC day across all jobs.
	DailyBudgetUSD float64

	// ReserveFraction of the daily budget is held back from optional
	// phases so required work is never starved. Default: 0.2.
	ReserveFraction float64

	// Estimates maps tool names to per-call cost estimates for gating.
	Estimates map[string]float64
}

// Tracker keeps an eventually consistent running total per UTC day and
// per job. Exact cross-worker consistency is not required: overspend is
// bounded by at most one in-flight call's cost per worker.
type Tracker struct {
	cfg   Config
	rates Rates
	store Recorder

	mu         sync.Mutex
	day        string
	spentToday float64
	spentByJob map[string]float64
}

// NewTracker creates a tracker and seeds today's running total from the
// store so restarts keep counting against the same ceiling.
func NewTracker(ctx context.Context, cfg Config, rates Rates, store Recorder) (*Tracker, error) {
	if cfg.ReserveFraction <= 0 {
		cfg.ReserveFraction = 0.2
	}
	if cfg.Estimates == nil {
		cfg.Estimates = DefaultEstimates()
	}

	t := &Tracker{
		cfg:        cfg,
		rates:      rates,
		store:      store,
		day:        dayKey(time.Now().UTC()),
		spentByJob: make(map[string]float64),
	}

	if store != nil {
		spent, err := store.SumCostSince(ctx, startOfDay(time.Now().UTC()))
		if err != nil {
			return nil, eris.Wrap(err, "cost: seed daily total")
		}
		t.spentToday = spent
	}
	return t, nil
}

// Record prices the record if the tool did not report an amount,
// appends it to the store and bumps the running totals.
func (t *Tracker) Record(ctx context.Context, rec model.CostRecord) {
	if rec.AmountUSD == 0 && (rec.InputUnits > 0 || rec.OutputUnits > 0) {
		rec.AmountUSD = t.rates.Amount(rec.ModelTier, rec.InputUnits, rec.OutputUnits)
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}

	t.mu.Lock()
	t.rollover(rec.RecordedAt)
	t.spentToday += rec.AmountUSD
	if rec.JobID != "" {
		t.spentByJob[rec.JobID] += rec.AmountUSD
	}
	t.mu.Unlock()

	if t.store != nil {
		if err := t.store.AppendCostRecord(ctx, rec); err != nil {
			zap.L().Warn("cost: append record failed",
				zap.String("invocation_id", rec.InvocationID),
				zap.String("tool", rec.Tool),
				zap.Error(err),
			)
		}
	}
}

// RemainingDailyBudget returns the budget left for the current UTC day.
func (t *Tracker) RemainingDailyBudget() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollover(time.Now().UTC())
	remaining := t.cfg.DailyBudgetUSD - t.spentToday
	if remaining < 0 {
		return 0
	}
	return remaining
}

// CanAfford reports whether an estimated spend fits the daily budget.
// A zero configured budget disables the check.
func (t *Tracker) CanAfford(estimate float64) bool {
	if t.cfg.DailyBudgetUSD <= 0 {
		return true
	}
	return t.RemainingDailyBudget() >= estimate
}

// Estimate returns the configured per-call estimate for a tool.
func (t *Tracker) Estimate(tool string) float64 {
	return t.cfg.Estimates[tool]
}

// JobSpend returns the running total recorded for a job by this worker,
// plus whatever the store had when asked. Approximate across workers.
func (t *Tracker) JobSpend(ctx context.Context, jobID string) float64 {
	if t.store != nil {
		if sum, err := t.store.SumCostByJob(ctx, jobID); err == nil {
			return sum
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.spentByJob[jobID]
}

// IsPhaseEnabled decides whether a phase may run for a job. Required
// phases are never gated. Optional phases are skipped when remaining
// daily budget falls below the configured reserve, or when the job's
// own budget ceiling (if any) cannot cover the estimated spend.
func (t *Tracker) IsPhaseEnabled(ctx context.Context, phase model.Phase, job *model.Job, estimate float64) bool {
	if phase != model.PhaseContext {
		return true
	}

	if t.cfg.DailyBudgetUSD > 0 {
		reserve := t.cfg.DailyBudgetUSD * t.cfg.ReserveFraction
		if t.RemainingDailyBudget()-estimate < reserve {
			return false
		}
	}

	if job != nil && job.BudgetUSD > 0 {
		if t.JobSpend(ctx, job.ID)+estimate > job.BudgetUSD {
			return false
		}
	}

	return true
}

// rollover resets the daily counter when the UTC day changes. Caller
// holds t.mu.
func (t *Tracker) rollover(now time.Time) {
	if key := dayKey(now); key != t.day {
		t.day = key
		t.spentToday = 0
	}
}

func dayKey(ts time.Time) string {
	return ts.UTC().Format("2006-01-02")
}

func startOfDay(ts time.Time) time.Time {
	ts = ts.UTC()
	return time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC)
}
