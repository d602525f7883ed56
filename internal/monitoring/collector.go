// Package monitoring aggregates a point-in-time health snapshot from
// the store: job progress, document dispositions, review backlog,
// spend, and circuit breaker states.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/meridian-archives/enrich-cli/internal/model"
	"github.com/meridian-archives/enrich-cli/internal/resilience"
	"github.com/meridian-archives/enrich-cli/internal/store"
)

// MetricsSnapshot holds a point-in-time view of system health.
type MetricsSnapshot struct {
	// Job metrics.
	JobsTotal     int `json:"jobs_total"`
	JobsRunning   int `json:"jobs_running"`
	JobsCompleted int `json:"jobs_completed"`

	// Task counters summed across jobs.
	TasksQueued     int `json:"tasks_queued"`
	TasksInProgress int `json:"tasks_in_progress"`
	TasksSucceeded  int `json:"tasks_succeeded"`
	TasksFailed     int `json:"tasks_failed"`

	// Review backlog.
	ReviewsPending int `json:"reviews_pending"`

	// Spend within the lookback window, total and per tool.
	CostUSD    float64               `json:"cost_usd"`
	CostByTool []store.CostAggregate `json:"cost_by_tool,omitempty"`

	// Circuit breaker states by tool name.
	Breakers map[string]string `json:"breakers,omitempty"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// BreakerStater exposes per-tool circuit states; the agent invoker
// satisfies it.
type BreakerStater interface {
	BreakerStates() map[string]resilience.CircuitState
}

// Collector gathers metrics from the store.
type Collector struct {
	store    store.Store
	breakers BreakerStater
}

// NewCollector creates a metrics collector. breakers may be nil when no
// invoker is running in this process.
func NewCollector(st store.Store, breakers BreakerStater) *Collector {
	return &Collector{store: st, breakers: breakers}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   time.Now().UTC(),
	}

	jobs, err := c.store.ListJobs(ctx, 10000)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list jobs")
	}

	snap.JobsTotal = len(jobs)
	for _, j := range jobs {
		switch j.Status {
		case model.JobStatusRunning:
			snap.JobsRunning++
		case model.JobStatusCompleted:
			snap.JobsCompleted++
		}
		snap.TasksQueued += j.Counters.Queued
		snap.TasksInProgress += j.Counters.InProgress
		snap.TasksSucceeded += j.Counters.Succeeded
		snap.TasksFailed += j.Counters.Failed
	}

	pending, err := c.store.ListReviewTasks(ctx, model.ReviewStatusPending, 10000)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list pending reviews")
	}
	snap.ReviewsPending = len(pending)

	cutoff := time.Now().UTC().Add(-time.Duration(lookbackHours) * time.Hour)
	aggs, err := c.store.SummarizeCost(ctx, store.CostFilter{Since: cutoff})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: summarize cost")
	}
	snap.CostByTool = aggs
	for _, a := range aggs {
		snap.CostUSD += a.AmountUSD
	}

	if c.breakers != nil {
		states := c.breakers.BreakerStates()
		if len(states) > 0 {
			snap.Breakers = make(map[string]string, len(states))
			for tool, state := range states {
				snap.Breakers[tool] = state.String()
			}
		}
	}

	return snap, nil
}
