// Package store persists jobs, the durable task queue, enriched
// documents, cost records and review tasks. Two backends are provided:
// SQLite for single-host runs and Postgres for multi-worker
// deployments.
package store

import (
	"context"
	"time"

	"github.com/meridian-archives/enrich-cli/internal/model"
)

// CostAggregate is one row of a cost summary grouped by tool.
type CostAggregate struct {
	Tool      string  `json:"tool"`
	Calls     int     `json:"calls"`
	AmountUSD float64 `json:"amount_usd"`
}

// CostFilter selects cost records for summarizing. Zero-valued
// fields are not applied; Until is exclusive.
type CostFilter struct {
	JobID string
	Since time.Time
	Until time.Time
}

// Store is the persistence interface for the enrichment pipeline.
type Store interface {
	// Jobs
	CreateJob(ctx context.Context, job model.Job) error
	GetJob(ctx context.Context, jobID string) (*model.Job, error)
	GetJobByName(ctx context.Context, name string) (*model.Job, error)
	ListJobs(ctx context.Context, limit int) ([]model.Job, error)
	UpdateJobCheckpoint(ctx context.Context, jobID, checkpoint string) error
	RefreshJobCounters(ctx context.Context, jobID string) (*model.JobCounters, error)
	MarkJobCompleted(ctx context.Context, jobID string) error

	// Task queue: at-least-once, lease-based delivery. Enqueue is
	// idempotent by (job_id, document_id); Lease grants a visibility
	// window; an expired lease makes the task deliverable again.
	EnqueueTask(ctx context.Context, task model.Task) (bool, error)
	LeaseTask(ctx context.Context, workerID string, lease time.Duration) (*model.Task, error)
	AckTask(ctx context.Context, taskID string) error
	FailTask(ctx context.Context, taskID, reason string) (*model.Task, error)
	RequeueTask(ctx context.Context, jobID, documentID string) error
	ListTasks(ctx context.Context, jobID string) ([]model.Task, error)

	// Documents: upsert keyed by document_id so reprocessing
	// supersedes rather than duplicates.
	UpsertDocument(ctx context.Context, doc model.EnrichedDocument) (*model.EnrichedDocument, error)
	GetDocument(ctx context.Context, documentID string) (*model.EnrichedDocument, error)
	ListDocuments(ctx context.Context, jobID string, limit int) ([]model.EnrichedDocument, error)

	// Cost records: append-only.
	AppendCostRecord(ctx context.Context, rec model.CostRecord) error
	SumCostSince(ctx context.Context, since time.Time) (float64, error)
	SumCostByJob(ctx context.Context, jobID string) (float64, error)
	SummarizeCost(ctx context.Context, filter CostFilter) ([]CostAggregate, error)

	// Review tasks: upsert keyed by (document_id, cycle).
	UpsertReviewTask(ctx context.Context, rt model.ReviewTask) error
	GetReviewTask(ctx context.Context, id string) (*model.ReviewTask, error)
	ListReviewTasks(ctx context.Context, status model.ReviewStatus, limit int) ([]model.ReviewTask, error)
	ResolveReviewTask(ctx context.Context, id string, status model.ReviewStatus, resolvedBy string) error
	CountReviewCycles(ctx context.Context, documentID string) (int, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
