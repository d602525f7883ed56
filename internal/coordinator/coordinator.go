// Package coordinator owns job lifecycle: scanning input directories
// into the durable task queue, and the worker pool that drains it.
package coordinator

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/meridian-archives/enrich-cli/internal/model"
	"github.com/meridian-archives/enrich-cli/internal/store"
)

// DefaultTaskMaxAttempts bounds queue-level redelivery per task.
const DefaultTaskMaxAttempts = 3

// Coordinator enqueues work and tracks job progress.
type Coordinator struct {
	store       store.Store
	maxAttempts int
}

// NewCoordinator creates a coordinator over the given store.
func NewCoordinator(st store.Store, taskMaxAttempts int) *Coordinator {
	if taskMaxAttempts <= 0 {
		taskMaxAttempts = DefaultTaskMaxAttempts
	}
	return &Coordinator{store: st, maxAttempts: taskMaxAttempts}
}

// EnqueueDirectory scans inputDir for OCR text documents and enqueues
// one task per document under the named job. The scan is idempotent:
// re-running it enqueues only documents not yet known to the job, and
// an interrupted scan resumes from the job checkpoint instead of
// starting over.
func (c *Coordinator) EnqueueDirectory(ctx context.Context, jobName, inputDir string, budgetUSD float64) (*model.Job, int, error) {
	job, err := c.store.GetJobByName(ctx, jobName)
	if err != nil {
		return nil, 0, eris.Wrap(err, "coordinator: look up job")
	}
	if job == nil {
		now := time.Now().UTC()
		job = &model.Job{
			ID:        uuid.New().String(),
			Name:      jobName,
			InputPath: inputDir,
			Status:    model.JobStatusRunning,
			BudgetUSD: budgetUSD,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := c.store.CreateJob(ctx, *job); err != nil {
			return nil, 0, eris.Wrap(err, "coordinator: create job")
		}
	}

	entries, err := os.ReadDir(inputDir)
	if err != nil {
		return nil, 0, eris.Wrapf(err, "coordinator: read input dir %s", inputDir)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	log := zap.L().With(zap.String("job", jobName), zap.String("input", inputDir))

	enqueued := 0
	for _, name := range names {
		if ctx.Err() != nil {
			return job, enqueued, ctx.Err()
		}
		// Resume: everything at or before the checkpoint was already
		// scanned on a previous run.
		if job.Checkpoint != "" && name <= job.Checkpoint {
			continue
		}

		created, err := c.store.EnqueueTask(ctx, model.Task{
			JobID:       job.ID,
			DocumentID:  documentID(name),
			InputRef:    filepath.Join(inputDir, name),
			MaxAttempts: c.maxAttempts,
		})
		if err != nil {
			return job, enqueued, eris.Wrapf(err, "coordinator: enqueue %s", name)
		}
		if created {
			enqueued++
		}

		if err := c.store.UpdateJobCheckpoint(ctx, job.ID, name); err != nil {
			return job, enqueued, err
		}
		job.Checkpoint = name
	}

	// The checkpoint only protects an interrupted scan. Once the pass
	// finishes, clear it so a later re-scan also sees files that sort
	// before it; the queue deduplicates everything already enqueued.
	if job.Checkpoint != "" {
		if err := c.store.UpdateJobCheckpoint(ctx, job.ID, ""); err != nil {
			return job, enqueued, err
		}
		job.Checkpoint = ""
	}

	counters, err := c.store.RefreshJobCounters(ctx, job.ID)
	if err != nil {
		return job, enqueued, err
	}
	job.Counters = *counters

	log.Info("coordinator: scan complete",
		zap.Int("scanned", len(names)),
		zap.Int("enqueued", enqueued),
		zap.Int("queued", counters.Queued),
	)
	return job, enqueued, nil
}

// documentID derives a stable document id from an input file name, so
// re-scans of the same directory map onto the same tasks.
func documentID(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name))
}
