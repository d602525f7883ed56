package coordinator

import (
	"context"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/meridian-archives/enrich-cli/internal/cost"
	"github.com/meridian-archives/enrich-cli/internal/model"
	"github.com/meridian-archives/enrich-cli/internal/pipeline"
	"github.com/meridian-archives/enrich-cli/internal/review"
	"github.com/meridian-archives/enrich-cli/internal/store"
)

// WorkerConfig tunes the queue consumer.
type WorkerConfig struct {
	// ID names this worker in task leases.
	ID string

	// Concurrency is the number of documents processed in parallel.
	// Default: 4.
	Concurrency int

	// Lease is the visibility timeout granted per task. It must exceed
	// the slowest plausible pipeline run; an expired lease means the
	// task is redelivered to another worker. Default: 15m.
	Lease time.Duration

	// PollInterval is the idle wait between empty lease attempts.
	// Default: 2s.
	PollInterval time.Duration
}

// Worker drains the task queue: lease, enrich, route, ack. Delivery is
// at least once; the document upsert makes duplicate processing safe.
type Worker struct {
	cfg    WorkerConfig
	store  store.Store
	orch   *pipeline.Orchestrator
	router *review.Router
}

// NewWorker creates a worker.
func NewWorker(cfg WorkerConfig, st store.Store, orch *pipeline.Orchestrator, router *review.Router) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 15 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &Worker{cfg: cfg, store: st, orch: orch, router: router}
}

// Run consumes tasks until the context is canceled. In-flight
// pipelines stop cooperatively through the shared context.
func (w *Worker) Run(ctx context.Context) error {
	log := zap.L().With(zap.String("worker_id", w.cfg.ID))
	log.Info("worker: starting", zap.Int("concurrency", w.cfg.Concurrency))

	g, gCtx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Concurrency; i++ {
		g.Go(func() error {
			return w.consumeLoop(gCtx, log)
		})
	}

	err := g.Wait()
	if err != nil && !eris.Is(err, context.Canceled) {
		return err
	}
	log.Info("worker: stopped")
	return nil
}

func (w *Worker) consumeLoop(ctx context.Context, log *zap.Logger) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		task, err := w.store.LeaseTask(ctx, w.cfg.ID, w.cfg.Lease)
		if err != nil {
			log.Warn("worker: lease failed", zap.Error(err))
		}
		if task == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.cfg.PollInterval):
			}
			continue
		}

		w.process(ctx, log, task)
	}
}

// process runs one leased task through the pipeline and settles it.
func (w *Worker) process(ctx context.Context, log *zap.Logger, task *model.Task) {
	log = log.With(
		zap.String("task_id", task.ID),
		zap.String("document_id", task.DocumentID),
		zap.Int("attempt", task.Attempts),
	)

	job, err := w.store.GetJob(ctx, task.JobID)
	if err != nil {
		log.Warn("worker: load job failed", zap.Error(err))
	}

	text, err := os.ReadFile(task.InputRef)
	if err != nil {
		w.settleFailure(ctx, log, task, eris.Wrapf(err, "worker: read input %s", task.InputRef))
		return
	}

	doc, err := w.orch.Run(cost.WithJob(ctx, task.JobID), pipeline.DocumentInput{
		DocumentID: task.DocumentID,
		JobID:      task.JobID,
		Job:        job,
		Text:       string(text),
	})
	if err != nil {
		// Required tool failure: keep the partial record for
		// diagnostics, then let the queue decide on redelivery.
		if doc != nil {
			if _, routeErr := w.router.Route(ctx, doc); routeErr != nil {
				log.Warn("worker: persist partial result failed", zap.Error(routeErr))
			}
		}
		w.settleFailure(ctx, log, task, err)
		return
	}

	if _, err := w.router.Route(ctx, doc); err != nil {
		w.settleFailure(ctx, log, task, err)
		return
	}

	if err := w.store.AckTask(ctx, task.ID); err != nil {
		log.Warn("worker: ack failed", zap.Error(err))
	}
	w.refreshJob(ctx, log, task.JobID)
}

func (w *Worker) settleFailure(ctx context.Context, log *zap.Logger, task *model.Task, cause error) {
	failed, err := w.store.FailTask(ctx, task.ID, cause.Error())
	if err != nil {
		log.Warn("worker: fail task failed", zap.Error(err))
		return
	}
	log.Warn("worker: task failed",
		zap.String("status", string(failed.Status)),
		zap.Int("attempts", failed.Attempts),
		zap.Error(cause),
	)
	w.refreshJob(ctx, log, task.JobID)
}

// refreshJob recounts job counters and marks the job completed when
// nothing is queued or in flight.
func (w *Worker) refreshJob(ctx context.Context, log *zap.Logger, jobID string) {
	counters, err := w.store.RefreshJobCounters(ctx, jobID)
	if err != nil {
		log.Warn("worker: refresh counters failed", zap.Error(err))
		return
	}
	if counters.Queued == 0 && counters.InProgress == 0 {
		if err := w.store.MarkJobCompleted(ctx, jobID); err != nil {
			log.Warn("worker: mark job completed failed", zap.Error(err))
			return
		}
		log.Info("worker: job completed",
			zap.String("job_id", jobID),
			zap.Int("succeeded", counters.Succeeded),
			zap.Int("failed", counters.Failed),
		)
	}
}
