package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-archives/enrich-cli/internal/model"
	"github.com/meridian-archives/enrich-cli/internal/pipeline"
	"github.com/meridian-archives/enrich-cli/internal/resilience"
	"github.com/meridian-archives/enrich-cli/internal/review"
	"github.com/meridian-archives/enrich-cli/internal/store"
	"github.com/meridian-archives/enrich-cli/pkg/agentrpc"
)

// stubInvoker answers every tool from a fixed response table.
type stubInvoker struct {
	responses map[string]map[string]any
	failTool  string
}

func (s *stubInvoker) Invoke(ctx context.Context, phase model.Phase, tool string, params map[string]any) (*agentrpc.ToolResult, resilience.ErrorKind, int, error) {
	if tool == s.failTool {
		return nil, resilience.KindTimeout, 3, eris.Errorf("%s exhausted retries", tool)
	}
	data, ok := s.responses[tool]
	if !ok {
		data = map[string]any{}
	}
	return &agentrpc.ToolResult{Data: data}, "", 1, nil
}

// completeResponses answers every default-schema leaf.
func completeResponses() map[string]map[string]any {
	return map[string]map[string]any{
		pipeline.ToolMetadataExtract: {
			"metadata": map[string]any{
				"title": "Tithe Map", "creator": "parish surveyor", "date": "1842",
				"language": "en", "source_collection": "county records",
			},
			"physical": map[string]any{"medium": "linen-backed paper", "condition": "good"},
		},
		pipeline.ToolEntityExtract: {
			"entities": map[string]any{
				"people": []any{"R. Tregenna"}, "places": []any{"Lanivet"},
				"organizations": []any{"tithe commission"},
			},
		},
		pipeline.ToolStructureParse: {
			"structure": map[string]any{"sections": []any{"schedule"}, "tables": []any{"apportionment"}, "page_count": 12},
		},
		pipeline.ToolSummarize: {
			"summary": map[string]any{"abstract": "Apportionment of rent-charge...", "key_points": []any{"..."}},
		},
		pipeline.ToolClassify: {
			"classification": map[string]any{"document_type": "tithe map", "subject_tags": []any{"land"}},
		},
		pipeline.ToolHistoricalContext: {
			"historical_context": map[string]any{
				"period": "early Victorian", "significance": "...", "related_events": []any{"Tithe Commutation Act"},
			},
		},
	}
}

type workerEnv struct {
	store  store.Store
	worker *Worker
	coord  *Coordinator
}

func newWorkerEnv(t *testing.T, inv pipeline.Invoker, maxAttempts int) *workerEnv {
	st := newTestStore(t)
	orch := pipeline.NewOrchestrator(inv, nil, nil, 0.7)
	router := review.NewRouter(review.Config{AutoAcceptThreshold: 0.95, MaxReprocess: 3}, st)
	worker := NewWorker(WorkerConfig{
		ID:           "w-test",
		Concurrency:  1,
		Lease:        time.Minute,
		PollInterval: 10 * time.Millisecond,
	}, st, orch, router)
	return &workerEnv{store: st, worker: worker, coord: NewCoordinator(st, maxAttempts)}
}

// runUntil runs the worker until cond holds or the deadline passes.
func runUntil(t *testing.T, env *workerEnv, cond func() bool) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.worker.Run(ctx) }()

	deadline := time.After(10 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			cancel()
			t.Fatal("condition never satisfied")
		case <-time.After(20 * time.Millisecond):
		}
	}
	cancel()
	require.NoError(t, <-done)
}

func TestWorkerProcessesJobToCompletion(t *testing.T) {
	env := newWorkerEnv(t, &stubInvoker{responses: completeResponses()}, 3)
	ctx := context.Background()

	dir := writeInputDir(t, "deed_0147.txt", "deed_0148.txt")
	job, _, err := env.coord.EnqueueDirectory(ctx, "batch", dir, 0)
	require.NoError(t, err)

	runUntil(t, env, func() bool {
		j, err := env.store.GetJob(ctx, job.ID)
		return err == nil && j != nil && j.Status == model.JobStatusCompleted
	})

	j, err := env.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, j.Counters.Succeeded)
	assert.Equal(t, 0, j.Counters.Failed)

	doc, err := env.store.GetDocument(ctx, "deed_0147")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, model.DocumentStatusCommitted, doc.Status)
	assert.Equal(t, 1.0, doc.Metrics.CompletenessScore)
	assert.Equal(t, "Tithe Map", doc.Fields["metadata.title"].Value)
}

func TestWorkerRoutesIncompleteToReview(t *testing.T) {
	// summarize failing leaves 18/20 fields; 0.90 < 0.95 goes to
	// review instead of committing.
	env := newWorkerEnv(t, &stubInvoker{responses: completeResponses(), failTool: pipeline.ToolSummarize}, 3)
	ctx := context.Background()

	dir := writeInputDir(t, "deed_0147.txt")
	job, _, err := env.coord.EnqueueDirectory(ctx, "batch", dir, 0)
	require.NoError(t, err)

	runUntil(t, env, func() bool {
		j, err := env.store.GetJob(ctx, job.ID)
		return err == nil && j != nil && j.Status == model.JobStatusCompleted
	})

	doc, err := env.store.GetDocument(ctx, "deed_0147")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, model.DocumentStatusPendingReview, doc.Status)
	assert.InDelta(t, 0.90, doc.Metrics.CompletenessScore, 1e-9)

	pending, err := env.store.ListReviewTasks(ctx, model.ReviewStatusPending, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "deed_0147", pending[0].DocumentID)
}

func TestWorkerFailsTaskOnRequiredToolFailure(t *testing.T) {
	env := newWorkerEnv(t, &stubInvoker{responses: completeResponses(), failTool: pipeline.ToolStructureParse}, 1)
	ctx := context.Background()

	dir := writeInputDir(t, "deed_0147.txt")
	job, _, err := env.coord.EnqueueDirectory(ctx, "batch", dir, 0)
	require.NoError(t, err)

	runUntil(t, env, func() bool {
		j, err := env.store.GetJob(ctx, job.ID)
		return err == nil && j != nil && j.Counters.Failed == 1
	})

	tasks, err := env.store.ListTasks(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, model.TaskStatusFailed, tasks[0].Status)
	assert.Contains(t, tasks[0].LastError, "structure_parse")

	// The partial document is kept for diagnostics.
	doc, err := env.store.GetDocument(ctx, "deed_0147")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, model.DocumentStatusFailed, doc.Status)
	assert.Equal(t, string(resilience.KindTimeout), doc.FailureKind)
	assert.Equal(t, "Tithe Map", doc.Fields["metadata.title"].Value)
}

func TestWorkerRetriesMissingInputThenFails(t *testing.T) {
	env := newWorkerEnv(t, &stubInvoker{responses: completeResponses()}, 2)
	ctx := context.Background()

	require.NoError(t, env.store.CreateJob(ctx, model.Job{
		ID: "j1", Name: "batch", InputPath: "/gone", Status: model.JobStatusRunning,
	}))
	_, err := env.store.EnqueueTask(ctx, model.Task{
		JobID: "j1", DocumentID: "ghost", InputRef: "/gone/ghost.txt", MaxAttempts: 2,
	})
	require.NoError(t, err)

	// Lease twice by hand: both reads fail, the second marks terminal.
	for i := 0; i < 2; i++ {
		task, err := env.store.LeaseTask(ctx, "w1", time.Millisecond)
		require.NoError(t, err)
		require.NotNil(t, task)
		failed, err := env.store.FailTask(ctx, task.ID, "read input")
		require.NoError(t, err)
		if i == 0 {
			assert.Equal(t, model.TaskStatusQueued, failed.Status)
			// Wait out the lease so the requeued task is deliverable.
			time.Sleep(5 * time.Millisecond)
		} else {
			assert.Equal(t, model.TaskStatusFailed, failed.Status)
		}
	}
}
