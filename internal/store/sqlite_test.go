package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-archives/enrich-cli/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func makeTestJob(t *testing.T, st *SQLiteStore, name string) *model.Job {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	job := model.Job{
		ID:        "job-" + name,
		Name:      name,
		InputPath: "/scans/" + name,
		Status:    model.JobStatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, st.CreateJob(ctx, job))
	return &job
}

// --- Jobs ---

func TestSQLite_CreateJob_And_GetJob(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	job := makeTestJob(t, st, "batch-1880")

	fetched, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, fetched)
	assert.Equal(t, job.Name, fetched.Name)
	assert.Equal(t, model.JobStatusRunning, fetched.Status)

	byName, err := st.GetJobByName(ctx, "batch-1880")
	require.NoError(t, err)
	require.NotNil(t, byName)
	assert.Equal(t, job.ID, byName.ID)
}

func TestSQLite_GetJob_Missing(t *testing.T) {
	st := newTestSQLiteStore(t)

	fetched, err := st.GetJob(context.Background(), "nonexistent")
	require.NoError(t, err)
	assert.Nil(t, fetched)
}

func TestSQLite_UpdateJobCheckpoint(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	job := makeTestJob(t, st, "batch-cp")

	require.NoError(t, st.UpdateJobCheckpoint(ctx, job.ID, "doc-0450.json"))

	fetched, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "doc-0450.json", fetched.Checkpoint)
}

func TestSQLite_UpdateJobCheckpoint_MissingJob(t *testing.T) {
	st := newTestSQLiteStore(t)

	err := st.UpdateJobCheckpoint(context.Background(), "nope", "cp")
	assert.Error(t, err)
}

func TestSQLite_RefreshJobCounters(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	job := makeTestJob(t, st, "batch-counters")

	for _, docID := range []string{"d1", "d2", "d3"} {
		_, err := st.EnqueueTask(ctx, model.Task{
			JobID: job.ID, DocumentID: docID, InputRef: docID + ".json", MaxAttempts: 3,
		})
		require.NoError(t, err)
	}

	// Lease one, ack it; lease another and leave it in flight.
	leased, err := st.LeaseTask(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, st.AckTask(ctx, leased.ID))

	_, err = st.LeaseTask(ctx, "w1", time.Minute)
	require.NoError(t, err)

	counters, err := st.RefreshJobCounters(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, counters.Queued)
	assert.Equal(t, 1, counters.InProgress)
	assert.Equal(t, 1, counters.Succeeded)
	assert.Equal(t, 0, counters.Failed)

	fetched, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, *counters, fetched.Counters)
}

func TestSQLite_MarkJobCompleted(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	job := makeTestJob(t, st, "batch-done")
	require.NoError(t, st.MarkJobCompleted(ctx, job.ID))

	fetched, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, fetched.Status)
}

// --- Task queue ---

func TestSQLite_EnqueueTask_Idempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	job := makeTestJob(t, st, "batch-idem")

	task := model.Task{JobID: job.ID, DocumentID: "doc-1", InputRef: "doc-1.json", MaxAttempts: 3}
	created, err := st.EnqueueTask(ctx, task)
	require.NoError(t, err)
	assert.True(t, created)

	// Same (job, document) again is a no-op.
	created, err = st.EnqueueTask(ctx, task)
	require.NoError(t, err)
	assert.False(t, created)

	tasks, err := st.ListTasks(ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestSQLite_LeaseTask_EmptyQueue(t *testing.T) {
	st := newTestSQLiteStore(t)

	task, err := st.LeaseTask(context.Background(), "w1", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, task)
}

func TestSQLite_LeaseTask_OldestFirst(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	job := makeTestJob(t, st, "batch-fifo")

	base := time.Now().UTC().Add(-time.Hour)
	for i, docID := range []string{"first", "second"} {
		_, err := st.EnqueueTask(ctx, model.Task{
			JobID: job.ID, DocumentID: docID, InputRef: docID + ".json",
			MaxAttempts: 3, EnqueuedAt: base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}

	leased, err := st.LeaseTask(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, leased)
	assert.Equal(t, "first", leased.DocumentID)
	assert.Equal(t, model.TaskStatusLeased, leased.Status)
	assert.Equal(t, 1, leased.Attempts)
	assert.Equal(t, "w1", leased.LeasedBy)
	require.NotNil(t, leased.LeaseUntil)
}

func TestSQLite_LeaseTask_ExpiredLeaseRedelivered(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	job := makeTestJob(t, st, "batch-redeliver")
	_, err := st.EnqueueTask(ctx, model.Task{
		JobID: job.ID, DocumentID: "doc-1", InputRef: "doc-1.json", MaxAttempts: 3,
	})
	require.NoError(t, err)

	// Lease with an already-expired visibility window.
	first, err := st.LeaseTask(ctx, "w1", -time.Second)
	require.NoError(t, err)
	require.NotNil(t, first)

	// A second worker sees the task again; attempts keeps counting.
	second, err := st.LeaseTask(ctx, "w2", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, second.Attempts)
	assert.Equal(t, "w2", second.LeasedBy)
}

func TestSQLite_LeaseTask_CrashedWorkerGoesTerminal(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	job := makeTestJob(t, st, "batch-crash")
	_, err := st.EnqueueTask(ctx, model.Task{
		JobID: job.ID, DocumentID: "doc-1", InputRef: "doc-1.json", MaxAttempts: 3,
	})
	require.NoError(t, err)

	// Every lease expires without Ack or FailTask, as if the worker
	// died mid-document. Redelivery stops at the attempt ceiling.
	for i := 1; i <= 3; i++ {
		leased, err := st.LeaseTask(ctx, "w1", -time.Second)
		require.NoError(t, err)
		require.NotNil(t, leased, "attempt %d should still be deliverable", i)
		assert.Equal(t, i, leased.Attempts)
	}

	none, err := st.LeaseTask(ctx, "w1", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, none)

	tasks, err := st.ListTasks(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, model.TaskStatusFailed, tasks[0].Status)
	assert.Equal(t, "lease expired after final attempt", tasks[0].LastError)
}

func TestSQLite_LeaseTask_ConcurrentWorkersGetDistinctTasks(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	job := makeTestJob(t, st, "batch-concurrent")
	for i := 0; i < 4; i++ {
		_, err := st.EnqueueTask(ctx, model.Task{
			JobID: job.ID, DocumentID: fmt.Sprintf("doc-%d", i),
			InputRef: fmt.Sprintf("doc-%d.json", i), MaxAttempts: 3,
		})
		require.NoError(t, err)
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			task, err := st.LeaseTask(ctx, fmt.Sprintf("w%d", worker), time.Minute)
			assert.NoError(t, err)
			if task != nil {
				mu.Lock()
				seen[task.ID]++
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	for id, n := range seen {
		assert.Equal(t, 1, n, "task %s leased more than once", id)
	}
}

func TestSQLite_LeaseTask_ActiveLeaseHidden(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	job := makeTestJob(t, st, "batch-hidden")
	_, err := st.EnqueueTask(ctx, model.Task{
		JobID: job.ID, DocumentID: "doc-1", InputRef: "doc-1.json", MaxAttempts: 3,
	})
	require.NoError(t, err)

	_, err = st.LeaseTask(ctx, "w1", time.Minute)
	require.NoError(t, err)

	// Active lease: not deliverable to anyone else.
	other, err := st.LeaseTask(ctx, "w2", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, other)
}

func TestSQLite_AckTask(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	job := makeTestJob(t, st, "batch-ack")
	_, err := st.EnqueueTask(ctx, model.Task{
		JobID: job.ID, DocumentID: "doc-1", InputRef: "doc-1.json", MaxAttempts: 3,
	})
	require.NoError(t, err)

	leased, err := st.LeaseTask(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, st.AckTask(ctx, leased.ID))

	tasks, err := st.ListTasks(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, model.TaskStatusDone, tasks[0].Status)
	assert.Empty(t, tasks[0].LeasedBy)
	assert.Nil(t, tasks[0].LeaseUntil)
}

func TestSQLite_FailTask_RequeuesUntilMaxAttempts(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	job := makeTestJob(t, st, "batch-fail")
	_, err := st.EnqueueTask(ctx, model.Task{
		JobID: job.ID, DocumentID: "doc-1", InputRef: "doc-1.json", MaxAttempts: 2,
	})
	require.NoError(t, err)

	// Attempt 1 fails: attempts(1) < max(2), so back to queued.
	leased, err := st.LeaseTask(ctx, "w1", time.Minute)
	require.NoError(t, err)
	failed, err := st.FailTask(ctx, leased.ID, "agent timeout")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusQueued, failed.Status)
	assert.Equal(t, "agent timeout", failed.LastError)

	// Attempt 2 fails: attempts(2) >= max(2), terminal.
	leased, err = st.LeaseTask(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, leased)
	failed, err = st.FailTask(ctx, leased.ID, "agent timeout")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusFailed, failed.Status)

	// Terminal: nothing left to lease.
	none, err := st.LeaseTask(ctx, "w1", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, none)
}

// --- Documents ---

func TestSQLite_UpsertDocument_VersionBumps(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	doc := model.EnrichedDocument{
		DocumentID:    "doc-1",
		JobID:         "job-1",
		SchemaVersion: "2026-08",
		Status:        model.DocumentStatusCommitted,
		Fields: map[string]model.FieldValue{
			"metadata.title": {Value: "Letter from 1887", Confidence: 0.92, Provenance: model.ProvenanceActual, Tool: "metadata_extract"},
		},
		Metrics: &model.QualityMetrics{CompletenessScore: 0.9, SchemaVersion: "2026-08"},
	}

	first, err := st.UpsertDocument(ctx, doc)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Version)

	doc.Fields["metadata.creator"] = model.FieldValue{Value: "J. Whitfield", Confidence: 0.88, Provenance: model.ProvenanceActual}
	second, err := st.UpsertDocument(ctx, doc)
	require.NoError(t, err)
	assert.Equal(t, 2, second.Version)
	assert.Len(t, second.Fields, 2)
	require.NotNil(t, second.Metrics)
	assert.Equal(t, 0.9, second.Metrics.CompletenessScore)
}

func TestSQLite_GetDocument_Missing(t *testing.T) {
	st := newTestSQLiteStore(t)

	doc, err := st.GetDocument(context.Background(), "nonexistent")
	require.NoError(t, err)
	assert.Nil(t, doc)
}

func TestSQLite_ListDocuments(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	for _, id := range []string{"d1", "d2"} {
		_, err := st.UpsertDocument(ctx, model.EnrichedDocument{
			DocumentID: id, JobID: "job-1", SchemaVersion: "2026-08",
			Status: model.DocumentStatusCommitted,
			Fields: map[string]model.FieldValue{},
		})
		require.NoError(t, err)
	}
	_, err := st.UpsertDocument(ctx, model.EnrichedDocument{
		DocumentID: "other", JobID: "job-2", SchemaVersion: "2026-08",
		Status: model.DocumentStatusCommitted,
		Fields: map[string]model.FieldValue{},
	})
	require.NoError(t, err)

	docs, err := st.ListDocuments(ctx, "job-1", 10)
	require.NoError(t, err)
	assert.Len(t, docs, 2)
}

// --- Cost records ---

func TestSQLite_CostRecords_SumAndSummarize(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	records := []model.CostRecord{
		{InvocationID: "i1", JobID: "job-1", Tool: "summarize", AmountUSD: 0.05, RecordedAt: now},
		{InvocationID: "i2", JobID: "job-1", Tool: "summarize", AmountUSD: 0.07, RecordedAt: now},
		{InvocationID: "i3", JobID: "job-2", Tool: "classify", AmountUSD: 0.02, RecordedAt: now.Add(-48 * time.Hour)},
	}
	for _, rec := range records {
		require.NoError(t, st.AppendCostRecord(ctx, rec))
	}

	since, err := st.SumCostSince(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.InDelta(t, 0.12, since, 1e-9)

	byJob, err := st.SumCostByJob(ctx, "job-2")
	require.NoError(t, err)
	assert.InDelta(t, 0.02, byJob, 1e-9)

	aggs, err := st.SummarizeCost(ctx, CostFilter{JobID: "job-1"})
	require.NoError(t, err)
	require.Len(t, aggs, 1)
	assert.Equal(t, "summarize", aggs[0].Tool)
	assert.Equal(t, 2, aggs[0].Calls)
	assert.InDelta(t, 0.12, aggs[0].AmountUSD, 1e-9)
}

// --- Review tasks ---

func TestSQLite_ReviewTask_Lifecycle(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	rt := model.ReviewTask{
		ID:                "rt-1",
		DocumentID:        "doc-1",
		Cycle:             1,
		Status:            model.ReviewStatusPending,
		CompletenessScore: 0.85,
		MissingFields:     []string{"summary.abstract", "entities.places"},
	}
	require.NoError(t, st.UpsertReviewTask(ctx, rt))

	pending, err := st.ListReviewTasks(ctx, model.ReviewStatusPending, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, []string{"summary.abstract", "entities.places"}, pending[0].MissingFields)

	require.NoError(t, st.ResolveReviewTask(ctx, "rt-1", model.ReviewStatusApproved, "archivist@example.org"))

	resolved, err := st.GetReviewTask(ctx, "rt-1")
	require.NoError(t, err)
	require.NotNil(t, resolved)
	assert.Equal(t, model.ReviewStatusApproved, resolved.Status)
	assert.Equal(t, "archivist@example.org", resolved.ResolvedBy)
	assert.NotNil(t, resolved.ResolvedAt)

	// Resolving twice fails: no longer pending.
	err = st.ResolveReviewTask(ctx, "rt-1", model.ReviewStatusRejected, "someone-else")
	assert.Error(t, err)
}

func TestSQLite_ReviewTask_CountCycles(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	for cycle := 1; cycle <= 3; cycle++ {
		require.NoError(t, st.UpsertReviewTask(ctx, model.ReviewTask{
			DocumentID: "doc-1", Cycle: cycle,
			Status: model.ReviewStatusRejected, CompletenessScore: 0.5,
		}))
	}

	n, err := st.CountReviewCycles(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestSQLite_ReviewTask_UpsertSameCycle(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	rt := model.ReviewTask{DocumentID: "doc-1", Cycle: 1, Status: model.ReviewStatusPending, CompletenessScore: 0.6}
	require.NoError(t, st.UpsertReviewTask(ctx, rt))

	rt.CompletenessScore = 0.65
	require.NoError(t, st.UpsertReviewTask(ctx, rt))

	n, err := st.CountReviewCycles(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// --- Migrate ---

func TestSQLite_Migrate_Idempotent(t *testing.T) {
	st := newTestSQLiteStore(t)

	err := st.Migrate(context.Background())
	require.NoError(t, err)
}
