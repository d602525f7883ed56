package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-archives/enrich-cli/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := NewPostgresWithPool(mock)
	return s, mock
}

func TestPostgresStore_GetJob_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, name, input_path, status, checkpoint, budget_usd`).
		WithArgs("nonexistent-job").
		WillReturnError(pgx.ErrNoRows)

	job, err := s.GetJob(context.Background(), "nonexistent-job")
	require.NoError(t, err)
	assert.Nil(t, job)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateJob(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO jobs`).
		WithArgs("job-1", "batch-1880", "/scans/1880", "running", "", 25.0,
			pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	now := time.Now().UTC()
	err := s.CreateJob(context.Background(), model.Job{
		ID: "job-1", Name: "batch-1880", InputPath: "/scans/1880",
		Status: model.JobStatusRunning, BudgetUSD: 25.0,
		CreatedAt: now, UpdatedAt: now,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_EnqueueTask_Conflict(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	// ON CONFLICT DO NOTHING reports zero rows for a duplicate.
	mock.ExpectExec(`ON CONFLICT \(job_id, document_id\) DO NOTHING`).
		WithArgs(pgxmock.AnyArg(), "job-1", "doc-1", "doc-1.json", 3, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	created, err := s.EnqueueTask(context.Background(), model.Task{
		JobID: "job-1", DocumentID: "doc-1", InputRef: "doc-1.json", MaxAttempts: 3,
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LeaseTask_EmptyQueue(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`attempts >= max_attempts`).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).
		WithArgs("w1", pgxmock.AnyArg()).
		WillReturnError(pgx.ErrNoRows)

	task, err := s.LeaseTask(context.Background(), "w1", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, task)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LeaseTask_ClaimsTask(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	now := time.Now().UTC()
	until := now.Add(time.Minute)
	rows := pgxmock.NewRows([]string{
		"id", "job_id", "document_id", "input_ref", "status", "attempts", "max_attempts",
		"leased_by", "lease_until", "last_error", "enqueued_at", "updated_at",
	}).AddRow("t1", "job-1", "doc-1", "doc-1.json", "leased", 1, 3, "w1", &until, "", now, now)

	mock.ExpectExec(`attempts >= max_attempts`).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`attempts < max_attempts`).
		WithArgs("w1", pgxmock.AnyArg()).
		WillReturnRows(rows)

	task, err := s.LeaseTask(context.Background(), "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, "doc-1", task.DocumentID)
	assert.Equal(t, model.TaskStatusLeased, task.Status)
	assert.Equal(t, 1, task.Attempts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LeaseTask_ExpiresExhaustedLeases(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	// A crashed worker's task with no attempts left goes terminal in
	// the pre-pass; nothing deliverable remains.
	mock.ExpectExec(`UPDATE tasks SET status = 'failed'`).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).
		WithArgs("w1", pgxmock.AnyArg()).
		WillReturnError(pgx.ErrNoRows)

	task, err := s.LeaseTask(context.Background(), "w1", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, task)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AckTask_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE tasks SET status = 'done'`).
		WithArgs("nope").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.AckTask(context.Background(), "nope")
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FailTask_Terminal(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	now := time.Now().UTC()
	rows := pgxmock.NewRows([]string{
		"id", "job_id", "document_id", "input_ref", "status", "attempts", "max_attempts",
		"leased_by", "lease_until", "last_error", "enqueued_at", "updated_at",
	}).AddRow("t1", "job-1", "doc-1", "doc-1.json", "failed", 3, 3, "", (*time.Time)(nil), "boom", now, now)

	mock.ExpectQuery(`UPDATE tasks SET`).
		WithArgs("boom", "t1").
		WillReturnRows(rows)

	task, err := s.FailTask(context.Background(), "t1", "boom")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusFailed, task.Status)
	assert.Equal(t, "boom", task.LastError)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertDocument(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	now := time.Now().UTC()
	fields := []byte(`{"metadata.title":{"value":"Ledger 1891","confidence":0.9,"provenance":"actual"}}`)
	rows := pgxmock.NewRows([]string{
		"document_id", "job_id", "version", "schema_version", "status",
		"fields", "metrics", "failure_kind", "committed_at",
	}).AddRow("doc-1", "job-1", 2, "2026-08", "committed", fields, []byte(nil), "", now)

	mock.ExpectQuery(`ON CONFLICT \(document_id\) DO UPDATE`).
		WithArgs("doc-1", "job-1", "2026-08", "committed",
			pgxmock.AnyArg(), pgxmock.AnyArg(), "", pgxmock.AnyArg()).
		WillReturnRows(rows)

	doc, err := s.UpsertDocument(context.Background(), model.EnrichedDocument{
		DocumentID: "doc-1", JobID: "job-1", SchemaVersion: "2026-08",
		Status: model.DocumentStatusCommitted,
		Fields: map[string]model.FieldValue{
			"metadata.title": {Value: "Ledger 1891", Confidence: 0.9, Provenance: model.ProvenanceActual},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, doc.Version)
	assert.Contains(t, doc.Fields, "metadata.title")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetDocument_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM documents WHERE document_id = \$1`).
		WithArgs("nope").
		WillReturnError(pgx.ErrNoRows)

	doc, err := s.GetDocument(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, doc)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SumCostSince(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT COALESCE\(SUM\(amount_usd\), 0\) FROM cost_records WHERE recorded_at`).
		WithArgs(pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"sum"}).AddRow(1.23))

	sum, err := s.SumCostSince(context.Background(), time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.InDelta(t, 1.23, sum, 1e-9)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SummarizeCost_ByJob(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	rows := pgxmock.NewRows([]string{"tool", "count", "sum"}).
		AddRow("classify", 4, 0.08).
		AddRow("summarize", 2, 0.12)

	mock.ExpectQuery(`GROUP BY tool ORDER BY tool`).
		WithArgs("job-1").
		WillReturnRows(rows)

	aggs, err := s.SummarizeCost(context.Background(), CostFilter{JobID: "job-1"})
	require.NoError(t, err)
	require.Len(t, aggs, 2)
	assert.Equal(t, "classify", aggs[0].Tool)
	assert.Equal(t, 4, aggs[0].Calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ResolveReviewTask_AlreadyResolved(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE review_tasks SET status`).
		WithArgs("approved", "archivist", "rt-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.ResolveReviewTask(context.Background(), "rt-1", model.ReviewStatusApproved, "archivist")
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
