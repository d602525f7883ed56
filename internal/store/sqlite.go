package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/meridian-archives/enrich-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures
// WAL mode for concurrent worker goroutines.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS jobs (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL UNIQUE,
	input_path  TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'running',
	checkpoint  TEXT NOT NULL DEFAULT '',
	budget_usd  REAL NOT NULL DEFAULT 0,
	queued      INTEGER NOT NULL DEFAULT 0,
	in_progress INTEGER NOT NULL DEFAULT 0,
	succeeded   INTEGER NOT NULL DEFAULT 0,
	failed      INTEGER NOT NULL DEFAULT 0,
	created_at  DATETIME NOT NULL,
	updated_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
	id           TEXT PRIMARY KEY,
	job_id       TEXT NOT NULL REFERENCES jobs(id),
	document_id  TEXT NOT NULL,
	input_ref    TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'queued',
	attempts     INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 3,
	leased_by    TEXT,
	lease_until  DATETIME,
	last_error   TEXT,
	enqueued_at  DATETIME NOT NULL,
	updated_at   DATETIME NOT NULL,
	UNIQUE(job_id, document_id)
);

CREATE TABLE IF NOT EXISTS documents (
	document_id    TEXT PRIMARY KEY,
	job_id         TEXT NOT NULL,
	version        INTEGER NOT NULL DEFAULT 1,
	schema_version TEXT NOT NULL,
	status         TEXT NOT NULL,
	fields         TEXT NOT NULL,
	metrics        TEXT,
	failure_kind   TEXT,
	committed_at   DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS cost_records (
	id            TEXT PRIMARY KEY,
	invocation_id TEXT NOT NULL,
	job_id        TEXT,
	tool          TEXT NOT NULL,
	model_tier    TEXT,
	input_units   INTEGER NOT NULL DEFAULT 0,
	output_units  INTEGER NOT NULL DEFAULT 0,
	amount_usd    REAL NOT NULL DEFAULT 0,
	recorded_at   DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS review_tasks (
	id             TEXT PRIMARY KEY,
	document_id    TEXT NOT NULL,
	cycle          INTEGER NOT NULL,
	status         TEXT NOT NULL DEFAULT 'pending',
	score          REAL NOT NULL,
	missing        TEXT,
	low_confidence TEXT,
	resolved_by    TEXT,
	created_at     DATETIME NOT NULL,
	resolved_at    DATETIME,
	UNIQUE(document_id, cycle)
);

CREATE INDEX IF NOT EXISTS idx_tasks_job_id ON tasks(job_id);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status, lease_until);
CREATE INDEX IF NOT EXISTS idx_documents_job_id ON documents(job_id);
CREATE INDEX IF NOT EXISTS idx_cost_records_job_id ON cost_records(job_id);
CREATE INDEX IF NOT EXISTS idx_cost_records_recorded_at ON cost_records(recorded_at);
CREATE INDEX IF NOT EXISTS idx_review_tasks_status ON review_tasks(status);
CREATE INDEX IF NOT EXISTS idx_review_tasks_document ON review_tasks(document_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Jobs ---

func (s *SQLiteStore) CreateJob(ctx context.Context, job model.Job) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, name, input_path, status, checkpoint, budget_usd, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Name, job.InputPath, string(job.Status), job.Checkpoint, job.BudgetUSD,
		job.CreatedAt.UTC(), job.UpdatedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: insert job %s", job.Name)
}

func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	return s.scanJob(s.db.QueryRowContext(ctx, sqliteJobSelect+` WHERE id = ?`, jobID))
}

func (s *SQLiteStore) GetJobByName(ctx context.Context, name string) (*model.Job, error) {
	return s.scanJob(s.db.QueryRowContext(ctx, sqliteJobSelect+` WHERE name = ?`, name))
}

const sqliteJobSelect = `SELECT id, name, input_path, status, checkpoint, budget_usd,
	queued, in_progress, succeeded, failed, created_at, updated_at FROM jobs`

func (s *SQLiteStore) scanJob(row *sql.Row) (*model.Job, error) {
	var j model.Job
	err := row.Scan(&j.ID, &j.Name, &j.InputPath, &j.Status, &j.Checkpoint, &j.BudgetUSD,
		&j.Counters.Queued, &j.Counters.InProgress, &j.Counters.Succeeded, &j.Counters.Failed,
		&j.CreatedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan job")
	}
	return &j, nil
}

func (s *SQLiteStore) ListJobs(ctx context.Context, limit int) ([]model.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, sqliteJobSelect+` ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		var j model.Job
		if err := rows.Scan(&j.ID, &j.Name, &j.InputPath, &j.Status, &j.Checkpoint, &j.BudgetUSD,
			&j.Counters.Queued, &j.Counters.InProgress, &j.Counters.Succeeded, &j.Counters.Failed,
			&j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan job row")
		}
		jobs = append(jobs, j)
	}
	return jobs, eris.Wrap(rows.Err(), "sqlite: list jobs iterate")
}

func (s *SQLiteStore) UpdateJobCheckpoint(ctx context.Context, jobID, checkpoint string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET checkpoint = ?, updated_at = ? WHERE id = ?`,
		checkpoint, time.Now().UTC(), jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update job checkpoint %s", jobID)
	}
	return checkRowsAffected(res, "job", jobID)
}

func (s *SQLiteStore) RefreshJobCounters(ctx context.Context, jobID string) (*model.JobCounters, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT
			COALESCE(SUM(CASE WHEN status = 'queued' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'leased' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'done' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0)
		 FROM tasks WHERE job_id = ?`, jobID)

	var c model.JobCounters
	if err := row.Scan(&c.Queued, &c.InProgress, &c.Succeeded, &c.Failed); err != nil {
		return nil, eris.Wrapf(err, "sqlite: count tasks for job %s", jobID)
	}

	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET queued = ?, in_progress = ?, succeeded = ?, failed = ?, updated_at = ? WHERE id = ?`,
		c.Queued, c.InProgress, c.Succeeded, c.Failed, time.Now().UTC(), jobID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: update job counters %s", jobID)
	}
	return &c, nil
}

func (s *SQLiteStore) MarkJobCompleted(ctx context.Context, jobID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?`,
		string(model.JobStatusCompleted), time.Now().UTC(), jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark job completed %s", jobID)
	}
	return checkRowsAffected(res, "job", jobID)
}

// --- Task queue ---

func (s *SQLiteStore) EnqueueTask(ctx context.Context, task model.Task) (bool, error) {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = now
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, job_id, document_id, input_ref, status, attempts, max_attempts, enqueued_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)
		 ON CONFLICT(job_id, document_id) DO NOTHING`,
		task.ID, task.JobID, task.DocumentID, task.InputRef, string(model.TaskStatusQueued),
		task.MaxAttempts, task.EnqueuedAt, now,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: enqueue task %s", task.DocumentID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: enqueue rows affected")
	}
	return n > 0, nil
}

// LeaseTask claims the oldest deliverable task in one statement, so
// two goroutines sharing the store never claim the same row. A task
// whose lease expired with the attempt ceiling already spent is moved
// to terminal failed instead of being redelivered: the holder crashed
// without reporting, and FailTask will never run for it.
func (s *SQLiteStore) LeaseTask(ctx context.Context, workerID string, lease time.Duration) (*model.Task, error) {
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = 'failed', leased_by = NULL, lease_until = NULL,
			last_error = 'lease expired after final attempt', updated_at = ?
		 WHERE status = 'leased' AND lease_until <= ? AND attempts >= max_attempts`,
		now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: expire exhausted leases")
	}

	until := now.Add(lease)
	row := s.db.QueryRowContext(ctx,
		`UPDATE tasks SET status = 'leased', leased_by = ?, lease_until = ?, attempts = attempts + 1, updated_at = ?
		 WHERE id = (
			SELECT id FROM tasks
			WHERE (status = 'queued' OR (status = 'leased' AND lease_until <= ?))
				AND attempts < max_attempts
			ORDER BY enqueued_at LIMIT 1
		 )
		 RETURNING id, job_id, document_id, input_ref, attempts, max_attempts, enqueued_at`,
		workerID, until, now, now,
	)

	var t model.Task
	err = row.Scan(&t.ID, &t.JobID, &t.DocumentID, &t.InputRef, &t.Attempts, &t.MaxAttempts, &t.EnqueuedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: lease claim")
	}

	t.Status = model.TaskStatusLeased
	t.LeasedBy = workerID
	t.LeaseUntil = &until
	t.UpdatedAt = now
	return &t, nil
}

func (s *SQLiteStore) AckTask(ctx context.Context, taskID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = 'done', leased_by = NULL, lease_until = NULL, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), taskID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: ack task %s", taskID)
	}
	return checkRowsAffected(res, "task", taskID)
}

func (s *SQLiteStore) FailTask(ctx context.Context, taskID, reason string) (*model.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: fail begin tx")
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT id, job_id, document_id, input_ref, attempts, max_attempts, enqueued_at FROM tasks WHERE id = ?`,
		taskID,
	)
	var t model.Task
	err = row.Scan(&t.ID, &t.JobID, &t.DocumentID, &t.InputRef, &t.Attempts, &t.MaxAttempts, &t.EnqueuedAt)
	if err == sql.ErrNoRows {
		return nil, eris.Errorf("task not found: %s", taskID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: fail select")
	}

	status := model.TaskStatusQueued
	if t.Attempts >= t.MaxAttempts {
		status = model.TaskStatusFailed
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, leased_by = NULL, lease_until = NULL, last_error = ?, updated_at = ? WHERE id = ?`,
		string(status), reason, now, taskID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: fail update %s", taskID)
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: fail commit")
	}

	t.Status = status
	t.LastError = reason
	t.UpdatedAt = now
	return &t, nil
}

// RequeueTask puts an already-processed task back in the queue with a
// fresh attempt budget, used when a rejected review sends a document
// around again.
func (s *SQLiteStore) RequeueTask(ctx context.Context, jobID, documentID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = 'queued', attempts = 0, leased_by = NULL, lease_until = NULL, last_error = NULL, updated_at = ?
		 WHERE job_id = ? AND document_id = ?`,
		time.Now().UTC(), jobID, documentID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: requeue task %s", documentID)
	}
	return checkRowsAffected(res, "task", documentID)
}

func (s *SQLiteStore) ListTasks(ctx context.Context, jobID string) ([]model.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, document_id, input_ref, status, attempts, max_attempts,
			COALESCE(leased_by, ''), lease_until, COALESCE(last_error, ''), enqueued_at, updated_at
		 FROM tasks WHERE job_id = ? ORDER BY enqueued_at`,
		jobID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list tasks %s", jobID)
	}
	defer rows.Close()

	var tasks []model.Task
	for rows.Next() {
		var t model.Task
		var leaseUntil sql.NullTime
		if err := rows.Scan(&t.ID, &t.JobID, &t.DocumentID, &t.InputRef, &t.Status, &t.Attempts,
			&t.MaxAttempts, &t.LeasedBy, &leaseUntil, &t.LastError, &t.EnqueuedAt, &t.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan task")
		}
		if leaseUntil.Valid {
			t.LeaseUntil = &leaseUntil.Time
		}
		tasks = append(tasks, t)
	}
	return tasks, eris.Wrap(rows.Err(), "sqlite: list tasks iterate")
}

// --- Documents ---

func (s *SQLiteStore) UpsertDocument(ctx context.Context, doc model.EnrichedDocument) (*model.EnrichedDocument, error) {
	fieldsJSON, err := json.Marshal(doc.Fields)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal fields")
	}
	var metricsJSON any
	if doc.Metrics != nil {
		b, err := json.Marshal(doc.Metrics)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: marshal metrics")
		}
		metricsJSON = string(b)
	}

	if doc.CommittedAt.IsZero() {
		doc.CommittedAt = time.Now().UTC()
	}

	// Version bumps on conflict so reprocessing supersedes instead of
	// duplicating.
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO documents (document_id, job_id, version, schema_version, status, fields, metrics, failure_kind, committed_at)
		 VALUES (?, ?, 1, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(document_id) DO UPDATE SET
			job_id = excluded.job_id,
			version = documents.version + 1,
			schema_version = excluded.schema_version,
			status = excluded.status,
			fields = excluded.fields,
			metrics = excluded.metrics,
			failure_kind = excluded.failure_kind,
			committed_at = excluded.committed_at`,
		doc.DocumentID, doc.JobID, doc.SchemaVersion, string(doc.Status),
		string(fieldsJSON), metricsJSON, doc.FailureKind, doc.CommittedAt,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: upsert document %s", doc.DocumentID)
	}

	return s.GetDocument(ctx, doc.DocumentID)
}

func (s *SQLiteStore) GetDocument(ctx context.Context, documentID string) (*model.EnrichedDocument, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT document_id, job_id, version, schema_version, status, fields, metrics,
			COALESCE(failure_kind, ''), committed_at
		 FROM documents WHERE document_id = ?`,
		documentID,
	)
	return scanDocument(row)
}

func (s *SQLiteStore) ListDocuments(ctx context.Context, jobID string, limit int) ([]model.EnrichedDocument, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT document_id, job_id, version, schema_version, status, fields, metrics,
			COALESCE(failure_kind, ''), committed_at
		 FROM documents WHERE job_id = ? ORDER BY committed_at DESC LIMIT ?`,
		jobID, limit,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list documents %s", jobID)
	}
	defer rows.Close()

	var docs []model.EnrichedDocument
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, *d)
	}
	return docs, eris.Wrap(rows.Err(), "sqlite: list documents iterate")
}

// --- Cost records ---

func (s *SQLiteStore) AppendCostRecord(ctx context.Context, rec model.CostRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cost_records (id, invocation_id, job_id, tool, model_tier, input_units, output_units, amount_usd, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.InvocationID, rec.JobID, rec.Tool, rec.ModelTier,
		rec.InputUnits, rec.OutputUnits, rec.AmountUSD, rec.RecordedAt.UTC(),
	)
	return eris.Wrap(err, "sqlite: append cost record")
}

func (s *SQLiteStore) SumCostSince(ctx context.Context, since time.Time) (float64, error) {
	var sum float64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount_usd), 0) FROM cost_records WHERE recorded_at >= ?`,
		since.UTC(),
	).Scan(&sum)
	return sum, eris.Wrap(err, "sqlite: sum cost since")
}

func (s *SQLiteStore) SumCostByJob(ctx context.Context, jobID string) (float64, error) {
	var sum float64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount_usd), 0) FROM cost_records WHERE job_id = ?`,
		jobID,
	).Scan(&sum)
	return sum, eris.Wrapf(err, "sqlite: sum cost for job %s", jobID)
}

func (s *SQLiteStore) SummarizeCost(ctx context.Context, filter CostFilter) ([]CostAggregate, error) {
	query := `SELECT tool, COUNT(*), COALESCE(SUM(amount_usd), 0) FROM cost_records WHERE 1=1`
	var args []any
	if filter.JobID != "" {
		query += ` AND job_id = ?`
		args = append(args, filter.JobID)
	}
	if !filter.Since.IsZero() {
		query += ` AND recorded_at >= ?`
		args = append(args, filter.Since.UTC())
	}
	if !filter.Until.IsZero() {
		query += ` AND recorded_at < ?`
		args = append(args, filter.Until.UTC())
	}
	query += ` GROUP BY tool ORDER BY tool`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: summarize cost")
	}
	defer rows.Close()

	var aggs []CostAggregate
	for rows.Next() {
		var a CostAggregate
		if err := rows.Scan(&a.Tool, &a.Calls, &a.AmountUSD); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan cost aggregate")
		}
		aggs = append(aggs, a)
	}
	return aggs, eris.Wrap(rows.Err(), "sqlite: summarize cost iterate")
}

// --- Review tasks ---

func (s *SQLiteStore) UpsertReviewTask(ctx context.Context, rt model.ReviewTask) error {
	if rt.ID == "" {
		rt.ID = uuid.New().String()
	}
	if rt.CreatedAt.IsZero() {
		rt.CreatedAt = time.Now().UTC()
	}

	missingJSON, err := json.Marshal(rt.MissingFields)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal missing fields")
	}
	lowConfJSON, err := json.Marshal(rt.LowConfidenceFields)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal low confidence fields")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO review_tasks (id, document_id, cycle, status, score, missing, low_confidence, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(document_id, cycle) DO UPDATE SET
			status = excluded.status,
			score = excluded.score,
			missing = excluded.missing,
			low_confidence = excluded.low_confidence`,
		rt.ID, rt.DocumentID, rt.Cycle, string(rt.Status), rt.CompletenessScore,
		string(missingJSON), string(lowConfJSON), rt.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: upsert review task %s", rt.DocumentID)
}

const sqliteReviewSelect = `SELECT id, document_id, cycle, status, score, missing, low_confidence,
	COALESCE(resolved_by, ''), created_at, resolved_at FROM review_tasks`

func (s *SQLiteStore) GetReviewTask(ctx context.Context, id string) (*model.ReviewTask, error) {
	return scanReviewTask(s.db.QueryRowContext(ctx, sqliteReviewSelect+` WHERE id = ?`, id))
}

func (s *SQLiteStore) ListReviewTasks(ctx context.Context, status model.ReviewStatus, limit int) ([]model.ReviewTask, error) {
	if limit <= 0 {
		limit = 100
	}
	query := sqliteReviewSelect
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list review tasks")
	}
	defer rows.Close()

	var tasks []model.ReviewTask
	for rows.Next() {
		rt, err := scanReviewTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *rt)
	}
	return tasks, eris.Wrap(rows.Err(), "sqlite: list review tasks iterate")
}

func (s *SQLiteStore) ResolveReviewTask(ctx context.Context, id string, status model.ReviewStatus, resolvedBy string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE review_tasks SET status = ?, resolved_by = ?, resolved_at = ? WHERE id = ? AND status = 'pending'`,
		string(status), resolvedBy, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: resolve review task %s", id)
	}
	return checkRowsAffected(res, "pending review task", id)
}

func (s *SQLiteStore) CountReviewCycles(ctx context.Context, documentID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM review_tasks WHERE document_id = ?`,
		documentID,
	).Scan(&n)
	return n, eris.Wrapf(err, "sqlite: count review cycles %s", documentID)
}

// --- helpers ---

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanDocument(row scannable) (*model.EnrichedDocument, error) {
	var d model.EnrichedDocument
	var fieldsJSON string
	var metricsJSON sql.NullString

	err := row.Scan(&d.DocumentID, &d.JobID, &d.Version, &d.SchemaVersion, &d.Status,
		&fieldsJSON, &metricsJSON, &d.FailureKind, &d.CommittedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "scan document")
	}

	if err := json.Unmarshal([]byte(fieldsJSON), &d.Fields); err != nil {
		return nil, eris.Wrap(err, "unmarshal document fields")
	}
	if metricsJSON.Valid && metricsJSON.String != "" {
		d.Metrics = &model.QualityMetrics{}
		if err := json.Unmarshal([]byte(metricsJSON.String), d.Metrics); err != nil {
			return nil, eris.Wrap(err, "unmarshal document metrics")
		}
	}
	return &d, nil
}

func scanReviewTask(row scannable) (*model.ReviewTask, error) {
	var rt model.ReviewTask
	var missingJSON, lowConfJSON sql.NullString
	var resolvedAt sql.NullTime

	err := row.Scan(&rt.ID, &rt.DocumentID, &rt.Cycle, &rt.Status, &rt.CompletenessScore,
		&missingJSON, &lowConfJSON, &rt.ResolvedBy, &rt.CreatedAt, &resolvedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "scan review task")
	}

	if missingJSON.Valid && missingJSON.String != "" {
		if err := json.Unmarshal([]byte(missingJSON.String), &rt.MissingFields); err != nil {
			return nil, eris.Wrap(err, "unmarshal missing fields")
		}
	}
	if lowConfJSON.Valid && lowConfJSON.String != "" {
		if err := json.Unmarshal([]byte(lowConfJSON.String), &rt.LowConfidenceFields); err != nil {
			return nil, eris.Wrap(err, "unmarshal low confidence fields")
		}
	}
	if resolvedAt.Valid {
		rt.ResolvedAt = &resolvedAt.Time
	}
	return &rt, nil
}
