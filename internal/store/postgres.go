package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/meridian-archives/enrich-cli/internal/model"
)

// Pool is the subset of pgxpool.Pool the store uses. pgxmock satisfies
// it, which keeps the Postgres store testable without a live database.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool. Used by tests with
// pgxmock.
func NewPostgresWithPool(pool Pool) *PostgresStore {
	return &PostgresStore{pool: pool, closeFn: func() {}}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS jobs (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL UNIQUE,
	input_path  TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'running',
	checkpoint  TEXT NOT NULL DEFAULT '',
	budget_usd  DOUBLE PRECISION NOT NULL DEFAULT 0,
	queued      INTEGER NOT NULL DEFAULT 0,
	in_progress INTEGER NOT NULL DEFAULT 0,
	succeeded   INTEGER NOT NULL DEFAULT 0,
	failed      INTEGER NOT NULL DEFAULT 0,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
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
	lease_until  TIMESTAMPTZ,
	last_error   TEXT,
	enqueued_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE(job_id, document_id)
);

CREATE TABLE IF NOT EXISTS documents (
	document_id    TEXT PRIMARY KEY,
	job_id         TEXT NOT NULL,
	version        INTEGER NOT NULL DEFAULT 1,
	schema_version TEXT NOT NULL,
	status         TEXT NOT NULL,
	fields         JSONB NOT NULL,
	metrics        JSONB,
	failure_kind   TEXT,
	committed_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS cost_records (
	id            TEXT PRIMARY KEY,
	invocation_id TEXT NOT NULL,
	job_id        TEXT,
	tool          TEXT NOT NULL,
	model_tier    TEXT,
	input_units   BIGINT NOT NULL DEFAULT 0,
	output_units  BIGINT NOT NULL DEFAULT 0,
	amount_usd    DOUBLE PRECISION NOT NULL DEFAULT 0,
	recorded_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS review_tasks (
	id             TEXT PRIMARY KEY,
	document_id    TEXT NOT NULL,
	cycle          INTEGER NOT NULL,
	status         TEXT NOT NULL DEFAULT 'pending',
	score          DOUBLE PRECISION NOT NULL,
	missing        JSONB,
	low_confidence JSONB,
	resolved_by    TEXT,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	resolved_at    TIMESTAMPTZ,
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

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.closeFn()
	return nil
}

// --- Jobs ---

func (s *PostgresStore) CreateJob(ctx context.Context, job model.Job) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, name, input_path, status, checkpoint, budget_usd, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		job.ID, job.Name, job.InputPath, string(job.Status), job.Checkpoint, job.BudgetUSD,
		job.CreatedAt.UTC(), job.UpdatedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: insert job %s", job.Name)
}

const pgJobSelect = `SELECT id, name, input_path, status, checkpoint, budget_usd,
	queued, in_progress, succeeded, failed, created_at, updated_at FROM jobs`

func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	return s.scanJobRow(s.pool.QueryRow(ctx, pgJobSelect+` WHERE id = $1`, jobID))
}

func (s *PostgresStore) GetJobByName(ctx context.Context, name string) (*model.Job, error) {
	return s.scanJobRow(s.pool.QueryRow(ctx, pgJobSelect+` WHERE name = $1`, name))
}

func (s *PostgresStore) scanJobRow(row pgx.Row) (*model.Job, error) {
	var j model.Job
	err := row.Scan(&j.ID, &j.Name, &j.InputPath, &j.Status, &j.Checkpoint, &j.BudgetUSD,
		&j.Counters.Queued, &j.Counters.InProgress, &j.Counters.Succeeded, &j.Counters.Failed,
		&j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan job")
	}
	return &j, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, limit int) ([]model.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, pgJobSelect+` ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		var j model.Job
		if err := rows.Scan(&j.ID, &j.Name, &j.InputPath, &j.Status, &j.Checkpoint, &j.BudgetUSD,
			&j.Counters.Queued, &j.Counters.InProgress, &j.Counters.Succeeded, &j.Counters.Failed,
			&j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan job row")
		}
		jobs = append(jobs, j)
	}
	return jobs, eris.Wrap(rows.Err(), "postgres: list jobs iterate")
}

func (s *PostgresStore) UpdateJobCheckpoint(ctx context.Context, jobID, checkpoint string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET checkpoint = $1, updated_at = now() WHERE id = $2`,
		checkpoint, jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update job checkpoint %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("job not found: %s", jobID)
	}
	return nil
}

func (s *PostgresStore) RefreshJobCounters(ctx context.Context, jobID string) (*model.JobCounters, error) {
	var c model.JobCounters
	err := s.pool.QueryRow(ctx,
		`SELECT
			COUNT(*) FILTER (WHERE status = 'queued'),
			COUNT(*) FILTER (WHERE status = 'leased'),
			COUNT(*) FILTER (WHERE status = 'done'),
			COUNT(*) FILTER (WHERE status = 'failed')
		 FROM tasks WHERE job_id = $1`, jobID,
	).Scan(&c.Queued, &c.InProgress, &c.Succeeded, &c.Failed)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: count tasks for job %s", jobID)
	}

	_, err = s.pool.Exec(ctx,
		`UPDATE jobs SET queued = $1, in_progress = $2, succeeded = $3, failed = $4, updated_at = now() WHERE id = $5`,
		c.Queued, c.InProgress, c.Succeeded, c.Failed, jobID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: update job counters %s", jobID)
	}
	return &c, nil
}

func (s *PostgresStore) MarkJobCompleted(ctx context.Context, jobID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $1, updated_at = now() WHERE id = $2`,
		string(model.JobStatusCompleted), jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark job completed %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("job not found: %s", jobID)
	}
	return nil
}

// --- Task queue ---

func (s *PostgresStore) EnqueueTask(ctx context.Context, task model.Task) (bool, error) {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now().UTC()
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO tasks (id, job_id, document_id, input_ref, status, attempts, max_attempts, enqueued_at, updated_at)
		 VALUES ($1, $2, $3, $4, 'queued', 0, $5, $6, now())
		 ON CONFLICT (job_id, document_id) DO NOTHING`,
		task.ID, task.JobID, task.DocumentID, task.InputRef, task.MaxAttempts, task.EnqueuedAt,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: enqueue task %s", task.DocumentID)
	}
	return tag.RowsAffected() > 0, nil
}

// LeaseTask claims the oldest deliverable task. SKIP LOCKED lets
// concurrent workers lease without contending on the same row. A task
// whose lease expired with the attempt ceiling already spent is moved
// to terminal failed instead of being redelivered: the holder crashed
// without reporting, and FailTask will never run for it.
func (s *PostgresStore) LeaseTask(ctx context.Context, workerID string, lease time.Duration) (*model.Task, error) {
	_, err := s.pool.Exec(ctx,
		`UPDATE tasks SET status = 'failed', leased_by = NULL, lease_until = NULL,
			last_error = 'lease expired after final attempt', updated_at = now()
		 WHERE status = 'leased' AND lease_until <= now() AND attempts >= max_attempts`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: expire exhausted leases")
	}

	until := time.Now().UTC().Add(lease)
	row := s.pool.QueryRow(ctx,
		`UPDATE tasks SET
			status = 'leased',
			leased_by = $1,
			lease_until = $2,
			attempts = attempts + 1,
			updated_at = now()
		 WHERE id = (
			SELECT id FROM tasks
			WHERE (status = 'queued' OR (status = 'leased' AND lease_until <= now()))
				AND attempts < max_attempts
			ORDER BY enqueued_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		 )
		 RETURNING id, job_id, document_id, input_ref, status, attempts, max_attempts,
			COALESCE(leased_by, ''), lease_until, COALESCE(last_error, ''), enqueued_at, updated_at`,
		workerID, until,
	)

	t, err := scanTaskPg(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: lease task")
	}
	return t, nil
}

func (s *PostgresStore) AckTask(ctx context.Context, taskID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET status = 'done', leased_by = NULL, lease_until = NULL, updated_at = now() WHERE id = $1`,
		taskID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: ack task %s", taskID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("task not found: %s", taskID)
	}
	return nil
}

func (s *PostgresStore) FailTask(ctx context.Context, taskID, reason string) (*model.Task, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE tasks SET
			status = CASE WHEN attempts >= max_attempts THEN 'failed' ELSE 'queued' END,
			leased_by = NULL,
			lease_until = NULL,
			last_error = $1,
			updated_at = now()
		 WHERE id = $2
		 RETURNING id, job_id, document_id, input_ref, status, attempts, max_attempts,
			COALESCE(leased_by, ''), lease_until, COALESCE(last_error, ''), enqueued_at, updated_at`,
		reason, taskID,
	)

	t, err := scanTaskPg(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Errorf("task not found: %s", taskID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: fail task %s", taskID)
	}
	return t, nil
}

// RequeueTask puts an already-processed task back in the queue with a
// fresh attempt budget, used when a rejected review sends a document
// around again.
func (s *PostgresStore) RequeueTask(ctx context.Context, jobID, documentID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET status = 'queued', attempts = 0, leased_by = NULL, lease_until = NULL, last_error = NULL, updated_at = now()
		 WHERE job_id = $1 AND document_id = $2`,
		jobID, documentID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: requeue task %s", documentID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("task not found: %s", documentID)
	}
	return nil
}

func (s *PostgresStore) ListTasks(ctx context.Context, jobID string) ([]model.Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, job_id, document_id, input_ref, status, attempts, max_attempts,
			COALESCE(leased_by, ''), lease_until, COALESCE(last_error, ''), enqueued_at, updated_at
		 FROM tasks WHERE job_id = $1 ORDER BY enqueued_at`,
		jobID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list tasks %s", jobID)
	}
	defer rows.Close()

	var tasks []model.Task
	for rows.Next() {
		t, err := scanTaskPg(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan task")
		}
		tasks = append(tasks, *t)
	}
	return tasks, eris.Wrap(rows.Err(), "postgres: list tasks iterate")
}

func scanTaskPg(row pgx.Row) (*model.Task, error) {
	var t model.Task
	var leaseUntil *time.Time
	err := row.Scan(&t.ID, &t.JobID, &t.DocumentID, &t.InputRef, &t.Status, &t.Attempts,
		&t.MaxAttempts, &t.LeasedBy, &leaseUntil, &t.LastError, &t.EnqueuedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.LeaseUntil = leaseUntil
	return &t, nil
}

// --- Documents ---

func (s *PostgresStore) UpsertDocument(ctx context.Context, doc model.EnrichedDocument) (*model.EnrichedDocument, error) {
	fieldsJSON, err := json.Marshal(doc.Fields)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal fields")
	}
	var metricsJSON []byte
	if doc.Metrics != nil {
		metricsJSON, err = json.Marshal(doc.Metrics)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: marshal metrics")
		}
	}
	if doc.CommittedAt.IsZero() {
		doc.CommittedAt = time.Now().UTC()
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO documents (document_id, job_id, version, schema_version, status, fields, metrics, failure_kind, committed_at)
		 VALUES ($1, $2, 1, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (document_id) DO UPDATE SET
			job_id = EXCLUDED.job_id,
			version = documents.version + 1,
			schema_version = EXCLUDED.schema_version,
			status = EXCLUDED.status,
			fields = EXCLUDED.fields,
			metrics = EXCLUDED.metrics,
			failure_kind = EXCLUDED.failure_kind,
			committed_at = EXCLUDED.committed_at
		 RETURNING document_id, job_id, version, schema_version, status, fields, metrics,
			COALESCE(failure_kind, ''), committed_at`,
		doc.DocumentID, doc.JobID, doc.SchemaVersion, string(doc.Status),
		fieldsJSON, metricsJSON, doc.FailureKind, doc.CommittedAt,
	)
	return scanDocumentPg(row)
}

func (s *PostgresStore) GetDocument(ctx context.Context, documentID string) (*model.EnrichedDocument, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT document_id, job_id, version, schema_version, status, fields, metrics,
			COALESCE(failure_kind, ''), committed_at
		 FROM documents WHERE document_id = $1`,
		documentID,
	)
	d, err := scanDocumentPg(row)
	if err != nil && errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return d, err
}

func (s *PostgresStore) ListDocuments(ctx context.Context, jobID string, limit int) ([]model.EnrichedDocument, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT document_id, job_id, version, schema_version, status, fields, metrics,
			COALESCE(failure_kind, ''), committed_at
		 FROM documents WHERE job_id = $1 ORDER BY committed_at DESC LIMIT $2`,
		jobID, limit,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list documents %s", jobID)
	}
	defer rows.Close()

	var docs []model.EnrichedDocument
	for rows.Next() {
		d, err := scanDocumentPg(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, *d)
	}
	return docs, eris.Wrap(rows.Err(), "postgres: list documents iterate")
}

func scanDocumentPg(row pgx.Row) (*model.EnrichedDocument, error) {
	var d model.EnrichedDocument
	var fieldsJSON []byte
	var metricsJSON []byte

	err := row.Scan(&d.DocumentID, &d.JobID, &d.Version, &d.SchemaVersion, &d.Status,
		&fieldsJSON, &metricsJSON, &d.FailureKind, &d.CommittedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrap(err, "postgres: document not found")
		}
		return nil, eris.Wrap(err, "postgres: scan document")
	}

	if err := json.Unmarshal(fieldsJSON, &d.Fields); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal document fields")
	}
	if len(metricsJSON) > 0 {
		d.Metrics = &model.QualityMetrics{}
		if err := json.Unmarshal(metricsJSON, d.Metrics); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal document metrics")
		}
	}
	return &d, nil
}

// --- Cost records ---

func (s *PostgresStore) AppendCostRecord(ctx context.Context, rec model.CostRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO cost_records (id, invocation_id, job_id, tool, model_tier, input_units, output_units, amount_usd, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.ID, rec.InvocationID, rec.JobID, rec.Tool, rec.ModelTier,
		rec.InputUnits, rec.OutputUnits, rec.AmountUSD, rec.RecordedAt.UTC(),
	)
	return eris.Wrap(err, "postgres: append cost record")
}

func (s *PostgresStore) SumCostSince(ctx context.Context, since time.Time) (float64, error) {
	var sum float64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount_usd), 0) FROM cost_records WHERE recorded_at >= $1`,
		since.UTC(),
	).Scan(&sum)
	return sum, eris.Wrap(err, "postgres: sum cost since")
}

func (s *PostgresStore) SumCostByJob(ctx context.Context, jobID string) (float64, error) {
	var sum float64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount_usd), 0) FROM cost_records WHERE job_id = $1`,
		jobID,
	).Scan(&sum)
	return sum, eris.Wrapf(err, "postgres: sum cost for job %s", jobID)
}

func (s *PostgresStore) SummarizeCost(ctx context.Context, filter CostFilter) ([]CostAggregate, error) {
	query := `SELECT tool, COUNT(*), COALESCE(SUM(amount_usd), 0) FROM cost_records WHERE 1=1`
	var args []any
	if filter.JobID != "" {
		args = append(args, filter.JobID)
		query += fmt.Sprintf(` AND job_id = $%d`, len(args))
	}
	if !filter.Since.IsZero() {
		args = append(args, filter.Since.UTC())
		query += fmt.Sprintf(` AND recorded_at >= $%d`, len(args))
	}
	if !filter.Until.IsZero() {
		args = append(args, filter.Until.UTC())
		query += fmt.Sprintf(` AND recorded_at < $%d`, len(args))
	}
	query += ` GROUP BY tool ORDER BY tool`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: summarize cost")
	}
	defer rows.Close()

	var aggs []CostAggregate
	for rows.Next() {
		var a CostAggregate
		if err := rows.Scan(&a.Tool, &a.Calls, &a.AmountUSD); err != nil {
			return nil, eris.Wrap(err, "postgres: scan cost aggregate")
		}
		aggs = append(aggs, a)
	}
	return aggs, eris.Wrap(rows.Err(), "postgres: summarize cost iterate")
}

// --- Review tasks ---

func (s *PostgresStore) UpsertReviewTask(ctx context.Context, rt model.ReviewTask) error {
	if rt.ID == "" {
		rt.ID = uuid.New().String()
	}
	if rt.CreatedAt.IsZero() {
		rt.CreatedAt = time.Now().UTC()
	}

	missingJSON, err := json.Marshal(rt.MissingFields)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal missing fields")
	}
	lowConfJSON, err := json.Marshal(rt.LowConfidenceFields)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal low confidence fields")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO review_tasks (id, document_id, cycle, status, score, missing, low_confidence, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (document_id, cycle) DO UPDATE SET
			status = EXCLUDED.status,
			score = EXCLUDED.score,
			missing = EXCLUDED.missing,
			low_confidence = EXCLUDED.low_confidence`,
		rt.ID, rt.DocumentID, rt.Cycle, string(rt.Status), rt.CompletenessScore,
		missingJSON, lowConfJSON, rt.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: upsert review task %s", rt.DocumentID)
}

const pgReviewSelect = `SELECT id, document_id, cycle, status, score, missing, low_confidence,
	COALESCE(resolved_by, ''), created_at, resolved_at FROM review_tasks`

func (s *PostgresStore) GetReviewTask(ctx context.Context, id string) (*model.ReviewTask, error) {
	rt, err := scanReviewTaskPg(s.pool.QueryRow(ctx, pgReviewSelect+` WHERE id = $1`, id))
	if err != nil && errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return rt, err
}

func (s *PostgresStore) ListReviewTasks(ctx context.Context, status model.ReviewStatus, limit int) ([]model.ReviewTask, error) {
	if limit <= 0 {
		limit = 100
	}
	query := pgReviewSelect
	var args []any
	if status != "" {
		args = append(args, string(status))
		query += ` WHERE status = $1 ORDER BY created_at LIMIT $2`
	} else {
		query += ` ORDER BY created_at LIMIT $1`
	}
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list review tasks")
	}
	defer rows.Close()

	var tasks []model.ReviewTask
	for rows.Next() {
		rt, err := scanReviewTaskPg(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *rt)
	}
	return tasks, eris.Wrap(rows.Err(), "postgres: list review tasks iterate")
}

func (s *PostgresStore) ResolveReviewTask(ctx context.Context, id string, status model.ReviewStatus, resolvedBy string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE review_tasks SET status = $1, resolved_by = $2, resolved_at = now() WHERE id = $3 AND status = 'pending'`,
		string(status), resolvedBy, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: resolve review task %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("pending review task not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) CountReviewCycles(ctx context.Context, documentID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM review_tasks WHERE document_id = $1`,
		documentID,
	).Scan(&n)
	return n, eris.Wrapf(err, "postgres: count review cycles %s", documentID)
}

func scanReviewTaskPg(row pgx.Row) (*model.ReviewTask, error) {
	var rt model.ReviewTask
	var missingJSON, lowConfJSON []byte
	var resolvedAt *time.Time

	err := row.Scan(&rt.ID, &rt.DocumentID, &rt.Cycle, &rt.Status, &rt.CompletenessScore,
		&missingJSON, &lowConfJSON, &rt.ResolvedBy, &rt.CreatedAt, &resolvedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrap(err, "postgres: review task not found")
		}
		return nil, eris.Wrap(err, "postgres: scan review task")
	}

	if len(missingJSON) > 0 {
		if err := json.Unmarshal(missingJSON, &rt.MissingFields); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal missing fields")
		}
	}
	if len(lowConfJSON) > 0 {
		if err := json.Unmarshal(lowConfJSON, &rt.LowConfidenceFields); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal low confidence fields")
		}
	}
	rt.ResolvedAt = resolvedAt
	return &rt, nil
}
