package model

import "time"

// TaskStatus tracks a task through the at-least-once queue lifecycle.
type TaskStatus string

const (
	TaskStatusQueued TaskStatus = "queued"
	TaskStatusLeased TaskStatus = "leased"
	TaskStatusDone   TaskStatus = "done"
	TaskStatusFailed TaskStatus = "failed"
)

// Task is one unit of work: enrich a single document. Owned by
// whichever worker currently holds the lease; redelivered when the
// lease expires without an ack.
type Task struct {
	ID          string     `json:"id"`
	JobID       string     `json:"job_id"`
	DocumentID  string     `json:"document_id"`
	InputRef    string     `json:"input_ref"`
	Status      TaskStatus `json:"status"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	LeasedBy    string     `json:"leased_by,omitempty"`
	LeaseUntil  *time.Time `json:"lease_until,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	EnqueuedAt  time.Time  `json:"enqueued_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// JobStatus tracks the overall state of a batch.
type JobStatus string

const (
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
)

// JobCounters holds aggregate task counts for a job.
type JobCounters struct {
	Queued     int `json:"queued"`
	InProgress int `json:"in_progress"`
	Succeeded  int `json:"succeeded"`
	Failed     int `json:"failed"`
}

// Job is a batch of tasks sharing an input scan. The checkpoint is the
// last input key the coordinator enqueued, so a restarted scan resumes
// instead of starting over. Jobs are never deleted, only marked
// completed.
type Job struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	InputPath  string      `json:"input_path"`
	Status     JobStatus   `json:"status"`
	Counters   JobCounters `json:"counters"`
	Checkpoint string      `json:"checkpoint,omitempty"`
	BudgetUSD  float64     `json:"budget_usd,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}
