package model

import "time"

// Phase identifies an ordered stage of the enrichment pipeline.
type Phase string

const (
	PhaseExtract Phase = "phase1_extract"
	PhaseAnalyze Phase = "phase2_analyze"
	PhaseContext Phase = "phase3_context"
)

// ToolInvocation describes one attempt at a remote agent call. It is
// created immediately before the RPC is issued and exists only for the
// call's lifetime; the invocation id doubles as the correlation id of
// the pending entry in the transport's waiter table.
type ToolInvocation struct {
	ID        string         `json:"id"`
	Tool      string         `json:"tool"`
	Phase     Phase          `json:"phase"`
	Params    map[string]any `json:"params"`
	Deadline  time.Duration  `json:"deadline"`
	Attempt   int            `json:"attempt"`
	ErrorKind string         `json:"error_kind,omitempty"`
}

// CostRecord is the append-only accounting entry written after every
// completed invocation, successful or not. Amount may be zero when the
// remote side reported no usage.
type CostRecord struct {
	ID           string    `json:"id"`
	InvocationID string    `json:"invocation_id"`
	JobID        string    `json:"job_id,omitempty"`
	Tool         string    `json:"tool"`
	ModelTier    string    `json:"model_tier,omitempty"`
	InputUnits   int64     `json:"input_units"`
	OutputUnits  int64     `json:"output_units"`
	AmountUSD    float64   `json:"amount_usd"`
	RecordedAt   time.Time `json:"recorded_at"`
}
