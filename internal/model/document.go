package model

import "time"

// Provenance marks whether a field value came from a successful tool
// call or was substituted after exhausting retries / skipping a phase.
type Provenance string

const (
	ProvenanceActual   Provenance = "actual"
	ProvenanceFallback Provenance = "fallback"
)

// DocumentStatus is the terminal disposition of an enriched document.
type DocumentStatus string

const (
	DocumentStatusCommitted     DocumentStatus = "committed"
	DocumentStatusPendingReview DocumentStatus = "pending_review"
	DocumentStatusFailed        DocumentStatus = "failed"
)

// FieldValue is a single enriched field, tagged with the confidence the
// producing tool reported and the provenance of the value.
type FieldValue struct {
	Value      any        `json:"value"`
	Confidence float64    `json:"confidence"`
	Provenance Provenance `json:"provenance"`
	Tool       string     `json:"tool,omitempty"`
}

// EnrichedDocument is the accumulated output of all pipeline phases for
// one document. Fields are keyed by dotted path (e.g. "metadata.title")
// so the completeness scorer can walk the schema tree against a flat
// map. Upserted by DocumentID; reprocessing supersedes the previous
// version rather than mutating it.
type EnrichedDocument struct {
	DocumentID    string                `json:"document_id"`
	JobID         string                `json:"job_id"`
	Version       int                   `json:"version"`
	SchemaVersion string                `json:"schema_version"`
	Status        DocumentStatus        `json:"status"`
	Fields        map[string]FieldValue `json:"fields"`
	Metrics       *QualityMetrics       `json:"metrics,omitempty"`
	FailureKind   string                `json:"failure_kind,omitempty"`
	CommittedAt   time.Time             `json:"committed_at"`
}

// LowConfidenceField identifies a present field whose confidence is
// below the configured floor.
type LowConfidenceField struct {
	Field      string  `json:"field"`
	Confidence float64 `json:"confidence"`
}

// QualityMetrics is derived from an EnrichedDocument and the
// required-field schema version it was scored against. It is never
// stored independently of its document.
type QualityMetrics struct {
	CompletenessScore   float64              `json:"completeness_score"`
	MissingFields       []string             `json:"missing_fields,omitempty"`
	LowConfidenceFields []LowConfidenceField `json:"low_confidence_fields,omitempty"`
	SchemaVersion       string               `json:"schema_version"`
}
