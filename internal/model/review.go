package model

import "time"

// ReviewStatus is the lifecycle of a human review pass.
type ReviewStatus string

const (
	ReviewStatusPending  ReviewStatus = "pending"
	ReviewStatusApproved ReviewStatus = "approved"
	ReviewStatusRejected ReviewStatus = "rejected"
)

// ReviewTask routes an incomplete document to a human reviewer. One
// task per (document_id, cycle); rejection re-enqueues the document
// for reprocessing, which starts the next cycle.
type ReviewTask struct {
	ID                  string               `json:"id"`
	DocumentID          string               `json:"document_id"`
	Cycle               int                  `json:"cycle"`
	Status              ReviewStatus         `json:"status"`
	CompletenessScore   float64              `json:"completeness_score"`
	MissingFields       []string             `json:"missing_fields,omitempty"`
	LowConfidenceFields []LowConfidenceField `json:"low_confidence_fields,omitempty"`
	ResolvedBy          string               `json:"resolved_by,omitempty"`
	CreatedAt           time.Time            `json:"created_at"`
	ResolvedAt          *time.Time           `json:"resolved_at,omitempty"`
}
