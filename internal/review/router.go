// Package review routes enriched documents to either automatic
// acceptance or a human review queue, and drives the approve/reject
// lifecycle of queued reviews.
package review

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/meridian-archives/enrich-cli/internal/model"
	"github.com/meridian-archives/enrich-cli/internal/store"
)

const (
	// DefaultAutoAcceptThreshold commits documents without review when
	// their completeness is at or above it.
	DefaultAutoAcceptThreshold = 0.95

	// DefaultMaxReprocess caps how many times a rejected document may
	// be sent around the pipeline again.
	DefaultMaxReprocess = 3

	// reviewerTool marks fields edited by a human reviewer.
	reviewerTool = "human_review"
)

// Config tunes the router.
type Config struct {
	AutoAcceptThreshold float64 `yaml:"auto_accept_threshold" mapstructure:"auto_accept_threshold"`
	MaxReprocess        int     `yaml:"max_reprocess" mapstructure:"max_reprocess"`
}

// Router decides the disposition of scored documents.
type Router struct {
	cfg   Config
	store store.Store
}

// NewRouter creates a router over the given store.
func NewRouter(cfg Config, st store.Store) *Router {
	if cfg.AutoAcceptThreshold <= 0 {
		cfg.AutoAcceptThreshold = DefaultAutoAcceptThreshold
	}
	if cfg.MaxReprocess <= 0 {
		cfg.MaxReprocess = DefaultMaxReprocess
	}
	return &Router{cfg: cfg, store: st}
}

// Route persists a pipeline result. Failed documents are stored as-is.
// Complete documents commit immediately; incomplete ones are stored
// pending_review with a review task carrying the missing and
// low-confidence fields.
func (r *Router) Route(ctx context.Context, doc *model.EnrichedDocument) (*model.EnrichedDocument, error) {
	log := zap.L().With(zap.String("document_id", doc.DocumentID))

	if doc.Status == model.DocumentStatusFailed {
		stored, err := r.store.UpsertDocument(ctx, *doc)
		if err != nil {
			return nil, eris.Wrap(err, "review: persist failed document")
		}
		return stored, nil
	}

	if doc.Metrics == nil {
		return nil, eris.Errorf("review: document %s has no metrics", doc.DocumentID)
	}

	if doc.Metrics.CompletenessScore >= r.cfg.AutoAcceptThreshold {
		doc.Status = model.DocumentStatusCommitted
		stored, err := r.store.UpsertDocument(ctx, *doc)
		if err != nil {
			return nil, eris.Wrap(err, "review: commit document")
		}
		log.Info("review: auto-accepted",
			zap.Float64("completeness", doc.Metrics.CompletenessScore),
		)
		return stored, nil
	}

	doc.Status = model.DocumentStatusPendingReview
	stored, err := r.store.UpsertDocument(ctx, *doc)
	if err != nil {
		return nil, eris.Wrap(err, "review: persist pending document")
	}

	cycles, err := r.store.CountReviewCycles(ctx, doc.DocumentID)
	if err != nil {
		return nil, eris.Wrap(err, "review: count cycles")
	}

	rt := model.ReviewTask{
		DocumentID:          doc.DocumentID,
		Cycle:               cycles + 1,
		Status:              model.ReviewStatusPending,
		CompletenessScore:   doc.Metrics.CompletenessScore,
		MissingFields:       doc.Metrics.MissingFields,
		LowConfidenceFields: doc.Metrics.LowConfidenceFields,
	}
	if err := r.store.UpsertReviewTask(ctx, rt); err != nil {
		return nil, eris.Wrap(err, "review: create review task")
	}

	log.Info("review: routed to human review",
		zap.Float64("completeness", doc.Metrics.CompletenessScore),
		zap.Int("cycle", rt.Cycle),
		zap.Strings("missing_fields", doc.Metrics.MissingFields),
	)
	return stored, nil
}

// Approve resolves a pending review, merges the reviewer's edits into
// the document as a new version and commits it.
func (r *Router) Approve(ctx context.Context, reviewID, resolvedBy string, edits map[string]any) (*model.EnrichedDocument, error) {
	rt, err := r.store.GetReviewTask(ctx, reviewID)
	if err != nil {
		return nil, eris.Wrap(err, "review: load review task")
	}
	if rt == nil {
		return nil, eris.Errorf("review: task not found: %s", reviewID)
	}

	if err := r.store.ResolveReviewTask(ctx, reviewID, model.ReviewStatusApproved, resolvedBy); err != nil {
		return nil, err
	}

	doc, err := r.store.GetDocument(ctx, rt.DocumentID)
	if err != nil {
		return nil, eris.Wrap(err, "review: load document")
	}
	if doc == nil {
		return nil, eris.Errorf("review: document not found: %s", rt.DocumentID)
	}

	for path, value := range edits {
		doc.Fields[path] = model.FieldValue{
			Value:      value,
			Confidence: 1.0,
			Provenance: model.ProvenanceActual,
			Tool:       reviewerTool,
		}
	}
	doc.Status = model.DocumentStatusCommitted
	doc.CommittedAt = time.Now().UTC()

	stored, err := r.store.UpsertDocument(ctx, *doc)
	if err != nil {
		return nil, eris.Wrap(err, "review: commit approved document")
	}

	zap.L().Info("review: approved",
		zap.String("document_id", rt.DocumentID),
		zap.String("resolved_by", resolvedBy),
		zap.Int("edits", len(edits)),
		zap.Int("version", stored.Version),
	)
	return stored, nil
}

// Reject resolves a pending review and re-enqueues the document for
// reprocessing, unless it has already been around MaxReprocess times.
// Returns whether a reprocess was scheduled.
func (r *Router) Reject(ctx context.Context, reviewID, resolvedBy string) (bool, error) {
	rt, err := r.store.GetReviewTask(ctx, reviewID)
	if err != nil {
		return false, eris.Wrap(err, "review: load review task")
	}
	if rt == nil {
		return false, eris.Errorf("review: task not found: %s", reviewID)
	}

	if err := r.store.ResolveReviewTask(ctx, reviewID, model.ReviewStatusRejected, resolvedBy); err != nil {
		return false, err
	}

	log := zap.L().With(
		zap.String("document_id", rt.DocumentID),
		zap.String("resolved_by", resolvedBy),
		zap.Int("cycle", rt.Cycle),
	)

	if rt.Cycle >= r.cfg.MaxReprocess {
		log.Warn("review: reprocess cap reached, document stays rejected")
		return false, nil
	}

	doc, err := r.store.GetDocument(ctx, rt.DocumentID)
	if err != nil {
		return false, eris.Wrap(err, "review: load document")
	}
	if doc == nil {
		return false, eris.Errorf("review: document not found: %s", rt.DocumentID)
	}

	if err := r.store.RequeueTask(ctx, doc.JobID, doc.DocumentID); err != nil {
		return false, eris.Wrap(err, "review: requeue document")
	}

	log.Info("review: rejected, document re-enqueued")
	return true, nil
}
