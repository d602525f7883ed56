package pipeline

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/meridian-archives/enrich-cli/internal/model"
	"github.com/meridian-archives/enrich-cli/internal/resilience"
	"github.com/meridian-archives/enrich-cli/internal/scorer"
)

// State tracks a document through the pipeline.
type State string

const (
	StatePending       State = "pending"
	StatePhase1Running State = "phase1_running"
	StatePhase2Running State = "phase2_running"
	StatePhase3Running State = "phase3_running"
	StateScoring       State = "scoring"
	StateCommitted     State = "committed"
	StateFailed        State = "failed"
)

// PhaseGate decides whether an optional phase may spend.
type PhaseGate interface {
	IsPhaseEnabled(ctx context.Context, phase model.Phase, job *model.Job, estimate float64) bool
	Estimate(tool string) float64
}

// DocumentInput is one document to enrich.
type DocumentInput struct {
	DocumentID string
	JobID      string
	Job        *model.Job
	Text       string
}

// toolFailure records a tool that exhausted its retries.
type toolFailure struct {
	tool     string
	kind     resilience.ErrorKind
	attempts int
	err      error
}

// Orchestrator drives one document through the phase state machine.
type Orchestrator struct {
	invoker Invoker
	gate    PhaseGate
	schema  *scorer.Schema
	floor   float64
}

// NewOrchestrator creates an orchestrator. A nil schema uses the
// built-in one; a nil gate never skips the optional phase.
func NewOrchestrator(invoker Invoker, gate PhaseGate, schema *scorer.Schema, confidenceFloor float64) *Orchestrator {
	if schema == nil {
		schema = scorer.DefaultSchema()
	}
	if confidenceFloor <= 0 {
		confidenceFloor = scorer.DefaultConfidenceFloor
	}
	return &Orchestrator{invoker: invoker, gate: gate, schema: schema, floor: confidenceFloor}
}

// Run enriches one document. The returned document always carries
// whatever fields were assembled, scored against the schema; the error
// is non-nil only when a required phase-1 tool permanently failed, in
// which case the document status is failed and the partial fields are
// kept for diagnostics.
func (o *Orchestrator) Run(ctx context.Context, in DocumentInput) (*model.EnrichedDocument, error) {
	log := zap.L().With(
		zap.String("document_id", in.DocumentID),
		zap.String("job_id", in.JobID),
	)
	start := time.Now()

	doc := &model.EnrichedDocument{
		DocumentID:    in.DocumentID,
		JobID:         in.JobID,
		SchemaVersion: o.schema.Version,
		Fields:        make(map[string]model.FieldValue),
	}

	var mu sync.Mutex
	merge := func(fields map[string]model.FieldValue) {
		mu.Lock()
		defer mu.Unlock()
		for path, fv := range fields {
			doc.Fields[path] = fv
		}
	}

	baseParams := map[string]any{
		"document_id": in.DocumentID,
		"text":        in.Text,
	}

	// Phase 1: all three extraction tools concurrently; every one is
	// required.
	log.Info("pipeline: phase starting", zap.String("state", string(StatePhase1Running)))
	var failuresMu sync.Mutex
	var requiredFailures []toolFailure

	g, gCtx := errgroup.WithContext(ctx)
	for _, tool := range []string{ToolMetadataExtract, ToolEntityExtract, ToolStructureParse} {
		g.Go(func() error {
			result, kind, attempts, err := o.invoker.Invoke(gCtx, model.PhaseExtract, tool, baseParams)
			if err != nil {
				failuresMu.Lock()
				requiredFailures = append(requiredFailures, toolFailure{tool: tool, kind: kind, attempts: attempts, err: err})
				failuresMu.Unlock()
				return nil
			}
			merge(Flatten(tool, result.Data))
			return nil
		})
	}
	_ = g.Wait()

	if len(requiredFailures) > 0 {
		first := requiredFailures[0]
		doc.Status = model.DocumentStatusFailed
		doc.FailureKind = string(first.kind)
		metrics := scorer.Score(doc.Fields, o.schema, o.floor)
		doc.Metrics = &metrics
		log.Error("pipeline: required tool permanently failed",
			zap.String("tool", first.tool),
			zap.String("error_kind", string(first.kind)),
			zap.Int("attempts", first.attempts),
			zap.Int("partial_fields", len(doc.Fields)),
			zap.Error(first.err),
		)
		return doc, eris.Wrapf(first.err, "pipeline: required tool %s failed", first.tool)
	}

	// Phase 2: analysis over the phase-1 output. These degrade to
	// fallback placeholders instead of failing the document.
	log.Info("pipeline: phase starting", zap.String("state", string(StatePhase2Running)))

	summarizeParams := map[string]any{
		"document_id": in.DocumentID,
		"text":        in.Text,
		"structure":   o.sectionValues(doc, "structure"),
	}

	g2, g2Ctx := errgroup.WithContext(ctx)
	for tool, params := range map[string]map[string]any{
		ToolSummarize: summarizeParams,
		ToolClassify:  baseParams,
	} {
		g2.Go(func() error {
			o.runOptionalTool(g2Ctx, log, model.PhaseAnalyze, tool, params, merge)
			return nil
		})
	}
	_ = g2.Wait()

	// Phase 3: optional, budget-gated.
	if o.phase3Enabled(ctx, in.Job) {
		log.Info("pipeline: phase starting", zap.String("state", string(StatePhase3Running)))
		contextParams := map[string]any{
			"document_id": in.DocumentID,
			"metadata":    o.sectionValues(doc, "metadata"),
			"entities":    o.sectionValues(doc, "entities"),
			"summary":     o.sectionValues(doc, "summary"),
		}
		o.runOptionalTool(ctx, log, model.PhaseContext, ToolHistoricalContext, contextParams, merge)
	} else {
		log.Info("pipeline: optional phase skipped by budget gate",
			zap.String("tool", ToolHistoricalContext),
		)
		merge(FallbackFields(ToolHistoricalContext, o.schema))
	}

	// Scoring always runs on whatever was assembled.
	log.Debug("pipeline: phase starting", zap.String("state", string(StateScoring)))
	metrics := scorer.Score(doc.Fields, o.schema, o.floor)
	doc.Metrics = &metrics
	doc.Status = model.DocumentStatusCommitted

	log.Info("pipeline: document enriched",
		zap.Float64("completeness", metrics.CompletenessScore),
		zap.Int("missing_fields", len(metrics.MissingFields)),
		zap.Int("low_confidence_fields", len(metrics.LowConfidenceFields)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return doc, nil
}

// runOptionalTool invokes a non-required tool, substituting fallback
// placeholders when it permanently fails.
func (o *Orchestrator) runOptionalTool(ctx context.Context, log *zap.Logger, phase model.Phase, tool string, params map[string]any, merge func(map[string]model.FieldValue)) {
	result, kind, attempts, err := o.invoker.Invoke(ctx, phase, tool, params)
	if err != nil {
		log.Warn("pipeline: optional tool failed, substituting fallback",
			zap.String("tool", tool),
			zap.String("error_kind", string(kind)),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		merge(FallbackFields(tool, o.schema))
		return
	}
	merge(Flatten(tool, result.Data))
}

func (o *Orchestrator) phase3Enabled(ctx context.Context, job *model.Job) bool {
	if o.gate == nil {
		return true
	}
	return o.gate.IsPhaseEnabled(ctx, model.PhaseContext, job, o.gate.Estimate(ToolHistoricalContext))
}

// sectionValues extracts the raw values of one schema section from the
// assembled fields, for feeding into downstream tools.
func (o *Orchestrator) sectionValues(doc *model.EnrichedDocument, section string) map[string]any {
	values := make(map[string]any)
	prefix := section + "."
	for path, fv := range doc.Fields {
		if strings.HasPrefix(path, prefix) && fv.Value != nil {
			values[strings.TrimPrefix(path, prefix)] = fv.Value
		}
	}
	return values
}
