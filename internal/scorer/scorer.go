package scorer

import (
	"github.com/meridian-archives/enrich-cli/internal/model"
)

// DefaultConfidenceFloor flags present fields whose confidence is below
// this value for reviewer attention.
const DefaultConfidenceFloor = 0.7

// Score walks the required-field schema against a document's flat field
// map. A field counts as present if its value is non-nil and non-empty;
// completeness is present/total required, defined as 1.0 for an empty
// schema. Present fields below the confidence floor are flagged but
// still count as present. Extra record fields unknown to the schema are
// ignored; schema sections with no populated fields simply score as
// missing, never as an error.
func Score(fields map[string]model.FieldValue, schema *Schema, confidenceFloor float64) model.QualityMetrics {
	if confidenceFloor <= 0 {
		confidenceFloor = DefaultConfidenceFloor
	}

	metrics := model.QualityMetrics{SchemaVersion: schema.Version}

	leaves := schema.Leaves()
	if len(leaves) == 0 {
		metrics.CompletenessScore = 1.0
		return metrics
	}

	present := 0
	for _, path := range leaves {
		fv, ok := fields[path]
		if !ok || !hasValue(fv.Value) {
			metrics.MissingFields = append(metrics.MissingFields, path)
			continue
		}
		present++
		if fv.Confidence < confidenceFloor {
			metrics.LowConfidenceFields = append(metrics.LowConfidenceFields, model.LowConfidenceField{
				Field:      path,
				Confidence: fv.Confidence,
			})
		}
	}

	metrics.CompletenessScore = float64(present) / float64(len(leaves))
	return metrics
}

// hasValue reports whether a field value is non-nil and non-empty.
func hasValue(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case string:
		return val != ""
	case []any:
		return len(val) > 0
	case []string:
		return len(val) > 0
	case map[string]any:
		return len(val) > 0
	default:
		return true
	}
}
