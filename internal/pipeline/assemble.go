package pipeline

import (
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/meridian-archives/enrich-cli/internal/model"
	"github.com/meridian-archives/enrich-cli/internal/scorer"
)

// Pipeline tool names. Phase 1 tools are required; later phases
// degrade to fallback placeholders.
const (
	ToolMetadataExtract   = "metadata_extract"
	ToolEntityExtract     = "entity_extract"
	ToolStructureParse    = "structure_parse"
	ToolSummarize         = "summarize"
	ToolClassify          = "classify"
	ToolHistoricalContext = "historical_context"
)

// toolSections maps each tool to the top-level schema sections it
// populates. Fallback placeholders are generated from this mapping when
// a tool is skipped or permanently fails.
var toolSections = map[string][]string{
	ToolMetadataExtract:   {"metadata", "physical"},
	ToolEntityExtract:     {"entities"},
	ToolStructureParse:    {"structure"},
	ToolSummarize:         {"summary"},
	ToolClassify:          {"classification"},
	ToolHistoricalContext: {"historical_context"},
}

// Flatten converts a tool's nested result object into dotted-path field
// values. A leaf is either a scalar or an object carrying a "value"
// key (with an optional "confidence"); anything else recurses. OCR
// output arrives in whatever normalization form the scan pipeline
// produced, so string values are NFC-normalized and trimmed before
// they reach the scorer.
func Flatten(tool string, data map[string]any) map[string]model.FieldValue {
	fields := make(map[string]model.FieldValue)
	flattenInto("", tool, data, fields)
	return fields
}

func flattenInto(prefix, tool string, data map[string]any, out map[string]model.FieldValue) {
	for key, raw := range data {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}

		if obj, ok := raw.(map[string]any); ok {
			if val, isLeaf := obj["value"]; isLeaf {
				fv := model.FieldValue{
					Value:      normalizeValue(val),
					Confidence: 1.0,
					Provenance: model.ProvenanceActual,
					Tool:       tool,
				}
				if c, ok := obj["confidence"].(float64); ok {
					fv.Confidence = c
				}
				out[path] = fv
				continue
			}
			flattenInto(path, tool, obj, out)
			continue
		}

		out[path] = model.FieldValue{
			Value:      normalizeValue(raw),
			Confidence: 1.0,
			Provenance: model.ProvenanceActual,
			Tool:       tool,
		}
	}
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(norm.NFC.String(val))
	case []any:
		normalized := make([]any, len(val))
		for i, item := range val {
			normalized[i] = normalizeValue(item)
		}
		return normalized
	default:
		return v
	}
}

// FallbackFields returns nil-valued placeholder fields for every schema
// leaf the given tool would have populated. The placeholders carry
// fallback provenance and score as missing, so a skipped optional phase
// is visible in both the record and its completeness.
func FallbackFields(tool string, schema *scorer.Schema) map[string]model.FieldValue {
	sections := toolSections[tool]
	fields := make(map[string]model.FieldValue)
	for _, path := range schema.Leaves() {
		for _, section := range sections {
			if path == section || strings.HasPrefix(path, section+".") {
				fields[path] = model.FieldValue{
					Value:      nil,
					Confidence: 0,
					Provenance: model.ProvenanceFallback,
					Tool:       tool,
				}
				break
			}
		}
	}
	return fields
}
