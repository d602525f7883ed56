// Package scorer validates enriched documents against a required-field
// schema and computes completeness for the review router.
package scorer

import (
	"os"
	"sort"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Node is one level of the required-field tree. An empty (or nil) node
// is a leaf; a non-empty node is a section whose children are required.
type Node map[string]Node

// Schema is the externally supplied required-field document. It is
// versioned so stored records can note which version scored them.
type Schema struct {
	Version  string `yaml:"version"`
	Required Node   `yaml:"required"`
}

// LoadSchema reads a schema document from a YAML file.
func LoadSchema(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "scorer: read schema %s", path)
	}
	return ParseSchema(data)
}

// ParseSchema decodes a schema document.
func ParseSchema(data []byte) (*Schema, error) {
	var s Schema
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, eris.Wrap(err, "scorer: parse schema")
	}
	if s.Version == "" {
		return nil, eris.New("scorer: schema has no version")
	}
	return &s, nil
}

// Leaves returns the dotted paths of every required leaf field, sorted.
func (s *Schema) Leaves() []string {
	var paths []string
	collectLeaves("", s.Required, &paths)
	sort.Strings(paths)
	return paths
}

func collectLeaves(prefix string, node Node, out *[]string) {
	for name, child := range node {
		path := name
		if prefix != "" {
			path = prefix + "." + name
		}
		if len(child) == 0 {
			*out = append(*out, path)
			continue
		}
		collectLeaves(path, child, out)
	}
}

// DefaultSchema returns the built-in required-field schema for scanned
// historical documents, used when no schema file is configured.
func DefaultSchema() *Schema {
	return &Schema{
		Version: "2026-08",
		Required: Node{
			"metadata": Node{
				"title":             nil,
				"creator":           nil,
				"date":              nil,
				"language":          nil,
				"source_collection": nil,
			},
			"physical": Node{
				"medium":    nil,
				"condition": nil,
			},
			"entities": Node{
				"people":        nil,
				"places":        nil,
				"organizations": nil,
			},
			"structure": Node{
				"sections":   nil,
				"tables":     nil,
				"page_count": nil,
			},
			"summary": Node{
				"abstract":   nil,
				"key_points": nil,
			},
			"classification": Node{
				"document_type": nil,
				"subject_tags":  nil,
			},
			"historical_context": Node{
				"period":         nil,
				"significance":   nil,
				"related_events": nil,
			},
		},
	}
}
