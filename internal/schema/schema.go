// Package schema implements the per-knowledge-base schema registry: parsing
// and validation of declarative schema descriptors, compiled path caching,
// and the process-wide registry keyed by kb_id.
package schema

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"kgraph/internal/jsonpath"
	"kgraph/internal/types"
)

// Chunking strategy names accepted by the embedding section.
const (
	ChunkByFields   = "by_fields"
	ChunkByHeadings = "by_headings"
	ChunkSentence   = "sentence"
	ChunkParagraph  = "paragraph"
)

// Schema is the parsed, validated descriptor for one knowledge base.
// Path expressions are compiled once here and reused per document.
type Schema struct {
	KBID          string         `yaml:"kb_id"`
	Embedding     *EmbeddingSpec `yaml:"embedding,omitempty"`
	Nodes         []NodeSpec     `yaml:"nodes"`
	Relationships []RelSpec      `yaml:"relationships,omitempty"`
	Mappings      MappingsSpec   `yaml:"mappings"`
}

// EmbeddingSpec selects the provider and chunking policy for a KB.
type EmbeddingSpec struct {
	Provider string       `yaml:"provider"`
	Chunking ChunkingSpec `yaml:"chunking"`
}

// ChunkingSpec names the chunking strategy and its parameters.
type ChunkingSpec struct {
	Strategy  string   `yaml:"strategy"`
	Fields    []string `yaml:"fields,omitempty"`
	MaxTokens int      `yaml:"max_tokens,omitempty"`
}

// NodeSpec declares a node label, its natural key property, and the allowed
// property names.
type NodeSpec struct {
	Label string   `yaml:"label"`
	Key   string   `yaml:"key"`
	Props []string `yaml:"props"`
}

// HasProp reports whether name is declared on this node.
func (n *NodeSpec) HasProp(name string) bool {
	for _, p := range n.Props {
		if p == name {
			return true
		}
	}
	return false
}

// RelSpec declares a relationship type between two node labels.
type RelSpec struct {
	Type string `yaml:"type"`
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// MappingsSpec groups the per-source mappings.
type MappingsSpec struct {
	Sources []SourceSpec `yaml:"sources"`
}

// SourceSpec describes one external source and how its documents become
// nodes and edges.
type SourceSpec struct {
	SourceID     string       `yaml:"source_id"`
	ConnectorURL string       `yaml:"connector_url"`
	DocumentType string       `yaml:"document_type,omitempty"`
	Extract      ExtractSpec  `yaml:"extract"`
	Edges        []EdgeSpec   `yaml:"edges,omitempty"`
}

// ExtractSpec defines the target node and key/property path assignments.
type ExtractSpec struct {
	Node   string            `yaml:"node"`
	Key    string            `yaml:"key"`
	Assign map[string]string `yaml:"assign,omitempty"`

	// Compiled at registration.
	KeyPath     *jsonpath.Path            `yaml:"-"`
	AssignPaths map[string]*jsonpath.Path `yaml:"-"`
}

// EdgeSpec defines one emitted relationship with its endpoint bindings.
type EdgeSpec struct {
	Type string       `yaml:"type"`
	From EndpointSpec `yaml:"from"`
	To   EndpointSpec `yaml:"to"`
}

// EndpointSpec binds an edge endpoint to a node label, a key path, and
// optional property paths materialized on the endpoint node.
type EndpointSpec struct {
	Label string            `yaml:"label"`
	Key   string            `yaml:"key"`
	Props map[string]string `yaml:"props,omitempty"`

	// Compiled at registration.
	KeyPath   *jsonpath.Path            `yaml:"-"`
	PropPaths map[string]*jsonpath.Path `yaml:"-"`
}

// NodeByLabel returns the node declaration for label.
func (s *Schema) NodeByLabel(label string) (*NodeSpec, bool) {
	for i := range s.Nodes {
		if s.Nodes[i].Label == label {
			return &s.Nodes[i], true
		}
	}
	return nil, false
}

// RelByType returns the relationship declaration for t.
func (s *Schema) RelByType(t string) (*RelSpec, bool) {
	for i := range s.Relationships {
		if s.Relationships[i].Type == t {
			return &s.Relationships[i], true
		}
	}
	return nil, false
}

// SourceByID returns the source mapping for id.
func (s *Schema) SourceByID(id string) (*SourceSpec, bool) {
	for i := range s.Mappings.Sources {
		if s.Mappings.Sources[i].SourceID == id {
			return &s.Mappings.Sources[i], true
		}
	}
	return nil, false
}

// piiNames is the heuristic set matched (case-insensitively, substring) to
// flag likely personally identifiable fields. Matches produce warnings,
// never errors.
var piiNames = []string{
	"ssn", "password", "passwd", "token", "secret", "api_key", "apikey",
	"email", "phone", "dob", "birthdate", "credit_card", "creditcard",
}

func piiWarning(context, name string) (string, bool) {
	lower := strings.ToLower(name)
	for _, p := range piiNames {
		if strings.Contains(lower, p) {
			return fmt.Sprintf("%s: field %q matches PII heuristic %q; ensure downstream access controls cover it", context, name, p), true
		}
	}
	return "", false
}

// Parse decodes a raw descriptor (YAML or JSON; yaml.v3 accepts both),
// validates it, and compiles all path expressions. Violations surface as
// ErrSchemaInvalid; PII heuristics come back as warnings.
func Parse(raw []byte) (*Schema, []string, error) {
	var s Schema
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", types.ErrSchemaInvalid, err)
	}
	warnings, err := s.validate()
	if err != nil {
		return nil, nil, err
	}
	return &s, warnings, nil
}

// validate applies the layered checks: structure, cross-references, path
// compilation, PII warnings.
func (s *Schema) validate() ([]string, error) {
	fail := func(format string, args ...interface{}) error {
		return fmt.Errorf("%w: %s", types.ErrSchemaInvalid, fmt.Sprintf(format, args...))
	}

	// Layer (a): structural shape.
	if strings.TrimSpace(s.KBID) == "" {
		return nil, fail("kb_id is required")
	}
	if len(s.Nodes) == 0 {
		return nil, fail("at least one node declaration is required")
	}
	seenLabels := make(map[string]bool, len(s.Nodes))
	for i := range s.Nodes {
		n := &s.Nodes[i]
		if n.Label == "" {
			return nil, fail("node %d: label is required", i)
		}
		if seenLabels[n.Label] {
			return nil, fail("node label %q declared twice", n.Label)
		}
		seenLabels[n.Label] = true
		if n.Key == "" {
			return nil, fail("node %q: key property is required", n.Label)
		}
		if !n.HasProp(n.Key) {
			return nil, fail("node %q: key property %q must appear in props", n.Label, n.Key)
		}
	}

	seenRels := make(map[string]bool, len(s.Relationships))
	for i := range s.Relationships {
		r := &s.Relationships[i]
		if r.Type == "" {
			return nil, fail("relationship %d: type is required", i)
		}
		if seenRels[r.Type] {
			return nil, fail("relationship type %q declared twice", r.Type)
		}
		seenRels[r.Type] = true
		// Layer (b): cross-references.
		if !seenLabels[r.From] {
			return nil, fail("relationship %q: from label %q is not declared", r.Type, r.From)
		}
		if !seenLabels[r.To] {
			return nil, fail("relationship %q: to label %q is not declared", r.Type, r.To)
		}
	}

	if s.Embedding != nil {
		switch s.Embedding.Chunking.Strategy {
		case ChunkByFields:
			if len(s.Embedding.Chunking.Fields) == 0 {
				return nil, fail("embedding: by_fields chunking requires fields")
			}
		case ChunkByHeadings, ChunkSentence, ChunkParagraph:
			// max_tokens optional; chunker applies a default
		case "":
			return nil, fail("embedding: chunking strategy is required")
		default:
			return nil, fail("embedding: unknown chunking strategy %q", s.Embedding.Chunking.Strategy)
		}
	}

	var warnings []string
	warnPII := func(context, name string) {
		if w, hit := piiWarning(context, name); hit {
			warnings = append(warnings, w)
		}
	}
	for i := range s.Nodes {
		for _, p := range s.Nodes[i].Props {
			warnPII(fmt.Sprintf("node %q", s.Nodes[i].Label), p)
		}
	}

	seenSources := make(map[string]bool, len(s.Mappings.Sources))
	for i := range s.Mappings.Sources {
		src := &s.Mappings.Sources[i]
		if src.SourceID == "" {
			return nil, fail("source %d: source_id is required", i)
		}
		if seenSources[src.SourceID] {
			return nil, fail("source_id %q declared twice", src.SourceID)
		}
		seenSources[src.SourceID] = true
		if src.ConnectorURL == "" {
			return nil, fail("source %q: connector_url is required", src.SourceID)
		}

		node, ok := s.NodeByLabel(src.Extract.Node)
		if !ok {
			return nil, fail("source %q: extract node %q is not declared", src.SourceID, src.Extract.Node)
		}
		if src.Extract.Key == "" {
			return nil, fail("source %q: extract key path is required", src.SourceID)
		}

		// Paths compile once at registration and are cached on the source.
		var err error
		if src.Extract.KeyPath, err = jsonpath.Compile(src.Extract.Key); err != nil {
			return nil, fail("source %q: key path: %v", src.SourceID, err)
		}
		src.Extract.AssignPaths = make(map[string]*jsonpath.Path, len(src.Extract.Assign))
		for prop, expr := range src.Extract.Assign {
			if !node.HasProp(prop) {
				return nil, fail("source %q: assigned property %q is not declared on node %q", src.SourceID, prop, node.Label)
			}
			warnPII(fmt.Sprintf("source %q assign", src.SourceID), prop)
			if src.Extract.AssignPaths[prop], err = jsonpath.Compile(expr); err != nil {
				return nil, fail("source %q: assign %q: %v", src.SourceID, prop, err)
			}
		}

		for j := range src.Edges {
			e := &src.Edges[j]
			rel, ok := s.RelByType(e.Type)
			if !ok {
				return nil, fail("source %q: edge %d references undeclared relationship %q", src.SourceID, j, e.Type)
			}
			for _, pair := range []struct {
				name     string
				ep       *EndpointSpec
				expected string
			}{
				{"from", &e.From, rel.From},
				{"to", &e.To, rel.To},
			} {
				ep := pair.ep
				if ep.Label == "" {
					ep.Label = pair.expected
				}
				if ep.Label != pair.expected {
					return nil, fail("source %q: edge %q %s label %q does not match relationship (%q)",
						src.SourceID, e.Type, pair.name, ep.Label, pair.expected)
				}
				epNode, ok := s.NodeByLabel(ep.Label)
				if !ok {
					return nil, fail("source %q: edge %q %s label %q is not declared", src.SourceID, e.Type, pair.name, ep.Label)
				}
				if ep.Key == "" {
					return nil, fail("source %q: edge %q %s key path is required", src.SourceID, e.Type, pair.name)
				}
				if ep.KeyPath, err = jsonpath.Compile(ep.Key); err != nil {
					return nil, fail("source %q: edge %q %s key: %v", src.SourceID, e.Type, pair.name, err)
				}
				ep.PropPaths = make(map[string]*jsonpath.Path, len(ep.Props))
				for prop, expr := range ep.Props {
					if !epNode.HasProp(prop) {
						return nil, fail("source %q: edge %q %s property %q is not declared on node %q",
							src.SourceID, e.Type, pair.name, prop, ep.Label)
					}
					warnPII(fmt.Sprintf("source %q edge %q", src.SourceID, e.Type), prop)
					if ep.PropPaths[prop], err = jsonpath.Compile(expr); err != nil {
						return nil, fail("source %q: edge %q %s prop %q: %v", src.SourceID, e.Type, pair.name, prop, err)
					}
				}
			}
		}
	}

	return warnings, nil
}
