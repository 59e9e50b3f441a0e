package schema

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kgraph/internal/types"
)

const docsSchema = `
kb_id: docs
embedding:
  provider: "ollama:embeddinggemma"
  chunking:
    strategy: by_fields
    fields: [title]
    max_tokens: 256
nodes:
  - label: Document
    key: id
    props: [id, title]
  - label: Person
    key: email
    props: [email, name]
relationships:
  - type: AUTHORED_BY
    from: Document
    to: Person
mappings:
  sources:
    - source_id: docs-src
      connector_url: http://connector/docs
      document_type: document
      extract:
        node: Document
        key: $.id
        assign:
          title: $.title
      edges:
        - type: AUTHORED_BY
          from:
            label: Document
            key: $.id
          to:
            label: Person
            key: $.author.email
            props:
              name: $.author.name
`

func TestParseValidSchema(t *testing.T) {
	s, warnings, err := Parse([]byte(docsSchema))
	require.NoError(t, err)
	require.Equal(t, "docs", s.KBID)

	// Person.email trips the PII heuristic; that is a warning, not an error.
	require.NotEmpty(t, warnings)

	src, ok := s.SourceByID("docs-src")
	require.True(t, ok)
	assert.NotNil(t, src.Extract.KeyPath, "key path compiled at parse time")
	assert.NotNil(t, src.Extract.AssignPaths["title"])
	require.Len(t, src.Edges, 1)
	assert.NotNil(t, src.Edges[0].To.KeyPath)
	assert.NotNil(t, src.Edges[0].To.PropPaths["name"])
}

func TestParseAcceptsJSON(t *testing.T) {
	raw := `{"kb_id":"j","nodes":[{"label":"Product","key":"sku","props":["sku","name"]}],
		"mappings":{"sources":[{"source_id":"p","connector_url":"http://c/p",
		"extract":{"node":"Product","key":"$.sku","assign":{"name":"$.name"}}}]}}`
	s, _, err := Parse([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "j", s.KBID)
}

func TestValidationFailures(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"missing kb_id", `
nodes:
  - {label: A, key: id, props: [id]}
mappings: {sources: []}`},
		{"no nodes", `
kb_id: x
mappings: {sources: []}`},
		{"key not in props", `
kb_id: x
nodes:
  - {label: A, key: id, props: [name]}
mappings: {sources: []}`},
		{"relationship references unknown label", `
kb_id: x
nodes:
  - {label: A, key: id, props: [id]}
relationships:
  - {type: R, from: A, to: Missing}
mappings: {sources: []}`},
		{"extract node undeclared", `
kb_id: x
nodes:
  - {label: A, key: id, props: [id]}
mappings:
  sources:
    - source_id: s
      connector_url: http://c
      extract: {node: Missing, key: $.id}`},
		{"assigned property undeclared", `
kb_id: x
nodes:
  - {label: A, key: id, props: [id]}
mappings:
  sources:
    - source_id: s
      connector_url: http://c
      extract:
        node: A
        key: $.id
        assign: {bogus: $.b}`},
		{"bad path expression", `
kb_id: x
nodes:
  - {label: A, key: id, props: [id]}
mappings:
  sources:
    - source_id: s
      connector_url: http://c
      extract: {node: A, key: "id.without.dollar"}`},
		{"duplicate source_id", `
kb_id: x
nodes:
  - {label: A, key: id, props: [id]}
mappings:
  sources:
    - source_id: s
      connector_url: http://c
      extract: {node: A, key: $.id}
    - source_id: s
      connector_url: http://c2
      extract: {node: A, key: $.id}`},
		{"edge references undeclared relationship", `
kb_id: x
nodes:
  - {label: A, key: id, props: [id]}
mappings:
  sources:
    - source_id: s
      connector_url: http://c
      extract: {node: A, key: $.id}
      edges:
        - type: NOPE
          from: {label: A, key: $.id}
          to: {label: A, key: $.id}`},
		{"unknown chunking strategy", `
kb_id: x
embedding:
  provider: "ollama:m"
  chunking: {strategy: zigzag}
nodes:
  - {label: A, key: id, props: [id]}
mappings: {sources: []}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := Parse([]byte(tc.raw))
			require.Error(t, err)
			assert.True(t, errors.Is(err, types.ErrSchemaInvalid), "expected ErrSchemaInvalid, got %v", err)
		})
	}
}

func TestPIIWarningsAreNotFatal(t *testing.T) {
	raw := `
kb_id: hr
nodes:
  - label: Employee
    key: badge
    props: [badge, ssn, home_phone]
mappings:
  sources:
    - source_id: hr-feed
      connector_url: http://c/hr
      extract:
        node: Employee
        key: $.badge
        assign:
          ssn: $.ssn
`
	_, warnings, err := Parse([]byte(raw))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(warnings), 2)
}

func TestRegistryRegisterGetList(t *testing.T) {
	r := NewRegistry()

	kbID, _, err := r.Register([]byte(docsSchema))
	require.NoError(t, err)
	assert.Equal(t, "docs", kbID)

	s, err := r.Get("docs")
	require.NoError(t, err)
	assert.Equal(t, "docs", s.KBID)

	_, err = r.Get("nope")
	assert.True(t, errors.Is(err, types.ErrKBNotFound))

	assert.Equal(t, []string{"docs"}, r.ListKBs())
}

func TestRegistryReplaceIsAtomic(t *testing.T) {
	r := NewRegistry()
	_, _, err := r.Register([]byte(docsSchema))
	require.NoError(t, err)

	old, err := r.Get("docs")
	require.NoError(t, err)

	// A second registration replaces the stored schema but the captured
	// snapshot remains usable.
	replacement := `
kb_id: docs
nodes:
  - {label: Topic, key: name, props: [name]}
mappings:
  sources:
    - source_id: topics
      connector_url: http://c/topics
      extract: {node: Topic, key: $.name}
`
	_, _, err = r.Register([]byte(replacement))
	require.NoError(t, err)

	current, err := r.Get("docs")
	require.NoError(t, err)
	assert.NotEqual(t, old, current)
	_, ok := old.NodeByLabel("Document")
	assert.True(t, ok, "snapshot keeps its declarations")
	_, ok = current.NodeByLabel("Topic")
	assert.True(t, ok)
}

func TestRegistryRejectsInvalidWithoutClobbering(t *testing.T) {
	r := NewRegistry()
	_, _, err := r.Register([]byte(docsSchema))
	require.NoError(t, err)

	_, _, err = r.Register([]byte(`kb_id: docs`))
	require.Error(t, err)

	s, err := r.Get("docs")
	require.NoError(t, err)
	_, ok := s.NodeByLabel("Document")
	assert.True(t, ok, "invalid registration must not replace the active schema")
}
