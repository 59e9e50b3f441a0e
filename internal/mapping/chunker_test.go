package mapping

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kgraph/internal/schema"
)

var textNode = schema.NodeSpec{Label: "Document", Key: "id", Props: []string{"id", "title", "body"}}

func TestChunkByFieldsSingleChunk(t *testing.T) {
	spec := &schema.ChunkingSpec{Strategy: schema.ChunkByFields, Fields: []string{"title", "body"}, MaxTokens: 50}
	props := map[string]any{"id": "d1", "title": "Heading", "body": "Some body text."}

	chunks := chunkDocument(spec, &textNode, props)
	require.Len(t, chunks, 1)
	assert.Equal(t, 0, chunks[0].Index)
	assert.Equal(t, "Heading\n\nSome body text.", chunks[0].Text)
}

func TestChunkByFieldsRespectsDeclaredOrder(t *testing.T) {
	spec := &schema.ChunkingSpec{Strategy: schema.ChunkByFields, Fields: []string{"body", "title"}, MaxTokens: 50}
	props := map[string]any{"title": "A", "body": "B"}

	chunks := chunkDocument(spec, &textNode, props)
	require.Len(t, chunks, 1)
	assert.Equal(t, "B\n\nA", chunks[0].Text)
}

func TestChunkByFieldsSplitsOversize(t *testing.T) {
	spec := &schema.ChunkingSpec{Strategy: schema.ChunkByFields, Fields: []string{"body"}, MaxTokens: 5}
	sentences := "one two three four five. six seven eight nine ten."
	chunks := chunkDocument(spec, &textNode, map[string]any{"body": sentences})

	require.Len(t, chunks, 2)
	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
		assert.LessOrEqual(t, len(strings.Fields(c.Text)), 5)
	}
}

func TestChunkByFieldsNoTextualContent(t *testing.T) {
	spec := &schema.ChunkingSpec{Strategy: schema.ChunkByFields, Fields: []string{"title"}}
	assert.Nil(t, chunkDocument(spec, &textNode, map[string]any{"id": "d1"}))
	assert.Nil(t, chunkDocument(spec, &textNode, map[string]any{"title": "   "}))
}

func TestChunkByHeadings(t *testing.T) {
	spec := &schema.ChunkingSpec{Strategy: schema.ChunkByHeadings, MaxTokens: 100}
	body := "intro text\n\n# First\nfirst section\n\n## Second\nsecond section"
	chunks := chunkDocument(spec, &textNode, map[string]any{"body": body})

	require.Len(t, chunks, 3)
	assert.Contains(t, chunks[0].Text, "intro")
	assert.Contains(t, chunks[1].Text, "# First")
	assert.Contains(t, chunks[2].Text, "## Second")
}

func TestChunkSentenceGrouping(t *testing.T) {
	spec := &schema.ChunkingSpec{Strategy: schema.ChunkSentence, MaxTokens: 6}
	body := "One two three. Four five six. Seven eight nine ten."
	chunks := chunkDocument(spec, &textNode, map[string]any{"body": body})

	require.Len(t, chunks, 2)
	assert.Equal(t, "One two three. Four five six.", chunks[0].Text)
	assert.Equal(t, "Seven eight nine ten.", chunks[1].Text)
}

func TestChunkParagraphGrouping(t *testing.T) {
	spec := &schema.ChunkingSpec{Strategy: schema.ChunkParagraph, MaxTokens: 4}
	body := "para one here\n\npara two here\n\nlonger paragraph with many words inside"
	chunks := chunkDocument(spec, &textNode, map[string]any{"body": body})

	require.Len(t, chunks, 3)
	assert.Equal(t, "para one here", chunks[0].Text)
	assert.Equal(t, "para two here", chunks[1].Text)
}

func TestChunkIndexesAreDense(t *testing.T) {
	spec := &schema.ChunkingSpec{Strategy: schema.ChunkParagraph, MaxTokens: 10}
	body := "a\n\n  \n\nb"
	chunks := chunkDocument(spec, &textNode, map[string]any{"body": body})

	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
	}
}
