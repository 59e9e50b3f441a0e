package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kgraph/internal/mapping"
	"kgraph/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testProv(runID string) types.Provenance {
	return types.Provenance{KBID: "docs", SourceID: "api", RunID: runID, UpdatedAt: time.Now()}
}

func TestEnsureKBIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.EnsureKB(ctx, "docs"))
	require.NoError(t, s.EnsureKB(ctx, "docs"))

	v, err := s.KBVersion(ctx, "docs")
	require.NoError(t, err)
	assert.Equal(t, currentKBSchemaVersion, v)

	v, err = s.KBVersion(ctx, "never-seen")
	require.NoError(t, err)
	assert.Zero(t, v)
}

func TestUpsertNodesMergesProperties(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureKB(ctx, "docs"))

	ref := mapping.NodeRef{Label: "Person", KeyProp: "name", KeyValue: "ada"}

	_, err := s.UpsertNodes(ctx, "docs", []mapping.NodeUpsert{
		{Ref: ref, Props: map[string]any{"city": "London", "age": float64(36)}},
	}, testProv("r1"))
	require.NoError(t, err)

	// Second upsert overwrites city, leaves age alone, adds title.
	_, err = s.UpsertNodes(ctx, "docs", []mapping.NodeUpsert{
		{Ref: ref, Props: map[string]any{"city": "Paris", "title": "engineer"}},
	}, testProv("r2"))
	require.NoError(t, err)

	n, err := s.GetNode(ctx, "docs", ref)
	require.NoError(t, err)
	require.NotNil(t, n)
	assert.Equal(t, "Paris", n.Props["city"])
	assert.Equal(t, float64(36), n.Props["age"])
	assert.Equal(t, "engineer", n.Props["title"])
	assert.Equal(t, "ada", n.Props["name"])

	counts, err := s.Count(ctx, "docs")
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Nodes)
}

func TestUpsertNodesKBIsolation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureKB(ctx, "docs"))
	require.NoError(t, s.EnsureKB(ctx, "wiki"))

	ref := mapping.NodeRef{Label: "Person", KeyProp: "name", KeyValue: "ada"}
	_, err := s.UpsertNodes(ctx, "docs", []mapping.NodeUpsert{{Ref: ref}}, testProv("r1"))
	require.NoError(t, err)

	n, err := s.GetNode(ctx, "wiki", ref)
	require.NoError(t, err)
	assert.Nil(t, n)
}

func TestUpsertNodesRejectsEmptyKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertNodes(ctx, "docs", []mapping.NodeUpsert{
		{Ref: mapping.NodeRef{Label: "Person", KeyProp: "name"}},
	}, testProv("r1"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrConstraintViolation))
}

func TestUpsertEdgesDeduplicatesAndCreatesEndpoints(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureKB(ctx, "docs"))

	ada := mapping.NodeRef{Label: "Person", KeyProp: "name", KeyValue: "ada"}
	grace := mapping.NodeRef{Label: "Person", KeyProp: "name", KeyValue: "grace"}

	edge := mapping.EdgeUpsert{Type: "KNOWS", From: ada, To: grace}
	_, err := s.UpsertEdges(ctx, "docs", []mapping.EdgeUpsert{edge, edge}, testProv("r1"))
	require.NoError(t, err)
	_, err = s.UpsertEdges(ctx, "docs", []mapping.EdgeUpsert{edge}, testProv("r2"))
	require.NoError(t, err)

	counts, err := s.Count(ctx, "docs")
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Edges)
	// Endpoints were created as bare nodes.
	assert.Equal(t, int64(2), counts.Nodes)
}

func TestReplaceChunksIsAtomicPerNode(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureKB(ctx, "docs"))

	ref := mapping.NodeRef{Label: "Doc", KeyProp: "id", KeyValue: "d1"}

	n, err := s.ReplaceChunks(ctx, "docs", ref, []ChunkRow{
		{Index: 0, Text: "first", Embedding: []float32{1, 0}},
		{Index: 1, Text: "second", Embedding: []float32{0, 1}},
		{Index: 2, Text: "third", Embedding: []float32{1, 1}},
	}, "ollama:embeddinggemma", testProv("r1"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// Replacement drops the old set entirely.
	n, err = s.ReplaceChunks(ctx, "docs", ref, []ChunkRow{
		{Index: 0, Text: "only", Embedding: []float32{0, 1}},
	}, "ollama:embeddinggemma", testProv("r2"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	counts, err := s.Count(ctx, "docs")
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Chunks)
}

func TestVectorSearchRanksAndFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureKB(ctx, "docs"))

	docRef := mapping.NodeRef{Label: "Doc", KeyProp: "id", KeyValue: "d1"}
	noteRef := mapping.NodeRef{Label: "Note", KeyProp: "id", KeyValue: "n1"}

	_, err := s.ReplaceChunks(ctx, "docs", docRef, []ChunkRow{
		{Index: 0, Text: "exact match", Embedding: []float32{1, 0}},
		{Index: 1, Text: "orthogonal", Embedding: []float32{0, 1}},
	}, "ollama:embeddinggemma", testProv("r1"))
	require.NoError(t, err)
	_, err = s.ReplaceChunks(ctx, "docs", noteRef, []ChunkRow{
		{Index: 0, Text: "diagonal", Embedding: []float32{1, 1}},
	}, "ollama:embeddinggemma", testProv("r1"))
	require.NoError(t, err)

	hits, err := s.VectorSearch(ctx, "docs", []float32{1, 0}, 2, "")
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "exact match", hits[0].Snippet)
	assert.Equal(t, "d1", hits[0].KeyValue)
	assert.Equal(t, "diagonal", hits[1].Snippet)
	assert.Greater(t, hits[0].Similarity, hits[1].Similarity)

	// Label filter excludes the Doc chunks.
	hits, err = s.VectorSearch(ctx, "docs", []float32{1, 0}, 5, "Note")
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "Note", hits[0].Label)

	// Other KBs see nothing.
	hits, err = s.VectorSearch(ctx, "wiki", []float32{1, 0}, 5, "")
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestRunPersistenceRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	started := time.Now().UTC().Truncate(time.Second)
	run := &types.Run{
		RunID:     "run-1",
		KBID:      "docs",
		SourceID:  "api",
		State:     types.RunRunning,
		StartedAt: started,
	}
	require.NoError(t, s.SaveRun(ctx, run))

	run.State = types.RunCompleted
	run.DocsProcessed = 7
	run.NodesUpserted = 12
	run.Errors = []string{"document 3: missing key"}
	run.Warnings = []string{"document 5: edge AUTHORED_BY skipped"}
	run.WarningOverflow = 2
	finished := started.Add(2 * time.Second)
	run.FinishedAt = &finished
	require.NoError(t, s.SaveRun(ctx, run))

	got, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, types.RunCompleted, got.State)
	assert.Equal(t, 7, got.DocsProcessed)
	assert.Equal(t, 12, got.NodesUpserted)
	assert.Equal(t, []string{"document 3: missing key"}, got.Errors)
	assert.Equal(t, []string{"document 5: edge AUTHORED_BY skipped"}, got.Warnings)
	assert.Equal(t, 3, got.WarningCount())
	require.NotNil(t, got.FinishedAt)

	_, err = s.GetRun(ctx, "no-such-run")
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrRunNotFound))
}

func TestListRunsNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i, id := range []string{"run-a", "run-b", "run-c"} {
		require.NoError(t, s.SaveRun(ctx, &types.Run{
			RunID:     id,
			KBID:      "docs",
			SourceID:  "api",
			State:     types.RunCompleted,
			StartedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	runs, err := s.ListRuns(ctx, "docs", 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-c", runs[0].RunID)
	assert.Equal(t, "run-b", runs[1].RunID)
}

func TestListRunsAcrossAllKBs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i, kb := range []string{"docs", "wiki", "docs"} {
		require.NoError(t, s.SaveRun(ctx, &types.Run{
			RunID:     kb + "-" + string(rune('a'+i)),
			KBID:      kb,
			SourceID:  "api",
			State:     types.RunCompleted,
			StartedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	runs, err := s.ListRuns(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "docs-c", runs[0].RunID)
	assert.Equal(t, "wiki-b", runs[1].RunID)
	assert.Equal(t, "docs-a", runs[2].RunID)
}

func TestSourceRegistrationRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	got, err := s.GetSource(ctx, "docs", "api")
	require.NoError(t, err)
	assert.Nil(t, got)

	rec := SourceRecord{URL: "http://connector/docs", AuthRef: "env:TOKEN"}
	require.NoError(t, s.SaveSource(ctx, "docs", "api", rec))

	got, err = s.GetSource(ctx, "docs", "api")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rec, *got)

	// Re-registration replaces the previous endpoint.
	rec2 := SourceRecord{URL: "http://connector/v2/docs"}
	require.NoError(t, s.SaveSource(ctx, "docs", "api", rec2))
	got, err = s.GetSource(ctx, "docs", "api")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rec2, *got)
}

func TestChunksCarryProvenanceTimestamps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureKB(ctx, "docs"))

	ref := mapping.NodeRef{Label: "Doc", KeyProp: "id", KeyValue: "d1"}
	_, err := s.ReplaceChunks(ctx, "docs", ref, []ChunkRow{
		{Index: 0, Text: "first", Embedding: []float32{1, 0}},
	}, "ollama:embeddinggemma", testProv("r1"))
	require.NoError(t, err)

	var sourceID, runID string
	var createdAt, updatedAt time.Time
	err = s.DB().QueryRow(
		"SELECT source_id, run_id, created_at, updated_at FROM chunks").
		Scan(&sourceID, &runID, &createdAt, &updatedAt)
	require.NoError(t, err)
	assert.Equal(t, "api", sourceID)
	assert.Equal(t, "r1", runID)
	assert.False(t, createdAt.IsZero())
	assert.False(t, updatedAt.IsZero())
}

func TestEncodeFloat32Blob(t *testing.T) {
	blob := encodeFloat32Blob([]float32{1, 0.5})
	// Little-endian IEEE 754: 1.0 = 0x3f800000, 0.5 = 0x3f000000.
	assert.Equal(t, []byte{0x00, 0x00, 0x80, 0x3f, 0x00, 0x00, 0x00, 0x3f}, blob)
}

func TestSweepNonTerminalRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveRun(ctx, &types.Run{
		RunID: "stuck", KBID: "docs", SourceID: "api",
		State: types.RunRunning, StartedAt: time.Now().UTC(),
	}))
	require.NoError(t, s.SaveRun(ctx, &types.Run{
		RunID: "done", KBID: "docs", SourceID: "api",
		State: types.RunCompleted, StartedAt: time.Now().UTC(),
	}))

	n, err := s.SweepNonTerminalRuns(ctx, "process crashed")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.GetRun(ctx, "stuck")
	require.NoError(t, err)
	assert.Equal(t, types.RunFailed, got.State)
	assert.Equal(t, "process crashed", got.LastError)
	require.NotNil(t, got.FinishedAt)

	got, err = s.GetRun(ctx, "done")
	require.NoError(t, err)
	assert.Equal(t, types.RunCompleted, got.State)
}
