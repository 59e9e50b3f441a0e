package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kgraph/internal/types"
)

// fakeOllama serves the /api/embeddings shape with fixed-dimension vectors.
func fakeOllama(t *testing.T, dim int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/embeddings", r.URL.Path)
		var req struct {
			Model  string `json:"model"`
			Prompt string `json:"prompt"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		vec := make([]float32, dim)
		for i := range vec {
			vec[i] = float32(len(req.Prompt)%7) + float32(i)
		}
		json.NewEncoder(w).Encode(map[string]any{"embedding": vec})
	}))
}

func TestOllamaEngineEmbedBatchOrdering(t *testing.T) {
	srv := fakeOllama(t, 4)
	defer srv.Close()

	e, err := NewOllamaEngine(srv.URL, "embeddinggemma", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 768, e.Dimensions())
	assert.Equal(t, "ollama:embeddinggemma", e.Name())

	vecs, err := e.EmbedBatch(context.Background(), []string{"a", "bb", "ccc"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	for _, v := range vecs {
		assert.Len(t, v, 4)
	}
}

func TestRemoteEngineBearerAuthAndIndexOrdering(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/embeddings", r.URL.Path)
		require.Equal(t, "Bearer sekrit", r.Header.Get("Authorization"))
		var req struct {
			Input []string `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		// Return entries reversed; index must restore order.
		data := make([]map[string]any, 0, len(req.Input))
		for i := len(req.Input) - 1; i >= 0; i-- {
			data = append(data, map[string]any{
				"index":     i,
				"embedding": []float32{float32(i), float32(i)},
			})
		}
		json.NewEncoder(w).Encode(map[string]any{"data": data})
	}))
	defer srv.Close()

	e, err := NewRemoteEngine(srv.URL, "sekrit", "text-embedder-1", 5*time.Second)
	require.NoError(t, err)

	vecs, err := e.EmbedBatch(context.Background(), []string{"x", "y", "z"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	for i, v := range vecs {
		assert.Equal(t, []float32{float32(i), float32(i)}, v)
	}
}

func TestGenAIEngineRequiresAPIKey(t *testing.T) {
	_, err := NewGenAIEngine("", "gemini-embedding-001")
	require.Error(t, err)
}

func TestRegistryUnknownFamily(t *testing.T) {
	r := NewRegistry(Config{})
	_, err := r.Engine("carrier-pigeon:v1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrEmbeddingUnavailable))
}

func TestRegistryMalformedProviderID(t *testing.T) {
	r := NewRegistry(Config{})
	for _, id := range []string{"", "ollama", "ollama:"} {
		_, err := r.Engine(id)
		assert.True(t, errors.Is(err, types.ErrEmbeddingUnavailable), "id %q", id)
	}
}

func TestRegistryUnreachableEndpointIsUnavailable(t *testing.T) {
	r := NewRegistry(Config{OllamaEndpoint: "http://127.0.0.1:1", Timeout: 200 * time.Millisecond})
	_, err := r.EmbedBatch(context.Background(), "ollama:embeddinggemma", []string{"hi"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrEmbeddingUnavailable))
}

func TestRegistryLearnsAndEnforcesDimension(t *testing.T) {
	dim := 4
	flip := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d := dim
		if flip {
			d = dim + 1 // corrupt the second batch
		}
		vec := make([]float32, d)
		json.NewEncoder(w).Encode(map[string]any{"embedding": vec})
	}))
	defer srv.Close()

	r := NewRegistry(Config{OllamaEndpoint: srv.URL, Timeout: 5 * time.Second})
	// Unknown model: dimension learned from the first batch.
	vecs, err := r.EmbedBatch(context.Background(), "ollama:mystery-model", []string{"one"})
	require.NoError(t, err)
	require.Len(t, vecs, 1)

	d, err := r.Dimensions("ollama:mystery-model")
	require.NoError(t, err)
	assert.Equal(t, dim, d)

	flip = true
	_, err = r.EmbedBatch(context.Background(), "ollama:mystery-model", []string{"two"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrEmbeddingDimensionMismatch))
}

func TestRegistryKnownDimensionEnforcedImmediately(t *testing.T) {
	srv := fakeOllama(t, 4) // wrong for embeddinggemma's declared 768
	defer srv.Close()

	r := NewRegistry(Config{OllamaEndpoint: srv.URL, Timeout: 5 * time.Second})
	_, err := r.EmbedBatch(context.Background(), "ollama:embeddinggemma", []string{"hello"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrEmbeddingDimensionMismatch))
}

func TestCosineSimilarity(t *testing.T) {
	s, err := CosineSimilarity([]float32{1, 0}, []float32{1, 0})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, s, 1e-9)

	s, err = CosineSimilarity([]float32{1, 0}, []float32{0, 1})
	require.NoError(t, err)
	assert.InDelta(t, 0.0, s, 1e-9)

	_, err = CosineSimilarity([]float32{1}, []float32{1, 2})
	assert.Error(t, err)

	s, err = CosineSimilarity([]float32{0, 0}, []float32{1, 1})
	require.NoError(t, err)
	assert.Zero(t, s)
}

func TestFindTopK(t *testing.T) {
	query := []float32{1, 0}
	corpus := [][]float32{
		{0, 1},    // orthogonal
		{1, 0},    // identical
		{1, 1},    // diagonal
		{1, 0, 0}, // wrong dimension, skipped
	}
	results := FindTopK(query, corpus, 2)
	require.Len(t, results, 2)
	assert.Equal(t, 1, results[0].Index)
	assert.Equal(t, 2, results[1].Index)
}
