// Package embedding provides vector embedding generation for chunk text.
// Providers are addressed by an opaque "<family>:<model>" identifier and
// interchanged behind the Engine interface; supported families are ollama
// (local HTTP), remote (cloud HTTP with bearer auth), and genai (Google SDK).
package embedding

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"kgraph/internal/logging"
	"kgraph/internal/types"
)

// Engine generates vector embeddings for text.
type Engine interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts. Output order
	// matches input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the dimensionality of produced vectors, or 0 when
	// it is not known until the first call.
	Dimensions() int

	// Name returns the provider identifier.
	Name() string
}

// Config holds provider endpoints and credentials.
type Config struct {
	OllamaEndpoint string
	RemoteEndpoint string
	RemoteAPIKey   string
	GenAIAPIKey    string
	Timeout        time.Duration
}

// Registry constructs and caches engines per provider_id and tracks the
// registered vector dimension for each. Process-wide; safe for concurrent
// use.
type Registry struct {
	cfg     Config
	mu      sync.Mutex
	engines map[string]Engine
	dims    map[string]int
}

// NewRegistry returns a registry backed by the given provider config.
func NewRegistry(cfg Config) *Registry {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Registry{
		cfg:     cfg,
		engines: make(map[string]Engine),
		dims:    make(map[string]int),
	}
}

// Engine returns the engine for a provider_id, constructing it on first use.
func (r *Registry) Engine(providerID string) (Engine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.engineLocked(providerID)
}

func (r *Registry) engineLocked(providerID string) (Engine, error) {
	if e, ok := r.engines[providerID]; ok {
		return e, nil
	}

	family, model, ok := strings.Cut(providerID, ":")
	if !ok || model == "" {
		return nil, fmt.Errorf("%w: malformed provider id %q (want family:model)", types.ErrEmbeddingUnavailable, providerID)
	}

	var (
		engine Engine
		err    error
	)
	switch family {
	case "ollama":
		engine, err = NewOllamaEngine(r.cfg.OllamaEndpoint, model, r.cfg.Timeout)
	case "remote", "openai":
		engine, err = NewRemoteEngine(r.cfg.RemoteEndpoint, r.cfg.RemoteAPIKey, model, r.cfg.Timeout)
	case "genai":
		engine, err = NewGenAIEngine(r.cfg.GenAIAPIKey, model)
	default:
		err = fmt.Errorf("unsupported provider family %q", family)
	}
	if err != nil {
		logging.Get(logging.CategoryEmbedding).Error("Failed to create engine for %s: %v", providerID, err)
		return nil, fmt.Errorf("%w: %v", types.ErrEmbeddingUnavailable, err)
	}

	r.engines[providerID] = engine
	if d := engine.Dimensions(); d > 0 {
		r.dims[providerID] = d
	}
	logging.Embedding("Engine created: %s (dimensions=%d)", engine.Name(), engine.Dimensions())
	return engine, nil
}

// Dimensions returns the registered vector length for a provider_id. For
// providers whose dimension is learned from the first response, the value
// is available only after the first successful EmbedBatch.
func (r *Registry) Dimensions(providerID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.dims[providerID]; ok {
		return d, nil
	}
	e, err := r.engineLocked(providerID)
	if err != nil {
		return 0, err
	}
	if d := e.Dimensions(); d > 0 {
		r.dims[providerID] = d
		return d, nil
	}
	return 0, nil
}

// EmbedBatch embeds texts with the named provider, enforcing the registered
// dimension on every returned vector. The first successful batch registers
// the dimension for providers that do not declare one up front.
func (r *Registry) EmbedBatch(ctx context.Context, providerID string, texts []string) ([][]float32, error) {
	timer := logging.StartTimer(logging.CategoryEmbedding, "EmbedBatch")
	defer timer.Stop()

	if len(texts) == 0 {
		return nil, nil
	}

	engine, err := r.Engine(providerID)
	if err != nil {
		return nil, err
	}

	vectors, err := engine.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", types.ErrEmbeddingUnavailable, providerID, err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("%w: %s returned %d vectors for %d texts",
			types.ErrEmbeddingUnavailable, providerID, len(vectors), len(texts))
	}

	r.mu.Lock()
	expected, known := r.dims[providerID]
	if !known && len(vectors) > 0 {
		expected = len(vectors[0])
		r.dims[providerID] = expected
		logging.Embedding("Registered dimension %d for %s", expected, providerID)
	}
	r.mu.Unlock()

	for i, v := range vectors {
		if len(v) != expected {
			return nil, fmt.Errorf("%w: %s vector %d has length %d, expected %d",
				types.ErrEmbeddingDimensionMismatch, providerID, i, len(v), expected)
		}
	}
	return vectors, nil
}

// Reset drops cached engines and dimensions. Test hook.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines = make(map[string]Engine)
	r.dims = make(map[string]int)
}

// CosineSimilarity computes the cosine similarity of two vectors. Returns
// an error on dimension mismatch, 0 for zero-magnitude vectors.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vectors must have the same length: %d != %d", len(a), len(b))
	}
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB)), nil
}

// SimilarityResult pairs a corpus index with its similarity to a query.
type SimilarityResult struct {
	Index      int
	Similarity float64
}

// FindTopK ranks corpus vectors by cosine similarity to query and returns
// the best k. Vectors of mismatched dimension are skipped.
func FindTopK(query []float32, corpus [][]float32, k int) []SimilarityResult {
	if k <= 0 {
		k = 10
	}
	results := make([]SimilarityResult, 0, len(corpus))
	for i, vec := range corpus {
		sim, err := CosineSimilarity(query, vec)
		if err != nil {
			continue
		}
		results = append(results, SimilarityResult{Index: i, Similarity: sim})
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})
	if len(results) > k {
		results = results[:k]
	}
	return results
}
