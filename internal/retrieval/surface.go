// Package retrieval is the read side: semantic search over embedded chunks
// and scoped graph queries. Both operations require a registered schema for
// the target KB.
package retrieval

import (
	"context"
	"fmt"

	"kgraph/internal/embedding"
	"kgraph/internal/logging"
	"kgraph/internal/schema"
	"kgraph/internal/store"
)

// Surface exposes the retrieval operations.
type Surface struct {
	registry        *schema.Registry
	store           *store.Store
	embedder        *embedding.Registry
	defaultProvider string
}

// NewSurface wires the retrieval surface. defaultProvider is used when the
// KB schema does not name an embedding provider.
func NewSurface(reg *schema.Registry, st *store.Store, emb *embedding.Registry, defaultProvider string) *Surface {
	return &Surface{
		registry:        reg,
		store:           st,
		embedder:        emb,
		defaultProvider: defaultProvider,
	}
}

// SemanticSearch embeds the query text with the KB's provider and returns
// the top-k most similar chunks with their owning nodes. An optional label
// restricts hits to nodes of that label. topK larger than the number of
// stored chunks returns everything available.
func (s *Surface) SemanticSearch(ctx context.Context, kbID, text string, topK int, label string) ([]store.SearchHit, error) {
	timer := logging.StartTimer(logging.CategoryRetrieval, "SemanticSearch")
	defer timer.Stop()

	snap, err := s.registry.Get(kbID)
	if err != nil {
		return nil, err
	}

	providerID := s.defaultProvider
	if snap.Embedding != nil && snap.Embedding.Provider != "" {
		providerID = snap.Embedding.Provider
	}

	vectors, err := s.embedder.EmbedBatch(ctx, providerID, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("embedding provider %s returned no vector", providerID)
	}

	hits, err := s.store.VectorSearch(ctx, kbID, vectors[0], topK, label)
	if err != nil {
		return nil, err
	}

	logging.Retrieval("SemanticSearch %s: %d hits for %q", kbID, len(hits), text)
	return hits, nil
}

// GraphQuery runs a read-only graph query scoped to one KB.
func (s *Surface) GraphQuery(ctx context.Context, kbID, query string, params map[string]any) ([]map[string]any, error) {
	if _, err := s.registry.Get(kbID); err != nil {
		return nil, err
	}
	return s.store.GraphQuery(ctx, kbID, query, params)
}
