package store

import (
	"context"
	"encoding/json"
	"fmt"

	"kgraph/internal/embedding"
	"kgraph/internal/logging"
	"kgraph/internal/types"
)

// SearchHit is one vector search result: the owning node plus the matching
// chunk text and its similarity to the query.
type SearchHit struct {
	NodeID     int64          `json:"node_id"`
	Label      string         `json:"label"`
	KeyProp    string         `json:"key_prop"`
	KeyValue   string         `json:"key_value"`
	Props      map[string]any `json:"props"`
	ChunkIndex int            `json:"chunk_index"`
	Snippet    string         `json:"snippet"`
	Similarity float64        `json:"similarity"`
}

// VectorSearch ranks all chunks in a knowledge base by cosine similarity to
// the query vector and returns the best k with their owning nodes. An
// optional label restricts candidates to chunks on nodes of that label.
// Ties are broken by node id then chunk index, so results are deterministic.
// With sqlite-vec present the per-dimension vec0 index answers the query;
// otherwise every stored vector is scanned in process.
func (s *Store) VectorSearch(ctx context.Context, kbID string, query []float32, k int, label string) ([]SearchHit, error) {
	timer := logging.StartTimer(logging.CategoryStore, "VectorSearch")
	defer timer.Stop()

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	s.mu.RLock()
	defer s.mu.RUnlock()

	if k <= 0 {
		k = 10
	}

	if s.vectorExt && s.vecTableExists(ctx, len(query)) {
		hits, err := s.annSearch(ctx, kbID, query, k, label)
		if err == nil {
			return hits, nil
		}
		logging.StoreDebug("ANN search failed, falling back to scan: %v", err)
	}
	return s.scanSearch(ctx, kbID, query, k, label)
}

// annSearch queries the vec0 chunk index with sqlite-vec's cosine distance.
func (s *Store) annSearch(ctx context.Context, kbID string, query []float32, k int, label string) ([]SearchHit, error) {
	sqlQuery := fmt.Sprintf(`
		SELECT n.id, n.label, n.key_prop, n.key_value, n.props, c.chunk_index, c.text,
			vec_distance_cosine(v.embedding, ?) AS distance
		FROM %s v
		JOIN chunks c ON c.id = v.rowid
		JOIN nodes n ON n.id = c.node_id
		WHERE c.kb_id = ?`, vecChunksTable(len(query)))
	args := []any{encodeFloat32Blob(query), kbID}
	if label != "" {
		sqlQuery += " AND n.label = ?"
		args = append(args, label)
	}
	sqlQuery += " ORDER BY distance ASC, n.id, c.chunk_index LIMIT ?"
	args = append(args, k)

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: ann query: %v", types.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var results []SearchHit
	for rows.Next() {
		var (
			hit       SearchHit
			propsJSON string
			distance  float64
		)
		if err := rows.Scan(&hit.NodeID, &hit.Label, &hit.KeyProp, &hit.KeyValue,
			&propsJSON, &hit.ChunkIndex, &hit.Snippet, &distance); err != nil {
			logging.StoreDebug("Skipping unreadable ANN row: %v", err)
			continue
		}
		if propsJSON != "" {
			json.Unmarshal([]byte(propsJSON), &hit.Props)
		}
		// Cosine distance is 1 - similarity.
		hit.Similarity = 1.0 - distance
		results = append(results, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate ann rows: %v", types.ErrStoreUnavailable, err)
	}
	return results, nil
}

// scanSearch ranks every stored chunk vector in process.
func (s *Store) scanSearch(ctx context.Context, kbID string, query []float32, k int, label string) ([]SearchHit, error) {
	sqlQuery := `
		SELECT n.id, n.label, n.key_prop, n.key_value, n.props, c.chunk_index, c.text, c.embedding
		FROM chunks c
		JOIN nodes n ON n.id = c.node_id
		WHERE c.kb_id = ?`
	args := []any{kbID}
	if label != "" {
		sqlQuery += " AND n.label = ?"
		args = append(args, label)
	}
	sqlQuery += " ORDER BY n.id, c.chunk_index"

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query chunks: %v", types.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var (
		candidates []SearchHit
		vectors    [][]float32
	)
	for rows.Next() {
		var (
			hit       SearchHit
			propsJSON string
			embJSON   string
		)
		if err := rows.Scan(&hit.NodeID, &hit.Label, &hit.KeyProp, &hit.KeyValue,
			&propsJSON, &hit.ChunkIndex, &hit.Snippet, &embJSON); err != nil {
			logging.StoreDebug("Skipping unreadable chunk row: %v", err)
			continue
		}
		var vec []float32
		if err := json.Unmarshal([]byte(embJSON), &vec); err != nil {
			logging.StoreDebug("Skipping chunk with unreadable embedding on node %d", hit.NodeID)
			continue
		}
		if propsJSON != "" {
			json.Unmarshal([]byte(propsJSON), &hit.Props)
		}
		candidates = append(candidates, hit)
		vectors = append(vectors, vec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate chunks: %v", types.ErrStoreUnavailable, err)
	}

	ranked := embedding.FindTopK(query, vectors, k)
	results := make([]SearchHit, 0, len(ranked))
	for _, r := range ranked {
		hit := candidates[r.Index]
		hit.Similarity = r.Similarity
		results = append(results, hit)
	}

	logging.StoreDebug("VectorSearch KB %s: %d candidates, returning %d", kbID, len(candidates), len(results))
	return results, nil
}
