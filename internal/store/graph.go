package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"kgraph/internal/logging"
	"kgraph/internal/mapping"
	"kgraph/internal/types"
)

// Node is a stored graph node.
type Node struct {
	ID       int64          `json:"id"`
	KBID     string         `json:"kb_id"`
	Label    string         `json:"label"`
	KeyProp  string         `json:"key_prop"`
	KeyValue string         `json:"key_value"`
	Props    map[string]any `json:"props"`
}

// Edge is a stored graph edge.
type Edge struct {
	ID       int64  `json:"id"`
	KBID     string `json:"kb_id"`
	Type     string `json:"type"`
	FromNode int64  `json:"from_node"`
	ToNode   int64  `json:"to_node"`
}

// ChunkRow is one embedded text chunk bound for storage.
type ChunkRow struct {
	Index     int
	Text      string
	Embedding []float32
}

// UpsertNodes applies node upserts in a single transaction. Properties merge
// into the existing row: a property present in the upsert overwrites, one
// absent from the upsert is left untouched. Returns upserted count.
func (s *Store) UpsertNodes(ctx context.Context, kbID string, ops []mapping.NodeUpsert, prov types.Provenance) (int, error) {
	if len(ops) == 0 {
		return 0, nil
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: begin node tx: %v", types.ErrStoreUnavailable, err)
	}
	defer tx.Rollback()

	for _, op := range ops {
		if _, err := upsertNodeTx(tx, kbID, op, prov); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: commit nodes: %v", types.ErrStoreUnavailable, err)
	}
	logging.StoreDebug("Upserted %d nodes in KB %s", len(ops), kbID)
	return len(ops), nil
}

// upsertNodeTx merges one node upsert inside a transaction and returns the
// node's row id.
func upsertNodeTx(tx *sql.Tx, kbID string, op mapping.NodeUpsert, prov types.Provenance) (int64, error) {
	if op.Ref.Label == "" || op.Ref.KeyValue == "" {
		return 0, fmt.Errorf("%w: node upsert requires label and key value", types.ErrConstraintViolation)
	}

	var (
		id        int64
		propsJSON string
	)
	err := tx.QueryRow(
		"SELECT id, props FROM nodes WHERE kb_id = ? AND label = ? AND key_value = ?",
		kbID, op.Ref.Label, op.Ref.KeyValue,
	).Scan(&id, &propsJSON)

	merged := make(map[string]any)
	if err == nil {
		if propsJSON != "" {
			json.Unmarshal([]byte(propsJSON), &merged)
		}
	} else if err != sql.ErrNoRows {
		return 0, fmt.Errorf("%w: select node: %v", types.ErrStoreUnavailable, err)
	}

	for k, v := range op.Props {
		merged[k] = v
	}
	// The identifying key is always queryable as a property.
	merged[op.Ref.KeyProp] = op.Ref.KeyValue

	mergedJSON, jerr := json.Marshal(merged)
	if jerr != nil {
		return 0, fmt.Errorf("%w: marshal props: %v", types.ErrConstraintViolation, jerr)
	}

	if err == sql.ErrNoRows {
		res, ierr := tx.Exec(`
			INSERT INTO nodes (kb_id, label, key_prop, key_value, props, source_id, run_id)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			kbID, op.Ref.Label, op.Ref.KeyProp, op.Ref.KeyValue, string(mergedJSON),
			prov.SourceID, prov.RunID)
		if ierr != nil {
			return 0, fmt.Errorf("%w: insert node: %v", types.ErrStoreUnavailable, ierr)
		}
		return res.LastInsertId()
	}

	if _, uerr := tx.Exec(`
		UPDATE nodes SET props = ?, source_id = ?, run_id = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		string(mergedJSON), prov.SourceID, prov.RunID, id); uerr != nil {
		return 0, fmt.Errorf("%w: update node: %v", types.ErrStoreUnavailable, uerr)
	}
	return id, nil
}

// resolveNodeTx finds a node by reference, creating a bare row when absent.
// Edge endpoints resolve through this so an edge never dangles.
func resolveNodeTx(tx *sql.Tx, kbID string, ref mapping.NodeRef, prov types.Provenance) (int64, error) {
	var id int64
	err := tx.QueryRow(
		"SELECT id FROM nodes WHERE kb_id = ? AND label = ? AND key_value = ?",
		kbID, ref.Label, ref.KeyValue,
	).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("%w: resolve node: %v", types.ErrStoreUnavailable, err)
	}
	return upsertNodeTx(tx, kbID, mapping.NodeUpsert{Ref: ref}, prov)
}

// UpsertEdges applies edge upserts in a single transaction. Endpoints are
// resolved by reference and created when missing. Duplicate edges collapse
// on (kb_id, type, from, to). Returns upserted count.
func (s *Store) UpsertEdges(ctx context.Context, kbID string, ops []mapping.EdgeUpsert, prov types.Provenance) (int, error) {
	if len(ops) == 0 {
		return 0, nil
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: begin edge tx: %v", types.ErrStoreUnavailable, err)
	}
	defer tx.Rollback()

	for _, op := range ops {
		if op.Type == "" {
			return 0, fmt.Errorf("%w: edge upsert requires a type", types.ErrConstraintViolation)
		}
		fromID, err := resolveNodeTx(tx, kbID, op.From, prov)
		if err != nil {
			return 0, err
		}
		toID, err := resolveNodeTx(tx, kbID, op.To, prov)
		if err != nil {
			return 0, err
		}
		if _, err := tx.Exec(`
			INSERT INTO edges (kb_id, type, from_node, to_node, source_id, run_id)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(kb_id, type, from_node, to_node) DO UPDATE SET
				source_id = excluded.source_id,
				run_id = excluded.run_id,
				updated_at = CURRENT_TIMESTAMP`,
			kbID, op.Type, fromID, toID, prov.SourceID, prov.RunID); err != nil {
			return 0, fmt.Errorf("%w: upsert edge: %v", types.ErrStoreUnavailable, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: commit edges: %v", types.ErrStoreUnavailable, err)
	}
	logging.StoreDebug("Upserted %d edges in KB %s", len(ops), kbID)
	return len(ops), nil
}

// ReplaceChunks atomically replaces all chunks attached to one node: delete
// then insert in a single transaction, so readers never observe a mix of old
// and new chunks. Returns the number of chunks written.
func (s *Store) ReplaceChunks(ctx context.Context, kbID string, node mapping.NodeRef, chunks []ChunkRow, providerID string, prov types.Provenance) (int, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: begin chunk tx: %v", types.ErrStoreUnavailable, err)
	}
	defer tx.Rollback()

	nodeID, err := resolveNodeTx(tx, kbID, node, prov)
	if err != nil {
		return 0, err
	}

	if s.vectorExt {
		s.dropVecRowsTx(tx, nodeID)
	}
	if _, err := tx.Exec("DELETE FROM chunks WHERE node_id = ?", nodeID); err != nil {
		return 0, fmt.Errorf("%w: delete chunks: %v", types.ErrStoreUnavailable, err)
	}

	for _, c := range chunks {
		embJSON, jerr := json.Marshal(c.Embedding)
		if jerr != nil {
			return 0, fmt.Errorf("%w: marshal embedding: %v", types.ErrConstraintViolation, jerr)
		}
		res, err := tx.Exec(`
			INSERT INTO chunks (kb_id, node_id, chunk_index, text, embedding, dim, provider_id, source_id, run_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			kbID, nodeID, c.Index, c.Text, string(embJSON), len(c.Embedding),
			providerID, prov.SourceID, prov.RunID)
		if err != nil {
			return 0, fmt.Errorf("%w: insert chunk: %v", types.ErrStoreUnavailable, err)
		}
		if s.vectorExt && len(c.Embedding) > 0 {
			if chunkID, err := res.LastInsertId(); err == nil {
				s.insertVecRowTx(tx, chunkID, c.Embedding)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: commit chunks: %v", types.ErrStoreUnavailable, err)
	}
	logging.StoreDebug("Replaced %d chunks on node %d in KB %s", len(chunks), nodeID, kbID)
	return len(chunks), nil
}

// dropVecRowsTx removes a node's chunk vectors from their per-dimension
// indexes ahead of the chunk rows themselves.
func (s *Store) dropVecRowsTx(tx *sql.Tx, nodeID int64) {
	rows, err := tx.Query("SELECT id, dim FROM chunks WHERE node_id = ?", nodeID)
	if err != nil {
		return
	}
	byDim := make(map[int][]any)
	for rows.Next() {
		var (
			id  int64
			dim int
		)
		if rows.Scan(&id, &dim) == nil {
			byDim[dim] = append(byDim[dim], id)
		}
	}
	rows.Close()

	for dim, ids := range byDim {
		marks := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
		q := fmt.Sprintf("DELETE FROM %s WHERE rowid IN (%s)", vecChunksTable(dim), marks)
		if _, err := tx.Exec(q, ids...); err != nil {
			logging.StoreDebug("Vector index cleanup skipped for dim %d: %v", dim, err)
		}
	}
}

// insertVecRowTx mirrors one chunk's embedding into its per-dimension vec0
// index, creating the index on first use. The JSON embedding on the chunk
// row stays authoritative; index write failures are logged, not fatal.
func (s *Store) insertVecRowTx(tx *sql.Tx, chunkID int64, vec []float32) {
	table := vecChunksTable(len(vec))
	ddl := fmt.Sprintf("CREATE VIRTUAL TABLE IF NOT EXISTS %s USING vec0(embedding float[%d])", table, len(vec))
	if _, err := tx.Exec(ddl); err != nil {
		logging.Get(logging.CategoryStore).Warn("Failed to create %s: %v", table, err)
		return
	}
	if _, err := tx.Exec(
		fmt.Sprintf("INSERT OR REPLACE INTO %s(rowid, embedding) VALUES (?, ?)", table),
		chunkID, encodeFloat32Blob(vec)); err != nil {
		logging.Get(logging.CategoryStore).Warn("Failed to index vector for chunk %d: %v", chunkID, err)
	}
}

// GetNode fetches one node by reference.
func (s *Store) GetNode(ctx context.Context, kbID string, ref mapping.NodeRef) (*Node, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		n         Node
		propsJSON string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, kb_id, label, key_prop, key_value, props FROM nodes WHERE kb_id = ? AND label = ? AND key_value = ?",
		kbID, ref.Label, ref.KeyValue,
	).Scan(&n.ID, &n.KBID, &n.Label, &n.KeyProp, &n.KeyValue, &propsJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get node: %v", types.ErrStoreUnavailable, err)
	}
	if propsJSON != "" {
		json.Unmarshal([]byte(propsJSON), &n.Props)
	}
	return &n, nil
}
