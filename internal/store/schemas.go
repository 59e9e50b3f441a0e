package store

import (
	"context"
	"database/sql"
	"fmt"

	"kgraph/internal/types"
)

// SaveSchema persists the raw schema descriptor for a KB, byte for byte, so
// registration survives restarts and the descriptor can be read back exactly
// as submitted.
func (s *Store) SaveSchema(ctx context.Context, kbID string, raw []byte) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kb_schemas (kb_id, raw) VALUES (?, ?)
		ON CONFLICT(kb_id) DO UPDATE SET
			raw = excluded.raw,
			updated_at = CURRENT_TIMESTAMP`,
		kbID, string(raw))
	if err != nil {
		return fmt.Errorf("%w: save schema: %v", types.ErrStoreUnavailable, err)
	}
	return nil
}

// GetSchemaRaw returns the persisted schema descriptor for a KB.
func (s *Store) GetSchemaRaw(ctx context.Context, kbID string) ([]byte, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var raw string
	err := s.db.QueryRowContext(ctx,
		"SELECT raw FROM kb_schemas WHERE kb_id = ?", kbID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", types.ErrKBNotFound, kbID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get schema: %v", types.ErrStoreUnavailable, err)
	}
	return []byte(raw), nil
}

// ListSchemas returns every persisted schema descriptor keyed by kb_id.
func (s *Store) ListSchemas(ctx context.Context) (map[string][]byte, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT kb_id, raw FROM kb_schemas")
	if err != nil {
		return nil, fmt.Errorf("%w: list schemas: %v", types.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	schemas := make(map[string][]byte)
	for rows.Next() {
		var kbID, raw string
		if err := rows.Scan(&kbID, &raw); err != nil {
			continue
		}
		schemas[kbID] = []byte(raw)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate schemas: %v", types.ErrStoreUnavailable, err)
	}
	return schemas, nil
}
