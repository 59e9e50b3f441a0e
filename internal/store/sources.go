package store

import (
	"context"
	"database/sql"
	"fmt"

	"kgraph/internal/types"
)

// SourceRecord is a persisted add_source registration: the connector endpoint
// and auth reference for one (kb, source) pair.
type SourceRecord struct {
	URL     string
	AuthRef string
}

// SaveSource persists a source registration so it survives process restarts.
// Re-registering a pair replaces the previous endpoint and auth reference.
func (s *Store) SaveSource(ctx context.Context, kbID, sourceID string, rec SourceRecord) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kb_sources (kb_id, source_id, url, auth_ref) VALUES (?, ?, ?, ?)
		ON CONFLICT(kb_id, source_id) DO UPDATE SET
			url = excluded.url,
			auth_ref = excluded.auth_ref,
			updated_at = CURRENT_TIMESTAMP`,
		kbID, sourceID, rec.URL, rec.AuthRef)
	if err != nil {
		return fmt.Errorf("%w: save source: %v", types.ErrStoreUnavailable, err)
	}
	return nil
}

// GetSource returns the persisted registration for a (kb, source) pair, or
// nil when the pair was never registered.
func (s *Store) GetSource(ctx context.Context, kbID, sourceID string) (*SourceRecord, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var rec SourceRecord
	err := s.db.QueryRowContext(ctx,
		"SELECT url, auth_ref FROM kb_sources WHERE kb_id = ? AND source_id = ?",
		kbID, sourceID).Scan(&rec.URL, &rec.AuthRef)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get source: %v", types.ErrStoreUnavailable, err)
	}
	return &rec, nil
}
