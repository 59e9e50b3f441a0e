package store

import (
	"context"
	"database/sql"
	"fmt"

	"kgraph/internal/logging"
	"kgraph/internal/types"
)

// Per-KB schema versions:
// v1: base graph rows (nodes, edges, chunks share the global tables)
// v2: provider_id recorded on chunks for re-embedding audits
const currentKBSchemaVersion = 2

// kbMigration is one versioned step applied to a knowledge base.
type kbMigration struct {
	Version     int
	Description string
	Apply       func(tx *sql.Tx, kbID string) error
}

// kbMigrations lists all per-KB migrations in order. New knowledge bases run
// the full list; existing ones run only versions above their recorded level.
var kbMigrations = []kbMigration{
	{
		Version:     1,
		Description: "base graph rows",
		Apply: func(tx *sql.Tx, kbID string) error {
			// The shared tables already exist; v1 only claims the kb_id.
			return nil
		},
	},
	{
		Version:     2,
		Description: "provider id on chunks",
		Apply: func(tx *sql.Tx, kbID string) error {
			// provider_id column ships with the table; backfill is a no-op
			// for fresh databases and harmless for existing ones.
			_, err := tx.Exec(
				"UPDATE chunks SET provider_id = COALESCE(provider_id, '') WHERE kb_id = ?", kbID)
			return err
		},
	},
}

// EnsureKB brings a knowledge base to the current schema version, creating
// its kb_meta row on first use. Idempotent.
func (s *Store) EnsureKB(ctx context.Context, kbID string) error {
	timer := logging.StartTimer(logging.CategoryMigrate, "EnsureKB")
	defer timer.Stop()

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	var version int
	err := s.db.QueryRowContext(ctx,
		"SELECT schema_version FROM kb_meta WHERE kb_id = ?", kbID).Scan(&version)
	switch {
	case err == sql.ErrNoRows:
		version = 0
	case err != nil:
		return fmt.Errorf("%w: read kb_meta: %v", types.ErrStoreUnavailable, err)
	}

	if version >= currentKBSchemaVersion {
		logging.MigrateDebug("KB %s already at schema version %d", kbID, version)
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin migration tx: %v", types.ErrStoreUnavailable, err)
	}
	defer tx.Rollback()

	applied := 0
	for _, m := range kbMigrations {
		if m.Version <= version {
			continue
		}
		if err := m.Apply(tx, kbID); err != nil {
			logging.Get(logging.CategoryMigrate).Error("Migration v%d failed for KB %s: %v", m.Version, kbID, err)
			return fmt.Errorf("%w: migration v%d (%s): %v", types.ErrStoreUnavailable, m.Version, m.Description, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO kb_migrations (kb_id, version, description) VALUES (?, ?, ?)",
			kbID, m.Version, m.Description); err != nil {
			return fmt.Errorf("%w: record migration v%d: %v", types.ErrStoreUnavailable, m.Version, err)
		}
		applied++
	}

	if _, err := tx.Exec(`
		INSERT INTO kb_meta (kb_id, schema_version) VALUES (?, ?)
		ON CONFLICT(kb_id) DO UPDATE SET
			schema_version = excluded.schema_version,
			updated_at = CURRENT_TIMESTAMP`,
		kbID, currentKBSchemaVersion); err != nil {
		return fmt.Errorf("%w: update kb_meta: %v", types.ErrStoreUnavailable, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit migrations: %v", types.ErrStoreUnavailable, err)
	}

	logging.Migrate("KB %s migrated %d -> %d (%d steps)", kbID, version, currentKBSchemaVersion, applied)
	return nil
}

// KBVersion returns the recorded schema version for a knowledge base, or 0
// when the KB has never been initialized.
func (s *Store) KBVersion(ctx context.Context, kbID string) (int, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var version int
	err := s.db.QueryRowContext(ctx,
		"SELECT schema_version FROM kb_meta WHERE kb_id = ?", kbID).Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: read kb_meta: %v", types.ErrStoreUnavailable, err)
	}
	return version, nil
}
