// Package store persists knowledge-base graphs in SQLite: nodes, edges, and
// embedded text chunks, all scoped by kb_id. A single store file holds every
// knowledge base; per-KB schema migrations are tracked in kb_migrations.
package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"kgraph/internal/logging"
	"kgraph/internal/types"
)

// Store is the SQLite-backed graph store. Safe for concurrent use; writes
// serialize on the mutex, reads share it.
type Store struct {
	db        *sql.DB
	mu        sync.RWMutex
	dbPath    string
	opTimeout time.Duration
	vectorExt bool
}

// Open initializes the SQLite database at the given path.
func Open(path string, opTimeout time.Duration) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Open")
	defer timer.Stop()

	logging.Store("Opening store at path: %s", path)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to create directory %s: %v", dir, err)
		return nil, fmt.Errorf("%w: failed to create directory: %v", types.ErrStoreUnavailable, err)
	}

	db, err := sql.Open(driverName, path)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to open database at %s: %v", path, err)
		return nil, fmt.Errorf("%w: failed to open database: %v", types.ErrStoreUnavailable, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		logging.StoreDebug("Failed to enable foreign keys: %v", err)
	}

	if opTimeout <= 0 {
		opTimeout = 15 * time.Second
	}

	s := &Store{db: db, dbPath: path, opTimeout: opTimeout}
	if err := s.initialize(); err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to initialize schema: %v", err)
		db.Close()
		return nil, err
	}

	s.detectVecExtension()
	if s.vectorExt {
		logging.Store("sqlite-vec extension detected and enabled")
	} else {
		logging.StoreDebug("sqlite-vec extension not available; using in-process similarity scan")
	}

	logging.Store("Store initialization complete")
	return s, nil
}

// initialize creates the required tables.
func (s *Store) initialize() error {
	kbMetaTable := `
	CREATE TABLE IF NOT EXISTS kb_meta (
		kb_id TEXT PRIMARY KEY,
		schema_version INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	kbMigrationsTable := `
	CREATE TABLE IF NOT EXISTS kb_migrations (
		kb_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		description TEXT,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY(kb_id, version)
	);
	`

	nodesTable := `
	CREATE TABLE IF NOT EXISTS nodes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kb_id TEXT NOT NULL,
		label TEXT NOT NULL,
		key_prop TEXT NOT NULL,
		key_value TEXT NOT NULL,
		props TEXT NOT NULL DEFAULT '{}',
		source_id TEXT,
		run_id TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(kb_id, label, key_value)
	);
	CREATE INDEX IF NOT EXISTS idx_nodes_kb ON nodes(kb_id);
	CREATE INDEX IF NOT EXISTS idx_nodes_kb_label ON nodes(kb_id, label);
	`

	edgesTable := `
	CREATE TABLE IF NOT EXISTS edges (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kb_id TEXT NOT NULL,
		type TEXT NOT NULL,
		from_node INTEGER NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
		to_node INTEGER NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
		source_id TEXT,
		run_id TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(kb_id, type, from_node, to_node)
	);
	CREATE INDEX IF NOT EXISTS idx_edges_kb ON edges(kb_id);
	CREATE INDEX IF NOT EXISTS idx_edges_from ON edges(from_node);
	CREATE INDEX IF NOT EXISTS idx_edges_to ON edges(to_node);
	`

	chunksTable := `
	CREATE TABLE IF NOT EXISTS chunks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kb_id TEXT NOT NULL,
		node_id INTEGER NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
		chunk_index INTEGER NOT NULL,
		text TEXT NOT NULL,
		embedding TEXT NOT NULL,
		dim INTEGER NOT NULL,
		provider_id TEXT,
		source_id TEXT,
		run_id TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(node_id, chunk_index)
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_kb ON chunks(kb_id);
	CREATE INDEX IF NOT EXISTS idx_chunks_node ON chunks(node_id);
	`

	kbSchemasTable := `
	CREATE TABLE IF NOT EXISTS kb_schemas (
		kb_id TEXT PRIMARY KEY,
		raw TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	kbSourcesTable := `
	CREATE TABLE IF NOT EXISTS kb_sources (
		kb_id TEXT NOT NULL,
		source_id TEXT NOT NULL,
		url TEXT NOT NULL,
		auth_ref TEXT NOT NULL DEFAULT '',
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY(kb_id, source_id)
	);
	`

	runsTable := `
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		kb_id TEXT NOT NULL,
		source_id TEXT NOT NULL,
		state TEXT NOT NULL,
		docs_processed INTEGER DEFAULT 0,
		nodes_upserted INTEGER DEFAULT 0,
		edges_upserted INTEGER DEFAULT 0,
		chunks_written INTEGER DEFAULT 0,
		errors TEXT DEFAULT '[]',
		error_overflow INTEGER DEFAULT 0,
		warnings TEXT DEFAULT '[]',
		warning_overflow INTEGER DEFAULT 0,
		last_error TEXT,
		started_at DATETIME,
		finished_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_runs_kb ON runs(kb_id);
	CREATE INDEX IF NOT EXISTS idx_runs_state ON runs(state);
	`

	for _, table := range []string{
		kbMetaTable,
		kbMigrationsTable,
		kbSchemasTable,
		kbSourcesTable,
		nodesTable,
		edgesTable,
		chunksTable,
		runsTable,
	} {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("%w: failed to create table: %v", types.ErrStoreUnavailable, err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	logging.Store("Closing store database connection")
	return s.db.Close()
}

// DB returns the underlying SQL database connection. Test hook.
func (s *Store) DB() *sql.DB {
	return s.db
}

// detectVecExtension attempts to create a vec0 virtual table to see if
// sqlite-vec is available.
func (s *Store) detectVecExtension() {
	if s.db == nil {
		return
	}
	if _, err := s.db.Exec("CREATE VIRTUAL TABLE IF NOT EXISTS vec_probe USING vec0(embedding float[4])"); err == nil {
		s.vectorExt = true
		_, _ = s.db.Exec("DROP TABLE IF EXISTS vec_probe")
		return
	}
	s.vectorExt = false
}

// vecChunksTable names the vec0 index holding chunk vectors of one length.
// Vector tables have a fixed dimension, so each embedding length gets its
// own index; rowids mirror chunk ids.
func vecChunksTable(dim int) string {
	return fmt.Sprintf("vec_chunks_%d", dim)
}

// vecTableExists reports whether the per-dimension chunk index was created.
func (s *Store) vecTableExists(ctx context.Context, dim int) bool {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?",
		vecChunksTable(dim)).Scan(&n)
	return err == nil && n > 0
}

// encodeFloat32Blob packs a vector into the little-endian blob layout
// sqlite-vec expects for float[] columns.
func encodeFloat32Blob(vec []float32) []byte {
	buf := &bytes.Buffer{}
	if err := binary.Write(buf, binary.LittleEndian, vec); err != nil {
		return nil
	}
	return buf.Bytes()
}

// opCtx bounds a store operation by the configured timeout unless the caller
// already set an earlier deadline.
func (s *Store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < s.opTimeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.opTimeout)
}

// KBCounts reports row counts for one knowledge base.
type KBCounts struct {
	Nodes  int64 `json:"nodes"`
	Edges  int64 `json:"edges"`
	Chunks int64 `json:"chunks"`
}

// Count returns node, edge, and chunk counts for a knowledge base.
func (s *Store) Count(ctx context.Context, kbID string) (KBCounts, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var counts KBCounts
	queries := []struct {
		table string
		dst   *int64
	}{
		{"nodes", &counts.Nodes},
		{"edges", &counts.Edges},
		{"chunks", &counts.Chunks},
	}
	for _, q := range queries {
		err := s.db.QueryRowContext(ctx,
			fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE kb_id = ?", q.table), kbID,
		).Scan(q.dst)
		if err != nil {
			return KBCounts{}, fmt.Errorf("%w: count %s: %v", types.ErrStoreUnavailable, q.table, err)
		}
	}
	return counts, nil
}
