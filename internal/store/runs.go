package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"kgraph/internal/logging"
	"kgraph/internal/types"
)

// SaveRun inserts or fully replaces one run record.
func (s *Store) SaveRun(ctx context.Context, run *types.Run) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	errsJSON, err := json.Marshal(run.Errors)
	if err != nil {
		return fmt.Errorf("%w: marshal run errors: %v", types.ErrConstraintViolation, err)
	}
	warnsJSON, err := json.Marshal(run.Warnings)
	if err != nil {
		return fmt.Errorf("%w: marshal run warnings: %v", types.ErrConstraintViolation, err)
	}

	var finished any
	if run.FinishedAt != nil {
		finished = run.FinishedAt.UTC()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, kb_id, source_id, state, docs_processed,
			nodes_upserted, edges_upserted, chunks_written, errors,
			error_overflow, warnings, warning_overflow, last_error,
			started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			state = excluded.state,
			docs_processed = excluded.docs_processed,
			nodes_upserted = excluded.nodes_upserted,
			edges_upserted = excluded.edges_upserted,
			chunks_written = excluded.chunks_written,
			errors = excluded.errors,
			error_overflow = excluded.error_overflow,
			warnings = excluded.warnings,
			warning_overflow = excluded.warning_overflow,
			last_error = excluded.last_error,
			finished_at = excluded.finished_at`,
		run.RunID, run.KBID, run.SourceID, string(run.State), run.DocsProcessed,
		run.NodesUpserted, run.EdgesUpserted, run.ChunksWritten, string(errsJSON),
		run.ErrorOverflow, string(warnsJSON), run.WarningOverflow, run.LastError,
		run.StartedAt.UTC(), finished)
	if err != nil {
		return fmt.Errorf("%w: save run: %v", types.ErrStoreUnavailable, err)
	}
	return nil
}

// GetRun fetches one run by id. Returns ErrRunNotFound when absent.
func (s *Store) GetRun(ctx context.Context, runID string) (*types.Run, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, kb_id, source_id, state, docs_processed, nodes_upserted,
			edges_upserted, chunks_written, errors, error_overflow, warnings,
			warning_overflow, last_error, started_at, finished_at
		FROM runs WHERE run_id = ?`, runID)

	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", types.ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get run: %v", types.ErrStoreUnavailable, err)
	}
	return run, nil
}

// ListRuns returns the most recent runs, newest first. An empty kbID lists
// runs across every knowledge base.
func (s *Store) ListRuns(ctx context.Context, kbID string, limit int) ([]*types.Run, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT run_id, kb_id, source_id, state, docs_processed, nodes_upserted,
			edges_upserted, chunks_written, errors, error_overflow, warnings,
			warning_overflow, last_error, started_at, finished_at
		FROM runs`
	args := []any{}
	if kbID != "" {
		query += " WHERE kb_id = ?"
		args = append(args, kbID)
	}
	query += " ORDER BY started_at DESC, run_id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list runs: %v", types.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var runs []*types.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			logging.RunDebug("Skipping unreadable run row: %v", err)
			continue
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate runs: %v", types.ErrStoreUnavailable, err)
	}
	return runs, nil
}

// SweepNonTerminalRuns marks every run still in a non-terminal state as
// failed with the given reason. Called once at startup so runs orphaned by
// a crashed process do not report as running forever.
func (s *Store) SweepNonTerminalRuns(ctx context.Context, reason string) (int, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET state = ?, last_error = ?, finished_at = ?
		WHERE state IN (?, ?)`,
		string(types.RunFailed), reason, time.Now().UTC(),
		string(types.RunStarting), string(types.RunRunning))
	if err != nil {
		return 0, fmt.Errorf("%w: sweep runs: %v", types.ErrStoreUnavailable, err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.Run("Swept %d orphaned runs as failed: %s", n, reason)
	}
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*types.Run, error) {
	var (
		run       types.Run
		state     string
		errsJSON  string
		warnsJSON string
		started   time.Time
		finished  sql.NullTime
	)
	err := row.Scan(&run.RunID, &run.KBID, &run.SourceID, &state,
		&run.DocsProcessed, &run.NodesUpserted, &run.EdgesUpserted,
		&run.ChunksWritten, &errsJSON, &run.ErrorOverflow, &warnsJSON,
		&run.WarningOverflow, &run.LastError, &started, &finished)
	if err != nil {
		return nil, err
	}
	run.State = types.RunState(state)
	run.StartedAt = started
	if finished.Valid {
		t := finished.Time
		run.FinishedAt = &t
	}
	if errsJSON != "" {
		json.Unmarshal([]byte(errsJSON), &run.Errors)
	}
	if warnsJSON != "" {
		json.Unmarshal([]byte(warnsJSON), &run.Warnings)
	}
	return &run, nil
}
