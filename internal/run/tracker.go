// Package run tracks ingestion run lifecycles. Every run is persisted, so
// status survives restarts; runs left non-terminal by a crashed process are
// swept to failed at startup.
package run

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"kgraph/internal/logging"
	"kgraph/internal/store"
	"kgraph/internal/types"
)

// CrashSweepReason marks runs orphaned by an unclean shutdown.
const CrashSweepReason = "process crashed before run completed"

// defaultErrorRetention caps how many per-document errors a run keeps.
const defaultErrorRetention = 100

// Tracker owns run records. Counters for in-flight runs live in memory and
// are flushed to the store on completion; terminal runs are read back from
// the store.
type Tracker struct {
	store     *store.Store
	retention int

	mu     sync.Mutex
	active map[string]*types.Run
}

// NewTracker returns a tracker persisting runs to the given store.
// retention caps per-run error logs; zero or negative uses the default.
func NewTracker(s *store.Store, retention int) *Tracker {
	if retention <= 0 {
		retention = defaultErrorRetention
	}
	return &Tracker{
		store:     s,
		retention: retention,
		active:    make(map[string]*types.Run),
	}
}

// Sweep marks every persisted non-terminal run as failed. Call once at
// startup, before accepting new work.
func (t *Tracker) Sweep(ctx context.Context) (int, error) {
	return t.store.SweepNonTerminalRuns(ctx, CrashSweepReason)
}

// Begin creates a new run in the starting state and persists it.
func (t *Tracker) Begin(ctx context.Context, kbID, sourceID string) (*types.Run, error) {
	r := &types.Run{
		RunID:     uuid.NewString(),
		KBID:      kbID,
		SourceID:  sourceID,
		State:     types.RunStarting,
		StartedAt: time.Now().UTC(),
	}
	if err := t.store.SaveRun(ctx, r); err != nil {
		return nil, fmt.Errorf("persist new run: %w", err)
	}

	t.mu.Lock()
	t.active[r.RunID] = r
	t.mu.Unlock()

	logging.Run("Run %s started for %s/%s", r.RunID, kbID, sourceID)
	return r, nil
}

// MarkRunning transitions a run from starting to running and persists the
// state change.
func (t *Tracker) MarkRunning(ctx context.Context, runID string) error {
	t.mu.Lock()
	r, ok := t.active[runID]
	if ok {
		r.State = types.RunRunning
	}
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrRunNotFound, runID)
	}
	return t.store.SaveRun(ctx, t.snapshot(runID))
}

// RecordDocument adds one processed document's write counts to a run.
func (t *Tracker) RecordDocument(runID string, nodes, edges, chunks int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.active[runID]
	if !ok {
		return
	}
	r.DocsProcessed++
	r.NodesUpserted += nodes
	r.EdgesUpserted += edges
	r.ChunksWritten += chunks
}

// RecordError appends a per-document error to a run's log. Once the
// retention ceiling is reached further errors only bump the overflow count;
// the most recent error is always kept in LastError.
func (t *Tracker) RecordError(runID string, err error) {
	if err == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.active[runID]
	if !ok {
		return
	}
	msg := err.Error()
	if len(r.Errors) < t.retention {
		r.Errors = append(r.Errors, msg)
	} else {
		r.ErrorOverflow++
	}
	r.LastError = msg
}

// RecordWarning appends a non-fatal warning to a run, such as a mapped edge
// skipped for a missing endpoint key. The same retention ceiling as errors
// applies; overflow is counted.
func (t *Tracker) RecordWarning(runID, msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.active[runID]
	if !ok {
		return
	}
	if len(r.Warnings) < t.retention {
		r.Warnings = append(r.Warnings, msg)
	} else {
		r.WarningOverflow++
	}
}

// Complete finalizes a run. A nil finalErr yields completed even when
// individual documents failed; finalErr marks the whole run failed.
func (t *Tracker) Complete(ctx context.Context, runID string, finalErr error) error {
	t.mu.Lock()
	r, ok := t.active[runID]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", types.ErrRunNotFound, runID)
	}
	now := time.Now().UTC()
	r.FinishedAt = &now
	if finalErr != nil {
		r.State = types.RunFailed
		r.LastError = finalErr.Error()
	} else {
		r.State = types.RunCompleted
	}
	delete(t.active, runID)
	snap := cloneRun(r)
	t.mu.Unlock()

	if err := t.store.SaveRun(ctx, snap); err != nil {
		return fmt.Errorf("persist finished run: %w", err)
	}
	logging.Run("Run %s %s: docs=%d nodes=%d edges=%d chunks=%d errors=%d",
		snap.RunID, snap.State, snap.DocsProcessed, snap.NodesUpserted,
		snap.EdgesUpserted, snap.ChunksWritten, snap.ErrorCount())
	return nil
}

// Status returns the current view of a run: the live in-memory record for
// in-flight runs, the persisted record otherwise.
func (t *Tracker) Status(ctx context.Context, runID string) (*types.Run, error) {
	if snap := t.snapshot(runID); snap != nil {
		return snap, nil
	}
	return t.store.GetRun(ctx, runID)
}

// Recent lists the most recent runs, newest first; an empty kbID spans every
// knowledge base. In-flight runs are reported from memory so counters are
// current.
func (t *Tracker) Recent(ctx context.Context, kbID string, limit int) ([]*types.Run, error) {
	runs, err := t.store.ListRuns(ctx, kbID, limit)
	if err != nil {
		return nil, err
	}
	for i, r := range runs {
		if live := t.snapshot(r.RunID); live != nil {
			runs[i] = live
		}
	}
	return runs, nil
}

// KBStatus aggregates a knowledge base's stored counts with the most recent
// run per source.
type KBStatus struct {
	KBID    string                `json:"kb_id"`
	Counts  store.KBCounts        `json:"counts"`
	Sources map[string]*types.Run `json:"sources"`
}

// Status aggregate for one KB: row counts plus the latest run per source.
func (t *Tracker) KBStatus(ctx context.Context, kbID string) (*KBStatus, error) {
	counts, err := t.store.Count(ctx, kbID)
	if err != nil {
		return nil, err
	}
	runs, err := t.Recent(ctx, kbID, 100)
	if err != nil {
		return nil, err
	}

	status := &KBStatus{KBID: kbID, Counts: counts, Sources: make(map[string]*types.Run)}
	for _, r := range runs {
		if _, seen := status.Sources[r.SourceID]; !seen {
			status.Sources[r.SourceID] = r
		}
	}
	return status, nil
}

// snapshot returns a copy of an active run, or nil when the run is not
// in flight.
func (t *Tracker) snapshot(runID string) *types.Run {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.active[runID]
	if !ok {
		return nil
	}
	return cloneRun(r)
}

func cloneRun(r *types.Run) *types.Run {
	c := *r
	c.Errors = append([]string(nil), r.Errors...)
	c.Warnings = append([]string(nil), r.Warnings...)
	return &c
}
