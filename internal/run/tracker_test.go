package run

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kgraph/internal/store"
	"kgraph/internal/types"
)

func newTestTracker(t *testing.T, retention int) *Tracker {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "runs.db"), 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return NewTracker(s, retention)
}

func TestRunLifecycle(t *testing.T) {
	tr := newTestTracker(t, 0)
	ctx := context.Background()

	r, err := tr.Begin(ctx, "docs", "api")
	require.NoError(t, err)
	assert.NotEmpty(t, r.RunID)
	assert.Equal(t, types.RunStarting, r.State)

	require.NoError(t, tr.MarkRunning(ctx, r.RunID))

	tr.RecordDocument(r.RunID, 2, 1, 3)
	tr.RecordDocument(r.RunID, 1, 0, 0)
	tr.RecordError(r.RunID, &types.DocumentMappingError{DocIndex: 4, Reason: "missing key"})

	status, err := tr.Status(ctx, r.RunID)
	require.NoError(t, err)
	assert.Equal(t, types.RunRunning, status.State)
	assert.Equal(t, 2, status.DocsProcessed)
	assert.Equal(t, 3, status.NodesUpserted)
	assert.Equal(t, 1, status.EdgesUpserted)
	assert.Equal(t, 3, status.ChunksWritten)
	assert.Equal(t, 1, status.ErrorCount())

	require.NoError(t, tr.Complete(ctx, r.RunID, nil))

	// Terminal state comes back from the store.
	status, err = tr.Status(ctx, r.RunID)
	require.NoError(t, err)
	assert.Equal(t, types.RunCompleted, status.State)
	require.NotNil(t, status.FinishedAt)
	assert.Equal(t, []string{"document 4: missing key"}, status.Errors)
}

func TestCompleteWithFinalError(t *testing.T) {
	tr := newTestTracker(t, 0)
	ctx := context.Background()

	r, err := tr.Begin(ctx, "docs", "api")
	require.NoError(t, err)
	require.NoError(t, tr.Complete(ctx, r.RunID, errors.New("connector unreachable")))

	status, err := tr.Status(ctx, r.RunID)
	require.NoError(t, err)
	assert.Equal(t, types.RunFailed, status.State)
	assert.Equal(t, "connector unreachable", status.LastError)
}

func TestErrorRetentionCeiling(t *testing.T) {
	tr := newTestTracker(t, 3)
	ctx := context.Background()

	r, err := tr.Begin(ctx, "docs", "api")
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		tr.RecordError(r.RunID, fmt.Errorf("document %d: bad", i))
	}

	status, err := tr.Status(ctx, r.RunID)
	require.NoError(t, err)
	assert.Len(t, status.Errors, 3)
	assert.Equal(t, 7, status.ErrorOverflow)
	assert.Equal(t, 10, status.ErrorCount())
	assert.Equal(t, "document 9: bad", status.LastError)
}

func TestStatusUnknownRun(t *testing.T) {
	tr := newTestTracker(t, 0)

	_, err := tr.Status(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrRunNotFound))
}

func TestSweepMarksOrphans(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "runs.db"), 5*time.Second)
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	// A run left running by a previous process.
	require.NoError(t, s.SaveRun(ctx, &types.Run{
		RunID: "orphan", KBID: "docs", SourceID: "api",
		State: types.RunRunning, StartedAt: time.Now().UTC(),
	}))

	tr := NewTracker(s, 0)
	n, err := tr.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	status, err := tr.Status(ctx, "orphan")
	require.NoError(t, err)
	assert.Equal(t, types.RunFailed, status.State)
	assert.Equal(t, CrashSweepReason, status.LastError)
}

func TestRecentPrefersLiveCounters(t *testing.T) {
	tr := newTestTracker(t, 0)
	ctx := context.Background()

	r, err := tr.Begin(ctx, "docs", "api")
	require.NoError(t, err)
	tr.RecordDocument(r.RunID, 5, 0, 0)

	runs, err := tr.Recent(ctx, "docs", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	// The persisted row still says 0 docs; the live record wins.
	assert.Equal(t, 1, runs[0].DocsProcessed)
	assert.Equal(t, 5, runs[0].NodesUpserted)
}
