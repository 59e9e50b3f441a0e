package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"kgraph/internal/embedding"
	"kgraph/internal/logging"
	"kgraph/internal/mapping"
	"kgraph/internal/run"
	"kgraph/internal/schema"
	"kgraph/internal/store"
	"kgraph/internal/types"
)

// defaultWriteParallelism bounds concurrent per-document store writes.
const defaultWriteParallelism = 8

// sourceReg is an add_source registration: where to pull and how to
// authenticate.
type sourceReg struct {
	URL     string
	AuthRef string
}

// Coordinator owns ingestion runs: pull, map, embed, write. At most one run
// is active per (kb, source); a second ingest call while one is active
// returns the existing run id.
type Coordinator struct {
	registry        *schema.Registry
	store           *store.Store
	embedder        *embedding.Registry
	tracker         *run.Tracker
	connector       *Connector
	defaultProvider string
	parallelism     int

	mu      sync.Mutex
	sources map[string]sourceReg
	running map[string]string             // (kb,source) -> active run id
	cancels map[string]context.CancelFunc // run id -> cancel
}

// NewCoordinator wires the ingestion pipeline together. defaultProvider is
// the embedding provider used when a schema omits one; parallelism bounds
// concurrent per-document writes (zero or negative uses the default).
func NewCoordinator(reg *schema.Registry, st *store.Store, emb *embedding.Registry,
	tracker *run.Tracker, conn *Connector, defaultProvider string, parallelism int) *Coordinator {
	if parallelism <= 0 {
		parallelism = defaultWriteParallelism
	}
	return &Coordinator{
		registry:        reg,
		store:           st,
		embedder:        emb,
		tracker:         tracker,
		connector:       conn,
		defaultProvider: defaultProvider,
		parallelism:     parallelism,
		sources:         make(map[string]sourceReg),
		running:         make(map[string]string),
		cancels:         make(map[string]context.CancelFunc),
	}
}

func sourceKey(kbID, sourceID string) string {
	return kbID + "\x00" + sourceID
}

// AddSource registers a connector endpoint for a source the KB schema
// already declares. The registration is persisted, so it applies to ingest
// calls in later processes too.
func (c *Coordinator) AddSource(ctx context.Context, kbID, sourceID, connectorURL, authRef string) error {
	s, err := c.registry.Get(kbID)
	if err != nil {
		return err
	}
	if _, ok := s.SourceByID(sourceID); !ok {
		return fmt.Errorf("%w: %s has no source %s", types.ErrUnknownSource, kbID, sourceID)
	}
	if connectorURL == "" {
		return fmt.Errorf("%w: connector_url is required", types.ErrUnknownSource)
	}
	if err := ValidateAuthRef(authRef); err != nil {
		return err
	}

	if err := c.store.SaveSource(ctx, kbID, sourceID, store.SourceRecord{URL: connectorURL, AuthRef: authRef}); err != nil {
		return err
	}
	c.mu.Lock()
	c.sources[sourceKey(kbID, sourceID)] = sourceReg{URL: connectorURL, AuthRef: authRef}
	c.mu.Unlock()

	logging.Ingest("Source registered: %s/%s -> %s", kbID, sourceID, connectorURL)
	return nil
}

// resolveSource finds the connector registration for a pair: the in-memory
// cache first, then the persisted kb_sources row, then the connector_url the
// schema declares.
func (c *Coordinator) resolveSource(ctx context.Context, kbID string, src *schema.SourceSpec) sourceReg {
	key := sourceKey(kbID, src.SourceID)
	c.mu.Lock()
	reg, ok := c.sources[key]
	c.mu.Unlock()
	if ok {
		return reg
	}
	if rec, err := c.store.GetSource(ctx, kbID, src.SourceID); err == nil && rec != nil {
		return sourceReg{URL: rec.URL, AuthRef: rec.AuthRef}
	}
	return sourceReg{URL: src.ConnectorURL}
}

// Ingest starts a run for (kb, source) and returns its run id immediately;
// the run continues in the background. If a run for the pair is already
// active its id is returned instead of starting a new one.
func (c *Coordinator) Ingest(ctx context.Context, kbID, sourceID string) (string, error) {
	snap, err := c.registry.Get(kbID)
	if err != nil {
		return "", err
	}
	src, ok := snap.SourceByID(sourceID)
	if !ok {
		return "", fmt.Errorf("%w: %s has no source %s", types.ErrUnknownSource, kbID, sourceID)
	}

	reg := c.resolveSource(ctx, kbID, src)
	key := sourceKey(kbID, sourceID)

	// One critical section spans the active-run check, run creation, and the
	// running-map insertion, so concurrent calls for the same pair serialize
	// and all but the first observe the winner's run id.
	c.mu.Lock()
	if active, ok := c.running[key]; ok {
		c.mu.Unlock()
		logging.IngestDebug("Ingest %s/%s already active as run %s", kbID, sourceID, active)
		return active, nil
	}
	r, err := c.tracker.Begin(ctx, kbID, sourceID)
	if err != nil {
		c.mu.Unlock()
		return "", err
	}
	runCtx, cancel := context.WithCancel(context.Background())
	c.running[key] = r.RunID
	c.cancels[r.RunID] = cancel
	c.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			c.mu.Lock()
			delete(c.running, key)
			delete(c.cancels, r.RunID)
			c.mu.Unlock()
		}()
		err := c.executeRun(runCtx, snap, src, reg, r.RunID)
		if cerr := c.tracker.Complete(context.Background(), r.RunID, err); cerr != nil {
			logging.Get(logging.CategoryIngest).Error("Failed to finalize run %s: %v", r.RunID, cerr)
		}
	}()

	return r.RunID, nil
}

// Cancel requests cooperative cancellation of an active run. Unknown or
// already-finished runs are a no-op.
func (c *Coordinator) Cancel(runID string) {
	c.mu.Lock()
	cancel, ok := c.cancels[runID]
	c.mu.Unlock()
	if ok {
		logging.Ingest("Cancelling run %s", runID)
		cancel()
	}
}

// executeRun drives one run through the pull, map, embed, write protocol.
// The returned error, if any, marks the whole run failed; per-document
// mapping failures are recorded on the run and do not stop it.
func (c *Coordinator) executeRun(ctx context.Context, snap *schema.Schema, src *schema.SourceSpec, reg sourceReg, runID string) error {
	timer := logging.StartTimer(logging.CategoryIngest, "executeRun")
	defer timer.Stop()

	kbID := snap.KBID

	// Start: bring the KB to the current schema level and anchor it.
	if err := c.store.EnsureKB(ctx, kbID); err != nil {
		return err
	}
	anchor := mapping.NodeUpsert{
		Ref: mapping.NodeRef{Label: "KnowledgeBase", KeyProp: "kb_id", KeyValue: kbID},
	}
	anchorProv := types.Provenance{KBID: kbID, SourceID: types.SystemSourceID, RunID: "kb-setup-" + runID}
	if _, err := c.store.UpsertNodes(ctx, kbID, []mapping.NodeUpsert{anchor}, anchorProv); err != nil {
		return err
	}
	if err := c.tracker.MarkRunning(ctx, runID); err != nil {
		return err
	}

	// Pull.
	docs, err := c.connector.Pull(ctx, reg.URL, reg.AuthRef)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", types.ErrCancelled, err)
		}
		return err
	}

	// Map. Per-document failures are recorded, not fatal.
	type docResult struct {
		index int
		ops   *mapping.DocOps
	}
	var (
		results    []docResult
		chunkTexts []string
	)
	chunkSpans := make(map[int][2]int) // doc index -> [start, end) in chunkTexts
	for i, doc := range docs {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: during mapping", types.ErrCancelled)
		}
		ops, err := mapping.Apply(snap, src, doc, i)
		if err != nil {
			c.tracker.RecordError(runID, err)
			continue
		}
		for _, w := range ops.Warnings {
			c.tracker.RecordWarning(runID, w)
			logging.MappingDebug("Run %s: %s", runID, w)
		}
		if ops.Chunks != nil && len(ops.Chunks.Chunks) > 0 {
			start := len(chunkTexts)
			for _, ch := range ops.Chunks.Chunks {
				chunkTexts = append(chunkTexts, ch.Text)
			}
			chunkSpans[i] = [2]int{start, len(chunkTexts)}
		}
		results = append(results, docResult{index: i, ops: ops})
	}

	// Embed. One batch for the whole run; failure is fatal because chunks
	// without vectors would silently degrade retrieval.
	providerID := c.defaultProvider
	if snap.Embedding != nil && snap.Embedding.Provider != "" {
		providerID = snap.Embedding.Provider
	}
	var vectors [][]float32
	if len(chunkTexts) > 0 {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: before embedding", types.ErrCancelled)
		}
		vectors, err = c.embedder.EmbedBatch(ctx, providerID, chunkTexts)
		if err != nil {
			return err
		}
	}

	// Write. Documents apply concurrently under the write semaphore; inside
	// a document nodes go first, then edges, then the chunk replacement.
	prov := types.Provenance{KBID: kbID, SourceID: src.SourceID, RunID: runID}
	sem := semaphore.NewWeighted(int64(c.parallelism))
	g, gctx := errgroup.WithContext(ctx)
	for _, res := range results {
		res := res
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return fmt.Errorf("%w: awaiting write permit", types.ErrCancelled)
			}
			defer sem.Release(1)

			nodes, err := c.store.UpsertNodes(gctx, kbID, res.ops.Nodes, prov)
			if err != nil {
				return err
			}
			edges, err := c.store.UpsertEdges(gctx, kbID, res.ops.Edges, prov)
			if err != nil {
				return err
			}
			chunks := 0
			if span, ok := chunkSpans[res.index]; ok {
				rows := make([]store.ChunkRow, 0, span[1]-span[0])
				for j, ch := range res.ops.Chunks.Chunks {
					rows = append(rows, store.ChunkRow{
						Index:     ch.Index,
						Text:      ch.Text,
						Embedding: vectors[span[0]+j],
					})
				}
				chunks, err = c.store.ReplaceChunks(gctx, kbID, res.ops.Chunks.Node, rows, providerID, prov)
				if err != nil {
					return err
				}
			}
			c.tracker.RecordDocument(runID, nodes, edges, chunks)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil && !errors.Is(err, types.ErrCancelled) {
			return fmt.Errorf("%w: %v", types.ErrCancelled, err)
		}
		return err
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%w: after write", types.ErrCancelled)
	}

	logging.Ingest("Run %s for %s/%s processed %d documents", runID, kbID, src.SourceID, len(results))
	return nil
}
