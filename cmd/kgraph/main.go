// kgraph is the knowledge-graph ingestion and query CLI. It registers KB
// schemas, pulls documents from source connectors into a SQLite-backed
// graph with embedded chunks, and answers semantic and graph queries.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"kgraph/internal/config"
	"kgraph/internal/embedding"
	"kgraph/internal/ingest"
	"kgraph/internal/logging"
	"kgraph/internal/retrieval"
	"kgraph/internal/run"
	"kgraph/internal/schema"
	"kgraph/internal/store"
	"kgraph/internal/types"
)

var (
	// Global flags
	verbose    bool
	configPath string

	logger *zap.Logger

	// Wired in initSystem.
	cfg       *config.Config
	registry  *schema.Registry
	graph     *store.Store
	tracker   *run.Tracker
	coord     *ingest.Coordinator
	reads     *retrieval.Surface
)

var rootCmd = &cobra.Command{
	Use:   "kgraph",
	Short: "kgraph - knowledge-graph ingestion and query orchestrator",
	Long: `kgraph turns JSON documents from source connectors into a queryable
knowledge graph. Schemas declare nodes, relationships, and extraction
mappings per knowledge base; ingestion runs pull, map, embed, and write
with full provenance; retrieval offers semantic search over embedded
chunks and a scoped read-only graph query language.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
}

// initSystem loads configuration and wires every component. Commands that
// touch the store call this in their RunE.
func initSystem() error {
	var err error
	cfg, err = config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logging.Initialize(filepath.Dir(cfg.Store.DatabasePath)); err != nil {
		logger.Warn("file logging disabled", zap.Error(err))
	}
	logging.Boot("kgraph %s starting", cfg.Version)

	graph, err = store.Open(cfg.Store.DatabasePath, cfg.Store.OpTimeout)
	if err != nil {
		return err
	}

	registry = schema.NewRegistry()
	embedder := embedding.NewRegistry(embedding.Config{
		OllamaEndpoint: cfg.Embedding.OllamaEndpoint,
		RemoteEndpoint: cfg.Embedding.RemoteEndpoint,
		RemoteAPIKey:   cfg.Embedding.RemoteAPIKey,
		GenAIAPIKey:    cfg.Embedding.GenAIAPIKey,
		Timeout:        cfg.Embedding.Timeout,
	})
	tracker = run.NewTracker(graph, cfg.Ingest.ErrorRetention)

	// Runs orphaned by a previous process must not report as running.
	if n, err := tracker.Sweep(context.Background()); err != nil {
		logger.Warn("startup run sweep failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("swept orphaned runs", zap.Int("count", n))
	}

	connector := ingest.NewConnector(cfg.Connector.Timeout, cfg.Connector.MaxPayloadBytes)
	coord = ingest.NewCoordinator(registry, graph, embedder, tracker, connector,
		cfg.Embedding.DefaultProvider, cfg.Ingest.WriteParallelism)
	reads = retrieval.NewSurface(registry, graph, embedder, cfg.Embedding.DefaultProvider)

	// Re-register every schema persisted by earlier invocations.
	persisted, err := graph.ListSchemas(context.Background())
	if err != nil {
		return err
	}
	for kbID, raw := range persisted {
		if _, _, err := registry.Register(raw); err != nil {
			logger.Warn("persisted schema no longer validates",
				zap.String("kb", kbID), zap.Error(err))
		}
	}

	if cfg.Schema.WatchDir != "" {
		if err := schema.NewWatcher(registry, cfg.Schema.WatchDir).Scan(); err != nil {
			return fmt.Errorf("scan schema dir %s: %w", cfg.Schema.WatchDir, err)
		}
	}
	return nil
}

func closeSystem() {
	if graph != nil {
		graph.Close()
	}
}

var validateCmd = &cobra.Command{
	Use:   "validate [schema-file]",
	Short: "Validate a KB schema descriptor without registering it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		warnings, err := schema.NewRegistry().Validate(raw)
		if err != nil {
			return err
		}
		for _, w := range warnings {
			fmt.Printf("warning: %s\n", w)
		}
		fmt.Println("schema is valid")
		return nil
	},
}

var registerCmd = &cobra.Command{
	Use:   "register [schema-file]",
	Short: "Register a KB schema and prepare its storage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := initSystem(); err != nil {
			return err
		}
		defer closeSystem()

		raw, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		kbID, warnings, err := registry.Register(raw)
		if err != nil {
			return err
		}
		if err := graph.SaveSchema(cmd.Context(), kbID, raw); err != nil {
			return err
		}
		if err := graph.EnsureKB(cmd.Context(), kbID); err != nil {
			return err
		}
		for _, w := range warnings {
			fmt.Printf("warning: %s\n", w)
		}
		fmt.Printf("registered %s\n", kbID)
		return nil
	},
}

var (
	addSourceURL  string
	addSourceAuth string
)

var addSourceCmd = &cobra.Command{
	Use:   "add-source [kb-id] [source-id]",
	Short: "Register a connector endpoint for a schema-declared source",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := initSystem(); err != nil {
			return err
		}
		defer closeSystem()

		if err := coord.AddSource(cmd.Context(), args[0], args[1], addSourceURL, addSourceAuth); err != nil {
			return err
		}
		fmt.Printf("source %s/%s -> %s\n", args[0], args[1], addSourceURL)
		return nil
	},
}

var ingestCmd = &cobra.Command{
	Use:   "ingest [kb-id] [source-id]",
	Short: "Run an ingestion for one source and report the result",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := initSystem(); err != nil {
			return err
		}
		defer closeSystem()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		runID, err := coord.Ingest(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Printf("run %s\n", runID)

		// The run lives in this process; wait for it. An interrupt cancels
		// the run cooperatively and it lands in the failed state.
		interrupted := ctx.Done()
		for {
			select {
			case <-interrupted:
				coord.Cancel(runID)
				interrupted = nil
			case <-time.After(200 * time.Millisecond):
			}
			r, err := tracker.Status(context.Background(), runID)
			if err != nil {
				return err
			}
			if r.State.Terminal() {
				printRun(r)
				if r.State == types.RunFailed {
					return fmt.Errorf("run failed: %s", r.LastError)
				}
				return nil
			}
		}
	},
}

var (
	searchTopK  int
	searchLabel string
)

var searchCmd = &cobra.Command{
	Use:   "search [kb-id] [text]",
	Short: "Semantic search over a knowledge base",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := initSystem(); err != nil {
			return err
		}
		defer closeSystem()

		hits, err := reads.SemanticSearch(cmd.Context(), args[0], args[1], searchTopK, searchLabel)
		if err != nil {
			return err
		}
		return printJSON(hits)
	},
}

var queryParams string

var queryCmd = &cobra.Command{
	Use:   "query [kb-id] [query-text]",
	Short: "Run a read-only graph query scoped to one knowledge base",
	Long: `Runs a query in the supported Cypher subset, e.g.:

  kgraph query docs "MATCH (d:Document)-[:AUTHORED_BY]->(p:Person) RETURN d.title AS title, p"

Parameters referenced as $name are supplied with --params '{"name": "value"}'.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := initSystem(); err != nil {
			return err
		}
		defer closeSystem()

		var params map[string]any
		if queryParams != "" {
			if err := json.Unmarshal([]byte(queryParams), &params); err != nil {
				return fmt.Errorf("--params must be a JSON object: %w", err)
			}
		}
		rows, err := reads.GraphQuery(cmd.Context(), args[0], args[1], params)
		if err != nil {
			return err
		}
		return printJSON(rows)
	},
}

var getSchemaCmd = &cobra.Command{
	Use:   "get-schema [kb-id]",
	Short: "Print a knowledge base's schema exactly as registered",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := initSystem(); err != nil {
			return err
		}
		defer closeSystem()

		raw, err := graph.GetSchemaRaw(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Print(string(raw))
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch the configured schema directory and auto-register changes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := initSystem(); err != nil {
			return err
		}
		defer closeSystem()

		if cfg.Schema.WatchDir == "" {
			return fmt.Errorf("no schema watch_dir configured")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		err := schema.NewWatcher(registry, cfg.Schema.WatchDir).Start(ctx)
		if err == context.Canceled {
			return nil
		}
		return err
	},
}

var statusCmd = &cobra.Command{
	Use:   "status [kb-id]",
	Short: "Show a knowledge base's counts and latest run per source",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := initSystem(); err != nil {
			return err
		}
		defer closeSystem()

		if _, err := registry.Get(args[0]); err != nil {
			return err
		}
		status, err := tracker.KBStatus(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(status)
	},
}

var runsLimit int

var runsCmd = &cobra.Command{
	Use:   "runs [kb-id]",
	Short: "List recent ingestion runs, across all knowledge bases when no kb-id is given",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := initSystem(); err != nil {
			return err
		}
		defer closeSystem()

		kb := ""
		if len(args) == 1 {
			kb = args[0]
		}
		runs, err := tracker.Recent(cmd.Context(), kb, runsLimit)
		if err != nil {
			return err
		}
		for _, r := range runs {
			printRun(r)
		}
		return nil
	},
}

func printRun(r *types.Run) {
	finished := "-"
	if r.FinishedAt != nil {
		finished = r.FinishedAt.Format(time.RFC3339)
	}
	fmt.Printf("%s  %-9s  %s/%s  docs=%d nodes=%d edges=%d chunks=%d errors=%d  finished=%s\n",
		r.RunID, r.State, r.KBID, r.SourceID, r.DocsProcessed, r.NodesUpserted,
		r.EdgesUpserted, r.ChunksWritten, r.ErrorCount(), finished)
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "kgraph.yaml", "config file path")

	addSourceCmd.Flags().StringVar(&addSourceURL, "url", "", "connector endpoint URL")
	addSourceCmd.Flags().StringVar(&addSourceAuth, "auth", "", "auth reference (env:VAR or header:Name=env:VAR)")
	addSourceCmd.MarkFlagRequired("url")

	searchCmd.Flags().IntVar(&searchTopK, "top-k", 10, "maximum hits to return")
	searchCmd.Flags().StringVar(&searchLabel, "label", "", "restrict hits to nodes of this label")

	queryCmd.Flags().StringVar(&queryParams, "params", "", "query parameters as a JSON object")

	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "maximum runs to list")

	rootCmd.AddCommand(validateCmd, registerCmd, addSourceCmd, ingestCmd,
		searchCmd, queryCmd, statusCmd, runsCmd, getSchemaCmd, watchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
