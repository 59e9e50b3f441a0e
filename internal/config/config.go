// Package config loads kgraph configuration from YAML with environment
// overrides. The file is optional; defaults cover local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all kgraph configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Graph store
	Store StoreConfig `yaml:"store"`

	// Embedding providers
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Connector pulls
	Connector ConnectorConfig `yaml:"connector"`

	// Ingestion runs
	Ingest IngestConfig `yaml:"ingest"`

	// Schema registry
	Schema SchemaConfig `yaml:"schema"`

	// Logging (consumed by internal/logging via the same file)
	Logging LoggingConfig `yaml:"logging"`
}

// StoreConfig configures the graph store connection.
type StoreConfig struct {
	// DatabasePath is the sqlite database file. ":memory:" for tests.
	DatabasePath string `yaml:"database_path"`
	// OpTimeout bounds a single store operation.
	OpTimeout time.Duration `yaml:"op_timeout"`
}

// EmbeddingConfig configures the embedding provider table.
type EmbeddingConfig struct {
	// DefaultProvider is used when a schema omits its embedding section's
	// provider, e.g. "ollama:embeddinggemma".
	DefaultProvider string `yaml:"default_provider"`

	// OllamaEndpoint is the local HTTP embedding endpoint.
	OllamaEndpoint string `yaml:"ollama_endpoint"`

	// RemoteEndpoint and RemoteAPIKey configure the cloud HTTP provider.
	RemoteEndpoint string `yaml:"remote_endpoint"`
	RemoteAPIKey   string `yaml:"remote_api_key"`

	// GenAIAPIKey configures the Google GenAI provider.
	GenAIAPIKey string `yaml:"genai_api_key"`

	// Timeout bounds a single embedding batch request.
	Timeout time.Duration `yaml:"timeout"`
}

// ConnectorConfig configures connector pulls.
type ConnectorConfig struct {
	// Timeout bounds the single pull request per run.
	Timeout time.Duration `yaml:"timeout"`
	// MaxPayloadBytes caps the response body size.
	MaxPayloadBytes int64 `yaml:"max_payload_bytes"`
}

// IngestConfig configures run execution.
type IngestConfig struct {
	// WriteParallelism is the bounded worker degree for the write phase.
	WriteParallelism int `yaml:"write_parallelism"`
	// ErrorRetention caps errors retained verbatim per run; further errors
	// are counted only.
	ErrorRetention int `yaml:"error_retention"`
}

// SchemaConfig configures the registry.
type SchemaConfig struct {
	// WatchDir, when set, is monitored for schema descriptor files which are
	// registered automatically.
	WatchDir string `yaml:"watch_dir"`
}

// LoggingConfig mirrors internal/logging's file section.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories"`
	Level      string          `yaml:"level"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "kgraph",
		Version: "0.3.0",

		Store: StoreConfig{
			DatabasePath: "data/kgraph.db",
			OpTimeout:    15 * time.Second,
		},
		Embedding: EmbeddingConfig{
			DefaultProvider: "ollama:embeddinggemma",
			OllamaEndpoint:  "http://localhost:11434",
			Timeout:         30 * time.Second,
		},
		Connector: ConnectorConfig{
			Timeout:         60 * time.Second,
			MaxPayloadBytes: 64 << 20, // 64 MiB
		},
		Ingest: IngestConfig{
			WriteParallelism: 8,
			ErrorRetention:   100,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads the config file at path, falling back to defaults when the file
// is absent, and applies environment overrides last.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()
	cfg.normalize()
	return cfg, nil
}

// applyEnvOverrides lets the environment win over file values. Credentials
// in particular are expected to arrive this way.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("KGRAPH_DB_PATH"); v != "" {
		c.Store.DatabasePath = v
	}
	if v := os.Getenv("KGRAPH_EMBEDDING_PROVIDER"); v != "" {
		c.Embedding.DefaultProvider = v
	}
	if v := os.Getenv("OLLAMA_ENDPOINT"); v != "" {
		c.Embedding.OllamaEndpoint = v
	}
	if v := os.Getenv("KGRAPH_EMBEDDING_ENDPOINT"); v != "" {
		c.Embedding.RemoteEndpoint = v
	}
	if v := os.Getenv("KGRAPH_EMBEDDING_API_KEY"); v != "" {
		c.Embedding.RemoteAPIKey = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		c.Embedding.GenAIAPIKey = v
	}
	if v := os.Getenv("KGRAPH_CONNECTOR_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Connector.Timeout = d
		}
	}
	if v := os.Getenv("KGRAPH_EMBEDDING_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Embedding.Timeout = d
		}
	}
	if v := os.Getenv("KGRAPH_STORE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Store.OpTimeout = d
		}
	}
	if v := os.Getenv("KGRAPH_MAX_PAYLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			c.Connector.MaxPayloadBytes = n
		}
	}
	if v := os.Getenv("KGRAPH_WRITE_PARALLELISM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Ingest.WriteParallelism = n
		}
	}
	if v := os.Getenv("KGRAPH_ERROR_RETENTION"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.Ingest.ErrorRetention = n
		}
	}
	if v := os.Getenv("KGRAPH_SCHEMA_DIR"); v != "" {
		c.Schema.WatchDir = v
	}
}

// normalize repairs zero or nonsense values after file/env merging.
func (c *Config) normalize() {
	d := DefaultConfig()
	if c.Store.DatabasePath == "" {
		c.Store.DatabasePath = d.Store.DatabasePath
	}
	if c.Store.OpTimeout <= 0 {
		c.Store.OpTimeout = d.Store.OpTimeout
	}
	if c.Embedding.Timeout <= 0 {
		c.Embedding.Timeout = d.Embedding.Timeout
	}
	if c.Connector.Timeout <= 0 {
		c.Connector.Timeout = d.Connector.Timeout
	}
	if c.Connector.MaxPayloadBytes <= 0 {
		c.Connector.MaxPayloadBytes = d.Connector.MaxPayloadBytes
	}
	if c.Ingest.WriteParallelism <= 0 {
		c.Ingest.WriteParallelism = d.Ingest.WriteParallelism
	}
	if c.Ingest.ErrorRetention < 0 {
		c.Ingest.ErrorRetention = d.Ingest.ErrorRetention
	}
}
