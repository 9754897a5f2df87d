package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config is the full server configuration.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Logging     LoggingConfig     `koanf:"logging"`
	Embeddings  EmbeddingsConfig  `koanf:"embeddings"`
	VectorStore VectorStoreConfig `koanf:"vectorstore"`
	Catalog     CatalogConfig     `koanf:"catalog"`
	Cache       CacheConfig       `koanf:"cache"`
	Ingest      IngestConfig      `koanf:"ingest"`
	Telemetry   TelemetryConfig   `koanf:"telemetry"`
}

// ServerConfig identifies the MCP server.
type ServerConfig struct {
	Name    string `koanf:"name"`
	Version string `koanf:"version"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	// Level is debug, info, warn, or error.
	Level string `koanf:"level"`

	// Format is console or json.
	Format string `koanf:"format"`
}

// EmbeddingsConfig configures the embedding gateway and fallback model.
type EmbeddingsConfig struct {
	// Endpoints lists embedding server base URLs. Empty selects the
	// in-process fallback model.
	Endpoints []string `koanf:"endpoints"`

	Model                string   `koanf:"model"`
	RequestTimeout       Duration `koanf:"request_timeout"`
	MaxBatchSize         int      `koanf:"max_batch_size"`
	MaxConcurrentBatches int      `koanf:"max_concurrent_batches"`
	MaxRetries           int      `koanf:"max_retries"`

	// FallbackCacheDir caches fallback model files.
	FallbackCacheDir string `koanf:"fallback_cache_dir"`
}

// VectorStoreConfig selects and configures the vector backend.
type VectorStoreConfig struct {
	// Backend is chromem (embedded, default) or qdrant (remote).
	Backend string `koanf:"backend"`

	// Path is the persistence directory for the embedded backend.
	Path string `koanf:"path"`

	QdrantHost   string `koanf:"qdrant_host"`
	QdrantPort   int    `koanf:"qdrant_port"`
	QdrantAPIKey Secret `koanf:"qdrant_api_key"`
	QdrantUseTLS bool   `koanf:"qdrant_use_tls"`

	VectorSize int `koanf:"vector_size"`
}

// CatalogSourceConfig registers one catalog database.
type CatalogSourceConfig struct {
	Name    string `koanf:"name"`
	Path    string `koanf:"path"`
	Version string `koanf:"version"`
}

// CatalogConfig lists catalog sources.
type CatalogConfig struct {
	Sources []CatalogSourceConfig `koanf:"sources"`
}

// CacheConfig bounds the reference cache.
type CacheConfig struct {
	Capacity      int      `koanf:"capacity"`
	DefaultTTL    Duration `koanf:"default_ttl"`
	PreviewBudget int      `koanf:"preview_budget"`
}

// IngestConfig bounds the ingestion engine.
type IngestConfig struct {
	// Root is the allowlisted directory for file-based ingestion.
	// Defaults to {cwd}/.agent/tmp, created lazily.
	Root string `koanf:"root"`

	ChunkSize            int `koanf:"chunk_size"`
	ChunkOverlap         int `koanf:"chunk_overlap"`
	MaxChunksPerDocument int `koanf:"max_chunks_per_document"`

	// MaxParallelEmbeds bounds concurrent embedding calls per batch.
	MaxParallelEmbeds int `koanf:"max_parallel_embeds"`

	MaxFileBytes      int64 `koanf:"max_file_bytes"`
	MaxConvertedBytes int64 `koanf:"max_converted_bytes"`
}

// TelemetryConfig controls tracing and metrics.
type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`

	// PrometheusPort serves /metrics when > 0.
	PrometheusPort int `koanf:"prometheus_port"`
}

func applyDefaults(c *Config) {
	if c.Server.Name == "" {
		c.Server.Name = "legalmcp"
	}
	if c.Server.Version == "" {
		c.Server.Version = "dev"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Embeddings.Model == "" {
		c.Embeddings.Model = "BAAI/bge-small-en-v1.5"
	}
	if c.Embeddings.RequestTimeout == 0 {
		c.Embeddings.RequestTimeout = Duration(30 * time.Second)
	}
	if c.Embeddings.MaxBatchSize == 0 {
		c.Embeddings.MaxBatchSize = 64
	}
	if c.Embeddings.MaxConcurrentBatches == 0 {
		c.Embeddings.MaxConcurrentBatches = 4
	}
	if c.Embeddings.MaxRetries == 0 {
		c.Embeddings.MaxRetries = 3
	}

	if c.VectorStore.Backend == "" {
		c.VectorStore.Backend = "chromem"
	}
	if c.VectorStore.QdrantHost == "" {
		c.VectorStore.QdrantHost = "localhost"
	}
	if c.VectorStore.QdrantPort == 0 {
		c.VectorStore.QdrantPort = 6334
	}
	if c.VectorStore.VectorSize == 0 {
		c.VectorStore.VectorSize = 384
	}

	if c.Cache.Capacity == 0 {
		c.Cache.Capacity = 1024
	}
	if c.Cache.DefaultTTL == 0 {
		c.Cache.DefaultTTL = Duration(24 * time.Hour)
	}
	if c.Cache.PreviewBudget == 0 {
		c.Cache.PreviewBudget = 2048
	}

	if c.Ingest.Root == "" {
		if cwd, err := os.Getwd(); err == nil {
			c.Ingest.Root = filepath.Join(cwd, ".agent", "tmp")
		}
	}
	if c.Ingest.ChunkSize == 0 {
		c.Ingest.ChunkSize = 1200
	}
	if c.Ingest.ChunkOverlap == 0 {
		c.Ingest.ChunkOverlap = 150
	}
	if c.Ingest.MaxParallelEmbeds == 0 {
		c.Ingest.MaxParallelEmbeds = 4
	}
	if c.Ingest.MaxFileBytes == 0 {
		c.Ingest.MaxFileBytes = 2_000_000
	}
	if c.Ingest.MaxConvertedBytes == 0 {
		c.Ingest.MaxConvertedBytes = 5_000_000
	}

	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "legalmcp"
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging level: %s", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("invalid logging format: %s", c.Logging.Format)
	}

	switch c.VectorStore.Backend {
	case "chromem", "qdrant":
	default:
		return fmt.Errorf("invalid vectorstore backend: %s", c.VectorStore.Backend)
	}

	if c.Ingest.ChunkOverlap >= c.Ingest.ChunkSize {
		return fmt.Errorf("ingest chunk_overlap %d must be smaller than chunk_size %d",
			c.Ingest.ChunkOverlap, c.Ingest.ChunkSize)
	}
	if c.Cache.Capacity < 1 {
		return fmt.Errorf("cache capacity must be >= 1")
	}

	for _, src := range c.Catalog.Sources {
		if strings.TrimSpace(src.Name) == "" || strings.TrimSpace(src.Path) == "" {
			return fmt.Errorf("catalog sources need name and path")
		}
	}
	return nil
}

// applyContractEnv applies the externally documented environment variables,
// which take precedence over both file and LEGALMCP_* values.
func applyContractEnv(c *Config) error {
	if root := os.Getenv("LEGAL_MCP_INGEST_ROOT"); root != "" {
		c.Ingest.Root = root
	}
	if endpoints := os.Getenv("EMBEDDING_ENDPOINTS"); endpoints != "" {
		c.Embeddings.Endpoints = nil
		for _, raw := range strings.Split(endpoints, ",") {
			if url := strings.TrimSpace(raw); url != "" {
				c.Embeddings.Endpoints = append(c.Embeddings.Endpoints, strings.TrimRight(url, "/"))
			}
		}
	}
	if model := os.Getenv("EMBEDDING_MODEL"); model != "" {
		c.Embeddings.Model = model
	}
	if path := os.Getenv("VECTOR_STORE_PATH"); path != "" {
		c.VectorStore.Path = path
	}
	if capacity := os.Getenv("CACHE_CAPACITY"); capacity != "" {
		n, err := strconv.Atoi(capacity)
		if err != nil {
			return fmt.Errorf("invalid CACHE_CAPACITY: %w", err)
		}
		c.Cache.Capacity = n
	}
	if ttl := os.Getenv("CACHE_DEFAULT_TTL_SECONDS"); ttl != "" {
		seconds, err := strconv.Atoi(ttl)
		if err != nil {
			return fmt.Errorf("invalid CACHE_DEFAULT_TTL_SECONDS: %w", err)
		}
		c.Cache.DefaultTTL = Duration(time.Duration(seconds) * time.Second)
	}
	return nil
}
