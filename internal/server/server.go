// Package server assembles the legalmcp services from configuration and
// runs the MCP stdio transport until shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/legalmcp/internal/catalog"
	"github.com/fyrsmithlabs/legalmcp/internal/config"
	"github.com/fyrsmithlabs/legalmcp/internal/convert"
	"github.com/fyrsmithlabs/legalmcp/internal/embeddings"
	"github.com/fyrsmithlabs/legalmcp/internal/ingest"
	"github.com/fyrsmithlabs/legalmcp/internal/logging"
	"github.com/fyrsmithlabs/legalmcp/internal/mcp"
	"github.com/fyrsmithlabs/legalmcp/internal/pathsafe"
	"github.com/fyrsmithlabs/legalmcp/internal/query"
	"github.com/fyrsmithlabs/legalmcp/internal/refcache"
	"github.com/fyrsmithlabs/legalmcp/internal/telemetry"
	"github.com/fyrsmithlabs/legalmcp/internal/vectorstore"
)

// shutdownTimeout bounds the close cascade after the transport stops.
const shutdownTimeout = 5 * time.Second

// Options tunes assembly beyond the loaded configuration.
type Options struct {
	// AdminEnabled registers the admin cache tools.
	AdminEnabled bool

	// WithRenderer starts the headless browser renderer for fetch_law_page.
	// Off by default; the renderer spawns a Chrome process.
	WithRenderer bool
}

// Server owns the assembled services and their shutdown order.
type Server struct {
	cfg       *config.Config
	logger    *logging.Logger
	telemetry *telemetry.Telemetry

	embedder embeddings.Embedder
	store    vectorstore.Store
	catalogs *catalog.Registry
	cache    *refcache.Cache
	renderer ingest.Renderer

	ingestSvc *ingest.Engine
	querySvc  *query.Engine

	mcpSrv *mcp.Server
}

// New wires configuration into a runnable server: logging, telemetry,
// embeddings, vector store, catalogs, reference cache, ingestion and query
// engines, and the MCP tool surface.
func New(ctx context.Context, cfg *config.Config, version string, opts Options) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	s := &Server{cfg: cfg}

	telCfg := telemetry.NewDefaultConfig()
	telCfg.Enabled = cfg.Telemetry.Enabled
	telCfg.ServiceName = cfg.Telemetry.ServiceName
	telCfg.ServiceVersion = version
	telCfg.Metrics.PrometheusPort = cfg.Telemetry.PrometheusPort
	tel, err := telemetry.New(ctx, telCfg)
	if err != nil {
		return nil, fmt.Errorf("telemetry init: %w", err)
	}
	s.telemetry = tel

	logger, err := newLogger(cfg, tel)
	if err != nil {
		s.shutdown(ctx)
		return nil, fmt.Errorf("logger init: %w", err)
	}
	s.logger = logger
	zlog := logger.Underlying()

	embedder, err := newEmbedder(cfg, zlog)
	if err != nil {
		s.shutdown(ctx)
		return nil, fmt.Errorf("embeddings init: %w", err)
	}
	s.embedder = embedder
	zlog.Info("embedder ready",
		zap.String("model", embedder.ModelID()),
		zap.Int("dimension", embedder.Dimension()),
		zap.Int("endpoints", len(cfg.Embeddings.Endpoints)),
	)

	store, err := newStore(ctx, cfg, embedder.Dimension(), zlog)
	if err != nil {
		s.shutdown(ctx)
		return nil, fmt.Errorf("vector store init: %w", err)
	}
	s.store = store

	if len(cfg.Catalog.Sources) > 0 {
		sources := make([]catalog.Source, 0, len(cfg.Catalog.Sources))
		for _, src := range cfg.Catalog.Sources {
			sources = append(sources, catalog.Source{
				Name:    src.Name,
				Path:    src.Path,
				Version: src.Version,
			})
		}
		catalogs, err := catalog.OpenRegistry(sources, zlog)
		if err != nil {
			s.shutdown(ctx)
			return nil, fmt.Errorf("catalog init: %w", err)
		}
		s.catalogs = catalogs
	}

	s.cache = refcache.NewCache(refcache.Config{
		Capacity:      cfg.Cache.Capacity,
		DefaultTTL:    cfg.Cache.DefaultTTL.Duration(),
		PreviewBudget: cfg.Cache.PreviewBudget,
	}, zlog)

	resolver, converter, err := newFileServices(cfg, zlog)
	if err != nil {
		s.shutdown(ctx)
		return nil, fmt.Errorf("file services init: %w", err)
	}

	ingestOpts := []ingest.Option{}
	if resolver != nil {
		ingestOpts = append(ingestOpts, ingest.WithResolver(resolver))
	}
	if converter != nil {
		ingestOpts = append(ingestOpts, ingest.WithConverter(converter))
	}
	if opts.WithRenderer {
		s.renderer = ingest.NewChromeRenderer(ingest.ChromeRendererConfig{}, zlog)
		ingestOpts = append(ingestOpts, ingest.WithRenderer(s.renderer))
	}

	s.ingestSvc = ingest.NewEngine(store, embedder, ingest.Config{
		ChunkSize:            cfg.Ingest.ChunkSize,
		ChunkOverlap:         cfg.Ingest.ChunkOverlap,
		MaxChunksPerDocument: cfg.Ingest.MaxChunksPerDocument,
		MaxParallelEmbeds:    cfg.Ingest.MaxParallelEmbeds,
		MaxFileBytes:         cfg.Ingest.MaxFileBytes,
		MaxConvertedBytes:    cfg.Ingest.MaxConvertedBytes,
	}, zlog, ingestOpts...)
	s.querySvc = query.NewEngine(store, embedder, zlog)

	mcpSrv, err := mcp.NewServer(&mcp.Config{
		Name:         cfg.Server.Name,
		Version:      version,
		Logger:       zlog,
		AdminEnabled: opts.AdminEnabled,
	}, s.ingestSvc, s.querySvc, converter, s.catalogs, s.cache, store, embedder)
	if err != nil {
		s.shutdown(ctx)
		return nil, fmt.Errorf("mcp server init: %w", err)
	}
	s.mcpSrv = mcpSrv

	return s, nil
}

// Ingest exposes the ingestion engine for command-line bulk runs.
func (s *Server) Ingest() *ingest.Engine { return s.ingestSvc }

// Logger exposes the assembled logger.
func (s *Server) Logger() *logging.Logger { return s.logger }

// Run serves MCP over stdio until the context is cancelled, then releases
// resources in reverse construction order.
func (s *Server) Run(ctx context.Context) error {
	runErr := s.mcpSrv.Run(ctx)
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.Close(closeCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Close releases every service the server owns. Safe to call on a
// partially constructed server.
func (s *Server) Close(ctx context.Context) error {
	var errs []error

	if s.mcpSrv != nil {
		if err := s.mcpSrv.Close(); err != nil {
			errs = append(errs, err)
		}
		// The MCP server closes the catalog registry.
		s.catalogs = nil
	}
	if s.renderer != nil {
		if err := s.renderer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.catalogs != nil {
		if err := s.catalogs.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if closer, ok := s.embedder.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.shutdown(ctx)
	return errors.Join(errs...)
}

// shutdown flushes the logger and telemetry pipelines.
func (s *Server) shutdown(ctx context.Context) {
	if s.logger != nil {
		_ = s.logger.Sync()
	}
	if s.telemetry != nil {
		_ = s.telemetry.Shutdown(ctx)
	}
}

func newLogger(cfg *config.Config, tel *telemetry.Telemetry) (*logging.Logger, error) {
	level, err := logging.LevelFromString(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}

	logCfg := logging.NewDefaultConfig()
	logCfg.Level = level
	logCfg.Format = cfg.Logging.Format
	logCfg.Output.OTEL = tel.IsEnabled()
	logCfg.Fields = map[string]string{"service": cfg.Telemetry.ServiceName}

	return logging.NewLogger(logCfg, tel.LoggerProvider())
}

// newEmbedder prefers the remote gateway; with no endpoints configured it
// loads the in-process fallback model.
func newEmbedder(cfg *config.Config, logger *zap.Logger) (embeddings.Embedder, error) {
	if len(cfg.Embeddings.Endpoints) > 0 {
		return embeddings.NewGateway(embeddings.GatewayConfig{
			Endpoints:            cfg.Embeddings.Endpoints,
			Model:                cfg.Embeddings.Model,
			RequestTimeout:       cfg.Embeddings.RequestTimeout.Duration(),
			MaxBatchSize:         cfg.Embeddings.MaxBatchSize,
			MaxConcurrentBatches: cfg.Embeddings.MaxConcurrentBatches,
			MaxRetries:           cfg.Embeddings.MaxRetries,
		}, logger)
	}
	logger.Info("no embedding endpoints configured, using in-process fallback model",
		zap.String("model", cfg.Embeddings.Model))
	return embeddings.NewFastEmbedProvider(embeddings.FastEmbedConfig{
		Model:    cfg.Embeddings.Model,
		CacheDir: cfg.Embeddings.FallbackCacheDir,
	})
}

func newStore(ctx context.Context, cfg *config.Config, dimension int, logger *zap.Logger) (vectorstore.Store, error) {
	vectorSize := cfg.VectorStore.VectorSize
	if dimension > 0 {
		vectorSize = dimension
	}

	switch cfg.VectorStore.Backend {
	case "qdrant":
		return vectorstore.NewQdrantStore(ctx, vectorstore.QdrantConfig{
			Host:       cfg.VectorStore.QdrantHost,
			Port:       cfg.VectorStore.QdrantPort,
			UseTLS:     cfg.VectorStore.QdrantUseTLS,
			APIKey:     cfg.VectorStore.QdrantAPIKey.Value(),
			VectorSize: vectorSize,
		}, logger)
	default:
		return vectorstore.NewChromemStore(vectorstore.ChromemConfig{
			Path:       cfg.VectorStore.Path,
			VectorSize: vectorSize,
		}, logger)
	}
}

// newFileServices prepares the allowlisted ingestion root. The root is
// created on first start so a fresh install works without manual setup.
func newFileServices(cfg *config.Config, logger *zap.Logger) (*pathsafe.Resolver, *convert.Converter, error) {
	root := cfg.Ingest.Root
	if root == "" {
		return nil, nil, nil
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, nil, fmt.Errorf("creating ingest root %s: %w", root, err)
	}
	resolver, err := pathsafe.NewResolver(root)
	if err != nil {
		return nil, nil, err
	}
	converter := convert.New(resolver, convert.Config{
		MaxInputBytes: cfg.Ingest.MaxFileBytes,
	}, logger)
	return resolver, converter, nil
}
