// Package mcp exposes the retrieval service as typed MCP tools over the
// stdio transport. Tool handlers call the internal services directly.
package mcp

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/legalmcp/internal/catalog"
	"github.com/fyrsmithlabs/legalmcp/internal/convert"
	"github.com/fyrsmithlabs/legalmcp/internal/embeddings"
	"github.com/fyrsmithlabs/legalmcp/internal/ingest"
	"github.com/fyrsmithlabs/legalmcp/internal/query"
	"github.com/fyrsmithlabs/legalmcp/internal/refcache"
	"github.com/fyrsmithlabs/legalmcp/internal/vectorstore"
)

// secretsNamespace holds stored secrets. Agents may only execute against
// entries here, never read them back.
const secretsNamespace = "secrets"

// Server wires the retrieval services into an MCP tool surface.
type Server struct {
	mcp       *mcp.Server
	ingestSvc *ingest.Engine
	querySvc  *query.Engine
	converter *convert.Converter
	catalogs  *catalog.Registry
	cache     *refcache.Cache
	store     vectorstore.Store
	embedder  embeddings.Embedder
	registry  *ToolRegistry
	metrics   *Metrics
	validate  *validator.Validate
	config    *Config
	logger    *zap.Logger
}

// Config configures the MCP server.
type Config struct {
	// Name is the server implementation name (default: "legalmcp").
	Name string

	// Version is the server version (default: "1.0.0").
	Version string

	// Logger for structured logging.
	Logger *zap.Logger

	// AdminEnabled registers the admin cache tools.
	AdminEnabled bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "legalmcp",
		Version: "1.0.0",
		Logger:  zap.NewNop(),
	}
}

// NewServer creates an MCP server over the given services. Converter and
// catalogs are optional; their tools report a structured error when the
// feature is not configured.
func NewServer(
	cfg *Config,
	ingestSvc *ingest.Engine,
	querySvc *query.Engine,
	converter *convert.Converter,
	catalogs *catalog.Registry,
	cache *refcache.Cache,
	store vectorstore.Store,
	embedder embeddings.Embedder,
) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if ingestSvc == nil {
		return nil, fmt.Errorf("ingest engine is required")
	}
	if querySvc == nil {
		return nil, fmt.Errorf("query engine is required")
	}
	if cache == nil {
		return nil, fmt.Errorf("reference cache is required")
	}
	if store == nil {
		return nil, fmt.Errorf("vector store is required")
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}

	mcpServer := mcp.NewServer(
		&mcp.Implementation{
			Name:    cfg.Name,
			Version: cfg.Version,
		},
		nil,
	)

	s := &Server{
		mcp:       mcpServer,
		ingestSvc: ingestSvc,
		querySvc:  querySvc,
		converter: converter,
		catalogs:  catalogs,
		cache:     cache,
		store:     store,
		embedder:  embedder,
		registry:  NewToolRegistry(),
		metrics:   NewMetrics(cfg.Logger),
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		config:    cfg,
		logger:    cfg.Logger,
	}

	if err := cache.SetPolicy(secretsNamespace, refcache.Policy{
		UserPerms:  refcache.PermFull,
		AgentPerms: refcache.PermExecute,
	}); err != nil {
		return nil, fmt.Errorf("installing secrets policy: %w", err)
	}

	s.registerTools()
	return s, nil
}

// registerTools registers all tools with the MCP server and the registry.
func (s *Server) registerTools() {
	s.registerCorpusTools()
	s.registerDocumentTools()
	s.registerFileTools()
	s.registerCacheTools()
	s.registerDiscoveryTools()
}

// Run starts the MCP server on the stdio transport.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting MCP server on stdio transport",
		zap.String("name", s.config.Name),
		zap.String("version", s.config.Version),
	)
	transport := &mcp.StdioTransport{}
	if err := s.mcp.Run(ctx, transport); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}

// Close releases service resources owned by the server.
func (s *Server) Close() error {
	s.logger.Info("closing MCP server")
	if s.catalogs != nil {
		if err := s.catalogs.Close(); err != nil {
			return fmt.Errorf("catalog close: %w", err)
		}
	}
	return nil
}

// validateInput checks a tool input struct against its declared bounds.
// Failures surface as tool errors, never as a panic.
func (s *Server) validateInput(input any) error {
	if err := s.validate.Struct(input); err != nil {
		var verrs validator.ValidationErrors
		if ok := errors.As(err, &verrs); ok && len(verrs) > 0 {
			f := verrs[0]
			return fmt.Errorf("validation failed: field %q violates %q", f.Field(), f.Tag())
		}
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}
