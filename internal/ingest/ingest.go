// Package ingest turns documents into embedded chunks in the vector store.
//
// Five flows share one engine: bulk corpus ingestion from a local HTML
// tree, plain-text documents, Markdown files, PDF files via the converter,
// and on-demand retrieval of a single page through a Renderer.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/legalmcp/internal/chunking"
	"github.com/fyrsmithlabs/legalmcp/internal/convert"
	"github.com/fyrsmithlabs/legalmcp/internal/embeddings"
	"github.com/fyrsmithlabs/legalmcp/internal/pathsafe"
	"github.com/fyrsmithlabs/legalmcp/internal/vectorstore"
)

var tracer = otel.Tracer("legalmcp.ingest")

var (
	// ErrMissingTenant indicates a user-document flow without a tenant id.
	ErrMissingTenant = errors.New("tenant_id is required")

	// ErrNoDocuments indicates an empty input batch.
	ErrNoDocuments = errors.New("no documents provided")

	// ErrIngestDisabled indicates file ingestion has no usable root.
	ErrIngestDisabled = errors.New("file ingestion is disabled")
)

// maxErrorChars bounds per-document error summaries so tool responses
// stay small and never echo document content at length.
const maxErrorChars = 200

// Config bounds the engine.
type Config struct {
	ChunkSize            int
	ChunkOverlap         int
	MaxChunksPerDocument int

	// MaxParallelEmbeds bounds concurrent embedding calls.
	MaxParallelEmbeds int

	// CorpusWorkers bounds concurrent law files during bulk ingestion.
	CorpusWorkers int

	MaxFileBytes      int64
	MaxConvertedBytes int64
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.ChunkSize == 0 {
		c.ChunkSize = chunking.DefaultChunkSize
	}
	if c.ChunkOverlap == 0 {
		c.ChunkOverlap = chunking.DefaultOverlap
	}
	if c.MaxParallelEmbeds == 0 {
		c.MaxParallelEmbeds = 4
	}
	if c.CorpusWorkers == 0 {
		c.CorpusWorkers = 16
	}
	if c.MaxFileBytes == 0 {
		c.MaxFileBytes = pathsafe.DefaultTextSizeCap
	}
	if c.MaxConvertedBytes == 0 {
		c.MaxConvertedBytes = pathsafe.DefaultConvertedSizeCap
	}
}

// Engine executes the ingestion flows against one store and embedder.
type Engine struct {
	store     vectorstore.Store
	embedder  embeddings.Embedder
	resolver  *pathsafe.Resolver
	converter *convert.Converter
	renderer  Renderer
	config    Config
	logger    *zap.Logger
}

// Option configures optional engine collaborators.
type Option func(*Engine)

// WithResolver enables the file-based flows.
func WithResolver(r *pathsafe.Resolver) Option {
	return func(e *Engine) { e.resolver = r }
}

// WithConverter enables the PDF flow.
func WithConverter(c *convert.Converter) Option {
	return func(e *Engine) { e.converter = c }
}

// WithRenderer enables on-demand page retrieval.
func WithRenderer(r Renderer) Option {
	return func(e *Engine) { e.renderer = r }
}

// NewEngine creates an ingestion engine.
func NewEngine(store vectorstore.Store, embedder embeddings.Embedder, config Config, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()

	e := &Engine{
		store:    store,
		embedder: embedder,
		config:   config,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// DocumentInput is one document submitted for ingestion.
type DocumentInput struct {
	// DocumentID overrides the derived content-hash id when set.
	DocumentID string

	SourceName string
	Text       string
	CaseID     string
	Tags       []string
}

// DocumentResult reports the outcome for one document.
type DocumentResult struct {
	DocumentID    string   `json:"document_id"`
	SourceName    string   `json:"source_name"`
	ChunksCreated int      `json:"chunks_created"`
	ChunksAdded   int      `json:"chunks_added"`
	Errors        []string `json:"errors,omitempty"`
}

// Result aggregates a whole ingestion call.
type Result struct {
	Status         string           `json:"status"`
	FilesReceived  int              `json:"files_received"`
	FilesIngested  int              `json:"files_ingested"`
	ChunksCreated  int              `json:"chunks_created"`
	ChunksAdded    int              `json:"chunks_added"`
	Documents      []DocumentResult `json:"documents"`
	Errors         []string         `json:"errors,omitempty"`
	EmbeddingModel string           `json:"embedding_model"`
}

// finalize derives totals and the overall status from per-document results.
func (r *Result) finalize() {
	for _, doc := range r.Documents {
		r.ChunksCreated += doc.ChunksCreated
		r.ChunksAdded += doc.ChunksAdded
		if len(doc.Errors) == 0 {
			r.FilesIngested++
		}
	}
	if r.FilesReceived > 0 && r.FilesIngested == 0 {
		r.Status = "failed"
	} else {
		r.Status = "complete"
	}
}

// DeriveDocumentID computes the deterministic content-hash document id
// used when the caller supplies none.
func DeriveDocumentID(sourceName, text string) string {
	sum := sha256.Sum256([]byte(sourceName + "\n" + text))
	return "doc_" + hex.EncodeToString(sum[:])[:16]
}

// normalizeTags lowercases, dedupes, and sorts tags, returning the CSV
// form and the single tag when exactly one distinct tag remains.
func normalizeTags(tags []string) (csv string, single string) {
	seen := make(map[string]bool, len(tags))
	var cleaned []string
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		cleaned = append(cleaned, tag)
	}
	sort.Strings(cleaned)

	if len(cleaned) == 1 {
		single = cleaned[0]
	}
	return strings.Join(cleaned, ","), single
}

// errSummary truncates err to the per-document error budget.
func errSummary(err error) string {
	msg := err.Error()
	runes := []rune(msg)
	if len(runes) > maxErrorChars {
		return string(runes[:maxErrorChars])
	}
	return msg
}

// ingestedAtNow is the ingestion timestamp as unix seconds.
func ingestedAtNow() string {
	return strconv.FormatInt(time.Now().Unix(), 10)
}

// chunkOptions builds chunking options from the engine config.
func (e *Engine) chunkOptions() chunking.Options {
	return chunking.Options{
		ChunkSize: e.config.ChunkSize,
		Overlap:   e.config.ChunkOverlap,
		MaxChunks: e.config.MaxChunksPerDocument,
	}
}

// requireResolver guards the file-based flows.
func (e *Engine) requireResolver() (*pathsafe.Resolver, error) {
	if e.resolver == nil {
		return nil, fmt.Errorf("%w: no ingest root configured", ErrIngestDisabled)
	}
	return e.resolver, nil
}

// checkCancelled reports a context error at a batch boundary.
func checkCancelled(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
