package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/legalmcp/internal/chunking"
	"github.com/fyrsmithlabs/legalmcp/internal/lawhtml"
	"github.com/fyrsmithlabs/legalmcp/internal/vectorstore"
)

// ErrRendererUnavailable indicates no renderer is configured.
var ErrRendererUnavailable = errors.New("page renderer is not configured")

// Renderer fetches one fully rendered page. Implementations handle
// JavaScript-driven pages that plain HTTP fetches cannot.
type Renderer interface {
	Render(ctx context.Context, url string) (string, error)
	Close() error
}

// ChromeRendererConfig configures the headless browser renderer.
type ChromeRendererConfig struct {
	UserAgent string

	// WaitAfterLoad lets client-side rendering settle before capture.
	WaitAfterLoad time.Duration

	// Timeout bounds one Render call.
	Timeout time.Duration
}

// ApplyDefaults fills unset fields.
func (c *ChromeRendererConfig) ApplyDefaults() {
	if c.UserAgent == "" {
		c.UserAgent = "legalmcp/1.0"
	}
	if c.WaitAfterLoad == 0 {
		c.WaitAfterLoad = 2 * time.Second
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
}

// ChromeRenderer renders pages in a shared headless Chrome instance.
type ChromeRenderer struct {
	allocCtx    context.Context
	allocCancel context.CancelFunc
	config      ChromeRendererConfig
	logger      *zap.Logger
}

// NewChromeRenderer starts a headless browser allocator. The browser
// process itself launches lazily on the first Render call.
func NewChromeRenderer(config ChromeRendererConfig, logger *zap.Logger) *ChromeRenderer {
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserAgent(config.UserAgent),
		chromedp.DisableGPU,
		chromedp.NoSandbox,
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &ChromeRenderer{
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
		config:      config,
		logger:      logger,
	}
}

// Render fetches one page and returns its rendered HTML.
func (r *ChromeRenderer) Render(ctx context.Context, url string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	browserCtx, browserCancel := chromedp.NewContext(r.allocCtx)
	defer browserCancel()
	runCtx, runCancel := context.WithTimeout(browserCtx, r.config.Timeout)
	defer runCancel()

	var html string
	err := chromedp.Run(runCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body"),
		chromedp.Sleep(r.config.WaitAfterLoad),
		chromedp.OuterHTML("html", &html),
	)
	if err != nil {
		return "", fmt.Errorf("rendering %s: %w", url, err)
	}

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}

	r.logger.Debug("page rendered",
		zap.String("url", url),
		zap.Int("html_bytes", len(html)),
	)
	return html, nil
}

// Close shuts down the browser allocator.
func (r *ChromeRenderer) Close() error {
	r.allocCancel()
	return nil
}

// FetchOptions controls on-demand retrieval of a single law page.
type FetchOptions struct {
	URL          string
	LawAbbrev    string
	Jurisdiction string

	// Ingest stores the fetched norm in a jurisdiction partition of the
	// user-document store.
	Ingest bool
}

// FetchResult summarises one fetched norm.
type FetchResult struct {
	LawTitle       string `json:"law_title"`
	NormID         string `json:"norm_id"`
	NormTitle      string `json:"norm_title"`
	ParagraphCount int    `json:"paragraph_count"`
	FullText       string `json:"full_text"`
	ChunksAdded    int    `json:"chunks_added"`
	TenantID       string `json:"tenant_id,omitempty"`
}

// FetchDocument retrieves exactly one law page through the renderer on
// explicit user action. Bulk retrieval is not supported here; the corpus
// flow covers local trees instead.
func (e *Engine) FetchDocument(ctx context.Context, opts FetchOptions) (*FetchResult, error) {
	ctx, span := tracer.Start(ctx, "ingest.fetch_document")
	defer span.End()
	span.SetAttributes(attribute.Bool("ingest", opts.Ingest))

	if e.renderer == nil {
		return nil, ErrRendererUnavailable
	}
	if opts.URL == "" {
		return nil, fmt.Errorf("url is required")
	}
	if opts.LawAbbrev == "" {
		return nil, fmt.Errorf("law_abbrev is required")
	}
	if opts.Jurisdiction == "" {
		opts.Jurisdiction = "de-federal"
	}

	html, err := e.renderer.Render(ctx, opts.URL)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	norm, err := lawhtml.Parse(strings.NewReader(html), opts.URL)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	result := &FetchResult{
		LawTitle:       norm.LawTitle,
		NormID:         norm.NormID,
		NormTitle:      norm.NormTitle,
		ParagraphCount: len(norm.Paragraphs),
		FullText:       norm.FullText,
	}

	if !opts.Ingest {
		return result, nil
	}

	// Fetched pages land in a per-jurisdiction partition of the
	// user-document store, never in the shared corpus.
	tenantID := "jurisdiction:" + opts.Jurisdiction
	added, err := e.ingestNormDocuments(ctx, tenantID, norm.Documents(strings.ToUpper(opts.LawAbbrev), opts.Jurisdiction))
	if err != nil {
		span.RecordError(err)
		return result, err
	}
	result.ChunksAdded = added
	result.TenantID = tenantID
	return result, nil
}

// ingestNormDocuments chunks, embeds, and upserts fetched norm documents
// under the given tenant partition.
func (e *Engine) ingestNormDocuments(ctx context.Context, tenantID string, docs []lawhtml.Document) (int, error) {
	var chunks []vectorstore.Chunk
	var texts []string
	ingestedAt := ingestedAtNow()

	for _, doc := range docs {
		pieces, err := chunking.ChunkText(doc.Content, e.chunkOptions())
		if err != nil {
			if strings.TrimSpace(doc.Content) == "" {
				continue
			}
			return 0, err
		}
		for i, text := range pieces {
			chunkID := fmt.Sprintf("%s:%d", doc.ID, i)
			meta := make(map[string]any, len(doc.Metadata)+5)
			for k, v := range doc.Metadata {
				if k == vectorstore.KeyJurisdiction {
					continue
				}
				meta[k] = v
			}
			meta[vectorstore.KeyTenantID] = tenantID
			meta[vectorstore.KeyDocumentID] = doc.ID
			meta[vectorstore.KeyChunkID] = chunkID
			meta[vectorstore.KeyModelID] = e.embedder.ModelID()
			meta["chunk_index"] = i
			meta["ingested_at"] = ingestedAt

			chunks = append(chunks, vectorstore.Chunk{ID: chunkID, Content: text, Metadata: meta})
			texts = append(texts, text)
		}
	}
	if len(chunks) == 0 {
		return 0, nil
	}

	vectors, err := e.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("embedding: %w", err)
	}
	for i := range chunks {
		chunks[i].Embedding = vectors[i]
	}

	ids, err := e.store.Upsert(ctx, vectorstore.CollectionUserDocuments, chunks)
	if err != nil {
		return 0, fmt.Errorf("storing: %w", err)
	}
	return len(ids), nil
}
