// Package query executes semantic search against the corpus and
// user-document collections. It builds filter expressions, embeds the
// query text, and returns ranked hits with bounded excerpts. Full chunk
// content is only available through the explicit retrieval operations.
package query

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/legalmcp/internal/embeddings"
	"github.com/fyrsmithlabs/legalmcp/internal/lawhtml"
	"github.com/fyrsmithlabs/legalmcp/internal/reranker"
	"github.com/fyrsmithlabs/legalmcp/internal/vectorstore"
)

var tracer = otel.Tracer("legalmcp.query")

var (
	// ErrQueryTooShort indicates a query below the minimum length.
	ErrQueryTooShort = errors.New("query must be at least 2 characters")

	// ErrInvalidLevel indicates a level outside {norm, paragraph}.
	ErrInvalidLevel = errors.New("level must be \"norm\" or \"paragraph\"")

	// ErrInvalidNResults indicates n_results outside [1, 50].
	ErrInvalidNResults = errors.New("n_results must be in [1, 50]")

	// ErrInvalidExcerptChars indicates excerpt_chars outside [50, 5000].
	ErrInvalidExcerptChars = errors.New("excerpt_chars must be in [50, 5000]")

	// ErrMissingTenant indicates a user-document query without a tenant.
	ErrMissingTenant = errors.New("tenant_id is required")

	// ErrNotFound indicates the requested chunk or norm does not exist.
	ErrNotFound = errors.New("not found")
)

// Bounds for query parameters.
const (
	MinQueryChars       = 2
	DefaultNResults     = 10
	MaxNResults         = 50
	MinExcerptChars     = 50
	DefaultExcerptChars = 500
	MaxExcerptChars     = 5000
)

// safeMetadataKeys is the subset of chunk metadata exposed on search hits.
// Embedding vectors, raw model payloads, and store-internal keys stay out.
var safeMetadataKeys = map[string]bool{
	vectorstore.KeyTenantID:     true,
	vectorstore.KeyCaseID:       true,
	vectorstore.KeyJurisdiction: true,
	vectorstore.KeyModelID:      true,
	"law_abbrev":                true,
	"law_title":                 true,
	"norm_id":                   true,
	"norm_title":                true,
	"level":                     true,
	"paragraph_index":           true,
	"parent_norm_id":            true,
	"paragraph_count":           true,
	"source_url":                true,
	"source_name":               true,
	"source_type":               true,
	"section_title":             true,
	"section_index":             true,
	"chunk_index":               true,
	"ingested_at":               true,
	"tags_csv":                  true,
	"tag":                       true,
}

// Engine answers search and retrieval requests against the vector store.
type Engine struct {
	store    vectorstore.Store
	embedder embeddings.Embedder
	reranker reranker.Reranker
	logger   *zap.Logger
}

// NewEngine builds a query engine over the given store and embedder.
func NewEngine(store vectorstore.Store, embedder embeddings.Embedder, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:    store,
		embedder: embedder,
		reranker: reranker.NewLexical(),
		logger:   logger,
	}
}

// Hit is one ranked search result. Excerpt is a bounded prefix of the
// chunk content; the full content requires an explicit retrieval call.
type Hit struct {
	ChunkID    string            `json:"chunk_id"`
	DocumentID string            `json:"document_id"`
	Similarity float32           `json:"similarity"`
	Excerpt    string            `json:"excerpt"`
	Metadata   map[string]string `json:"metadata,omitempty"`

	// RerankScore is the query-term overlap, set only on reranked searches.
	RerankScore float32 `json:"rerank_score,omitempty"`
}

// SearchResult carries ranked hits plus the model the query was embedded
// with. ModelWarning is set when stored chunks were embedded by a
// different model than the active one.
type SearchResult struct {
	Hits         []Hit  `json:"hits"`
	QueryModel   string `json:"query_model"`
	ModelWarning string `json:"model_warning,omitempty"`

	// Reranked reports whether the hits went through lexical re-ranking:
	// set when re-ranking was requested and the store returned more than
	// one hit, whether or not the order changed.
	Reranked bool `json:"reranked,omitempty"`
}

// CorpusSearchOptions parameterises a search over the shared legal corpus.
type CorpusSearchOptions struct {
	Query string

	// LawAbbrev restricts hits to one law. Matched upper-cased.
	LawAbbrev string

	// Level restricts hits to "norm" or "paragraph" documents.
	Level string

	// NResults caps returned hits. Zero means DefaultNResults.
	NResults int

	// ExcerptChars bounds the excerpt length. Zero means DefaultExcerptChars.
	ExcerptChars int

	// Rerank re-orders hits by blending similarity with query-term overlap.
	Rerank bool
}

// SearchCorpus runs a semantic search over the corpus collection.
func (e *Engine) SearchCorpus(ctx context.Context, opts CorpusSearchOptions) (*SearchResult, error) {
	ctx, span := tracer.Start(ctx, "query.search_corpus")
	defer span.End()

	if err := validateQuery(opts.Query); err != nil {
		return nil, err
	}
	n, err := normalizeNResults(opts.NResults)
	if err != nil {
		return nil, err
	}
	excerptChars, err := normalizeExcerptChars(opts.ExcerptChars)
	if err != nil {
		return nil, err
	}

	filter := vectorstore.NewFilter()
	if opts.LawAbbrev != "" {
		filter = filter.Eq("law_abbrev", strings.ToUpper(opts.LawAbbrev))
	}
	switch opts.Level {
	case "":
	case "norm", "paragraph":
		filter = filter.Eq("level", opts.Level)
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidLevel, opts.Level)
	}
	span.SetAttributes(
		attribute.Int("n_results", n),
		attribute.Int("filter_len", filter.Len()),
	)

	return e.search(ctx, vectorstore.CollectionCorpus, opts.Query, n, excerptChars, filter, opts.Rerank)
}

// UserSearchOptions parameterises a search over one tenant's documents.
type UserSearchOptions struct {
	Query    string
	TenantID string

	CaseID     string
	DocumentID string
	SourceName string
	Tag        string

	// NResults caps returned hits. Zero means DefaultNResults.
	NResults int

	// ExcerptChars bounds the excerpt length. Zero means DefaultExcerptChars.
	ExcerptChars int

	// Rerank re-orders hits by blending similarity with query-term overlap.
	Rerank bool
}

// SearchUserDocuments runs a semantic search scoped to one tenant. The
// tenant predicate is always the first filter entry.
func (e *Engine) SearchUserDocuments(ctx context.Context, opts UserSearchOptions) (*SearchResult, error) {
	ctx, span := tracer.Start(ctx, "query.search_user_documents")
	defer span.End()

	tenant := strings.TrimSpace(opts.TenantID)
	if tenant == "" {
		span.SetStatus(codes.Error, ErrMissingTenant.Error())
		return nil, ErrMissingTenant
	}
	if err := validateQuery(opts.Query); err != nil {
		return nil, err
	}
	n, err := normalizeNResults(opts.NResults)
	if err != nil {
		return nil, err
	}
	excerptChars, err := normalizeExcerptChars(opts.ExcerptChars)
	if err != nil {
		return nil, err
	}

	filter := vectorstore.NewFilter().Eq(vectorstore.KeyTenantID, tenant)
	if v := strings.TrimSpace(opts.CaseID); v != "" {
		filter = filter.Eq(vectorstore.KeyCaseID, v)
	}
	if v := strings.TrimSpace(opts.DocumentID); v != "" {
		filter = filter.Eq(vectorstore.KeyDocumentID, v)
	}
	if v := strings.TrimSpace(opts.SourceName); v != "" {
		filter = filter.Eq("source_name", v)
	}
	if v := strings.TrimSpace(opts.Tag); v != "" {
		filter = filter.Eq("tag", strings.ToLower(v))
	}
	span.SetAttributes(
		attribute.Int("n_results", n),
		attribute.Int("filter_len", filter.Len()),
	)

	return e.search(ctx, vectorstore.CollectionUserDocuments, opts.Query, n, excerptChars, filter, opts.Rerank)
}

// search embeds the query and maps store hits to the bounded result shape.
// With rerank set it over-fetches candidates, re-orders them lexically,
// and keeps the top n.
func (e *Engine) search(ctx context.Context, collection, query string, n, excerptChars int, filter *vectorstore.Filter, rerank bool) (*SearchResult, error) {
	vector, err := e.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	fetchK := n
	if rerank {
		fetchK = rerankCandidates(n)
	}
	hits, err := e.store.Search(ctx, collection, vector, fetchK, filter)
	if err != nil {
		return nil, fmt.Errorf("searching %s: %w", collection, err)
	}

	result := &SearchResult{
		Hits:       make([]Hit, 0, len(hits)),
		QueryModel: e.embedder.ModelID(),
	}

	overlaps := map[string]float32{}
	if rerank && len(hits) > 1 {
		candidates := make([]reranker.Candidate, len(hits))
		for i, hit := range hits {
			candidates[i] = reranker.Candidate{ID: hit.ID, Content: hit.Content, Similarity: hit.Similarity}
		}
		ranked, err := e.reranker.Rerank(ctx, query, candidates, n)
		if err != nil {
			return nil, fmt.Errorf("reranking: %w", err)
		}

		byID := make(map[string]vectorstore.SearchHit, len(hits))
		for _, hit := range hits {
			byID[hit.ID] = hit
		}
		reordered := make([]vectorstore.SearchHit, 0, len(ranked))
		for _, r := range ranked {
			reordered = append(reordered, byID[r.ID])
			overlaps[r.ID] = r.Overlap
		}
		hits = reordered
		result.Reranked = true
	} else if len(hits) > n {
		hits = hits[:n]
	}

	foreign := ""
	for _, hit := range hits {
		meta := safeMetadata(hit.Metadata)
		if model := meta[vectorstore.KeyModelID]; model != "" && model != result.QueryModel {
			foreign = model
		}
		result.Hits = append(result.Hits, Hit{
			ChunkID:     hit.ID,
			DocumentID:  meta[vectorstore.KeyDocumentID],
			Similarity:  hit.Similarity,
			Excerpt:     Excerpt(hit.Content, excerptChars),
			Metadata:    meta,
			RerankScore: overlaps[hit.ID],
		})
	}
	if foreign != "" {
		result.ModelWarning = fmt.Sprintf(
			"results include chunks embedded with %s but the query used %s; similarities are not comparable",
			foreign, result.QueryModel,
		)
		e.logger.Warn("mixed embedding models in search results",
			zap.String("collection", collection),
			zap.String("chunk_model", foreign),
			zap.String("query_model", result.QueryModel),
		)
	}

	e.logger.Debug("search executed",
		zap.String("collection", collection),
		zap.Int("hits", len(result.Hits)),
	)
	return result, nil
}

// ChunkContent is one stored chunk returned in full.
type ChunkContent struct {
	ChunkID  string            `json:"chunk_id"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// LawDocument is the full content of one corpus norm, as its ordered chunks.
type LawDocument struct {
	DocumentID string         `json:"document_id"`
	LawAbbrev  string         `json:"law_abbrev"`
	NormID     string         `json:"norm_id"`
	Chunks     []ChunkContent `json:"chunks"`
}

// GetLawByID returns the full stored content of one norm, addressed by law
// abbreviation and norm identifier. The norm id is accepted either in
// source form ("§ 433") or as the normalised document id suffix.
func (e *Engine) GetLawByID(ctx context.Context, lawAbbrev, normID string) (*LawDocument, error) {
	ctx, span := tracer.Start(ctx, "query.get_law_by_id")
	defer span.End()

	if strings.TrimSpace(lawAbbrev) == "" {
		return nil, fmt.Errorf("law_abbrev is required")
	}
	if strings.TrimSpace(normID) == "" {
		return nil, fmt.Errorf("norm_id is required")
	}

	docID := lawhtml.NormDocumentID(lawAbbrev, normID)
	chunks, err := e.collectDocumentChunks(ctx, docID)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		// Accept an already-normalised id such as "para_433".
		docID = strings.ToLower(lawAbbrev) + "_" + strings.ToLower(strings.TrimSpace(normID))
		chunks, err = e.collectDocumentChunks(ctx, docID)
		if err != nil {
			return nil, err
		}
	}
	if len(chunks) == 0 {
		span.SetStatus(codes.Error, ErrNotFound.Error())
		return nil, fmt.Errorf("%w: norm %s %s", ErrNotFound, lawAbbrev, normID)
	}

	return &LawDocument{
		DocumentID: docID,
		LawAbbrev:  strings.ToUpper(lawAbbrev),
		NormID:     normID,
		Chunks:     chunks,
	}, nil
}

// collectDocumentChunks gathers sequential chunks docID:0, docID:1, ...
// until the first miss.
func (e *Engine) collectDocumentChunks(ctx context.Context, docID string) ([]ChunkContent, error) {
	var chunks []ChunkContent
	for i := 0; ; i++ {
		chunk, err := e.store.GetByID(ctx, vectorstore.CollectionCorpus, fmt.Sprintf("%s:%d", docID, i))
		if errors.Is(err, vectorstore.ErrChunkNotFound) {
			return chunks, nil
		}
		if err != nil {
			return nil, fmt.Errorf("loading chunk %d of %s: %w", i, docID, err)
		}
		chunks = append(chunks, ChunkContent{
			ChunkID:  chunk.ID,
			Content:  chunk.Content,
			Metadata: safeMetadata(chunk.Metadata),
		})
	}
}

// GetUserChunk returns one user-document chunk in full. Chunks belonging
// to another tenant are reported as not found.
func (e *Engine) GetUserChunk(ctx context.Context, tenantID, chunkID string) (*ChunkContent, error) {
	ctx, span := tracer.Start(ctx, "query.get_user_chunk")
	defer span.End()

	tenant := strings.TrimSpace(tenantID)
	if tenant == "" {
		return nil, ErrMissingTenant
	}
	if strings.TrimSpace(chunkID) == "" {
		return nil, fmt.Errorf("chunk_id is required")
	}

	chunk, err := e.store.GetByID(ctx, vectorstore.CollectionUserDocuments, chunkID)
	if errors.Is(err, vectorstore.ErrChunkNotFound) {
		return nil, fmt.Errorf("%w: chunk %s", ErrNotFound, chunkID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading chunk %s: %w", chunkID, err)
	}
	owner, _ := chunk.Metadata[vectorstore.KeyTenantID].(string)
	if owner != tenant {
		span.SetStatus(codes.Error, "tenant mismatch")
		return nil, fmt.Errorf("%w: chunk %s", ErrNotFound, chunkID)
	}

	return &ChunkContent{
		ChunkID:  chunk.ID,
		Content:  chunk.Content,
		Metadata: safeMetadata(chunk.Metadata),
	}, nil
}

// LawStatsResult summarises the corpus collection.
type LawStatsResult struct {
	TotalChunks     int            `json:"total_chunks"`
	NormChunks      int            `json:"norm_chunks"`
	ParagraphChunks int            `json:"paragraph_chunks"`
	LawChunkCounts  map[string]int `json:"law_chunk_counts,omitempty"`
}

// maxStatsSample caps how many law abbreviations one stats call counts.
const maxStatsSample = 25

// LawStats counts corpus chunks overall and per level. When sample
// abbreviations are given, the first maxStatsSample of them are counted
// individually.
func (e *Engine) LawStats(ctx context.Context, sampleAbbrevs []string) (*LawStatsResult, error) {
	ctx, span := tracer.Start(ctx, "query.law_stats")
	defer span.End()

	total, err := e.store.Count(ctx, vectorstore.CollectionCorpus, nil)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("counting corpus: %w", err)
	}
	norms, err := e.store.Count(ctx, vectorstore.CollectionCorpus, vectorstore.NewFilter().Eq("level", "norm"))
	if err != nil {
		return nil, fmt.Errorf("counting norms: %w", err)
	}
	paragraphs, err := e.store.Count(ctx, vectorstore.CollectionCorpus, vectorstore.NewFilter().Eq("level", "paragraph"))
	if err != nil {
		return nil, fmt.Errorf("counting paragraphs: %w", err)
	}

	result := &LawStatsResult{
		TotalChunks:     total,
		NormChunks:      norms,
		ParagraphChunks: paragraphs,
	}

	if len(sampleAbbrevs) > maxStatsSample {
		sampleAbbrevs = sampleAbbrevs[:maxStatsSample]
	}
	for _, abbrev := range sampleAbbrevs {
		abbrev = strings.ToUpper(strings.TrimSpace(abbrev))
		if abbrev == "" {
			continue
		}
		count, err := e.store.Count(ctx, vectorstore.CollectionCorpus, vectorstore.NewFilter().Eq("law_abbrev", abbrev))
		if err != nil {
			return nil, fmt.Errorf("counting law %s: %w", abbrev, err)
		}
		if result.LawChunkCounts == nil {
			result.LawChunkCounts = make(map[string]int, len(sampleAbbrevs))
		}
		result.LawChunkCounts[abbrev] = count
	}
	return result, nil
}

// rerankCandidates is how many hits a reranked search pulls from the
// store before keeping the top n.
func rerankCandidates(n int) int {
	k := n * 3
	if k > MaxNResults {
		k = MaxNResults
	}
	return k
}

// Excerpt returns a prefix of text of at most limit runes, truncated at a
// codepoint boundary with a trailing ellipsis marker.
func Excerpt(text string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return text
	}
	runes := []rune(text)
	return string(runes[:limit]) + "..."
}

// validateQuery enforces the minimum query length after trimming.
func validateQuery(query string) error {
	if utf8.RuneCountInString(strings.TrimSpace(query)) < MinQueryChars {
		return ErrQueryTooShort
	}
	return nil
}

// normalizeNResults applies the default and range check for n_results.
func normalizeNResults(n int) (int, error) {
	if n == 0 {
		return DefaultNResults, nil
	}
	if n < 1 || n > MaxNResults {
		return 0, fmt.Errorf("%w: got %d", ErrInvalidNResults, n)
	}
	return n, nil
}

// normalizeExcerptChars applies the default and range check for excerpt_chars.
func normalizeExcerptChars(n int) (int, error) {
	if n == 0 {
		return DefaultExcerptChars, nil
	}
	if n < MinExcerptChars || n > MaxExcerptChars {
		return 0, fmt.Errorf("%w: got %d", ErrInvalidExcerptChars, n)
	}
	return n, nil
}

// safeMetadata stringifies the allow-listed metadata subset of one chunk.
func safeMetadata(meta map[string]any) map[string]string {
	if len(meta) == 0 {
		return nil
	}
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		if !safeMetadataKeys[k] && k != vectorstore.KeyDocumentID && k != vectorstore.KeyChunkID {
			continue
		}
		switch t := v.(type) {
		case string:
			out[k] = t
		case int:
			out[k] = fmt.Sprintf("%d", t)
		case int64:
			out[k] = fmt.Sprintf("%d", t)
		case float64:
			out[k] = fmt.Sprintf("%g", t)
		case bool:
			out[k] = fmt.Sprintf("%t", t)
		default:
			out[k] = fmt.Sprintf("%v", t)
		}
	}
	return out
}
