package mcp

import (
	"context"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/fyrsmithlabs/legalmcp/internal/ingest"
	"github.com/fyrsmithlabs/legalmcp/internal/query"
	"github.com/fyrsmithlabs/legalmcp/internal/refcache"
)

type documentInput struct {
	SourceName string   `json:"source_name" validate:"required" jsonschema:"Display name of the document, e.g. \"contract.txt\"."`
	Text       string   `json:"text" validate:"required" jsonschema:"Full plain text of the document."`
	DocumentID string   `json:"document_id,omitempty" jsonschema:"Optional stable document id; derived from content when omitted."`
	CaseID     string   `json:"case_id,omitempty" jsonschema:"Optional case scope within the tenant."`
	Tags       []string `json:"tags,omitempty" jsonschema:"Optional tags attached to every chunk."`
}

type ingestDocumentsInput struct {
	TenantID  string          `json:"tenant_id" validate:"required" jsonschema:"Tenant owning the documents."`
	Documents []documentInput `json:"documents" validate:"required,min=1,max=100,dive" jsonschema:"Documents to ingest, 1 to 100."`
	Replace   bool            `json:"replace,omitempty" jsonschema:"Replace existing chunks of each document scope before inserting."`
}

// ingestReference is the envelope returned by ingestion tools: totals
// inline, the full per-document report behind a cache reference.
type ingestReference struct {
	RefID          string `json:"ref_id"`
	Status         string `json:"status"`
	FilesReceived  int    `json:"files_received"`
	FilesIngested  int    `json:"files_ingested"`
	ChunksAdded    int    `json:"chunks_added"`
	EmbeddingModel string `json:"embedding_model"`
	ErrorCount     int    `json:"error_count"`
}

type searchDocumentsInput struct {
	Query        string `json:"query" validate:"required,min=2" jsonschema:"Search text, at least 2 characters."`
	TenantID     string `json:"tenant_id" validate:"required" jsonschema:"Tenant whose documents are searched."`
	CaseID       string `json:"case_id,omitempty" jsonschema:"Restrict to one case."`
	DocumentID   string `json:"document_id,omitempty" jsonschema:"Restrict to one document."`
	SourceName   string `json:"source_name,omitempty" jsonschema:"Restrict to one source name."`
	Tag          string `json:"tag,omitempty" jsonschema:"Restrict to one tag."`
	NResults     int    `json:"n_results,omitempty" validate:"omitempty,gte=1,lte=50" jsonschema:"Number of hits, 1 to 50 (default 10)."`
	ExcerptChars int    `json:"excerpt_chars,omitempty" validate:"omitempty,gte=50,lte=5000" jsonschema:"Excerpt length in characters, 50 to 5000 (default 500)."`
	Rerank       bool   `json:"rerank,omitempty" jsonschema:"Re-order hits by blending similarity with query-term overlap."`
}

type getDocumentChunkInput struct {
	TenantID string `json:"tenant_id" validate:"required" jsonschema:"Tenant owning the chunk."`
	ChunkID  string `json:"chunk_id" validate:"required" jsonschema:"Chunk id from a search hit."`
}

func (s *Server) registerDocumentTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "ingest_documents",
		Description: "Ingest plain-text documents into the tenant's searchable store. Returns totals plus a reference to the full per-document report.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args ingestDocumentsInput) (*mcp.CallToolResult, *ingestReference, error) {
		done := s.metrics.StartInvocation(ctx, "ingest_documents")
		out, err := s.handleIngestDocuments(ctx, args)
		done(err)
		if err != nil {
			return nil, nil, err
		}
		return textResult(fmt.Sprintf("%s: %d/%d documents, %d chunks", out.Status, out.FilesIngested, out.FilesReceived, out.ChunksAdded)), out, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "search_documents",
		Description: "Semantic search over one tenant's ingested documents. Returns ranked hits with bounded excerpts; use get_document_chunk for full chunk content.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args searchDocumentsInput) (*mcp.CallToolResult, *query.SearchResult, error) {
		done := s.metrics.StartInvocation(ctx, "search_documents")
		out, err := s.handleSearchDocuments(ctx, args)
		done(err)
		if err != nil {
			return nil, nil, err
		}
		return textResult(fmt.Sprintf("%d hits", len(out.Hits))), out, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "get_document_chunk",
		Description: "Fetch the full content of one ingested chunk by chunk id, scoped to the owning tenant.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args getDocumentChunkInput) (*mcp.CallToolResult, *query.ChunkContent, error) {
		done := s.metrics.StartInvocation(ctx, "get_document_chunk")
		out, err := s.handleGetDocumentChunk(ctx, args)
		done(err)
		if err != nil {
			return nil, nil, err
		}
		return textResult(out.ChunkID), out, nil
	})
}

func (s *Server) handleIngestDocuments(ctx context.Context, args ingestDocumentsInput) (*ingestReference, error) {
	if err := s.validateInput(args); err != nil {
		return nil, err
	}
	docs := make([]ingest.DocumentInput, 0, len(args.Documents))
	for _, d := range args.Documents {
		docs = append(docs, ingest.DocumentInput{
			DocumentID: d.DocumentID,
			SourceName: d.SourceName,
			Text:       d.Text,
			CaseID:     normalizeCaseID(d.CaseID),
			Tags:       d.Tags,
		})
	}
	result, err := s.ingestSvc.IngestDocuments(ctx, args.TenantID, docs, args.Replace)
	if err != nil {
		return nil, err
	}
	return s.cacheIngestResult(args.TenantID, result)
}

func (s *Server) handleSearchDocuments(ctx context.Context, args searchDocumentsInput) (*query.SearchResult, error) {
	if err := s.validateInput(args); err != nil {
		return nil, err
	}
	return s.querySvc.SearchUserDocuments(ctx, query.UserSearchOptions{
		Query:        args.Query,
		TenantID:     args.TenantID,
		CaseID:       normalizeCaseID(args.CaseID),
		DocumentID:   args.DocumentID,
		SourceName:   args.SourceName,
		Tag:          args.Tag,
		NResults:     args.NResults,
		ExcerptChars: args.ExcerptChars,
		Rerank:       args.Rerank,
	})
}

func (s *Server) handleGetDocumentChunk(ctx context.Context, args getDocumentChunkInput) (*query.ChunkContent, error) {
	if err := s.validateInput(args); err != nil {
		return nil, err
	}
	return s.querySvc.GetUserChunk(ctx, args.TenantID, args.ChunkID)
}

// cacheIngestResult registers the full ingestion report and returns the
// envelope with inline totals.
func (s *Server) cacheIngestResult(tenantID string, result *ingest.Result) (*ingestReference, error) {
	ref, err := s.cache.Set("ingest/"+tenantID, refcache.ActorAgent, result, refcache.SetOptions{
		Summary: map[string]any{
			"status":       result.Status,
			"chunks_added": result.ChunksAdded,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("caching ingest result: %w", err)
	}
	return &ingestReference{
		RefID:          ref.RefID,
		Status:         result.Status,
		FilesReceived:  result.FilesReceived,
		FilesIngested:  result.FilesIngested,
		ChunksAdded:    result.ChunksAdded,
		EmbeddingModel: result.EmbeddingModel,
		ErrorCount:     len(result.Errors),
	}, nil
}

// normalizeCaseID treats empty and whitespace-only case ids as absent.
func normalizeCaseID(caseID string) string {
	return strings.TrimSpace(caseID)
}
