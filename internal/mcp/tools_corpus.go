package mcp

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/fyrsmithlabs/legalmcp/internal/catalog"
	"github.com/fyrsmithlabs/legalmcp/internal/query"
)

type listDocumentsInput struct {
	Source string `json:"source" validate:"required" jsonschema:"Catalog source name, e.g. \"de-federal\". Use health_check to list sources."`
	Prefix string `json:"prefix,omitempty" jsonschema:"Optional document type prefix filter, e.g. \"bgb\"."`
	Offset int    `json:"offset,omitempty" validate:"gte=0" jsonschema:"Pagination offset (default 0)."`
	Limit  int    `json:"limit,omitempty" validate:"gte=0,lte=200" jsonschema:"Page size, at most 200 (default 50)."`
}

type searchLawsInput struct {
	Query        string `json:"query" validate:"required,min=2" jsonschema:"Search text, at least 2 characters."`
	LawAbbrev    string `json:"law_abbrev,omitempty" jsonschema:"Restrict to one law by abbreviation, e.g. \"BGB\"."`
	Level        string `json:"level,omitempty" validate:"omitempty,oneof=norm paragraph" jsonschema:"Restrict to \"norm\" or \"paragraph\" documents."`
	NResults     int    `json:"n_results,omitempty" validate:"omitempty,gte=1,lte=50" jsonschema:"Number of hits, 1 to 50 (default 10)."`
	ExcerptChars int    `json:"excerpt_chars,omitempty" validate:"omitempty,gte=50,lte=5000" jsonschema:"Excerpt length in characters, 50 to 5000 (default 500)."`
	Rerank       bool   `json:"rerank,omitempty" jsonschema:"Re-order hits by blending similarity with query-term overlap."`
}

type getLawByIDInput struct {
	LawAbbrev string `json:"law_abbrev" validate:"required" jsonschema:"Law abbreviation, e.g. \"BGB\"."`
	NormID    string `json:"norm_id" validate:"required" jsonschema:"Norm identifier, e.g. \"§ 433\" or \"para_433\"."`
}

type getLawStatsInput struct {
	LawAbbrevs []string `json:"law_abbrevs,omitempty" validate:"max=25" jsonschema:"Optional law abbreviations to count individually (at most 25)."`
}

func (s *Server) registerCorpusTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "list_available_documents",
		Description: "List documents available in a legal catalog, with optional prefix filtering and pagination. Returns document ids and canonical URLs, not content.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args listDocumentsInput) (*mcp.CallToolResult, *catalog.QueryResult, error) {
		done := s.metrics.StartInvocation(ctx, "list_available_documents")
		out, err := s.handleListDocuments(ctx, args)
		done(err)
		if err != nil {
			return nil, nil, err
		}
		return textResult(fmt.Sprintf("%d of %d documents from %s", len(out.Items), out.CountFiltered, out.Source)), out, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "search_laws",
		Description: "Semantic search over the shared legal corpus. Returns ranked hits with bounded excerpts; use get_law_by_id for full norm content.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args searchLawsInput) (*mcp.CallToolResult, *query.SearchResult, error) {
		done := s.metrics.StartInvocation(ctx, "search_laws")
		out, err := s.handleSearchLaws(ctx, args)
		done(err)
		if err != nil {
			return nil, nil, err
		}
		return textResult(fmt.Sprintf("%d hits", len(out.Hits))), out, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "get_law_by_id",
		Description: "Fetch the full stored content of one legal norm by law abbreviation and norm id.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args getLawByIDInput) (*mcp.CallToolResult, *query.LawDocument, error) {
		done := s.metrics.StartInvocation(ctx, "get_law_by_id")
		out, err := s.handleGetLawByID(ctx, args)
		done(err)
		if err != nil {
			return nil, nil, err
		}
		return textResult(fmt.Sprintf("%s in %d chunks", out.DocumentID, len(out.Chunks))), out, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "get_law_stats",
		Description: "Corpus statistics: chunk counts overall, per level, and per requested law.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args getLawStatsInput) (*mcp.CallToolResult, *query.LawStatsResult, error) {
		done := s.metrics.StartInvocation(ctx, "get_law_stats")
		out, err := s.handleGetLawStats(ctx, args)
		done(err)
		if err != nil {
			return nil, nil, err
		}
		return textResult(fmt.Sprintf("%d corpus chunks", out.TotalChunks)), out, nil
	})
}

func (s *Server) handleListDocuments(ctx context.Context, args listDocumentsInput) (*catalog.QueryResult, error) {
	if err := s.validateInput(args); err != nil {
		return nil, err
	}
	if s.catalogs == nil {
		return nil, fmt.Errorf("no catalog sources configured")
	}
	store, err := s.catalogs.Get(args.Source)
	if err != nil {
		return nil, err
	}
	return store.ListAvailable(ctx, args.Prefix, args.Offset, args.Limit)
}

func (s *Server) handleSearchLaws(ctx context.Context, args searchLawsInput) (*query.SearchResult, error) {
	if err := s.validateInput(args); err != nil {
		return nil, err
	}
	return s.querySvc.SearchCorpus(ctx, query.CorpusSearchOptions{
		Query:        args.Query,
		LawAbbrev:    args.LawAbbrev,
		Level:        args.Level,
		NResults:     args.NResults,
		ExcerptChars: args.ExcerptChars,
		Rerank:       args.Rerank,
	})
}

func (s *Server) handleGetLawByID(ctx context.Context, args getLawByIDInput) (*query.LawDocument, error) {
	if err := s.validateInput(args); err != nil {
		return nil, err
	}
	return s.querySvc.GetLawByID(ctx, args.LawAbbrev, args.NormID)
}

func (s *Server) handleGetLawStats(ctx context.Context, args getLawStatsInput) (*query.LawStatsResult, error) {
	if err := s.validateInput(args); err != nil {
		return nil, err
	}
	return s.querySvc.LawStats(ctx, args.LawAbbrevs)
}

// textResult wraps a short status line as tool content.
func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}
