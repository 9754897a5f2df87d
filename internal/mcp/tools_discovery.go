package mcp

import (
	"context"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type toolSearchInput struct {
	Query    string `json:"query" validate:"required" jsonschema:"Search text or regex matched against tool names, descriptions, and keywords."`
	Category string `json:"category,omitempty" jsonschema:"Filter to one category (corpus, documents, ingestion, conversion, cache, admin, system)."`
	Limit    int    `json:"limit,omitempty" validate:"gte=0,lte=50" jsonschema:"Maximum results (default 5)."`
}

type toolSearchOutput struct {
	Query      string           `json:"query"`
	Results    []map[string]any `json:"results"`
	Count      int              `json:"count"`
	TotalTools int              `json:"total_tools"`
}

type toolListInput struct {
	Category string `json:"category,omitempty" jsonschema:"Filter to one category."`
}

type toolListOutput struct {
	Tools []map[string]any `json:"tools"`
	Count int              `json:"count"`
}

// registerDiscoveryTools registers tool metadata for every tool and the
// discovery tools themselves.
func (s *Server) registerDiscoveryTools() {
	s.registry.RegisterAll(s.toolMetadata())

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "tool_search",
		Description: "Search available tools by name, description, or keyword.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args toolSearchInput) (*mcp.CallToolResult, *toolSearchOutput, error) {
		if err := s.validateInput(args); err != nil {
			return nil, nil, err
		}

		limit := args.Limit
		if limit <= 0 {
			limit = 5
		}

		var matches []*SearchResult
		if args.Category != "" {
			matches = s.registry.SearchByCategory(args.Query, ToolCategory(args.Category))
		} else {
			matches = s.registry.Search(args.Query)
		}
		if len(matches) > limit {
			matches = matches[:limit]
		}

		out := &toolSearchOutput{
			Query:      args.Query,
			Results:    make([]map[string]any, 0, len(matches)),
			TotalTools: s.registry.Count(),
		}
		var names []string
		for _, m := range matches {
			out.Results = append(out.Results, map[string]any{
				"name":         m.Tool.Name,
				"description":  m.Tool.Description,
				"category":     string(m.Tool.Category),
				"score":        m.Score,
				"match_reason": m.MatchReason,
			})
			names = append(names, m.Tool.Name)
		}
		out.Count = len(out.Results)

		text := fmt.Sprintf("No tools found matching: %s", args.Query)
		if len(names) > 0 {
			text = fmt.Sprintf("Found %d tool(s): %s", len(names), strings.Join(names, ", "))
		}
		return textResult(text), out, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "tool_list",
		Description: "List all registered tools with their metadata.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args toolListInput) (*mcp.CallToolResult, *toolListOutput, error) {
		var tools []*ToolMetadata
		if args.Category != "" {
			tools = s.registry.ListByCategory(ToolCategory(args.Category))
		} else {
			tools = s.registry.List()
		}

		out := &toolListOutput{Tools: make([]map[string]any, 0, len(tools))}
		for _, tool := range tools {
			entry := map[string]any{
				"name":        tool.Name,
				"description": tool.Description,
				"category":    string(tool.Category),
			}
			if len(tool.Keywords) > 0 {
				entry["keywords"] = tool.Keywords
			}
			out.Tools = append(out.Tools, entry)
		}
		out.Count = len(out.Tools)
		return textResult(fmt.Sprintf("%d tools", out.Count)), out, nil
	})
}

// toolMetadata declares the searchable registry entries.
func (s *Server) toolMetadata() []*ToolMetadata {
	tools := []*ToolMetadata{
		{Name: "list_available_documents", Category: CategoryCorpus, Description: "List documents available in a legal catalog.", Keywords: []string{"catalog", "laws", "listing"}},
		{Name: "search_laws", Category: CategoryCorpus, Description: "Semantic search over the shared legal corpus.", Keywords: []string{"corpus", "norm", "paragraph", "semantic", "rerank"}},
		{Name: "get_law_by_id", Category: CategoryCorpus, Description: "Fetch the full content of one legal norm.", Keywords: []string{"norm", "retrieval"}},
		{Name: "get_law_stats", Category: CategoryCorpus, Description: "Corpus chunk statistics.", Keywords: []string{"stats", "counts"}},
		{Name: "ingest_documents", Category: CategoryIngestion, Description: "Ingest plain-text documents for a tenant.", Keywords: []string{"text", "upload", "chunks"}},
		{Name: "ingest_markdown_files", Category: CategoryIngestion, Description: "Ingest Markdown or text files from the allow-listed root.", Keywords: []string{"markdown", "files"}},
		{Name: "ingest_pdf_files", Category: CategoryIngestion, Description: "Convert and ingest PDF files.", Keywords: []string{"pdf", "files"}},
		{Name: "fetch_law_page", Category: CategoryIngestion, Description: "Fetch and parse one rendered law page.", Keywords: []string{"browser", "render", "url"}},
		{Name: "convert_files_to_markdown", Category: CategoryConversion, Description: "Convert supported files into Markdown sidecars.", Keywords: []string{"pdf", "html", "markdown"}},
		{Name: "search_documents", Category: CategoryDocuments, Description: "Semantic search over one tenant's documents.", Keywords: []string{"tenant", "case", "semantic", "rerank"}},
		{Name: "get_document_chunk", Category: CategoryDocuments, Description: "Fetch the full content of one ingested chunk.", Keywords: []string{"chunk", "retrieval"}},
		{Name: "get_cached_result", Category: CategoryCache, Description: "Retrieve a cached tool result by reference id.", Keywords: []string{"reference", "pagination"}},
		{Name: "store_secret", Category: CategoryCache, Description: "Store a secret usable only for internal computation.", Keywords: []string{"secret", "execute"}},
		{Name: "compute_with_secret", Category: CategoryCache, Description: "Multiply a stored numeric secret by a factor.", Keywords: []string{"secret", "compute"}},
		{Name: "health_check", Category: CategorySystem, Description: "Report service health.", Keywords: []string{"status", "liveness"}},
		{Name: "tool_search", Category: CategorySystem, Description: "Search available tools.", Keywords: []string{"discovery"}},
		{Name: "tool_list", Category: CategorySystem, Description: "List registered tools.", Keywords: []string{"discovery"}},
	}
	if s.config.AdminEnabled {
		tools = append(tools,
			&ToolMetadata{Name: "admin_cache_stats", Category: CategoryAdmin, Description: "Cache entry and hit/miss counters.", Keywords: []string{"cache"}},
			&ToolMetadata{Name: "admin_purge_namespace", Category: CategoryAdmin, Description: "Drop a cache namespace.", Keywords: []string{"cache", "purge"}},
		)
	}
	return tools
}
