package mcp

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/fyrsmithlabs/legalmcp/internal/convert"
	"github.com/fyrsmithlabs/legalmcp/internal/ingest"
)

type ingestFilesInput struct {
	TenantID string   `json:"tenant_id" validate:"required" jsonschema:"Tenant owning the documents."`
	Paths    []string `json:"paths" validate:"required,min=1,max=100,dive,required" jsonschema:"File paths relative to the ingest root, 1 to 100."`
	CaseID   string   `json:"case_id,omitempty" jsonschema:"Optional case scope within the tenant."`
	Tags     []string `json:"tags,omitempty" jsonschema:"Optional tags attached to every chunk."`
	Replace  bool     `json:"replace,omitempty" jsonschema:"Replace existing chunks of each document scope before inserting."`
}

type convertFilesInput struct {
	Paths     []string `json:"paths" validate:"required,min=1,max=100,dive,required" jsonschema:"File paths relative to the ingest root, 1 to 100."`
	Overwrite *bool    `json:"overwrite,omitempty" jsonschema:"Overwrite existing sidecar files (default true)."`
}

type convertFilesOutput struct {
	Converted []convert.FileResult `json:"converted"`
	Errors    []string             `json:"errors,omitempty"`
}

type fetchLawPageInput struct {
	URL          string `json:"url" validate:"required,url" jsonschema:"Page URL of a single legal norm."`
	LawAbbrev    string `json:"law_abbrev" validate:"required" jsonschema:"Law abbreviation the page belongs to, e.g. \"BGB\"."`
	Jurisdiction string `json:"jurisdiction,omitempty" jsonschema:"Jurisdiction tag (default \"de-federal\")."`
	Ingest       bool   `json:"ingest,omitempty" jsonschema:"Also store the fetched norm in a jurisdiction-scoped document partition."`
}

func (s *Server) registerFileTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "ingest_markdown_files",
		Description: "Ingest Markdown or text files from the allow-listed root into the tenant's searchable store, keeping section structure.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args ingestFilesInput) (*mcp.CallToolResult, *ingestReference, error) {
		done := s.metrics.StartInvocation(ctx, "ingest_markdown_files")
		out, err := s.handleIngestFiles(ctx, args, s.ingestSvc.IngestMarkdownFiles)
		done(err)
		if err != nil {
			return nil, nil, err
		}
		return textResult(fmt.Sprintf("%s: %d/%d files, %d chunks", out.Status, out.FilesIngested, out.FilesReceived, out.ChunksAdded)), out, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "ingest_pdf_files",
		Description: "Convert PDFs under the allow-listed root to Markdown sidecars and ingest them into the tenant's searchable store.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args ingestFilesInput) (*mcp.CallToolResult, *ingestReference, error) {
		done := s.metrics.StartInvocation(ctx, "ingest_pdf_files")
		out, err := s.handleIngestFiles(ctx, args, s.ingestSvc.IngestPDFFiles)
		done(err)
		if err != nil {
			return nil, nil, err
		}
		return textResult(fmt.Sprintf("%s: %d/%d files, %d chunks", out.Status, out.FilesIngested, out.FilesReceived, out.ChunksAdded)), out, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "convert_files_to_markdown",
		Description: "Convert supported files (PDF, HTML, text) under the allow-listed root into Markdown sidecars. Returns conversion metadata, never the Markdown body.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args convertFilesInput) (*mcp.CallToolResult, *convertFilesOutput, error) {
		done := s.metrics.StartInvocation(ctx, "convert_files_to_markdown")
		out, err := s.handleConvertFiles(ctx, args)
		done(err)
		if err != nil {
			return nil, nil, err
		}
		return textResult(fmt.Sprintf("%d converted, %d failed", len(out.Converted), len(out.Errors))), out, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "fetch_law_page",
		Description: "Fetch one JavaScript-rendered law page on explicit request, parse it, and optionally store it in a jurisdiction-scoped document partition. Single page only.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args fetchLawPageInput) (*mcp.CallToolResult, *ingest.FetchResult, error) {
		done := s.metrics.StartInvocation(ctx, "fetch_law_page")
		out, err := s.handleFetchLawPage(ctx, args)
		done(err)
		if err != nil {
			return nil, nil, err
		}
		return textResult(fmt.Sprintf("%s %s: %d paragraphs", out.LawTitle, out.NormID, out.ParagraphCount)), out, nil
	})
}

// fileIngestFunc is the shared shape of the Markdown and PDF flows.
type fileIngestFunc func(ctx context.Context, tenantID string, relPaths []string, caseID string, tags []string, replace bool) (*ingest.Result, error)

func (s *Server) handleIngestFiles(ctx context.Context, args ingestFilesInput, run fileIngestFunc) (*ingestReference, error) {
	if err := s.validateInput(args); err != nil {
		return nil, err
	}
	result, err := run(ctx, args.TenantID, args.Paths, normalizeCaseID(args.CaseID), args.Tags, args.Replace)
	if err != nil {
		return nil, err
	}
	return s.cacheIngestResult(args.TenantID, result)
}

func (s *Server) handleConvertFiles(ctx context.Context, args convertFilesInput) (*convertFilesOutput, error) {
	if err := s.validateInput(args); err != nil {
		return nil, err
	}
	if s.converter == nil {
		return nil, fmt.Errorf("file conversion is not configured")
	}

	overwrite := true
	if args.Overwrite != nil {
		overwrite = *args.Overwrite
	}

	out := &convertFilesOutput{}
	for _, rel := range args.Paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		result, err := s.converter.ConvertFile(ctx, rel, overwrite)
		if err != nil {
			out.Errors = append(out.Errors, fmt.Sprintf("%s: %s", rel, err.Error()))
			continue
		}
		out.Converted = append(out.Converted, *result)
	}
	return out, nil
}

func (s *Server) handleFetchLawPage(ctx context.Context, args fetchLawPageInput) (*ingest.FetchResult, error) {
	if err := s.validateInput(args); err != nil {
		return nil, err
	}
	return s.ingestSvc.FetchDocument(ctx, ingest.FetchOptions{
		URL:          args.URL,
		LawAbbrev:    args.LawAbbrev,
		Jurisdiction: args.Jurisdiction,
		Ingest:       args.Ingest,
	})
}
