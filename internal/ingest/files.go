package ingest

import (
	"context"
	"fmt"
	"path/filepath"

	"go.opentelemetry.io/otel/attribute"

	"github.com/fyrsmithlabs/legalmcp/internal/pathsafe"
)

// markdownSuffixes is the allowlist for the Markdown file flow.
var markdownSuffixes = []string{".md", ".markdown", ".txt"}

// IngestMarkdownFiles resolves Markdown or text files under the ingest
// root and runs them through the section-aware text flow. File-level
// failures are reported per document without failing the batch.
func (e *Engine) IngestMarkdownFiles(ctx context.Context, tenantID string, relPaths []string, caseID string, tags []string, replace bool) (*Result, error) {
	ctx, span := tracer.Start(ctx, "ingest.markdown_files")
	defer span.End()
	span.SetAttributes(attribute.Int("file_count", len(relPaths)))

	resolver, err := e.requireResolver()
	if err != nil {
		return nil, err
	}
	if len(relPaths) == 0 {
		return nil, ErrNoDocuments
	}

	docs, failed := e.readFileDocuments(resolver, relPaths, caseID, tags, markdownSuffixes, e.config.MaxFileBytes)
	return e.finishFileFlow(ctx, tenantID, docs, failed, replace, "markdown")
}

// IngestPDFFiles converts PDFs to Markdown sidecars, then ingests the
// sidecars through the section-aware flow. Replace mode clears each
// document scope before the upsert.
func (e *Engine) IngestPDFFiles(ctx context.Context, tenantID string, relPaths []string, caseID string, tags []string, replace bool) (*Result, error) {
	ctx, span := tracer.Start(ctx, "ingest.pdf_files")
	defer span.End()
	span.SetAttributes(attribute.Int("file_count", len(relPaths)))

	resolver, err := e.requireResolver()
	if err != nil {
		return nil, err
	}
	if e.converter == nil {
		return nil, fmt.Errorf("%w: no converter configured", ErrIngestDisabled)
	}
	if len(relPaths) == 0 {
		return nil, ErrNoDocuments
	}

	var sidecars []string
	var failed []DocumentResult
	for _, rel := range relPaths {
		if err := checkCancelled(ctx); err != nil {
			return nil, err
		}
		converted, convErr := e.converter.ConvertFile(ctx, rel, true)
		if convErr != nil {
			failed = append(failed, DocumentResult{
				SourceName: filepath.Base(rel),
				Errors:     []string{errSummary(convErr)},
			})
			continue
		}
		sidecars = append(sidecars, converted.OutputPath)
	}

	docs, readFailed := e.readFileDocuments(resolver, sidecars, caseID, tags, []string{".md"}, e.config.MaxConvertedBytes)
	failed = append(failed, readFailed...)
	return e.finishFileFlow(ctx, tenantID, docs, failed, replace, "pdf")
}

// readFileDocuments resolves and reads each file into a DocumentInput.
// Unreadable files become failed per-document results.
func (e *Engine) readFileDocuments(resolver *pathsafe.Resolver, relPaths []string, caseID string, tags []string, suffixes []string, maxBytes int64) ([]DocumentInput, []DocumentResult) {
	var docs []DocumentInput
	var failed []DocumentResult

	for _, rel := range relPaths {
		resolved, err := resolver.Resolve(rel, pathsafe.ResolveOptions{Suffixes: suffixes, MaxSize: maxBytes})
		if err != nil {
			failed = append(failed, DocumentResult{
				SourceName: filepath.Base(rel),
				Errors:     []string{errSummary(err)},
			})
			continue
		}
		text, err := pathsafe.ReadTextLossy(resolved)
		if err != nil {
			failed = append(failed, DocumentResult{
				SourceName: filepath.Base(rel),
				Errors:     []string{errSummary(err)},
			})
			continue
		}
		docs = append(docs, DocumentInput{
			SourceName: filepath.Base(rel),
			Text:       text,
			CaseID:     caseID,
			Tags:       tags,
		})
	}
	return docs, failed
}

// finishFileFlow ingests the readable documents and folds file-level
// failures into the result totals.
func (e *Engine) finishFileFlow(ctx context.Context, tenantID string, docs []DocumentInput, failed []DocumentResult, replace bool, sourceType string) (*Result, error) {
	if len(docs) == 0 {
		result := &Result{
			Status:         "failed",
			FilesReceived:  len(failed),
			Documents:      failed,
			EmbeddingModel: e.embedder.ModelID(),
		}
		for _, doc := range failed {
			result.Errors = append(result.Errors, doc.Errors...)
		}
		return result, nil
	}

	result, err := e.ingestUserDocuments(ctx, tenantID, docs, replace, sourceType, true)
	if err != nil {
		return result, err
	}

	result.FilesReceived += len(failed)
	result.Documents = append(result.Documents, failed...)
	for _, doc := range failed {
		result.Errors = append(result.Errors, doc.Errors...)
	}
	if result.FilesIngested == 0 {
		result.Status = "failed"
	}
	return result, nil
}
