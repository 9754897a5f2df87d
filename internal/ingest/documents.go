package ingest

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/legalmcp/internal/chunking"
	"github.com/fyrsmithlabs/legalmcp/internal/vectorstore"
)

// preparedDoc is one document chunked and annotated, awaiting embeddings.
type preparedDoc struct {
	result  DocumentResult
	caseID  string
	replace bool
	chunks  []vectorstore.Chunk
	texts   []string
}

// IngestDocuments runs the plain-text flow: chunk, embed, and upsert
// documents bound to one tenant. Per-document failures are reported in
// the result without failing the batch. When replace is true, existing
// chunks for each document scope are deleted before the upsert.
func (e *Engine) IngestDocuments(ctx context.Context, tenantID string, docs []DocumentInput, replace bool) (*Result, error) {
	return e.ingestUserDocuments(ctx, tenantID, docs, replace, "text", false)
}

// ingestUserDocuments is the shared tail of flows 2 through 4.
func (e *Engine) ingestUserDocuments(ctx context.Context, tenantID string, docs []DocumentInput, replace bool, sourceType string, sectionAware bool) (*Result, error) {
	ctx, span := tracer.Start(ctx, "ingest.documents")
	defer span.End()
	span.SetAttributes(
		attribute.Int("document_count", len(docs)),
		attribute.String("source_type", sourceType),
		attribute.Bool("replace", replace),
	)

	if strings.TrimSpace(tenantID) == "" {
		span.SetStatus(codes.Error, ErrMissingTenant.Error())
		return nil, ErrMissingTenant
	}
	if len(docs) == 0 {
		return nil, ErrNoDocuments
	}

	result := &Result{
		FilesReceived:  len(docs),
		EmbeddingModel: e.embedder.ModelID(),
	}

	prepared := make([]*preparedDoc, 0, len(docs))
	for _, doc := range docs {
		prepared = append(prepared, e.prepareDocument(tenantID, doc, sourceType, sectionAware, replace))
	}

	if err := e.embedAndStore(ctx, tenantID, prepared); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		for _, p := range prepared {
			result.Documents = append(result.Documents, p.result)
		}
		result.finalize()
		result.Status = "failed"
		return result, err
	}

	for _, p := range prepared {
		result.Documents = append(result.Documents, p.result)
	}
	result.finalize()

	e.logger.Info("documents ingested",
		zap.String("source_type", sourceType),
		zap.Int("received", result.FilesReceived),
		zap.Int("ingested", result.FilesIngested),
		zap.Int("chunks_added", result.ChunksAdded),
		zap.String("status", result.Status),
	)
	return result, nil
}

// prepareDocument chunks one document and builds its chunk metadata.
// Failures land in the per-document error list.
func (e *Engine) prepareDocument(tenantID string, doc DocumentInput, sourceType string, sectionAware bool, replace bool) *preparedDoc {
	docID := doc.DocumentID
	if docID == "" {
		docID = DeriveDocumentID(doc.SourceName, doc.Text)
	}

	p := &preparedDoc{
		result:  DocumentResult{DocumentID: docID, SourceName: doc.SourceName},
		caseID:  strings.TrimSpace(doc.CaseID),
		replace: replace,
	}

	if strings.TrimSpace(doc.Text) == "" {
		p.result.Errors = append(p.result.Errors, errSummary(chunking.ErrEmptyDocument))
		return p
	}

	tagsCSV, singleTag := normalizeTags(doc.Tags)
	ingestedAt := ingestedAtNow()

	addChunk := func(text string, extra map[string]any) {
		index := len(p.chunks)
		chunkID := fmt.Sprintf("%s:%d", docID, index)

		meta := map[string]any{
			vectorstore.KeyTenantID:   tenantID,
			vectorstore.KeyDocumentID: docID,
			vectorstore.KeyChunkID:    chunkID,
			vectorstore.KeyModelID:    e.embedder.ModelID(),
			"source_name":             doc.SourceName,
			"source_type":             sourceType,
			"chunk_index":             index,
			"ingested_at":             ingestedAt,
		}
		if p.caseID != "" {
			meta[vectorstore.KeyCaseID] = p.caseID
		}
		if tagsCSV != "" {
			meta["tags_csv"] = tagsCSV
		}
		if singleTag != "" {
			meta["tag"] = singleTag
		}
		for k, v := range extra {
			meta[k] = v
		}

		p.chunks = append(p.chunks, vectorstore.Chunk{ID: chunkID, Content: text, Metadata: meta})
		p.texts = append(p.texts, text)
	}

	if sectionAware {
		sectionChunks, err := chunking.ChunkMarkdown(doc.Text, e.chunkOptions())
		if err != nil {
			p.result.Errors = append(p.result.Errors, errSummary(err))
			return p
		}
		for _, sc := range sectionChunks {
			extra := map[string]any{}
			if sc.Section.Title != "" {
				extra["section_title"] = sc.Section.Title
				extra["section_index"] = sc.Section.Index
			}
			addChunk(sc.Text, extra)
		}
	} else {
		chunks, err := chunking.ChunkText(doc.Text, e.chunkOptions())
		if err != nil {
			p.result.Errors = append(p.result.Errors, errSummary(err))
			return p
		}
		for _, text := range chunks {
			addChunk(text, nil)
		}
	}

	p.result.ChunksCreated = len(p.chunks)
	return p
}

// embedAndStore embeds and upserts prepared documents with bounded
// concurrency. Cancellation is honoured at document boundaries; documents
// already stored stay stored and are reported in the partial result.
func (e *Engine) embedAndStore(ctx context.Context, tenantID string, prepared []*preparedDoc) error {
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(e.config.MaxParallelEmbeds)

	for _, p := range prepared {
		if len(p.chunks) == 0 {
			continue
		}
		group.Go(func() error {
			if err := checkCancelled(groupCtx); err != nil {
				p.result.Errors = append(p.result.Errors, errSummary(err))
				return err
			}
			e.storeDocument(groupCtx, tenantID, p)
			return nil
		})
	}
	return group.Wait()
}

// storeDocument embeds one document's chunks, applies replace semantics,
// and upserts. Failures are recorded per document.
func (e *Engine) storeDocument(ctx context.Context, tenantID string, p *preparedDoc) {
	vectors, err := e.embedder.EmbedDocuments(ctx, p.texts)
	if err != nil {
		p.result.Errors = append(p.result.Errors, errSummary(fmt.Errorf("embedding: %w", err)))
		return
	}
	if len(vectors) != len(p.chunks) {
		p.result.Errors = append(p.result.Errors, errSummary(fmt.Errorf("embedding returned %d vectors for %d chunks", len(vectors), len(p.chunks))))
		return
	}
	for i := range p.chunks {
		p.chunks[i].Embedding = vectors[i]
	}

	if p.replace {
		filter := vectorstore.NewFilter().
			Eq(vectorstore.KeyTenantID, tenantID).
			Eq(vectorstore.KeyDocumentID, p.result.DocumentID)
		if p.caseID != "" {
			filter = filter.Eq(vectorstore.KeyCaseID, p.caseID)
		}
		if err := e.store.Delete(ctx, vectorstore.CollectionUserDocuments, filter); err != nil {
			p.result.Errors = append(p.result.Errors, errSummary(fmt.Errorf("replacing document: %w", err)))
			return
		}
	}

	ids, err := e.store.Upsert(ctx, vectorstore.CollectionUserDocuments, p.chunks)
	if err != nil {
		p.result.Errors = append(p.result.Errors, errSummary(fmt.Errorf("storing chunks: %w", err)))
		return
	}
	p.result.ChunksAdded = len(ids)
}
