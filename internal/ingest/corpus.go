package ingest

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/legalmcp/internal/chunking"
	"github.com/fyrsmithlabs/legalmcp/internal/lawhtml"
	"github.com/fyrsmithlabs/legalmcp/internal/vectorstore"
)

// CorpusOptions controls bulk corpus ingestion. The directory layout is
// one subdirectory per law, named by its abbreviation, containing one
// HTML file per norm.
type CorpusOptions struct {
	// Dir is the corpus root directory.
	Dir string

	// Jurisdiction tags every chunk. Defaults to "de-federal".
	Jurisdiction string

	// MaxLaws caps the number of law directories processed. Zero means all.
	MaxLaws int

	// MaxNormsPerLaw caps files per law directory. Zero means all.
	MaxNormsPerLaw int

	// Resume skips documents whose first chunk already exists.
	Resume bool
}

// CorpusResult aggregates a bulk corpus run.
type CorpusResult struct {
	LawsProcessed  int      `json:"laws_processed"`
	NormsProcessed int      `json:"norms_processed"`
	NormsSkipped   int      `json:"norms_skipped"`
	ChunksAdded    int      `json:"chunks_added"`
	Errors         []string `json:"errors,omitempty"`
}

// IngestCorpus walks a local law HTML tree and loads it into the corpus
// collection. Norm files are processed by a bounded worker pool; embedding
// concurrency is bounded separately by MaxParallelEmbeds.
func (e *Engine) IngestCorpus(ctx context.Context, opts CorpusOptions) (*CorpusResult, error) {
	ctx, span := tracer.Start(ctx, "ingest.corpus")
	defer span.End()

	if opts.Dir == "" {
		return nil, fmt.Errorf("corpus directory is required")
	}
	if opts.Jurisdiction == "" {
		opts.Jurisdiction = "de-federal"
	}

	laws, err := listLawDirs(opts.Dir, opts.MaxLaws)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("law_count", len(laws)))

	result := &CorpusResult{}
	var mu sync.Mutex

	embedSlots := make(chan struct{}, e.config.MaxParallelEmbeds)

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(e.config.CorpusWorkers)

	for _, law := range laws {
		files, listErr := listNormFiles(filepath.Join(opts.Dir, law), opts.MaxNormsPerLaw)
		if listErr != nil {
			mu.Lock()
			result.Errors = append(result.Errors, errSummary(fmt.Errorf("law %s: %w", law, listErr)))
			mu.Unlock()
			continue
		}

		mu.Lock()
		result.LawsProcessed++
		mu.Unlock()

		for _, file := range files {
			group.Go(func() error {
				if err := checkCancelled(groupCtx); err != nil {
					return err
				}
				added, skipped, normErr := e.ingestNormFile(groupCtx, law, file, opts, embedSlots)

				mu.Lock()
				defer mu.Unlock()
				if normErr != nil {
					result.Errors = append(result.Errors, errSummary(fmt.Errorf("%s/%s: %w", law, filepath.Base(file), normErr)))
					return nil
				}
				if skipped {
					result.NormsSkipped++
					return nil
				}
				result.NormsProcessed++
				result.ChunksAdded += added
				return nil
			})
		}
	}

	if err := group.Wait(); err != nil {
		span.RecordError(err)
		return result, err
	}

	e.logger.Info("corpus ingested",
		zap.Int("laws", result.LawsProcessed),
		zap.Int("norms", result.NormsProcessed),
		zap.Int("skipped", result.NormsSkipped),
		zap.Int("chunks_added", result.ChunksAdded),
		zap.Int("errors", len(result.Errors)),
	)
	return result, nil
}

// ingestNormFile parses one norm page and upserts its chunks.
func (e *Engine) ingestNormFile(ctx context.Context, lawAbbrev, path string, opts CorpusOptions, embedSlots chan struct{}) (added int, skipped bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, false, fmt.Errorf("opening: %w", err)
	}
	defer f.Close()

	norm, err := lawhtml.Parse(lawhtml.DecodeLatin1(f), "")
	if err != nil {
		return 0, false, err
	}

	docs := norm.Documents(strings.ToUpper(lawAbbrev), opts.Jurisdiction)
	if opts.Resume {
		allExist := true
		for _, doc := range docs {
			if _, getErr := e.store.GetByID(ctx, vectorstore.CollectionCorpus, doc.ID+":0"); getErr != nil {
				allExist = false
				break
			}
		}
		if allExist {
			return 0, true, nil
		}
	}

	var chunks []vectorstore.Chunk
	var texts []string
	ingestedAt := ingestedAtNow()

	for _, doc := range docs {
		pieces, chunkErr := chunking.ChunkText(doc.Content, e.chunkOptions())
		if chunkErr != nil {
			if strings.TrimSpace(doc.Content) == "" {
				continue
			}
			return 0, false, chunkErr
		}
		for i, text := range pieces {
			chunkID := fmt.Sprintf("%s:%d", doc.ID, i)
			meta := make(map[string]any, len(doc.Metadata)+5)
			for k, v := range doc.Metadata {
				meta[k] = v
			}
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
		return 0, true, nil
	}

	select {
	case embedSlots <- struct{}{}:
	case <-ctx.Done():
		return 0, false, ctx.Err()
	}
	vectors, err := e.embedder.EmbedDocuments(ctx, texts)
	<-embedSlots
	if err != nil {
		return 0, false, fmt.Errorf("embedding: %w", err)
	}
	if len(vectors) != len(chunks) {
		return 0, false, fmt.Errorf("embedding returned %d vectors for %d chunks", len(vectors), len(chunks))
	}
	for i := range chunks {
		chunks[i].Embedding = vectors[i]
	}

	ids, err := e.store.Upsert(ctx, vectorstore.CollectionCorpus, chunks)
	if err != nil {
		return 0, false, fmt.Errorf("storing: %w", err)
	}
	return len(ids), false, nil
}

// listLawDirs returns law directory names sorted, capped at max.
func listLawDirs(root string, max int) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("reading corpus directory: %w", err)
	}

	var laws []string
	for _, entry := range entries {
		if entry.IsDir() && !strings.HasPrefix(entry.Name(), ".") {
			laws = append(laws, entry.Name())
		}
	}
	sort.Strings(laws)
	if max > 0 && len(laws) > max {
		laws = laws[:max]
	}
	return laws, nil
}

// listNormFiles returns HTML file paths in one law directory sorted,
// capped at max.
func listNormFiles(dir string, max int) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext == ".html" || ext == ".htm" {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	if max > 0 && len(files) > max {
		files = files[:max]
	}
	return files, nil
}
