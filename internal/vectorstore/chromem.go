package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// chromemTracer for OpenTelemetry instrumentation.
var chromemTracer = otel.Tracer("legalmcp.vectorstore.chromem")

// ChromemConfig holds configuration for the embedded chromem-go backend.
type ChromemConfig struct {
	// Path is the directory for persistent storage.
	// Default: "~/.local/share/legalmcp/vectorstore"
	Path string

	// Compress enables gzip compression for stored data.
	Compress bool

	// VectorSize is the expected embedding dimension.
	// Must match the embedding model's output dimension.
	// Default: 384
	VectorSize int
}

// ApplyDefaults sets default values for unset fields.
func (c *ChromemConfig) ApplyDefaults() {
	if c.Path == "" {
		c.Path = "~/.local/share/legalmcp/vectorstore"
	}
	if c.VectorSize == 0 {
		c.VectorSize = 384
	}
}

// Validate validates the configuration.
func (c *ChromemConfig) Validate() error {
	if c.VectorSize <= 0 {
		return fmt.Errorf("%w: vector size must be positive", ErrInvalidConfig)
	}
	return nil
}

// ChromemStore implements Store using chromem-go, an embeddable pure-Go
// vector database with gob persistence. Chunks arrive with precomputed
// embeddings; the store never calls out to an embedding model.
type ChromemStore struct {
	db     *chromem.DB
	config ChromemConfig
	logger *zap.Logger

	// collections tracks which collections have been touched this process
	collections sync.Map
}

// NewChromemStore opens or creates the persistent database at config.Path.
func NewChromemStore(config ChromemConfig, logger *zap.Logger) (*ChromemStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	expandedPath, err := expandHomePath(config.Path)
	if err != nil {
		return nil, fmt.Errorf("expanding path: %w", err)
	}
	if err := os.MkdirAll(expandedPath, 0o755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", expandedPath, err)
	}

	db, err := chromem.NewPersistentDB(expandedPath, config.Compress)
	if err != nil {
		return nil, fmt.Errorf("%w: opening chromem DB: %v", ErrVectorStoreUnavailable, err)
	}

	store := &ChromemStore{
		db:     db,
		config: config,
		logger: logger,
	}

	logger.Info("chromem store initialized",
		zap.String("path", expandedPath),
		zap.Bool("compress", config.Compress),
		zap.Int("vector_size", config.VectorSize),
	)

	return store, nil
}

// expandHomePath expands a leading ~ to the user home directory.
func expandHomePath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

// rejectEmbeddingCalls is installed as the collection embedding func. All
// chunks carry precomputed vectors, so a call into it means a caller skipped
// the embedding gateway.
func rejectEmbeddingCalls(context.Context, string) ([]float32, error) {
	return nil, errors.New("embeddings must be precomputed by the embedding gateway")
}

func (s *ChromemStore) getOrCreateCollection(name string) (*chromem.Collection, error) {
	if err := ValidateCollectionName(name); err != nil {
		return nil, err
	}
	collection, err := s.db.GetOrCreateCollection(name, nil, rejectEmbeddingCalls)
	if err != nil {
		return nil, fmt.Errorf("getting/creating collection %s: %w", name, err)
	}
	s.collections.Store(name, true)
	return collection, nil
}

func (s *ChromemStore) getCollection(name string) (*chromem.Collection, error) {
	if err := ValidateCollectionName(name); err != nil {
		return nil, err
	}
	collection := s.db.GetCollection(name, rejectEmbeddingCalls)
	if collection == nil {
		return nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
	}
	return collection, nil
}

// Upsert inserts or replaces chunks by ID.
func (s *ChromemStore) Upsert(ctx context.Context, collectionName string, chunks []Chunk) ([]string, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Upsert")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", collectionName),
		attribute.Int("chunk_count", len(chunks)),
	)

	if err := validateChunks(collectionName, chunks); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	collection, err := s.getOrCreateCollection(collectionName)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	docs := make([]chromem.Document, len(chunks))
	ids := make([]string, len(chunks))
	for i, c := range chunks {
		if len(c.Embedding) != s.config.VectorSize {
			err := fmt.Errorf("%w: chunk %s has embedding dimension %d, want %d",
				ErrInvalidConfig, c.ID, len(c.Embedding), s.config.VectorSize)
			span.RecordError(err)
			return nil, err
		}
		ids[i] = c.ID
		docs[i] = chromem.Document{
			ID:        c.ID,
			Content:   c.Content,
			Metadata:  metadataToStrings(c.Metadata),
			Embedding: c.Embedding,
		}
	}

	if err := collection.AddDocuments(ctx, docs, 1); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%w: adding documents: %v", ErrVectorStoreUnavailable, err)
	}

	s.logger.Debug("chunks upserted",
		zap.String("collection", collectionName),
		zap.Int("count", len(ids)),
	)
	return ids, nil
}

// Search runs a filtered nearest-neighbour query.
func (s *ChromemStore) Search(ctx context.Context, collectionName string, queryVector []float32, k int, filter *Filter) ([]SearchHit, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Search")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", collectionName),
		attribute.Int("k", k),
		attribute.Int("filter_predicates", filter.Len()),
	)

	if k < 1 {
		return nil, fmt.Errorf("%w: k must be >= 1", ErrInvalidConfig)
	}
	if err := guardTenantScope(collectionName, filter); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	collection, err := s.getCollection(collectionName)
	if err != nil {
		if errors.Is(err, ErrCollectionNotFound) {
			return nil, nil
		}
		return nil, err
	}

	total := collection.Count()
	if total == 0 {
		return nil, nil
	}
	if k > total {
		k = total
	}

	results, err := collection.QueryEmbedding(ctx, queryVector, k, filter.Equalities(), nil)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: query: %v", ErrVectorStoreUnavailable, err)
	}

	hits := make([]SearchHit, 0, len(results))
	for _, r := range results {
		hits = append(hits, SearchHit{
			ID:         r.ID,
			Content:    r.Content,
			Similarity: clampSimilarity(r.Similarity),
			Metadata:   metadataFromStrings(r.Metadata),
		})
	}
	sortHits(hits)
	return hits, nil
}

// GetByID returns one chunk by its ID.
func (s *ChromemStore) GetByID(ctx context.Context, collectionName, id string) (*Chunk, error) {
	collection, err := s.getCollection(collectionName)
	if err != nil {
		return nil, err
	}
	doc, err := collection.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrChunkNotFound, id)
	}
	return &Chunk{
		ID:        doc.ID,
		Content:   doc.Content,
		Embedding: doc.Embedding,
		Metadata:  metadataFromStrings(doc.Metadata),
	}, nil
}

// Delete removes all chunks matching the filter.
func (s *ChromemStore) Delete(ctx context.Context, collectionName string, filter *Filter) error {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Delete")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", collectionName),
		attribute.Int("filter_predicates", filter.Len()),
	)

	if filter.Len() == 0 {
		return fmt.Errorf("%w: delete requires a filter", ErrInvalidConfig)
	}
	if err := guardTenantScope(collectionName, filter); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	collection, err := s.getCollection(collectionName)
	if err != nil {
		if errors.Is(err, ErrCollectionNotFound) {
			return nil
		}
		return err
	}
	if err := collection.Delete(ctx, filter.Equalities(), nil); err != nil {
		span.RecordError(err)
		return fmt.Errorf("%w: delete: %v", ErrVectorStoreUnavailable, err)
	}
	return nil
}

// Count returns the number of chunks matching the filter. The filtered path
// runs a probe query over the whole collection; chromem has no native
// filtered count.
func (s *ChromemStore) Count(ctx context.Context, collectionName string, filter *Filter) (int, error) {
	collection, err := s.getCollection(collectionName)
	if err != nil {
		if errors.Is(err, ErrCollectionNotFound) {
			return 0, nil
		}
		return 0, err
	}

	total := collection.Count()
	if filter.Len() == 0 || total == 0 {
		return total, nil
	}
	if collectionName == CollectionUserDocuments {
		if err := guardTenantScope(collectionName, filter); err != nil {
			return 0, err
		}
	}

	probe := make([]float32, s.config.VectorSize)
	probe[0] = 1
	results, err := collection.QueryEmbedding(ctx, probe, total, filter.Equalities(), nil)
	if err != nil {
		return 0, fmt.Errorf("%w: count probe: %v", ErrVectorStoreUnavailable, err)
	}
	return len(results), nil
}

// CollectionExists reports whether the named collection exists.
func (s *ChromemStore) CollectionExists(_ context.Context, collectionName string) (bool, error) {
	if err := ValidateCollectionName(collectionName); err != nil {
		return false, err
	}
	_, exists := s.db.ListCollections()[collectionName]
	return exists, nil
}

// ListCollections returns all collection names, sorted.
func (s *ChromemStore) ListCollections(_ context.Context) ([]string, error) {
	names := make([]string, 0)
	for name := range s.db.ListCollections() {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Close releases resources. chromem persists on write, so Close is a no-op
// beyond logging.
func (s *ChromemStore) Close() error {
	s.logger.Info("chromem store closed")
	return nil
}

func clampSimilarity(sim float32) float32 {
	if sim < 0 {
		return 0
	}
	if sim > 1 {
		return 1
	}
	return sim
}

// sortHits orders by descending similarity, ties by ascending chunk ID.
func sortHits(hits []SearchHit) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].ID < hits[j].ID
	})
}

func metadataToStrings(m map[string]any) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = metadataValueString(v)
	}
	return out
}

func metadataFromStrings(m map[string]string) map[string]any {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
