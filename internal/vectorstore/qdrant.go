package vectorstore

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

var qdrantTracer = otel.Tracer("legalmcp.vectorstore.qdrant")

// QdrantConfig configures the remote Qdrant backend.
type QdrantConfig struct {
	Host   string
	Port   int
	UseTLS bool
	APIKey string

	// VectorSize is the embedding dimension for created collections.
	// Default: 384
	VectorSize int

	// MaxMessageSize bounds gRPC messages. Default: 32 MiB.
	MaxMessageSize int
}

// ApplyDefaults sets default values for unset fields.
func (c *QdrantConfig) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.VectorSize == 0 {
		c.VectorSize = 384
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 32 * 1024 * 1024
	}
}

// Validate validates the configuration.
func (c *QdrantConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid port %d", ErrInvalidConfig, c.Port)
	}
	if c.VectorSize <= 0 {
		return fmt.Errorf("%w: vector size must be positive", ErrInvalidConfig)
	}
	return nil
}

// QdrantStore implements Store against a remote Qdrant instance over gRPC.
//
// Chunk IDs are deterministic strings (for example "doc_ab12:3"), while
// Qdrant point IDs must be UUIDs or integers. The store derives a stable
// UUIDv5 from each chunk ID and keeps the original in the payload.
type QdrantStore struct {
	client *qdrant.Client
	config QdrantConfig
	logger *zap.Logger
}

// chunkIDNamespace seeds UUIDv5 derivation of point IDs from chunk IDs.
var chunkIDNamespace = uuid.MustParse("8f1e2a74-43c2-4c62-9d6a-1d9f6a2f0b17")

// NewQdrantStore connects to Qdrant and verifies the connection.
func NewQdrantStore(ctx context.Context, config QdrantConfig, logger *zap.Logger) (*QdrantStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	qcfg := &qdrant.Config{
		Host:   config.Host,
		Port:   config.Port,
		UseTLS: config.UseTLS,
		APIKey: config.APIKey,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(config.MaxMessageSize),
				grpc.MaxCallSendMsgSize(config.MaxMessageSize),
			),
		},
	}
	if !config.UseTLS {
		qcfg.GrpcOptions = append(qcfg.GrpcOptions,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		)
	}

	client, err := qdrant.NewClient(qcfg)
	if err != nil {
		return nil, fmt.Errorf("%w: creating qdrant client: %v", ErrVectorStoreUnavailable, err)
	}

	store := &QdrantStore{client: client, config: config, logger: logger}
	if _, err := client.HealthCheck(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: health check: %v", ErrVectorStoreUnavailable, err)
	}

	logger.Info("qdrant store connected",
		zap.String("host", config.Host),
		zap.Int("port", config.Port),
	)
	return store, nil
}

func (s *QdrantStore) ensureCollection(ctx context.Context, name string) error {
	if err := ValidateCollectionName(name); err != nil {
		return err
	}
	exists, err := s.client.CollectionExists(ctx, name)
	if err != nil {
		return fmt.Errorf("%w: collection exists: %v", ErrVectorStoreUnavailable, err)
	}
	if exists {
		return nil
	}
	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: name,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(s.config.VectorSize),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("%w: create collection %s: %v", ErrVectorStoreUnavailable, name, err)
	}
	return nil
}

func pointIDFor(chunkID string) *qdrant.PointId {
	return qdrant.NewIDUUID(uuid.NewSHA1(chunkIDNamespace, []byte(chunkID)).String())
}

// Upsert inserts or replaces chunks by ID.
func (s *QdrantStore) Upsert(ctx context.Context, collection string, chunks []Chunk) ([]string, error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Upsert")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", collection),
		attribute.Int("chunk_count", len(chunks)),
	)

	if err := validateChunks(collection, chunks); err != nil {
		span.RecordError(err)
		return nil, err
	}
	if err := s.ensureCollection(ctx, collection); err != nil {
		span.RecordError(err)
		return nil, err
	}

	points := make([]*qdrant.PointStruct, len(chunks))
	ids := make([]string, len(chunks))
	for i, c := range chunks {
		if len(c.Embedding) != s.config.VectorSize {
			return nil, fmt.Errorf("%w: chunk %s has embedding dimension %d, want %d",
				ErrInvalidConfig, c.ID, len(c.Embedding), s.config.VectorSize)
		}
		ids[i] = c.ID
		payload := make(map[string]*qdrant.Value, len(c.Metadata)+2)
		for k, v := range c.Metadata {
			payload[k] = toQdrantValue(v)
		}
		payload[KeyChunkID] = qdrant.NewValueString(c.ID)
		payload["content"] = qdrant.NewValueString(c.Content)
		points[i] = &qdrant.PointStruct{
			Id:      pointIDFor(c.ID),
			Vectors: qdrant.NewVectors(c.Embedding...),
			Payload: payload,
		}
	}

	if _, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Points:         points,
	}); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: upsert: %v", ErrVectorStoreUnavailable, err)
	}
	return ids, nil
}

// Search runs a filtered nearest-neighbour query.
func (s *QdrantStore) Search(ctx context.Context, collection string, queryVector []float32, k int, filter *Filter) ([]SearchHit, error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Search")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", collection),
		attribute.Int("k", k),
		attribute.Int("filter_predicates", filter.Len()),
	)

	if k < 1 {
		return nil, fmt.Errorf("%w: k must be >= 1", ErrInvalidConfig)
	}
	if err := guardTenantScope(collection, filter); err != nil {
		span.RecordError(err)
		return nil, err
	}

	results, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: collection,
		Query:          qdrant.NewQuery(queryVector...),
		Limit:          qdrant.PtrOf(uint64(k)),
		Filter:         toQdrantFilter(filter),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: query: %v", ErrVectorStoreUnavailable, err)
	}

	hits := make([]SearchHit, 0, len(results))
	for _, p := range results {
		hit := SearchHit{Similarity: clampSimilarity(p.Score)}
		hit.Metadata = make(map[string]any, len(p.Payload))
		for key, val := range p.Payload {
			switch key {
			case "content":
				hit.Content = val.GetStringValue()
			case KeyChunkID:
				hit.ID = val.GetStringValue()
				hit.Metadata[key] = val.GetStringValue()
			default:
				hit.Metadata[key] = fromQdrantValue(val)
			}
		}
		hits = append(hits, hit)
	}
	sortHits(hits)
	return hits, nil
}

// GetByID returns one chunk by its deterministic chunk ID.
func (s *QdrantStore) GetByID(ctx context.Context, collection, id string) (*Chunk, error) {
	points, err := s.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: collection,
		Ids:            []*qdrant.PointId{pointIDFor(id)},
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(true),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: get: %v", ErrVectorStoreUnavailable, err)
	}
	if len(points) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrChunkNotFound, id)
	}
	p := points[0]
	chunk := &Chunk{ID: id, Metadata: make(map[string]any, len(p.Payload))}
	for key, val := range p.Payload {
		switch key {
		case "content":
			chunk.Content = val.GetStringValue()
		case KeyChunkID:
			chunk.Metadata[key] = val.GetStringValue()
		default:
			chunk.Metadata[key] = fromQdrantValue(val)
		}
	}
	if v := p.Vectors.GetVector(); v != nil {
		chunk.Embedding = v.Data
	}
	return chunk, nil
}

// Delete removes all chunks matching the filter.
func (s *QdrantStore) Delete(ctx context.Context, collection string, filter *Filter) error {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Delete")
	defer span.End()

	if filter.Len() == 0 {
		return fmt.Errorf("%w: delete requires a filter", ErrInvalidConfig)
	}
	if err := guardTenantScope(collection, filter); err != nil {
		span.RecordError(err)
		return err
	}

	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
				Filter: toQdrantFilter(filter),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("%w: delete: %v", ErrVectorStoreUnavailable, err)
	}
	return nil
}

// Count returns the number of chunks matching the filter.
func (s *QdrantStore) Count(ctx context.Context, collection string, filter *Filter) (int, error) {
	if collection == CollectionUserDocuments && filter.Len() > 0 {
		if err := guardTenantScope(collection, filter); err != nil {
			return 0, err
		}
	}
	count, err := s.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: collection,
		Filter:         toQdrantFilter(filter),
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, fmt.Errorf("%w: count: %v", ErrVectorStoreUnavailable, err)
	}
	return int(count), nil
}

// CollectionExists reports whether the named collection exists.
func (s *QdrantStore) CollectionExists(ctx context.Context, collection string) (bool, error) {
	exists, err := s.client.CollectionExists(ctx, collection)
	if err != nil {
		return false, fmt.Errorf("%w: collection exists: %v", ErrVectorStoreUnavailable, err)
	}
	return exists, nil
}

// ListCollections returns all collection names, sorted.
func (s *QdrantStore) ListCollections(ctx context.Context) ([]string, error) {
	names, err := s.client.ListCollections(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list collections: %v", ErrVectorStoreUnavailable, err)
	}
	sort.Strings(names)
	return names, nil
}

// Close closes the gRPC connection.
func (s *QdrantStore) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("closing qdrant client: %w", err)
	}
	return nil
}

// toQdrantFilter maps the normalised conjunction onto qdrant's filter model.
// All predicates land in Must, which is qdrant's explicit AND. Predicate
// order follows Filter insertion order.
func toQdrantFilter(filter *Filter) *qdrant.Filter {
	if filter.Len() == 0 {
		return nil
	}
	must := make([]*qdrant.Condition, 0, filter.Len())
	for _, key := range filter.Keys() {
		v, _ := filter.Get(key)
		must = append(must, matchCondition(key, v))
	}
	return &qdrant.Filter{Must: must}
}

func matchCondition(key string, v any) *qdrant.Condition {
	switch val := v.(type) {
	case string:
		return qdrant.NewMatch(key, val)
	case bool:
		return qdrant.NewMatchBool(key, val)
	case int:
		return qdrant.NewMatchInt(key, int64(val))
	case int64:
		return qdrant.NewMatchInt(key, val)
	default:
		return qdrant.NewMatch(key, metadataValueString(v))
	}
}

func toQdrantValue(v any) *qdrant.Value {
	switch val := v.(type) {
	case string:
		return qdrant.NewValueString(val)
	case bool:
		return qdrant.NewValueBool(val)
	case int:
		return qdrant.NewValueInt(int64(val))
	case int64:
		return qdrant.NewValueInt(val)
	case float64:
		return qdrant.NewValueDouble(val)
	default:
		return qdrant.NewValueString(metadataValueString(v))
	}
}

func fromQdrantValue(v *qdrant.Value) any {
	switch kind := v.Kind.(type) {
	case *qdrant.Value_StringValue:
		return kind.StringValue
	case *qdrant.Value_IntegerValue:
		return kind.IntegerValue
	case *qdrant.Value_DoubleValue:
		return kind.DoubleValue
	case *qdrant.Value_BoolValue:
		return kind.BoolValue
	default:
		return v.String()
	}
}
