// Package embeddings provides embedding generation over a pool of HTTP
// endpoints with an in-process fallback model.
package embeddings

import (
	"context"
	"errors"
)

var (
	// ErrEmptyInput indicates empty or nil input texts.
	ErrEmptyInput = errors.New("empty or nil input texts")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmbeddingFailed indicates embedding generation failure.
	ErrEmbeddingFailed = errors.New("embedding generation failed")

	// ErrEmbeddingUnavailable indicates no healthy endpoint remains.
	ErrEmbeddingUnavailable = errors.New("no healthy embedding endpoint")
)

// Embedder generates embeddings for documents and queries.
// Output order matches input order. Implementations are safe for
// concurrent callers.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)

	// ModelID identifies the model producing the vectors. Recorded per chunk
	// so mixed-model collections are detectable at query time.
	ModelID() string

	// Dimension is the fixed output vector dimension.
	Dimension() int
}

// modelDimensions maps known model ids to their embedding dimensions.
var modelDimensions = map[string]int{
	"BAAI/bge-small-en-v1.5": 384,
	"BAAI/bge-base-en-v1.5":  768,
	"BAAI/bge-large-en-v1.5": 1024,
	"BAAI/bge-small-zh-v1.5": 512,
	"sentence-transformers/all-MiniLM-L6-v2": 384,
}

// DimensionForModel returns the vector dimension for a model id,
// defaulting to 384 for unknown models.
func DimensionForModel(model string) int {
	if d, ok := modelDimensions[model]; ok {
		return d
	}
	return 384
}
