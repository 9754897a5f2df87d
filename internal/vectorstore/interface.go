// Package vectorstore provides persistent, embedding-indexed chunk storage
// with metadata filtering and mandatory tenant scoping for user documents.
package vectorstore

import (
	"context"
	"errors"
)

var (
	// ErrInvalidConfig indicates invalid store configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmptyChunks indicates an upsert with no chunks.
	ErrEmptyChunks = errors.New("empty chunk batch")

	// ErrCollectionNotFound indicates the collection does not exist.
	ErrCollectionNotFound = errors.New("collection not found")

	// ErrInvalidCollectionName indicates an invalid collection name.
	ErrInvalidCollectionName = errors.New("invalid collection name")

	// ErrMissingTenant indicates a user_documents operation without a tenant_id predicate.
	ErrMissingTenant = errors.New("missing tenant_id")

	// ErrInvalidTenant indicates an empty or non-string tenant_id.
	ErrInvalidTenant = errors.New("invalid tenant_id")

	// ErrTenantCorpusMix indicates a chunk carrying both tenant_id and jurisdiction.
	ErrTenantCorpusMix = errors.New("chunk mixes tenant and corpus metadata")

	// ErrVectorStoreUnavailable indicates the backing store cannot be reached.
	ErrVectorStoreUnavailable = errors.New("vector store unavailable")
)

// Store is the persistence boundary for embedded chunks.
//
// Implementations must be safe for concurrent use. Upsert is idempotent by
// chunk ID. Search and Delete against the user-documents collection require a
// tenant_id predicate in the filter; implementations refuse such calls
// without one.
type Store interface {
	// Upsert inserts or replaces chunks by ID in the given collection.
	// Every chunk must carry a precomputed embedding.
	Upsert(ctx context.Context, collection string, chunks []Chunk) ([]string, error)

	// Search returns up to k nearest chunks by cosine similarity, restricted
	// to chunks matching the filter. Results are ordered by descending
	// similarity, ties broken by ascending chunk ID.
	Search(ctx context.Context, collection string, queryVector []float32, k int, filter *Filter) ([]SearchHit, error)

	// GetByID returns a single chunk by ID, or ErrChunkNotFound.
	GetByID(ctx context.Context, collection, id string) (*Chunk, error)

	// Delete removes all chunks matching the filter.
	Delete(ctx context.Context, collection string, filter *Filter) error

	// Count returns the number of chunks matching the filter. A nil filter
	// counts the whole collection.
	Count(ctx context.Context, collection string, filter *Filter) (int, error)

	// CollectionExists reports whether the named collection exists.
	CollectionExists(ctx context.Context, collection string) (bool, error)

	// ListCollections returns the names of all collections.
	ListCollections(ctx context.Context) ([]string, error)

	// Close releases backend resources.
	Close() error
}

// ErrChunkNotFound indicates a GetByID miss.
var ErrChunkNotFound = errors.New("chunk not found")
