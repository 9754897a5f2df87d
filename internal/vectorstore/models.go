package vectorstore

import (
	"fmt"
	"regexp"
)

// Collection names used by the retrieval core.
const (
	// CollectionCorpus holds shared legal-corpus chunks. No tenant metadata.
	CollectionCorpus = "corpus"

	// CollectionUserDocuments holds tenant-scoped user chunks. Every chunk
	// carries a non-empty tenant_id.
	CollectionUserDocuments = "user_documents"
)

// Metadata keys with store-level semantics.
const (
	KeyTenantID     = "tenant_id"
	KeyCaseID       = "case_id"
	KeyJurisdiction = "jurisdiction"
	KeyDocumentID   = "document_id"
	KeyChunkID      = "chunk_id"
	KeyModelID      = "embedding_model"
)

// Chunk is the unit of indexing: a slice of a document with its embedding
// and scalar metadata. Chunks are immutable once persisted; replacement is
// delete-then-upsert keyed by document_id within its scope.
type Chunk struct {
	ID        string
	Content   string
	Embedding []float32
	Metadata  map[string]any
}

// SearchHit is one ranked result of a similarity search.
// Similarity is cosine similarity clamped to [0, 1], 1 meaning identical.
type SearchHit struct {
	ID         string
	Content    string
	Similarity float32
	Metadata   map[string]any
}

var collectionNameRe = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// ValidateCollectionName rejects names unsafe for backend identifiers.
func ValidateCollectionName(name string) error {
	if !collectionNameRe.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidCollectionName, name)
	}
	return nil
}

// validateChunks enforces the tenant/corpus partition invariants before any
// chunk reaches a backend.
func validateChunks(collection string, chunks []Chunk) error {
	if len(chunks) == 0 {
		return ErrEmptyChunks
	}
	for i, c := range chunks {
		if c.ID == "" {
			return fmt.Errorf("%w: chunk at index %d has empty ID", ErrInvalidConfig, i)
		}
		tenant, hasTenant := stringField(c.Metadata, KeyTenantID)
		_, hasJurisdiction := stringField(c.Metadata, KeyJurisdiction)
		if hasTenant && hasJurisdiction {
			return fmt.Errorf("%w: chunk %s", ErrTenantCorpusMix, c.ID)
		}
		if collection == CollectionUserDocuments {
			if !hasTenant {
				return fmt.Errorf("%w: chunk %s", ErrMissingTenant, c.ID)
			}
			if tenant == "" {
				return fmt.Errorf("%w: chunk %s", ErrInvalidTenant, c.ID)
			}
		}
	}
	return nil
}

// guardTenantScope enforces the mandatory tenant predicate on user-document
// search and delete. Defence in depth: the query engine applies the same rule
// before calling the store.
func guardTenantScope(collection string, filter *Filter) error {
	if collection != CollectionUserDocuments {
		return nil
	}
	tenant, ok := filter.Get(KeyTenantID)
	if !ok {
		return ErrMissingTenant
	}
	s, isString := tenant.(string)
	if !isString || s == "" {
		return ErrInvalidTenant
	}
	return nil
}

func stringField(m map[string]any, key string) (string, bool) {
	if m == nil {
		return "", false
	}
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}
