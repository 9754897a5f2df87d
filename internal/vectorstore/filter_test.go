package vectorstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterExprEmpty(t *testing.T) {
	assert.Nil(t, NewFilter().Expr())

	var nilFilter *Filter
	assert.Nil(t, nilFilter.Expr())
	assert.Equal(t, 0, nilFilter.Len())
}

func TestFilterExprSinglePredicateIsBare(t *testing.T) {
	f := NewFilter().Eq("tenant_id", "T1")

	expr := f.Expr()
	require.NotNil(t, expr)
	assert.NotContains(t, expr, "$and")
	assert.Equal(t, map[string]any{"tenant_id": map[string]any{"$eq": "T1"}}, expr)
}

func TestFilterExprMultiPredicateWrapsConjunction(t *testing.T) {
	f := NewFilter().
		Eq("tenant_id", "T1").
		Eq("case_id", "C1").
		Eq("document_id", "doc_ab12")

	expr := f.Expr()
	require.NotNil(t, expr)
	require.Contains(t, expr, "$and")

	conditions, ok := expr["$and"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, conditions, 3)

	// Insertion order preserved, tenant_id first.
	assert.Equal(t, map[string]any{"tenant_id": map[string]any{"$eq": "T1"}}, conditions[0])
	assert.Equal(t, map[string]any{"case_id": map[string]any{"$eq": "C1"}}, conditions[1])
	assert.Equal(t, map[string]any{"document_id": map[string]any{"$eq": "doc_ab12"}}, conditions[2])
}

func TestFilterExprTwoPredicatesWrap(t *testing.T) {
	f := NewFilter().Eq("law_abbrev", "BGB").Eq("level", "norm")

	expr := f.Expr()
	require.Contains(t, expr, "$and")
	conditions := expr["$and"].([]map[string]any)
	assert.Len(t, conditions, 2)
}

func TestFilterEqOverwriteKeepsPosition(t *testing.T) {
	f := NewFilter().Eq("tenant_id", "T1").Eq("case_id", "C1")
	f.Eq("tenant_id", "T2")

	assert.Equal(t, []string{"tenant_id", "case_id"}, f.Keys())
	v, ok := f.Get("tenant_id")
	require.True(t, ok)
	assert.Equal(t, "T2", v)
}

func TestFilterEqualities(t *testing.T) {
	f := NewFilter().
		Eq("tenant_id", "T1").
		Eq("paragraph_index", 3).
		Eq("truncated", true)

	eq := f.Equalities()
	assert.Equal(t, map[string]string{
		"tenant_id":       "T1",
		"paragraph_index": "3",
		"truncated":       "true",
	}, eq)
}

func TestGuardTenantScope(t *testing.T) {
	tests := []struct {
		name       string
		collection string
		filter     *Filter
		wantErr    error
	}{
		{
			name:       "corpus needs no tenant",
			collection: CollectionCorpus,
			filter:     NewFilter().Eq("law_abbrev", "BGB"),
		},
		{
			name:       "user documents with tenant",
			collection: CollectionUserDocuments,
			filter:     NewFilter().Eq("tenant_id", "T1"),
		},
		{
			name:       "user documents without tenant",
			collection: CollectionUserDocuments,
			filter:     NewFilter().Eq("case_id", "C1"),
			wantErr:    ErrMissingTenant,
		},
		{
			name:       "user documents nil filter",
			collection: CollectionUserDocuments,
			filter:     nil,
			wantErr:    ErrMissingTenant,
		},
		{
			name:       "user documents empty tenant",
			collection: CollectionUserDocuments,
			filter:     NewFilter().Eq("tenant_id", ""),
			wantErr:    ErrInvalidTenant,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := guardTenantScope(tt.collection, tt.filter)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateChunksTenantPartition(t *testing.T) {
	tenantChunk := Chunk{
		ID:       "doc_a:0",
		Content:  "x",
		Metadata: map[string]any{"tenant_id": "T1"},
	}
	corpusChunk := Chunk{
		ID:       "bgb_para_433:0",
		Content:  "x",
		Metadata: map[string]any{"jurisdiction": "de-federal"},
	}
	mixedChunk := Chunk{
		ID:       "doc_b:0",
		Content:  "x",
		Metadata: map[string]any{"tenant_id": "T1", "jurisdiction": "de-federal"},
	}

	assert.NoError(t, validateChunks(CollectionUserDocuments, []Chunk{tenantChunk}))
	assert.NoError(t, validateChunks(CollectionCorpus, []Chunk{corpusChunk}))
	assert.ErrorIs(t, validateChunks(CollectionCorpus, []Chunk{mixedChunk}), ErrTenantCorpusMix)
	assert.ErrorIs(t, validateChunks(CollectionUserDocuments, []Chunk{corpusChunk}), ErrMissingTenant)
	assert.ErrorIs(t, validateChunks(CollectionUserDocuments, nil), ErrEmptyChunks)
}

func TestValidateCollectionName(t *testing.T) {
	assert.NoError(t, ValidateCollectionName("user_documents"))
	assert.NoError(t, ValidateCollectionName("corpus"))
	assert.Error(t, ValidateCollectionName(""))
	assert.Error(t, ValidateCollectionName("has space"))
	assert.Error(t, ValidateCollectionName("path/../escape"))
}
