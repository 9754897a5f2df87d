package query

import (
	"context"
	"fmt"
	"math"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/legalmcp/internal/vectorstore"
)

// fakeEmbedder returns fixed vectors per known text and a fallback unit
// vector otherwise.
type fakeEmbedder struct {
	vectors map[string][]float32
	modelID string
}

func (f *fakeEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = f.vectorFor(t)
	}
	return out, nil
}

func (f *fakeEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	return f.vectorFor(text), nil
}

func (f *fakeEmbedder) vectorFor(text string) []float32 {
	if v, ok := f.vectors[text]; ok {
		return v
	}
	return []float32{1, 0, 0}
}

func (f *fakeEmbedder) ModelID() string {
	if f.modelID != "" {
		return f.modelID
	}
	return "test-model"
}

func (f *fakeEmbedder) Dimension() int { return 3 }

// fakeStore holds chunks in memory and ranks by cosine similarity with
// the same ordering contract as the real backends.
type fakeStore struct {
	collections map[string]map[string]vectorstore.Chunk
	lastFilter  *vectorstore.Filter
}

func newFakeStore() *fakeStore {
	return &fakeStore{collections: make(map[string]map[string]vectorstore.Chunk)}
}

func (s *fakeStore) put(collection string, chunk vectorstore.Chunk) {
	if s.collections[collection] == nil {
		s.collections[collection] = make(map[string]vectorstore.Chunk)
	}
	s.collections[collection][chunk.ID] = chunk
}

func (s *fakeStore) Upsert(_ context.Context, collection string, chunks []vectorstore.Chunk) ([]string, error) {
	ids := make([]string, 0, len(chunks))
	for _, c := range chunks {
		s.put(collection, c)
		ids = append(ids, c.ID)
	}
	return ids, nil
}

func (s *fakeStore) Search(_ context.Context, collection string, queryVector []float32, k int, filter *vectorstore.Filter) ([]vectorstore.SearchHit, error) {
	s.lastFilter = filter
	equalities := filter.Equalities()

	var hits []vectorstore.SearchHit
	for _, c := range s.collections[collection] {
		if !matches(c.Metadata, equalities) {
			continue
		}
		hits = append(hits, vectorstore.SearchHit{
			ID:         c.ID,
			Content:    c.Content,
			Similarity: cosine(queryVector, c.Embedding),
			Metadata:   c.Metadata,
		})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].ID < hits[j].ID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (s *fakeStore) GetByID(_ context.Context, collection, id string) (*vectorstore.Chunk, error) {
	c, ok := s.collections[collection][id]
	if !ok {
		return nil, vectorstore.ErrChunkNotFound
	}
	return &c, nil
}

func (s *fakeStore) Delete(_ context.Context, collection string, filter *vectorstore.Filter) error {
	equalities := filter.Equalities()
	for id, c := range s.collections[collection] {
		if matches(c.Metadata, equalities) {
			delete(s.collections[collection], id)
		}
	}
	return nil
}

func (s *fakeStore) Count(_ context.Context, collection string, filter *vectorstore.Filter) (int, error) {
	equalities := filter.Equalities()
	count := 0
	for _, c := range s.collections[collection] {
		if matches(c.Metadata, equalities) {
			count++
		}
	}
	return count, nil
}

func (s *fakeStore) CollectionExists(_ context.Context, collection string) (bool, error) {
	_, ok := s.collections[collection]
	return ok, nil
}

func (s *fakeStore) ListCollections(_ context.Context) ([]string, error) {
	var names []string
	for name := range s.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *fakeStore) Close() error { return nil }

func matches(meta map[string]any, equalities map[string]string) bool {
	for k, want := range equalities {
		got, ok := meta[k]
		if !ok || fmt.Sprintf("%v", got) != want {
			return false
		}
	}
	return true
}

func cosine(a, b []float32) float32 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

func corpusChunk(id string, embedding []float32, meta map[string]any) vectorstore.Chunk {
	base := map[string]any{
		vectorstore.KeyJurisdiction: "de-federal",
		vectorstore.KeyModelID:      "test-model",
		vectorstore.KeyDocumentID:   id,
	}
	for k, v := range meta {
		base[k] = v
	}
	return vectorstore.Chunk{ID: id + ":0", Content: "content of " + id, Embedding: embedding, Metadata: base}
}

func newTestEngine(store *fakeStore, embedder *fakeEmbedder) *Engine {
	if embedder == nil {
		embedder = &fakeEmbedder{}
	}
	return NewEngine(store, embedder, nil)
}

func TestSearchCorpus_RankingAndFilter(t *testing.T) {
	store := newFakeStore()
	store.put(vectorstore.CollectionCorpus, corpusChunk("bgb_para_433", []float32{1, 0, 0}, map[string]any{
		"law_abbrev": "BGB", "level": "norm",
	}))
	store.put(vectorstore.CollectionCorpus, corpusChunk("bgb_para_433_abs_1", []float32{0.5, 0.5, 0}, map[string]any{
		"law_abbrev": "BGB", "level": "paragraph",
	}))
	store.put(vectorstore.CollectionCorpus, corpusChunk("stgb_para_242", []float32{1, 0, 0}, map[string]any{
		"law_abbrev": "STGB", "level": "norm",
	}))

	engine := newTestEngine(store, nil)

	result, err := engine.SearchCorpus(context.Background(), CorpusSearchOptions{Query: "Kaufvertrag"})
	require.NoError(t, err)
	require.Len(t, result.Hits, 3)
	assert.Equal(t, "bgb_para_433:0", result.Hits[0].ChunkID)
	assert.Equal(t, "stgb_para_242:0", result.Hits[1].ChunkID)
	assert.Equal(t, "bgb_para_433_abs_1:0", result.Hits[2].ChunkID)
	assert.Empty(t, result.ModelWarning)

	result, err = engine.SearchCorpus(context.Background(), CorpusSearchOptions{
		Query:     "Kaufvertrag",
		LawAbbrev: "bgb",
		Level:     "norm",
	})
	require.NoError(t, err)
	require.Len(t, result.Hits, 1)
	assert.Equal(t, "bgb_para_433:0", result.Hits[0].ChunkID)
	assert.Equal(t, "BGB", result.Hits[0].Metadata["law_abbrev"])
}

func TestSearchCorpus_TieBreakByChunkID(t *testing.T) {
	store := newFakeStore()
	store.put(vectorstore.CollectionCorpus, corpusChunk("zzz_para_1", []float32{1, 0, 0}, map[string]any{"law_abbrev": "ZZZ", "level": "norm"}))
	store.put(vectorstore.CollectionCorpus, corpusChunk("aaa_para_1", []float32{1, 0, 0}, map[string]any{"law_abbrev": "AAA", "level": "norm"}))

	engine := newTestEngine(store, nil)
	result, err := engine.SearchCorpus(context.Background(), CorpusSearchOptions{Query: "gleich"})
	require.NoError(t, err)
	require.Len(t, result.Hits, 2)
	assert.Equal(t, "aaa_para_1:0", result.Hits[0].ChunkID)
	assert.Equal(t, "zzz_para_1:0", result.Hits[1].ChunkID)
}

func TestSearchCorpus_Validation(t *testing.T) {
	engine := newTestEngine(newFakeStore(), nil)
	ctx := context.Background()

	_, err := engine.SearchCorpus(ctx, CorpusSearchOptions{Query: "x"})
	assert.ErrorIs(t, err, ErrQueryTooShort)

	_, err = engine.SearchCorpus(ctx, CorpusSearchOptions{Query: "  a  "})
	assert.ErrorIs(t, err, ErrQueryTooShort)

	_, err = engine.SearchCorpus(ctx, CorpusSearchOptions{Query: "valid", Level: "chapter"})
	assert.ErrorIs(t, err, ErrInvalidLevel)

	_, err = engine.SearchCorpus(ctx, CorpusSearchOptions{Query: "valid", NResults: 51})
	assert.ErrorIs(t, err, ErrInvalidNResults)

	_, err = engine.SearchCorpus(ctx, CorpusSearchOptions{Query: "valid", NResults: -1})
	assert.ErrorIs(t, err, ErrInvalidNResults)

	_, err = engine.SearchCorpus(ctx, CorpusSearchOptions{Query: "valid", ExcerptChars: 10})
	assert.ErrorIs(t, err, ErrInvalidExcerptChars)
}

func TestSearchUserDocuments_TenantFirstPredicate(t *testing.T) {
	store := newFakeStore()
	store.put(vectorstore.CollectionUserDocuments, vectorstore.Chunk{
		ID: "doc_1:0", Content: "Die Kündigungsfrist beträgt vier Wochen.",
		Embedding: []float32{1, 0, 0},
		Metadata: map[string]any{
			vectorstore.KeyTenantID:   "T1",
			vectorstore.KeyCaseID:     "C1",
			vectorstore.KeyDocumentID: "doc_1",
			vectorstore.KeyModelID:    "test-model",
			"tag":                     "lease",
		},
	})
	store.put(vectorstore.CollectionUserDocuments, vectorstore.Chunk{
		ID: "doc_2:0", Content: "Die Kündigungsfrist beträgt vier Wochen.",
		Embedding: []float32{1, 0, 0},
		Metadata: map[string]any{
			vectorstore.KeyTenantID:   "T2",
			vectorstore.KeyDocumentID: "doc_2",
			vectorstore.KeyModelID:    "test-model",
		},
	})

	engine := newTestEngine(store, nil)

	result, err := engine.SearchUserDocuments(context.Background(), UserSearchOptions{
		Query:    "Kündigungsfrist",
		TenantID: "T1",
		CaseID:   "C1",
		Tag:      "Lease",
	})
	require.NoError(t, err)
	require.Len(t, result.Hits, 1)
	assert.Equal(t, "doc_1:0", result.Hits[0].ChunkID)
	assert.Equal(t, "doc_1", result.Hits[0].DocumentID)
	assert.Equal(t, "T1", result.Hits[0].Metadata[vectorstore.KeyTenantID])

	keys := store.lastFilter.Keys()
	require.NotEmpty(t, keys)
	assert.Equal(t, vectorstore.KeyTenantID, keys[0])

	empty, err := engine.SearchUserDocuments(context.Background(), UserSearchOptions{
		Query:    "Kündigungsfrist",
		TenantID: "T3",
	})
	require.NoError(t, err)
	assert.Empty(t, empty.Hits)
}

func TestSearchUserDocuments_MissingTenant(t *testing.T) {
	engine := newTestEngine(newFakeStore(), nil)
	_, err := engine.SearchUserDocuments(context.Background(), UserSearchOptions{Query: "valid", TenantID: "  "})
	assert.ErrorIs(t, err, ErrMissingTenant)
}

func TestSearchUserDocuments_MixedModelWarning(t *testing.T) {
	store := newFakeStore()
	store.put(vectorstore.CollectionUserDocuments, vectorstore.Chunk{
		ID: "doc_old:0", Content: "alt", Embedding: []float32{1, 0, 0},
		Metadata: map[string]any{
			vectorstore.KeyTenantID:   "T1",
			vectorstore.KeyDocumentID: "doc_old",
			vectorstore.KeyModelID:    "legacy-model",
		},
	})

	engine := newTestEngine(store, nil)
	result, err := engine.SearchUserDocuments(context.Background(), UserSearchOptions{Query: "alt text", TenantID: "T1"})
	require.NoError(t, err)
	require.Len(t, result.Hits, 1)
	assert.Contains(t, result.ModelWarning, "legacy-model")
	assert.Contains(t, result.ModelWarning, "test-model")
}

func TestSearchUserDocuments_ExcerptBounded(t *testing.T) {
	long := ""
	for i := 0; i < 40; i++ {
		long += "Kündigung "
	}
	store := newFakeStore()
	store.put(vectorstore.CollectionUserDocuments, vectorstore.Chunk{
		ID: "doc_long:0", Content: long, Embedding: []float32{1, 0, 0},
		Metadata: map[string]any{
			vectorstore.KeyTenantID:   "T1",
			vectorstore.KeyDocumentID: "doc_long",
			vectorstore.KeyModelID:    "test-model",
		},
	})

	engine := newTestEngine(store, nil)
	result, err := engine.SearchUserDocuments(context.Background(), UserSearchOptions{
		Query:        "Kündigung",
		TenantID:     "T1",
		ExcerptChars: 50,
	})
	require.NoError(t, err)
	require.Len(t, result.Hits, 1)
	assert.Equal(t, Excerpt(long, 50), result.Hits[0].Excerpt)
	assert.Equal(t, 53, len([]rune(result.Hits[0].Excerpt)))
}

func TestGetLawByID(t *testing.T) {
	store := newFakeStore()
	for i := 0; i < 3; i++ {
		c := corpusChunk("bgb_para_433", []float32{1, 0, 0}, map[string]any{
			"law_abbrev": "BGB", "level": "norm", "norm_id": "§ 433",
		})
		c.ID = fmt.Sprintf("bgb_para_433:%d", i)
		c.Content = fmt.Sprintf("part %d", i)
		store.put(vectorstore.CollectionCorpus, c)
	}

	engine := newTestEngine(store, nil)

	doc, err := engine.GetLawByID(context.Background(), "BGB", "§ 433")
	require.NoError(t, err)
	assert.Equal(t, "bgb_para_433", doc.DocumentID)
	assert.Equal(t, "BGB", doc.LawAbbrev)
	require.Len(t, doc.Chunks, 3)
	assert.Equal(t, "part 0", doc.Chunks[0].Content)
	assert.Equal(t, "part 2", doc.Chunks[2].Content)

	doc, err = engine.GetLawByID(context.Background(), "bgb", "para_433")
	require.NoError(t, err)
	require.Len(t, doc.Chunks, 3)

	_, err = engine.GetLawByID(context.Background(), "BGB", "§ 999")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetUserChunk(t *testing.T) {
	store := newFakeStore()
	store.put(vectorstore.CollectionUserDocuments, vectorstore.Chunk{
		ID: "doc_1:0", Content: "vertraulicher Inhalt",
		Metadata: map[string]any{
			vectorstore.KeyTenantID:   "T1",
			vectorstore.KeyDocumentID: "doc_1",
		},
	})

	engine := newTestEngine(store, nil)

	chunk, err := engine.GetUserChunk(context.Background(), "T1", "doc_1:0")
	require.NoError(t, err)
	assert.Equal(t, "vertraulicher Inhalt", chunk.Content)

	_, err = engine.GetUserChunk(context.Background(), "T2", "doc_1:0")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = engine.GetUserChunk(context.Background(), "T1", "missing:0")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = engine.GetUserChunk(context.Background(), "", "doc_1:0")
	assert.ErrorIs(t, err, ErrMissingTenant)
}

func TestLawStats(t *testing.T) {
	store := newFakeStore()
	store.put(vectorstore.CollectionCorpus, corpusChunk("bgb_para_433", nil, map[string]any{"law_abbrev": "BGB", "level": "norm"}))
	store.put(vectorstore.CollectionCorpus, corpusChunk("bgb_para_433_abs_1", nil, map[string]any{"law_abbrev": "BGB", "level": "paragraph"}))
	store.put(vectorstore.CollectionCorpus, corpusChunk("stgb_para_242", nil, map[string]any{"law_abbrev": "STGB", "level": "norm"}))

	engine := newTestEngine(store, nil)

	stats, err := engine.LawStats(context.Background(), []string{"bgb", " ", "StGB"})
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalChunks)
	assert.Equal(t, 2, stats.NormChunks)
	assert.Equal(t, 1, stats.ParagraphChunks)
	assert.Equal(t, 2, stats.LawChunkCounts["BGB"])
	assert.Equal(t, 1, stats.LawChunkCounts["STGB"])
}

func TestSearchCorpus_RerankLiftsLexicalMatch(t *testing.T) {
	store := newFakeStore()

	similar := corpusChunk("bgb_para_195", []float32{0, 1, 0}, map[string]any{
		"law_abbrev": "BGB", "level": "norm",
	})
	similar.Content = "Die regelmäßige Verjährungsfrist beträgt drei Jahre."
	store.put(vectorstore.CollectionCorpus, similar)

	literal := corpusChunk("bgb_para_323", []float32{0, 1, 1}, map[string]any{
		"law_abbrev": "BGB", "level": "norm",
	})
	literal.Content = "Der Rücktritt vom Kaufvertrag setzt eine Fristsetzung voraus."
	store.put(vectorstore.CollectionCorpus, literal)

	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"Rücktritt Kaufvertrag": {0, 1, 0},
	}}
	engine := newTestEngine(store, embedder)

	plain, err := engine.SearchCorpus(context.Background(), CorpusSearchOptions{Query: "Rücktritt Kaufvertrag"})
	require.NoError(t, err)
	require.Len(t, plain.Hits, 2)
	assert.Equal(t, "bgb_para_195:0", plain.Hits[0].ChunkID)
	assert.False(t, plain.Reranked)
	assert.Zero(t, plain.Hits[0].RerankScore)

	reranked, err := engine.SearchCorpus(context.Background(), CorpusSearchOptions{
		Query:  "Rücktritt Kaufvertrag",
		Rerank: true,
	})
	require.NoError(t, err)
	require.Len(t, reranked.Hits, 2)
	assert.True(t, reranked.Reranked)
	assert.Equal(t, "bgb_para_323:0", reranked.Hits[0].ChunkID)
	assert.InDelta(t, 1.0, float64(reranked.Hits[0].RerankScore), 1e-6)
	assert.Equal(t, "bgb_para_195:0", reranked.Hits[1].ChunkID)
	assert.Zero(t, reranked.Hits[1].RerankScore)
}

func TestSearchUserDocuments_RerankRespectsNResults(t *testing.T) {
	store := newFakeStore()
	for i := 0; i < 3; i++ {
		store.put(vectorstore.CollectionUserDocuments, vectorstore.Chunk{
			ID:        fmt.Sprintf("doc_%d:0", i),
			Content:   "Die Kündigungsfrist beträgt vier Wochen.",
			Embedding: []float32{1, 0, 0},
			Metadata: map[string]any{
				vectorstore.KeyTenantID:   "T1",
				vectorstore.KeyDocumentID: fmt.Sprintf("doc_%d", i),
				vectorstore.KeyModelID:    "test-model",
			},
		})
	}

	engine := newTestEngine(store, nil)
	result, err := engine.SearchUserDocuments(context.Background(), UserSearchOptions{
		Query:    "Kündigungsfrist",
		TenantID: "T1",
		NResults: 2,
		Rerank:   true,
	})
	require.NoError(t, err)
	require.Len(t, result.Hits, 2)
	assert.True(t, result.Reranked)
	assert.Equal(t, "doc_0:0", result.Hits[0].ChunkID)
	assert.Equal(t, "doc_1:0", result.Hits[1].ChunkID)
}

func TestExcerpt(t *testing.T) {
	assert.Equal(t, "kurz", Excerpt("kurz", 100))
	assert.Equal(t, "ää...", Excerpt("ääää", 2))
	assert.Equal(t, "", Excerpt("", 10))
	assert.Equal(t, "abc", Excerpt("abc", 3))
}

func TestSafeMetadata_DropsUnknownKeys(t *testing.T) {
	out := safeMetadata(map[string]any{
		vectorstore.KeyTenantID: "T1",
		"chunk_index":           4,
		"internal_score":        0.93,
		"embedding_dump":        "[0.1, 0.2]",
	})
	assert.Equal(t, "T1", out[vectorstore.KeyTenantID])
	assert.Equal(t, "4", out["chunk_index"])
	assert.NotContains(t, out, "internal_score")
	assert.NotContains(t, out, "embedding_dump")
}
