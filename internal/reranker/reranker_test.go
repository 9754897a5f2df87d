package reranker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLexicalRerank(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		candidates []Candidate
		topK       int
		wantIDs    []string
	}{
		{
			name:       "empty candidates",
			query:      "Rücktritt vom Kaufvertrag",
			candidates: []Candidate{},
			topK:       10,
			wantIDs:    []string{},
		},
		{
			name:  "term overlap lifts literal match",
			query: "Rücktritt Kaufvertrag Mangel",
			candidates: []Candidate{
				{ID: "a", Content: "Die Verjährung beginnt mit der Entstehung des Anspruchs.", Similarity: 0.9},
				{ID: "b", Content: "Der Rücktritt vom Kaufvertrag setzt einen Mangel der Sache voraus.", Similarity: 0.7},
			},
			topK:    10,
			wantIDs: []string{"b", "a"},
		},
		{
			name:  "stopword-only query keeps similarity order",
			query: "der die das und",
			candidates: []Candidate{
				{ID: "a", Content: "irrelevant", Similarity: 0.9},
				{ID: "b", Content: "der die das und", Similarity: 0.5},
			},
			topK:    10,
			wantIDs: []string{"a", "b"},
		},
		{
			name:  "topK truncates",
			query: "Mangel",
			candidates: []Candidate{
				{ID: "a", Content: "Mangel der Kaufsache", Similarity: 0.6},
				{ID: "b", Content: "Mangel im Werkvertragsrecht", Similarity: 0.5},
				{ID: "c", Content: "Fristsetzung zur Nacherfüllung", Similarity: 0.9},
			},
			topK:    2,
			wantIDs: []string{"a", "b"},
		},
		{
			name:  "blended tie breaks by id",
			query: "Mangel",
			candidates: []Candidate{
				{ID: "z", Content: "Mangel", Similarity: 0.5},
				{ID: "a", Content: "Mangel", Similarity: 0.5},
			},
			topK:    10,
			wantIDs: []string{"a", "z"},
		},
	}

	r := NewLexical()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ranked, err := r.Rerank(context.Background(), tt.query, tt.candidates, tt.topK)
			require.NoError(t, err)

			ids := make([]string, 0, len(ranked))
			for _, rk := range ranked {
				ids = append(ids, rk.ID)
			}
			assert.Equal(t, tt.wantIDs, ids)
		})
	}
}

func TestLexicalRerank_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := NewLexical()
	_, err := r.Rerank(ctx, "Mangel", []Candidate{{ID: "a"}}, 1)
	require.ErrorIs(t, err, context.Canceled)
}

func TestLexicalRerank_RecordsOriginalRank(t *testing.T) {
	r := NewLexical()
	ranked, err := r.Rerank(context.Background(), "Verjährung", []Candidate{
		{ID: "a", Content: "ohne Treffer", Similarity: 0.9},
		{ID: "b", Content: "Die Verjährung der Ansprüche", Similarity: 0.4},
	}, 0)
	require.NoError(t, err)
	require.Len(t, ranked, 2)

	assert.Equal(t, "b", ranked[0].ID)
	assert.Equal(t, 1, ranked[0].OriginalRank)
	assert.InDelta(t, 1.0, float64(ranked[0].Overlap), 1e-6)
}

func TestTokenize(t *testing.T) {
	terms := Tokenize("Der Rücktritt vom Kaufvertrag (§ 433 BGB) ist nicht ausgeschlossen.")
	assert.Equal(t, []string{"rücktritt", "kaufvertrag", "§", "433", "bgb", "ausgeschlossen"}, terms)
}
