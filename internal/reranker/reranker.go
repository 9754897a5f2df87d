// Package reranker re-orders search hits by lexical overlap with the query.
//
// Embedding similarity ranks whole-chunk meaning; for statutory text a
// query that names a concrete term ("Mangel", "Rücktritt") often wants
// chunks that literally contain it. The lexical reranker blends the
// vector similarity with query-term overlap and is applied only when a
// caller asks for it.
package reranker

import (
	"context"
	"sort"
	"strings"
	"unicode"
)

// Candidate is one search hit offered for re-ranking.
type Candidate struct {
	// ID identifies the chunk.
	ID string

	// Content is the chunk text matched against the query terms.
	Content string

	// Similarity is the vector-search score in [0, 1].
	Similarity float32
}

// Ranked is a candidate with its blended score.
type Ranked struct {
	Candidate

	// Overlap is the fraction of distinct query terms found in the
	// content, in [0, 1].
	Overlap float32

	// Blended combines similarity and overlap; results sort by it.
	Blended float32

	// OriginalRank is the zero-based position before re-ranking.
	OriginalRank int
}

// Reranker re-orders candidates by query relevance.
type Reranker interface {
	// Rerank returns the candidates sorted by descending relevance,
	// truncated to topK. A topK of zero keeps all candidates.
	Rerank(ctx context.Context, query string, candidates []Candidate, topK int) ([]Ranked, error)
}

// Lexical blends vector similarity with query-term overlap.
// The zero value uses equal weights.
type Lexical struct {
	// SimilarityWeight is the share of the vector score in the blend.
	// Zero means 0.5.
	SimilarityWeight float32
}

// NewLexical creates an equal-weight lexical reranker.
func NewLexical() *Lexical {
	return &Lexical{}
}

// Rerank tokenizes the query, scores each candidate by distinct-term
// overlap, and sorts by the blended score. Ties fall back to the higher
// similarity, then the lexically smaller ID, so re-ranking stays
// deterministic.
func (l *Lexical) Rerank(ctx context.Context, query string, candidates []Candidate, topK int) ([]Ranked, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return []Ranked{}, nil
	}

	simWeight := l.SimilarityWeight
	if simWeight <= 0 || simWeight >= 1 {
		simWeight = 0.5
	}

	terms := Tokenize(query)
	ranked := make([]Ranked, len(candidates))
	for i, c := range candidates {
		overlap := termOverlap(terms, Tokenize(c.Content))
		ranked[i] = Ranked{
			Candidate:    c,
			Overlap:      overlap,
			Blended:      simWeight*c.Similarity + (1-simWeight)*overlap,
			OriginalRank: i,
		}
	}

	// With no usable query terms every overlap is zero and the blend
	// preserves the similarity order.
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Blended != ranked[j].Blended {
			return ranked[i].Blended > ranked[j].Blended
		}
		if ranked[i].Similarity != ranked[j].Similarity {
			return ranked[i].Similarity > ranked[j].Similarity
		}
		return ranked[i].ID < ranked[j].ID
	})

	if topK > 0 && topK < len(ranked) {
		ranked = ranked[:topK]
	}
	return ranked, nil
}

// Tokenize lowercases the text and splits it into terms, dropping
// stopwords and terms shorter than two runes, except a lone "§", which
// is kept. German umlauts and ß are kept as-is so "Rücktritt" and
// "rücktritt" meet.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '§'
	})

	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		if len([]rune(f)) < 2 && f != "§" {
			continue
		}
		if stopwords[f] {
			continue
		}
		terms = append(terms, f)
	}
	return terms
}

// termOverlap returns the fraction of distinct query terms present in
// the content terms.
func termOverlap(queryTerms, contentTerms []string) float32 {
	if len(queryTerms) == 0 {
		return 0
	}

	content := make(map[string]bool, len(contentTerms))
	for _, t := range contentTerms {
		content[t] = true
	}

	matched := make(map[string]bool, len(queryTerms))
	distinct := make(map[string]bool, len(queryTerms))
	for _, t := range queryTerms {
		distinct[t] = true
		if content[t] {
			matched[t] = true
		}
	}
	return float32(len(matched)) / float32(len(distinct))
}

// stopwords drops high-frequency German and English function words that
// carry no retrieval signal in legal queries.
var stopwords = map[string]bool{
	// German
	"der": true, "die": true, "das": true, "den": true, "dem": true, "des": true,
	"ein": true, "eine": true, "einer": true, "eines": true, "einem": true, "einen": true,
	"und": true, "oder": true, "aber": true, "auch": true, "nicht": true, "nur": true,
	"ist": true, "sind": true, "war": true, "wird": true, "werden": true, "wurde": true,
	"hat": true, "haben": true, "kann": true, "muss": true, "darf": true, "soll": true,
	"von": true, "vom": true, "zu": true, "zur": true, "zum": true, "mit": true,
	"bei": true, "aus": true, "auf": true, "für": true, "über": true, "unter": true,
	"nach": true, "vor": true, "durch": true, "gegen": true, "ohne": true, "wenn": true,
	"als": true, "wie": true, "im": true, "in": true, "an": true, "am": true,
	"sich": true, "sie": true, "er": true, "es": true, "wir": true, "ich": true,
	"dass": true, "dies": true, "diese": true, "dieser": true, "dieses": true,
	// English
	"the": true, "a": true, "and": true, "or": true, "but": true,
	"is": true, "are": true, "was": true, "be": true, "been": true, "being": true,
	"of": true, "to": true, "for": true, "with": true, "by": true, "from": true,
	"this": true, "that": true, "these": true, "those": true, "on": true, "at": true,
	"it": true, "its": true, "as": true, "which": true, "who": true, "what": true,
}
