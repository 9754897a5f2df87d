package mcp

import (
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/fyrsmithlabs/legalmcp/internal/reranker"
)

// ToolCategory groups tools by the service area they operate on.
type ToolCategory string

const (
	// CategoryCorpus covers the shared legal corpus.
	CategoryCorpus ToolCategory = "corpus"
	// CategoryDocuments covers tenant document search and retrieval.
	CategoryDocuments ToolCategory = "documents"
	// CategoryIngestion covers ingestion flows.
	CategoryIngestion ToolCategory = "ingestion"
	// CategoryConversion covers file conversion.
	CategoryConversion ToolCategory = "conversion"
	// CategoryCache covers the reference cache and secrets.
	CategoryCache ToolCategory = "cache"
	// CategoryAdmin covers admin-gated tools.
	CategoryAdmin ToolCategory = "admin"
	// CategorySystem covers health and discovery.
	CategorySystem ToolCategory = "system"
)

// ToolMetadata is the searchable description of one registered tool.
type ToolMetadata struct {
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Category    ToolCategory `json:"category"`

	// Keywords extend the searchable text beyond name and description.
	Keywords []string `json:"keywords,omitempty"`
}

// searchText returns the lowercased haystack for term matching.
func (t *ToolMetadata) searchText() string {
	parts := make([]string, 0, len(t.Keywords)+2)
	parts = append(parts, t.Name, t.Description)
	parts = append(parts, t.Keywords...)
	return strings.ToLower(strings.Join(parts, " "))
}

const (
	scoreExactName = 3
	scoreNameMatch = 2
	scoreTermMatch = 1
)

// SearchResult is one scored match from the registry.
type SearchResult struct {
	Tool        *ToolMetadata `json:"tool"`
	Score       int           `json:"score"`
	MatchReason string        `json:"match_reason"`
}

// ToolRegistry indexes tool metadata so agents can discover the surface
// by search instead of reading the full listing.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]*ToolMetadata
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]*ToolMetadata)}
}

// RegisterAll adds or replaces metadata entries. Entries without a name
// are skipped.
func (r *ToolRegistry) RegisterAll(tools []*ToolMetadata) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, tool := range tools {
		if tool == nil || tool.Name == "" {
			continue
		}
		r.tools[tool.Name] = tool
	}
}

// List returns all entries ordered by name.
func (r *ToolRegistry) List() []*ToolMetadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ToolMetadata, 0, len(r.tools))
	for _, tool := range r.tools {
		out = append(out, tool)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ListByCategory returns the entries of one category ordered by name.
func (r *ToolRegistry) ListByCategory(category ToolCategory) []*ToolMetadata {
	all := r.List()
	out := make([]*ToolMetadata, 0, len(all))
	for _, tool := range all {
		if tool.Category == category {
			out = append(out, tool)
		}
	}
	return out
}

// Count returns the number of registered tools.
func (r *ToolRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Search matches the query against tool names, descriptions, and
// keywords. Exact name matches rank first, then name and pattern
// matches, then query-term overlap. The query doubles as a
// case-insensitive regular expression when it compiles as one.
func (r *ToolRegistry) Search(query string) []*SearchResult {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil
	}
	m := newToolMatcher(query)

	r.mu.RLock()
	var results []*SearchResult
	for _, tool := range r.tools {
		if res := m.match(tool); res != nil {
			results = append(results, res)
		}
	}
	r.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Tool.Name < results[j].Tool.Name
	})
	return results
}

// SearchByCategory restricts Search to one category.
func (r *ToolRegistry) SearchByCategory(query string, category ToolCategory) []*SearchResult {
	all := r.Search(query)
	out := make([]*SearchResult, 0, len(all))
	for _, res := range all {
		if res.Tool.Category == category {
			out = append(out, res)
		}
	}
	return out
}

// toolMatcher holds the derived forms of one search query.
type toolMatcher struct {
	literal string
	terms   []string
	pattern *regexp.Regexp
}

func newToolMatcher(query string) *toolMatcher {
	m := &toolMatcher{
		literal: strings.ToLower(query),
		terms:   reranker.Tokenize(query),
	}
	// An invalid pattern degrades to literal matching.
	if re, err := regexp.Compile("(?i)" + query); err == nil {
		m.pattern = re
	}
	return m
}

func (m *toolMatcher) match(tool *ToolMetadata) *SearchResult {
	name := strings.ToLower(tool.Name)
	if name == m.literal {
		return &SearchResult{Tool: tool, Score: scoreExactName, MatchReason: "exact name"}
	}
	if strings.Contains(name, m.literal) || (m.pattern != nil && m.pattern.MatchString(tool.Name)) {
		return &SearchResult{Tool: tool, Score: scoreNameMatch, MatchReason: "name match"}
	}

	haystack := tool.searchText()
	if strings.Contains(haystack, m.literal) || (m.pattern != nil && m.pattern.MatchString(haystack)) {
		return &SearchResult{Tool: tool, Score: scoreTermMatch, MatchReason: "description match"}
	}
	for _, term := range m.terms {
		if strings.Contains(haystack, term) {
			return &SearchResult{Tool: tool, Score: scoreTermMatch, MatchReason: "term match"}
		}
	}
	return nil
}
