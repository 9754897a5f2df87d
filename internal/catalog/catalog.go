// Package catalog serves read-only document listings from bundled SQLite
// databases, one per registered source. No network I/O, no writes.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

var (
	// ErrCatalogNotFound indicates an unknown source or a missing database file.
	ErrCatalogNotFound = errors.New("catalog not found")

	// ErrCatalogCorrupt indicates an unreadable or invalid database.
	ErrCatalogCorrupt = errors.New("catalog database corrupt")

	// ErrInvalidQuery indicates out-of-range pagination parameters.
	ErrInvalidQuery = errors.New("invalid catalog query")
)

const (
	// DefaultLimit is used when the caller passes limit 0.
	DefaultLimit = 50

	// MaxLimit caps a single page.
	MaxLimit = 200
)

// knownPrefixes are always present in PrefixCounts, zero-filled when absent.
var knownPrefixes = []string{"jlr", "NJRE", "other"}

// Source describes one catalog database.
type Source struct {
	// Name is the stable source identifier used as tool input.
	Name string

	// Path is the SQLite file location.
	Path string

	// Version marks the catalog build (timestamp, git SHA).
	Version string
}

// Item is one catalog entry.
type Item struct {
	DocumentID         string `json:"document_id"`
	CanonicalURL       string `json:"canonical_url"`
	DocumentTypePrefix string `json:"document_type_prefix"`
}

// QueryResult is the structured listing payload.
type QueryResult struct {
	Source         string         `json:"source"`
	CatalogVersion string         `json:"catalog_version"`
	Prefix         string         `json:"prefix,omitempty"`
	Offset         int            `json:"offset"`
	Limit          int            `json:"limit"`
	CountTotal     int            `json:"count_total"`
	CountFiltered  int            `json:"count_filtered"`
	PrefixCounts   map[string]int `json:"prefix_counts"`
	Items          []Item         `json:"items"`
}

// Store wraps one read-only catalog database.
type Store struct {
	db     *sql.DB
	source Source
}

// OpenStore opens and validates a catalog database in read-only mode.
func OpenStore(source Source, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if _, err := os.Stat(source.Path); err != nil {
		return nil, fmt.Errorf("%w: %s: database file missing", ErrCatalogNotFound, source.Name)
	}
	if isGitLFSPointer(source.Path) {
		return nil, fmt.Errorf("%w: %s is a Git LFS pointer file, fetch LFS objects to obtain the database", ErrCatalogCorrupt, source.Name)
	}

	dsn := fmt.Sprintf("file:%s?mode=ro", url.PathEscape(source.Path))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", ErrCatalogCorrupt, source.Name, err)
	}

	var name string
	err = db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='documents'").Scan(&name)
	if err != nil {
		_ = db.Close()
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s has no documents table", ErrCatalogCorrupt, source.Name)
		}
		return nil, fmt.Errorf("%w: validating %s: %v", ErrCatalogCorrupt, source.Name, err)
	}

	logger.Info("catalog source opened",
		zap.String("source", source.Name),
		zap.String("version", source.Version),
	)
	return &Store{db: db, source: source}, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// ListAvailable pages through the catalog. Prefix filters items and
// CountFiltered; CountTotal and PrefixCounts always cover the whole source.
// Limit 0 takes the default.
func (s *Store) ListAvailable(ctx context.Context, prefix string, offset, limit int) (*QueryResult, error) {
	if offset < 0 {
		return nil, fmt.Errorf("%w: offset must be >= 0", ErrInvalidQuery)
	}
	if limit == 0 {
		limit = DefaultLimit
	}
	if limit < 1 || limit > MaxLimit {
		return nil, fmt.Errorf("%w: limit must be in [1, %d]", ErrInvalidQuery, MaxLimit)
	}

	total, err := s.countTotal(ctx)
	if err != nil {
		return nil, err
	}
	prefixCounts, err := s.countPrefixes(ctx)
	if err != nil {
		return nil, err
	}

	filtered := total
	if prefix != "" {
		filtered = prefixCounts[prefix]
	}

	items, err := s.fetchItems(ctx, prefix, offset, limit)
	if err != nil {
		return nil, err
	}

	return &QueryResult{
		Source:         s.source.Name,
		CatalogVersion: s.source.Version,
		Prefix:         prefix,
		Offset:         offset,
		Limit:          limit,
		CountTotal:     total,
		CountFiltered:  filtered,
		PrefixCounts:   prefixCounts,
		Items:          items,
	}, nil
}

func (s *Store) countTotal(ctx context.Context) (int, error) {
	var total int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM documents WHERE source = ?", s.source.Name).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("%w: counting %s: %v", ErrCatalogCorrupt, s.source.Name, err)
	}
	return total, nil
}

func (s *Store) countPrefixes(ctx context.Context) (map[string]int, error) {
	counts := make(map[string]int, len(knownPrefixes))
	for _, p := range knownPrefixes {
		counts[p] = 0
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT document_type_prefix, COUNT(*) FROM documents WHERE source = ? GROUP BY document_type_prefix",
		s.source.Name)
	if err != nil {
		return nil, fmt.Errorf("%w: grouping %s: %v", ErrCatalogCorrupt, s.source.Name, err)
	}
	defer rows.Close()

	for rows.Next() {
		var prefix string
		var count int
		if err := rows.Scan(&prefix, &count); err != nil {
			return nil, fmt.Errorf("%w: scanning %s: %v", ErrCatalogCorrupt, s.source.Name, err)
		}
		counts[prefix] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrCatalogCorrupt, s.source.Name, err)
	}
	return counts, nil
}

func (s *Store) fetchItems(ctx context.Context, prefix string, offset, limit int) ([]Item, error) {
	query := "SELECT document_id, canonical_url, document_type_prefix FROM documents WHERE source = ?"
	args := []any{s.source.Name}
	if prefix != "" {
		query += " AND document_type_prefix = ?"
		args = append(args, prefix)
	}
	query += " ORDER BY document_id ASC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: querying %s: %v", ErrCatalogCorrupt, s.source.Name, err)
	}
	defer rows.Close()

	items := make([]Item, 0, limit)
	for rows.Next() {
		var item Item
		if err := rows.Scan(&item.DocumentID, &item.CanonicalURL, &item.DocumentTypePrefix); err != nil {
			return nil, fmt.Errorf("%w: scanning %s: %v", ErrCatalogCorrupt, s.source.Name, err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrCatalogCorrupt, s.source.Name, err)
	}
	return items, nil
}

// Registry maps source names to opened stores. Populated once at startup
// and read-only afterwards.
type Registry struct {
	stores map[string]*Store
}

// OpenRegistry opens every configured source. A single bad source fails
// startup so misconfiguration surfaces immediately.
func OpenRegistry(sources []Source, logger *zap.Logger) (*Registry, error) {
	r := &Registry{stores: make(map[string]*Store, len(sources))}
	for _, src := range sources {
		if strings.TrimSpace(src.Name) == "" {
			r.closeAll()
			return nil, fmt.Errorf("%w: empty source name", ErrInvalidQuery)
		}
		if _, dup := r.stores[src.Name]; dup {
			r.closeAll()
			return nil, fmt.Errorf("%w: duplicate source %s", ErrInvalidQuery, src.Name)
		}
		store, err := OpenStore(src, logger)
		if err != nil {
			r.closeAll()
			return nil, err
		}
		r.stores[src.Name] = store
	}
	return r, nil
}

// Get returns the store for a source.
func (r *Registry) Get(source string) (*Store, error) {
	store, ok := r.stores[source]
	if !ok {
		return nil, fmt.Errorf("%w: unknown source %q", ErrCatalogNotFound, source)
	}
	return store, nil
}

// ListSources returns registered source names, sorted.
func (r *Registry) ListSources() []string {
	names := make([]string, 0, len(r.stores))
	for name := range r.stores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close releases all stores.
func (r *Registry) Close() error {
	var firstErr error
	for _, store := range r.stores {
		if err := store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Registry) closeAll() {
	for _, store := range r.stores {
		_ = store.Close()
	}
}

// isGitLFSPointer reports whether path looks like an unfetched Git LFS
// pointer instead of a real database.
func isGitLFSPointer(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() || info.Size() > 2048 {
		return false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	text := string(data)
	return strings.Contains(text, "git-lfs.github.com/spec") && strings.Contains(text, "oid sha256:")
}
