// Package refcache is a content-addressed in-memory cache with
// hierarchical namespaces, per-actor permissions, and bounded previews.
// Large tool results are registered here and returned as references; the
// full value is fetched by ref_id.
package refcache

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrNotFound indicates an unknown or expired ref_id.
	ErrNotFound = errors.New("reference not found")

	// ErrPermissionDenied indicates the actor lacks the needed permission.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrInvalidPolicy indicates an unknown permission level.
	ErrInvalidPolicy = errors.New("invalid cache policy")

	// ErrInvalidPage indicates out-of-range pagination parameters.
	ErrInvalidPage = errors.New("invalid page request")

	// ErrNotPageable indicates pagination of a non-list value.
	ErrNotPageable = errors.New("value is not pageable")
)

const (
	// DefaultCapacity bounds the entry count before LRU eviction.
	DefaultCapacity = 1024

	// DefaultTTL is the entry lifetime when none is given.
	DefaultTTL = 24 * time.Hour

	// DefaultPreviewBudget bounds inline preview size.
	DefaultPreviewBudget = 2048

	hashPrefixMin = 8
	hashPrefixMax = 12
)

// Config bounds the cache.
type Config struct {
	Capacity      int
	DefaultTTL    time.Duration
	PreviewBudget int

	// DefaultPolicy applies to namespaces without an explicit policy.
	DefaultPolicy Policy
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Capacity == 0 {
		c.Capacity = DefaultCapacity
	}
	if c.DefaultTTL == 0 {
		c.DefaultTTL = DefaultTTL
	}
	if c.PreviewBudget == 0 {
		c.PreviewBudget = DefaultPreviewBudget
	}
	if c.DefaultPolicy == (Policy{}) {
		c.DefaultPolicy = Policy{UserPerms: PermFull, AgentPerms: PermFull}
	}
}

// Reference is the envelope a cached tool returns in place of its value.
type Reference struct {
	RefID           string         `json:"ref_id"`
	Preview         any            `json:"preview"`
	PreviewStrategy string         `json:"preview_strategy"`
	TotalItems      int            `json:"total_items,omitempty"`
	Page            int            `json:"page,omitempty"`
	TotalPages      int            `json:"total_pages,omitempty"`
	Summary         map[string]any `json:"summary,omitempty"`
}

// Result is a Get payload: the full value or one page of it.
type Result struct {
	Value      any
	Page       int
	PageSize   int
	TotalItems int
	TotalPages int
}

// Stats reports cache health counters.
type Stats struct {
	Entries int
	Hits    uint64
	Misses  uint64
}

type entry struct {
	refID     string
	namespace string
	hash      string
	value     any
	policy    *Policy
	strategy  PreviewStrategy
	expiresAt time.Time
	lruElem   *list.Element
}

// Cache is safe for concurrent use. A single short-lived mutex guards the
// entry table and LRU list; eviction removes whole entries only.
type Cache struct {
	config Config
	logger *zap.Logger

	mu       sync.Mutex
	entries  map[string]*entry
	lru      *list.List
	policies map[string]Policy
	hits     uint64
	misses   uint64
}

// NewCache builds a cache with the given bounds.
func NewCache(config Config, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()
	return &Cache{
		config:   config,
		logger:   logger,
		entries:  make(map[string]*entry),
		lru:      list.New(),
		policies: make(map[string]Policy),
	}
}

// SetPolicy installs a namespace policy. Child namespaces inherit it
// unless they carry their own.
func (c *Cache) SetPolicy(namespace string, policy Policy) error {
	if err := policy.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	c.policies[namespace] = policy
	c.mu.Unlock()
	return nil
}

// SetOptions tunes one Set call.
type SetOptions struct {
	// TTL overrides the default entry lifetime.
	TTL time.Duration

	// Policy overrides the namespace policy for this entry.
	Policy *Policy

	// Strategy forces a preview strategy; default picks by value shape.
	Strategy PreviewStrategy

	// Summary is carried verbatim on the returned envelope.
	Summary map[string]any
}

// Set registers a value and returns its reference envelope. Identical
// content in the same namespace yields the same ref_id.
func (c *Cache) Set(namespace string, actor Actor, value any, opts SetOptions) (*Reference, error) {
	if namespace == "" {
		return nil, fmt.Errorf("%w: empty namespace", ErrInvalidPolicy)
	}
	if opts.Policy != nil {
		if err := opts.Policy.Validate(); err != nil {
			return nil, err
		}
	}

	hash, err := contentHash(value)
	if err != nil {
		return nil, err
	}

	strategy := opts.Strategy
	if strategy == "" {
		strategy = defaultStrategy(value)
	}

	ttl := opts.TTL
	if ttl == 0 {
		ttl = c.config.DefaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	perm := c.effectivePolicy(namespace, opts.Policy).For(actor)
	if !perm.CanWrite() {
		return nil, fmt.Errorf("%w: %s may not write to %s", ErrPermissionDenied, actor, namespace)
	}

	refID, existing := c.assignRefID(namespace, hash)
	now := time.Now()

	if existing != nil {
		// Content-addressed hit: refresh lifetime, keep the entry.
		existing.expiresAt = now.Add(ttl)
		c.lru.MoveToFront(existing.lruElem)
		ref := c.buildReference(existing)
		ref.Summary = opts.Summary
		return ref, nil
	}

	e := &entry{
		refID:     refID,
		namespace: namespace,
		hash:      hash,
		value:     value,
		policy:    opts.Policy,
		strategy:  strategy,
		expiresAt: now.Add(ttl),
	}
	e.lruElem = c.lru.PushFront(e)
	c.entries[refID] = e
	c.evictOverCapacity()

	ref := c.buildReference(e)
	ref.Summary = opts.Summary
	return ref, nil
}

// Get returns the full value, or one page of a list value when page >= 1.
// Requires read permission.
func (c *Cache) Get(refID string, actor Actor, page, pageSize int) (*Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, err := c.lookup(refID)
	if err != nil {
		return nil, err
	}
	perm := c.effectivePolicy(e.namespace, e.policy).For(actor)
	if !perm.CanRead() {
		return nil, fmt.Errorf("%w: %s may not read %s", ErrPermissionDenied, actor, refID)
	}

	c.lru.MoveToFront(e.lruElem)

	if page == 0 {
		result := &Result{Value: e.value}
		if items, ok := asList(e.value); ok {
			result.TotalItems = len(items)
		}
		return result, nil
	}

	items, ok := asList(e.value)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotPageable, refID)
	}
	if pageSize == 0 {
		pageSize = DefaultPageSize
	}
	if page < 1 || pageSize < 1 {
		return nil, fmt.Errorf("%w: page and page_size must be >= 1", ErrInvalidPage)
	}

	start := (page - 1) * pageSize
	if start >= len(items) {
		return nil, fmt.Errorf("%w: page %d out of range", ErrInvalidPage, page)
	}
	end := start + pageSize
	if end > len(items) {
		end = len(items)
	}

	return &Result{
		Value:      items[start:end],
		Page:       page,
		PageSize:   pageSize,
		TotalItems: len(items),
		TotalPages: pageCount(len(items), pageSize),
	}, nil
}

// Resolve returns the raw value for internal computation. Requires only
// execute permission; the caller must not surface the value.
func (c *Cache) Resolve(refID string, actor Actor) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, err := c.lookup(refID)
	if err != nil {
		return nil, err
	}
	perm := c.effectivePolicy(e.namespace, e.policy).For(actor)
	if !perm.CanExecute() {
		return nil, fmt.Errorf("%w: %s may not use %s", ErrPermissionDenied, actor, refID)
	}
	c.lru.MoveToFront(e.lruElem)
	return e.value, nil
}

// Delete removes an entry. Requires write permission.
func (c *Cache) Delete(refID string, actor Actor) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, err := c.lookup(refID)
	if err != nil {
		return err
	}
	perm := c.effectivePolicy(e.namespace, e.policy).For(actor)
	if !perm.CanWrite() {
		return fmt.Errorf("%w: %s may not delete %s", ErrPermissionDenied, actor, refID)
	}
	c.remove(e)
	return nil
}

// PurgeNamespace drops every entry in a namespace and below, returning
// the number removed.
func (c *Cache) PurgeNamespace(namespace string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, e := range c.entries {
		if e.namespace == namespace || len(e.namespace) > len(namespace) &&
			e.namespace[:len(namespace)+1] == namespace+"/" {
			c.remove(e)
			removed++
		}
	}
	return removed
}

// Stats returns current counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Entries: len(c.entries), Hits: c.hits, Misses: c.misses}
}

// lookup finds a live entry, expiring it lazily. Caller holds c.mu.
func (c *Cache) lookup(refID string) (*entry, error) {
	e, ok := c.entries[refID]
	if ok && time.Now().After(e.expiresAt) {
		c.remove(e)
		ok = false
	}
	if !ok {
		c.misses++
		return nil, fmt.Errorf("%w: %s", ErrNotFound, refID)
	}
	c.hits++
	return e, nil
}

// effectivePolicy applies the entry override over the namespace chain.
func (c *Cache) effectivePolicy(namespace string, override *Policy) Policy {
	if override != nil {
		return *override
	}
	return c.policyFor(namespace)
}

// assignRefID derives the ref_id from the content hash, extending the
// prefix past collisions with different content. Caller holds c.mu.
func (c *Cache) assignRefID(namespace, hash string) (string, *entry) {
	for _, n := range []int{hashPrefixMin, hashPrefixMin + 2, hashPrefixMax, len(hash)} {
		refID := namespace + ":" + hash[:n]
		existing, ok := c.entries[refID]
		if !ok {
			return refID, nil
		}
		if existing.hash == hash {
			return refID, existing
		}
	}
	return namespace + ":" + hash, nil
}

func (c *Cache) buildReference(e *entry) *Reference {
	preview, totalItems, totalPages := buildPreview(e.value, e.strategy, c.config.PreviewBudget)
	ref := &Reference{
		RefID:           e.refID,
		Preview:         preview,
		PreviewStrategy: string(e.strategy),
		TotalItems:      totalItems,
		TotalPages:      totalPages,
	}
	if e.strategy == StrategyPaginate && totalItems > 0 {
		ref.Page = 1
	}
	return ref
}

// evictOverCapacity drops least-recently-used entries. Caller holds c.mu.
func (c *Cache) evictOverCapacity() {
	for len(c.entries) > c.config.Capacity {
		back := c.lru.Back()
		if back == nil {
			return
		}
		e := back.Value.(*entry)
		c.remove(e)
		c.logger.Debug("cache entry evicted",
			zap.String("ref_id", e.refID),
			zap.String("namespace", e.namespace),
		)
	}
}

// remove deletes an entry from both structures. Caller holds c.mu.
func (c *Cache) remove(e *entry) {
	delete(c.entries, e.refID)
	c.lru.Remove(e.lruElem)
}

// contentHash is the sha256 of the canonical JSON encoding.
func contentHash(value any) (string, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("hashing value: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
