package refcache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestCache(t *testing.T, cfg Config) *Cache {
	t.Helper()
	return NewCache(cfg, zap.NewNop())
}

func listOf(n int) []any {
	items := make([]any, n)
	for i := range items {
		items[i] = fmt.Sprintf("item-%03d", i)
	}
	return items
}

func TestSetGetRoundTrip(t *testing.T) {
	cache := newTestCache(t, Config{})

	ref, err := cache.Set("public", ActorAgent, "ein langer Text", SetOptions{})
	require.NoError(t, err)
	assert.Contains(t, ref.RefID, "public:")
	assert.Equal(t, string(StrategyTruncate), ref.PreviewStrategy)

	result, err := cache.Get(ref.RefID, ActorAgent, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "ein langer Text", result.Value)
}

func TestContentAddressedRefIDs(t *testing.T) {
	cache := newTestCache(t, Config{})

	first, err := cache.Set("public", ActorAgent, "same value", SetOptions{})
	require.NoError(t, err)
	second, err := cache.Set("public", ActorAgent, "same value", SetOptions{})
	require.NoError(t, err)
	assert.Equal(t, first.RefID, second.RefID)

	other, err := cache.Set("public", ActorAgent, "different value", SetOptions{})
	require.NoError(t, err)
	assert.NotEqual(t, first.RefID, other.RefID)

	assert.Equal(t, 2, cache.Stats().Entries)
}

func TestSamplePreviewAndPagination(t *testing.T) {
	cache := newTestCache(t, Config{})

	items := listOf(100)
	ref, err := cache.Set("public", ActorAgent, items, SetOptions{Strategy: StrategySample})
	require.NoError(t, err)
	assert.Equal(t, "sample", ref.PreviewStrategy)
	assert.Equal(t, 100, ref.TotalItems)

	preview, ok := ref.Preview.([]any)
	require.True(t, ok)
	assert.NotEmpty(t, preview)
	assert.Less(t, len(preview), 100)
	assert.Equal(t, "item-000", preview[0])

	// Page 2 with page size 20 returns items 20..39 in original order.
	result, err := cache.Get(ref.RefID, ActorAgent, 2, 20)
	require.NoError(t, err)
	page, ok := result.Value.([]any)
	require.True(t, ok)
	require.Len(t, page, 20)
	assert.Equal(t, "item-020", page[0])
	assert.Equal(t, "item-039", page[19])
	assert.Equal(t, 100, result.TotalItems)
	assert.Equal(t, 5, result.TotalPages)
}

func TestPaginateStrategyPreviewIsPageOne(t *testing.T) {
	cache := newTestCache(t, Config{})

	ref, err := cache.Set("public", ActorAgent, listOf(50), SetOptions{Strategy: StrategyPaginate})
	require.NoError(t, err)
	assert.Equal(t, 1, ref.Page)
	assert.Equal(t, 50, ref.TotalItems)
	assert.Equal(t, 3, ref.TotalPages)

	preview := ref.Preview.([]any)
	assert.Len(t, preview, DefaultPageSize)
	assert.Equal(t, "item-000", preview[0])
}

func TestGetPageOutOfRange(t *testing.T) {
	cache := newTestCache(t, Config{})
	ref, err := cache.Set("public", ActorAgent, listOf(10), SetOptions{})
	require.NoError(t, err)

	_, err = cache.Get(ref.RefID, ActorAgent, 3, 20)
	assert.ErrorIs(t, err, ErrInvalidPage)

	_, err = cache.Get(ref.RefID, ActorAgent, -1, 20)
	assert.ErrorIs(t, err, ErrInvalidPage)
}

func TestGetNonListNotPageable(t *testing.T) {
	cache := newTestCache(t, Config{})
	ref, err := cache.Set("public", ActorAgent, "text", SetOptions{})
	require.NoError(t, err)

	_, err = cache.Get(ref.RefID, ActorAgent, 2, 10)
	assert.ErrorIs(t, err, ErrNotPageable)
}

func TestTruncatePreviewRuneBoundary(t *testing.T) {
	cache := newTestCache(t, Config{PreviewBudget: 5})

	ref, err := cache.Set("public", ActorAgent, "üüüüüüüüüü", SetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "üüüüü", ref.Preview)
}

func TestExecuteWithoutRead(t *testing.T) {
	cache := newTestCache(t, Config{})
	require.NoError(t, cache.SetPolicy("secrets", Policy{
		UserPerms:  PermFull,
		AgentPerms: PermExecute,
	}))

	ref, err := cache.Set("secrets", ActorUser, "hunter2", SetOptions{})
	require.NoError(t, err)

	// The agent may resolve the value internally but never read it back.
	value, err := cache.Resolve(ref.RefID, ActorAgent)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", value)

	_, err = cache.Get(ref.RefID, ActorAgent, 0, 0)
	assert.ErrorIs(t, err, ErrPermissionDenied)

	// The user retains full read access.
	result, err := cache.Get(ref.RefID, ActorUser, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", result.Value)
}

func TestWritePermissionEnforced(t *testing.T) {
	cache := newTestCache(t, Config{})
	require.NoError(t, cache.SetPolicy("readonly", Policy{
		UserPerms:  PermRead,
		AgentPerms: PermRead,
	}))

	_, err := cache.Set("readonly", ActorAgent, "x", SetOptions{})
	assert.ErrorIs(t, err, ErrPermissionDenied)
}

func TestNonePermissionBlocksEverything(t *testing.T) {
	cache := newTestCache(t, Config{})
	ref, err := cache.Set("public", ActorUser, "v", SetOptions{
		Policy: &Policy{UserPerms: PermFull, AgentPerms: PermNone},
	})
	require.NoError(t, err)

	_, err = cache.Get(ref.RefID, ActorAgent, 0, 0)
	assert.ErrorIs(t, err, ErrPermissionDenied)
	_, err = cache.Resolve(ref.RefID, ActorAgent)
	assert.ErrorIs(t, err, ErrPermissionDenied)
	err = cache.Delete(ref.RefID, ActorAgent)
	assert.ErrorIs(t, err, ErrPermissionDenied)
}

func TestNamespaceInheritance(t *testing.T) {
	cache := newTestCache(t, Config{})
	require.NoError(t, cache.SetPolicy("user:alice", Policy{
		UserPerms:  PermFull,
		AgentPerms: PermExecute,
	}))

	// The child namespace inherits the parent policy.
	ref, err := cache.Set("user:alice/session:abc", ActorUser, "private", SetOptions{})
	require.NoError(t, err)
	_, err = cache.Get(ref.RefID, ActorAgent, 0, 0)
	assert.ErrorIs(t, err, ErrPermissionDenied)

	// An explicit child policy overrides the ancestor.
	require.NoError(t, cache.SetPolicy("user:alice/session:abc", Policy{
		UserPerms:  PermFull,
		AgentPerms: PermFull,
	}))
	_, err = cache.Get(ref.RefID, ActorAgent, 0, 0)
	assert.NoError(t, err)
}

func TestTTLExpiry(t *testing.T) {
	cache := newTestCache(t, Config{})

	ref, err := cache.Set("public", ActorAgent, "short-lived", SetOptions{TTL: time.Millisecond})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	_, err = cache.Get(ref.RefID, ActorAgent, 0, 0)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, cache.Stats().Entries)
}

func TestLRUEviction(t *testing.T) {
	cache := newTestCache(t, Config{Capacity: 3})

	var refs []string
	for i := 0; i < 4; i++ {
		ref, err := cache.Set("public", ActorAgent, fmt.Sprintf("value-%d", i), SetOptions{})
		require.NoError(t, err)
		refs = append(refs, ref.RefID)
	}

	assert.Equal(t, 3, cache.Stats().Entries)
	_, err := cache.Get(refs[0], ActorAgent, 0, 0)
	assert.ErrorIs(t, err, ErrNotFound, "oldest entry evicted")
	_, err = cache.Get(refs[3], ActorAgent, 0, 0)
	assert.NoError(t, err)
}

func TestDeleteAndPurge(t *testing.T) {
	cache := newTestCache(t, Config{})

	ref, err := cache.Set("user:alice/session:abc", ActorUser, "a", SetOptions{})
	require.NoError(t, err)
	_, err = cache.Set("user:alice", ActorUser, "b", SetOptions{})
	require.NoError(t, err)
	_, err = cache.Set("user:bob", ActorUser, "c", SetOptions{})
	require.NoError(t, err)

	require.NoError(t, cache.Delete(ref.RefID, ActorUser))
	assert.Equal(t, 2, cache.Stats().Entries)

	removed := cache.PurgeNamespace("user:alice")
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, cache.Stats().Entries)
}

func TestStatsCounters(t *testing.T) {
	cache := newTestCache(t, Config{})
	ref, err := cache.Set("public", ActorAgent, "v", SetOptions{})
	require.NoError(t, err)

	_, _ = cache.Get(ref.RefID, ActorAgent, 0, 0)
	_, _ = cache.Get("public:deadbeef", ActorAgent, 0, 0)

	stats := cache.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
}

func TestSummaryOnEnvelope(t *testing.T) {
	cache := newTestCache(t, Config{})

	ref, err := cache.Set("public", ActorAgent, listOf(5), SetOptions{
		Summary: map[string]any{"documents_processed": 5},
	})
	require.NoError(t, err)
	assert.Equal(t, 5, ref.Summary["documents_processed"])
}
