package vectorstore

import (
	"fmt"
	"sort"
)

// Filter is a conjunction of scalar equality predicates.
//
// The serialised shape is backend-visible and load-bearing: a single
// predicate is emitted bare, two or more predicates are wrapped in an
// explicit $and node. Some backends treat an unwrapped multi-predicate
// object as a disjunction, which in a tenant-scoped store means leakage.
// Expr always normalises before serialisation.
type Filter struct {
	keys  []string
	preds map[string]any
}

// NewFilter creates an empty filter.
func NewFilter() *Filter {
	return &Filter{preds: make(map[string]any)}
}

// Eq adds an equality predicate. Re-adding a key overwrites its value and
// keeps the original position.
func (f *Filter) Eq(key string, value any) *Filter {
	if _, exists := f.preds[key]; !exists {
		f.keys = append(f.keys, key)
	}
	f.preds[key] = value
	return f
}

// Get returns the value of a predicate by key.
func (f *Filter) Get(key string) (any, bool) {
	if f == nil {
		return nil, false
	}
	v, ok := f.preds[key]
	return v, ok
}

// Len returns the number of predicates.
func (f *Filter) Len() int {
	if f == nil {
		return 0
	}
	return len(f.preds)
}

// Keys returns predicate keys in insertion order.
func (f *Filter) Keys() []string {
	if f == nil {
		return nil
	}
	out := make([]string, len(f.keys))
	copy(out, f.keys)
	return out
}

// Expr returns the normalised filter expression:
//
//	n = 0: nil
//	n = 1: {"key": {"$eq": value}}
//	n ≥ 2: {"$and": [{"k1": {"$eq": v1}}, {"k2": {"$eq": v2}}, ...]}
//
// Conditions inside $and preserve insertion order, so tenant_id stays first
// when the caller adds it first.
func (f *Filter) Expr() map[string]any {
	if f == nil || len(f.preds) == 0 {
		return nil
	}
	conditions := make([]map[string]any, 0, len(f.keys))
	for _, k := range f.keys {
		conditions = append(conditions, map[string]any{k: map[string]any{"$eq": f.preds[k]}})
	}
	if len(conditions) == 1 {
		return conditions[0]
	}
	return map[string]any{"$and": conditions}
}

// Equalities returns the predicates as a flat key to string-value map, for
// backends whose native filter is an implicit-AND equality map. Values are
// stringified the same way chunk metadata is stringified on write.
func (f *Filter) Equalities() map[string]string {
	if f == nil || len(f.preds) == 0 {
		return nil
	}
	out := make(map[string]string, len(f.preds))
	for k, v := range f.preds {
		out[k] = metadataValueString(v)
	}
	return out
}

// String renders a stable human-readable form for logs and tests.
func (f *Filter) String() string {
	if f == nil || len(f.preds) == 0 {
		return "{}"
	}
	keys := make([]string, len(f.keys))
	copy(keys, f.keys)
	sort.Strings(keys)
	s := "{"
	for i, k := range keys {
		if i > 0 {
			s += ", "
		}
		s += fmt.Sprintf("%s=%v", k, f.preds[k])
	}
	return s + "}"
}

// metadataValueString converts a metadata value to its stored string form.
// Scalars are formatted directly; any other value falls back to %v.
func metadataValueString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case bool:
		if val {
			return "true"
		}
		return "false"
	case int:
		return fmt.Sprintf("%d", val)
	case int64:
		return fmt.Sprintf("%d", val)
	case float64:
		return fmt.Sprintf("%g", val)
	case float32:
		return fmt.Sprintf("%g", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}
