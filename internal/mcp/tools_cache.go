package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/legalmcp/internal/refcache"
)

type getCachedResultInput struct {
	RefID    string `json:"ref_id" validate:"required" jsonschema:"Reference id returned by a previous tool call."`
	Page     int    `json:"page,omitempty" validate:"gte=0" jsonschema:"Page number starting at 1; 0 returns the full value."`
	PageSize int    `json:"page_size,omitempty" validate:"gte=0,lte=200" jsonschema:"Items per page, at most 200 (default 20)."`
	MaxSize  int    `json:"max_size,omitempty" validate:"gte=0" jsonschema:"Reject values whose JSON form exceeds this many bytes; use pagination instead."`
}

type getCachedResultOutput struct {
	Value      any `json:"value"`
	Page       int `json:"page,omitempty"`
	PageSize   int `json:"page_size,omitempty"`
	TotalItems int `json:"total_items,omitempty"`
	TotalPages int `json:"total_pages,omitempty"`
}

type storeSecretInput struct {
	Value string `json:"value" validate:"required" jsonschema:"Secret value to store. It can feed computations but is never returned."`
}

type storeSecretOutput struct {
	RefID string `json:"ref_id"`
}

type computeWithSecretInput struct {
	SecretRef  string  `json:"secret_ref" validate:"required" jsonschema:"Reference id from store_secret."`
	Multiplier float64 `json:"multiplier" validate:"required" jsonschema:"Factor the numeric secret is multiplied by."`
}

type computeWithSecretOutput struct {
	Result float64 `json:"result"`
}

type healthCheckInput struct{}

type healthCheckOutput struct {
	Status         string   `json:"status"`
	EmbeddingModel string   `json:"embedding_model"`
	Dimension      int      `json:"dimension"`
	Collections    []string `json:"collections"`
	CatalogSources []string `json:"catalog_sources,omitempty"`
	CacheEntries   int      `json:"cache_entries"`
}

type cacheStatsOutput struct {
	Entries int    `json:"entries"`
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
}

type purgeNamespaceInput struct {
	Namespace string `json:"namespace" validate:"required" jsonschema:"Namespace whose entries are dropped, including children."`
}

type purgeNamespaceOutput struct {
	Removed int `json:"removed"`
}

func (s *Server) registerCacheTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "get_cached_result",
		Description: "Retrieve a cached tool result by reference id, optionally one page of a list-shaped value.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args getCachedResultInput) (*mcp.CallToolResult, *getCachedResultOutput, error) {
		done := s.metrics.StartInvocation(ctx, "get_cached_result")
		out, err := s.handleGetCachedResult(ctx, args)
		done(err)
		if err != nil {
			return nil, nil, err
		}
		return textResult("cache hit"), out, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "store_secret",
		Description: "Store a secret value. The returned reference can feed compute_with_secret; the raw value is never readable by the agent.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args storeSecretInput) (*mcp.CallToolResult, *storeSecretOutput, error) {
		done := s.metrics.StartInvocation(ctx, "store_secret")
		out, err := s.handleStoreSecret(ctx, args)
		done(err)
		if err != nil {
			return nil, nil, err
		}
		return textResult("secret stored"), out, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "compute_with_secret",
		Description: "Multiply a stored numeric secret by a factor. The secret resolves internally; only the product is returned.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args computeWithSecretInput) (*mcp.CallToolResult, *computeWithSecretOutput, error) {
		done := s.metrics.StartInvocation(ctx, "compute_with_secret")
		out, err := s.handleComputeWithSecret(ctx, args)
		done(err)
		if err != nil {
			return nil, nil, err
		}
		return textResult(fmt.Sprintf("%g", out.Result)), out, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "health_check",
		Description: "Report service health: embedding model, store collections, catalog sources, and cache size.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args healthCheckInput) (*mcp.CallToolResult, *healthCheckOutput, error) {
		done := s.metrics.StartInvocation(ctx, "health_check")
		out, err := s.handleHealthCheck(ctx)
		done(err)
		if err != nil {
			return nil, nil, err
		}
		return textResult(out.Status), out, nil
	})

	if !s.config.AdminEnabled {
		return
	}

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "admin_cache_stats",
		Description: "Cache entry count and hit/miss counters.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args healthCheckInput) (*mcp.CallToolResult, *cacheStatsOutput, error) {
		stats := s.cache.Stats()
		out := &cacheStatsOutput{Entries: stats.Entries, Hits: stats.Hits, Misses: stats.Misses}
		return textResult(fmt.Sprintf("%d entries", out.Entries)), out, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "admin_purge_namespace",
		Description: "Drop every cache entry in a namespace and its children.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args purgeNamespaceInput) (*mcp.CallToolResult, *purgeNamespaceOutput, error) {
		if err := s.validateInput(args); err != nil {
			return nil, nil, err
		}
		removed := s.cache.PurgeNamespace(args.Namespace)
		s.logger.Info("cache namespace purged",
			zap.String("namespace", args.Namespace),
			zap.Int("removed", removed),
		)
		return textResult(fmt.Sprintf("%d entries removed", removed)), &purgeNamespaceOutput{Removed: removed}, nil
	})
}

func (s *Server) handleGetCachedResult(_ context.Context, args getCachedResultInput) (*getCachedResultOutput, error) {
	if err := s.validateInput(args); err != nil {
		return nil, err
	}
	result, err := s.cache.Get(args.RefID, refcache.ActorAgent, args.Page, args.PageSize)
	if err != nil {
		return nil, err
	}
	if args.MaxSize > 0 {
		encoded, err := json.Marshal(result.Value)
		if err != nil {
			return nil, fmt.Errorf("encoding cached value: %w", err)
		}
		if len(encoded) > args.MaxSize {
			return nil, fmt.Errorf("cached value is %d bytes, above max_size %d; request pages instead", len(encoded), args.MaxSize)
		}
	}
	return &getCachedResultOutput{
		Value:      result.Value,
		Page:       result.Page,
		PageSize:   result.PageSize,
		TotalItems: result.TotalItems,
		TotalPages: result.TotalPages,
	}, nil
}

func (s *Server) handleStoreSecret(_ context.Context, args storeSecretInput) (*storeSecretOutput, error) {
	if err := s.validateInput(args); err != nil {
		return nil, err
	}
	ref, err := s.cache.Set(secretsNamespace, refcache.ActorUser, args.Value, refcache.SetOptions{})
	if err != nil {
		return nil, fmt.Errorf("storing secret: %w", err)
	}
	// Only the ref id leaves this handler; the envelope preview would
	// expose the value.
	return &storeSecretOutput{RefID: ref.RefID}, nil
}

func (s *Server) handleComputeWithSecret(_ context.Context, args computeWithSecretInput) (*computeWithSecretOutput, error) {
	if err := s.validateInput(args); err != nil {
		return nil, err
	}
	value, err := s.cache.Resolve(args.SecretRef, refcache.ActorAgent)
	if err != nil {
		return nil, err
	}
	number, err := asNumber(value)
	if err != nil {
		return nil, err
	}
	return &computeWithSecretOutput{Result: number * args.Multiplier}, nil
}

func (s *Server) handleHealthCheck(ctx context.Context) (*healthCheckOutput, error) {
	out := &healthCheckOutput{
		Status:         "ok",
		EmbeddingModel: s.embedder.ModelID(),
		Dimension:      s.embedder.Dimension(),
		CacheEntries:   s.cache.Stats().Entries,
	}
	collections, err := s.store.ListCollections(ctx)
	if err != nil {
		out.Status = "degraded"
	} else {
		out.Collections = collections
	}
	if s.catalogs != nil {
		out.CatalogSources = s.catalogs.ListSources()
	}
	return out, nil
}

// asNumber coerces a stored secret to a float for computation. Values
// stay internal either way.
func asNumber(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case string:
		var parsed float64
		if _, err := fmt.Sscanf(v, "%g", &parsed); err != nil {
			return 0, fmt.Errorf("stored secret is not numeric")
		}
		return parsed, nil
	default:
		return 0, fmt.Errorf("stored secret is not numeric")
	}
}
