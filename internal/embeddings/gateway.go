package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// GatewayConfig holds configuration for the HTTP embedding gateway.
type GatewayConfig struct {
	// Endpoints is the ordered list of embedding server base URLs.
	Endpoints []string

	// Model is the embedding model id, recorded per chunk.
	Model string

	// RequestTimeout bounds a single HTTP request. Default: 30s.
	RequestTimeout time.Duration

	// MaxBatchSize is the per-request input cap. Default: 64.
	MaxBatchSize int

	// MaxConcurrentBatches bounds parallel sub-batch requests. Default: 4.
	MaxConcurrentBatches int

	// MaxRetries is the number of full passes over the endpoint ring before
	// giving up. Default: 3.
	MaxRetries int

	// UnhealthyCooldown keeps a failed endpoint out of rotation. Default: 30s.
	UnhealthyCooldown time.Duration
}

// ConfigFromEnv builds a GatewayConfig from the environment.
// EMBEDDING_ENDPOINTS is a comma-separated URL list; EMBEDDING_MODEL
// defaults to BAAI/bge-small-en-v1.5.
func ConfigFromEnv() GatewayConfig {
	var endpoints []string
	for _, raw := range strings.Split(os.Getenv("EMBEDDING_ENDPOINTS"), ",") {
		if url := strings.TrimSpace(raw); url != "" {
			endpoints = append(endpoints, strings.TrimRight(url, "/"))
		}
	}

	model := os.Getenv("EMBEDDING_MODEL")
	if model == "" {
		model = "BAAI/bge-small-en-v1.5"
	}

	return GatewayConfig{
		Endpoints: endpoints,
		Model:     model,
	}
}

// ApplyDefaults sets default values for unset fields.
func (c *GatewayConfig) ApplyDefaults() {
	if c.Model == "" {
		c.Model = "BAAI/bge-small-en-v1.5"
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.MaxBatchSize == 0 {
		c.MaxBatchSize = 64
	}
	if c.MaxConcurrentBatches == 0 {
		c.MaxConcurrentBatches = 4
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.UnhealthyCooldown == 0 {
		c.UnhealthyCooldown = 30 * time.Second
	}
}

// Validate validates the configuration.
func (c GatewayConfig) Validate() error {
	if len(c.Endpoints) == 0 {
		return fmt.Errorf("%w: at least one endpoint required", ErrInvalidConfig)
	}
	if c.MaxBatchSize < 1 {
		return fmt.Errorf("%w: max batch size must be >= 1", ErrInvalidConfig)
	}
	return nil
}

// Gateway fans embedding requests out over a pool of HTTP replicas with
// round-robin selection and failover. The endpoint health table is the only
// shared mutable state, guarded by a short critical section.
type Gateway struct {
	config  GatewayConfig
	client  *http.Client
	logger  *zap.Logger
	metrics *Metrics

	mu             sync.Mutex
	cursor         int
	unhealthyUntil map[string]time.Time
}

// NewGateway creates a gateway over the configured endpoint pool.
func NewGateway(config GatewayConfig, logger *zap.Logger) (*Gateway, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &Gateway{
		config:         config,
		client:         &http.Client{Timeout: config.RequestTimeout},
		logger:         logger,
		metrics:        NewMetrics(logger),
		unhealthyUntil: make(map[string]time.Time),
	}, nil
}

// ModelID returns the configured model id.
func (g *Gateway) ModelID() string { return g.config.Model }

// Dimension returns the output vector dimension of the configured model.
func (g *Gateway) Dimension() int { return DimensionForModel(g.config.Model) }

// teiRequest is the request body for the embed endpoint.
type teiRequest struct {
	Inputs   interface{} `json:"inputs"`
	Truncate bool        `json:"truncate"`
}

// nextEndpoint returns the next healthy endpoint in round-robin order.
func (g *Gateway) nextEndpoint() (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	for i := 0; i < len(g.config.Endpoints); i++ {
		ep := g.config.Endpoints[g.cursor]
		g.cursor = (g.cursor + 1) % len(g.config.Endpoints)
		if until, cooling := g.unhealthyUntil[ep]; cooling && now.Before(until) {
			continue
		}
		return ep, true
	}
	return "", false
}

func (g *Gateway) markUnhealthy(endpoint string) {
	g.mu.Lock()
	g.unhealthyUntil[endpoint] = time.Now().Add(g.config.UnhealthyCooldown)
	g.mu.Unlock()
}

func (g *Gateway) markHealthy(endpoint string) {
	g.mu.Lock()
	delete(g.unhealthyUntil, endpoint)
	g.mu.Unlock()
}

// embedOnce performs one HTTP request against one endpoint.
func (g *Gateway) embedOnce(ctx context.Context, endpoint string, inputs interface{}) ([][]float32, error) {
	body, err := json.Marshal(teiRequest{Inputs: inputs, Truncate: true})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, &transientError{err: fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("%w: status %d: %s", ErrEmbeddingFailed, resp.StatusCode, string(respBody))
		if resp.StatusCode >= 500 {
			return nil, &transientError{err: err}
		}
		return nil, err
	}

	var vectors [][]float32
	if err := json.NewDecoder(resp.Body).Decode(&vectors); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return vectors, nil
}

// transientError marks failures worth a failover or retry.
type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// embedWithFailover runs one logical batch, rotating endpoints on transient
// failures and backing off between full passes over the ring.
func (g *Gateway) embedWithFailover(ctx context.Context, inputs interface{}) ([][]float32, error) {
	ringSize := len(g.config.Endpoints)
	maxAttempts := g.config.MaxRetries * ringSize

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		endpoint, ok := g.nextEndpoint()
		if !ok {
			// Whole ring is cooling down. Wait out a backoff window and
			// retry the ring from scratch.
			if err := g.backoff(ctx, attempt/ringSize); err != nil {
				return nil, err
			}
			g.mu.Lock()
			g.unhealthyUntil = make(map[string]time.Time)
			g.mu.Unlock()
			continue
		}

		vectors, err := g.embedOnce(ctx, endpoint, inputs)
		if err == nil {
			g.markHealthy(endpoint)
			return vectors, nil
		}
		lastErr = err

		var transient *transientError
		if !errors.As(err, &transient) {
			return nil, err
		}

		g.markUnhealthy(endpoint)
		g.metrics.RecordFailover(ctx, endpoint)
		g.logger.Warn("embedding endpoint failed, trying next",
			zap.String("endpoint", endpoint),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}

	if lastErr == nil {
		lastErr = ErrEmbeddingUnavailable
	}
	return nil, fmt.Errorf("%w: %v", ErrEmbeddingUnavailable, lastErr)
}

// backoff sleeps for an exponential window with jitter, honoring ctx.
func (g *Gateway) backoff(ctx context.Context, round int) error {
	if round > 6 {
		round = 6
	}
	base := 500 * time.Millisecond * (1 << round)
	jitter := time.Duration(rand.Int63n(int64(base) / 2))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(base + jitter):
		return nil
	}
}

// EmbedDocuments generates embeddings for multiple texts, splitting the
// input into sub-batches and preserving input order.
func (g *Gateway) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	start := time.Now()
	var genErr error
	defer func() {
		g.metrics.RecordGeneration(ctx, g.config.Model, "embed_documents", time.Since(start), len(texts), genErr)
	}()

	if len(texts) == 0 {
		genErr = fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
		return nil, genErr
	}

	batchSize := g.config.MaxBatchSize
	type batch struct {
		offset int
		texts  []string
	}
	var batches []batch
	for off := 0; off < len(texts); off += batchSize {
		end := off + batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batches = append(batches, batch{offset: off, texts: texts[off:end]})
	}

	out := make([][]float32, len(texts))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(g.config.MaxConcurrentBatches)
	for _, b := range batches {
		eg.Go(func() error {
			vectors, err := g.embedWithFailover(egCtx, b.texts)
			if err != nil {
				return err
			}
			if len(vectors) != len(b.texts) {
				return fmt.Errorf("%w: got %d vectors for %d texts", ErrEmbeddingFailed, len(vectors), len(b.texts))
			}
			copy(out[b.offset:], vectors)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		genErr = err
		return nil, err
	}
	return out, nil
}

// EmbedQuery generates an embedding for a single query.
func (g *Gateway) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	start := time.Now()
	var genErr error
	defer func() {
		g.metrics.RecordGeneration(ctx, g.config.Model, "embed_query", time.Since(start), 1, genErr)
	}()

	if text == "" {
		genErr = fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
		return nil, genErr
	}

	vectors, err := g.embedWithFailover(ctx, text)
	if err != nil {
		genErr = err
		return nil, err
	}
	if len(vectors) == 0 {
		genErr = fmt.Errorf("%w: empty response", ErrEmbeddingFailed)
		return nil, genErr
	}
	return vectors[0], nil
}
