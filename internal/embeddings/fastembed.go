package embeddings

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	fastembed "github.com/anush008/fastembed-go"
)

// FastEmbedConfig holds configuration for the in-process fallback provider.
type FastEmbedConfig struct {
	// Model is the embedding model to use.
	// Supported: BAAI/bge-small-en-v1.5 (default), BAAI/bge-base-en-v1.5,
	// sentence-transformers/all-MiniLM-L6-v2, etc.
	Model string

	// CacheDir is the directory to cache model files.
	// Defaults to ~/.cache/legalmcp/models
	CacheDir string

	// MaxLength is the maximum input sequence length. Defaults to 512.
	MaxLength int

	// IdleTimeout releases the model after this much inactivity; it is
	// applied by SharedFastEmbed's idle reaper. Zero means 10 minutes; a
	// negative value keeps the model loaded.
	IdleTimeout time.Duration
}

// modelMapping maps friendly model names to fastembed model constants.
var modelMapping = map[string]fastembed.EmbeddingModel{
	"BAAI/bge-small-en-v1.5":                 fastembed.BGESmallENV15,
	"BAAI/bge-small-en":                      fastembed.BGESmallEN,
	"BAAI/bge-base-en-v1.5":                  fastembed.BGEBaseENV15,
	"BAAI/bge-base-en":                       fastembed.BGEBaseEN,
	"BAAI/bge-small-zh-v1.5":                 fastembed.BGESmallZH,
	"sentence-transformers/all-MiniLM-L6-v2": fastembed.AllMiniLML6V2,
}

// fastembedDimensions maps fastembed models to their embedding dimensions.
var fastembedDimensions = map[fastembed.EmbeddingModel]int{
	fastembed.BGESmallENV15: 384,
	fastembed.BGESmallEN:    384,
	fastembed.BGEBaseENV15:  768,
	fastembed.BGEBaseEN:     768,
	fastembed.BGESmallZH:    512,
	fastembed.AllMiniLML6V2: 384,
}

// resolveModel maps a model name to its fastembed constant and dimension.
func resolveModel(name string) (fastembed.EmbeddingModel, int, error) {
	model, ok := modelMapping[name]
	if !ok {
		model = fastembed.EmbeddingModel(name)
		if _, known := fastembedDimensions[model]; !known {
			return "", 0, fmt.Errorf("%w: unsupported model %q", ErrInvalidConfig, name)
		}
	}
	return model, fastembedDimensions[model], nil
}

// FastEmbedProvider generates embeddings with a local ONNX model.
// The underlying model is large; use SharedFastEmbed to hold a process-wide
// singleton instead of constructing providers per caller.
type FastEmbedProvider struct {
	modelName string
	dimension int

	mu       sync.RWMutex
	model    *fastembed.FlagEmbedding
	config   FastEmbedConfig
	lastUsed time.Time
}

// NewFastEmbedProvider creates a provider and loads the model eagerly.
func NewFastEmbedProvider(cfg FastEmbedConfig) (*FastEmbedProvider, error) {
	_, dimension, err := resolveModel(modelOrDefault(cfg.Model))
	if err != nil {
		return nil, err
	}
	cfg.Model = modelOrDefault(cfg.Model)

	p := &FastEmbedProvider{
		modelName: cfg.Model,
		dimension: dimension,
		config:    cfg,
	}
	if err := p.load(); err != nil {
		return nil, err
	}
	return p, nil
}

func modelOrDefault(model string) string {
	if model == "" {
		return "BAAI/bge-small-en-v1.5"
	}
	return model
}

// load initialises the ONNX model. Caller must not hold p.mu.
func (p *FastEmbedProvider) load() error {
	model, _, err := resolveModel(p.modelName)
	if err != nil {
		return err
	}

	cacheDir := p.config.CacheDir
	if cacheDir == "" {
		cacheDir = filepath.Join(".cache", "legalmcp", "models")
		if home, err := os.UserHomeDir(); err == nil {
			cacheDir = filepath.Join(home, cacheDir)
		}
	}
	maxLength := p.config.MaxLength
	if maxLength == 0 {
		maxLength = 512
	}
	showProgress := false

	flagEmbed, err := fastembed.NewFlagEmbedding(&fastembed.InitOptions{
		Model:                model,
		CacheDir:             cacheDir,
		MaxLength:            maxLength,
		ShowDownloadProgress: &showProgress,
	})
	if err != nil {
		return fmt.Errorf("initializing fastembed: %w", err)
	}

	p.mu.Lock()
	p.model = flagEmbed
	p.lastUsed = time.Now()
	p.mu.Unlock()
	return nil
}

// ensureLoaded reloads the model if the idle reaper released it.
func (p *FastEmbedProvider) ensureLoaded() error {
	p.mu.RLock()
	loaded := p.model != nil
	p.mu.RUnlock()
	if loaded {
		return nil
	}
	return p.load()
}

// ModelID returns the model name.
func (p *FastEmbedProvider) ModelID() string { return p.modelName }

// Dimension returns the embedding dimension for the current model.
func (p *FastEmbedProvider) Dimension() int { return p.dimension }

// EmbedDocuments generates embeddings for multiple texts.
// Uses the "passage: " prefix as recommended for BGE models.
func (p *FastEmbedProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := p.ensureLoaded(); err != nil {
		return nil, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	p.lastUsed = time.Now()

	embeddings, err := p.model.PassageEmbed(texts, 256)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	return embeddings, nil
}

// EmbedQuery generates an embedding for a single query.
// Uses the "query: " prefix as recommended for BGE models.
func (p *FastEmbedProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := p.ensureLoaded(); err != nil {
		return nil, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	p.lastUsed = time.Now()

	embedding, err := p.model.QueryEmbed(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	return embedding, nil
}

// releaseIfIdle destroys the model when it has been unused past the idle
// timeout. Returns true when released.
func (p *FastEmbedProvider) releaseIfIdle(timeout time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.model == nil || time.Since(p.lastUsed) < timeout {
		return false
	}
	_ = p.model.Destroy()
	p.model = nil
	return true
}

// Close releases the model.
func (p *FastEmbedProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.model != nil {
		err := p.model.Destroy()
		p.model = nil
		return err
	}
	return nil
}

// Process-wide fallback singleton. Loading the model twice doubles a
// multi-hundred-megabyte allocation, so initialisation is single-flight and
// every caller shares one instance.
var shared struct {
	mu       sync.Mutex
	provider *FastEmbedProvider
	reaper   *time.Ticker
	done     chan struct{}
}

// SharedFastEmbed returns the process-wide fallback provider, creating it on
// first use. An idle reaper releases the model after cfg.IdleTimeout of
// inactivity; the next call reloads it transparently.
func SharedFastEmbed(cfg FastEmbedConfig) (*FastEmbedProvider, error) {
	shared.mu.Lock()
	defer shared.mu.Unlock()

	if shared.provider != nil {
		return shared.provider, nil
	}

	provider, err := NewFastEmbedProvider(cfg)
	if err != nil {
		return nil, err
	}
	shared.provider = provider

	idle := cfg.IdleTimeout
	if idle == 0 {
		idle = 10 * time.Minute
	}
	if idle > 0 {
		shared.reaper = time.NewTicker(idle / 2)
		shared.done = make(chan struct{})
		go func(p *FastEmbedProvider, tick *time.Ticker, done chan struct{}) {
			for {
				select {
				case <-done:
					return
				case <-tick.C:
					p.releaseIfIdle(idle)
				}
			}
		}(provider, shared.reaper, shared.done)
	}

	return provider, nil
}

// CloseShared tears down the singleton. Intended for process shutdown.
func CloseShared() error {
	shared.mu.Lock()
	defer shared.mu.Unlock()
	if shared.reaper != nil {
		shared.reaper.Stop()
		close(shared.done)
		shared.reaper = nil
		shared.done = nil
	}
	if shared.provider == nil {
		return nil
	}
	err := shared.provider.Close()
	shared.provider = nil
	return err
}
