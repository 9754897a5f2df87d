// Package convert turns supported document files into Markdown sidecars
// stored next to the originals under the allowlisted ingest root.
package convert

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/legalmcp/internal/pathsafe"
)

var (
	// ErrConverterFailed indicates the conversion backend failed.
	ErrConverterFailed = errors.New("conversion failed")

	// ErrOutputExists indicates the sidecar exists and overwrite is disabled.
	ErrOutputExists = errors.New("output file already exists")
)

// InputSuffixes is the allowlist of convertible file extensions.
var InputSuffixes = []string{".pdf", ".txt", ".md", ".markdown", ".html", ".htm"}

// DefaultMaxOutputChars caps sidecar size in characters.
const DefaultMaxOutputChars = 5_000_000

// FileResult describes one converted file. The Markdown body itself is
// never part of the result; callers read the sidecar through pathsafe.
type FileResult struct {
	InputPath  string `json:"input_path"`
	OutputPath string `json:"output_path"`
	BytesIn    int64  `json:"bytes_in"`
	BytesOut   int64  `json:"bytes_out"`
	ElapsedMS  int64  `json:"elapsed_ms"`
	Truncated  bool   `json:"truncated,omitempty"`
	Overwrote  bool   `json:"overwrote,omitempty"`
}

// Config bounds converter behaviour.
type Config struct {
	// MaxInputBytes rejects larger inputs before reading them.
	MaxInputBytes int64

	// MaxOutputChars truncates the Markdown body at a rune boundary.
	MaxOutputChars int
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.MaxInputBytes == 0 {
		c.MaxInputBytes = pathsafe.DefaultConvertedSizeCap
	}
	if c.MaxOutputChars == 0 {
		c.MaxOutputChars = DefaultMaxOutputChars
	}
}

// Converter produces Markdown sidecars inside one resolver root.
type Converter struct {
	resolver *pathsafe.Resolver
	config   Config
	logger   *zap.Logger
}

// New creates a converter bound to the given resolver.
func New(resolver *pathsafe.Resolver, config Config, logger *zap.Logger) *Converter {
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()
	return &Converter{resolver: resolver, config: config, logger: logger}
}

// ConvertFile converts one file addressed by its path relative to the root.
// The sidecar path is the input path with ".md" appended. When overwrite is
// false an existing sidecar is an error.
func (c *Converter) ConvertFile(ctx context.Context, relative string, overwrite bool) (*FileResult, error) {
	start := time.Now()

	inputPath, err := c.resolver.Resolve(relative, pathsafe.ResolveOptions{
		Suffixes: InputSuffixes,
		MaxSize:  c.config.MaxInputBytes,
	})
	if err != nil {
		return nil, err
	}

	outputPath, err := c.resolver.ResolveForWrite(relative+".md", []string{".md"})
	if err != nil {
		return nil, err
	}

	overwrote := false
	if _, statErr := os.Stat(outputPath); statErr == nil {
		if !overwrite {
			return nil, fmt.Errorf("%w: %s", ErrOutputExists, relative+".md")
		}
		overwrote = true
	}

	info, err := os.Stat(inputPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", pathsafe.ErrNotRegularFile, relative)
	}

	body, err := c.toMarkdown(ctx, inputPath)
	if err != nil {
		return nil, err
	}

	body, truncated := capRunes(body, c.config.MaxOutputChars)
	if err := os.WriteFile(outputPath, []byte(body), 0o644); err != nil {
		return nil, fmt.Errorf("%w: writing %s: %v", ErrConverterFailed, relative+".md", err)
	}

	result := &FileResult{
		InputPath:  relative,
		OutputPath: relative + ".md",
		BytesIn:    info.Size(),
		BytesOut:   int64(len(body)),
		ElapsedMS:  time.Since(start).Milliseconds(),
		Truncated:  truncated,
		Overwrote:  overwrote,
	}

	c.logger.Info("file converted",
		zap.String("input", result.InputPath),
		zap.String("output", result.OutputPath),
		zap.Int64("bytes_in", result.BytesIn),
		zap.Int64("bytes_out", result.BytesOut),
		zap.Int64("elapsed_ms", result.ElapsedMS),
	)
	return result, nil
}

// toMarkdown dispatches on the input suffix.
func (c *Converter) toMarkdown(ctx context.Context, inputPath string) (string, error) {
	switch strings.ToLower(filepath.Ext(inputPath)) {
	case ".pdf":
		return c.pdfToMarkdown(ctx, inputPath)
	case ".html", ".htm":
		return c.htmlToMarkdown(inputPath)
	default:
		// Plain text and Markdown pass through as-is, lossily decoded.
		text, err := pathsafe.ReadTextLossy(inputPath)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrConverterFailed, err)
		}
		return text, nil
	}
}

// htmlToMarkdown converts an HTML file body to Markdown.
func (c *Converter) htmlToMarkdown(inputPath string) (string, error) {
	html, err := pathsafe.ReadTextLossy(inputPath)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrConverterFailed, err)
	}

	converter := md.NewConverter("", true, nil)
	body, err := converter.ConvertString(html)
	if err != nil {
		return "", fmt.Errorf("%w: html conversion: %v", ErrConverterFailed, err)
	}
	return body, nil
}

// capRunes truncates s to at most limit runes at a rune boundary.
func capRunes(s string, limit int) (string, bool) {
	if limit <= 0 {
		return s, false
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s, false
	}
	return string(runes[:limit]), true
}
