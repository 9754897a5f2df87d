// Package chunking splits document text into deterministic overlapping
// character chunks, optionally bounded by Markdown section structure.
package chunking

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidParams indicates invalid chunk size or overlap.
	ErrInvalidParams = errors.New("invalid chunking parameters")

	// ErrEmptyDocument indicates a whitespace-only document.
	ErrEmptyDocument = errors.New("document is empty or whitespace-only")
)

const (
	// DefaultChunkSize is the default chunk size in characters.
	DefaultChunkSize = 1200

	// DefaultOverlap is the default overlap between consecutive chunks.
	DefaultOverlap = 150
)

// Options controls deterministic chunking. Zero values take defaults.
type Options struct {
	// ChunkSize is the target chunk length in characters (runes).
	ChunkSize int

	// Overlap is how many trailing characters of a chunk reappear at the
	// start of the next one. Must be strictly smaller than ChunkSize.
	Overlap int

	// MaxChunks caps the number of chunks per document. Zero means no cap.
	MaxChunks int
}

// ApplyDefaults fills unset fields.
func (o *Options) ApplyDefaults() {
	if o.ChunkSize == 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.Overlap == 0 {
		o.Overlap = DefaultOverlap
	}
}

// Validate checks the parameter constraints.
func (o Options) Validate() error {
	if o.ChunkSize < 1 {
		return fmt.Errorf("%w: chunk size must be >= 1", ErrInvalidParams)
	}
	if o.Overlap < 0 {
		return fmt.Errorf("%w: overlap must be >= 0", ErrInvalidParams)
	}
	if o.Overlap >= o.ChunkSize {
		return fmt.Errorf("%w: overlap %d must be smaller than chunk size %d", ErrInvalidParams, o.Overlap, o.ChunkSize)
	}
	if o.MaxChunks < 0 {
		return fmt.Errorf("%w: max chunks must be >= 0", ErrInvalidParams)
	}
	return nil
}

// ChunkText splits text into overlapping character chunks. The input is
// trimmed as a whole and each chunk is trimmed individually; boundaries
// are computed on the trimmed input, so identical input and parameters
// always yield identical chunks.
func ChunkText(text string, opts Options) ([]string, error) {
	opts.ApplyDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	runes := []rune(strings.TrimSpace(text))
	if len(runes) == 0 {
		return nil, ErrEmptyDocument
	}

	step := opts.ChunkSize - opts.Overlap
	var chunks []string
	for start := 0; start < len(runes); start += step {
		end := start + opts.ChunkSize
		if end > len(runes) {
			end = len(runes)
		}
		if chunk := strings.TrimSpace(string(runes[start:end])); chunk != "" {
			chunks = append(chunks, chunk)
		}
		if end >= len(runes) {
			break
		}
		if opts.MaxChunks > 0 && len(chunks) >= opts.MaxChunks {
			break
		}
	}
	return chunks, nil
}

// SectionChunk is one chunk annotated with the Markdown section it came from.
type SectionChunk struct {
	Text    string
	Section Section
}

// ChunkMarkdown chunks text section by section using ATX heading
// boundaries. Documents without headings degrade to plain chunking under
// a single synthetic section. The MaxChunks cap applies across the whole
// document.
func ChunkMarkdown(text string, opts Options) ([]SectionChunk, error) {
	opts.ApplyDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyDocument
	}

	perSection := opts
	perSection.MaxChunks = 0

	var out []SectionChunk
	for _, section := range ExtractSections(text) {
		sectionText := strings.TrimSpace(section.Slice(text))
		if sectionText == "" {
			continue
		}

		chunks, err := ChunkText(sectionText, perSection)
		if err != nil {
			if errors.Is(err, ErrEmptyDocument) {
				continue
			}
			return nil, err
		}

		for _, chunk := range chunks {
			out = append(out, SectionChunk{Text: chunk, Section: section})
			if opts.MaxChunks > 0 && len(out) >= opts.MaxChunks {
				return out, nil
			}
		}
	}
	return out, nil
}
