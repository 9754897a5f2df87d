package convert

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"go.uber.org/zap"
)

// pdfToMarkdown extracts per-page text with pdfcpu and assembles a Markdown
// body with page-break markers. Pages whose content cannot be extracted are
// skipped rather than failing the whole file.
func (c *Converter) pdfToMarkdown(ctx context.Context, inputPath string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	pdfCtx, err := api.ReadContextFile(inputPath)
	if err != nil {
		return "", fmt.Errorf("%w: reading pdf: %v", ErrConverterFailed, err)
	}
	pageCount := pdfCtx.PageCount

	outDir, err := os.MkdirTemp("", "legalmcp-pdf-*")
	if err != nil {
		return "", fmt.Errorf("%w: temp dir: %v", ErrConverterFailed, err)
	}
	defer os.RemoveAll(outDir)

	conf := model.NewDefaultConfiguration()
	if err := api.ExtractContentFile(inputPath, outDir, nil, conf); err != nil {
		return "", fmt.Errorf("%w: extracting pdf content: %v", ErrConverterFailed, err)
	}

	pageTexts := readExtractedPages(outDir)
	if len(pageTexts) == 0 {
		c.logger.Warn("pdf yielded no extractable text",
			zap.String("input", filepath.Base(inputPath)),
			zap.Int("pages", pageCount),
		)
	}

	var builder strings.Builder
	builder.WriteString("# ")
	builder.WriteString(strings.TrimSuffix(filepath.Base(inputPath), filepath.Ext(inputPath)))
	builder.WriteString("\n")

	pages := make([]int, 0, len(pageTexts))
	for page := range pageTexts {
		pages = append(pages, page)
	}
	sort.Ints(pages)

	for _, page := range pages {
		text := strings.TrimSpace(pageTexts[page])
		if text == "" {
			continue
		}
		builder.WriteString(fmt.Sprintf("\n## Page %d\n\n", page))
		builder.WriteString(text)
		builder.WriteString("\n")
	}
	return builder.String(), nil
}

// readExtractedPages collects per-page content files written by pdfcpu,
// keyed by 1-based page number.
func readExtractedPages(dir string) map[int]string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	texts := make(map[int]string)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		var page int
		name := entry.Name()
		if _, err := fmt.Sscanf(name, "Content_page_%d", &page); err != nil {
			if _, err := fmt.Sscanf(name, "page_%d", &page); err != nil {
				continue
			}
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		texts[page] = string(data)
	}
	return texts
}
