// Package lawhtml parses German federal law HTML pages (gesetze-im-internet.de
// layout) into norm and paragraph documents with retrieval metadata.
package lawhtml

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"
)

// ErrNoNorm indicates the page carries no recognisable norm content.
var ErrNoNorm = errors.New("no norm content found")

// Norm is one parsed legal norm (§ or Art).
type Norm struct {
	LawTitle   string
	NormID     string
	NormTitle  string
	Paragraphs []string
	FullText   string
	SourceURL  string
}

// Document is a retrieval unit derived from a norm, either the whole norm
// or a single paragraph.
type Document struct {
	ID       string
	Content  string
	Metadata map[string]any
}

// DecodeLatin1 wraps r so ISO-8859-1 bytes decode to UTF-8. Undecodable
// input degrades to replacement characters instead of failing.
func DecodeLatin1(r io.Reader) io.Reader {
	return transform.NewReader(r, charmap.ISO8859_1.NewDecoder())
}

// Parse extracts a norm from one law HTML page.
//
// Layout contract: law title in the first h1, norm identifier in
// span.jnenbez, optional norm title in span.jnentitel, one div.jurAbsatz
// per paragraph in document order.
func Parse(r io.Reader, sourceURL string) (*Norm, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parsing html: %w", err)
	}

	norm := &Norm{
		LawTitle:  normalizeSpace(doc.Find("h1").First().Text()),
		NormID:    normalizeSpace(doc.Find("span.jnenbez").First().Text()),
		NormTitle: normalizeSpace(doc.Find("span.jnentitel").First().Text()),
		SourceURL: sourceURL,
	}

	doc.Find("div.jurAbsatz").Each(func(_ int, s *goquery.Selection) {
		if text := normalizeSpace(s.Text()); text != "" {
			norm.Paragraphs = append(norm.Paragraphs, text)
		}
	})
	norm.FullText = strings.Join(norm.Paragraphs, "\n\n")

	if norm.NormID == "" && len(norm.Paragraphs) == 0 {
		return nil, ErrNoNorm
	}
	return norm, nil
}

// NormDocumentID derives the stable norm document id, e.g.
// ("BGB", "§ 433") -> "bgb_para_433".
func NormDocumentID(lawAbbrev, normID string) string {
	normalised := strings.ReplaceAll(normID, "§", "para")
	normalised = strings.ReplaceAll(normalised, " ", "_")
	return strings.ToLower(lawAbbrev) + "_" + strings.ToLower(normalised)
}

// Documents converts the norm into retrieval documents: one for the full
// norm, plus one per paragraph when the norm has more than one.
func (n *Norm) Documents(lawAbbrev, jurisdiction string) []Document {
	normID := NormDocumentID(lawAbbrev, n.NormID)

	base := func() map[string]any {
		return map[string]any{
			"jurisdiction": jurisdiction,
			"law_abbrev":   lawAbbrev,
			"law_title":    n.LawTitle,
			"norm_id":      n.NormID,
			"norm_title":   n.NormTitle,
			"source_url":   n.SourceURL,
			"source_type":  "html",
		}
	}

	normMeta := base()
	normMeta["level"] = "norm"
	normMeta["paragraph_count"] = len(n.Paragraphs)

	docs := []Document{{
		ID:       normID,
		Content:  n.FullText,
		Metadata: normMeta,
	}}

	if len(n.Paragraphs) > 1 {
		for i, text := range n.Paragraphs {
			meta := base()
			meta["level"] = "paragraph"
			meta["paragraph_index"] = i + 1
			meta["parent_norm_id"] = normID
			docs = append(docs, Document{
				ID:       fmt.Sprintf("%s_abs_%d", normID, i+1),
				Content:  text,
				Metadata: meta,
			})
		}
	}
	return docs
}

// normalizeSpace collapses whitespace runs and trims the result.
func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
