package lawhtml

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePage = `<!DOCTYPE html>
<html><head><title>§ 433 BGB</title></head><body>
<h1>Bürgerliches Gesetzbuch (BGB)</h1>
<div class="jnnorm">
  <span class="jnenbez">§ 433</span>
  <span class="jnentitel">Vertragstypische Pflichten beim Kaufvertrag</span>
  <div class="jurAbsatz">(1) Durch den Kaufvertrag wird der Verkäufer einer Sache verpflichtet, dem Käufer die Sache zu übergeben.</div>
  <div class="jurAbsatz">(2) Der Käufer ist verpflichtet, dem Verkäufer den vereinbarten Kaufpreis zu zahlen.</div>
</div>
</body></html>`

func TestParseExtractsNorm(t *testing.T) {
	norm, err := Parse(strings.NewReader(samplePage), "https://example.test/bgb/__433.html")
	require.NoError(t, err)

	assert.Equal(t, "Bürgerliches Gesetzbuch (BGB)", norm.LawTitle)
	assert.Equal(t, "§ 433", norm.NormID)
	assert.Equal(t, "Vertragstypische Pflichten beim Kaufvertrag", norm.NormTitle)
	require.Len(t, norm.Paragraphs, 2)
	assert.Contains(t, norm.Paragraphs[0], "(1) Durch den Kaufvertrag")
	assert.Contains(t, norm.Paragraphs[1], "(2) Der Käufer")
	assert.Equal(t, norm.Paragraphs[0]+"\n\n"+norm.Paragraphs[1], norm.FullText)
}

func TestParseSingleParagraphNorm(t *testing.T) {
	page := `<html><body><h1>Grundgesetz</h1>
<span class="jnenbez">Art 1</span>
<div class="jurAbsatz">Die Würde des Menschen ist unantastbar.</div>
</body></html>`

	norm, err := Parse(strings.NewReader(page), "")
	require.NoError(t, err)
	assert.Equal(t, "Art 1", norm.NormID)
	assert.Empty(t, norm.NormTitle)

	docs := norm.Documents("GG", "de-federal")
	require.Len(t, docs, 1, "single paragraph yields no paragraph documents")
	assert.Equal(t, "gg_art_1", docs[0].ID)
	assert.Equal(t, "norm", docs[0].Metadata["level"])
	assert.Equal(t, 1, docs[0].Metadata["paragraph_count"])
}

func TestParseEmptyPage(t *testing.T) {
	_, err := Parse(strings.NewReader("<html><body><p>nothing</p></body></html>"), "")
	assert.ErrorIs(t, err, ErrNoNorm)
}

func TestNormDocumentID(t *testing.T) {
	assert.Equal(t, "bgb_para_433", NormDocumentID("BGB", "§ 433"))
	assert.Equal(t, "gg_art_1", NormDocumentID("GG", "Art 1"))
	assert.Equal(t, "stgb_para_263a", NormDocumentID("StGB", "§ 263a"))
}

func TestDocumentsMultiParagraph(t *testing.T) {
	norm, err := Parse(strings.NewReader(samplePage), "https://example.test/bgb/__433.html")
	require.NoError(t, err)

	docs := norm.Documents("BGB", "de-federal")
	require.Len(t, docs, 3)

	assert.Equal(t, "bgb_para_433", docs[0].ID)
	assert.Equal(t, "norm", docs[0].Metadata["level"])
	assert.Equal(t, 2, docs[0].Metadata["paragraph_count"])
	assert.Equal(t, norm.FullText, docs[0].Content)

	assert.Equal(t, "bgb_para_433_abs_1", docs[1].ID)
	assert.Equal(t, "paragraph", docs[1].Metadata["level"])
	assert.Equal(t, 1, docs[1].Metadata["paragraph_index"])
	assert.Equal(t, "bgb_para_433", docs[1].Metadata["parent_norm_id"])

	assert.Equal(t, "bgb_para_433_abs_2", docs[2].ID)
	assert.Equal(t, 2, docs[2].Metadata["paragraph_index"])

	for _, d := range docs {
		assert.Equal(t, "de-federal", d.Metadata["jurisdiction"])
		assert.Equal(t, "BGB", d.Metadata["law_abbrev"])
		assert.Equal(t, "html", d.Metadata["source_type"])
		assert.Equal(t, "https://example.test/bgb/__433.html", d.Metadata["source_url"])
	}
}

func TestDecodeLatin1(t *testing.T) {
	// "Kündigung" in ISO-8859-1: ü is a single 0xFC byte.
	latin1 := []byte{'K', 0xFC, 'n', 'd', 'i', 'g', 'u', 'n', 'g'}

	decoded, err := io.ReadAll(DecodeLatin1(bytes.NewReader(latin1)))
	require.NoError(t, err)
	assert.Equal(t, "Kündigung", string(decoded))
}

func TestParseLatin1Page(t *testing.T) {
	page := `<html><body><h1>B` + "\xFC" + `rgerliches Gesetzbuch</h1>
<span class="jnenbez">` + "\xA7" + ` 433</span>
<div class="jurAbsatz">K` + "\xE4" + `ufer zahlt.</div>
</body></html>`

	norm, err := Parse(DecodeLatin1(strings.NewReader(page)), "")
	require.NoError(t, err)
	assert.Equal(t, "Bürgerliches Gesetzbuch", norm.LawTitle)
	assert.Equal(t, "§ 433", norm.NormID)
	assert.Equal(t, "Käufer zahlt.", norm.Paragraphs[0])
}
