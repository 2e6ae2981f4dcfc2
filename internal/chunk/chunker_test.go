package chunk

import (
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// paragraph builds a paragraph of n words tagged with a prefix so that
// overlap can be traced back to its origin.
func paragraph(prefix string, n int) string {
	words := make([]string, n)
	for i := range words {
		words[i] = fmt.Sprintf("%s%03d", prefix, i)
	}
	return strings.Join(words, " ")
}

func TestChunkText_EmptyInput(t *testing.T) {
	c := New(DefaultOptions())

	assert.Nil(t, c.ChunkText("", "src", "main_content", ""))
	assert.Nil(t, c.ChunkText("  \n\n\t\n ", "src", "main_content", ""))
}

func TestChunkText_SmallTextSingleChunk(t *testing.T) {
	c := New(DefaultOptions())

	chunks := c.ChunkText("Magnesium helps sleep.\n\nTake it in the evening.", "src-1", "main_content", "Sleep")

	require.Len(t, chunks, 1)
	assert.Equal(t, "Magnesium helps sleep.\n\nTake it in the evening.", chunks[0].Text)
	assert.Equal(t, 0, chunks[0].Index)
	assert.Equal(t, "src-1", chunks[0].SourceID)
	assert.Equal(t, "main_content", chunks[0].SectionType)
	assert.Equal(t, "Sleep", chunks[0].Heading)
	assert.Equal(t, EstimateTokens(chunks[0].Text), chunks[0].TokenEstimate)
}

func TestChunkText_RespectsSizeBound(t *testing.T) {
	// Given: many paragraphs, none larger than the chunk size
	var paras []string
	for i := 0; i < 30; i++ {
		paras = append(paras, paragraph(fmt.Sprintf("p%02d_", i), 30))
	}
	text := strings.Join(paras, "\n\n")

	// When: chunking with defaults
	chunks := New(DefaultOptions()).ChunkText(text, "src", "main_content", "")

	// Then: no chunk exceeds the size and indices are contiguous
	require.Greater(t, len(chunks), 1)
	for i, ch := range chunks {
		assert.LessOrEqual(t, utf8.RuneCountInString(ch.Text), DefaultChunkSize, "chunk %d", i)
		assert.Equal(t, i, ch.Index)
	}
}

func TestChunkText_OverlapContinuity(t *testing.T) {
	// Given: paragraphs small enough that 40 overlap words always fit
	var paras []string
	for i := 0; i < 12; i++ {
		paras = append(paras, paragraph(fmt.Sprintf("q%02d_", i), 25))
	}
	text := strings.Join(paras, "\n\n")

	chunks := New(DefaultOptions()).ChunkText(text, "src", "main_content", "")
	require.Greater(t, len(chunks), 1)

	// Then: each chunk starts with the last 40 words of its predecessor
	for i := 1; i < len(chunks); i++ {
		prev := strings.Fields(chunks[i-1].Text)
		want := prev[len(prev)-40:]
		got := strings.Fields(chunks[i].Text)[:40]
		assert.Equal(t, want, got, "chunk %d", i)
	}
}

func TestChunkText_OversizedParagraphPreserved(t *testing.T) {
	// Given: one paragraph far larger than the chunk size
	big := paragraph("big", 400)
	require.Greater(t, utf8.RuneCountInString(big), DefaultChunkSize)

	text := "intro paragraph here\n\n" + big + "\n\nclosing words"

	chunks := New(DefaultOptions()).ChunkText(text, "src", "main_content", "")

	// Then: the big paragraph appears whole in exactly one chunk
	count := 0
	for _, ch := range chunks {
		if strings.Contains(ch.Text, big) {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestChunkText_OverlapTrimmedToFit(t *testing.T) {
	// Given: a chunk size where overlap plus the next paragraph cannot fit
	c := New(Options{Size: 100, Overlap: 50})
	first := paragraph("a", 18) // 18 words * 5 chars
	second := paragraph("b", 16)

	chunks := c.ChunkText(first+"\n\n"+second, "src", "main_content", "")

	require.Len(t, chunks, 2)
	assert.LessOrEqual(t, utf8.RuneCountInString(chunks[1].Text), 100)
	assert.True(t, strings.HasSuffix(chunks[1].Text, second))
}

func TestChunkContent_WindowCountAndCoverage(t *testing.T) {
	text := strings.Repeat("abcdefghij", 300) // 3000 chars

	chunks := New(DefaultOptions()).ChunkContent(text, "doc", "document", "Report")

	// ceil((3000-200)/(1200-200)) = 3
	require.Len(t, chunks, 3)
	assert.Equal(t, text[0:1200], chunks[0].Text)
	assert.Equal(t, text[1000:2200], chunks[1].Text)
	assert.Equal(t, text[2000:3000], chunks[2].Text)

	// Stitching windows minus their overlap rebuilds the input
	rebuilt := chunks[0].Text
	for _, ch := range chunks[1:] {
		rebuilt += ch.Text[200:]
	}
	assert.Equal(t, text, rebuilt)

	for i, ch := range chunks {
		assert.Equal(t, i, ch.Index)
		assert.Equal(t, "document", ch.SectionType)
		assert.Equal(t, "Report", ch.Heading)
	}
}

func TestChunkContent_ShortText(t *testing.T) {
	chunks := New(DefaultOptions()).ChunkContent("short lab report", "doc", "document", "")
	require.Len(t, chunks, 1)
	assert.Equal(t, "short lab report", chunks[0].Text)
	assert.Equal(t, 4, chunks[0].TokenEstimate)
}

func TestChunkContent_CountsRunes(t *testing.T) {
	text := strings.Repeat("é", 15)

	chunks := New(Options{Size: 10, Overlap: 5}).ChunkContent(text, "doc", "document", "")

	require.Len(t, chunks, 2)
	assert.Equal(t, 10, utf8.RuneCountInString(chunks[0].Text))
	assert.Equal(t, strings.Repeat("é", 10), chunks[1].Text)
}

func TestNew_FixesInconsistentOptions(t *testing.T) {
	c := New(Options{Size: 100, Overlap: 100})
	assert.Equal(t, 50, c.Options().Overlap)

	c = New(Options{})
	assert.Equal(t, DefaultOptions(), c.Options())
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abc"))
	assert.Equal(t, 1, EstimateTokens("abcd"))
	assert.Equal(t, 2, EstimateTokens("abcde"))
	assert.Equal(t, 1, EstimateTokens("日本"))
}
