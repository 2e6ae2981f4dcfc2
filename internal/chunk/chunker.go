package chunk

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// paragraphBreak matches one or more blank lines.
var paragraphBreak = regexp.MustCompile(`\n[ \t\r]*\n`)

const paragraphSep = "\n\n"

// Chunker splits text into overlapping chunks. It is stateless and safe for
// concurrent use.
type Chunker struct {
	opts Options
}

// New creates a Chunker. A zero Options means defaults; an overlap that is
// negative or not smaller than Size is clamped.
func New(opts Options) *Chunker {
	if opts == (Options{}) {
		return &Chunker{opts: DefaultOptions()}
	}
	if opts.Size <= 0 {
		opts.Size = DefaultChunkSize
	}
	if opts.Overlap < 0 || opts.Overlap >= opts.Size {
		opts.Overlap = min(DefaultChunkOverlap, opts.Size/2)
	}
	return &Chunker{opts: opts}
}

// Options returns the effective options.
func (c *Chunker) Options() Options {
	return c.opts
}

// ChunkText splits text on paragraph boundaries. Paragraphs are accumulated
// until the next one would push the chunk past Size; the following chunk is
// seeded with the last Overlap/5 words of the previous one.
//
// A single paragraph longer than Size is never split and becomes one
// oversized chunk. A normal paragraph whose carried overlap would overflow
// the chunk loses leading overlap words until it fits.
func (c *Chunker) ChunkText(text, sourceID, sectionType, heading string) []Chunk {
	paragraphs := splitParagraphs(text)
	if len(paragraphs) == 0 {
		return nil
	}

	overlapWords := c.opts.Overlap / CharsPerWord
	var texts []string
	var buf string

	for _, p := range paragraphs {
		if buf == "" {
			buf = p
			continue
		}
		if runeCount(buf)+len(paragraphSep)+runeCount(p) <= c.opts.Size {
			buf += paragraphSep + p
			continue
		}

		texts = append(texts, buf)
		buf = c.seed(lastWords(buf, overlapWords), p)
	}
	texts = append(texts, buf)

	return build(texts, sourceID, sectionType, heading)
}

// seed starts a new chunk with the carried overlap followed by p.
func (c *Chunker) seed(overlap []string, p string) string {
	pLen := runeCount(p)
	if pLen > c.opts.Size {
		// Oversized paragraphs keep their full overlap.
		return joinSeed(overlap, p)
	}

	// Drop leading overlap words until the chunk fits.
	total := pLen
	if len(overlap) > 0 {
		total += wordsLen(overlap) + len(paragraphSep)
	}
	for len(overlap) > 0 && total > c.opts.Size {
		total -= runeCount(overlap[0]) + 1
		overlap = overlap[1:]
		if len(overlap) == 0 {
			total = pLen
		}
	}
	return joinSeed(overlap, p)
}

// ChunkContent splits text into fixed windows of Size characters. Each
// window starts Overlap characters before the previous window ended, and
// always advances past the previous start.
func (c *Chunker) ChunkContent(text, sourceID, sectionType, heading string) []Chunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	runes := []rune(text)
	n := len(runes)
	var texts []string

	start := 0
	for {
		end := min(start+c.opts.Size, n)
		texts = append(texts, string(runes[start:end]))
		if end >= n {
			break
		}

		next := end - c.opts.Overlap
		if next <= start {
			next = end
		}
		start = next
	}

	return build(texts, sourceID, sectionType, heading)
}

func build(texts []string, sourceID, sectionType, heading string) []Chunk {
	chunks := make([]Chunk, 0, len(texts))
	for i, t := range texts {
		chunks = append(chunks, Chunk{
			SourceID:      sourceID,
			Text:          t,
			Index:         i,
			TokenEstimate: EstimateTokens(t),
			SectionType:   sectionType,
			Heading:       heading,
		})
	}
	return chunks
}

func splitParagraphs(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	parts := paragraphBreak.Split(text, -1)

	paragraphs := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			paragraphs = append(paragraphs, p)
		}
	}
	return paragraphs
}

func lastWords(text string, n int) []string {
	if n <= 0 {
		return nil
	}
	words := strings.Fields(text)
	if len(words) > n {
		words = words[len(words)-n:]
	}
	return words
}

func joinSeed(overlap []string, p string) string {
	if len(overlap) == 0 {
		return p
	}
	return strings.Join(overlap, " ") + paragraphSep + p
}

// wordsLen is the length of words joined by single spaces.
func wordsLen(words []string) int {
	n := len(words) - 1
	for _, w := range words {
		n += runeCount(w)
	}
	return n
}

func runeCount(s string) int {
	return utf8.RuneCountInString(s)
}
