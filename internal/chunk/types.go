package chunk

// Chunk size defaults, in characters.
const (
	DefaultChunkSize    = 1200
	DefaultChunkOverlap = 200

	// CharsPerWord converts the character overlap into a word count for the
	// paragraph chunker (200 chars ~ 40 words).
	CharsPerWord = 5

	// CharsPerToken is the rough approximation used for token estimates.
	CharsPerToken = 4
)

// Chunk is one retrievable unit of a source's text.
type Chunk struct {
	SourceID      string
	Text          string
	Index         int // 0-based within one chunker call
	TokenEstimate int
	SectionType   string
	Heading       string // empty when the section has no heading
}

// Options configures chunk size and overlap.
type Options struct {
	Size    int // maximum characters per chunk
	Overlap int // characters shared between neighbouring chunks
}

// DefaultOptions returns the 1200/200 character defaults.
func DefaultOptions() Options {
	return Options{Size: DefaultChunkSize, Overlap: DefaultChunkOverlap}
}

// EstimateTokens returns ceil(chars/4), counting Unicode code points.
func EstimateTokens(text string) int {
	n := runeCount(text)
	return (n + CharsPerToken - 1) / CharsPerToken
}
