// Package store persists knowledge chunks and their embeddings, and serves
// the substring, full-text and similarity searches used for retrieval.
package store

import (
	"context"
	"time"
)

// Section types partition a source into independently reprocessable slices.
const (
	SectionMainContent       = "main_content"
	SectionIssuesResolutions = "issues_resolutions"
	SectionDocument          = "document"
)

// Chunk is a persisted unit of text. Index values are contiguous from 0 per
// source in creation order.
type Chunk struct {
	ID            string
	SourceID      string
	Text          string
	Index         int
	TokenEstimate int
	SectionType   string
	Heading       string // "" is stored as NULL
	CreatedAt     time.Time
}

// EmbeddingRecord is the vector for exactly one chunk.
type EmbeddingRecord struct {
	ID      string
	ChunkID string
	Vector  []float32
}

// SearchResult is a transient retrieval hit. After fusion Similarity holds
// the fused score.
type SearchResult struct {
	ChunkID     string
	SourceID    string
	Text        string
	Similarity  float64
	SectionType string
	Heading     string
}

// Section is a titled slice of a source's content.
type Section struct {
	Type    string `json:"type" yaml:"type"`
	Heading string `json:"heading,omitempty" yaml:"heading,omitempty"`
	Content string `json:"content" yaml:"content"`
}

// IssueKind is the type of a Q&A or troubleshooting record.
type IssueKind string

const (
	IssueKindIssue    IssueKind = "issue"
	IssueKindQuestion IssueKind = "question"
	IssueKindTip      IssueKind = "tip"
)

// ResolutionLabel is the label printed before a record's resolution.
func (k IssueKind) ResolutionLabel() string {
	switch k {
	case IssueKindQuestion:
		return "Answer"
	case IssueKindTip:
		return "Details"
	default:
		return "Resolution"
	}
}

// Issue is one issue, question or tip attached to a source.
type Issue struct {
	Kind       IssueKind `json:"kind" yaml:"kind"`
	Content    string    `json:"content" yaml:"content"`
	Resolution string    `json:"resolution,omitempty" yaml:"resolution,omitempty"`
}

// Source is a knowledge-base entry whose content is chunked and indexed.
type Source struct {
	ID          string    `json:"id" yaml:"id"`
	Title       string    `json:"title" yaml:"title"`
	MainContent string    `json:"main_content,omitempty" yaml:"main_content,omitempty"`
	Sections    []Section `json:"sections,omitempty" yaml:"sections,omitempty"`
	Issues      []Issue   `json:"issues,omitempty" yaml:"issues,omitempty"`
	Active      bool      `json:"active" yaml:"active"`
	UpdatedAt   time.Time `json:"updated_at" yaml:"-"`
}

// ChunkStore persists chunks and embeddings and answers searches.
type ChunkStore interface {
	// InsertChunks persists chunks in one batch and returns them with IDs
	// assigned, in input order.
	InsertChunks(ctx context.Context, chunks []Chunk) ([]Chunk, error)

	// SelectChunksBySource returns chunks ordered by index. An empty
	// sectionType selects every section.
	SelectChunksBySource(ctx context.Context, sourceID, sectionType string) ([]Chunk, error)

	// DeleteChunksBySource removes chunks and, by cascade, their embeddings.
	// An empty sectionType deletes every section.
	DeleteChunksBySource(ctx context.Context, sourceID, sectionType string) error

	// SubstringSearch returns chunks whose text contains term,
	// case-insensitively, in store order.
	SubstringSearch(ctx context.Context, term string, limit int) ([]Chunk, error)

	// FullTextSearch runs the native full-text operator over the
	// whitespace-separated terms of query, joined with AND.
	FullTextSearch(ctx context.Context, query string, limit int) ([]Chunk, error)

	// SimilaritySearch returns at most limit chunks whose cosine similarity
	// to vector is at least threshold, best first.
	SimilaritySearch(ctx context.Context, vector []float32, threshold float64, limit int) ([]SearchResult, error)

	InsertEmbeddings(ctx context.Context, records []EmbeddingRecord) error
	DeleteEmbeddingsByChunk(ctx context.Context, chunkIDs []string) error
}

// SourceStore persists source records for bulk reprocessing.
type SourceStore interface {
	UpsertSource(ctx context.Context, src *Source) error
	GetSource(ctx context.Context, id string) (*Source, error)
	ListActiveSources(ctx context.Context) ([]*Source, error)
	DeactivateSource(ctx context.Context, id string) error
}

// Store is the full persistence surface.
type Store interface {
	ChunkStore
	SourceStore
	Close() error
}
