// Package search ranks knowledge chunks for a query. A lexical matcher and a
// vector matcher run concurrently and their lists are merged by a weighted
// fusion ranker.
package search

import (
	"context"
	"errors"

	"github.com/Aman-CERP/vitalkb/internal/store"
)

// Search defaults.
const (
	DefaultLimit     = 10
	MaxLimit         = 50
	DefaultThreshold = 0.5
)

// ErrNilDependency is returned when a required dependency is nil.
var ErrNilDependency = errors.New("nil dependency")

// LexicalStore is the store surface used by the lexical matcher.
type LexicalStore interface {
	SubstringSearch(ctx context.Context, term string, limit int) ([]store.Chunk, error)
	FullTextSearch(ctx context.Context, query string, limit int) ([]store.Chunk, error)
}

// VectorStore is the store surface used by the vector matcher.
type VectorStore interface {
	SimilaritySearch(ctx context.Context, vector []float32, threshold float64, limit int) ([]store.SearchResult, error)
}

// SearchOptions configures a single search.
type SearchOptions struct {
	// Limit caps the number of results (0 = DefaultLimit, capped at MaxLimit).
	Limit int

	// Threshold is the minimum cosine similarity for vector hits. Nil uses
	// the engine default; 0 is a real threshold.
	Threshold *float64

	// SectionTypes keeps only results from these sections when non-empty.
	SectionTypes []string
}

// EngineConfig holds engine-wide defaults. A DefaultThreshold outside
// [0, 1] falls back to DefaultThreshold.
type EngineConfig struct {
	DefaultLimit     int
	MaxLimit         int
	DefaultThreshold float64
}

// DefaultEngineConfig returns the standard search defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		DefaultLimit:     DefaultLimit,
		MaxLimit:         MaxLimit,
		DefaultThreshold: DefaultThreshold,
	}
}

func chunkToResult(c store.Chunk, score float64) store.SearchResult {
	return store.SearchResult{
		ChunkID:     c.ID,
		SourceID:    c.SourceID,
		Text:        c.Text,
		Similarity:  score,
		SectionType: c.SectionType,
		Heading:     c.Heading,
	}
}
