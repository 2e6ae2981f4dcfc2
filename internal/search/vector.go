package search

import (
	"context"
	"log/slog"

	"github.com/Aman-CERP/vitalkb/internal/embed"
	kberrors "github.com/Aman-CERP/vitalkb/internal/errors"
	"github.com/Aman-CERP/vitalkb/internal/store"
)

// VectorMatcher ranks chunks by embedding similarity. It never fails a
// search: any error yields an empty list for this call only.
type VectorMatcher struct {
	store    VectorStore
	embedder embed.Embedder
}

// NewVectorMatcher creates a vector matcher. embedder is only needed for
// MatchText.
func NewVectorMatcher(s VectorStore, embedder embed.Embedder) *VectorMatcher {
	return &VectorMatcher{store: s, embedder: embedder}
}

// Match returns chunks at or above threshold, best first.
func (m *VectorMatcher) Match(ctx context.Context, vector []float32, threshold float64, limit int) []store.SearchResult {
	if limit <= 0 {
		limit = DefaultLimit
	}

	results, err := m.store.SimilaritySearch(ctx, vector, threshold, limit)
	if err != nil {
		vErr := kberrors.VectorSearchError("similarity search failed", err)
		slog.Warn("vector_search_failed", kberrors.LogAttrs(vErr)...)
		return []store.SearchResult{}
	}
	if results == nil {
		results = []store.SearchResult{}
	}
	return results
}

// MatchText embeds query and calls Match. An embedding failure degrades the
// same way a store failure does.
func (m *VectorMatcher) MatchText(ctx context.Context, query string, threshold float64, limit int) []store.SearchResult {
	if m.embedder == nil {
		slog.Warn("vector_search_failed", "error", "no embedder configured")
		return []store.SearchResult{}
	}

	vec, err := m.embedder.Embed(ctx, query)
	if err != nil {
		slog.Warn("vector_search_failed", append(kberrors.LogAttrs(err), "stage", "embed")...)
		return []store.SearchResult{}
	}
	return m.Match(ctx, vec, threshold, limit)
}
