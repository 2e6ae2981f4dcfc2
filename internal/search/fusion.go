package search

import (
	"sort"

	"github.com/Aman-CERP/vitalkb/internal/store"
)

// Weights controls the contribution of each matcher to the fused score.
type Weights struct {
	Text   float64
	Vector float64
}

// DefaultWeights weights both matchers equally.
func DefaultWeights() Weights {
	return Weights{Text: 0.5, Vector: 0.5}
}

// WeightedFusion merges lexical and vector lists.
//
// Algorithm:
//
//	text(i)   = (1 - i/N) * w.Text     (i = 0-based position, N = len(text))
//	vector(r) = similarity(r) * w.Vector
//
// A chunk in both lists gets the sum. Ties keep insertion order: text
// results first, then vector-only results.
type WeightedFusion struct {
	Weights Weights
}

// NewWeightedFusion creates a fusion ranker. Zero weights use DefaultWeights.
func NewWeightedFusion(w Weights) *WeightedFusion {
	if w.Text == 0 && w.Vector == 0 {
		w = DefaultWeights()
	}
	return &WeightedFusion{Weights: w}
}

// Fuse returns at most limit results (limit <= 0 keeps all) with Similarity
// set to the fused score.
func (f *WeightedFusion) Fuse(text, vector []store.SearchResult, limit int) []store.SearchResult {
	merged := make([]store.SearchResult, 0, len(text)+len(vector))
	pos := make(map[string]int, len(text)+len(vector))

	n := float64(len(text))
	for i, r := range text {
		score := (1 - float64(i)/n) * f.Weights.Text
		if p, ok := pos[r.ChunkID]; ok {
			merged[p].Similarity += score
			continue
		}
		r.Similarity = score
		pos[r.ChunkID] = len(merged)
		merged = append(merged, r)
	}

	for _, r := range vector {
		score := r.Similarity * f.Weights.Vector
		if p, ok := pos[r.ChunkID]; ok {
			merged[p].Similarity += score
			continue
		}
		r.Similarity = score
		pos[r.ChunkID] = len(merged)
		merged = append(merged, r)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Similarity > merged[j].Similarity
	})

	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}
	return merged
}
