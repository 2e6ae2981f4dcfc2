package store

import (
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/coder/hnsw"

	kberrors "github.com/Aman-CERP/vitalkb/internal/errors"
)

// vectorIndex is an in-memory HNSW graph keyed by chunk ID. The SQLite store
// rebuilds it from persisted embeddings on open.
type vectorIndex struct {
	mu    sync.RWMutex
	graph *hnsw.Graph[uint64]
	dims  int // 0 until the first vector fixes it

	// ID mapping (chunk ID <-> graph key)
	idMap   map[string]uint64
	keyMap  map[uint64]string
	nextKey uint64
}

// compactMinNodes is the graph size below which orphans are left alone.
const compactMinNodes = 32

// vectorStats counts graph nodes. Orphans are nodes left in the graph after
// their chunk was replaced or deleted.
type vectorStats struct {
	Live       int
	GraphNodes int
	Orphans    int
}

// scoredID is a chunk ID with its cosine similarity to the query.
type scoredID struct {
	ChunkID    string
	Similarity float64
}

func newGraph() *hnsw.Graph[uint64] {
	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = 16
	graph.EfSearch = 64
	graph.Ml = 0.25
	return graph
}

func newVectorIndex(dims int) *vectorIndex {
	return &vectorIndex{
		graph:  newGraph(),
		dims:   dims,
		idMap:  make(map[string]uint64),
		keyMap: make(map[uint64]string),
	}
}

// add inserts or replaces vectors. Replaced nodes stay in the graph but are
// unmapped, since coder/hnsw breaks when its last node is deleted. Zero
// vectors have no direction and are left out of the graph.
func (v *vectorIndex) add(ids []string, vectors [][]float32) error {
	if len(ids) != len(vectors) {
		return fmt.Errorf("ids and vectors length mismatch: %d vs %d", len(ids), len(vectors))
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	for _, vec := range vectors {
		if err := v.checkDims(len(vec)); err != nil {
			return err
		}
	}

	for i, id := range ids {
		if existing, ok := v.idMap[id]; ok {
			delete(v.keyMap, existing)
			delete(v.idMap, id)
		}
		if isZeroVector(vectors[i]) {
			continue
		}

		key := v.nextKey
		v.nextKey++

		vec := make([]float32, len(vectors[i]))
		copy(vec, vectors[i])
		normalizeVectorInPlace(vec)

		v.graph.Add(hnsw.MakeNode(key, vec))
		v.idMap[id] = key
		v.keyMap[key] = id
	}
	v.maybeCompact()
	return nil
}

// remove unmaps chunk IDs. Unknown IDs are ignored.
func (v *vectorIndex) remove(ids []string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	for _, id := range ids {
		if key, ok := v.idMap[id]; ok {
			delete(v.keyMap, key)
			delete(v.idMap, id)
		}
	}
	v.maybeCompact()
}

// maybeCompact rebuilds the graph once orphans outnumber live nodes.
// Callers hold the write lock.
func (v *vectorIndex) maybeCompact() {
	nodes := v.graph.Len()
	if nodes < compactMinNodes || nodes-len(v.idMap) <= len(v.idMap) {
		return
	}
	v.compact()
}

// compact replaces the graph with one holding only live nodes. Callers hold
// the write lock.
func (v *vectorIndex) compact() {
	before := v.graph.Len()

	graph := newGraph()
	idMap := make(map[string]uint64, len(v.idMap))
	keyMap := make(map[uint64]string, len(v.idMap))
	var next uint64
	for id, key := range v.idMap {
		vec, ok := v.graph.Lookup(key)
		if !ok {
			continue
		}
		graph.Add(hnsw.MakeNode(next, vec))
		idMap[id] = next
		keyMap[next] = id
		next++
	}

	v.graph = graph
	v.idMap = idMap
	v.keyMap = keyMap
	v.nextKey = next

	slog.Debug("vector_index_compacted",
		slog.Int("nodes_before", before),
		slog.Int("nodes_after", graph.Len()))
}

func (v *vectorIndex) stats() vectorStats {
	v.mu.RLock()
	defer v.mu.RUnlock()
	live := len(v.idMap)
	nodes := v.graph.Len()
	return vectorStats{Live: live, GraphNodes: nodes, Orphans: nodes - live}
}

// search returns up to k live chunk IDs with similarity >= threshold, best
// first.
func (v *vectorIndex) search(query []float32, threshold float64, k int) ([]scoredID, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.dims != 0 && len(query) != v.dims {
		return nil, dimensionMismatch(v.dims, len(query))
	}
	if len(v.idMap) == 0 || k <= 0 || isZeroVector(query) {
		return nil, nil
	}

	q := make([]float32, len(query))
	copy(q, query)
	normalizeVectorInPlace(q)

	// Orphaned nodes can occupy result slots, so over-fetch by their count.
	orphans := v.graph.Len() - len(v.idMap)
	nodes := v.graph.Search(q, min(k+orphans, v.graph.Len()))

	results := make([]scoredID, 0, k)
	for _, node := range nodes {
		id, ok := v.keyMap[node.Key]
		if !ok {
			continue
		}
		sim := 1.0 - float64(v.graph.Distance(q, node.Value))
		if math.IsNaN(sim) || sim < threshold {
			continue
		}
		results = append(results, scoredID{ChunkID: id, Similarity: sim})
		if len(results) == k {
			break
		}
	}
	return results, nil
}

// validate checks vectors against the index dimension, or against each
// other while the index is still empty.
func (v *vectorIndex) validate(vectors [][]float32) error {
	v.mu.RLock()
	dims := v.dims
	v.mu.RUnlock()

	for _, vec := range vectors {
		if len(vec) == 0 {
			return kberrors.ValidationError("empty embedding vector", nil)
		}
		if dims == 0 {
			dims = len(vec)
		}
		if len(vec) != dims {
			return dimensionMismatch(dims, len(vec))
		}
	}
	return nil
}

func (v *vectorIndex) count() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.idMap)
}

// checkDims fixes the dimension on first use. Callers hold the write lock.
func (v *vectorIndex) checkDims(n int) error {
	if v.dims == 0 {
		v.dims = n
		return nil
	}
	if n != v.dims {
		return dimensionMismatch(v.dims, n)
	}
	return nil
}

func dimensionMismatch(expected, got int) error {
	return kberrors.New(kberrors.ErrCodeDimensionMismatch,
		fmt.Sprintf("dimension mismatch: expected %d, got %d", expected, got), nil).
		WithSuggestion("Re-run 'vitalkb reprocess' after changing the embedding model")
}

// isZeroVector reports whether v has no direction, which leaves its cosine
// similarity undefined.
func isZeroVector(v []float32) bool {
	for _, val := range v {
		if val != 0 {
			return false
		}
	}
	return true
}

// normalizeVectorInPlace normalizes a vector to unit length in place.
func normalizeVectorInPlace(v []float32) {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= inv
	}
}
