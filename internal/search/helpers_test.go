package search

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/Aman-CERP/vitalkb/internal/store"
)

// fakeStore is a LexicalStore and VectorStore over an in-memory chunk list.
type fakeStore struct {
	mu     sync.Mutex
	chunks []store.Chunk

	// vector results returned verbatim by SimilaritySearch
	similar []store.SearchResult

	substringErr map[string]error
	fullTextErr  error
	vectorErr    error
	delay        time.Duration

	substringCalls []string
	fullTextCalls  []string
	vectorCalls    int
}

func (f *fakeStore) SubstringSearch(ctx context.Context, term string, limit int) ([]store.Chunk, error) {
	f.mu.Lock()
	f.substringCalls = append(f.substringCalls, term)
	err := f.substringErr[term]
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.delay):
		}
	}
	if err != nil {
		return nil, err
	}

	var out []store.Chunk
	for _, c := range f.chunks {
		if strings.Contains(strings.ToLower(c.Text), term) {
			out = append(out, c)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (f *fakeStore) FullTextSearch(_ context.Context, query string, limit int) ([]store.Chunk, error) {
	f.mu.Lock()
	f.fullTextCalls = append(f.fullTextCalls, query)
	f.mu.Unlock()

	if f.fullTextErr != nil {
		return nil, f.fullTextErr
	}
	var out []store.Chunk
	for _, c := range f.chunks {
		match := true
		for _, w := range strings.Fields(query) {
			if !strings.Contains(strings.ToLower(c.Text), w) {
				match = false
				break
			}
		}
		if match {
			out = append(out, c)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) SimilaritySearch(ctx context.Context, _ []float32, threshold float64, limit int) ([]store.SearchResult, error) {
	f.mu.Lock()
	f.vectorCalls++
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.delay):
		}
	}
	if f.vectorErr != nil {
		return nil, f.vectorErr
	}
	var out []store.SearchResult
	for _, r := range f.similar {
		if r.Similarity >= threshold {
			out = append(out, r)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// fakeEmbedder returns a fixed vector or a fixed error.
type fakeEmbedder struct {
	err   error
	calls int
}

func (e *fakeEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	return []float32{1, 0, 0}, nil
}

func (e *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (e *fakeEmbedder) Dimensions() int  { return 3 }
func (e *fakeEmbedder) ModelName() string { return "fake" }
func (e *fakeEmbedder) Close() error      { return nil }

var errBoom = errors.New("boom")

func chunk(id, section, text string) store.Chunk {
	return store.Chunk{ID: id, SourceID: "src-" + id, SectionType: section, Text: text}
}

func hit(id string, sim float64) store.SearchResult {
	return store.SearchResult{ChunkID: id, SourceID: "src-" + id, Similarity: sim, SectionType: store.SectionMainContent}
}

func ids(results []store.SearchResult) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.ChunkID
	}
	return out
}
