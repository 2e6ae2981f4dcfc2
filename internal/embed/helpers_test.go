package embed

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	kberrors "github.com/Aman-CERP/vitalkb/internal/errors"
)

// vectorMagnitude computes the magnitude of a vector
func vectorMagnitude(v []float32) float64 {
	var sum float64
	for _, val := range v {
		sum += float64(val) * float64(val)
	}
	return math.Sqrt(sum)
}

// cosineSimilarity computes cosine similarity between two vectors
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dotProduct, magA, magB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dotProduct / (math.Sqrt(magA) * math.Sqrt(magB))
}

// fastRetry keeps retry tests quick.
func fastRetry() kberrors.RetryConfig {
	return kberrors.RetryConfig{
		MaxRetries:   2,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

// mockEmbedder is a test double that counts calls
type mockEmbedder struct {
	embedCalls atomic.Int64
	batchCalls atomic.Int64
	batchTexts atomic.Int64
	dimensions int
	modelName  string

	// short drops the last vector of every batch when set
	short bool
}

func newMockEmbedder(dims int) *mockEmbedder {
	return &mockEmbedder{dimensions: dims, modelName: "mock-model"}
}

func (m *mockEmbedder) vectorFor(text string) []float32 {
	vec := make([]float32, m.dimensions)
	vec[len(text)%m.dimensions] = 1
	return vec
}

func (m *mockEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	m.embedCalls.Add(1)
	return m.vectorFor(text), nil
}

func (m *mockEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	m.batchCalls.Add(1)
	m.batchTexts.Add(int64(len(texts)))
	result := make([][]float32, 0, len(texts))
	for _, t := range texts {
		result = append(result, m.vectorFor(t))
	}
	if m.short && len(result) > 0 {
		result = result[:len(result)-1]
	}
	return result, nil
}

func (m *mockEmbedder) Dimensions() int  { return m.dimensions }
func (m *mockEmbedder) ModelName() string { return m.modelName }
func (m *mockEmbedder) Close() error      { return nil }
