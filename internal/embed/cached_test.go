package embed

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kberrors "github.com/Aman-CERP/vitalkb/internal/errors"
)

func TestCachedEmbedder_CacheHit_ReturnsWithoutCallingInner(t *testing.T) {
	// Given: a cached embedder that has seen a text once
	inner := newMockEmbedder(8)
	cached := NewCachedEmbedder(inner, 100)
	defer func() { _ = cached.Close() }()
	ctx := context.Background()

	first, err := cached.Embed(ctx, "how do I place the coil")
	require.NoError(t, err)

	// When: the same text is embedded again
	second, err := cached.Embed(ctx, "how do I place the coil")
	require.NoError(t, err)

	// Then: the inner embedder was called only once
	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), inner.embedCalls.Load())
	assert.Equal(t, 1, cached.Len())
}

func TestCachedEmbedder_EmbedBatch_OnlySendsMisses(t *testing.T) {
	// Given: one text already cached
	inner := newMockEmbedder(8)
	cached := NewCachedEmbedder(inner, 100)
	ctx := context.Background()
	_, err := cached.Embed(ctx, "a")
	require.NoError(t, err)

	// When: a batch containing the cached text is embedded
	vecs, err := cached.EmbedBatch(ctx, []string{"a", "bb", "ccc"})
	require.NoError(t, err)

	// Then: only the two misses reached the inner embedder, order preserved
	require.Len(t, vecs, 3)
	assert.Equal(t, int64(2), inner.batchTexts.Load())
	assert.Equal(t, inner.vectorFor("a"), vecs[0])
	assert.Equal(t, inner.vectorFor("bb"), vecs[1])
	assert.Equal(t, inner.vectorFor("ccc"), vecs[2])
}

func TestCachedEmbedder_EmbedBatch_AllCached(t *testing.T) {
	inner := newMockEmbedder(8)
	cached := NewCachedEmbedder(inner, 100)
	ctx := context.Background()

	_, err := cached.EmbedBatch(ctx, []string{"x", "y"})
	require.NoError(t, err)
	_, err = cached.EmbedBatch(ctx, []string{"y", "x"})
	require.NoError(t, err)

	assert.Equal(t, int64(1), inner.batchCalls.Load())
}

func TestCachedEmbedder_EmbedBatch_CountMismatch(t *testing.T) {
	// Given: an inner embedder that drops a vector
	inner := newMockEmbedder(8)
	inner.short = true
	cached := NewCachedEmbedder(inner, 100)

	// When: a batch is embedded
	_, err := cached.EmbedBatch(context.Background(), []string{"a", "b"})

	// Then: the mismatch is reported, not papered over
	require.Error(t, err)
	assert.Equal(t, kberrors.ErrCodeEmbeddingCountMismatch, kberrors.GetCode(err))
	assert.Equal(t, 0, cached.Len())
}

func TestCachedEmbedder_KeyIncludesModel(t *testing.T) {
	a := NewCachedEmbedder(&mockEmbedder{dimensions: 4, modelName: "m1"}, 10)
	b := NewCachedEmbedder(&mockEmbedder{dimensions: 4, modelName: "m2"}, 10)

	assert.NotEqual(t, a.cacheKey("text"), b.cacheKey("text"))
	assert.Equal(t, a.cacheKey("text"), a.cacheKey("text"))
}

func TestCachedEmbedder_DelegatesMetadata(t *testing.T) {
	cached := NewCachedEmbedder(newMockEmbedder(16), 0)

	assert.Equal(t, 16, cached.Dimensions())
	assert.Equal(t, "mock-model", cached.ModelName())
}
