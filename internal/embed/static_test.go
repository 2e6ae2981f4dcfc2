package embed

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticEmbedder_Deterministic(t *testing.T) {
	e := NewStaticEmbedder(0)
	ctx := context.Background()

	a, err := e.Embed(ctx, "Place the coil above the liver")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "Place the coil above the liver")
	require.NoError(t, err)

	assert.Len(t, a, StaticDimensions)
	assert.Equal(t, a, b)
	assert.InDelta(t, 1.0, vectorMagnitude(a), 1e-5)
}

func TestStaticEmbedder_SimilarTextScoresHigher(t *testing.T) {
	e := NewStaticEmbedder(128)
	ctx := context.Background()

	query, _ := e.Embed(ctx, "coil placement")
	near, _ := e.Embed(ctx, "where should the coil placement be")
	far, _ := e.Embed(ctx, "billing and refunds")

	assert.Greater(t, cosineSimilarity(query, near), cosineSimilarity(query, far))
}

func TestStaticEmbedder_BlankTextIsZeroVector(t *testing.T) {
	e := NewStaticEmbedder(32)

	vec, err := e.Embed(context.Background(), "   \n ")
	require.NoError(t, err)

	assert.Len(t, vec, 32)
	assert.Zero(t, vectorMagnitude(vec))
}

func TestStaticEmbedder_EmbedBatchAndClose(t *testing.T) {
	e := NewStaticEmbedder(32)
	ctx := context.Background()

	vecs, err := e.EmbedBatch(ctx, []string{"one", "", "three"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	assert.Zero(t, vectorMagnitude(vecs[1]))

	require.NoError(t, e.Close())
	_, err = e.Embed(ctx, "one")
	assert.Error(t, err)
}
