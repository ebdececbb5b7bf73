package embedding_test

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexlapax/memfact/pkg/embedding"
	"github.com/lexlapax/memfact/pkg/embedding/adapters/hash"
)

type countingEmbedder struct {
	calls atomic.Int32
	inner embedding.Embedder
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	c.calls.Add(1)
	return c.inner.Embed(ctx, text)
}

func (c *countingEmbedder) Dimensions() int { return c.inner.Dimensions() }

func TestCachedEmbedder(t *testing.T) {
	inner := &countingEmbedder{inner: hash.New(32)}
	cached, err := embedding.NewCached(inner, 16)
	require.NoError(t, err)
	defer cached.Close()

	ctx := context.Background()
	first, err := cached.Embed(ctx, "likes tea")
	require.NoError(t, err)
	cached.Wait()

	second, err := cached.Embed(ctx, "likes tea")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), inner.calls.Load())

	second[0] = 42
	third, err := cached.Embed(ctx, "likes tea")
	require.NoError(t, err)
	assert.NotEqual(t, float32(42), third[0])

	assert.Equal(t, 32, cached.Dimensions())
}

func TestNewCachedRejectsZeroSize(t *testing.T) {
	_, err := embedding.NewCached(hash.New(8), 0)
	assert.Error(t, err)
}

func TestCosineAndNormalize(t *testing.T) {
	v := embedding.Normalize([]float32{3, 4})
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)

	assert.InDelta(t, 1.0, embedding.Cosine([]float32{1, 0}, []float32{2, 0}), 1e-9)
	assert.InDelta(t, -1.0, embedding.Cosine([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.Zero(t, embedding.Cosine([]float32{1}, []float32{1, 2}))
	assert.Zero(t, embedding.Cosine([]float32{0, 0}, []float32{1, 2}))
}
