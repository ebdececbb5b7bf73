package embedding

import (
	"context"

	"github.com/dgraph-io/ristretto"

	"github.com/lexlapax/memfact/pkg/errors"
	"github.com/lexlapax/memfact/pkg/log"
)

// Cached memoizes embeddings by exact text in a ristretto cache.
type Cached struct {
	next  Embedder
	cache *ristretto.Cache
}

// NewCached wraps next with a cache holding up to maxEntries vectors.
func NewCached(next Embedder, maxEntries int) (*Cached, error) {
	if maxEntries <= 0 {
		return nil, errors.Wrap(errors.ErrInvalidInput, "cache size must be positive")
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: int64(maxEntries) * 10,
		MaxCost:     int64(maxEntries),
		BufferItems: 64,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create embedding cache")
	}
	return &Cached{next: next, cache: cache}, nil
}

// Embed returns a cached vector or delegates to the wrapped embedder.
// Callers receive a copy and may mutate it.
func (c *Cached) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := c.cache.Get(text); ok {
		if vec, ok := v.([]float32); ok {
			log.DebugContext(ctx, "Embedding cache hit", "length", len(text))
			return append([]float32(nil), vec...), nil
		}
	}

	vec, err := c.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Set(text, append([]float32(nil), vec...), 1)
	return vec, nil
}

// Dimensions returns the wrapped embedder's dimensions.
func (c *Cached) Dimensions() int {
	return c.next.Dimensions()
}

// Wait blocks until pending cache writes are visible.
func (c *Cached) Wait() {
	c.cache.Wait()
}

// Close releases the cache.
func (c *Cached) Close() {
	c.cache.Close()
}
