package resilience

import (
	"context"
	"time"

	"github.com/lexlapax/memfact/pkg/embedding"
	"github.com/lexlapax/memfact/pkg/entity"
	"github.com/lexlapax/memfact/pkg/mem/index"
	"github.com/lexlapax/memfact/pkg/reasoning"
)

// GuardedEmbedder bounds and breaks calls to an embedder.
type GuardedEmbedder struct {
	next    embedding.Embedder
	breaker *Breaker
	timeout time.Duration
}

// GuardEmbedder wraps next with breaker and a per-call timeout.
func GuardEmbedder(next embedding.Embedder, breaker *Breaker, timeout time.Duration) *GuardedEmbedder {
	return &GuardedEmbedder{next: next, breaker: breaker, timeout: timeout}
}

// Embed implements embedding.Embedder.
func (g *GuardedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := WithTimeout(ctx, g.timeout)
	defer cancel()

	var vec []float32
	err := g.breaker.Do(func() error {
		var err error
		vec, err = g.next.Embed(ctx, text)
		return err
	})
	return vec, err
}

// Dimensions implements embedding.Embedder.
func (g *GuardedEmbedder) Dimensions() int {
	return g.next.Dimensions()
}

// GuardedEngine bounds and breaks calls to a reasoning engine.
type GuardedEngine struct {
	next    reasoning.Engine
	breaker *Breaker
	timeout time.Duration
}

// GuardEngine wraps next with breaker and a per-call timeout.
func GuardEngine(next reasoning.Engine, breaker *Breaker, timeout time.Duration) *GuardedEngine {
	return &GuardedEngine{next: next, breaker: breaker, timeout: timeout}
}

// Process implements reasoning.Engine.
func (g *GuardedEngine) Process(ctx context.Context, prompt string, opts ...reasoning.Option) (string, error) {
	ctx, cancel := WithTimeout(ctx, g.timeout)
	defer cancel()

	var out string
	err := g.breaker.Do(func() error {
		var err error
		out, err = g.next.Process(ctx, prompt, opts...)
		return err
	})
	return out, err
}

// GuardedIndex bounds and breaks calls to a vector index. Metric and Close
// pass straight through.
type GuardedIndex struct {
	next    index.Index
	breaker *Breaker
	timeout time.Duration
}

// GuardIndex wraps next with breaker and a per-call timeout.
func GuardIndex(next index.Index, breaker *Breaker, timeout time.Duration) *GuardedIndex {
	return &GuardedIndex{next: next, breaker: breaker, timeout: timeout}
}

func (g *GuardedIndex) do(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := WithTimeout(ctx, g.timeout)
	defer cancel()
	return g.breaker.Do(func() error { return fn(ctx) })
}

// Upsert implements index.Index.
func (g *GuardedIndex) Upsert(ctx context.Context, rec index.Record) error {
	return g.do(ctx, func(ctx context.Context) error {
		return g.next.Upsert(ctx, rec)
	})
}

// Delete implements index.Index.
func (g *GuardedIndex) Delete(ctx context.Context, id string) (bool, error) {
	var existed bool
	err := g.do(ctx, func(ctx context.Context) error {
		var err error
		existed, err = g.next.Delete(ctx, id)
		return err
	})
	return existed, err
}

// Get implements index.Index.
func (g *GuardedIndex) Get(ctx context.Context, id string) (*index.Record, error) {
	var rec *index.Record
	err := g.do(ctx, func(ctx context.Context) error {
		var err error
		rec, err = g.next.Get(ctx, id)
		return err
	})
	return rec, err
}

// Query implements index.Index.
func (g *GuardedIndex) Query(ctx context.Context, owner entity.OwnerID, vector []float32, k int, filter index.Filter) ([]index.Hit, error) {
	var hits []index.Hit
	err := g.do(ctx, func(ctx context.Context) error {
		var err error
		hits, err = g.next.Query(ctx, owner, vector, k, filter)
		return err
	})
	return hits, err
}

// Metric implements index.Index.
func (g *GuardedIndex) Metric() index.Metric {
	return g.next.Metric()
}

// Close implements index.Index.
func (g *GuardedIndex) Close() error {
	return g.next.Close()
}
