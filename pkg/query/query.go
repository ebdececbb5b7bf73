// Package query answers owner-scoped similarity searches over stored memories.
package query

import (
	"context"
	"sort"
	"time"

	"github.com/lexlapax/memfact/pkg/embedding"
	"github.com/lexlapax/memfact/pkg/entity"
	"github.com/lexlapax/memfact/pkg/errors"
	"github.com/lexlapax/memfact/pkg/log"
	"github.com/lexlapax/memfact/pkg/mem/index"
	"github.com/lexlapax/memfact/pkg/mem/repository"
	"github.com/lexlapax/memfact/pkg/mem/score"
	"github.com/lexlapax/memfact/pkg/metrics"
)

// DefaultOverfetch multiplies the limit when results are filtered after retrieval.
const DefaultOverfetch = 2

// Reader looks up the current state of a memory.
type Reader interface {
	Read(ctx context.Context, id string) (repository.MemoryItem, bool, error)
}

// Options narrows one search.
type Options struct {
	// Limit is the maximum number of results and must be positive
	Limit int

	// Threshold drops results scoring below it
	Threshold float64

	// Filter keeps only memories whose metadata holds every key with an equal value
	Filter index.Filter
}

// Result is one ranked hit.
type Result struct {
	Memory repository.MemoryItem `json:"memory"`
	Score  float64               `json:"score"`
}

// Engine runs searches.
type Engine struct {
	reader     Reader
	index      index.Index
	embedder   embedding.Embedder
	normalizer score.Normalizer
	overfetch  int
	metrics    *metrics.Metrics
}

// Option configures an Engine.
type Option func(*Engine)

// WithOverfetch sets the limit multiplier used when a filter or threshold is set.
func WithOverfetch(factor int) Option {
	return func(e *Engine) {
		if factor >= 1 {
			e.overfetch = factor
		}
	}
}

// WithMetrics sets the instruments to record into.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New creates an Engine. A nil normalizer uses the auto mapping.
func New(reader Reader, idx index.Index, embedder embedding.Embedder, normalizer score.Normalizer, opts ...Option) *Engine {
	if normalizer == nil {
		normalizer = score.Func(score.AutoScore)
	}
	e := &Engine{
		reader:     reader,
		index:      idx,
		embedder:   embedder,
		normalizer: normalizer,
		overfetch:  DefaultOverfetch,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Search returns owner's memories most similar to text, best first. Scores
// are normalized to [0, 1]; ties go to the more recently updated memory.
// No match is an empty result, not an error.
func (e *Engine) Search(ctx context.Context, owner entity.OwnerID, text string, opts Options) ([]Result, error) {
	if err := owner.Validate(); err != nil {
		return nil, err
	}
	if opts.Limit <= 0 {
		return nil, errors.Wrap(errors.ErrInvalidInput, "limit must be positive, got %d", opts.Limit)
	}

	start := time.Now()
	vector, err := e.embedder.Embed(ctx, text)
	e.metrics.Adapter("embedder", "embed", start, err)
	if err != nil {
		return nil, errors.Wrap(err, "embed query")
	}

	k := opts.Limit
	if len(opts.Filter) > 0 || opts.Threshold > 0 {
		k *= e.overfetch
	}

	start = time.Now()
	hits, err := e.index.Query(ctx, owner, vector, k, opts.Filter)
	e.metrics.Adapter("index", "query", start, err)
	if err != nil {
		return nil, errors.Wrap(err, "query index")
	}

	results := make([]Result, 0, len(hits))
	for _, hit := range hits {
		s, err := e.normalizer.Normalize(ctx, hit.Score, e.index.Metric())
		if err != nil {
			return nil, err
		}
		if s < opts.Threshold {
			continue
		}

		item, ok, err := e.reader.Read(ctx, hit.Record.ID)
		if err != nil {
			return nil, err
		}
		if !ok || item.Owner != owner || !opts.Filter.Matches(item.Metadata) {
			continue
		}
		results = append(results, Result{Memory: item, Score: s})
	}

	sortResults(results)
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}

	e.metrics.Search(len(results))
	log.DebugContext(ctx, "Searched memories", "owner_id", owner, "hits", len(hits), "results", len(results))
	return results, nil
}

func sortResults(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.Memory.UpdatedAt.Equal(b.Memory.UpdatedAt) {
			return a.Memory.UpdatedAt.After(b.Memory.UpdatedAt)
		}
		return a.Memory.ID < b.Memory.ID
	})
}
