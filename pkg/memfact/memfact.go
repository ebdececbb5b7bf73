// Package memfact is a semantic fact memory. Add extracts facts from text and
// reconciles them with what an owner already has; Search ranks an owner's
// facts by similarity to a query.
//
// A Memory is safe for concurrent use. Adapters are built on first use, so a
// Memory over an unreachable index or without credentials constructs fine and
// fails at the first call that needs the adapter. Pass WithEagerValidation to
// fail in New instead.
package memfact

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/lexlapax/memfact/pkg/config"
	"github.com/lexlapax/memfact/pkg/entity"
	"github.com/lexlapax/memfact/pkg/errors"
	"github.com/lexlapax/memfact/pkg/log"
	"github.com/lexlapax/memfact/pkg/mem/history"
	"github.com/lexlapax/memfact/pkg/mem/index"
	"github.com/lexlapax/memfact/pkg/mem/repository"
	"github.com/lexlapax/memfact/pkg/metrics"
	"github.com/lexlapax/memfact/pkg/query"
	"github.com/lexlapax/memfact/pkg/reconcile"
)

const tracerName = "github.com/lexlapax/memfact/pkg/memfact"

// ErrClosed is returned by calls made after Close.
var ErrClosed = errors.New("memory is closed")

type (
	// MemoryItem is a stored fact.
	MemoryItem = repository.MemoryItem

	// Patch changes content and metadata of a stored fact.
	Patch = repository.Patch

	// AddResult lists what Add did with each extracted fact.
	AddResult = reconcile.AddResult

	// Outcome is one entry of an AddResult.
	Outcome = reconcile.Outcome

	// SearchResult is one ranked hit.
	SearchResult = query.Result

	// HistoryRecord is one recorded mutation.
	HistoryRecord = history.Record
)

// Action kinds reported in Outcome.Action.
const (
	ActionAdd    = reconcile.Add
	ActionUpdate = reconcile.Update
	ActionDelete = reconcile.Delete
	ActionNoop   = reconcile.Noop
)

// SearchOptions narrows a search. Zero values use the configured defaults.
type SearchOptions struct {
	// Limit is the maximum number of results; negative is invalid
	Limit int

	// Threshold drops results scoring below it; nil uses search.score_threshold
	Threshold *float64

	// Filter keeps only facts whose metadata holds every key with an equal value
	Filter map[string]interface{}
}

// Threshold returns a pointer for SearchOptions.Threshold.
func Threshold(v float64) *float64 { return &v }

// Memory is the engine facade.
type Memory struct {
	cfg     *config.Config
	opts    options
	metrics *metrics.Metrics
	tracer  trace.Tracer

	mu     sync.Mutex
	c      *components
	closed bool
}

// New creates a Memory from a structured configuration value: nil, a
// config.Config, a *config.Config or a map of options. Any other value, such
// as a plain string, fails with *errors.ConfigurationError before any adapter
// is touched.
func New(raw interface{}, opts ...Option) (*Memory, error) {
	cfg, err := config.Parse(raw)
	if err != nil {
		return nil, err
	}
	return newMemory(cfg, opts)
}

// NewFromConfigFile loads .env, then the YAML file at path with environment
// overrides applied, and creates a Memory from it.
func NewFromConfigFile(path string, opts ...Option) (*Memory, error) {
	if err := config.LoadDotEnv(); err != nil {
		return nil, err
	}
	cfg, err := config.LoadFromFile(path)
	if err != nil {
		return nil, err
	}
	return newMemory(cfg, opts)
}

func newMemory(cfg *config.Config, opts []Option) (*Memory, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	m := &Memory{cfg: cfg, opts: o, metrics: o.metrics, tracer: otel.Tracer(tracerName)}
	if m.metrics == nil {
		var err error
		if m.metrics, err = metrics.New(nil); err != nil {
			return nil, errors.Wrap(err, "failed to create metrics")
		}
	}

	if o.eager {
		ctx := context.Background()
		c, err := m.ensure(ctx)
		if err != nil {
			return nil, err
		}
		if _, err := c.index.Get(ctx, checkID); err != nil {
			_ = m.Close()
			return nil, errors.Wrap(err, "vector index unusable")
		}
	}

	log.Debug("Memory created",
		"extractor", cfg.Extractor.Provider,
		"embedder", cfg.Embedder.Provider,
		"vector_store", cfg.VectorStore.Provider,
		"eager", o.eager,
	)
	return m, nil
}

// Config returns a copy of the configuration in use.
func (m *Memory) Config() config.Config {
	return *m.cfg
}

// Metrics returns the instruments this Memory records into.
func (m *Memory) Metrics() *metrics.Metrics {
	return m.metrics
}

// ensure builds the adapters on first use. A failed build is retried by the
// next call.
func (m *Memory) ensure(ctx context.Context) (*components, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	if m.c != nil {
		return m.c, nil
	}

	c, err := build(ctx, m.cfg, &m.opts, m.metrics)
	if err != nil {
		log.ErrorContext(ctx, "Failed to initialize adapters", "error", err)
		return nil, err
	}
	m.c = c
	return c, nil
}

func (m *Memory) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, "memfact."+name, trace.WithAttributes(attrs...))
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// AddOptions tunes a single AddWithOptions call.
type AddOptions struct {
	// Metadata is attached to every stored fact
	Metadata map[string]interface{}

	// Raw stores content as one memory, skipping extraction and reconciliation
	Raw bool
}

// Add extracts facts from content and reconciles each with owner's memories,
// in extraction order.
//
// Extractor, embedder and index failures abort the call without a result.
// A fact the classifier cannot judge is reported as a NOOP with a note. When
// ctx ends or an adapter call times out mid-call, the outcomes applied so far
// are returned with the error.
func (m *Memory) Add(ctx context.Context, content string, owner entity.OwnerID, metadata map[string]interface{}) (AddResult, error) {
	return m.AddWithOptions(ctx, content, owner, AddOptions{Metadata: metadata})
}

// AddWithOptions is Add with per-call options. With opts.Raw the trimmed
// content is stored as a single ADD; blank content stores nothing.
func (m *Memory) AddWithOptions(ctx context.Context, content string, owner entity.OwnerID, opts AddOptions) (result AddResult, err error) {
	ctx, span := m.start(ctx, "add",
		attribute.String("memfact.owner_id", owner.String()),
		attribute.Bool("memfact.raw", opts.Raw))
	defer func() {
		span.SetAttributes(attribute.Int("memfact.outcomes", len(result.Results)))
		finish(span, err)
	}()

	if err := owner.Validate(); err != nil {
		return AddResult{}, err
	}
	c, err := m.ensure(ctx)
	if err != nil {
		return AddResult{}, err
	}

	if opts.Raw {
		result = AddResult{Results: []Outcome{}}
		text := strings.TrimSpace(content)
		if text == "" {
			return result, nil
		}
		outcome, err := c.reconciler.Apply(ctx, owner, reconcile.Action{
			Kind:     reconcile.Add,
			Content:  text,
			Metadata: repository.CloneMetadata(opts.Metadata),
			Note:     "stored without inference",
		})
		if err != nil {
			return AddResult{}, err
		}
		result.Results = append(result.Results, outcome)
		return result, nil
	}

	start := time.Now()
	facts, err := c.extractor.Extract(ctx, content)
	m.metrics.Adapter("extractor", "extract", start, err)
	if err != nil {
		return AddResult{}, errors.Wrap(err, "extract facts")
	}
	span.SetAttributes(attribute.Int("memfact.facts", len(facts)))

	return c.reconciler.Run(ctx, owner, facts, opts.Metadata)
}

// Search returns owner's facts most similar to text, best first.
func (m *Memory) Search(ctx context.Context, text string, owner entity.OwnerID, opts SearchOptions) (results []SearchResult, err error) {
	ctx, span := m.start(ctx, "search", attribute.String("memfact.owner_id", owner.String()))
	defer func() {
		span.SetAttributes(attribute.Int("memfact.results", len(results)))
		finish(span, err)
	}()

	limit := opts.Limit
	if limit == 0 {
		limit = m.cfg.Search.Limit
	}
	threshold := m.cfg.Search.ScoreThreshold
	if opts.Threshold != nil {
		threshold = *opts.Threshold
	}
	if threshold < 0 || threshold > 1 {
		return nil, errors.Wrap(errors.ErrInvalidInput, "threshold must be within [0, 1], got %v", threshold)
	}

	c, err := m.ensure(ctx)
	if err != nil {
		return nil, err
	}
	return c.search.Search(ctx, owner, text, query.Options{
		Limit:     limit,
		Threshold: threshold,
		Filter:    index.Filter(opts.Filter),
	})
}

// Get returns the fact with id, or nil when it does not exist.
func (m *Memory) Get(ctx context.Context, id string) (*MemoryItem, error) {
	c, err := m.ensure(ctx)
	if err != nil {
		return nil, err
	}
	item, ok, err := c.repo.Read(ctx, id)
	if err != nil || !ok {
		return nil, err
	}
	return &item, nil
}

// GetAll returns owner's facts newest first. A zero limit uses search.limit.
func (m *Memory) GetAll(ctx context.Context, owner entity.OwnerID, limit int) ([]MemoryItem, error) {
	if limit < 0 {
		return nil, errors.Wrap(errors.ErrInvalidInput, "limit must not be negative, got %d", limit)
	}
	if limit == 0 {
		limit = m.cfg.Search.Limit
	}
	c, err := m.ensure(ctx)
	if err != nil {
		return nil, err
	}
	return c.repo.List(ctx, owner, limit, 0)
}

// Update replaces the content of the fact with id. A missing id is a
// *errors.NotFoundError.
func (m *Memory) Update(ctx context.Context, id, content string) (MemoryItem, error) {
	return m.UpdateWithPatch(ctx, id, repository.ContentPatch(content))
}

// UpdateWithPatch applies patch to the fact with id. A patch with
// ExpectedVersion fails with *errors.ConflictError when the fact has moved on.
func (m *Memory) UpdateWithPatch(ctx context.Context, id string, patch Patch) (item MemoryItem, err error) {
	ctx, span := m.start(ctx, "update", attribute.String("memfact.memory_id", id))
	defer func() { finish(span, err) }()

	c, err := m.ensure(ctx)
	if err != nil {
		return MemoryItem{}, err
	}

	before, found, err := c.repo.Read(ctx, id)
	if err != nil {
		return MemoryItem{}, err
	}
	if item, err = c.repo.Update(ctx, id, patch); err != nil {
		return MemoryItem{}, err
	}

	var old *MemoryItem
	if found {
		old = &before
	}
	reconcile.RecordHistory(ctx, c.history, history.EventUpdate, old, &item)
	return item, nil
}

// Delete removes the fact with id and reports whether it existed. Deleting a
// missing id is not an error.
func (m *Memory) Delete(ctx context.Context, id string) (found bool, err error) {
	ctx, span := m.start(ctx, "delete", attribute.String("memfact.memory_id", id))
	defer func() { finish(span, err) }()

	c, err := m.ensure(ctx)
	if err != nil {
		return false, err
	}

	before, ok, err := c.repo.Read(ctx, id)
	if err != nil || !ok {
		return false, err
	}
	if found, err = c.repo.Delete(ctx, id); err != nil || !found {
		return found, err
	}
	reconcile.RecordHistory(ctx, c.history, history.EventDelete, &before, nil)
	return true, nil
}

// DeleteAll removes every fact of owner and returns how many were removed.
func (m *Memory) DeleteAll(ctx context.Context, owner entity.OwnerID) (n int, err error) {
	ctx, span := m.start(ctx, "delete_all", attribute.String("memfact.owner_id", owner.String()))
	defer func() { finish(span, err) }()

	c, err := m.ensure(ctx)
	if err != nil {
		return 0, err
	}

	removed, err := c.repo.DeleteAll(ctx, owner)
	for i := range removed {
		reconcile.RecordHistory(ctx, c.history, history.EventDelete, &removed[i], nil)
	}
	return len(removed), err
}

// Reset removes every fact of every owner and clears the mutation history.
// Ids of removed facts are never reused.
func (m *Memory) Reset(ctx context.Context) (n int, err error) {
	ctx, span := m.start(ctx, "reset")
	defer func() {
		span.SetAttributes(attribute.Int("memfact.removed", n))
		finish(span, err)
	}()

	c, err := m.ensure(ctx)
	if err != nil {
		return 0, err
	}

	removed, err := c.repo.Reset(ctx)
	if err != nil {
		return len(removed), errors.Wrap(err, "reset memories")
	}
	if err := c.history.Reset(ctx); err != nil {
		return len(removed), errors.Wrap(err, "reset history")
	}
	return len(removed), nil
}

// History returns the recorded mutations of the fact with id, oldest first.
func (m *Memory) History(ctx context.Context, id string) ([]HistoryRecord, error) {
	c, err := m.ensure(ctx)
	if err != nil {
		return nil, err
	}
	return c.history.ForMemory(ctx, id)
}

// Close releases the adapters this Memory built. Injected components are
// left open. Close is idempotent.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	if m.c == nil {
		return nil
	}
	err := m.c.close()
	m.c = nil
	return err
}
