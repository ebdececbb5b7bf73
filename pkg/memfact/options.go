package memfact

import (
	"time"

	"github.com/lexlapax/memfact/pkg/embedding"
	"github.com/lexlapax/memfact/pkg/extraction"
	"github.com/lexlapax/memfact/pkg/mem/history"
	"github.com/lexlapax/memfact/pkg/mem/index"
	"github.com/lexlapax/memfact/pkg/mem/repository"
	"github.com/lexlapax/memfact/pkg/metrics"
	"github.com/lexlapax/memfact/pkg/reasoning"
	"github.com/lexlapax/memfact/pkg/scripting"
)

// Option replaces a component New would otherwise build from configuration.
// Injected components are owned by the caller and are not closed by Close.
type Option func(*options)

type options struct {
	extractor extraction.ExtractorClassifier
	reasoning reasoning.Engine
	embedder  embedding.Embedder
	index     index.Index
	ledger    repository.Ledger
	history   history.Store
	metrics   *metrics.Metrics
	scripts   scripting.Engine
	now       func() time.Time
	newID     func() string
	eager     bool
}

// WithExtractor sets the fact extractor and classifier.
func WithExtractor(e extraction.ExtractorClassifier) Option {
	return func(o *options) { o.extractor = e }
}

// WithReasoningEngine sets the model behind the llm extractor.
func WithReasoningEngine(e reasoning.Engine) Option {
	return func(o *options) { o.reasoning = e }
}

// WithEmbedder sets the embedder.
func WithEmbedder(e embedding.Embedder) Option {
	return func(o *options) { o.embedder = e }
}

// WithIndex sets the vector index.
func WithIndex(idx index.Index) Option {
	return func(o *options) { o.index = idx }
}

// WithLedger sets the item bookkeeping store.
func WithLedger(l repository.Ledger) Option {
	return func(o *options) { o.ledger = l }
}

// WithHistory sets the mutation history store.
func WithHistory(h history.Store) Option {
	return func(o *options) { o.history = h }
}

// WithMetrics sets the Prometheus instruments.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithScriptEngine sets the engine that runs the scoring script.
func WithScriptEngine(e scripting.Engine) Option {
	return func(o *options) { o.scripts = e }
}

// WithClock replaces time.Now for item timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithIDGenerator replaces uuid generation for new items.
func WithIDGenerator(newID func() string) Option {
	return func(o *options) { o.newID = newID }
}

// WithEagerValidation builds every adapter and checks the index inside New,
// so unusable configuration fails construction instead of the first call.
func WithEagerValidation() Option {
	return func(o *options) { o.eager = true }
}
