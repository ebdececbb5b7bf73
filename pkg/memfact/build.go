package memfact

import (
	"context"
	"fmt"
	"time"

	"github.com/lexlapax/memfact/pkg/config"
	"github.com/lexlapax/memfact/pkg/embedding"
	"github.com/lexlapax/memfact/pkg/embedding/adapters/hash"
	embedopenai "github.com/lexlapax/memfact/pkg/embedding/adapters/openai"
	"github.com/lexlapax/memfact/pkg/errors"
	"github.com/lexlapax/memfact/pkg/extraction"
	"github.com/lexlapax/memfact/pkg/log"
	"github.com/lexlapax/memfact/pkg/mem/history"
	"github.com/lexlapax/memfact/pkg/mem/index"
	"github.com/lexlapax/memfact/pkg/mem/index/adapters/chromem_go"
	indexmock "github.com/lexlapax/memfact/pkg/mem/index/adapters/mock"
	"github.com/lexlapax/memfact/pkg/mem/index/adapters/pgvector"
	"github.com/lexlapax/memfact/pkg/mem/repository"
	"github.com/lexlapax/memfact/pkg/mem/score"
	"github.com/lexlapax/memfact/pkg/metrics"
	"github.com/lexlapax/memfact/pkg/query"
	"github.com/lexlapax/memfact/pkg/reasoning"
	"github.com/lexlapax/memfact/pkg/reasoning/adapters/anthropic"
	reasoningmock "github.com/lexlapax/memfact/pkg/reasoning/adapters/mock"
	reasoningopenai "github.com/lexlapax/memfact/pkg/reasoning/adapters/openai"
	"github.com/lexlapax/memfact/pkg/reconcile"
	"github.com/lexlapax/memfact/pkg/resilience"
	"github.com/lexlapax/memfact/pkg/scripting"
)

// checkID is looked up during eager validation to force a round trip to the index.
const checkID = "memfact-connection-check"

// components is everything a Memory needs once its adapters exist.
type components struct {
	repo       *repository.Repository
	index      index.Index
	extractor  extraction.ExtractorClassifier
	reconciler *reconcile.Engine
	search     *query.Engine
	history    history.Store

	closers []func() error
}

func (c *components) close() error {
	var first error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	c.closers = nil
	return first
}

// build constructs the adapters named by cfg, preferring injected ones. On
// failure everything built so far is closed again.
func build(ctx context.Context, cfg *config.Config, o *options, m *metrics.Metrics) (c *components, err error) {
	c = &components{}
	defer func() {
		if err != nil {
			_ = c.close()
			c = nil
		}
	}()

	if c.extractor, err = buildExtractor(cfg, o); err != nil {
		return nil, err
	}

	embedder, err := buildEmbedder(cfg, o, c)
	if err != nil {
		return nil, err
	}

	dims := embedder.Dimensions()
	if cfg.VectorStore.Dimensions > 0 {
		dims = cfg.VectorStore.Dimensions
	}
	if c.index, err = buildIndex(cfg, o, c, dims); err != nil {
		return nil, err
	}

	ledger, err := buildLedger(ctx, cfg, o)
	if err != nil {
		return nil, err
	}

	if c.history, err = buildHistory(ctx, cfg, o, c); err != nil {
		return nil, err
	}

	normalizer, err := buildNormalizer(cfg, o, c)
	if err != nil {
		return nil, err
	}

	repoOpts := []repository.Option{
		repository.WithRetryPolicy(retryPolicy(cfg)),
	}
	if o.now != nil {
		repoOpts = append(repoOpts, repository.WithClock(o.now))
	}
	if o.newID != nil {
		repoOpts = append(repoOpts, repository.WithIDGenerator(o.newID))
	}
	c.repo = repository.New(ledger, c.index, embedder, repoOpts...)
	c.closers = append(c.closers, c.repo.Close)

	c.reconciler = reconcile.New(c.repo, c.index, embedder, c.extractor, normalizer,
		reconcile.WithNeighbors(cfg.Reconcile.Neighbors),
		reconcile.WithRetryPolicy(retryPolicy(cfg)),
		reconcile.WithHistory(c.history),
		reconcile.WithMetrics(m),
	)
	c.search = query.New(c.repo, c.index, embedder, normalizer,
		query.WithOverfetch(cfg.Search.OverfetchFactor),
		query.WithMetrics(m),
	)
	return c, nil
}

func retryPolicy(cfg *config.Config) resilience.RetryPolicy {
	return resilience.RetryPolicy{MaxRetries: cfg.Reconcile.MaxRetries, BaseDelay: cfg.RetryBaseDelay()}
}

func breaker(cfg *config.Config, name string) *resilience.Breaker {
	return resilience.NewBreaker(resilience.BreakerConfig{
		Name:        name,
		MaxFailures: uint32(cfg.Resilience.MaxFailures),
		OpenTimeout: time.Duration(cfg.Resilience.OpenSeconds) * time.Second,
	})
}

func buildExtractor(cfg *config.Config, o *options) (extraction.ExtractorClassifier, error) {
	if o.extractor != nil {
		return o.extractor, nil
	}

	switch cfg.Extractor.Provider {
	case "rules":
		return extraction.NewRules(cfg.Extractor.UpdateThreshold), nil
	case "llm":
		engine, err := buildReasoning(cfg, o)
		if err != nil {
			return nil, err
		}
		var opts []reasoning.Option
		if cfg.LLM.Temperature > 0 {
			opts = append(opts, reasoning.WithTemperature(cfg.LLM.Temperature))
		}
		if cfg.LLM.MaxTokens > 0 {
			opts = append(opts, reasoning.WithMaxTokens(cfg.LLM.MaxTokens))
		}
		return extraction.NewLLM(engine, extraction.LLMConfig{
			FactPrompt:   cfg.CustomFactExtractionPrompt,
			UpdatePrompt: cfg.CustomUpdateMemoryPrompt,
			Options:      opts,
		}), nil
	}
	return nil, errors.NewConfigurationError("extractor.provider", fmt.Sprintf("unsupported provider %q", cfg.Extractor.Provider), nil)
}

func buildReasoning(cfg *config.Config, o *options) (reasoning.Engine, error) {
	if o.reasoning != nil {
		return o.reasoning, nil
	}

	var (
		engine reasoning.Engine
		err    error
	)
	switch cfg.LLM.Provider {
	case "openai":
		engine, err = reasoningopenai.NewOpenAIAdapter(reasoningopenai.Config{
			APIKey:    cfg.LLM.APIKey,
			ChatModel: cfg.LLM.Model,
			BaseURL:   cfg.LLM.BaseURL,
		})
	case "anthropic":
		engine, err = anthropic.New(anthropic.Config{
			APIKey:  cfg.LLM.APIKey,
			Model:   cfg.LLM.Model,
			BaseURL: cfg.LLM.BaseURL,
		})
	case "mock":
		engine = reasoningmock.NewMockEngine()
	default:
		return nil, errors.NewConfigurationError("llm.provider", fmt.Sprintf("unsupported provider %q", cfg.LLM.Provider), nil)
	}
	if err != nil {
		return nil, err
	}

	log.Info("Initialized reasoning engine", "provider", cfg.LLM.Provider, "model", cfg.LLM.Model)
	return resilience.GuardEngine(engine, breaker(cfg, "llm"), cfg.AdapterTimeout()), nil
}

func buildEmbedder(cfg *config.Config, o *options, c *components) (embedding.Embedder, error) {
	if o.embedder != nil {
		return o.embedder, nil
	}

	var embedder embedding.Embedder
	switch cfg.Embedder.Provider {
	case "hash":
		embedder = hash.New(cfg.Embedder.Dimensions)
	case "openai":
		e, err := embedopenai.New(embedopenai.Config{
			APIKey:     cfg.Embedder.APIKey,
			Model:      cfg.Embedder.Model,
			BaseURL:    cfg.Embedder.BaseURL,
			Dimensions: cfg.Embedder.Dimensions,
		})
		if err != nil {
			return nil, err
		}
		embedder = resilience.GuardEmbedder(e, breaker(cfg, "embedder"), cfg.AdapterTimeout())
	default:
		return nil, errors.NewConfigurationError("embedder.provider", fmt.Sprintf("unsupported provider %q", cfg.Embedder.Provider), nil)
	}

	if cfg.Embedder.CacheSize > 0 {
		cached, err := embedding.NewCached(embedder, cfg.Embedder.CacheSize)
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, func() error { cached.Close(); return nil })
		embedder = cached
	}

	log.Info("Initialized embedder", "provider", cfg.Embedder.Provider, "dimensions", embedder.Dimensions())
	return embedder, nil
}

func buildIndex(cfg *config.Config, o *options, c *components, dims int) (index.Index, error) {
	if o.index != nil {
		return o.index, nil
	}

	var idx index.Index
	switch cfg.VectorStore.Provider {
	case "chromem":
		idx = chromem_go.New(chromem_go.Config{
			Collection: cfg.VectorStore.Collection,
			Path:       cfg.VectorStore.Path,
			Compress:   cfg.VectorStore.Compress,
			Dimensions: dims,
		})
	case "pgvector":
		a, err := pgvector.NewPgvectorAdapter(pgvector.Config{
			ConnectionString: cfg.VectorStore.ConnectionString,
			TableName:        cfg.VectorStore.TableName,
			Dimensions:       dims,
			DistanceMetric:   cfg.VectorStore.DistanceMetric,
		})
		if err != nil {
			return nil, err
		}
		idx = a
	case "mock":
		idx = indexmock.NewMockIndex()
	default:
		return nil, errors.NewConfigurationError("vector_store.provider", fmt.Sprintf("unsupported provider %q", cfg.VectorStore.Provider), nil)
	}

	if cfg.VectorStore.Provider != "mock" {
		idx = resilience.GuardIndex(idx, breaker(cfg, "vector_store"), cfg.AdapterTimeout())
	}

	c.closers = append(c.closers, idx.Close)
	log.Info("Initialized vector index", "provider", cfg.VectorStore.Provider, "metric", idx.Metric())
	return idx, nil
}

func buildLedger(ctx context.Context, cfg *config.Config, o *options) (repository.Ledger, error) {
	if o.ledger != nil {
		return nopCloseLedger{o.ledger}, nil
	}

	switch cfg.Ledger.Provider {
	case "memory":
		return repository.NewMemoryLedger(), nil
	case "boltdb":
		return repository.OpenBoltLedger(cfg.Ledger.Path)
	case "postgres":
		return repository.OpenPostgresLedger(ctx, cfg.Ledger.DSN, cfg.Ledger.TableName)
	}
	return nil, errors.NewConfigurationError("ledger.provider", fmt.Sprintf("unsupported provider %q", cfg.Ledger.Provider), nil)
}

// nopCloseLedger keeps Repository.Close from closing an injected ledger.
type nopCloseLedger struct {
	repository.Ledger
}

func (nopCloseLedger) Close() error { return nil }

func buildHistory(ctx context.Context, cfg *config.Config, o *options, c *components) (history.Store, error) {
	if o.history != nil {
		return o.history, nil
	}

	var driver history.Driver
	switch cfg.History.Provider {
	case "none":
		return history.Nop{}, nil
	case "sqlite":
		driver = history.SQLite
	case "postgres":
		driver = history.Postgres
	default:
		return nil, errors.NewConfigurationError("history.provider", fmt.Sprintf("unsupported provider %q", cfg.History.Provider), nil)
	}

	store, err := history.Open(ctx, driver, cfg.History.DSN)
	if err != nil {
		return nil, err
	}
	c.closers = append(c.closers, store.Close)
	return store, nil
}

func buildNormalizer(cfg *config.Config, o *options, c *components) (score.Normalizer, error) {
	mapping := score.Mapping(cfg.Scoring.Mapping)
	if mapping != score.Script {
		return score.New(mapping)
	}

	engine := o.scripts
	if engine == nil {
		lua, err := scripting.NewLuaEngine(scripting.Config{
			EnableSandboxing: true,
			ScriptTimeoutMs:  cfg.Scoring.ScriptTimeoutMs,
		})
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, lua.Close)
		engine = lua
	}
	if cfg.Scoring.Script != "" {
		if err := engine.LoadScriptFile(cfg.Scoring.Script); err != nil {
			return nil, errors.NewConfigurationError("scoring.script", "failed to load script", err)
		}
	}
	return score.NewScripted(engine)
}
