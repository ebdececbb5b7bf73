package config

import (
	"time"

	"github.com/lexlapax/memfact/pkg/log"
)

// Config represents the top-level configuration for a memfact Memory.
type Config struct {
	// CustomFactExtractionPrompt replaces the built-in fact extraction prompt.
	// A "{content}" placeholder is substituted with the input text; without one
	// the input is appended.
	CustomFactExtractionPrompt string `yaml:"custom_fact_extraction_prompt"`

	// CustomUpdateMemoryPrompt replaces the built-in reconciliation prompt.
	CustomUpdateMemoryPrompt string `yaml:"custom_update_memory_prompt"`

	// LLM configures the language model used by the llm extractor
	LLM LLMConfig `yaml:"llm"`

	// Extractor selects how candidate facts are extracted and classified
	Extractor ExtractorConfig `yaml:"extractor"`

	// Embedder configures embedding generation
	Embedder EmbedderConfig `yaml:"embedder"`

	// VectorStore configures the vector index
	VectorStore VectorStoreConfig `yaml:"vector_store"`

	// Ledger configures where item bookkeeping (ids, versions, owners) lives
	Ledger LedgerConfig `yaml:"ledger"`

	// History configures the mutation history store
	History HistoryConfig `yaml:"history"`

	// Search holds defaults for search calls
	Search SearchConfig `yaml:"search"`

	// Reconcile tunes the reconciliation engine
	Reconcile ReconcileConfig `yaml:"reconcile"`

	// Scoring selects how raw index scores are normalized
	Scoring ScoringConfig `yaml:"scoring"`

	// Resilience configures circuit breaking around remote adapters
	Resilience ResilienceConfig `yaml:"resilience"`

	// Timeouts bounds adapter calls
	Timeouts TimeoutConfig `yaml:"timeouts"`

	// Logging configures the logging behavior
	Logging log.Config `yaml:"logging"`
}

// LLMConfig configures the language model.
type LLMConfig struct {
	// Provider is the LLM provider ("openai", "anthropic", "mock")
	Provider string `yaml:"provider" validate:"oneof=openai anthropic mock"`

	// Model is the chat model name
	Model string `yaml:"model"`

	// APIKey is the provider API key
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider endpoint
	BaseURL string `yaml:"base_url" validate:"omitempty,url"`

	// Temperature controls randomness in generation
	Temperature float64 `yaml:"temperature" validate:"gte=0,lte=2"`

	// MaxTokens is the maximum number of tokens to generate
	MaxTokens int `yaml:"max_tokens" validate:"gte=0"`
}

// ExtractorConfig selects the fact extractor.
type ExtractorConfig struct {
	// Provider is "llm" (prompt-driven) or "rules" (deterministic, offline)
	Provider string `yaml:"provider" validate:"oneof=llm rules"`

	// UpdateThreshold is the normalized similarity at which the rules
	// classifier treats a differing neighbor as the same fact
	UpdateThreshold float64 `yaml:"update_threshold" validate:"gte=0,lte=1"`
}

// EmbedderConfig configures embedding generation.
type EmbedderConfig struct {
	// Provider is "openai" or "hash"
	Provider string `yaml:"provider" validate:"oneof=openai hash"`

	// Model is the embedding model name
	Model string `yaml:"model"`

	// APIKey is the provider API key; falls back to llm.api_key
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider endpoint
	BaseURL string `yaml:"base_url" validate:"omitempty,url"`

	// Dimensions is the vector length produced by the embedder
	Dimensions int `yaml:"dimensions" validate:"gte=0,lte=16000"`

	// CacheSize is the number of embeddings kept in memory; 0 disables caching
	CacheSize int `yaml:"cache_size" validate:"gte=0"`
}

// VectorStoreConfig configures the vector index.
type VectorStoreConfig struct {
	// Provider is "chromem", "pgvector" or "mock"
	Provider string `yaml:"provider" validate:"oneof=chromem pgvector mock"`

	// Collection is the chromem collection name
	Collection string `yaml:"collection"`

	// Path enables on-disk persistence for chromem when set
	Path string `yaml:"path"`

	// Compress gzips persisted chromem documents
	Compress bool `yaml:"compress"`

	// ConnectionString is the PostgreSQL connection string for pgvector
	ConnectionString string `yaml:"connection_string" validate:"required_if=Provider pgvector"`

	// TableName is the pgvector table
	TableName string `yaml:"table_name"`

	// Dimensions is the stored vector length; defaults to the embedder's
	Dimensions int `yaml:"dimensions" validate:"gte=0,lte=16000"`

	// DistanceMetric is the pgvector distance ("cosine", "euclidean", "dot")
	DistanceMetric string `yaml:"distance_metric" validate:"omitempty,oneof=cosine euclidean dot"`
}

// LedgerConfig configures item bookkeeping persistence.
type LedgerConfig struct {
	// Provider is "memory", "boltdb" or "postgres"
	Provider string `yaml:"provider" validate:"oneof=memory boltdb postgres"`

	// Path is the bbolt file path
	Path string `yaml:"path" validate:"required_if=Provider boltdb"`

	// DSN is the PostgreSQL connection string
	DSN string `yaml:"dsn" validate:"required_if=Provider postgres"`

	// TableName is the PostgreSQL ledger table
	TableName string `yaml:"table_name"`
}

// HistoryConfig configures the mutation history store.
type HistoryConfig struct {
	// Provider is "none", "sqlite" or "postgres"
	Provider string `yaml:"provider" validate:"oneof=none sqlite postgres"`

	// DSN is the data source name (connection string)
	DSN string `yaml:"dsn" validate:"required_if=Provider postgres"`
}

// SearchConfig holds defaults for search.
type SearchConfig struct {
	// Limit is the default number of results
	Limit int `yaml:"limit" validate:"gt=0"`

	// ScoreThreshold drops results scoring below it (normalized 0..1)
	ScoreThreshold float64 `yaml:"score_threshold" validate:"gte=0,lte=1"`

	// OverfetchFactor multiplies k when results are post-filtered
	OverfetchFactor int `yaml:"overfetch_factor" validate:"gte=1,lte=50"`
}

// ReconcileConfig tunes reconciliation.
type ReconcileConfig struct {
	// Neighbors is the number of existing memories shown to the classifier
	Neighbors int `yaml:"neighbors" validate:"gt=0,lte=100"`

	// MaxRetries bounds optimistic update retries on version conflicts
	MaxRetries int `yaml:"max_retries" validate:"gte=0,lte=10"`

	// RetryBaseDelayMs is the first backoff delay; it doubles per attempt
	RetryBaseDelayMs int `yaml:"retry_base_delay_ms" validate:"gte=0"`
}

// ScoringConfig selects score normalization.
type ScoringConfig struct {
	// Mapping is "auto", "cosine", "unit", "distance" or "script"
	Mapping string `yaml:"mapping" validate:"oneof=auto cosine unit distance script"`

	// Script is a Lua file defining normalize_score(raw, metric)
	Script string `yaml:"script" validate:"required_if=Mapping script"`

	// ScriptTimeoutMs bounds each script invocation
	ScriptTimeoutMs int `yaml:"script_timeout_ms" validate:"gte=0"`
}

// ResilienceConfig configures circuit breaking.
type ResilienceConfig struct {
	// MaxFailures consecutive failures open the breaker; 0 disables it
	MaxFailures int `yaml:"max_failures" validate:"gte=0"`

	// OpenSeconds is how long an open breaker rejects calls
	OpenSeconds int `yaml:"open_seconds" validate:"gte=0"`
}

// TimeoutConfig bounds adapter calls.
type TimeoutConfig struct {
	// AdapterMs is the default per-call timeout; 0 means no timeout
	AdapterMs int `yaml:"adapter_ms" validate:"gte=0"`
}

// Default returns the configuration used when no value is supplied.
func Default() Config {
	return Config{
		LLM: LLMConfig{
			Provider:    "openai",
			Model:       "gpt-4o-mini",
			Temperature: 0.1,
			MaxTokens:   2000,
		},
		Extractor: ExtractorConfig{
			Provider:        "llm",
			UpdateThreshold: 0.9,
		},
		Embedder: EmbedderConfig{
			Provider:   "openai",
			Model:      "text-embedding-3-small",
			Dimensions: 1536,
			CacheSize:  1024,
		},
		VectorStore: VectorStoreConfig{
			Provider:       "chromem",
			Collection:     "memfact",
			TableName:      "memfact_vectors",
			DistanceMetric: "cosine",
		},
		Ledger:  LedgerConfig{Provider: "memory"},
		History: HistoryConfig{Provider: "none"},
		Search: SearchConfig{
			Limit:           100,
			OverfetchFactor: 2,
		},
		Reconcile: ReconcileConfig{
			Neighbors:        5,
			MaxRetries:       3,
			RetryBaseDelayMs: 100,
		},
		Scoring: ScoringConfig{
			Mapping:         "auto",
			ScriptTimeoutMs: 100,
		},
		Resilience: ResilienceConfig{
			MaxFailures: 5,
			OpenSeconds: 30,
		},
		Timeouts: TimeoutConfig{AdapterMs: 30000},
		Logging:  log.DefaultConfig(),
	}
}

// AdapterTimeout returns the per-call adapter timeout, zero when unbounded.
func (c *Config) AdapterTimeout() time.Duration {
	return time.Duration(c.Timeouts.AdapterMs) * time.Millisecond
}

// RetryBaseDelay returns the first optimistic retry delay.
func (c *Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.Reconcile.RetryBaseDelayMs) * time.Millisecond
}

// EmbeddingDimensions returns the vector length the index should expect.
func (c *Config) EmbeddingDimensions() int {
	if c.VectorStore.Dimensions > 0 {
		return c.VectorStore.Dimensions
	}
	return c.Embedder.Dimensions
}
