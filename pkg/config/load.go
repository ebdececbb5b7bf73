package config

import (
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"os"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/lexlapax/memfact/pkg/errors"
	"github.com/lexlapax/memfact/pkg/log"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Parse builds a validated Config from a structured host value.
//
// Accepted shapes are nil (defaults), Config, *Config, any map keyed by
// option name, and YAML bytes. Anything else, including a plain string, is
// rejected with a *errors.ConfigurationError. Parse never reads the
// environment and never contacts an adapter.
func Parse(raw interface{}) (*Config, error) {
	switch v := raw.(type) {
	case nil:
		cfg := Default()
		return finalize(&cfg)
	case Config:
		return finalize(&v)
	case *Config:
		if v == nil {
			cfg := Default()
			return finalize(&cfg)
		}
		cfg := *v
		return finalize(&cfg)
	case []byte:
		cfg, err := decode(v)
		if err != nil {
			return nil, err
		}
		return finalize(cfg)
	case string:
		return nil, errors.NewConfigurationError("", "expected a mapping of options, got a string", nil)
	}

	if reflect.ValueOf(raw).Kind() != reflect.Map {
		return nil, errors.NewConfigurationError("", fmt.Sprintf("expected a mapping of options, got %T", raw), nil)
	}
	data, err := yaml.Marshal(raw)
	if err != nil {
		return nil, errors.NewConfigurationError("", "options are not serializable", err)
	}
	cfg, err := decode(data)
	if err != nil {
		return nil, err
	}
	return finalize(cfg)
}

// LoadFromFile loads configuration from a YAML file and applies environment overrides.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return LoadFromBytes(data)
}

// LoadFromBytes loads configuration from YAML and applies environment overrides.
func LoadFromBytes(data []byte) (*Config, error) {
	cfg, err := decode(data)
	if err != nil {
		return nil, err
	}

	ApplyEnvironmentOverrides(cfg)

	return finalize(cfg)
}

// LoadDotEnv loads variables from the given .env files (".env" when none
// are given) into the process environment. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

// decode unmarshals YAML on top of the defaults, rejecting unknown keys.
func decode(data []byte) (*Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.NewConfigurationError("", "malformed configuration", err)
	}

	return &cfg, nil
}

func finalize(cfg *Config) (*Config, error) {
	applyDefaults(cfg)
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvironmentOverrides fills credentials and connection settings from the environment.
// Explicit credentials in the config win over the environment.
func ApplyEnvironmentOverrides(cfg *Config) {
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		if cfg.LLM.APIKey == "" && cfg.LLM.Provider == "openai" {
			cfg.LLM.APIKey = apiKey
		}
		if cfg.Embedder.APIKey == "" {
			cfg.Embedder.APIKey = apiKey
		}
	}

	if apiKey := os.Getenv("ANTHROPIC_API_KEY"); apiKey != "" && cfg.LLM.APIKey == "" && cfg.LLM.Provider == "anthropic" {
		cfg.LLM.APIKey = apiKey
	}

	if connStr := os.Getenv("PGVECTOR_URL"); connStr != "" {
		cfg.VectorStore.ConnectionString = connStr
	}

	if dsn := os.Getenv("MEMFACT_HISTORY_DSN"); dsn != "" {
		cfg.History.DSN = dsn
	}

	if path := os.Getenv("MEMFACT_LEDGER_PATH"); path != "" {
		cfg.Ledger.Path = path
	}

	if dsn := os.Getenv("MEMFACT_LEDGER_DSN"); dsn != "" {
		cfg.Ledger.DSN = dsn
	}

	if level := os.Getenv("MEMFACT_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = log.Level(strings.ToLower(level))
	}
}

// applyDefaults fills fields whose zero value is never valid.
func applyDefaults(cfg *Config) {
	def := Default()

	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = def.LLM.Provider
	}
	if cfg.LLM.Model == "" {
		switch cfg.LLM.Provider {
		case "anthropic":
			cfg.LLM.Model = "claude-3-5-haiku-latest"
		default:
			cfg.LLM.Model = def.LLM.Model
		}
	}
	if cfg.Extractor.Provider == "" {
		cfg.Extractor.Provider = def.Extractor.Provider
	}
	if cfg.Extractor.UpdateThreshold == 0 {
		cfg.Extractor.UpdateThreshold = def.Extractor.UpdateThreshold
	}
	if cfg.Embedder.Provider == "" {
		cfg.Embedder.Provider = def.Embedder.Provider
	}
	if cfg.Embedder.Model == "" && cfg.Embedder.Provider == "openai" {
		cfg.Embedder.Model = def.Embedder.Model
	}
	if cfg.Embedder.Dimensions == 0 {
		switch cfg.Embedder.Provider {
		case "hash":
			cfg.Embedder.Dimensions = 256
		default:
			cfg.Embedder.Dimensions = def.Embedder.Dimensions
		}
	}
	if cfg.Embedder.APIKey == "" && cfg.LLM.Provider == "openai" {
		cfg.Embedder.APIKey = cfg.LLM.APIKey
	}
	if cfg.VectorStore.Provider == "" {
		cfg.VectorStore.Provider = def.VectorStore.Provider
	}
	if cfg.VectorStore.Collection == "" {
		cfg.VectorStore.Collection = def.VectorStore.Collection
	}
	if cfg.VectorStore.TableName == "" {
		cfg.VectorStore.TableName = def.VectorStore.TableName
	}
	if cfg.VectorStore.DistanceMetric == "" {
		cfg.VectorStore.DistanceMetric = def.VectorStore.DistanceMetric
	}
	cfg.VectorStore.DistanceMetric = strings.ToLower(cfg.VectorStore.DistanceMetric)
	if cfg.Ledger.Provider == "" {
		cfg.Ledger.Provider = def.Ledger.Provider
	}
	if cfg.History.Provider == "" {
		cfg.History.Provider = def.History.Provider
	}
	if cfg.History.Provider == "sqlite" && cfg.History.DSN == "" {
		cfg.History.DSN = "memfact_history.db"
	}
	if cfg.Search.Limit == 0 {
		cfg.Search.Limit = def.Search.Limit
	}
	if cfg.Search.OverfetchFactor == 0 {
		cfg.Search.OverfetchFactor = def.Search.OverfetchFactor
	}
	if cfg.Reconcile.Neighbors == 0 {
		cfg.Reconcile.Neighbors = def.Reconcile.Neighbors
	}
	if cfg.Scoring.Mapping == "" {
		cfg.Scoring.Mapping = def.Scoring.Mapping
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = def.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = def.Logging.Format
	}
}

// validateConfig checks struct rules and reports the first violation by its option path.
func validateConfig(cfg *Config) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		reason := fmt.Sprintf("value %v violates %q", fe.Value(), fe.Tag())
		if fe.Param() != "" {
			reason = fmt.Sprintf("value %v violates %q (%s)", fe.Value(), fe.Tag(), fe.Param())
		}
		return errors.NewConfigurationError(optionPath(fe.Namespace()), reason, nil)
	}
	return errors.NewConfigurationError("", "validation failed", err)
}

// optionPath turns "Config.search.limit" into "search.limit".
func optionPath(namespace string) string {
	if i := strings.Index(namespace, "."); i >= 0 {
		return namespace[i+1:]
	}
	return namespace
}
