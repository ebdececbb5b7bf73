package reasoning

import (
	"context"
)

// Option is a function that configures a reasoning request.
type Option func(*Options)

// Options holds configuration for a reasoning request.
type Options struct {
	// Temperature controls randomness in generation
	Temperature float64

	// MaxTokens limits the length of the generated response
	MaxTokens int

	// Model specifies which model variant to use
	Model string

	// System is sent as the system prompt when non-empty
	System string

	// JSON asks the provider for a JSON object response where supported
	JSON bool
}

// DefaultOptions returns default reasoning options.
func DefaultOptions() Options {
	return Options{
		Temperature: 0.1,
		MaxTokens:   2000,
		Model:       "", // Empty means use the adapter's default
	}
}

// Apply returns DefaultOptions with opts applied in order.
func Apply(opts ...Option) Options {
	options := DefaultOptions()
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

// WithTemperature sets the temperature option.
func WithTemperature(temp float64) Option {
	return func(o *Options) {
		o.Temperature = temp
	}
}

// WithMaxTokens sets the max tokens option.
func WithMaxTokens(tokens int) Option {
	return func(o *Options) {
		o.MaxTokens = tokens
	}
}

// WithModel sets the model option.
func WithModel(model string) Option {
	return func(o *Options) {
		o.Model = model
	}
}

// WithSystem sets the system prompt.
func WithSystem(system string) Option {
	return func(o *Options) {
		o.System = system
	}
}

// WithJSON requests a JSON object response.
func WithJSON() Option {
	return func(o *Options) {
		o.JSON = true
	}
}

// Engine is the interface for reasoning engines (LLMs).
type Engine interface {
	// Process sends a prompt to the reasoning engine and returns the result.
	Process(ctx context.Context, prompt string, opts ...Option) (string, error)
}
