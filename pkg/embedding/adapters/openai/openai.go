// Package openai embeds text with the OpenAI embeddings API.
package openai

import (
	"context"
	"fmt"

	"github.com/sashabaranov/go-openai"

	memerrors "github.com/lexlapax/memfact/pkg/errors"
	"github.com/lexlapax/memfact/pkg/log"
	reasoningopenai "github.com/lexlapax/memfact/pkg/reasoning/adapters/openai"
)

// Config holds the configuration for the OpenAI embedder.
type Config struct {
	APIKey     string
	Model      string
	BaseURL    string
	Dimensions int
}

// Embedder implements embedding.Embedder with go-openai.
type Embedder struct {
	client     *openai.Client
	model      string
	dimensions int
}

// New creates an OpenAI embedder. No request is made until Embed is called.
func New(config Config) (*Embedder, error) {
	if config.APIKey == "" {
		return nil, &memerrors.ConnectionError{Adapter: "openai", Err: reasoningopenai.ErrEmptyAPIKey}
	}
	if config.Model == "" {
		config.Model = string(openai.SmallEmbedding3)
	}
	if config.Dimensions <= 0 {
		config.Dimensions = 1536
	}
	return &Embedder{
		client:     reasoningopenai.NewClient(config.APIKey, config.BaseURL),
		model:      config.Model,
		dimensions: config.Dimensions,
	}, nil
}

// Embed returns the embedding for text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	request := openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(e.model),
	}
	if e.model != string(openai.AdaEmbeddingV2) {
		request.Dimensions = e.dimensions
	}

	response, err := e.client.CreateEmbeddings(ctx, request)
	if err != nil {
		log.WarnContext(ctx, "Failed to generate embedding", "model", e.model, "error", err)
		return nil, reasoningopenai.ClassifyError("embed", err)
	}
	if len(response.Data) == 0 {
		return nil, memerrors.NewAdapterError("openai", "embed", false, fmt.Errorf("no embedding returned"))
	}

	vec := response.Data[0].Embedding
	if len(vec) != e.dimensions {
		return nil, memerrors.NewAdapterError("openai", "embed", false,
			fmt.Errorf("expected %d dimensions, got %d", e.dimensions, len(vec)))
	}

	log.DebugContext(ctx, "Generated embedding", "model", e.model, "dimensions", len(vec))
	return vec, nil
}

// Dimensions returns the configured vector length.
func (e *Embedder) Dimensions() int {
	return e.dimensions
}
