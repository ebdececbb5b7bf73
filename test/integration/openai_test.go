//go:build integration
// +build integration

package integration

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexlapax/memfact/pkg/memfact"
)

// TestOpenAIExtraction exercises the prompt-driven extractor and real
// embeddings end to end.
func TestOpenAIExtraction(t *testing.T) {
	requireIntegration(t)
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		t.Skip("Skipping OpenAI test; OPENAI_API_KEY environment variable not set")
	}

	mem, err := memfact.New(map[string]interface{}{
		"llm":          map[string]interface{}{"provider": "openai", "api_key": apiKey},
		"vector_store": map[string]interface{}{"provider": "chromem"},
	})
	require.NoError(t, err)
	defer mem.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	res, err := mem.Add(ctx, "Hi, I'm Sam. I'm vegetarian and I moved to Oslo last year.", "sam", nil)
	require.NoError(t, err)
	require.NotEmpty(t, res.Results)
	assert.Positive(t, res.Count(memfact.ActionAdd))

	hits, err := mem.Search(ctx, "What does Sam eat?", "sam", memfact.SearchOptions{Limit: 3})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	t.Logf("Top hit: %.3f %s", hits[0].Score, hits[0].Memory.Content)
}
