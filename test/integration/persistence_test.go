//go:build integration
// +build integration

package integration

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexlapax/memfact/pkg/memfact"
	"github.com/lexlapax/memfact/test/testutil"
)

func requireIntegration(t *testing.T) {
	t.Helper()
	if os.Getenv("INTEGRATION_TESTS") != "true" {
		t.Skip("Skipping integration test; set INTEGRATION_TESTS=true to run")
	}
}

// TestMemorySurvivesReopen stores facts in a bbolt ledger and a persistent
// chromem collection and reads them back through a fresh Memory.
func TestMemorySurvivesReopen(t *testing.T) {
	requireIntegration(t)

	dir := t.TempDir()
	raw := map[string]interface{}{
		"extractor": map[string]interface{}{"provider": "rules"},
		"embedder":  map[string]interface{}{"provider": "hash", "dimensions": 128},
		"vector_store": map[string]interface{}{
			"provider":   "chromem",
			"collection": "persistence",
			"path":       filepath.Join(dir, "chromem"),
		},
		"ledger":  map[string]interface{}{"provider": "boltdb", "path": testutil.TempBoltPath(t)},
		"history": map[string]interface{}{"provider": "sqlite", "dsn": testutil.TempSQLitePath(t)},
	}
	ctx := context.Background()

	mem, err := memfact.New(raw)
	require.NoError(t, err)

	result, err := mem.Add(ctx, "The Earth is the third planet from the Sun.\nMars is red.", "astro", nil)
	require.NoError(t, err)
	require.Len(t, result.Results, 2)
	earthID := result.Results[0].ItemID
	require.NoError(t, mem.Close())

	mem, err = memfact.New(raw)
	require.NoError(t, err)
	defer mem.Close()

	got, err := mem.Get(ctx, earthID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "The Earth is the third planet from the Sun.", got.Content)

	hits, err := mem.Search(ctx, "third planet", "astro", memfact.SearchOptions{Limit: 1})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, earthID, hits[0].Memory.ID)

	// re-adding a stored fact is recognized after the restart
	again, err := mem.Add(ctx, "Mars is red.", "astro", nil)
	require.NoError(t, err)
	require.Len(t, again.Results, 1)
	assert.Equal(t, memfact.ActionNoop, again.Results[0].Action)

	records, err := mem.History(ctx, earthID)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}
