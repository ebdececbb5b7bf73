//go:build integration
// +build integration

package integration

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexlapax/memfact/pkg/entity"
	"github.com/lexlapax/memfact/pkg/mem/history"
	"github.com/lexlapax/memfact/pkg/memfact"
	"github.com/lexlapax/memfact/test/testutil"
)

// TestPgvectorBackedMemory runs the facade on pgvector with the ledger and
// history in the same database.
func TestPgvectorBackedMemory(t *testing.T) {
	requireIntegration(t)
	url := testutil.PgvectorURL(t)

	suffix := uuid.New().String()[:8]
	vectors := "test_vectors_" + suffix
	ledger := "test_ledger_" + suffix
	ctx := context.Background()

	t.Cleanup(func() {
		conn, err := pgx.Connect(context.Background(), url)
		if err != nil {
			t.Logf("Failed to connect for cleanup: %v", err)
			return
		}
		defer conn.Close(context.Background())
		for _, table := range []string{vectors, ledger} {
			if _, err := conn.Exec(context.Background(), "DROP TABLE IF EXISTS "+table); err != nil {
				t.Logf("Failed to drop test table %s: %v", table, err)
			}
		}
	})

	mem, err := memfact.New(map[string]interface{}{
		"extractor": map[string]interface{}{"provider": "rules"},
		"embedder":  map[string]interface{}{"provider": "hash", "dimensions": 64},
		"vector_store": map[string]interface{}{
			"provider":          "pgvector",
			"connection_string": url,
			"table_name":        vectors,
			"distance_metric":   "cosine",
		},
		"ledger":  map[string]interface{}{"provider": "postgres", "dsn": url, "table_name": ledger},
		"history": map[string]interface{}{"provider": "postgres", "dsn": url},
	}, memfact.WithEagerValidation())
	require.NoError(t, err)
	defer mem.Close()

	alice := entity.OwnerID("alice-" + suffix)
	bob := entity.OwnerID("bob-" + suffix)

	res, err := mem.Add(ctx, "I like green tea.\nI live in Lisbon.", alice, map[string]interface{}{"source": "chat"})
	require.NoError(t, err)
	require.Len(t, res.Results, 2)
	_, err = mem.Add(ctx, "I like green tea.", bob, nil)
	require.NoError(t, err)

	hits, err := mem.Search(ctx, "green tea", alice, memfact.SearchOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	for _, h := range hits {
		assert.Equal(t, alice, h.Memory.Owner)
		assert.GreaterOrEqual(t, h.Score, 0.0)
		assert.LessOrEqual(t, h.Score, 1.0)
	}
	assert.Equal(t, "I like green tea.", hits[0].Memory.Content)

	filtered, err := mem.Search(ctx, "tea", alice, memfact.SearchOptions{Filter: map[string]interface{}{"source": "email"}})
	require.NoError(t, err)
	assert.Empty(t, filtered)

	id := res.Results[0].ItemID
	updated, err := mem.Update(ctx, id, "I like oolong tea.")
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)

	n, err := mem.DeleteAll(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	remaining, err := mem.GetAll(ctx, bob, 0)
	require.NoError(t, err)
	assert.Len(t, remaining, 1)

	records, err := mem.History(ctx, id)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, history.EventDelete, records[2].Event)
	assert.WithinDuration(t, time.Now(), *records[2].CreatedAt, time.Minute)
}
