package chromem_go

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexlapax/memfact/pkg/entity"
	"github.com/lexlapax/memfact/pkg/mem/index"
	"github.com/lexlapax/memfact/test/testutil"
)

func newTestAdapter(t *testing.T) *ChromemGoAdapter {
	t.Helper()
	db, cleanup := testutil.CreateTempChromemGoClient(t)
	t.Cleanup(cleanup)

	adapter, err := NewChromemGoAdapter(db, Config{Collection: "test-collection", Dimensions: 3})
	require.NoError(t, err)
	return adapter
}

func record(id, owner, content string, vec []float32, meta map[string]interface{}) index.Record {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return index.Record{
		ID:        id,
		Owner:     entityOwner(owner),
		Vector:    vec,
		Content:   content,
		Hash:      "h-" + id,
		Metadata:  meta,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestChromemGoAdapter_UpsertGet(t *testing.T) {
	ctx := context.Background()
	a := newTestAdapter(t)

	rec := record("m1", "alice", "Likes tea", []float32{1, 0, 0}, map[string]interface{}{"category": "food", "priority": 2})
	require.NoError(t, a.Upsert(ctx, rec))

	got, err := a.Get(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Likes tea", got.Content)
	assert.Equal(t, entityOwner("alice"), got.Owner)
	assert.Equal(t, "food", got.Metadata["category"])
	assert.EqualValues(t, 2, got.Metadata["priority"])
	assert.True(t, rec.CreatedAt.Equal(got.CreatedAt))

	rec.Content = "Likes green tea"
	rec.Version = 2
	require.NoError(t, a.Upsert(ctx, rec))
	got, err = a.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "Likes green tea", got.Content)
	assert.Equal(t, int64(2), got.Version)

	missing, err := a.Get(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestChromemGoAdapter_QueryIsolatesOwners(t *testing.T) {
	ctx := context.Background()
	a := newTestAdapter(t)

	require.NoError(t, a.Upsert(ctx, record("a1", "alice", "tea", []float32{1, 0, 0}, map[string]interface{}{"category": "food"})))
	require.NoError(t, a.Upsert(ctx, record("a2", "alice", "oslo", []float32{0, 1, 0}, map[string]interface{}{"category": "travel"})))
	require.NoError(t, a.Upsert(ctx, record("b1", "bob", "tea", []float32{1, 0, 0}, nil)))

	hits, err := a.Query(ctx, "alice", []float32{1, 0.1, 0}, 10, nil)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "a1", hits[0].Record.ID)
	assert.Greater(t, hits[0].Score, hits[1].Score)
	for _, h := range hits {
		assert.Equal(t, entityOwner("alice"), h.Record.Owner)
	}

	hits, err = a.Query(ctx, "alice", []float32{1, 0, 0}, 10, index.Filter{"category": "travel"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "a2", hits[0].Record.ID)

	hits, err = a.Query(ctx, "carol", []float32{1, 0, 0}, 10, nil)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestChromemGoAdapter_QueryEmptyCollection(t *testing.T) {
	hits, err := newTestAdapter(t).Query(context.Background(), "alice", []float32{1, 0, 0}, 5, nil)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestChromemGoAdapter_Delete(t *testing.T) {
	ctx := context.Background()
	a := newTestAdapter(t)
	require.NoError(t, a.Upsert(ctx, record("m1", "alice", "tea", []float32{1, 0, 0}, nil)))

	found, err := a.Delete(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, found)

	found, err = a.Delete(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, found)

	got, err := a.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestChromemGoAdapter_DimensionCheck(t *testing.T) {
	err := newTestAdapter(t).Upsert(context.Background(), record("m1", "alice", "tea", []float32{1, 0}, nil))
	require.Error(t, err)
}

func TestChromemGoAdapter_Persistent(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping persistence test in short mode")
	}
	ctx := context.Background()
	dir := t.TempDir()

	a := New(Config{Collection: "persist", Path: dir, Dimensions: 3})
	require.NoError(t, a.Upsert(ctx, record("m1", "alice", "tea", []float32{1, 0, 0}, nil)))

	reopened := New(Config{Collection: "persist", Path: dir, Dimensions: 3})
	got, err := reopened.Get(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "tea", got.Content)
}

func entityOwner(s string) entity.OwnerID { return entity.OwnerID(s) }
