package pgvector

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexlapax/memfact/pkg/entity"
	"github.com/lexlapax/memfact/pkg/errors"
	"github.com/lexlapax/memfact/pkg/mem/index"
	"github.com/lexlapax/memfact/test/testutil"
)

const testDimension = 3

func TestNewPgvectorAdapter_Validation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
		metric  index.Metric
	}{
		{"missing connection", Config{}, true, ""},
		{"bad table", Config{ConnectionString: "postgres://x", TableName: "x; DROP"}, true, ""},
		{"bad metric", Config{ConnectionString: "postgres://x", DistanceMetric: "manhattan"}, true, ""},
		{"default cosine", Config{ConnectionString: "postgres://x"}, false, index.CosineDistance},
		{"euclidean", Config{ConnectionString: "postgres://x", DistanceMetric: "euclidean"}, false, index.EuclideanDistance},
		{"dot", Config{ConnectionString: "postgres://x", DistanceMetric: "DOT"}, false, index.NegativeInnerProduct},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := NewPgvectorAdapter(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.metric, a.Metric())
		})
	}
}

func TestVectorTextFormat(t *testing.T) {
	s := embedToString([]float32{0.5, -1, 2.25})
	assert.Equal(t, "[0.5,-1,2.25]", s)

	v, err := stringToEmbed(s)
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, -1, 2.25}, v)

	_, err = stringToEmbed("[1,x]")
	assert.Error(t, err)
}

func TestUnreachableDatabaseIsConnectionError(t *testing.T) {
	a, err := NewPgvectorAdapter(Config{ConnectionString: "postgres://nobody@127.0.0.1:1/none?connect_timeout=1", Dimensions: testDimension})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err = a.Get(ctx, "x")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConnection))
}

func setupTestAdapter(t *testing.T) *PgvectorAdapter {
	url := testutil.PgvectorURL(t)
	table := "test_" + uuid.New().String()[:8]

	a, err := NewPgvectorAdapter(Config{
		ConnectionString: url,
		TableName:        table,
		Dimensions:       testDimension,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx := context.Background()
		if db, err := a.pool(ctx); err == nil {
			_, _ = db.Exec(ctx, "DROP TABLE IF EXISTS "+table)
		}
		_ = a.Close()
	})
	return a
}

func TestPgvectorAdapter_RoundTrip(t *testing.T) {
	a := setupTestAdapter(t)
	ctx := context.Background()
	now := time.Now().UTC()

	recs := []index.Record{
		{ID: "a1", Owner: "alice", Vector: []float32{1, 0, 0}, Content: "tea", Metadata: map[string]interface{}{"category": "food"}, Version: 1, CreatedAt: now, UpdatedAt: now},
		{ID: "a2", Owner: "alice", Vector: []float32{0, 1, 0}, Content: "oslo", Version: 1, CreatedAt: now, UpdatedAt: now},
		{ID: "b1", Owner: "bob", Vector: []float32{1, 0, 0}, Content: "tea", Version: 1, CreatedAt: now, UpdatedAt: now},
	}
	for _, r := range recs {
		require.NoError(t, a.Upsert(ctx, r))
	}

	hits, err := a.Query(ctx, entity.OwnerID("alice"), []float32{1, 0, 0}, 5, nil)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "a1", hits[0].Record.ID)
	assert.InDelta(t, 0, hits[0].Score, 1e-6)

	hits, err = a.Query(ctx, "alice", []float32{1, 0, 0}, 5, index.Filter{"category": "food"})
	require.NoError(t, err)
	require.Len(t, hits, 1)

	got, err := a.Get(ctx, "b1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, entity.OwnerID("bob"), got.Owner)

	found, err := a.Delete(ctx, "b1")
	require.NoError(t, err)
	assert.True(t, found)
	found, err = a.Delete(ctx, "b1")
	require.NoError(t, err)
	assert.False(t, found)
}
