package query

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexlapax/memfact/pkg/embedding/adapters/hash"
	"github.com/lexlapax/memfact/pkg/entity"
	"github.com/lexlapax/memfact/pkg/errors"
	"github.com/lexlapax/memfact/pkg/mem/index"
	"github.com/lexlapax/memfact/pkg/mem/index/adapters/mock"
	"github.com/lexlapax/memfact/pkg/mem/repository"
	"github.com/lexlapax/memfact/pkg/mem/score"
	"github.com/lexlapax/memfact/pkg/metrics"
)

type fixture struct {
	repo   *repository.Repository
	index  *mock.MockIndex
	engine *Engine
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	idx := mock.NewMockIndex()
	embedder := hash.New(256)
	repo := repository.New(repository.NewMemoryLedger(), idx, embedder,
		repository.WithClock(func() time.Time {
			clock = clock.Add(time.Second)
			return clock
		}))
	return &fixture{repo: repo, index: idx, engine: New(repo, idx, embedder, nil, opts...)}
}

func (f *fixture) create(t *testing.T, owner entity.OwnerID, content string, metadata map[string]interface{}) repository.MemoryItem {
	t.Helper()
	item, err := f.repo.Create(context.Background(), owner, content, metadata, nil)
	require.NoError(t, err)
	return item
}

func TestSearchIsOwnerScoped(t *testing.T) {
	f := newFixture(t)
	f.create(t, "alice", "Likes tea", nil)
	bob := f.create(t, "bob", "Likes tea", nil)

	results, err := f.engine.Search(context.Background(), "bob", "tea", Options{Limit: 10})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, bob.ID, results[0].Memory.ID)

	results, err = f.engine.Search(context.Background(), "carol", "tea", Options{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearchRejectsInvalidInput(t *testing.T) {
	f := newFixture(t)
	for _, limit := range []int{0, -3} {
		_, err := f.engine.Search(context.Background(), "alice", "tea", Options{Limit: limit})
		assert.True(t, errors.Is(err, errors.ErrInvalidInput), "limit %d", limit)
	}
	_, err := f.engine.Search(context.Background(), "", "tea", Options{Limit: 1})
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))
}

func TestSearchRanksAndNormalizes(t *testing.T) {
	f := newFixture(t)
	tea := f.create(t, "alice", "Likes green tea", nil)
	f.create(t, "alice", "Owns a red bicycle", nil)

	results, err := f.engine.Search(context.Background(), "alice", "green tea", Options{Limit: 10})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, tea.ID, results[0].Memory.ID)
	assert.GreaterOrEqual(t, results[0].Score, results[1].Score)
	for _, r := range results {
		assert.GreaterOrEqual(t, r.Score, 0.0)
		assert.LessOrEqual(t, r.Score, 1.0)
	}
}

func TestSearchThresholdAndLimit(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		f.create(t, "alice", fmt.Sprintf("Likes tea variant %d", i), nil)
	}
	f.create(t, "alice", "Owns a red bicycle", nil)

	results, err := f.engine.Search(context.Background(), "alice", "likes tea", Options{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, results, 2)

	results, err = f.engine.Search(context.Background(), "alice", "likes tea", Options{Limit: 10, Threshold: 0.99})
	require.NoError(t, err)
	assert.Empty(t, results)

	results, err = f.engine.Search(context.Background(), "alice", "Owns a red bicycle", Options{Limit: 10, Threshold: 0.99})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "Owns a red bicycle", results[0].Memory.Content)
}

func TestSearchMetadataFilter(t *testing.T) {
	f := newFixture(t)
	f.create(t, "alice", "Likes tea", map[string]interface{}{"topic": "food"})
	f.create(t, "alice", "Likes tea a lot", map[string]interface{}{"topic": "food", "weight": 2})
	f.create(t, "alice", "Likes tea ceremonies", map[string]interface{}{"topic": "culture"})

	results, err := f.engine.Search(context.Background(), "alice", "tea", Options{Limit: 1, Filter: index.Filter{"topic": "food"}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "food", results[0].Memory.Metadata["topic"])

	results, err = f.engine.Search(context.Background(), "alice", "tea", Options{Limit: 5, Filter: index.Filter{"weight": 2.0}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "Likes tea a lot", results[0].Memory.Content)

	results, err = f.engine.Search(context.Background(), "alice", "tea", Options{Limit: 5, Filter: index.Filter{"topic": "travel"}})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearchRevalidatesAgainstRepository(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	live := f.create(t, "alice", "Likes tea", nil)
	foreign := f.create(t, "bob", "Likes tea", nil)
	vec, err := hash.New(256).Embed(ctx, "Likes tea")
	require.NoError(t, err)

	require.NoError(t, f.index.Upsert(ctx, index.Record{ID: "orphan", Owner: "alice", Vector: vec, Content: "Likes tea"}))
	require.NoError(t, f.index.Upsert(ctx, index.Record{ID: foreign.ID, Owner: "alice", Vector: vec, Content: "Likes tea"}))
	require.NoError(t, f.index.Upsert(ctx, index.Record{ID: live.ID, Owner: "alice", Vector: vec, Content: "stale payload"}))

	results, err := f.engine.Search(ctx, "alice", "Likes tea", Options{Limit: 10})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, live.ID, results[0].Memory.ID)
	assert.Equal(t, "Likes tea", results[0].Memory.Content)
}

func TestSearchBreaksTiesByRecency(t *testing.T) {
	f := newFixture(t)
	older := f.create(t, "alice", "Likes tea", nil)
	newer := f.create(t, "alice", "Likes tea", nil)

	results, err := f.engine.Search(context.Background(), "alice", "Likes tea", Options{Limit: 2})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, results[0].Score, results[1].Score)
	assert.Equal(t, newer.ID, results[0].Memory.ID)
	assert.Equal(t, older.ID, results[1].Memory.ID)
}

func TestSearchSeesUpdatedContent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	item := f.create(t, "alice", "Lives in Oslo", nil)
	f.create(t, "alice", "Works as a baker", nil)

	_, err := f.repo.Update(ctx, item.ID, repository.ContentPatch("Lives in Bergen"))
	require.NoError(t, err)

	results, err := f.engine.Search(ctx, "alice", "Bergen", Options{Limit: 1})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, item.ID, results[0].Memory.ID)
	assert.Equal(t, "Lives in Bergen", results[0].Memory.Content)
	assert.Equal(t, int64(2), results[0].Memory.Version)
}

func TestSearchAdapterFailure(t *testing.T) {
	f := newFixture(t)
	f.create(t, "alice", "Likes tea", nil)
	f.index.SetError(fmt.Errorf("index down"))

	_, err := f.engine.Search(context.Background(), "alice", "tea", Options{Limit: 1})
	assert.ErrorContains(t, err, "index down")
}

func TestSearchCustomNormalizerAndMetrics(t *testing.T) {
	m, err := metrics.New(nil)
	require.NoError(t, err)
	f := newFixture(t, WithMetrics(m), WithOverfetch(3))
	f.create(t, "alice", "Likes tea", nil)

	f.engine.normalizer = score.Func(func(float64, index.Metric) float64 { return 0.42 })
	results, err := f.engine.Search(context.Background(), "alice", "tea", Options{Limit: 1})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.InDelta(t, 0.42, results[0].Score, 1e-9)
	assert.Equal(t, 3, f.engine.overfetch)
	assert.Equal(t, 1, testutil.CollectAndCount(m.SearchResults))
}
