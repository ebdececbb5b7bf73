package repository

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexlapax/memfact/pkg/embedding/adapters/hash"
	"github.com/lexlapax/memfact/pkg/entity"
	"github.com/lexlapax/memfact/pkg/errors"
	"github.com/lexlapax/memfact/pkg/mem/index"
	"github.com/lexlapax/memfact/pkg/mem/index/adapters/mock"
	"github.com/lexlapax/memfact/pkg/resilience"
	"github.com/lexlapax/memfact/test/testutil"
)

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRepository(t *testing.T, ledger Ledger, opts ...Option) (*Repository, *mock.MockIndex) {
	t.Helper()
	idx := mock.NewMockIndex()
	repo := New(ledger, idx, hash.New(64), opts...)
	t.Cleanup(func() { repo.Close() })
	return repo, idx
}

func ledgers(t *testing.T) map[string]func() Ledger {
	return map[string]func() Ledger{
		"memory": func() Ledger { return NewMemoryLedger() },
		"boltdb": func() Ledger {
			l, err := OpenBoltLedger(testutil.TempBoltPath(t))
			require.NoError(t, err)
			return l
		},
	}
}

func TestRepository_CreateRead(t *testing.T) {
	for name, newLedger := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			repo, idx := newTestRepository(t, newLedger())
			ctx := context.Background()

			item, err := repo.Create(ctx, "alice", "Likes green tea", map[string]interface{}{"category": "food"}, nil)
			require.NoError(t, err)
			assert.NotEmpty(t, item.ID)
			assert.Equal(t, entity.OwnerID("alice"), item.Owner)
			assert.Equal(t, int64(1), item.Version)
			assert.Equal(t, ContentHash("Likes green tea"), item.Hash)
			assert.Equal(t, item.CreatedAt, item.UpdatedAt)
			assert.Equal(t, 1, idx.Len())

			got, ok, err := repo.Read(ctx, item.ID)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "Likes green tea", got.Content)
			assert.Equal(t, "food", got.Metadata["category"])

			_, ok, err = repo.Read(ctx, "missing")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestRepository_CreateRejectsBlankOwner(t *testing.T) {
	repo, idx := newTestRepository(t, NewMemoryLedger())
	_, err := repo.Create(context.Background(), "  ", "x", nil, nil)
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))
	assert.Equal(t, 0, idx.Calls())
}

func TestRepository_CreateIndexFailure(t *testing.T) {
	repo, idx := newTestRepository(t, NewMemoryLedger())
	idx.SetError(fmt.Errorf("index down"))

	_, err := repo.Create(context.Background(), "alice", "x", nil, nil)
	require.Error(t, err)

	items, err := repo.List(context.Background(), "alice", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestRepository_IDsNeverReused(t *testing.T) {
	ids := []string{"id-1", "id-1", "id-2"}
	var n int
	gen := func() string {
		id := ids[n%len(ids)]
		n++
		return id
	}

	repo, _ := newTestRepository(t, NewMemoryLedger(), WithIDGenerator(gen))
	ctx := context.Background()

	first, err := repo.Create(ctx, "alice", "one", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "id-1", first.ID)

	found, err := repo.Delete(ctx, first.ID)
	require.NoError(t, err)
	assert.True(t, found)

	second, err := repo.Create(ctx, "alice", "two", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "id-2", second.ID, "retired id-1 must be skipped")
}

func TestRepository_Update(t *testing.T) {
	for name, newLedger := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			clock := &fixedClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
			repo, idx := newTestRepository(t, newLedger(), WithClock(clock.Now))
			ctx := context.Background()

			item, err := repo.Create(ctx, "alice", "Lives in Oslo", map[string]interface{}{"city": "oslo", "keep": true}, nil)
			require.NoError(t, err)
			before, err := idx.Get(ctx, item.ID)
			require.NoError(t, err)

			content := "Lives in Bergen"
			updated, err := repo.Update(ctx, item.ID, Patch{
				Content:  &content,
				Metadata: map[string]interface{}{"city": "bergen", "keep": nil, "new": 1},
			})
			require.NoError(t, err)

			assert.Equal(t, item.ID, updated.ID)
			assert.Equal(t, "Lives in Bergen", updated.Content)
			assert.Equal(t, int64(2), updated.Version)
			assert.True(t, updated.UpdatedAt.After(item.UpdatedAt), "clock did not move but updated_at must")
			assert.Equal(t, item.CreatedAt, updated.CreatedAt)
			assert.Equal(t, map[string]interface{}{"city": "bergen", "new": 1}, normalizeNumbers(updated.Metadata))
			assert.Equal(t, ContentHash(content), updated.Hash)

			after, err := idx.Get(ctx, item.ID)
			require.NoError(t, err)
			assert.NotEqual(t, before.Vector, after.Vector, "content change re-embeds")
			assert.Equal(t, int64(2), after.Version)

			clock.Advance(time.Second)
			metaOnly, err := repo.Update(ctx, item.ID, Patch{Metadata: map[string]interface{}{"x": "y"}, ReplaceMetadata: true})
			require.NoError(t, err)
			assert.Equal(t, map[string]interface{}{"x": "y"}, metaOnly.Metadata)
			assert.Equal(t, int64(3), metaOnly.Version)

			unchanged, err := idx.Get(ctx, item.ID)
			require.NoError(t, err)
			assert.Equal(t, after.Vector, unchanged.Vector)
		})
	}
}

// normalizeNumbers makes JSON-decoded float64s comparable to int literals.
func normalizeNumbers(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if f, ok := v.(float64); ok && f == float64(int(f)) {
			v = int(f)
		}
		out[k] = v
	}
	return out
}

func TestRepository_UpdateMissing(t *testing.T) {
	repo, _ := newTestRepository(t, NewMemoryLedger())
	ctx := context.Background()

	_, err := repo.Update(ctx, "nope", ContentPatch("x"))
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	item, err := repo.Create(ctx, "alice", "x", nil, nil)
	require.NoError(t, err)
	_, err = repo.Delete(ctx, item.ID)
	require.NoError(t, err)

	_, err = repo.Update(ctx, item.ID, ContentPatch("y"))
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestRepository_UpdateStaleVersion(t *testing.T) {
	repo, _ := newTestRepository(t, NewMemoryLedger())
	ctx := context.Background()

	item, err := repo.Create(ctx, "alice", "x", nil, nil)
	require.NoError(t, err)

	_, err = repo.Update(ctx, item.ID, ContentPatch("y"))
	require.NoError(t, err)

	patch := ContentPatch("z")
	patch.ExpectedVersion = 1
	_, err = repo.Update(ctx, item.ID, patch)
	require.Error(t, err)

	var conflict *errors.ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, int64(1), conflict.Expected)
	assert.Equal(t, int64(2), conflict.Actual)
}

func TestRepository_ConcurrentVersionedUpdates(t *testing.T) {
	for name, newLedger := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			repo, _ := newTestRepository(t, newLedger())
			ctx := context.Background()

			item, err := repo.Create(ctx, "alice", "start", nil, nil)
			require.NoError(t, err)

			var (
				wg        sync.WaitGroup
				mu        sync.Mutex
				successes int
				conflicts int
			)
			start := make(chan struct{})
			for i := 0; i < 2; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					<-start
					patch := ContentPatch(fmt.Sprintf("writer %d", i))
					patch.ExpectedVersion = item.Version
					_, err := repo.Update(ctx, item.ID, patch)

					mu.Lock()
					defer mu.Unlock()
					switch {
					case err == nil:
						successes++
					case errors.Is(err, errors.ErrConcurrencyConflict):
						conflicts++
					default:
						t.Errorf("unexpected error: %v", err)
					}
				}(i)
			}
			close(start)
			wg.Wait()

			assert.Equal(t, 1, successes)
			assert.Equal(t, 1, conflicts)

			final, ok, err := repo.Read(ctx, item.ID)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, int64(2), final.Version)
		})
	}
}

func TestRepository_ConcurrentUnversionedUpdatesAllApply(t *testing.T) {
	repo, _ := newTestRepository(t, NewMemoryLedger(),
		WithRetryPolicy(resilience.RetryPolicy{MaxRetries: 10, BaseDelay: time.Millisecond}))
	ctx := context.Background()

	item, err := repo.Create(ctx, "alice", "start", nil, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := repo.Update(ctx, item.ID, Patch{Metadata: map[string]interface{}{fmt.Sprintf("k%d", i): i}})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	final, _, err := repo.Read(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(6), final.Version)
	assert.Len(t, final.Metadata, 5)
}

func TestRepository_DeleteIdempotent(t *testing.T) {
	for name, newLedger := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			repo, idx := newTestRepository(t, newLedger())
			ctx := context.Background()

			item, err := repo.Create(ctx, "alice", "x", nil, nil)
			require.NoError(t, err)

			found, err := repo.Delete(ctx, item.ID)
			require.NoError(t, err)
			assert.True(t, found)
			assert.Equal(t, 0, idx.Len())

			found, err = repo.Delete(ctx, item.ID)
			require.NoError(t, err)
			assert.False(t, found)

			found, err = repo.Delete(ctx, "never-existed")
			require.NoError(t, err)
			assert.False(t, found)
		})
	}
}

func TestRepository_DeleteVersion(t *testing.T) {
	repo, _ := newTestRepository(t, NewMemoryLedger())
	ctx := context.Background()

	item, err := repo.Create(ctx, "alice", "x", nil, nil)
	require.NoError(t, err)
	_, err = repo.Update(ctx, item.ID, ContentPatch("y"))
	require.NoError(t, err)

	_, err = repo.DeleteVersion(ctx, item.ID, 1)
	assert.True(t, errors.Is(err, errors.ErrConcurrencyConflict))

	found, err := repo.DeleteVersion(ctx, item.ID, 2)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestRepository_ListAndDeleteAll(t *testing.T) {
	for name, newLedger := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			clock := &fixedClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
			repo, idx := newTestRepository(t, newLedger(), WithClock(clock.Now))
			ctx := context.Background()

			var aliceIDs []string
			for i := 0; i < 5; i++ {
				item, err := repo.Create(ctx, "alice", fmt.Sprintf("fact %d", i), nil, nil)
				require.NoError(t, err)
				aliceIDs = append(aliceIDs, item.ID)
				clock.Advance(time.Second)
			}
			bob, err := repo.Create(ctx, "bob", "bob's fact", nil, nil)
			require.NoError(t, err)

			items, err := repo.List(ctx, "alice", 2, 0)
			require.NoError(t, err)
			require.Len(t, items, 2)
			assert.Equal(t, aliceIDs[4], items[0].ID, "newest first")
			assert.Equal(t, aliceIDs[3], items[1].ID)

			items, err = repo.List(ctx, "alice", 0, 4)
			require.NoError(t, err)
			require.Len(t, items, 1)
			assert.Equal(t, aliceIDs[0], items[0].ID)

			items, err = repo.List(ctx, "alice", 0, 10)
			require.NoError(t, err)
			assert.Empty(t, items)

			removed, err := repo.DeleteAll(ctx, "alice")
			require.NoError(t, err)
			assert.Len(t, removed, 5)

			items, err = repo.List(ctx, "alice", 0, 0)
			require.NoError(t, err)
			assert.Empty(t, items)

			got, ok, err := repo.Read(ctx, bob.ID)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "bob's fact", got.Content)
			assert.Equal(t, 1, idx.Len())

			removed, err = repo.DeleteAll(ctx, "alice")
			require.NoError(t, err)
			assert.Empty(t, removed)
		})
	}
}

func TestRepository_Reset(t *testing.T) {
	for name, newLedger := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			repo, idx := newTestRepository(t, newLedger())
			ctx := context.Background()

			alice, err := repo.Create(ctx, "alice", "likes tea", nil, nil)
			require.NoError(t, err)
			_, err = repo.Create(ctx, "bob", "likes coffee", nil, nil)
			require.NoError(t, err)

			owners, err := repo.ledger.Owners(ctx)
			require.NoError(t, err)
			assert.Equal(t, []entity.OwnerID{"alice", "bob"}, owners)

			removed, err := repo.Reset(ctx)
			require.NoError(t, err)
			assert.Len(t, removed, 2)
			assert.Equal(t, 0, idx.Len())

			owners, err = repo.ledger.Owners(ctx)
			require.NoError(t, err)
			assert.Empty(t, owners)

			retired, err := repo.ledger.Retired(ctx, alice.ID)
			require.NoError(t, err)
			assert.True(t, retired)

			removed, err = repo.Reset(ctx)
			require.NoError(t, err)
			assert.Empty(t, removed)
		})
	}
}

// gatedIndex holds the upsert of one content until released.
type gatedIndex struct {
	*mock.MockIndex
	content string
	entered chan struct{}
	release chan struct{}
}

func newGatedIndex(content string) *gatedIndex {
	return &gatedIndex{
		MockIndex: mock.NewMockIndex(),
		content:   content,
		entered:   make(chan struct{}),
		release:   make(chan struct{}),
	}
}

func (g *gatedIndex) Upsert(ctx context.Context, rec index.Record) error {
	if rec.Content == g.content {
		close(g.entered)
		<-g.release
	}
	return g.MockIndex.Upsert(ctx, rec)
}

func TestRepository_SharedLedgerKeepsIndexInStep(t *testing.T) {
	ctx := context.Background()
	embedder := hash.New(64)

	setup := func(t *testing.T) (a *Repository, gated *gatedIndex, item MemoryItem, errc chan error) {
		ledger := NewMemoryLedger()
		gated = newGatedIndex("likes coffee")
		a = New(ledger, gated, embedder)
		b := New(ledger, gated, embedder)

		item, err := a.Create(ctx, "alice", "likes tea", nil, nil)
		require.NoError(t, err)

		errc = make(chan error, 1)
		go func() {
			patch := ContentPatch("likes coffee")
			patch.ExpectedVersion = item.Version
			_, err := b.Update(ctx, item.ID, patch)
			errc <- err
		}()
		<-gated.entered
		return a, gated, item, errc
	}

	t.Run("losing writer", func(t *testing.T) {
		a, gated, item, errc := setup(t)

		_, err := a.Update(ctx, item.ID, ContentPatch("likes juice"))
		require.NoError(t, err)
		close(gated.release)

		err = <-errc
		assert.True(t, errors.Is(err, errors.ErrConcurrencyConflict), "got %v", err)

		stored, ok, err := a.Read(ctx, item.ID)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "likes juice", stored.Content)

		rec, err := gated.Get(ctx, item.ID)
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, "likes juice", rec.Content)
		assert.Equal(t, int64(2), rec.Version)

		want, err := embedder.Embed(ctx, "likes juice")
		require.NoError(t, err)
		assert.Equal(t, want, rec.Vector)
	})

	t.Run("deleted meanwhile", func(t *testing.T) {
		a, gated, item, errc := setup(t)

		found, err := a.Delete(ctx, item.ID)
		require.NoError(t, err)
		require.True(t, found)
		close(gated.release)

		err = <-errc
		assert.True(t, errors.Is(err, errors.ErrNotFound), "got %v", err)

		rec, err := gated.Get(ctx, item.ID)
		require.NoError(t, err)
		assert.Nil(t, rec)
		assert.Equal(t, 0, gated.Len())
	})
}

func TestBoltLedgerPersists(t *testing.T) {
	path := testutil.TempBoltPath(t)
	ctx := context.Background()

	l, err := OpenBoltLedger(path)
	require.NoError(t, err)
	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, l.Insert(ctx, MemoryItem{ID: "a", Owner: "alice", Content: "x", Version: 1, CreatedAt: now, UpdatedAt: now}))
	require.NoError(t, l.Insert(ctx, MemoryItem{ID: "b", Owner: "alice", Content: "y", Version: 1, CreatedAt: now, UpdatedAt: now}))
	removed, err := l.Remove(ctx, "b")
	require.NoError(t, err)
	assert.True(t, removed)
	require.NoError(t, l.Close())

	l, err = OpenBoltLedger(path)
	require.NoError(t, err)
	defer l.Close()

	item, ok, err := l.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "x", item.Content)
	assert.True(t, now.Equal(item.CreatedAt))

	retired, err := l.Retired(ctx, "b")
	require.NoError(t, err)
	assert.True(t, retired)
	assert.ErrorIs(t, l.Insert(ctx, MemoryItem{ID: "b", Owner: "alice"}), ErrIDInUse)

	err = l.Swap(ctx, MemoryItem{ID: "a", Content: "z", Version: 2}, 5)
	assert.True(t, errors.Is(err, errors.ErrConcurrencyConflict))
	err = l.Swap(ctx, MemoryItem{ID: "gone", Version: 2}, 1)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestPatchApplyDoesNotAliasInput(t *testing.T) {
	nested := map[string]interface{}{"k": "v"}
	item := MemoryItem{Metadata: map[string]interface{}{"nested": nested}}

	next := Patch{Metadata: map[string]interface{}{"other": 1}}.apply(item)
	next.Metadata["nested"].(map[string]interface{})["k"] = "changed"

	assert.Equal(t, "v", nested["k"])
	assert.Len(t, item.Metadata, 1)
}
