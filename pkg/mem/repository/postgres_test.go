package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexlapax/memfact/pkg/entity"
	memerrors "github.com/lexlapax/memfact/pkg/errors"
	"github.com/lexlapax/memfact/test/testutil"
)

func TestPostgresLedger(t *testing.T) {
	dsn := testutil.PostgresDSN(t)
	ctx := context.Background()

	table := fmt.Sprintf("memfact_ledger_test_%d", time.Now().UnixNano())
	l, err := OpenPostgresLedger(ctx, dsn, table)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = l.pool.Exec(context.Background(), "DROP TABLE IF EXISTS "+table)
		_ = l.Close()
	})

	now := time.Date(2024, 3, 9, 12, 0, 0, 0, time.UTC)
	item := MemoryItem{
		ID: "m1", Owner: "alice", Content: "Likes tea", Hash: ContentHash("Likes tea"),
		Metadata: map[string]interface{}{"topic": "drinks"}, Version: 1, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, l.Insert(ctx, item))
	assert.ErrorIs(t, l.Insert(ctx, item), ErrIDInUse)

	got, ok, err := l.Get(ctx, "m1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "drinks", got.Metadata["topic"])
	assert.True(t, got.CreatedAt.Equal(now))

	next := got
	next.Content = "Likes coffee"
	next.Version = 2
	next.UpdatedAt = now.Add(time.Second)
	require.NoError(t, l.Swap(ctx, next, 1))

	err = l.Swap(ctx, next, 1)
	var conflict *memerrors.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, int64(2), conflict.Actual)

	items, err := l.List(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "Likes coffee", items[0].Content)

	owners, err := l.Owners(ctx)
	require.NoError(t, err)
	assert.Equal(t, []entity.OwnerID{"alice"}, owners)

	removed, err := l.Remove(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, removed)
	owners, err = l.Owners(ctx)
	require.NoError(t, err)
	assert.Empty(t, owners)
	removed, err = l.Remove(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, removed)

	retired, err := l.Retired(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, retired)
	assert.ErrorIs(t, l.Insert(ctx, item), ErrIDInUse)
	assert.ErrorIs(t, l.Swap(ctx, next, 2), memerrors.ErrNotFound)
}

func TestPostgresLedgerRejectsTableName(t *testing.T) {
	_, err := NewPostgresLedger(context.Background(), nil, "items; DROP TABLE x")
	assert.ErrorIs(t, err, memerrors.ErrConfiguration)
}
