package entity

import (
	"context"
	"testing"

	"github.com/lexlapax/memfact/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestOwnerValidate(t *testing.T) {
	assert.NoError(t, OwnerID("alice").Validate())
	assert.True(t, errors.Is(OwnerID("").Validate(), errors.ErrInvalidInput))
	assert.True(t, errors.Is(OwnerID("   ").Validate(), errors.ErrInvalidInput))
}

func TestScopeContext(t *testing.T) {
	ctx := context.Background()

	_, ok := ScopeFromContext(ctx)
	assert.False(t, ok)
	assert.Equal(t, "", ActorFromContext(ctx))

	ctx = ContextWithScope(ctx, NewScope("alice", "assistant"))
	scope, ok := ScopeFromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, OwnerID("alice"), scope.Owner)
	assert.Equal(t, "assistant", ActorFromContext(ctx))

	ctx = ContextWithOwner(context.Background(), "bob")
	scope, _ = ScopeFromContext(ctx)
	assert.Equal(t, OwnerID("bob"), scope.Owner)
	assert.Empty(t, scope.Actor)
}
