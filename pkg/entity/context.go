package entity

import (
	"context"
)

// contextKey is a private type for context keys to avoid collisions
type contextKey int

const (
	// scopeKey is the key for storing a Scope in a context.Context
	scopeKey contextKey = iota
)

// ContextWithOwner adds an OwnerID to a context.Context.
func ContextWithOwner(ctx context.Context, owner OwnerID) context.Context {
	return context.WithValue(ctx, scopeKey, Scope{Owner: owner})
}

// ContextWithScope adds a full Scope to a context.Context.
func ContextWithScope(ctx context.Context, scope Scope) context.Context {
	return context.WithValue(ctx, scopeKey, scope)
}

// ScopeFromContext retrieves the Scope from a context.Context.
// If no Scope is found, it returns a zero-valued Scope and false.
func ScopeFromContext(ctx context.Context) (Scope, bool) {
	scope, ok := ctx.Value(scopeKey).(Scope)
	return scope, ok
}

// ActorFromContext returns the actor stored in ctx, or "" when none is set.
func ActorFromContext(ctx context.Context) string {
	scope, _ := ScopeFromContext(ctx)
	return scope.Actor
}
