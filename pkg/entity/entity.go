package entity

import (
	"strings"

	"github.com/lexlapax/memfact/pkg/errors"
)

// OwnerID identifies the principal a memory belongs to.
// Every read and write is scoped to exactly one owner.
type OwnerID string

// String returns the owner id as a plain string.
func (o OwnerID) String() string { return string(o) }

// Validate rejects blank owner ids.
func (o OwnerID) Validate() error {
	if strings.TrimSpace(string(o)) == "" {
		return errors.Wrap(errors.ErrInvalidInput, "owner id is required")
	}
	return nil
}

// Scope holds the owner of an operation and, optionally, the actor performing it.
// The actor is recorded in history only and never affects visibility.
type Scope struct {
	// Owner is mandatory and determines the memory isolation boundary
	Owner OwnerID

	// Actor is optional and used for audit records
	Actor string
}

// NewScope creates a new Scope with the specified owner and optional actor.
func NewScope(owner OwnerID, actor string) Scope {
	return Scope{
		Owner: owner,
		Actor: actor,
	}
}
