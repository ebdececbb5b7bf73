// Package history records every applied mutation of a memory item.
package history

import (
	"context"
	"time"
)

// Event is the kind of mutation recorded.
type Event string

const (
	EventAdd    Event = "ADD"
	EventUpdate Event = "UPDATE"
	EventDelete Event = "DELETE"
)

// Record is one history row.
type Record struct {
	ID        string     `db:"id" json:"id"`
	MemoryID  string     `db:"memory_id" json:"memory_id"`
	OwnerID   string     `db:"owner_id" json:"owner_id"`
	OldMemory *string    `db:"old_memory" json:"old_memory,omitempty"`
	NewMemory *string    `db:"new_memory" json:"new_memory,omitempty"`
	Event     Event      `db:"event" json:"event"`
	CreatedAt *time.Time `db:"created_at" json:"created_at,omitempty"`
	UpdatedAt *time.Time `db:"updated_at" json:"updated_at,omitempty"`
	IsDeleted bool       `db:"is_deleted" json:"is_deleted"`
	ActorID   *string    `db:"actor_id" json:"actor_id,omitempty"`
	Role      *string    `db:"role" json:"role,omitempty"`
}

// Store persists history records.
type Store interface {
	// Add appends a record. ID is assigned when empty and IsDeleted follows Event.
	Add(ctx context.Context, rec Record) error

	// ForMemory returns the records of one memory, oldest first.
	ForMemory(ctx context.Context, memoryID string) ([]Record, error)

	// Reset removes every record.
	Reset(ctx context.Context) error

	Close() error
}

// Nop discards records.
type Nop struct{}

func (Nop) Add(context.Context, Record) error { return nil }
func (Nop) ForMemory(context.Context, string) ([]Record, error) { return nil, nil }
func (Nop) Reset(context.Context) error { return nil }
func (Nop) Close() error { return nil }

// StringPtr returns nil for empty s.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// TimePtr returns nil for the zero time.
func TimePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
