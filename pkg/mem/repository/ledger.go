package repository

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/lexlapax/memfact/pkg/entity"
	memerrors "github.com/lexlapax/memfact/pkg/errors"
)

// ErrIDInUse is returned by Ledger.Insert when the id exists or was retired.
var ErrIDInUse = errors.New("memory id already in use")

// Ledger persists item bookkeeping: identity, ownership, content, metadata and
// version. It is the source of truth for existence.
type Ledger interface {
	// Insert stores a new item. It fails with ErrIDInUse if the id was ever used.
	Insert(ctx context.Context, item MemoryItem) error

	// Get returns the live item with id.
	Get(ctx context.Context, id string) (MemoryItem, bool, error)

	// Swap replaces the item if it is still at version expected. A stale
	// version fails with *errors.ConflictError and a missing item with
	// *errors.NotFoundError.
	Swap(ctx context.Context, item MemoryItem, expected int64) error

	// Remove deletes the item and retires its id.
	Remove(ctx context.Context, id string) (bool, error)

	// Retired reports whether id belonged to a deleted item.
	Retired(ctx context.Context, id string) (bool, error)

	// List returns every live item of owner in no particular order.
	List(ctx context.Context, owner entity.OwnerID) ([]MemoryItem, error)

	// Owners returns every owner with at least one live item, sorted.
	Owners(ctx context.Context) ([]entity.OwnerID, error)

	Close() error
}

// MemoryLedger keeps bookkeeping in process memory.
type MemoryLedger struct {
	mu      sync.RWMutex
	items   map[string]MemoryItem
	owners  map[entity.OwnerID]map[string]struct{}
	retired map[string]struct{}
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		items:   make(map[string]MemoryItem),
		owners:  make(map[entity.OwnerID]map[string]struct{}),
		retired: make(map[string]struct{}),
	}
}

func (l *MemoryLedger) Insert(_ context.Context, item MemoryItem) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.items[item.ID]; ok {
		return ErrIDInUse
	}
	if _, ok := l.retired[item.ID]; ok {
		return ErrIDInUse
	}

	l.items[item.ID] = item.Clone()
	ids, ok := l.owners[item.Owner]
	if !ok {
		ids = make(map[string]struct{})
		l.owners[item.Owner] = ids
	}
	ids[item.ID] = struct{}{}
	return nil
}

func (l *MemoryLedger) Get(_ context.Context, id string) (MemoryItem, bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	item, ok := l.items[id]
	if !ok {
		return MemoryItem{}, false, nil
	}
	return item.Clone(), true, nil
}

func (l *MemoryLedger) Swap(_ context.Context, item MemoryItem, expected int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur, ok := l.items[item.ID]
	if !ok {
		return &memerrors.NotFoundError{ID: item.ID}
	}
	if cur.Version != expected {
		return &memerrors.ConflictError{ID: item.ID, Expected: expected, Actual: cur.Version}
	}
	item.Owner = cur.Owner
	item.CreatedAt = cur.CreatedAt
	l.items[item.ID] = item.Clone()
	return nil
}

func (l *MemoryLedger) Remove(_ context.Context, id string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	item, ok := l.items[id]
	if !ok {
		return false, nil
	}
	delete(l.items, id)
	if ids := l.owners[item.Owner]; ids != nil {
		delete(ids, id)
		if len(ids) == 0 {
			delete(l.owners, item.Owner)
		}
	}
	l.retired[id] = struct{}{}
	return true, nil
}

func (l *MemoryLedger) Retired(_ context.Context, id string) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.retired[id]
	return ok, nil
}

func (l *MemoryLedger) List(_ context.Context, owner entity.OwnerID) ([]MemoryItem, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	ids := l.owners[owner]
	items := make([]MemoryItem, 0, len(ids))
	for id := range ids {
		items = append(items, l.items[id].Clone())
	}
	return items, nil
}

func (l *MemoryLedger) Owners(_ context.Context) ([]entity.OwnerID, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	owners := make([]entity.OwnerID, 0, len(l.owners))
	for owner := range l.owners {
		owners = append(owners, owner)
	}
	sort.Slice(owners, func(i, j int) bool { return owners[i] < owners[j] })
	return owners, nil
}

func (l *MemoryLedger) Close() error { return nil }

// sortNewestFirst orders by created_at desc, then id.
func sortNewestFirst(items []MemoryItem) {
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.After(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})
}
