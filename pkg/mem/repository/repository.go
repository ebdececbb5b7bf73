// Package repository is the authoritative view of stored memory items. It
// assigns identities, stamps timestamps and versions, and keeps the ledger
// and the vector index in step.
package repository

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/lexlapax/memfact/pkg/embedding"
	"github.com/lexlapax/memfact/pkg/entity"
	memerrors "github.com/lexlapax/memfact/pkg/errors"
	"github.com/lexlapax/memfact/pkg/log"
	"github.com/lexlapax/memfact/pkg/mem/index"
	"github.com/lexlapax/memfact/pkg/resilience"
)

const lockStripes = 64

// Repository owns identity assignment and per-item versioning.
type Repository struct {
	ledger   Ledger
	index    index.Index
	embedder embedding.Embedder

	now    func() time.Time
	newID  func() string
	retry  resilience.RetryPolicy
	stripe [lockStripes]sync.Mutex
}

// Option configures a Repository.
type Option func(*Repository)

// WithClock replaces time.Now for timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Repository) { r.now = now }
}

// WithIDGenerator replaces uuid generation.
func WithIDGenerator(newID func() string) Option {
	return func(r *Repository) { r.newID = newID }
}

// WithRetryPolicy bounds retries of unversioned updates that lose a race.
func WithRetryPolicy(p resilience.RetryPolicy) Option {
	return func(r *Repository) { r.retry = p }
}

// New creates a Repository over the given ledger, index and embedder.
func New(ledger Ledger, idx index.Index, embedder embedding.Embedder, opts ...Option) *Repository {
	r := &Repository{
		ledger:   ledger,
		index:    idx,
		embedder: embedder,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
		retry:    resilience.DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Repository) lock(id string) func() {
	h := fnv.New32a()
	h.Write([]byte(id))
	mu := &r.stripe[h.Sum32()%lockStripes]
	mu.Lock()
	return mu.Unlock
}

// Create stores a new item for owner. vector may be nil, in which case content
// is embedded.
func (r *Repository) Create(ctx context.Context, owner entity.OwnerID, content string, metadata map[string]interface{}, vector []float32) (MemoryItem, error) {
	if err := owner.Validate(); err != nil {
		return MemoryItem{}, err
	}

	if vector == nil {
		var err error
		if vector, err = r.embedder.Embed(ctx, content); err != nil {
			return MemoryItem{}, memerrors.Wrap(err, "embed new memory")
		}
	}

	id, err := r.allocateID(ctx)
	if err != nil {
		return MemoryItem{}, err
	}

	now := r.now()
	item := MemoryItem{
		ID:        id,
		Owner:     owner,
		Content:   content,
		Hash:      ContentHash(content),
		Metadata:  CloneMetadata(metadata),
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if len(item.Metadata) == 0 {
		item.Metadata = nil
	}

	unlock := r.lock(id)
	defer unlock()

	if err := r.index.Upsert(ctx, item.record(vector)); err != nil {
		return MemoryItem{}, memerrors.Wrap(err, "index new memory")
	}
	if err := r.ledger.Insert(ctx, item); err != nil {
		if _, derr := r.index.Delete(ctx, id); derr != nil {
			log.WarnContext(ctx, "Failed to roll back index entry", "id", id, "error", derr)
		}
		return MemoryItem{}, memerrors.Wrap(err, "record new memory")
	}

	log.DebugContext(ctx, "Created memory", "id", id, "owner_id", owner)
	return item.Clone(), nil
}

// allocateID draws ids until one has never been used.
func (r *Repository) allocateID(ctx context.Context) (string, error) {
	for attempt := 0; attempt < 8; attempt++ {
		id := r.newID()
		if id == "" {
			continue
		}
		if _, live, err := r.ledger.Get(ctx, id); err != nil {
			return "", err
		} else if live {
			continue
		}
		retired, err := r.ledger.Retired(ctx, id)
		if err != nil {
			return "", err
		}
		if !retired {
			return id, nil
		}
	}
	return "", errors.New("id generator keeps returning used ids")
}

// Read returns the live item with id.
func (r *Repository) Read(ctx context.Context, id string) (MemoryItem, bool, error) {
	return r.ledger.Get(ctx, id)
}

// Update applies patch to the item with id.
//
// A patch with ExpectedVersion fails with *errors.ConflictError when the item
// has moved on. Without it, an update that races another writer is re-applied
// to the fresh state under the retry policy.
func (r *Repository) Update(ctx context.Context, id string, patch Patch) (MemoryItem, error) {
	var updated MemoryItem
	err := resilience.Retry(ctx, r.retry,
		func(err error) bool {
			return patch.ExpectedVersion == 0 && errors.Is(err, memerrors.ErrConcurrencyConflict)
		},
		func(attempt int) error {
			var err error
			updated, err = r.tryUpdate(ctx, id, patch)
			if err != nil && attempt > 0 {
				log.DebugContext(ctx, "Update retry failed", "id", id, "attempt", attempt, "error", err)
			}
			return err
		})
	if err != nil {
		return MemoryItem{}, err
	}
	return updated, nil
}

func (r *Repository) tryUpdate(ctx context.Context, id string, patch Patch) (MemoryItem, error) {
	cur, ok, err := r.ledger.Get(ctx, id)
	if err != nil {
		return MemoryItem{}, err
	}
	if !ok {
		return MemoryItem{}, &memerrors.NotFoundError{ID: id}
	}
	if patch.ExpectedVersion != 0 && cur.Version != patch.ExpectedVersion {
		return MemoryItem{}, &memerrors.ConflictError{ID: id, Expected: patch.ExpectedVersion, Actual: cur.Version}
	}

	next := patch.apply(cur)
	vector := patch.Vector
	if vector == nil {
		vector, err = r.vectorFor(ctx, cur, next)
		if err != nil {
			return MemoryItem{}, err
		}
	}

	unlock := r.lock(id)
	defer unlock()

	latest, ok, err := r.ledger.Get(ctx, id)
	if err != nil {
		return MemoryItem{}, err
	}
	if !ok {
		return MemoryItem{}, &memerrors.NotFoundError{ID: id}
	}
	if latest.Version != cur.Version {
		return MemoryItem{}, &memerrors.ConflictError{ID: id, Expected: cur.Version, Actual: latest.Version}
	}

	next.Version = cur.Version + 1
	next.UpdatedAt = r.now()
	if !next.UpdatedAt.After(cur.UpdatedAt) {
		next.UpdatedAt = cur.UpdatedAt.Add(time.Microsecond)
	}

	if err := r.index.Upsert(ctx, next.record(vector)); err != nil {
		return MemoryItem{}, memerrors.Wrap(err, "index updated memory")
	}
	if err := r.ledger.Swap(ctx, next, cur.Version); err != nil {
		r.restoreIndex(ctx, id)
		return MemoryItem{}, err
	}

	log.DebugContext(ctx, "Updated memory", "id", id, "version", next.Version)
	return next.Clone(), nil
}

// restoreIndex rewrites the index entry for id from the ledger after a failed
// swap. Repositories sharing a ledger and index do not share locks, so the
// losing writer's upsert may already have replaced the winner's entry.
func (r *Repository) restoreIndex(ctx context.Context, id string) {
	latest, ok, err := r.ledger.Get(ctx, id)
	switch {
	case err != nil:
	case !ok:
		_, err = r.index.Delete(ctx, id)
	default:
		var vector []float32
		if vector, err = r.embedder.Embed(ctx, latest.Content); err == nil {
			err = r.index.Upsert(ctx, latest.record(vector))
		}
	}
	if err != nil {
		log.WarnContext(ctx, "Failed to restore index entry", "id", id, "error", err)
	}
}

// vectorFor re-embeds changed content and otherwise reuses the stored vector.
func (r *Repository) vectorFor(ctx context.Context, cur, next MemoryItem) ([]float32, error) {
	if next.Content == cur.Content {
		rec, err := r.index.Get(ctx, cur.ID)
		if err != nil {
			return nil, memerrors.Wrap(err, "load stored vector")
		}
		if rec != nil && len(rec.Vector) > 0 {
			return rec.Vector, nil
		}
	}
	vector, err := r.embedder.Embed(ctx, next.Content)
	if err != nil {
		return nil, memerrors.Wrap(err, "embed updated memory")
	}
	return vector, nil
}

// Delete removes the item and retires its id. Deleting a missing id reports
// false without error.
func (r *Repository) Delete(ctx context.Context, id string) (bool, error) {
	return r.delete(ctx, id, 0)
}

// DeleteVersion deletes the item only if it is still at version expected.
func (r *Repository) DeleteVersion(ctx context.Context, id string, expected int64) (bool, error) {
	return r.delete(ctx, id, expected)
}

func (r *Repository) delete(ctx context.Context, id string, expected int64) (bool, error) {
	unlock := r.lock(id)
	defer unlock()

	cur, ok, err := r.ledger.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if expected != 0 && cur.Version != expected {
		return false, &memerrors.ConflictError{ID: id, Expected: expected, Actual: cur.Version}
	}

	if _, err := r.index.Delete(ctx, id); err != nil {
		return false, memerrors.Wrap(err, "remove memory from index")
	}
	removed, err := r.ledger.Remove(ctx, id)
	if err != nil {
		return false, err
	}

	log.DebugContext(ctx, "Deleted memory", "id", id, "owner_id", cur.Owner)
	return removed, nil
}

// List returns owner's items newest first. A non-positive limit returns all.
func (r *Repository) List(ctx context.Context, owner entity.OwnerID, limit, offset int) ([]MemoryItem, error) {
	if err := owner.Validate(); err != nil {
		return nil, err
	}
	items, err := r.ledger.List(ctx, owner)
	if err != nil {
		return nil, err
	}
	sortNewestFirst(items)

	if offset > 0 {
		if offset >= len(items) {
			return []MemoryItem{}, nil
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// DeleteAll removes every item of owner and returns the removed snapshots.
// Items of other owners are never touched. Items created while DeleteAll runs
// may survive.
func (r *Repository) DeleteAll(ctx context.Context, owner entity.OwnerID) ([]MemoryItem, error) {
	if err := owner.Validate(); err != nil {
		return nil, err
	}
	items, err := r.ledger.List(ctx, owner)
	if err != nil {
		return nil, err
	}
	sortNewestFirst(items)

	removed := make([]bool, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, item := range items {
		i, id := i, item.ID
		g.Go(func() error {
			ok, err := r.Delete(gctx, id)
			removed[i] = ok
			return err
		})
	}
	err = g.Wait()

	deleted := make([]MemoryItem, 0, len(items))
	for i, item := range items {
		if removed[i] {
			deleted = append(deleted, item)
		}
	}

	log.DebugContext(ctx, "Deleted all memories", "owner_id", owner, "count", len(deleted))
	return deleted, err
}

// Reset removes every item of every owner and returns the removed snapshots.
// Removed ids stay retired.
func (r *Repository) Reset(ctx context.Context) ([]MemoryItem, error) {
	owners, err := r.ledger.Owners(ctx)
	if err != nil {
		return nil, err
	}

	var removed []MemoryItem
	for _, owner := range owners {
		items, err := r.DeleteAll(ctx, owner)
		removed = append(removed, items...)
		if err != nil {
			return removed, err
		}
	}

	log.InfoContext(ctx, "Reset memory store", "owners", len(owners), "count", len(removed))
	return removed, nil
}

// Close closes the ledger. The index is owned by the caller.
func (r *Repository) Close() error {
	return r.ledger.Close()
}
