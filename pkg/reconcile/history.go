package reconcile

import (
	"context"

	"github.com/lexlapax/memfact/pkg/entity"
	"github.com/lexlapax/memfact/pkg/log"
	"github.com/lexlapax/memfact/pkg/mem/history"
	"github.com/lexlapax/memfact/pkg/mem/repository"
)

// RecordHistory writes one history row for a mutation. before is nil for ADD
// and after is nil for DELETE. Failures are logged and never returned.
func RecordHistory(ctx context.Context, store history.Store, event history.Event, before, after *repository.MemoryItem) {
	if store == nil {
		return
	}

	var rec history.Record
	switch {
	case after != nil:
		rec.MemoryID = after.ID
		rec.OwnerID = after.Owner.String()
		rec.NewMemory = history.StringPtr(after.Content)
		rec.CreatedAt = history.TimePtr(after.CreatedAt)
		rec.UpdatedAt = history.TimePtr(after.UpdatedAt)
	case before != nil:
		rec.MemoryID = before.ID
		rec.OwnerID = before.Owner.String()
		rec.CreatedAt = history.TimePtr(before.CreatedAt)
	default:
		return
	}
	if before != nil {
		rec.OldMemory = history.StringPtr(before.Content)
	}
	rec.Event = event

	if scope, ok := entity.ScopeFromContext(ctx); ok && scope.Actor != "" {
		rec.ActorID = history.StringPtr(scope.Actor)
	}

	if err := store.Add(ctx, rec); err != nil {
		log.WarnContext(ctx, "Failed to record history", "memory_id", rec.MemoryID, "event", event, "error", err)
	}
}
