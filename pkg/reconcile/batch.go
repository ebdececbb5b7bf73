package reconcile

import (
	"github.com/lexlapax/memfact/pkg/extraction"
	"github.com/lexlapax/memfact/pkg/mem/repository"
)

// Batch remembers which item each normalized fact of one add call ended up in,
// so a repeated candidate collapses to NOOP without consulting the classifier.
// A Batch is not safe for concurrent use.
type Batch struct {
	seen map[string]string
}

// NewBatch returns an empty Batch.
func NewBatch() *Batch {
	return &Batch{seen: make(map[string]string)}
}

func batchKey(content string) string {
	return repository.ContentHash(extraction.NormalizeContent(content))
}

func (b *Batch) lookup(content string) string {
	if b == nil {
		return ""
	}
	return b.seen[batchKey(content)]
}

func (b *Batch) observe(fact extraction.Fact, o Outcome) {
	if b == nil || o.ItemID == "" {
		return
	}

	switch o.Action {
	case Add, Update:
		b.forget(o.ItemID)
		b.seen[batchKey(fact.Content)] = o.ItemID
		if o.Snapshot != nil {
			b.seen[batchKey(o.Snapshot.Content)] = o.ItemID
		}
	case Noop:
		b.seen[batchKey(fact.Content)] = o.ItemID
	case Delete:
		b.forget(o.ItemID)
	}
}

func (b *Batch) forget(id string) {
	for k, v := range b.seen {
		if v == id {
			delete(b.seen, k)
		}
	}
}
