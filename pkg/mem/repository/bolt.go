package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/lexlapax/memfact/pkg/entity"
	memerrors "github.com/lexlapax/memfact/pkg/errors"
	"github.com/lexlapax/memfact/pkg/log"
)

var (
	itemsBucket   = []byte("items")
	ownersBucket  = []byte("owners")
	retiredBucket = []byte("retired")
)

// BoltLedger persists bookkeeping in a bbolt file. Items are stored as JSON
// under their id, with one nested bucket per owner indexing its ids.
type BoltLedger struct {
	db     *bolt.DB
	closer bool
}

// OpenBoltLedger opens or creates the bbolt file at path.
func OpenBoltLedger(path string) (*BoltLedger, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, &memerrors.ConnectionError{Adapter: "boltdb", Err: err}
	}
	l, err := NewBoltLedger(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	l.closer = true
	return l, nil
}

// NewBoltLedger uses an existing database handle. Close does not close db.
func NewBoltLedger(db *bolt.DB) (*BoltLedger, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{itemsBucket, ownersBucket, retiredBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Debug("Initialized BoltDB ledger", "db_path", db.Path())
	return &BoltLedger{db: db}, nil
}

func (l *BoltLedger) Insert(ctx context.Context, item MemoryItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal item: %w", err)
	}

	return l.db.Update(func(tx *bolt.Tx) error {
		id := []byte(item.ID)
		if tx.Bucket(itemsBucket).Get(id) != nil || tx.Bucket(retiredBucket).Get(id) != nil {
			return ErrIDInUse
		}
		owner, err := tx.Bucket(ownersBucket).CreateBucketIfNotExists([]byte(item.Owner))
		if err != nil {
			return fmt.Errorf("failed to create owner bucket for %s: %w", item.Owner, err)
		}
		if err := owner.Put(id, []byte{}); err != nil {
			return err
		}
		return tx.Bucket(itemsBucket).Put(id, data)
	})
}

func (l *BoltLedger) Get(ctx context.Context, id string) (MemoryItem, bool, error) {
	var (
		item  MemoryItem
		found bool
	)
	err := l.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(itemsBucket).Get([]byte(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &item)
	})
	if err != nil {
		return MemoryItem{}, false, fmt.Errorf("failed to read item %s: %w", id, err)
	}
	return item, found, nil
}

func (l *BoltLedger) Swap(ctx context.Context, item MemoryItem, expected int64) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		items := tx.Bucket(itemsBucket)
		data := items.Get([]byte(item.ID))
		if data == nil {
			return &memerrors.NotFoundError{ID: item.ID}
		}

		var cur MemoryItem
		if err := json.Unmarshal(data, &cur); err != nil {
			return fmt.Errorf("failed to unmarshal item: %w", err)
		}
		if cur.Version != expected {
			return &memerrors.ConflictError{ID: item.ID, Expected: expected, Actual: cur.Version}
		}

		item.Owner = cur.Owner
		item.CreatedAt = cur.CreatedAt
		next, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("failed to marshal item: %w", err)
		}
		return items.Put([]byte(item.ID), next)
	})
}

func (l *BoltLedger) Remove(ctx context.Context, id string) (bool, error) {
	var removed bool
	err := l.db.Update(func(tx *bolt.Tx) error {
		items := tx.Bucket(itemsBucket)
		data := items.Get([]byte(id))
		if data == nil {
			return nil
		}

		var cur MemoryItem
		if err := json.Unmarshal(data, &cur); err != nil {
			return fmt.Errorf("failed to unmarshal item: %w", err)
		}
		if owner := tx.Bucket(ownersBucket).Bucket([]byte(cur.Owner)); owner != nil {
			if err := owner.Delete([]byte(id)); err != nil {
				return err
			}
		}
		if err := items.Delete([]byte(id)); err != nil {
			return err
		}
		removed = true
		return tx.Bucket(retiredBucket).Put([]byte(id), []byte(time.Now().UTC().Format(time.RFC3339Nano)))
	})
	return removed, err
}

func (l *BoltLedger) Retired(ctx context.Context, id string) (bool, error) {
	var retired bool
	err := l.db.View(func(tx *bolt.Tx) error {
		retired = tx.Bucket(retiredBucket).Get([]byte(id)) != nil
		return nil
	})
	return retired, err
}

func (l *BoltLedger) List(ctx context.Context, owner entity.OwnerID) ([]MemoryItem, error) {
	var items []MemoryItem
	err := l.db.View(func(tx *bolt.Tx) error {
		ids := tx.Bucket(ownersBucket).Bucket([]byte(owner))
		if ids == nil {
			return nil
		}
		all := tx.Bucket(itemsBucket)
		return ids.ForEach(func(k, _ []byte) error {
			data := all.Get(k)
			if data == nil {
				return nil
			}
			var item MemoryItem
			if err := json.Unmarshal(data, &item); err != nil {
				log.WarnContext(ctx, "Skipping unreadable ledger entry", "id", string(k), "error", err)
				return nil
			}
			items = append(items, item)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list items for %s: %w", owner, err)
	}
	return items, nil
}

func (l *BoltLedger) Owners(ctx context.Context) ([]entity.OwnerID, error) {
	var owners []entity.OwnerID
	err := l.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket(ownersBucket)
		return root.ForEach(func(k, v []byte) error {
			if v != nil {
				return nil
			}
			if first, _ := root.Bucket(k).Cursor().First(); first != nil {
				owners = append(owners, entity.OwnerID(k))
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list owners: %w", err)
	}
	return owners, nil
}

// Close closes the database if the ledger opened it.
func (l *BoltLedger) Close() error {
	if l.closer {
		return l.db.Close()
	}
	return nil
}
