package repository

import (
	"crypto/md5"
	"encoding/hex"
	"time"

	"github.com/lexlapax/memfact/pkg/entity"
	"github.com/lexlapax/memfact/pkg/mem/index"
)

// MemoryItem is a single stored fact.
type MemoryItem struct {
	ID        string                 `json:"id"`
	Owner     entity.OwnerID         `json:"owner_id"`
	Content   string                 `json:"content"`
	Hash      string                 `json:"hash"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Version   int64                  `json:"version"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// Clone returns a copy that shares no mutable state with item.
func (item MemoryItem) Clone() MemoryItem {
	item.Metadata = CloneMetadata(item.Metadata)
	return item
}

func (item MemoryItem) record(vector []float32) index.Record {
	return index.Record{
		ID:        item.ID,
		Owner:     item.Owner,
		Vector:    vector,
		Content:   item.Content,
		Hash:      item.Hash,
		Metadata:  CloneMetadata(item.Metadata),
		Version:   item.Version,
		CreatedAt: item.CreatedAt,
		UpdatedAt: item.UpdatedAt,
	}
}

// Patch describes a change to an existing item.
type Patch struct {
	// Content replaces the item's text when non-nil; the item is re-embedded
	Content *string

	// Vector is a precomputed embedding of Content; computed when nil
	Vector []float32

	// Metadata is merged per key; a nil value removes the key
	Metadata map[string]interface{}

	// ReplaceMetadata replaces the whole mapping instead of merging
	ReplaceMetadata bool

	// ExpectedVersion rejects the update with a conflict unless the item is
	// still at this version; 0 accepts any version and retries on races
	ExpectedVersion int64
}

// ContentPatch is a Patch that only replaces content.
func ContentPatch(content string) Patch {
	return Patch{Content: &content}
}

func (p Patch) apply(item MemoryItem) MemoryItem {
	next := item.Clone()
	if p.Content != nil {
		next.Content = *p.Content
		next.Hash = ContentHash(next.Content)
	}

	if p.ReplaceMetadata {
		next.Metadata = nil
	}
	for k, v := range p.Metadata {
		if v == nil {
			delete(next.Metadata, k)
			continue
		}
		if next.Metadata == nil {
			next.Metadata = make(map[string]interface{}, len(p.Metadata))
		}
		next.Metadata[k] = cloneValue(v)
	}
	if len(next.Metadata) == 0 {
		next.Metadata = nil
	}
	return next
}

// ContentHash returns the hex md5 of content, stored alongside each item.
func ContentHash(content string) string {
	sum := md5.Sum([]byte(content))
	return hex.EncodeToString(sum[:])
}

// CloneMetadata deep-copies nested maps and slices.
func CloneMetadata(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return CloneMetadata(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
