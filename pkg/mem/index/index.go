// Package index defines the vector index boundary used by the memory repository.
package index

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/lexlapax/memfact/pkg/entity"
)

// Metric names the raw score an index returns in Hit.Score.
type Metric string

const (
	// CosineSimilarity scores lie in [-1, 1], higher is closer.
	CosineSimilarity Metric = "cosine_similarity"

	// CosineDistance scores lie in [0, 2], lower is closer.
	CosineDistance Metric = "cosine_distance"

	// EuclideanDistance scores lie in [0, +inf), lower is closer.
	EuclideanDistance Metric = "euclidean_distance"

	// NegativeInnerProduct is pgvector's <#> operator, lower is closer.
	NegativeInnerProduct Metric = "negative_inner_product"
)

// Record is a vector plus the payload stored with it.
type Record struct {
	ID        string
	Owner     entity.OwnerID
	Vector    []float32
	Content   string
	Hash      string
	Metadata  map[string]interface{}
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Hit is one nearest-neighbor result. Score is the raw metric value.
type Hit struct {
	Record Record
	Score  float64
}

// Filter restricts results to records whose metadata holds every key with an
// equal value.
type Filter map[string]interface{}

// Matches reports whether metadata satisfies f. Numbers compare by value
// regardless of their Go type.
func (f Filter) Matches(metadata map[string]interface{}) bool {
	for k, want := range f {
		got, ok := metadata[k]
		if !ok || !equalValues(want, got) {
			return false
		}
	}
	return true
}

func equalValues(a, b interface{}) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// Index stores vectors keyed by id and answers owner-scoped k-NN queries.
// Implementations must be safe for concurrent use.
type Index interface {
	// Upsert inserts or replaces the record with rec.ID.
	Upsert(ctx context.Context, rec Record) error

	// Delete removes id and reports whether it existed.
	Delete(ctx context.Context, id string) (bool, error)

	// Get returns the record for id, or nil when absent.
	Get(ctx context.Context, id string) (*Record, error)

	// Query returns up to k records of owner ordered from closest to farthest.
	Query(ctx context.Context, owner entity.OwnerID, vector []float32, k int, filter Filter) ([]Hit, error)

	// Metric describes Hit.Score.
	Metric() Metric

	// Close releases connections held by the index.
	Close() error
}

// CheckDimensions returns an error when vec does not have want entries.
func CheckDimensions(vec []float32, want int) error {
	if want > 0 && len(vec) != want {
		return fmt.Errorf("embedding dimension mismatch: got %d, expected %d", len(vec), want)
	}
	if len(vec) == 0 {
		return fmt.Errorf("embedding is empty")
	}
	return nil
}
