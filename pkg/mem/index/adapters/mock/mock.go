package mock

import (
	"context"
	"sort"
	"sync"

	"github.com/lexlapax/memfact/pkg/embedding"
	"github.com/lexlapax/memfact/pkg/entity"
	"github.com/lexlapax/memfact/pkg/log"
	"github.com/lexlapax/memfact/pkg/mem/index"
)

// MockIndex is a brute-force in-memory index scoring by cosine similarity.
// It is meant for tests and offline use.
type MockIndex struct {
	mu      sync.RWMutex
	records map[string]index.Record
	err     error
	calls   int
}

// NewMockIndex creates an empty index.
func NewMockIndex() *MockIndex {
	return &MockIndex{records: make(map[string]index.Record)}
}

// SetError makes every subsequent call fail with err; nil clears it.
func (m *MockIndex) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Calls returns how many index operations were attempted.
func (m *MockIndex) Calls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls
}

// Len returns the number of stored records.
func (m *MockIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

func (m *MockIndex) enter() error {
	m.calls++
	return m.err
}

// Upsert implements index.Index.
func (m *MockIndex) Upsert(ctx context.Context, rec index.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(); err != nil {
		return err
	}
	rec.Vector = append([]float32(nil), rec.Vector...)
	rec.Metadata = copyMetadata(rec.Metadata)
	m.records[rec.ID] = rec
	log.DebugContext(ctx, "Upserted record in mock index", "id", rec.ID)
	return nil
}

// Delete implements index.Index.
func (m *MockIndex) Delete(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(); err != nil {
		return false, err
	}
	_, ok := m.records[id]
	delete(m.records, id)
	return ok, nil
}

// Get implements index.Index.
func (m *MockIndex) Get(ctx context.Context, id string) (*index.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(); err != nil {
		return nil, err
	}
	rec, ok := m.records[id]
	if !ok {
		return nil, nil
	}
	rec.Metadata = copyMetadata(rec.Metadata)
	return &rec, nil
}

// Query implements index.Index.
func (m *MockIndex) Query(ctx context.Context, owner entity.OwnerID, vector []float32, k int, filter index.Filter) ([]index.Hit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(); err != nil {
		return nil, err
	}

	hits := make([]index.Hit, 0, len(m.records))
	for _, rec := range m.records {
		if rec.Owner != owner || !filter.Matches(rec.Metadata) {
			continue
		}
		rec.Metadata = copyMetadata(rec.Metadata)
		hits = append(hits, index.Hit{Record: rec, Score: embedding.Cosine(vector, rec.Vector)})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Record.ID < hits[j].Record.ID
	})
	if k >= 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Metric implements index.Index.
func (m *MockIndex) Metric() index.Metric {
	return index.CosineSimilarity
}

// Close implements index.Index.
func (m *MockIndex) Close() error {
	return nil
}

func copyMetadata(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
