package chromem_go

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"

	"github.com/lexlapax/memfact/pkg/entity"
	memerrors "github.com/lexlapax/memfact/pkg/errors"
	"github.com/lexlapax/memfact/pkg/log"
	"github.com/lexlapax/memfact/pkg/mem/index"
)

const (
	adapterName = "chromem"
	ownerKey    = "owner_id"
	metaPrefix  = "m."
)

// ErrNoEmbedding is returned when chromem is asked to compute an embedding itself.
var ErrNoEmbedding = errors.New("embeddings must be supplied by the caller")

// Config configures the chromem-go index.
type Config struct {
	// Collection is the collection name
	Collection string

	// Path enables on-disk persistence when set
	Path string

	// Compress gzips persisted documents
	Compress bool

	// Dimensions is the expected vector length; 0 skips the check
	Dimensions int
}

// ChromemGoAdapter implements index.Index on an embedded chromem-go database.
// All owners share one collection; the owner is stored in document metadata
// and every query filters on it.
type ChromemGoAdapter struct {
	cfg Config

	mu  sync.Mutex
	db  *chromem.DB
	col *chromem.Collection
}

// New returns an adapter that opens its database on first use.
func New(cfg Config) *ChromemGoAdapter {
	if cfg.Collection == "" {
		cfg.Collection = "memfact"
	}
	return &ChromemGoAdapter{cfg: cfg}
}

// NewChromemGoAdapter returns an adapter on an already opened database.
func NewChromemGoAdapter(db *chromem.DB, cfg Config) (*ChromemGoAdapter, error) {
	if db == nil {
		return nil, errors.New("chromem database cannot be nil")
	}
	a := New(cfg)
	a.db = db
	if _, err := a.collection(); err != nil {
		return nil, err
	}
	return a, nil
}

// collection opens the database and collection once; failures are retried on the next call.
func (a *ChromemGoAdapter) collection() (*chromem.Collection, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.col != nil {
		return a.col, nil
	}

	if a.db == nil {
		if a.cfg.Path == "" {
			a.db = chromem.NewDB()
		} else {
			db, err := chromem.NewPersistentDB(a.cfg.Path, a.cfg.Compress)
			if err != nil {
				return nil, &memerrors.ConnectionError{Adapter: adapterName, Err: err}
			}
			a.db = db
		}
	}

	col, err := a.db.GetOrCreateCollection(a.cfg.Collection, nil, refuseEmbedding)
	if err != nil {
		return nil, &memerrors.ConnectionError{Adapter: adapterName, Err: err}
	}
	a.col = col

	log.Debug("Opened chromem collection", "collection", a.cfg.Collection, "persistent", a.cfg.Path != "")
	return col, nil
}

func refuseEmbedding(context.Context, string) ([]float32, error) {
	return nil, ErrNoEmbedding
}

type payload struct {
	Content   string                 `json:"content"`
	Hash      string                 `json:"hash,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Version   int64                  `json:"version"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// Upsert implements index.Index.
func (a *ChromemGoAdapter) Upsert(ctx context.Context, rec index.Record) error {
	if err := index.CheckDimensions(rec.Vector, a.cfg.Dimensions); err != nil {
		return memerrors.NewAdapterError(adapterName, "upsert", false, err)
	}
	col, err := a.collection()
	if err != nil {
		return err
	}

	body, err := json.Marshal(payload{
		Content:   rec.Content,
		Hash:      rec.Hash,
		Metadata:  rec.Metadata,
		Version:   rec.Version,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	})
	if err != nil {
		return memerrors.NewAdapterError(adapterName, "upsert", false, fmt.Errorf("marshal payload: %w", err))
	}

	meta := map[string]string{ownerKey: rec.Owner.String()}
	for k, v := range rec.Metadata {
		if s, ok := v.(string); ok {
			meta[metaPrefix+k] = s
		}
	}

	doc := chromem.Document{
		ID:        rec.ID,
		Content:   string(body),
		Embedding: append([]float32(nil), rec.Vector...),
		Metadata:  meta,
	}
	if err := col.AddDocument(ctx, doc); err != nil {
		return memerrors.NewAdapterError(adapterName, "upsert", false, err)
	}

	log.DebugContext(ctx, "Stored document in chromem", "id", rec.ID, "collection", a.cfg.Collection)
	return nil
}

// Delete implements index.Index.
func (a *ChromemGoAdapter) Delete(ctx context.Context, id string) (bool, error) {
	col, err := a.collection()
	if err != nil {
		return false, err
	}
	if _, err := col.GetByID(ctx, id); err != nil {
		return false, nil
	}
	if err := col.Delete(ctx, nil, nil, id); err != nil {
		return false, memerrors.NewAdapterError(adapterName, "delete", false, err)
	}
	return true, nil
}

// Get implements index.Index.
func (a *ChromemGoAdapter) Get(ctx context.Context, id string) (*index.Record, error) {
	col, err := a.collection()
	if err != nil {
		return nil, err
	}
	doc, err := col.GetByID(ctx, id)
	if err != nil {
		// GetByID fails only for unknown or empty ids.
		return nil, nil
	}
	rec, err := decode(doc.ID, doc.Metadata, doc.Content, doc.Embedding)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Query implements index.Index. String-valued filter entries are pushed down
// to chromem; the rest are applied to decoded payloads.
func (a *ChromemGoAdapter) Query(ctx context.Context, owner entity.OwnerID, vector []float32, k int, filter index.Filter) ([]index.Hit, error) {
	if err := index.CheckDimensions(vector, a.cfg.Dimensions); err != nil {
		return nil, memerrors.NewAdapterError(adapterName, "query", false, err)
	}
	col, err := a.collection()
	if err != nil {
		return nil, err
	}

	// chromem requires nResults <= collection size.
	n := k
	if count := col.Count(); n > count {
		n = count
	}
	if n <= 0 {
		return nil, nil
	}

	where := map[string]string{ownerKey: owner.String()}
	for key, v := range filter {
		if s, ok := v.(string); ok {
			where[metaPrefix+key] = s
		}
	}

	var results []chromem.Result
	for ; n >= 1; n-- {
		results, err = col.QueryEmbedding(ctx, vector, n, where, nil)
		if err == nil {
			break
		}
		// Documents may be deleted between Count and the query.
		if !strings.Contains(err.Error(), "nResults") || n == 1 {
			return nil, memerrors.NewAdapterError(adapterName, "query", false, err)
		}
	}

	hits := make([]index.Hit, 0, len(results))
	for _, r := range results {
		rec, err := decode(r.ID, r.Metadata, r.Content, r.Embedding)
		if err != nil {
			log.WarnContext(ctx, "Skipping undecodable chromem document", "id", r.ID, "error", err)
			continue
		}
		if rec.Owner != owner || !filter.Matches(rec.Metadata) {
			continue
		}
		hits = append(hits, index.Hit{Record: rec, Score: float64(r.Similarity)})
	}

	log.DebugContext(ctx, "Queried chromem", "owner_id", owner, "k", k, "hits", len(hits))
	return hits, nil
}

// Metric implements index.Index.
func (a *ChromemGoAdapter) Metric() index.Metric {
	return index.CosineSimilarity
}

// Close implements index.Index. chromem persists on every write, so there is nothing to flush.
func (a *ChromemGoAdapter) Close() error {
	return nil
}

func decode(id string, meta map[string]string, content string, vec []float32) (index.Record, error) {
	var p payload
	if err := json.Unmarshal([]byte(content), &p); err != nil {
		return index.Record{}, memerrors.NewAdapterError(adapterName, "decode", false, err)
	}
	return index.Record{
		ID:        id,
		Owner:     entity.OwnerID(meta[ownerKey]),
		Vector:    vec,
		Content:   p.Content,
		Hash:      p.Hash,
		Metadata:  p.Metadata,
		Version:   p.Version,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}, nil
}
