package pgvector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lexlapax/memfact/pkg/entity"
	memerrors "github.com/lexlapax/memfact/pkg/errors"
	"github.com/lexlapax/memfact/pkg/log"
	"github.com/lexlapax/memfact/pkg/mem/index"
)

const adapterName = "pgvector"

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Config contains the configuration for a pgvector index.
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// TableName is the name of the table to use
	TableName string

	// Dimensions is the size of vector embeddings
	Dimensions int

	// DistanceMetric is the distance metric to use (cosine, euclidean, dot)
	DistanceMetric string
}

// PgvectorAdapter implements index.Index using PostgreSQL with the pgvector extension.
// The pool is created and the schema ensured on first use.
type PgvectorAdapter struct {
	cfg      Config
	operator string
	metric   index.Metric

	mu sync.Mutex
	db *pgxpool.Pool
}

// NewPgvectorAdapter validates cfg and returns an adapter without connecting.
func NewPgvectorAdapter(cfg Config) (*PgvectorAdapter, error) {
	if cfg.ConnectionString == "" {
		return nil, errors.New("connection string cannot be empty")
	}
	if cfg.TableName == "" {
		cfg.TableName = "memfact_vectors"
	}
	if !tableNamePattern.MatchString(cfg.TableName) {
		return nil, fmt.Errorf("invalid table name: %q", cfg.TableName)
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = 1536
	}

	a := &PgvectorAdapter{cfg: cfg}
	switch strings.ToLower(cfg.DistanceMetric) {
	case "", "cosine":
		a.operator, a.metric = "<=>", index.CosineDistance
	case "euclidean":
		a.operator, a.metric = "<->", index.EuclideanDistance
	case "dot":
		a.operator, a.metric = "<#>", index.NegativeInnerProduct
	default:
		return nil, fmt.Errorf("unsupported distance metric: %s (must be cosine, euclidean, or dot)", cfg.DistanceMetric)
	}
	return a, nil
}

// pool connects and prepares the table once; a failed attempt is retried on the next call.
func (a *PgvectorAdapter) pool(ctx context.Context) (*pgxpool.Pool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.db != nil {
		return a.db, nil
	}

	db, err := pgxpool.New(ctx, a.cfg.ConnectionString)
	if err != nil {
		return nil, &memerrors.ConnectionError{Adapter: adapterName, Err: err}
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, &memerrors.ConnectionError{Adapter: adapterName, Err: err}
	}
	if err := a.initializeTable(ctx, db); err != nil {
		db.Close()
		return nil, &memerrors.ConnectionError{Adapter: adapterName, Err: err}
	}

	a.db = db
	return db, nil
}

// initializeTable creates the extension, table and indexes if they don't exist.
func (a *PgvectorAdapter) initializeTable(ctx context.Context, db *pgxpool.Pool) error {
	t := a.cfg.TableName

	opClass := map[string]string{
		"<=>": "vector_cosine_ops",
		"<->": "vector_l2_ops",
		"<#>": "vector_ip_ops",
	}[a.operator]

	statements := []string{
		"CREATE EXTENSION IF NOT EXISTS vector",
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			content TEXT NOT NULL,
			hash TEXT NOT NULL DEFAULT '',
			metadata JSONB NOT NULL DEFAULT '{}',
			version BIGINT NOT NULL,
			embedding VECTOR(%d) NOT NULL,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL,
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL
		)`, t, a.cfg.Dimensions),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s_owner_id_idx ON %s (owner_id)", t, t),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s_metadata_idx ON %s USING GIN (metadata)", t, t),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s_embedding_idx ON %s USING hnsw (embedding %s)", t, t, opClass),
	}

	for _, stmt := range statements {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize pgvector table: %w", err)
		}
	}

	log.Info("Initialized pgvector table", "table", t, "dimensions", a.cfg.Dimensions)
	return nil
}

// Close closes the database connection pool
func (a *PgvectorAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.db != nil {
		a.db.Close()
		a.db = nil
	}
	return nil
}

// Metric implements index.Index.
func (a *PgvectorAdapter) Metric() index.Metric {
	return a.metric
}

// Upsert implements index.Index.
func (a *PgvectorAdapter) Upsert(ctx context.Context, rec index.Record) error {
	if err := index.CheckDimensions(rec.Vector, a.cfg.Dimensions); err != nil {
		return memerrors.NewAdapterError(adapterName, "upsert", false, err)
	}
	db, err := a.pool(ctx)
	if err != nil {
		return err
	}

	metadata := rec.Metadata
	if metadata == nil {
		metadata = map[string]interface{}{}
	}

	_, err = db.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, owner_id, content, hash, metadata, version, embedding, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::vector, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			owner_id = EXCLUDED.owner_id,
			content = EXCLUDED.content,
			hash = EXCLUDED.hash,
			metadata = EXCLUDED.metadata,
			version = EXCLUDED.version,
			embedding = EXCLUDED.embedding,
			updated_at = EXCLUDED.updated_at
	`, a.cfg.TableName),
		rec.ID,
		rec.Owner.String(),
		rec.Content,
		rec.Hash,
		metadata,
		rec.Version,
		embedToString(rec.Vector),
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		return classify("upsert", err)
	}

	log.DebugContext(ctx, "Stored record in pgvector", "id", rec.ID, "table", a.cfg.TableName)
	return nil
}

// Delete implements index.Index.
func (a *PgvectorAdapter) Delete(ctx context.Context, id string) (bool, error) {
	db, err := a.pool(ctx)
	if err != nil {
		return false, err
	}
	result, err := db.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = $1", a.cfg.TableName), id)
	if err != nil {
		return false, classify("delete", err)
	}
	return result.RowsAffected() > 0, nil
}

// Get implements index.Index.
func (a *PgvectorAdapter) Get(ctx context.Context, id string) (*index.Record, error) {
	db, err := a.pool(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := db.Query(ctx, fmt.Sprintf(`
		SELECT id, owner_id, content, hash, metadata, version, embedding::text, created_at, updated_at, 0::float8
		FROM %s WHERE id = $1
	`, a.cfg.TableName), id)
	if err != nil {
		return nil, classify("get", err)
	}
	hits, err := scanHits(rows)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, nil
	}
	return &hits[0].Record, nil
}

// Query implements index.Index. The filter is pushed down as JSONB containment
// and re-checked after scanning.
func (a *PgvectorAdapter) Query(ctx context.Context, owner entity.OwnerID, vector []float32, k int, filter index.Filter) ([]index.Hit, error) {
	if err := index.CheckDimensions(vector, a.cfg.Dimensions); err != nil {
		return nil, memerrors.NewAdapterError(adapterName, "query", false, err)
	}
	if k <= 0 {
		return nil, nil
	}
	db, err := a.pool(ctx)
	if err != nil {
		return nil, err
	}

	args := []interface{}{owner.String(), embedToString(vector)}
	where := "owner_id = $1"
	if len(filter) > 0 {
		containment, err := json.Marshal(filter)
		if err != nil {
			return nil, memerrors.NewAdapterError(adapterName, "query", false, err)
		}
		args = append(args, string(containment))
		where += " AND metadata @> $3::jsonb"
	}

	rows, err := db.Query(ctx, fmt.Sprintf(`
		SELECT id, owner_id, content, hash, metadata, version, embedding::text, created_at, updated_at,
			(embedding %s $2::vector)::float8 AS score
		FROM %s
		WHERE %s
		ORDER BY embedding %s $2::vector
		LIMIT %d
	`, a.operator, a.cfg.TableName, where, a.operator, k), args...)
	if err != nil {
		return nil, classify("query", err)
	}

	hits, err := scanHits(rows)
	if err != nil {
		return nil, err
	}

	filtered := hits[:0]
	for _, h := range hits {
		if filter.Matches(h.Record.Metadata) {
			filtered = append(filtered, h)
		}
	}

	log.DebugContext(ctx, "Queried pgvector", "owner_id", owner, "k", k, "hits", len(filtered))
	return filtered, nil
}

func scanHits(rows pgx.Rows) ([]index.Hit, error) {
	defer rows.Close()

	var hits []index.Hit
	for rows.Next() {
		var (
			h         index.Hit
			owner     string
			vectorStr string
		)
		err := rows.Scan(
			&h.Record.ID,
			&owner,
			&h.Record.Content,
			&h.Record.Hash,
			&h.Record.Metadata,
			&h.Record.Version,
			&vectorStr,
			&h.Record.CreatedAt,
			&h.Record.UpdatedAt,
			&h.Score,
		)
		if err != nil {
			return nil, memerrors.NewAdapterError(adapterName, "scan", false, err)
		}
		h.Record.Owner = entity.OwnerID(owner)
		h.Record.Vector, err = stringToEmbed(vectorStr)
		if err != nil {
			return nil, memerrors.NewAdapterError(adapterName, "scan", false, err)
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("scan", err)
	}
	return hits, nil
}

// classify treats cancellation and timeouts as transient and everything else as permanent.
func classify(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return memerrors.NewAdapterError(adapterName, op, true, err)
	}
	return memerrors.NewAdapterError(adapterName, op, false, err)
}

// embedToString renders a vector in pgvector's text format.
func embedToString(embedding []float32) string {
	elements := make([]string, len(embedding))
	for i, v := range embedding {
		elements[i] = strconv.FormatFloat(float64(v), 'f', -1, 32)
	}
	return "[" + strings.Join(elements, ",") + "]"
}

// stringToEmbed parses pgvector's text format.
func stringToEmbed(s string) ([]float32, error) {
	s = strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(s), "["), "]")
	if s == "" {
		return nil, nil
	}
	elements := strings.Split(s, ",")
	embedding := make([]float32, len(elements))
	for i, element := range elements {
		val, err := strconv.ParseFloat(strings.TrimSpace(element), 32)
		if err != nil {
			return nil, fmt.Errorf("invalid vector element %q: %w", element, err)
		}
		embedding[i] = float32(val)
	}
	return embedding, nil
}
