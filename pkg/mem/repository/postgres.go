package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lexlapax/memfact/pkg/entity"
	memerrors "github.com/lexlapax/memfact/pkg/errors"
	"github.com/lexlapax/memfact/pkg/log"
)

// DefaultLedgerTable is the table used when none is configured.
const DefaultLedgerTable = "memfact_ledger"

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// PostgresLedger keeps bookkeeping in a PostgreSQL table so several
// processes can share one pgvector index. Deleted rows stay behind with
// deleted set, which retires their id.
type PostgresLedger struct {
	pool   *pgxpool.Pool
	table  string
	closer bool
}

// OpenPostgresLedger connects to dsn and creates the ledger table if needed.
func OpenPostgresLedger(ctx context.Context, dsn, table string) (*PostgresLedger, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, &memerrors.ConnectionError{Adapter: "postgres", Err: err}
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, &memerrors.ConnectionError{Adapter: "postgres", Err: err}
	}

	l, err := NewPostgresLedger(ctx, pool, table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	l.closer = true
	return l, nil
}

// NewPostgresLedger uses an existing pool. Close does not close pool.
func NewPostgresLedger(ctx context.Context, pool *pgxpool.Pool, table string) (*PostgresLedger, error) {
	if table == "" {
		table = DefaultLedgerTable
	}
	if !tableName.MatchString(table) {
		return nil, memerrors.NewConfigurationError("ledger.table_name", fmt.Sprintf("invalid table name %q", table), nil)
	}

	l := &PostgresLedger{pool: pool, table: table}
	if err := l.createTable(ctx); err != nil {
		return nil, err
	}

	log.Debug("Initialized PostgreSQL ledger", "table", table)
	return l, nil
}

func (l *PostgresLedger) createTable(ctx context.Context) error {
	statements := []string{
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			content TEXT NOT NULL,
			hash TEXT NOT NULL,
			metadata JSONB,
			version BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			deleted BOOLEAN NOT NULL DEFAULT FALSE
		)`, l.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_owner_idx ON %[1]s (owner_id) WHERE NOT deleted`, l.table),
	}
	for _, stmt := range statements {
		if _, err := l.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create ledger table: %w", err)
		}
	}
	return nil
}

func (l *PostgresLedger) Insert(ctx context.Context, item MemoryItem) error {
	metadata, err := json.Marshal(item.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	tag, err := l.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, owner_id, content, hash, metadata, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`, l.table),
		item.ID, string(item.Owner), item.Content, item.Hash, metadata, item.Version, item.CreatedAt, item.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrIDInUse
	}
	return nil
}

func (l *PostgresLedger) Get(ctx context.Context, id string) (MemoryItem, bool, error) {
	row := l.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT id, owner_id, content, hash, metadata, version, created_at, updated_at
		FROM %s WHERE id = $1 AND NOT deleted`, l.table), id)

	item, err := scanItem(row)
	if memerrors.Is(err, pgx.ErrNoRows) {
		return MemoryItem{}, false, nil
	}
	if err != nil {
		return MemoryItem{}, false, fmt.Errorf("failed to read item %s: %w", id, err)
	}
	return item, true, nil
}

func (l *PostgresLedger) Swap(ctx context.Context, item MemoryItem, expected int64) error {
	metadata, err := json.Marshal(item.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	tag, err := l.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET content = $2, hash = $3, metadata = $4, version = $5, updated_at = $6
		WHERE id = $1 AND version = $7 AND NOT deleted`, l.table),
		item.ID, item.Content, item.Hash, metadata, item.Version, item.UpdatedAt, expected,
	)
	if err != nil {
		return fmt.Errorf("failed to update item: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var actual int64
	err = l.pool.QueryRow(ctx, fmt.Sprintf(`SELECT version FROM %s WHERE id = $1 AND NOT deleted`, l.table), item.ID).Scan(&actual)
	if memerrors.Is(err, pgx.ErrNoRows) {
		return &memerrors.NotFoundError{ID: item.ID}
	}
	if err != nil {
		return fmt.Errorf("failed to read item version: %w", err)
	}
	return &memerrors.ConflictError{ID: item.ID, Expected: expected, Actual: actual}
}

func (l *PostgresLedger) Remove(ctx context.Context, id string) (bool, error) {
	tag, err := l.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET deleted = TRUE, content = '', metadata = NULL
		WHERE id = $1 AND NOT deleted`, l.table), id)
	if err != nil {
		return false, fmt.Errorf("failed to remove item: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (l *PostgresLedger) Retired(ctx context.Context, id string) (bool, error) {
	var deleted bool
	err := l.pool.QueryRow(ctx, fmt.Sprintf(`SELECT deleted FROM %s WHERE id = $1`, l.table), id).Scan(&deleted)
	if memerrors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return deleted, err
}

func (l *PostgresLedger) List(ctx context.Context, owner entity.OwnerID) ([]MemoryItem, error) {
	rows, err := l.pool.Query(ctx, fmt.Sprintf(`
		SELECT id, owner_id, content, hash, metadata, version, created_at, updated_at
		FROM %s WHERE owner_id = $1 AND NOT deleted`, l.table), string(owner))
	if err != nil {
		return nil, fmt.Errorf("failed to list items for %s: %w", owner, err)
	}
	defer rows.Close()

	var items []MemoryItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (l *PostgresLedger) Owners(ctx context.Context) ([]entity.OwnerID, error) {
	rows, err := l.pool.Query(ctx, fmt.Sprintf(`
		SELECT DISTINCT owner_id FROM %s WHERE NOT deleted ORDER BY owner_id`, l.table))
	if err != nil {
		return nil, fmt.Errorf("failed to list owners: %w", err)
	}
	defer rows.Close()

	var owners []entity.OwnerID
	for rows.Next() {
		var owner string
		if err := rows.Scan(&owner); err != nil {
			return nil, fmt.Errorf("failed to scan owner: %w", err)
		}
		owners = append(owners, entity.OwnerID(owner))
	}
	return owners, rows.Err()
}

// Close closes the pool if the ledger opened it.
func (l *PostgresLedger) Close() error {
	if l.closer {
		l.pool.Close()
	}
	return nil
}

func scanItem(row pgx.Row) (MemoryItem, error) {
	var (
		item     MemoryItem
		owner    string
		metadata []byte
	)
	if err := row.Scan(&item.ID, &owner, &item.Content, &item.Hash, &metadata, &item.Version, &item.CreatedAt, &item.UpdatedAt); err != nil {
		return MemoryItem{}, err
	}
	item.Owner = entity.OwnerID(owner)
	item.CreatedAt = item.CreatedAt.UTC()
	item.UpdatedAt = item.UpdatedAt.UTC()
	if len(metadata) > 0 && string(metadata) != "null" {
		if err := json.Unmarshal(metadata, &item.Metadata); err != nil {
			return MemoryItem{}, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return item, nil
}
