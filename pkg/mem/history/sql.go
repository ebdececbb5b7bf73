package history

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	memerrors "github.com/lexlapax/memfact/pkg/errors"
	"github.com/lexlapax/memfact/pkg/log"
)

//go:embed migrations
var migrationFS embed.FS

// Driver names the SQL backend.
type Driver string

const (
	SQLite   Driver = "sqlite"
	Postgres Driver = "postgres"
)

// SQLStore stores history in SQLite or PostgreSQL through sqlx.
type SQLStore struct {
	db     *sqlx.DB
	driver Driver
}

// Open connects to dsn and migrates the schema to the latest version.
func Open(ctx context.Context, driver Driver, dsn string) (*SQLStore, error) {
	var sqlDriver string
	switch driver {
	case SQLite:
		sqlDriver = "sqlite3"
	case Postgres:
		sqlDriver = "postgres"
	default:
		return nil, memerrors.NewConfigurationError("history.provider", fmt.Sprintf("unsupported driver %q", driver), nil)
	}

	db, err := sqlx.ConnectContext(ctx, sqlDriver, dsn)
	if err != nil {
		return nil, &memerrors.ConnectionError{Adapter: "history/" + string(driver), Err: err}
	}
	if driver == SQLite {
		// one writer at a time; also keeps ":memory:" on a single database
		db.SetMaxOpenConns(1)
	}

	s := &SQLStore{db: db, driver: driver}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	log.Debug("Opened history store", "driver", driver)
	return s, nil
}

func (s *SQLStore) migrate() error {
	sub, err := fs.Sub(migrationFS, "migrations/"+string(s.driver))
	if err != nil {
		return err
	}
	source, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	var dbDriver database.Driver
	switch s.driver {
	case SQLite:
		dbDriver, err = sqlite3.WithInstance(s.db.DB, &sqlite3.Config{})
	case Postgres:
		dbDriver, err = postgres.WithInstance(s.db.DB, &postgres.Config{})
	}
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, string(s.driver), dbDriver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply history migrations: %w", err)
	}
	return nil
}

// Add implements Store.
func (s *SQLStore) Add(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.IsDeleted = rec.Event == EventDelete

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO history (
			id, memory_id, owner_id, old_memory, new_memory, event,
			created_at, updated_at, is_deleted, actor_id, role
		) VALUES (
			:id, :memory_id, :owner_id, :old_memory, :new_memory, :event,
			:created_at, :updated_at, :is_deleted, :actor_id, :role
		)`, rec)
	if err != nil {
		return fmt.Errorf("failed to record history: %w", err)
	}
	return nil
}

// ForMemory implements Store.
func (s *SQLStore) ForMemory(ctx context.Context, memoryID string) ([]Record, error) {
	var records []Record
	err := s.db.SelectContext(ctx, &records, s.db.Rebind(`
		SELECT id, memory_id, owner_id, old_memory, new_memory, event,
			created_at, updated_at, is_deleted, actor_id, role
		FROM history
		WHERE memory_id = ?
		ORDER BY seq ASC`), memoryID)
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	return records, nil
}

// Reset implements Store.
func (s *SQLStore) Reset(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM history"); err != nil {
		return fmt.Errorf("failed to reset history: %w", err)
	}
	return nil
}

// Close implements Store.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
