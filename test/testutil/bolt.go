package testutil

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

// CreateTempBoltDB opens a bbolt database in a test temp directory.
// It returns the database, its file path, and a cleanup function that closes it.
func CreateTempBoltDB(t *testing.T) (*bolt.DB, string, func()) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	require.NoError(t, err)

	return db, dbPath, func() { _ = db.Close() }
}

// TempBoltPath returns a path for a bbolt file that does not exist yet.
func TempBoltPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "ledger.db")
}
