package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

// TempSQLitePath returns a sqlite file path inside a test temp directory.
func TempSQLitePath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "history.db")
}

// PostgresDSN returns the DSN in POSTGRES_TEST_URL or skips the test.
func PostgresDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("POSTGRES_TEST_URL")
	if dsn == "" {
		t.Skip("Skipping postgres test: POSTGRES_TEST_URL environment variable not set")
	}
	return dsn
}

// PgvectorURL returns the URL in PGVECTOR_TEST_URL or skips the test.
func PgvectorURL(t *testing.T) string {
	t.Helper()
	url := os.Getenv("PGVECTOR_TEST_URL")
	if url == "" {
		t.Skip("Skipping pgvector test: PGVECTOR_TEST_URL environment variable not set")
	}
	return url
}
