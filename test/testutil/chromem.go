package testutil

import (
	"testing"

	chromem "github.com/philippgille/chromem-go"
)

// CreateTempChromemGoClient creates a new in-memory chromem-go database
// for an isolated test. The cleanup function is a no-op; the database is
// garbage collected with the test.
func CreateTempChromemGoClient(t *testing.T) (*chromem.DB, func()) {
	t.Helper()
	return chromem.NewDB(), func() {}
}
