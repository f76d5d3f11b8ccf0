// Package dbtest opens migrated SQLite databases for tests.
package dbtest

import (
	"testing"

	"github.com/kimhsiao/catalogsync/internal/db"
)

// Open returns a fully migrated database in a temporary directory that is
// closed when the test ends.
func Open(t testing.TB) *db.DB {
	t.Helper()

	database, err := db.Setup(t.TempDir())
	if err != nil {
		t.Fatalf("dbtest: setup failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}
