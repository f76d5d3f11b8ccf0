// Package db tests for database connection management.
package db

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// newTestDB opens a migrated database in a temporary directory.
func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Setup(t.TempDir())
	if err != nil {
		t.Fatalf("Setup() failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// TestOpen verifies database opening with proper configuration.
func TestOpen(t *testing.T) {
	tmpDir := t.TempDir()

	db, err := Open(tmpDir)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()

	// Verify database file was created
	dbPath := filepath.Join(tmpDir, FileName)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}

	var result int
	if err := db.QueryRow("SELECT 1").Scan(&result); err != nil {
		t.Errorf("Database query failed: %v", err)
	}
	if result != 1 {
		t.Errorf("Expected 1, got %d", result)
	}

	// Verify WAL mode is enabled
	var walMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&walMode); err != nil {
		t.Errorf("Failed to check WAL mode: %v", err)
	}
	if walMode != "wal" {
		t.Errorf("WAL mode not enabled, got: %s", walMode)
	}

	// Verify foreign keys are enabled
	var fkEnabled int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&fkEnabled); err != nil {
		t.Errorf("Failed to check foreign keys: %v", err)
	}
	if fkEnabled != 1 {
		t.Errorf("Foreign keys not enabled, got: %d", fkEnabled)
	}

	var busyTimeout int
	if err := db.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout); err != nil {
		t.Errorf("Failed to check busy timeout: %v", err)
	}
	if busyTimeout != 5000 {
		t.Errorf("busy_timeout = %d, want 5000", busyTimeout)
	}
}

// TestOpen_invalidDataDir verifies error when data directory cannot be created.
func TestOpen_invalidDataDir(t *testing.T) {
	invalidPath := "/dev/null/invalid_path/that/cannot/be/created"

	if _, err := Open(invalidPath); err == nil {
		t.Error("Open() with invalid path should return error")
	}
}

// TestSetup verifies every sync table exists after migration.
func TestSetup(t *testing.T) {
	db := newTestDB(t)

	tables := []string{
		"identity_mappings", "sync_audit", "sync_queue", "sync_conflicts",
		"sync_locks", "sync_cursors", "sync_credentials", "local_records",
	}
	for _, table := range tables {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s not found: %v", table, err)
		}
	}
}

// TestClose verifies database closing.
func TestClose(t *testing.T) {
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}

	if err := db.Close(); err != nil {
		t.Errorf("Close() failed: %v", err)
	}

	var result int
	if err := db.QueryRow("SELECT 1").Scan(&result); err == nil {
		t.Error("Query on closed database should fail")
	}
}

// TestDB_reopen verifies data persists across reopen.
func TestDB_reopen(t *testing.T) {
	tmpDir := t.TempDir()

	db1, err := Setup(tmpDir)
	if err != nil {
		t.Fatalf("First Setup() failed: %v", err)
	}
	if _, err := db1.Exec(`INSERT INTO sync_cursors (entity_kind, cursor) VALUES ('customer', 'c-9')`); err != nil {
		t.Fatalf("Failed to insert test data: %v", err)
	}
	if err := db1.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	// Migrations are not reapplied on the second setup.
	db2, err := Setup(tmpDir)
	if err != nil {
		t.Fatalf("Second Setup() failed: %v", err)
	}
	defer db2.Close()

	var cursor string
	if err := db2.QueryRow("SELECT cursor FROM sync_cursors WHERE entity_kind = 'customer'").Scan(&cursor); err != nil {
		t.Errorf("Failed to query test data: %v", err)
	}
	if cursor != "c-9" {
		t.Errorf("Expected 'c-9', got %q", cursor)
	}
}

// TestWithTx verifies commit on success and rollback on error.
func TestWithTx(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO sync_cursors (entity_kind, cursor) VALUES ('customer', 'kept')`)
		return err
	})
	if err != nil {
		t.Fatalf("WithTx() failed: %v", err)
	}

	boom := errors.New("boom")
	err = db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO sync_cursors (entity_kind, cursor) VALUES ('inventory', 'dropped')`); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithTx() error = %v, want boom", err)
	}

	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM sync_cursors`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("cursor rows = %d, want 1 (rolled back insert must not persist)", n)
	}
}

// TestWithTx_panic verifies a panicking callback rolls back and re-panics.
func TestWithTx_panic(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	func() {
		defer func() {
			if recover() == nil {
				t.Error("expected panic to propagate")
			}
		}()
		db.WithTx(ctx, func(tx *sql.Tx) error {
			tx.ExecContext(ctx, `INSERT INTO sync_cursors (entity_kind, cursor) VALUES ('customer', 'x')`)
			panic("boom")
		})
	}()

	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM sync_cursors`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("cursor rows = %d, want 0", n)
	}
}
