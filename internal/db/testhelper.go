package db

import (
	"database/sql"
	"path/filepath"
	"testing"
)

// OpenTestSQLite opens a hardened SQLite store in t.TempDir(), runs all
// pending migrations, and registers cleanup.
func OpenTestSQLite(t *testing.T) *sql.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.sqlite")

	store, err := OpenSQLite(path, "write", 0)
	if err != nil {
		t.Fatalf("open test sqlite: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})

	if err := RunMigrations(store, "sqlite3"); err != nil {
		t.Fatalf("run migrations: %v", err)
	}

	return store
}
