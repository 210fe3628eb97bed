package db

import (
	"database/sql"
	"fmt"

	"github.com/pressly/goose/v3"
)

// RunMigrations executes all pending goose migrations against the store.
// dialect is the database/sql driver name ("sqlite3" or "mysql").
func RunMigrations(db *sql.DB, dialect string) error {
	goose.SetBaseFS(EmbedMigrations)

	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("goose set dialect: %w", err)
	}

	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}

	return nil
}
