package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

// Open opens the results store for the configured driver. SQLite is opened in
// write mode (serialized writes); MySQL gets a modest shared pool. The same
// handle serves both the control-plane tables and the materialized result
// tables, since they live in one schema.
func Open(driver, dsn string) (*sql.DB, error) {
	switch driver {
	case "sqlite3":
		return OpenSQLite(dsn, "write", 0)
	case "mysql":
		return openMySQL(dsn)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}
}

func openMySQL(dsn string) (*sql.DB, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}

	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}

	return db, nil
}
