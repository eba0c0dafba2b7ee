// Package store is the persistence layer backing the Device, TelemetryRecord
// and Command tables (spec §6 "Persisted state layout"). It replaces the
// teacher's single inline `const schema` string with goose-managed
// migrations, so a schema mismatch at startup is a distinguishable fatal
// error (spec §7 kind 4) rather than a silent no-op CREATE TABLE IF NOT
// EXISTS.
package store

import (
	"database/sql"
	"embed"
	"fmt"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps the SQLite connection pool used by all five components.
type Store struct {
	db *sql.DB
}

// Open opens the database at dsn, applies pending migrations, and returns a
// ready Store. maxOpenConns mirrors the connection-pool size of spec §5
// (default 10).
func Open(dsn string, maxOpenConns int) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: set dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}
