// Package db owns the relational store for consolidated traffic events: the
// schema, the batched persistence writer, the retention scan, and the
// read-only query surface the gateway uses.
package db

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB wraps the sqlite handle. The writer holds a read-write DB; the gateway
// holds a separate read-only one.
type DB struct {
	*sql.DB
	readOnly bool
}

// NewDB opens (creating if needed) the store at path and applies any pending
// migrations. This is the writer's handle; there is exactly one per process.
func NewDB(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}

	// single writer; WAL lets the read-only pool see committed batches
	pragmas := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA synchronous = NORMAL;",
	}
	for _, p := range pragmas {
		if _, err := sqlDB.Exec(p); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	db := &DB{DB: sqlDB}
	if err := db.migrateUp(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// NewReadDB opens a read-only handle on an existing store. Queries issued
// through it can never contend with the writer for the write lock.
func NewReadDB(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s read-only: %w", path, err)
	}
	if _, err := sqlDB.Exec("PRAGMA busy_timeout = 5000;"); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to set busy_timeout: %w", err)
	}
	return &DB{DB: sqlDB, readOnly: true}, nil
}

// migrateUp applies all pending embedded migrations.
func (db *DB) migrateUp() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load embedded migrations: %w", err)
	}
	driver, err := sqlitemigrate.WithInstance(db.DB, &sqlitemigrate.Config{})
	if err != nil {
		return fmt.Errorf("failed to prepare migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to build migrator: %w", err)
	}
	// Note: m is not closed because that would close the underlying DB
	// connection.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}
