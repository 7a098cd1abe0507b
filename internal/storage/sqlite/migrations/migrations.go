// Package migrations holds the schema of the run index and audit log database.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/slok/autopilot/internal/log"
)

//go:embed sql/*.sql
var migrationFiles embed.FS

// ErrDirty is returned when a previous migration failed halfway, the schema
// needs a manual fix before the run index can be trusted.
var ErrDirty = errors.New("database schema is dirty")

// Up applies the pending migrations and returns the schema version.
func Up(ctx context.Context, db *sql.DB, logger log.Logger) (uint, error) {
	if db == nil {
		return 0, fmt.Errorf("db is required")
	}
	if logger == nil {
		logger = log.Noop
	}

	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return 0, fmt.Errorf("could not create driver: %w", err)
	}

	src, err := iofs.New(migrationFiles, "sql")
	if err != nil {
		return 0, fmt.Errorf("could not load migrations: %w", err)
	}
	defer func() {
		if err := src.Close(); err != nil {
			logger.Warningf("could not close migrations source: %s", err)
		}
	}()

	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return 0, fmt.Errorf("could not create migration instance: %w", err)
	}

	if _, dirty, err := m.Version(); err == nil && dirty {
		return 0, ErrDirty
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, fmt.Errorf("could not run migrations: %w", err)
	}

	version, _, err := m.Version()
	if err != nil {
		return 0, fmt.Errorf("could not get schema version: %w", err)
	}

	logger.WithValues(log.Kv{"schema-version": version}).Debugf("Database schema up to date")
	return version, nil
}
