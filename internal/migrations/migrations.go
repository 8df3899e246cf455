package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed *.sql
var MigrationFiles embed.FS

// Status describes the aggregate_rows schema after RunMigrations.
type Status struct {
	FromVersion uint
	Version     uint
	Recovered   bool // a dirty version was forced clean
	Applied     bool // at least one migration ran
}

func newMigrator(db *sql.DB) (*migrate.Migrate, error) {
	source, err := iofs.New(MigrationFiles, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create database driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	return m, nil
}

// RunMigrations brings the aggregate_rows schema up to date. With
// autoMigrate false it only recovers a dirty state and reports the version.
func RunMigrations(db *sql.DB, autoMigrate bool) (Status, error) {
	var status Status

	m, err := newMigrator(db)
	if err != nil {
		return status, err
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return status, fmt.Errorf("failed to get current migration version: %w", err)
	}
	status.FromVersion, status.Version = version, version

	// The baseline migration is idempotent, so forcing the recorded version
	// and re-running is safe.
	if dirty {
		slog.Warn("[Migrations] Dirty schema version, forcing recovery", "version", version)
		if err := m.Force(int(version)); err != nil {
			return status, fmt.Errorf("failed to recover dirty migration state at version %d: %w", version, err)
		}
		status.Recovered = true
	}

	if !autoMigrate {
		slog.Info("[Migrations] Auto-migration disabled", "version", version)
		return status, nil
	}

	switch err := m.Up(); {
	case errors.Is(err, migrate.ErrNoChange):
		return status, nil
	case err != nil:
		return status, fmt.Errorf("failed to run migrations: %w", err)
	}

	status.Version, _, err = m.Version()
	if err != nil {
		return status, fmt.Errorf("failed to get updated migration version: %w", err)
	}
	status.Applied = true
	return status, nil
}
