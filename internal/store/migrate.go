package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/piwardrive/piwardrive/internal/errs"
)

const (
	migrationsPath      = "migrations"
	migrateDefaultTable = "schema_migrations"

	// HighestMigrationVersion must match the highest SQL file version under
	// migrations/. Opening a database migrated past this version fails.
	HighestMigrationVersion = 3
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

func newMigrator(db *sql.DB) (*migrate.Migrate, error) {
	sourceDriver, err := iofs.New(migrationsFS, migrationsPath)
	if err != nil {
		return nil, fmt.Errorf("migrate: init source: %w", err)
	}
	dbDriver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{
		MigrationsTable: migrateDefaultTable,
	})
	if err != nil {
		return nil, fmt.Errorf("migrate: init db driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", dbDriver)
	if err != nil {
		return nil, fmt.Errorf("migrate: init migrator: %w", err)
	}
	return m, nil
}

// MigrateUp applies all pending migrations. It refuses to touch a database
// whose on-disk version exceeds the highest known migration.
func MigrateUp(db *sql.DB) error {
	if db == nil {
		return fmt.Errorf("migrate: nil db")
	}
	m, err := newMigrator(db)
	if err != nil {
		return err
	}

	if version, dirty, err := m.Version(); err == nil {
		if dirty {
			return errs.Newf(errs.KindStorage, "schema version %d is dirty; manual repair required", version)
		}
		if version > HighestMigrationVersion {
			return errs.Newf(errs.KindConfiguration,
				"database schema version %d is newer than this binary supports (%d)",
				version, HighestMigrationVersion)
		}
	} else if !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("migrate: read version: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate: up: %w", err)
	}
	return nil
}

// MigrateTo migrates the schema forward or backward to the given version.
// Version 0 rolls everything back, leaving only schema_migrations.
func MigrateTo(db *sql.DB, version uint) error {
	if db == nil {
		return fmt.Errorf("migrate: nil db")
	}
	if version > HighestMigrationVersion {
		return errs.Newf(errs.KindValidation, "unknown schema version %d (highest is %d)",
			version, HighestMigrationVersion)
	}
	m, err := newMigrator(db)
	if err != nil {
		return err
	}
	if version == 0 {
		if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("migrate: down: %w", err)
		}
		return nil
	}
	if err := m.Migrate(version); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate: to %d: %w", version, err)
	}
	return nil
}

// SchemaVersion returns the current migration version (0 when unmigrated).
func SchemaVersion(db *sql.DB) (uint, error) {
	m, err := newMigrator(db)
	if err != nil {
		return 0, err
	}
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("migrate: read version: %w", err)
	}
	if dirty {
		return version, errs.Newf(errs.KindStorage, "schema version %d is dirty", version)
	}
	return version, nil
}
