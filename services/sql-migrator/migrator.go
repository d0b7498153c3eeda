package migrator

import (
	"database/sql"
	"errors"
	"fmt"
	"os"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/frostlabs/frost-archiver/sql/migrations"
)

// Migrator applies the embedded SQL migrations for one migrations directory
// to a postgres database.
type Migrator struct {
	// Handle to the database the migrations run against
	Handle *sql.DB

	// Table name used to track the applied migration version
	MigrationsTable string

	// Force-sets the migration version to the latest version on file when the
	// database reports a higher one, e.g. after a rollback to an older build.
	ShouldForceSetLowerVersion bool
}

func (m *Migrator) Migrate(migrationsDir string) error {
	dbDriver, err := postgres.WithInstance(m.Handle, &postgres.Config{
		MigrationsTable: m.MigrationsTable,
	})
	if err != nil {
		return fmt.Errorf("creating database driver for %s migrations: %w", migrationsDir, err)
	}

	sourceDriver, err := iofs.New(migrations.FS, migrationsDir)
	if err != nil {
		return fmt.Errorf("creating migration source for %s: %w", migrationsDir, err)
	}

	migration, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
	if err != nil {
		return fmt.Errorf("setting up migration for %s: %w", migrationsDir, err)
	}

	if m.ShouldForceSetLowerVersion {
		if err := m.forceSetLowerVersion(migration, sourceDriver); err != nil {
			return fmt.Errorf("force setting migration version for %s: %w", migrationsDir, err)
		}
	}

	if err := migration.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("running %s migrations: %w", migrationsDir, err)
	}
	return nil
}

func (m *Migrator) forceSetLowerVersion(migration *migrate.Migrate, sourceDriver source.Driver) error {
	latest, err := latestVersion(sourceDriver)
	if err != nil {
		return fmt.Errorf("finding latest migration version: %w", err)
	}

	current, _, err := migration.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading current migration version: %w", err)
	}

	if current > latest {
		if err := migration.Force(int(latest)); err != nil {
			return fmt.Errorf("forcing migration version to %d: %w", latest, err)
		}
	}
	return nil
}

func latestVersion(sourceDriver source.Driver) (uint, error) {
	version, err := sourceDriver.First()
	if err != nil {
		return 0, err
	}
	for {
		next, err := sourceDriver.Next(version)
		if errors.Is(err, os.ErrNotExist) {
			return version, nil
		}
		if err != nil {
			return 0, err
		}
		version = next
	}
}
