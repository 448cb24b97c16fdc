package database

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog/log"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// NewMigrator builds a migrate instance over the embedded schema. The
// caller owns db; closing the migrator would close the pool too, so don't.
func NewMigrator(db *DB) (*migrate.Migrate, error) {
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return nil, fmt.Errorf("load migrations: %w", err)
	}

	var driver migratedb.Driver
	switch db.Driver {
	case DriverSQLite:
		driver, err = sqlitemigrate.WithInstance(db.DB, &sqlitemigrate.Config{})
	case DriverPostgres:
		driver, err = pgxmigrate.WithInstance(db.DB, &pgxmigrate.Config{})
	default:
		return nil, fmt.Errorf("unsupported database driver %q", db.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, db.Driver, driver)
	if err != nil {
		return nil, fmt.Errorf("init migrator: %w", err)
	}
	return m, nil
}

// Migrate applies every pending up migration.
func Migrate(db *DB) error {
	m, err := NewMigrator(db)
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Debug().Msg("Schema already up to date")
			return nil
		}
		return fmt.Errorf("apply migrations: %w", err)
	}

	version, _, _ := m.Version()
	log.Info().Uint("version", version).Msg("Schema migrated")
	return nil
}
