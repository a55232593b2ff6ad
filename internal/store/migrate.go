package store

import (
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/nextlevelbuilder/chatloom/internal/store/pg"
	"github.com/nextlevelbuilder/chatloom/internal/store/sqlite"
)

//go:embed migrations
var migrationFS embed.FS

// NewMigrator returns a migrator over the embedded schema for driver. It owns
// its own connection; closing the migrator closes it.
func NewMigrator(driver, dsn string) (*migrate.Migrate, error) {
	var (
		dir string
		drv database.Driver
	)
	switch driver {
	case DriverSQLite:
		db, err := sqlite.OpenDB(dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		if drv, err = migratesqlite.WithInstance(db, &migratesqlite.Config{}); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite migration driver: %w", err)
		}
		dir = "migrations/sqlite"
	case DriverPostgres:
		db, err := pg.OpenDB(dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if drv, err = migratepg.WithInstance(db, &migratepg.Config{}); err != nil {
			db.Close()
			return nil, fmt.Errorf("postgres migration driver: %w", err)
		}
		dir = "migrations/postgres"
	default:
		return nil, fmt.Errorf("driver %q has no schema", driver)
	}

	src, err := iofs.New(migrationFS, dir)
	if err != nil {
		drv.Close()
		return nil, fmt.Errorf("load migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, driver, drv)
	if err != nil {
		drv.Close()
		return nil, fmt.Errorf("create migrator: %w", err)
	}
	return m, nil
}

// Migrate applies every pending migration.
func Migrate(driver, dsn string) error {
	m, err := NewMigrator(driver, dsn)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	v, dirty, _ := m.Version()
	slog.Info("store: schema ready", "driver", driver, "version", v, "dirty", dirty)
	return nil
}
