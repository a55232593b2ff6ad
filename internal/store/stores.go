// Package store builds the persistence backend for conversation memory and
// owns its schema migrations.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/nextlevelbuilder/chatloom/internal/memory"
	"github.com/nextlevelbuilder/chatloom/internal/store/pg"
	"github.com/nextlevelbuilder/chatloom/internal/store/sqlite"
)

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// StoreConfig selects and configures the backend.
type StoreConfig struct {
	Driver       string // memory, sqlite (default) or postgres
	SQLitePath   string
	PostgresDSN  string
	AutoMigrate  bool
	SearchWindow int // rows scanned per similarity search
}

// Stores is the top-level container for the storage backend.
type Stores struct {
	Driver string
	Memory memory.Store
	DB     *sql.DB // nil for the in-memory driver
}

// Close releases the database handle.
func (s *Stores) Close() error {
	if s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// Open builds the configured store, migrating the schema first if asked to.
func Open(ctx context.Context, cfg StoreConfig) (*Stores, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = DriverSQLite
	}

	dsn, err := cfg.dsn(driver)
	if err != nil {
		return nil, err
	}
	if driver != DriverMemory && cfg.AutoMigrate {
		if err := Migrate(driver, dsn); err != nil {
			return nil, err
		}
	}

	switch driver {
	case DriverMemory:
		slog.Warn("store: using in-memory history, nothing survives a restart")
		return &Stores{Driver: driver, Memory: memory.NewInMemoryStore()}, nil
	case DriverSQLite:
		db, err := sqlite.OpenDB(dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		return &Stores{Driver: driver, DB: db, Memory: sqlite.NewMemoryStore(db, cfg.SearchWindow)}, nil
	case DriverPostgres:
		db, err := pg.OpenDB(dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		return &Stores{Driver: driver, DB: db, Memory: pg.NewPGMemoryStore(db, cfg.SearchWindow)}, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", driver)
}

func (cfg StoreConfig) dsn(driver string) (string, error) {
	switch driver {
	case DriverSQLite:
		if cfg.SQLitePath == "" {
			return "", fmt.Errorf("sqlite path is not set")
		}
		return cfg.SQLitePath, nil
	case DriverPostgres:
		if cfg.PostgresDSN == "" {
			return "", fmt.Errorf("CHATLOOM_POSTGRES_DSN environment variable is not set")
		}
		return cfg.PostgresDSN, nil
	}
	return "", nil
}
