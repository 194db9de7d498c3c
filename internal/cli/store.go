package cli

import (
	"context"
	"fmt"

	"github.com/rl1809/flash-drop/internal/adapter/storage"
	"github.com/rl1809/flash-drop/internal/config"
	"github.com/rl1809/flash-drop/internal/core/service"
	"github.com/rl1809/flash-drop/internal/port"
)

// repository is what the engine and sweeper need from a store.
type repository interface {
	port.Repository
	service.ExpiredFinder
}

// openRepository opens the configured store. SQL stores are migrated
// when migrate is set. The returned close func is never nil.
func openRepository(ctx context.Context, cfg config.DatabaseConfig, migrate bool) (repository, func() error, error) {
	if cfg.Driver == storage.DriverMemory {
		return storage.NewMemoryStore(), func() error { return nil }, nil
	}

	db, err := storage.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("ping %s: %w", cfg.Driver, err)
	}
	if migrate {
		if err := storage.ApplyMigrations(ctx, db, cfg.Driver); err != nil {
			db.Close()
			return nil, nil, err
		}
	}

	store, err := storage.NewSQLStore(db, cfg.Driver)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return store, db.Close, nil
}
