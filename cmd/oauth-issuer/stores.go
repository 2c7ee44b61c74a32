package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/giantswarm/oauth-issuer/instrumentation"
	"github.com/giantswarm/oauth-issuer/storage"
	"github.com/giantswarm/oauth-issuer/storage/memory"
	"github.com/giantswarm/oauth-issuer/storage/redis"
	"github.com/giantswarm/oauth-issuer/storage/sqlstore"
	"github.com/giantswarm/oauth-issuer/storage/valkey"
)

// Storage backend names.
const (
	StorageMemory       = "memory"
	StorageMemorySQLite = "memory-sqlite"
	StorageSQLite       = "sqlite"
	StoragePostgres     = "postgres"
	StorageRedis        = "redis"
	StorageValkey       = "valkey"
)

// backend is implemented by every storage package.
type backend interface {
	storage.RevocationStore
	storage.ClientStore
	storage.ResourceOwnerStore
	storage.ClientWriter
	storage.ResourceOwnerWriter
}

// stores is the opened backend plus its lifecycle hooks.
type stores struct {
	backend
	name string

	// purge drops expired grant markers for backends without native expiry.
	purge func(ctx context.Context) (int64, error)
	close func()
}

func openStores(ctx context.Context, config *Config, logger *slog.Logger, inst *instrumentation.Instrumentation) (*stores, error) {
	switch config.Storage.Type {
	case StorageMemory, "":
		store := memory.New()
		store.SetLogger(logger)
		if inst != nil {
			store.SetInstrumentation(inst)
		}
		return &stores{backend: store, name: StorageMemory, close: store.Stop}, nil
	case StorageMemorySQLite:
		store, err := sqlstore.OpenMemory(logger)
		if err != nil {
			return nil, err
		}
		return initSQLStore(ctx, store, StorageMemorySQLite, logger)
	case StorageSQLite:
		store, err := sqlstore.OpenSQLite3(config.Storage.SQLite.File, logger)
		if err != nil {
			return nil, err
		}
		return initSQLStore(ctx, store, StorageSQLite, logger)
	case StoragePostgres:
		if config.Storage.Postgres.DSN == "" {
			return nil, fmt.Errorf("storage.postgres.dsn is required")
		}
		store, err := sqlstore.OpenPostgres(config.Storage.Postgres.DSN, logger)
		if err != nil {
			return nil, err
		}
		return initSQLStore(ctx, store, StoragePostgres, logger)
	case StorageRedis:
		store, err := redis.New(redis.Config{
			URL:       config.Storage.Redis.URL,
			KeyPrefix: config.Storage.Redis.KeyPrefix,
			Logger:    logger,
		})
		if err != nil {
			return nil, err
		}
		return &stores{backend: store, name: StorageRedis, close: store.Close}, nil
	case StorageValkey:
		store, err := valkey.New(valkey.Config{
			Address:   config.Storage.Valkey.Address,
			Password:  config.Storage.Valkey.Password,
			DB:        config.Storage.Valkey.DB,
			KeyPrefix: config.Storage.Valkey.KeyPrefix,
			Logger:    logger,
		})
		if err != nil {
			return nil, err
		}
		return &stores{backend: store, name: StorageValkey, close: store.Close}, nil
	default:
		return nil, fmt.Errorf("unrecognized storage type: '%s'", config.Storage.Type)
	}
}

func initSQLStore(ctx context.Context, store *sqlstore.Store, name string, logger *slog.Logger) (*stores, error) {
	if err := store.Ping(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	from, to, err := store.UpdateSchema(ctx)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	if from != to {
		logger.Info("Database schema updated", "backend", store.Name(), "from", from, "to", to)
	}
	return &stores{
		backend: store,
		name:    name,
		purge:   store.PurgeExpiredGrants,
		close: func() {
			if err := store.Close(); err != nil {
				logger.Warn("Failed to close database", "error", err)
			}
		},
	}, nil
}
