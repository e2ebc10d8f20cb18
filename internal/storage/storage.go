// Package storage opens the target store selected by configuration.
package storage

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/jpalmerr/pingstream/config"
	"github.com/jpalmerr/pingstream/internal/registry"
	"github.com/jpalmerr/pingstream/internal/registry/mongostore"
	"github.com/jpalmerr/pingstream/internal/registry/postgres"
	"github.com/jpalmerr/pingstream/internal/registry/redisstore"
)

// Open connects the store named by cfg.Driver. With [registry.RejectDuplicates]
// the store also enforces URL uniqueness, so concurrent instances sharing it
// cannot both register the same URL.
func Open(ctx context.Context, cfg config.StoreConfig, policy registry.DuplicatePolicy, log *zap.Logger) (registry.Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	unique := policy == registry.RejectDuplicates

	var (
		store registry.Store
		err   error
	)
	switch cfg.Driver {
	case "", config.DriverMemory:
		store = registry.NewMemoryStore(unique)
	case config.DriverPostgres:
		store, err = postgres.New(ctx, cfg.DSN, unique, log.Named("postgres"))
	case config.DriverMongo:
		store, err = mongostore.New(ctx, cfg.DSN, cfg.Database, cfg.Collection, unique, log.Named("mongo"))
	case config.DriverRedis:
		store, err = redisstore.New(ctx, cfg.DSN, cfg.KeyPrefix, unique, log.Named("redis"))
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Driver, err)
	}

	log.Info("store_opened",
		zap.String("driver", driverName(cfg.Driver)),
		zap.Bool("unique_urls", unique),
	)
	return store, nil
}

func driverName(d string) string {
	if d == "" {
		return config.DriverMemory
	}
	return d
}
