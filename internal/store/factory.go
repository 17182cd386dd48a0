package store

import (
	"context"
	"fmt"

	"github.com/zurustar/sipsession/internal/config"
)

// Open creates the store selected by cfg.Backend.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Backend {
	case "", config.StoreMemory:
		return NewMemoryStore(), nil
	case config.StoreSQLite:
		return OpenSQLiteStore(ctx, cfg.Path)
	case config.StoreBolt:
		return OpenBoltStore(cfg.Path)
	case config.StoreBadger:
		return OpenBadgerStore(cfg.Path)
	case config.StoreRedis:
		return OpenRedisStore(ctx, RedisOptions{Addr: cfg.RedisAddr})
	default:
		return nil, fmt.Errorf("store: unknown backend %q", cfg.Backend)
	}
}
