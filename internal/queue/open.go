package queue

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/austindbirch/poolwatch/internal/config"
	"github.com/austindbirch/poolwatch/internal/db"
)

// Open connects the store named by cfg.QueueBackend. The postgres backend
// migrates its schema on first use. The returned func releases the store.
func Open(ctx context.Context, cfg config.Config) (Store, func(), error) {
	switch cfg.QueueBackend {
	case config.BackendPostgres:
		pool, err := db.Connect(ctx, cfg.DSN())
		if err != nil {
			return nil, nil, fmt.Errorf("db connect: %w", err)
		}
		if err := db.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return NewPostgresStore(pool), pool.Close, nil

	case config.BackendRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			ReadTimeout:  cfg.Redis.Timeout,
			WriteTimeout: cfg.Redis.Timeout,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		return NewRedisStore(rdb, cfg.Redis.Prefix), func() { _ = rdb.Close() }, nil

	case config.BackendMemory:
		return NewMemoryStore(), func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown queue backend %q", cfg.QueueBackend)
}
