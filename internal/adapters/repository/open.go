package repository

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Config selects and addresses a backend.
type Config struct {
	Backend       string
	RedisAddr     string
	RedisPassword string
	RedisPrefix   string
	DatabaseURL   string
}

// Open builds the configured backend. Postgres schemas are created on open.
func Open(ctx context.Context, cfg Config, opts ...Option) (Store, error) {
	switch cfg.Backend {
	case "", BackendMemory:
		return NewMemoryStore(opts...), nil

	case BackendRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("ping redis %s: %w", cfg.RedisAddr, err)
		}
		return NewRedisStore(client, append(opts, WithRedisPrefix(cfg.RedisPrefix))...), nil

	case BackendPostgres:
		store, err := NewPostgresStore(ctx, cfg.DatabaseURL, opts...)
		if err != nil {
			return nil, err
		}
		if err := store.EnsureSchema(ctx); err != nil {
			_ = store.Close()
			return nil, err
		}
		return store, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
}
