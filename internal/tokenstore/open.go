package tokenstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"marketplace/dashboard/internal/config"
)

// Open builds the Store selected by cfg.TokenStore.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Store, error) {
	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return New(backend, logger), nil
}

func openBackend(ctx context.Context, cfg config.Config) (Backend, error) {
	switch cfg.TokenStore {
	case "", "file":
		return NewFileBackend(cfg.TokenFile)
	case "memory":
		return NewMemoryBackend(), nil
	case "redis":
		if cfg.RedisAddr == "" {
			return nil, fmt.Errorf("tokenstore: REDIS_ADDR required for redis store")
		}
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("tokenstore: redis ping failed: %w", err)
		}
		return NewRedisBackend(client, cfg.RedisPrefix, 0), nil
	case "postgres":
		pool, err := NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("tokenstore: postgres connection failed: %w", err)
		}
		return NewPostgresBackend(pool), nil
	default:
		return nil, fmt.Errorf("tokenstore: unknown store %q", cfg.TokenStore)
	}
}
