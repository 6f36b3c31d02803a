package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/NikhilSetiya/license-sync/pkg/config"
	"github.com/NikhilSetiya/license-sync/pkg/errors"
)

// RedisClient wraps the Redis client with additional functionality
type RedisClient struct {
	client redis.UniversalClient
}

// NewRedisClient creates a new Redis client and verifies the connection
func NewRedisClient(cfg *config.RedisConfig) (*RedisClient, error) {
	if cfg == nil {
		return nil, errors.NewValidationError("Redis configuration is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     (&config.Config{Redis: *cfg}).RedisAddr(),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,

		PoolTimeout:     4 * time.Second,
		ConnMaxIdleTime: 5 * time.Minute,

		MaxRetries:      3,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 512 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.NewExternalError("redis", "failed to connect to Redis").WithCause(err)
	}

	return &RedisClient{client: client}, nil
}

// NewRedisClientFromClient wraps an existing client, e.g. one pointed at miniredis
func NewRedisClientFromClient(client redis.UniversalClient) *RedisClient {
	return &RedisClient{client: client}
}

// Close closes the Redis connection
func (r *RedisClient) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// Health checks the Redis connection health
func (r *RedisClient) Health(ctx context.Context) error {
	if r.client == nil {
		return errors.NewInternalError("Redis client is nil")
	}

	if err := r.client.Ping(ctx).Err(); err != nil {
		return errors.NewExternalError("redis", "Redis health check failed").WithCause(err)
	}

	return nil
}

// Client returns the underlying Redis client
func (r *RedisClient) Client() redis.UniversalClient {
	return r.client
}
