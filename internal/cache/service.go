package cache

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/NikhilSetiya/license-sync/pkg/errors"
	"github.com/NikhilSetiya/license-sync/pkg/metrics"
)

// Service provides JSON caching on top of Redis
type Service struct {
	redis   *RedisClient
	config  *Config
	metrics *metrics.Metrics
}

// Config holds cache configuration
type Config struct {
	DefaultTTL  time.Duration `json:"default_ttl"`
	SnapshotTTL time.Duration `json:"snapshot_ttl"`
	ResultTTL   time.Duration `json:"result_ttl"`
}

// DefaultConfig returns default cache configuration
func DefaultConfig() *Config {
	return &Config{
		DefaultTTL:  1 * time.Hour,
		SnapshotTTL: 24 * time.Hour,
		ResultTTL:   7 * 24 * time.Hour,
	}
}

// NewService creates a new cache service. m may be nil.
func NewService(redis *RedisClient, config *Config, m *metrics.Metrics) *Service {
	if config == nil {
		config = DefaultConfig()
	}

	return &Service{
		redis:   redis,
		config:  config,
		metrics: m,
	}
}

// CacheKey generates cache keys with consistent prefixes
type CacheKey struct {
	Prefix string
	ID     string
}

// String returns the formatted cache key
func (ck CacheKey) String() string {
	if ck.ID == "" {
		return ck.Prefix
	}
	return fmt.Sprintf("%s:%s", ck.Prefix, ck.ID)
}

// Cache key prefixes
const (
	PrefixSnapshotPage    = "license_sync:snapshot:page"
	PrefixSnapshotLicense = "license_sync:snapshot:license"
	KeyLastResult         = "license_sync:last_result"
)

// Set stores a value in cache with the specified TTL
func (s *Service) Set(ctx context.Context, key CacheKey, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return errors.NewInternalError("failed to serialize cache value").WithCause(err)
	}

	if ttl == 0 {
		ttl = s.config.DefaultTTL
	}

	if err := s.redis.client.Set(ctx, key.String(), data, ttl).Err(); err != nil {
		s.metrics.RecordCacheOperation("set", "error")
		return errors.NewExternalError("redis", "failed to set cache value").WithCause(err)
	}

	s.metrics.RecordCacheOperation("set", "ok")
	return nil
}

// Get retrieves a value from cache. A missing key is a not_found error.
func (s *Service) Get(ctx context.Context, key CacheKey, dest interface{}) error {
	data, err := s.redis.client.Get(ctx, key.String()).Bytes()
	if err != nil {
		if stderrors.Is(err, redis.Nil) {
			s.metrics.RecordCacheOperation("get", "miss")
			return errors.NewNotFoundError("cache key")
		}
		s.metrics.RecordCacheOperation("get", "error")
		return errors.NewExternalError("redis", "failed to get cache value").WithCause(err)
	}

	if err := json.Unmarshal(data, dest); err != nil {
		s.metrics.RecordCacheOperation("get", "error")
		return errors.NewInternalError("failed to deserialize cache value").WithCause(err)
	}

	s.metrics.RecordCacheOperation("get", "hit")
	return nil
}

// Delete removes a value from cache
func (s *Service) Delete(ctx context.Context, key CacheKey) error {
	if err := s.redis.client.Del(ctx, key.String()).Err(); err != nil {
		return errors.NewExternalError("redis", "failed to delete cache key").WithCause(err)
	}
	return nil
}

// TTL returns the remaining time to live of a key
func (s *Service) TTL(ctx context.Context, key CacheKey) (time.Duration, error) {
	ttl, err := s.redis.client.TTL(ctx, key.String()).Result()
	if err != nil {
		return 0, errors.NewExternalError("redis", "failed to get TTL").WithCause(err)
	}
	return ttl, nil
}

// Config returns the cache configuration
func (s *Service) Config() *Config {
	return s.config
}
