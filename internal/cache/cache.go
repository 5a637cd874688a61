package cache

import (
	"context"
	"encoding/json"
	"time"

	apperrors "qlab/internal/errors"
	"qlab/internal/logger"
)

// Cache is a byte-oriented key/value store with per-key expiration.
// Get returns an error matching errors.ErrCacheMiss for absent or expired keys.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, expiration time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Config 缓存配置
type Config struct {
	Enabled       bool          `yaml:"enabled" json:"enabled"`
	Backend       string        `yaml:"backend" json:"backend"` // memory, redis
	TTL           time.Duration `yaml:"ttl" json:"ttl"`
	MemoryMaxSize int           `yaml:"memory_max_size" json:"memory_max_size"`
	RedisAddr     string        `yaml:"redis_addr" json:"redis_addr"`
	RedisPassword string        `yaml:"redis_password" json:"redis_password"`
	RedisDB       int           `yaml:"redis_db" json:"redis_db"`
	RedisPoolSize int           `yaml:"redis_pool_size" json:"redis_pool_size"`
}

// New creates the configured backend. A Redis backend that cannot be reached
// falls back to an in-memory cache so runs still proceed uncached by Redis.
// It returns nil when caching is disabled.
func New(cfg Config, log logger.Logger) Cache {
	if !cfg.Enabled {
		return nil
	}
	log = logger.OrDefault(log)

	if cfg.Backend == "redis" {
		rc, err := NewRedisCache(&RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			PoolSize: cfg.RedisPoolSize,
		})
		if err == nil {
			log.Info("Redis cache enabled", "addr", cfg.RedisAddr)
			return rc
		}
		log.Warn("Redis unavailable, falling back to memory cache", "addr", cfg.RedisAddr, "error", err)
	}
	return NewMemoryCache(cfg.MemoryMaxSize)
}

// GetJSON decodes a cached JSON value into dest.
func GetJSON(ctx context.Context, c Cache, key string, dest interface{}) error {
	data, err := c.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return apperrors.NewAppErrorWithDetails(apperrors.ErrCodeCacheMiss, "corrupt cache entry", key, err)
	}
	return nil
}

// SetJSON encodes value as JSON and stores it.
func SetJSON(ctx context.Context, c Cache, key string, value interface{}, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return apperrors.NewAppError(apperrors.ErrCodeInternal, "failed to encode cache entry", err)
	}
	return c.Set(ctx, key, data, expiration)
}

func miss(key string) error {
	return apperrors.NewAppErrorWithDetails(apperrors.ErrCodeCacheMiss, "cache miss", key, nil)
}
