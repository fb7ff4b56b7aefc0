package database

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/TerryTreepool/block-sub002/pkg/config"
	"github.com/redis/go-redis/v9"
)

// RedisConfig holds the Redis connection configuration
type RedisConfig struct {
	Host         string
	Port         int
	Password     string
	DB           int
	MaxRetries   int
	PoolSize     int
	MinIdleConns int
	MaxIdleTime  time.Duration
}

// DefaultRedisConfig returns a default configuration for local development
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Host:         "localhost",
		Port:         6379,
		Password:     "",
		DB:           0,
		MaxRetries:   3,
		PoolSize:     10,
		MinIdleConns: 2,
		MaxIdleTime:  time.Minute * 5,
	}
}

// RedisFromGlobalConfig overlays values present in the global Config onto
// DefaultRedisConfig, mirroring config.LoadTransportConfig's fall-back-to-
// default-on-unset-or-unparsable shape.
func RedisFromGlobalConfig(cfg *config.Config) RedisConfig {
	rc := DefaultRedisConfig()
	if cfg == nil {
		return rc
	}

	if v := cfg.Get("redis.host"); v != "" {
		rc.Host = v
	}
	if v := cfg.Get("redis.port"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			rc.Port = n
		}
	}
	if v := cfg.Get("redis.password"); v != "" {
		rc.Password = v
	}
	if v := cfg.Get("redis.db"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			rc.DB = n
		}
	}
	if v := cfg.Get("redis.pool_size"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			rc.PoolSize = n
		}
	}

	return rc
}

// Redis represents a Redis client connection pool
type Redis struct {
	client *redis.Client
}

// NewRedis creates a new Redis client using the provided configuration
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   cfg.MaxRetries,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})

	// Test the connection
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return &Redis{client: client}, nil
}

// Close closes the Redis client connection
func (r *Redis) Close() {
	if r.client != nil {
		r.client.Close()
	}
}

// Client returns the underlying Redis client
func (r *Redis) Client() *redis.Client {
	return r.client
}

// Ping checks if the Redis connection is alive
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
