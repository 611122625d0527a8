// Package cache keeps per-pattern confidence snapshots in Redis so external
// readers (dashboards, routing layers) can see scores without touching the
// store or the live registry.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Autopsias/DevMem-sub007/internal/circuitbreaker"
	"github.com/Autopsias/DevMem-sub007/internal/metrics"
)

// Snapshot is the externally visible confidence state of one pattern.
type Snapshot struct {
	Pattern    string    `json:"pattern"`
	Confidence float64   `json:"confidence"`
	Trials     int       `json:"trials"`
	Successes  int       `json:"successes"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Config holds cache configuration.
type Config struct {
	Addr     string        `mapstructure:"addr" yaml:"addr"`
	Password string        `mapstructure:"password" yaml:"password"`
	DB       int           `mapstructure:"db" yaml:"db"`
	TTL      time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

// ConfidenceCache is a write-through, TTL'd snapshot cache. A broken Redis
// trips the breaker and turns cache operations into cheap no-ops.
type ConfidenceCache struct {
	client  *redis.Client
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
	ttl     time.Duration
}

// New connects to Redis and verifies the connection.
func New(cfg Config, logger *zap.Logger) (*ConfidenceCache, error) {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &ConfidenceCache{
		client:  client,
		breaker: circuitbreaker.NewCircuitBreaker("confidence-cache", circuitbreaker.DefaultConfig(), logger),
		logger:  logger,
		ttl:     cfg.TTL,
	}, nil
}

func key(pattern string) string {
	return "pattern:confidence:" + pattern
}

// Put writes a snapshot with the configured TTL.
func (c *ConfidenceCache) Put(ctx context.Context, snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return c.breaker.Execute(ctx, func() error {
		return c.client.Set(ctx, key(snap.Pattern), data, c.ttl).Err()
	})
}

// Get reads a snapshot; a missing key is reported as found=false, not error.
func (c *ConfidenceCache) Get(ctx context.Context, pattern string) (Snapshot, bool, error) {
	var data string
	err := c.breaker.Execute(ctx, func() error {
		val, err := c.client.Get(ctx, key(pattern)).Result()
		if errors.Is(err, redis.Nil) {
			// A miss must not trip the breaker.
			return nil
		}
		data = val
		return err
	})
	if err != nil {
		metrics.CacheMisses.Inc()
		return Snapshot{}, false, err
	}
	if data == "" {
		metrics.CacheMisses.Inc()
		return Snapshot{}, false, nil
	}

	var snap Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	metrics.CacheHits.Inc()
	return snap, true, nil
}

// Delete removes a pattern's snapshot, used when the registry evicts it.
func (c *ConfidenceCache) Delete(ctx context.Context, pattern string) error {
	return c.breaker.Execute(ctx, func() error {
		return c.client.Del(ctx, key(pattern)).Err()
	})
}

// Close releases the Redis connection.
func (c *ConfidenceCache) Close() error {
	return c.client.Close()
}
