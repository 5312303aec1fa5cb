// Package store keeps snapshots of finished workflows in Redis so they remain
// queryable after the engine evicts them from memory.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/YourDaypilot/orchestration/internal/circuitbreaker"
	"github.com/YourDaypilot/orchestration/internal/workflow"
)

const defaultPrefix = "daypilot:workflow:"

// OpenRedis parses url, connects and pings.
func OpenRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// RedisArchive stores terminal instances as JSON with a TTL.
type RedisArchive struct {
	client  *redis.Client
	prefix  string
	ttl     time.Duration
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewRedisArchive creates an archive. ttl <= 0 defaults to 24h.
func NewRedisArchive(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisArchive {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cb := circuitbreaker.NewCircuitBreaker("redis-archive",
		circuitbreaker.WithMetrics("archive", circuitbreaker.SinkConfig("ARCHIVE")), logger)
	circuitbreaker.Register("archive", cb)
	return &RedisArchive{client: client, prefix: defaultPrefix, ttl: ttl, breaker: cb, logger: logger}
}

// Breaker exposes the write breaker for health checks.
func (a *RedisArchive) Breaker() *circuitbreaker.CircuitBreaker { return a.breaker }

func (a *RedisArchive) key(id string) string {
	return a.prefix + id
}

// Save writes a terminal instance. Non-terminal instances are rejected.
func (a *RedisArchive) Save(ctx context.Context, inst workflow.Instance) error {
	if !inst.Status.Terminal() {
		return fmt.Errorf("refusing to archive %s workflow %s", inst.Status, inst.ID)
	}
	data, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow %s: %w", inst.ID, err)
	}
	return a.breaker.Execute(ctx, func(ctx context.Context) error {
		return a.client.Set(ctx, a.key(inst.ID), data, a.ttl).Err()
	})
}

// Load reads an archived instance, or workflow.ErrNotFound.
func (a *RedisArchive) Load(ctx context.Context, id string) (workflow.Instance, error) {
	var data []byte
	err := a.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		data, err = a.client.Get(ctx, a.key(id)).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return err
	})
	if err != nil {
		return workflow.Instance{}, fmt.Errorf("failed to get workflow %s: %w", id, err)
	}
	if data == nil {
		return workflow.Instance{}, workflow.ErrNotFound
	}

	var inst workflow.Instance
	if err := json.Unmarshal(data, &inst); err != nil {
		return workflow.Instance{}, fmt.Errorf("failed to unmarshal workflow %s: %w", id, err)
	}
	return inst, nil
}

// Ping checks the connection.
func (a *RedisArchive) Ping(ctx context.Context) error {
	return a.client.Ping(ctx).Err()
}
