package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/YourDaypilot/orchestration/internal/circuitbreaker"
)

// RedisSinkConfig configures the Redis Streams sink.
type RedisSinkConfig struct {
	// Stream is the global stream key; per-workflow streams are
	// "<Stream>:<workflow_id>".
	Stream string
	// MaxLen caps each stream (approximate trimming).
	MaxLen int64
	// WorkflowTTL expires per-workflow streams.
	WorkflowTTL time.Duration
}

// RedisSink appends events to Redis Streams.
type RedisSink struct {
	client  *redis.Client
	cfg     RedisSinkConfig
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewRedisSink creates a sink writing through client.
func NewRedisSink(client *redis.Client, cfg RedisSinkConfig, logger *zap.Logger) *RedisSink {
	if cfg.Stream == "" {
		cfg.Stream = "daypilot:events"
	}
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = 10000
	}
	if cfg.WorkflowTTL <= 0 {
		cfg.WorkflowTTL = 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cb := circuitbreaker.NewCircuitBreaker("redis-sink",
		circuitbreaker.WithMetrics("sink", circuitbreaker.SinkConfig("REDIS")), logger)
	circuitbreaker.Register("sink", cb)
	return &RedisSink{client: client, cfg: cfg, breaker: cb, logger: logger}
}

func (s *RedisSink) Name() string { return "redis" }

// Breaker exposes the write breaker for health checks.
func (s *RedisSink) Breaker() *circuitbreaker.CircuitBreaker { return s.breaker }

// WorkflowStream returns the per-workflow stream key.
func (s *RedisSink) WorkflowStream(workflowID string) string {
	return s.cfg.Stream + ":" + workflowID
}

// Write appends evt to the global stream and, for workflow events, to the
// workflow's own stream.
func (s *RedisSink) Write(ctx context.Context, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event %d: %w", evt.Seq, err)
	}
	values := map[string]interface{}{
		"topic": evt.Topic,
		"seq":   strconv.FormatUint(evt.Seq, 10),
		"data":  string(data),
	}

	return s.breaker.Execute(ctx, func(ctx context.Context) error {
		pipe := s.client.TxPipeline()
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: s.cfg.Stream,
			MaxLen: s.cfg.MaxLen,
			Approx: true,
			Values: values,
		})
		if evt.WorkflowID != "" {
			key := s.WorkflowStream(evt.WorkflowID)
			pipe.XAdd(ctx, &redis.XAddArgs{
				Stream: key,
				MaxLen: s.cfg.MaxLen,
				Approx: true,
				Values: values,
			})
			pipe.Expire(ctx, key, s.cfg.WorkflowTTL)
		}
		_, err := pipe.Exec(ctx)
		return err
	})
}

// WorkflowEvents reads back up to count events of one workflow, oldest first.
func (s *RedisSink) WorkflowEvents(ctx context.Context, workflowID string, count int64) ([]Event, error) {
	msgs, err := s.client.XRangeN(ctx, s.WorkflowStream(workflowID), "-", "+", count).Result()
	if err != nil {
		return nil, fmt.Errorf("read workflow stream: %w", err)
	}
	out := make([]Event, 0, len(msgs))
	for _, msg := range msgs {
		raw, ok := msg.Values["data"].(string)
		if !ok {
			continue
		}
		var evt Event
		if err := json.Unmarshal([]byte(raw), &evt); err != nil {
			s.logger.Warn("Skipping undecodable stream entry", zap.String("id", msg.ID), zap.Error(err))
			continue
		}
		out = append(out, evt)
	}
	return out, nil
}
