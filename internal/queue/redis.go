package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"skimmerwatch/internal/metrics"
	"skimmerwatch/internal/types"
)

const bodyField = "body"

type RedisQueueConfig struct {
	Addr         string
	Password     string
	DB           int
	Stream       string
	IdleInterval time.Duration
	Logger       *slog.Logger
}

// RedisQueue keeps work items in a Redis stream. The stream key is the
// ordering partition.
type RedisQueue struct {
	client       *redis.Client
	stream       string
	idleInterval time.Duration
	logger       *slog.Logger
}

func NewRedisQueue(cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Addr == "" {
		return nil, types.Configurationf("redis queue: addr is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisQueueWithClient(client, cfg), nil
}

func NewRedisQueueWithClient(client *redis.Client, cfg RedisQueueConfig) *RedisQueue {
	if cfg.Stream == "" {
		cfg.Stream = "skimmerwatch:work"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &RedisQueue{
		client:       client,
		stream:       cfg.Stream,
		idleInterval: cfg.IdleInterval,
		logger:       cfg.Logger.With("queue", "redis", "stream", cfg.Stream),
	}
}

func (q *RedisQueue) Name() string {
	return "redis"
}

func (q *RedisQueue) IdleInterval() time.Duration {
	return q.idleInterval
}

// Ping checks the connection during startup.
func (q *RedisQueue) Ping(ctx context.Context) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to reach redis: %w", err)
	}
	return nil
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

// Post appends to the stream. AckHint has no meaning here.
func (q *RedisQueue) Post(ctx context.Context, payload string, _ PostOptions) (string, error) {
	id, err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]interface{}{bodyField: payload},
	}).Result()
	if err != nil {
		metrics.QueueErrors.WithLabelValues(q.Name(), "post").Inc()
		return "", fmt.Errorf("failed to append to stream %s: %w", q.stream, err)
	}
	return id, nil
}

// Next takes the oldest entry and deletes it right away. An entry lost
// between delete and processing is not redelivered.
func (q *RedisQueue) Next(ctx context.Context, _ TimeWindow, _ Cursor) (Delivery, error) {
	entries, err := q.client.XRangeN(ctx, q.stream, "-", "+", 1).Result()
	if err != nil {
		metrics.QueueErrors.WithLabelValues(q.Name(), "receive").Inc()
		return Delivery{}, fmt.Errorf("failed to read stream %s: %w", q.stream, err)
	}
	if len(entries) == 0 {
		return Delivery{}, nil
	}

	entry := entries[0]
	if err := q.client.XDel(ctx, q.stream, entry.ID).Err(); err != nil {
		metrics.QueueErrors.WithLabelValues(q.Name(), "delete").Inc()
		return Delivery{}, fmt.Errorf("failed to delete entry %s: %w", entry.ID, err)
	}

	body, _ := entry.Values[bodyField].(string)
	if !types.HasEnvelope(body) {
		q.logger.Debug("Dropped entry without envelope", "id", entry.ID)
		return Delivery{}, nil
	}

	return Delivery{Payload: body, MessageID: entry.ID}, nil
}
