package persistence

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// Redis key prefix for processed commands
	processedKeyPrefix = "cover:idem:"

	defaultRedisTimeout = 250 * time.Millisecond
)

// RedisIdempotencyChecker is a tier-2 dedup store shared by several engine
// instances. Unlike the event log lookup it has to be told about every
// processed command, so it also implements core.DBIdempotencyRecorder.
type RedisIdempotencyChecker struct {
	client  *redis.Client
	ttl     time.Duration
	timeout time.Duration
}

// RedisIdempotencyOption configures a RedisIdempotencyChecker.
type RedisIdempotencyOption func(*RedisIdempotencyChecker)

// WithRedisTTL bounds how long a processed key is remembered. Zero keeps
// keys forever.
func WithRedisTTL(ttl time.Duration) RedisIdempotencyOption {
	return func(c *RedisIdempotencyChecker) { c.ttl = ttl }
}

// WithRedisTimeout sets the per-call deadline.
func WithRedisTimeout(timeout time.Duration) RedisIdempotencyOption {
	return func(c *RedisIdempotencyChecker) { c.timeout = timeout }
}

func NewRedisIdempotencyChecker(client *redis.Client, opts ...RedisIdempotencyOption) *RedisIdempotencyChecker {
	c := &RedisIdempotencyChecker{
		client:  client,
		timeout: defaultRedisTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

func redisKey(eventType, idempotencyKey string) string {
	return processedKeyPrefix + eventType + ":" + idempotencyKey
}

// IsDuplicate reports whether the command was marked processed.
func (c *RedisIdempotencyChecker) IsDuplicate(eventType string, idempotencyKey string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	n, err := c.client.Exists(ctx, redisKey(eventType, idempotencyKey)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkProcessed records the command. Uses SET with expiry so the marker and
// its TTL are written atomically.
func (c *RedisIdempotencyChecker) MarkProcessed(eventType string, idempotencyKey string) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	return c.client.Set(ctx, redisKey(eventType, idempotencyKey), "1", c.ttl).Err()
}

// Ping checks connectivity for readiness probes.
func (c *RedisIdempotencyChecker) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
