package middleware

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter is the shared-store variant of Limiter for multi-node
// deployments: a fixed one-minute window counter per device, kept in Redis so
// every node sees the same budget. Callers construct it only when a Redis
// address is configured; single-node deployments keep the in-process buckets.
type RedisLimiter struct {
	rdb    *redis.Client
	limit  int64
	prefix string
	logger *log.Logger
}

// NewRedisLimiter connects and verifies the Redis backend. The per-window
// limit is the sustained rate plus the burst allowance.
func NewRedisLimiter(addr, password string, db int, cfg RateLimitConfig) (*RedisLimiter, error) {
	cfg.applyDefaults()
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	l := &RedisLimiter{
		rdb:    rdb,
		limit:  int64(cfg.RatePerMinute + cfg.Burst),
		prefix: "ratelimit:device:",
		logger: log.New(log.Writer(), "[RATE-LIMIT:REDIS] ", log.LstdFlags),
	}
	l.logger.Printf("connected to %s (limit %d/min)", addr, l.limit)
	return l, nil
}

// Allow increments the device's window counter; the first hit in a window
// arms the one-minute expiry.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	full := l.prefix + key
	n, err := l.rdb.Incr(ctx, full).Result()
	if err != nil {
		return false, 0, fmt.Errorf("redis incr: %w", err)
	}
	if n == 1 {
		if err := l.rdb.Expire(ctx, full, time.Minute).Err(); err != nil {
			return false, 0, fmt.Errorf("redis expire: %w", err)
		}
	}
	if n > l.limit {
		ttl, err := l.rdb.TTL(ctx, full).Result()
		if err != nil || ttl < 0 {
			ttl = time.Minute
		}
		return false, ttl, nil
	}
	return true, 0, nil
}

// Close releases the Redis connection.
func (l *RedisLimiter) Close() error { return l.rdb.Close() }
