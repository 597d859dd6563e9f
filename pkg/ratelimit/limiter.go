package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Limiter decides whether a request from an origin is allowed
type Limiter interface {
	Allow(ctx context.Context, origin string) bool
}

// RedisLimiter enforces a fixed-window per-origin limit backed by Redis,
// shared across all server instances
type RedisLimiter struct {
	client  *redis.Client
	limit   int
	window  time.Duration
	baseKey string
}

func NewRedisLimiter(redisURL string, limit int, baseKey string) (*RedisLimiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opts)

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisLimiter{
		client:  client,
		limit:   limit,
		window:  60 * time.Second, // 1 minute fixed window
		baseKey: baseKey,
	}, nil
}

// Allow increments the current window counter for the origin. Redis errors
// fail open so a limiter outage cannot take down activation traffic.
func (r *RedisLimiter) Allow(ctx context.Context, origin string) bool {
	windowKey := fmt.Sprintf("%s:%s:%d", r.baseKey, origin, time.Now().Unix()/int64(r.window.Seconds()))

	count, err := r.client.Incr(ctx, windowKey).Result()
	if err != nil {
		log.Error().Err(err).Msg("Rate limiter redis error")
		return true
	}

	// Set expiry on first increment
	if count == 1 {
		r.client.Expire(ctx, windowKey, 2*r.window)
	}

	return count <= int64(r.limit)
}

// Close closes the Redis client
func (r *RedisLimiter) Close() error {
	return r.client.Close()
}

// LocalLimiter is the in-process fallback when Redis is not configured:
// one token bucket per origin
type LocalLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	limit   rate.Limit
	burst   int
}

func NewLocalLimiter(perMinute int) *LocalLimiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	return &LocalLimiter{
		buckets: make(map[string]*rate.Limiter),
		limit:   rate.Every(time.Minute / time.Duration(perMinute)),
		burst:   perMinute,
	}
}

func (l *LocalLimiter) Allow(_ context.Context, origin string) bool {
	l.mu.Lock()
	bucket, ok := l.buckets[origin]
	if !ok {
		bucket = rate.NewLimiter(l.limit, l.burst)
		l.buckets[origin] = bucket
	}
	l.mu.Unlock()

	return bucket.Allow()
}
