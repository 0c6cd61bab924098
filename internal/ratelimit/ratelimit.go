// Package ratelimit throttles login and OTP attempts per identifier and per
// client address.
package ratelimit

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/telhawk-systems/authcore/internal/clock"
	"github.com/telhawk-systems/authcore/internal/logging"
	"github.com/telhawk-systems/authcore/internal/metrics"
)

type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Close() error
}

// slidingWindow removes entries older than the window, then admits the request
// if fewer than limit remain.
var slidingWindow = redis.NewScript(`
	local key = KEYS[1]
	local now = tonumber(ARGV[1])
	local window_start = tonumber(ARGV[2])
	local limit = tonumber(ARGV[3])
	local ttl_ms = tonumber(ARGV[4])
	local member = ARGV[5]

	redis.call('ZREMRANGEBYSCORE', key, 0, window_start)

	local current = redis.call('ZCARD', key)
	if current < limit then
		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, ttl_ms)
		return 1
	end
	return 0
`)

type redisRateLimiter struct {
	client *redis.Client
	clock  clock.Clock
	limit  int64
	window time.Duration
	prefix string
}

// NewRedisRateLimiter connects to redisURL and returns a sliding-window limiter
// shared by every instance that points at the same Redis.
func NewRedisRateLimiter(redisURL, prefix string, limit int, window time.Duration) (RateLimiter, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return NewRedisRateLimiterWithClient(client, clock.Real{}, prefix, limit, window), nil
}

// NewRedisRateLimiterWithClient uses an existing client. The limiter owns it
// and closes it on Close.
func NewRedisRateLimiterWithClient(client *redis.Client, clk clock.Clock, prefix string, limit int, window time.Duration) RateLimiter {
	return &redisRateLimiter{
		client: client,
		clock:  clk,
		limit:  int64(limit),
		window: window,
		prefix: prefix,
	}
}

func (r *redisRateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	now := r.clock.Now().UnixNano()
	windowStart := now - r.window.Nanoseconds()

	var nonce [6]byte
	_, _ = rand.Read(nonce[:])
	member := fmt.Sprintf("%d-%s", now, hex.EncodeToString(nonce[:]))

	result, err := slidingWindow.Run(ctx, r.client,
		[]string{"ratelimit:" + r.prefix + ":" + key},
		now, windowStart, r.limit, r.window.Milliseconds(), member,
	).Int()
	if err != nil {
		return false, fmt.Errorf("rate limit check failed: %w", err)
	}
	return result == 1, nil
}

func (r *redisRateLimiter) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// memoryRateLimiter keeps a token bucket per key in process. Buckets refill at
// limit per window with a burst of limit.
type memoryRateLimiter struct {
	mu      sync.Mutex
	clock   clock.Clock
	every   rate.Limit
	burst   int
	window  time.Duration
	buckets map[string]*bucket
	sweeps  int
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

const sweepEvery = 1024

func NewMemoryRateLimiter(clk clock.Clock, limit int, window time.Duration) RateLimiter {
	return &memoryRateLimiter{
		clock:   clk,
		every:   rate.Every(window / time.Duration(limit)),
		burst:   limit,
		window:  window,
		buckets: make(map[string]*bucket),
	}
}

func (m *memoryRateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	b, ok := m.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(m.every, m.burst)}
		m.buckets[key] = b
	}
	b.seen = now

	m.sweeps++
	if m.sweeps >= sweepEvery {
		m.sweeps = 0
		for k, old := range m.buckets {
			if now.Sub(old.seen) > m.window {
				delete(m.buckets, k)
			}
		}
	}
	return b.lim.AllowN(now, 1), nil
}

func (m *memoryRateLimiter) Close() error { return nil }

// NoOpRateLimiter always allows requests (for testing or disabled rate limiting)
type NoOpRateLimiter struct{}

func (n *NoOpRateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	return true, nil
}

func (n *NoOpRateLimiter) Close() error {
	return nil
}

// Check consults l under scope and reports whether the attempt may proceed.
// Backend errors are logged and admit the attempt: the limiter protects the
// credential checks, it does not replace them.
func Check(ctx context.Context, l RateLimiter, scope, key string) bool {
	if l == nil || key == "" {
		return true
	}
	allowed, err := l.Allow(ctx, scope+":"+key)
	if err != nil {
		metrics.RateLimitErrors.Inc()
		slog.WarnContext(ctx, "Rate limiter unavailable, allowing attempt",
			slog.String("scope", scope), logging.Error(err))
		return true
	}
	if !allowed {
		metrics.RateLimitHits.WithLabelValues(scope).Inc()
	}
	return allowed
}
