package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LocalLimiter implements Limiter with an in-process token bucket per key,
// an in-process alternative to RedisLimiter for the enforcer's
// Config.Limiter; the swarm pool does not use it.
type LocalLimiter struct {
	config *Config

	mu       sync.Mutex
	buckets  map[string]*rate.Limiter
}

// NewLocalLimiter creates an in-process limiter backed by config's
// per-key-prefix limits and burst sizes.
func NewLocalLimiter(config *Config) *LocalLimiter {
	if config == nil {
		config = DefaultConfig()
	}
	return &LocalLimiter{
		config:  config,
		buckets: make(map[string]*rate.Limiter),
	}
}

func (l *LocalLimiter) bucket(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		limit := l.config.GetLimit(key)
		burst := l.config.GetBurst(key)
		b = rate.NewLimiter(rate.Limit(limit), burst)
		l.buckets[key] = b
	}
	return b
}

// Allow checks if a single request is allowed for key.
func (l *LocalLimiter) Allow(ctx context.Context, key string) (bool, int, time.Time, error) {
	return l.AllowN(ctx, key, 1)
}

// AllowN checks if n requests are allowed for key, reserving tokens
// immediately if so.
func (l *LocalLimiter) AllowN(ctx context.Context, key string, n int) (bool, int, time.Time, error) {
	b := l.bucket(key)
	now := time.Now()
	reservation := b.ReserveN(now, n)
	if !reservation.OK() {
		return false, 0, now, nil
	}
	delay := reservation.DelayFrom(now)
	if delay > 0 {
		reservation.Cancel()
		return false, int(b.Tokens()), now.Add(delay), nil
	}
	remaining := int(b.Tokens())
	return true, remaining, now, nil
}

// Reset drops the bucket for key, restoring it to a fresh full burst on
// next use.
func (l *LocalLimiter) Reset(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
	return nil
}

// GetLimit returns the configured limit for key.
func (l *LocalLimiter) GetLimit(ctx context.Context, key string) (int, error) {
	return l.config.GetLimit(key), nil
}

// Close releases the limiter's buckets.
func (l *LocalLimiter) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets = make(map[string]*rate.Limiter)
	return nil
}
