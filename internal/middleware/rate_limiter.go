package middleware

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/chirpneighbors/coordinator/internal/clock"
)

// Limiter is the admission decision for one upload. Allow reports whether the
// keyed device may proceed and, when denied, how long to wait. The interface
// exists so a shared backing store (Redis) can replace the in-process buckets
// in multi-node deployments.
type Limiter interface {
	Allow(ctx context.Context, key string) (ok bool, retryAfter time.Duration, err error)
}

// RateLimitConfig tunes the per-device token buckets.
type RateLimitConfig struct {
	RatePerMinute int           // sustained uploads per minute per device
	Burst         int           // bucket capacity
	SweepInterval time.Duration // how often idle buckets are evicted
	IdleAfter     time.Duration // bucket age at which eviction kicks in
}

func (c *RateLimitConfig) applyDefaults() {
	if c.RatePerMinute <= 0 {
		c.RatePerMinute = 30
	}
	if c.Burst <= 0 {
		c.Burst = 10
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Minute
	}
	if c.IdleAfter <= 0 {
		c.IdleAfter = 10 * time.Minute
	}
}

type bucket struct {
	tokens   float64
	lastFill time.Time
}

// RateLimiter enforces a token bucket per device id. Buckets refill
// continuously at the sustained rate and cap at the burst size; devices idle
// past IdleAfter are evicted by the background sweep so the map does not grow
// with every device ever seen.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	cfg     RateLimitConfig
	clock   clock.Clock
	logger  *log.Logger
}

// NewRateLimiter creates the limiter. Call StartSweep to enable eviction.
func NewRateLimiter(cfg RateLimitConfig, clk clock.Clock) *RateLimiter {
	cfg.applyDefaults()
	return &RateLimiter{
		buckets: make(map[string]*bucket),
		cfg:     cfg,
		clock:   clk,
		logger:  log.New(log.Writer(), "[RATE-LIMIT] ", log.LstdFlags),
	}
}

// Allow takes one token from the device's bucket. When empty it reports the
// time until the next token accrues.
func (rl *RateLimiter) Allow(_ context.Context, key string) (bool, time.Duration, error) {
	now := rl.clock.Now()
	perToken := time.Minute / time.Duration(rl.cfg.RatePerMinute)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(rl.cfg.Burst), lastFill: now}
		rl.buckets[key] = b
	} else {
		elapsed := now.Sub(b.lastFill)
		b.tokens += elapsed.Seconds() * float64(rl.cfg.RatePerMinute) / 60
		if b.tokens > float64(rl.cfg.Burst) {
			b.tokens = float64(rl.cfg.Burst)
		}
		b.lastFill = now
	}

	if b.tokens >= 1 {
		b.tokens--
		return true, 0, nil
	}

	wait := time.Duration((1 - b.tokens) * float64(perToken))
	return false, wait, nil
}

// StartSweep evicts idle buckets until the context is cancelled.
func (rl *RateLimiter) StartSweep(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(rl.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.sweep()
			}
		}
	}()
}

func (rl *RateLimiter) sweep() {
	cutoff := rl.clock.Now().Add(-rl.cfg.IdleAfter)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	evicted := 0
	for key, b := range rl.buckets {
		if b.lastFill.Before(cutoff) {
			delete(rl.buckets, key)
			evicted++
		}
	}
	if evicted > 0 {
		rl.logger.Printf("evicted %d idle bucket(s), %d active", evicted, len(rl.buckets))
	}
}

// ActiveBuckets reports tracked devices. Test and stats support.
func (rl *RateLimiter) ActiveBuckets() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}
