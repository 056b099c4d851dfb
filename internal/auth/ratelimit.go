package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter limits attempts per key (an IP, a phone number) using Redis
// INCR + EXPIRE. keyPrefix namespaces the counter so independent limiters
// (login attempts, OTP sends) sharing one Redis instance never collide.
type RateLimiter struct {
	redis      *redis.Client
	keyPrefix  string
	maxAttempt int
	window     time.Duration
}

// NewRateLimiter creates a rate limiter. maxAttempt is the max attempts
// allowed per key within the given window.
func NewRateLimiter(rdb *redis.Client, keyPrefix string, maxAttempt int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		redis:      rdb,
		keyPrefix:  keyPrefix,
		maxAttempt: maxAttempt,
		window:     window,
	}
}

// RateLimitResult holds the result of a rate limit check.
type RateLimitResult struct {
	Allowed   bool
	Remaining int
	RetryAt   time.Time
}

// Check returns whether the given identity (an IP, a phone number) is
// allowed to attempt another action.
func (rl *RateLimiter) Check(ctx context.Context, identity string) (*RateLimitResult, error) {
	key := rl.key(identity)

	count, err := rl.redis.Get(ctx, key).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("checking rate limit: %w", err)
	}

	if count >= rl.maxAttempt {
		ttl, err := rl.redis.TTL(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("getting TTL: %w", err)
		}
		return &RateLimitResult{
			Allowed:   false,
			Remaining: 0,
			RetryAt:   time.Now().Add(ttl),
		}, nil
	}

	return &RateLimitResult{
		Allowed:   true,
		Remaining: rl.maxAttempt - count,
	}, nil
}

// Record records a failed or throttled attempt for the given identity.
func (rl *RateLimiter) Record(ctx context.Context, identity string) error {
	key := rl.key(identity)

	pipe := rl.redis.Pipeline()
	incr := pipe.Incr(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("recording rate limit: %w", err)
	}

	// Only set the expiry on the first increment.
	if incr.Val() == 1 {
		rl.redis.Expire(ctx, key, rl.window)
	}

	return nil
}

// Reset clears the rate limit counter for a given key (e.g. on successful login).
func (rl *RateLimiter) Reset(ctx context.Context, identity string) error {
	key := rl.key(identity)
	return rl.redis.Del(ctx, key).Err()
}

func (rl *RateLimiter) key(identity string) string {
	return fmt.Sprintf("%s:%s", rl.keyPrefix, identity)
}
