// Package iap handles in-app-purchase credit top-ups: a webhook from the
// platform's billing provider that credits a user's balance exactly once
// per transaction.
package iap

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// IdempotencyStore tracks processed transaction IDs so a retried or
// duplicated webhook delivery never credits a purchase twice. Redis-backed
// rather than in-memory so idempotency survives a process restart and is
// shared across every instance behind the load balancer.
type IdempotencyStore struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// NewIdempotencyStore creates an IdempotencyStore. ttl bounds how long a
// processed transaction ID is remembered; it should comfortably exceed the
// billing provider's retry window.
func NewIdempotencyStore(rdb *redis.Client, prefix string, ttl time.Duration) *IdempotencyStore {
	return &IdempotencyStore{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (s *IdempotencyStore) key(transactionID string) string {
	return s.prefix + "iap:processed:" + transactionID
}

// MarkProcessed atomically records a transaction as processed and reports
// whether this call was the first to do so. A false return means the
// transaction was already handled and the caller must not credit it again.
func (s *IdempotencyStore) MarkProcessed(ctx context.Context, transactionID string) (firstTime bool, err error) {
	ok, err := s.rdb.SetNX(ctx, s.key(transactionID), time.Now().Unix(), s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("recording iap transaction: %w", err)
	}
	return ok, nil
}
