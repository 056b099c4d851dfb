package order

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Watcher subscribes to Redis keyspace expiration notifications and invokes
// a callback whenever a live order snapshot key expires. Redis delivers only
// the key name on expiration, never the value, which is why the durable
// order row is kept in sync on every pledge: by the time the notification
// arrives there is nothing left to read out of the cache.
type Watcher struct {
	rdb     *redis.Client
	cache   *Cache
	channel string
	logger  *slog.Logger

	onExpire func(ctx context.Context, orderID uuid.UUID)
}

// NewWatcher creates a Watcher. channel is the keyspace-notification
// pub/sub channel to subscribe to, e.g. "__keyevent@0__:expired".
func NewWatcher(rdb *redis.Client, cache *Cache, channel string, logger *slog.Logger, onExpire func(ctx context.Context, orderID uuid.UUID)) *Watcher {
	return &Watcher{
		rdb:      rdb,
		cache:    cache,
		channel:  channel,
		logger:   logger,
		onExpire: onExpire,
	}
}

// Run subscribes and processes expiration events until ctx is cancelled. If
// the subscription drops it reconnects with exponential backoff rather than
// exiting, since a missed reconnect means expired orders never refund their
// participants until the boot-time reconciliation scan catches up.
func (w *Watcher) Run(ctx context.Context) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return nil
		}

		if err := w.subscribeOnce(ctx); err != nil {
			w.logger.Error("order expiry watcher subscription dropped", "error", err, "retry_in", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		// subscribeOnce only returns nil when ctx was cancelled.
		return nil
	}
}

func (w *Watcher) subscribeOnce(ctx context.Context) error {
	pubsub := w.rdb.Subscribe(ctx, w.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}

	w.logger.Info("order expiry watcher subscribed", "channel", w.channel)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errors.New("expiry notification channel closed")
			}
			orderID, found := w.cache.OrderIDFromKey(msg.Payload)
			if !found {
				continue
			}
			w.onExpire(ctx, orderID)
		}
	}
}
