package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrCacheMiss is returned when a live order snapshot is not present in
// Redis, either because it never existed, completed (and was explicitly
// removed), or expired (and Redis dropped the key via TTL).
var ErrCacheMiss = errors.New("order not present in live cache")

// Cache is the live, TTL-bound view of ACTIVE orders in Redis. It is the
// sole authority for an order's remaining pledge window: the key backing an
// order snapshot carries the order's TTL, and its expiration drives
// Watcher. GeoSearch is likewise served entirely out of Redis so discovery
// never touches Postgres.
type Cache struct {
	rdb    *redis.Client
	prefix string

	pledgeScript *redis.Script
}

// NewCache creates an order Cache. prefix namespaces every key Cache
// touches, matching the deployment-wide key prefix convention.
func NewCache(rdb *redis.Client, prefix string) *Cache {
	return &Cache{
		rdb:          rdb,
		prefix:       prefix,
		pledgeScript: redis.NewScript(pledgeLuaScript),
	}
}

func (c *Cache) orderKey(id uuid.UUID) string {
	return fmt.Sprintf("%sorder:%s", c.prefix, id)
}

func (c *Cache) geoKey() string {
	return c.prefix + "orders:geo"
}

func (c *Cache) participantsKey(id uuid.UUID) string {
	return fmt.Sprintf("%sorder:%s:participants", c.prefix, id)
}

// Put writes the live snapshot for a newly created ACTIVE order, sets its
// expiry to ttl, indexes it geospatially so GeoSearch can find it, and seeds
// the participants set from any pledges present at creation time.
func (c *Cache) Put(ctx context.Context, o *Order, ttl time.Duration) error {
	raw, err := o.marshal()
	if err != nil {
		return fmt.Errorf("encoding order snapshot: %w", err)
	}

	pipe := c.rdb.TxPipeline()
	pipe.Set(ctx, c.orderKey(o.ID), raw, ttl)
	pipe.GeoAdd(ctx, c.geoKey(), &redis.GeoLocation{
		Name:      o.ID.String(),
		Longitude: o.Longitude,
		Latitude:  o.Latitude,
	})
	if participants := o.Participants(); len(participants) > 0 {
		members := make([]interface{}, len(participants))
		for i, p := range participants {
			members[i] = p.String()
		}
		key := c.participantsKey(o.ID)
		pipe.SAdd(ctx, key, members...)
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("writing order to cache: %w", err)
	}
	return nil
}

// Get returns the live snapshot for an order, or ErrCacheMiss if it is not
// present (completed, expired, or never cached).
func (c *Cache) Get(ctx context.Context, id uuid.UUID) (*Order, error) {
	raw, err := c.rdb.Get(ctx, c.orderKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("reading order from cache: %w", err)
	}
	return unmarshalOrder(raw)
}

// Remove deletes an order's live snapshot, geo entry, and participants set.
// Called when an order leaves the ACTIVE state by a path other than the
// scripted pledge completion (which already cleans up all three atomically)
// — principally TTL-driven expiry, where the snapshot key is already gone
// but the geo entry is not, since it carries no TTL of its own. The
// participants set carries the snapshot's TTL and may already be gone too;
// deleting a missing key is a no-op, so Remove is idempotent.
func (c *Cache) Remove(ctx context.Context, id uuid.UUID) error {
	pipe := c.rdb.TxPipeline()
	pipe.Del(ctx, c.orderKey(id))
	pipe.ZRem(ctx, c.geoKey(), id.String())
	pipe.Del(ctx, c.participantsKey(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("removing order from cache: %w", err)
	}
	return nil
}

// NearbyIDs returns the IDs of ACTIVE orders within radiusKm of the given
// point, nearest first.
func (c *Cache) NearbyIDs(ctx context.Context, latitude, longitude, radiusKm float64) ([]uuid.UUID, error) {
	res, err := c.rdb.GeoSearch(ctx, c.geoKey(), &redis.GeoSearchQuery{
		Longitude:  longitude,
		Latitude:   latitude,
		Radius:     radiusKm,
		RadiusUnit: "km",
		Sort:       "ASC",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("geo search: %w", err)
	}

	ids := make([]uuid.UUID, 0, len(res))
	for _, member := range res {
		id, err := uuid.Parse(member)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// KeyForOrder exposes the Redis key backing an order's live snapshot, so the
// expiry watcher can map a keyspace-notification payload back to an order
// ID without depending on Cache internals.
func (c *Cache) KeyForOrder(id uuid.UUID) string {
	return c.orderKey(id)
}

// OrderIDFromKey is the inverse of KeyForOrder, used by Watcher to parse the
// key name carried in a Redis keyspace expiration event.
func (c *Cache) OrderIDFromKey(key string) (uuid.UUID, bool) {
	prefixLen := len(c.prefix) + len("order:")
	if len(key) <= prefixLen || key[:prefixLen] != c.prefix+"order:" {
		return uuid.UUID{}, false
	}
	id, err := uuid.Parse(key[prefixLen:])
	if err != nil {
		return uuid.UUID{}, false
	}
	return id, true
}
