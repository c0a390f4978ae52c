package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/taskforge/taskforge/pkg/observability"
)

const (
	redisKeyPrefix  = "taskforge:user:"
	defaultCacheTTL = 5 * time.Minute
	defaultLRUSize  = 1024
)

// Lookuper is the read side of the identity store the cache fronts.
type Lookuper interface {
	GetSanitized(ctx context.Context, userID int64) (*User, error)
}

type lruEntry struct {
	user      *User
	expiresAt time.Time
}

// Cache layers an in-process LRU over Redis in front of the identity store.
// Reads fail open: a cache layer error falls through to the next layer, and
// ultimately to Postgres. Only sanitized records are ever cached.
type Cache struct {
	store   Lookuper
	redis   *redis.Client
	local   *lru.Cache[int64, lruEntry]
	ttl     time.Duration
	logger  *observability.Logger
	metrics *observability.Metrics
}

// CacheOptions tunes the cache. Zero values pick sane defaults.
type CacheOptions struct {
	TTL     time.Duration
	LRUSize int
}

// NewCache creates the layered cache. The Redis client may be nil, in which
// case only the in-process layer is active.
func NewCache(store Lookuper, redisClient *redis.Client, logger *observability.Logger, metrics *observability.Metrics, opts CacheOptions) (*Cache, error) {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	size := opts.LRUSize
	if size <= 0 {
		size = defaultLRUSize
	}

	local, err := lru.New[int64, lruEntry](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create identity LRU: %w", err)
	}

	return &Cache{
		store:   store,
		redis:   redisClient,
		local:   local,
		ttl:     ttl,
		logger:  logger,
		metrics: metrics,
	}, nil
}

// Lookup returns the sanitized user, serving from the LRU, then Redis, then
// the store. Store results populate both layers.
func (c *Cache) Lookup(ctx context.Context, userID int64) (*User, error) {
	if entry, ok := c.local.Get(userID); ok {
		if time.Now().Before(entry.expiresAt) {
			c.hit("lru")
			return entry.user, nil
		}
		c.local.Remove(userID)
	}
	c.miss("lru")

	if c.redis != nil {
		data, err := c.redis.Get(ctx, redisKey(userID)).Bytes()
		switch {
		case err == nil:
			var user User
			jsonErr := json.Unmarshal(data, &user)
			if jsonErr == nil {
				c.hit("redis")
				c.local.Add(userID, lruEntry{user: &user, expiresAt: time.Now().Add(c.ttl)})
				return &user, nil
			}
			c.logger.WithError(jsonErr).WithField("user_id", userID).Warn("corrupt identity cache entry, falling through")
		case err == redis.Nil:
			c.miss("redis")
		default:
			c.logger.WithError(err).Warn("identity cache read failed, falling through")
		}
	}

	user, err := c.store.GetSanitized(ctx, userID)
	if err != nil {
		return nil, err
	}

	c.populate(ctx, userID, user)
	return user, nil
}

// Invalidate drops a user from both layers. Called after any identity
// mutation. A Redis delete failure is logged; the TTL bounds staleness.
func (c *Cache) Invalidate(ctx context.Context, userID int64) {
	c.local.Remove(userID)
	if c.redis != nil {
		if err := c.redis.Del(ctx, redisKey(userID)).Err(); err != nil {
			c.logger.WithError(err).WithField("user_id", userID).Warn("failed to invalidate identity cache entry")
		}
	}
}

func (c *Cache) populate(ctx context.Context, userID int64, user *User) {
	c.local.Add(userID, lruEntry{user: user, expiresAt: time.Now().Add(c.ttl)})
	if c.redis == nil {
		return
	}
	data, err := json.Marshal(user)
	if err != nil {
		c.logger.WithError(err).Warn("failed to marshal identity cache entry")
		return
	}
	if err := c.redis.Set(ctx, redisKey(userID), data, c.ttl).Err(); err != nil {
		c.logger.WithError(err).Warn("identity cache write failed")
	}
}

func (c *Cache) hit(layer string) {
	if c.metrics != nil {
		c.metrics.CacheHitsTotal.WithLabelValues(layer).Inc()
	}
}

func (c *Cache) miss(layer string) {
	if c.metrics != nil {
		c.metrics.CacheMissesTotal.WithLabelValues(layer).Inc()
	}
}

func redisKey(userID int64) string {
	return fmt.Sprintf("%s%d", redisKeyPrefix, userID)
}
