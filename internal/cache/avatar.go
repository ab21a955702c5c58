// internal/cache/avatar.go
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/TigerAppsOrg/tigertype-sub001/internal/config"
)

// avatarTTL bounds how stale a cached avatar URL can get after a profile
// change.
const avatarTTL = 15 * time.Minute

// AvatarLookup resolves a netid to its durable avatar URL. Satisfied by
// database.Store.
type AvatarLookup interface {
	AvatarURL(ctx context.Context, netid string) (string, error)
}

// AvatarCache is a read-through cache mapping live connections to avatar
// URLs: an in-process map in front of Redis in front of the users table.
// Purely an optimization; a miss or backend failure yields an empty URL and
// never an error surfaced to gameplay.
type AvatarCache struct {
	mu     sync.Mutex
	byConn map[string]string

	rdb    *redis.Client
	lookup AvatarLookup
}

// ConnectRedis initializes a Redis client from REDIS_ADDR / REDIS_DB.
func ConnectRedis(ctx context.Context) (*redis.Client, error) {
	addr := config.GetEnv("REDIS_ADDR", "localhost:6379")
	dbIdx := config.GetEnvInt("REDIS_DB", 0)

	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   dbIdx,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}
	return rdb, nil
}

// NewAvatarCache builds a cache over the given Redis client and durable
// lookup. rdb may be nil, in which case only the in-process layer is used.
func NewAvatarCache(rdb *redis.Client, lookup AvatarLookup) *AvatarCache {
	return &AvatarCache{
		byConn: make(map[string]string),
		rdb:    rdb,
		lookup: lookup,
	}
}

// Load resolves the avatar URL for a connection's netid, populating both
// cache layers. Called once at connect time.
func (c *AvatarCache) Load(ctx context.Context, connID, netid string) string {
	c.mu.Lock()
	if url, ok := c.byConn[connID]; ok {
		c.mu.Unlock()
		return url
	}
	c.mu.Unlock()

	url := c.resolve(ctx, netid)

	c.mu.Lock()
	c.byConn[connID] = url
	c.mu.Unlock()
	return url
}

// Get returns the cached URL for a connection without touching the backends.
func (c *AvatarCache) Get(connID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.byConn[connID]
}

// Drop forgets a connection's entry. Called on disconnect.
func (c *AvatarCache) Drop(connID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byConn, connID)
}

func (c *AvatarCache) resolve(ctx context.Context, netid string) string {
	key := "avatar:" + netid

	if c.rdb != nil {
		if url, err := c.rdb.Get(ctx, key).Result(); err == nil {
			return url
		}
	}

	if c.lookup == nil {
		return ""
	}
	url, err := c.lookup.AvatarURL(ctx, netid)
	if err != nil {
		return ""
	}

	if c.rdb != nil {
		// Cache negative results too; an empty URL is a valid answer.
		c.rdb.Set(ctx, key, url, avatarTTL)
	}
	return url
}
