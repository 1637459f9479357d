package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-proctor/internal/config"
)

// DefaultConnectionTTL lets the counter of a crashed process age out. Live sockets
// refresh it well within this window.
const DefaultConnectionTTL = 90 * time.Second

// closeScript decrements the counter and removes it once no socket is left.
var closeScript = redis.NewScript(`
local n = redis.call("DECR", KEYS[1])
if n <= 0 then
	redis.call("DEL", KEYS[1])
end
return n
`)

// ConnectionCounter counts open sockets per session across every process sharing Redis.
type ConnectionCounter struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewConnectionCounter creates a new ConnectionCounter. A non-positive ttl uses the default.
func NewConnectionCounter(rdb *redis.Client, ttl time.Duration) *ConnectionCounter {
	if ttl <= 0 {
		ttl = DefaultConnectionTTL
	}
	return &ConnectionCounter{rdb: rdb, ttl: ttl}
}

// Open registers a socket and returns the number now open.
func (c *ConnectionCounter) Open(ctx context.Context, sessionID uuid.UUID) (int64, error) {
	key := config.CacheKey.SessionConnectionsKey(sessionID)
	pipe := c.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("open connection: %w", err)
	}
	return incr.Val(), nil
}

// Close unregisters a socket and returns how many remain open anywhere.
func (c *ConnectionCounter) Close(ctx context.Context, sessionID uuid.UUID) (int64, error) {
	n, err := closeScript.Run(ctx, c.rdb, []string{config.CacheKey.SessionConnectionsKey(sessionID)}).Int64()
	if err != nil {
		return 0, fmt.Errorf("close connection: %w", err)
	}
	if n < 0 {
		n = 0
	}
	return n, nil
}

// Refresh extends the counter's lifetime while a socket is alive.
func (c *ConnectionCounter) Refresh(ctx context.Context, sessionID uuid.UUID) error {
	return c.rdb.Expire(ctx, config.CacheKey.SessionConnectionsKey(sessionID), c.ttl).Err()
}

// Count returns the open sockets for a session. A missing counter is zero.
func (c *ConnectionCounter) Count(ctx context.Context, sessionID uuid.UUID) (int64, error) {
	n, err := c.rdb.Get(ctx, config.CacheKey.SessionConnectionsKey(sessionID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}
