// Package cache keeps a Redis pointer from each user to their resumable session.
// Postgres stays authoritative: a miss or a Redis failure only costs a database read.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
)

// DefaultActiveSessionTTL outlives any realistic exam so stale pointers still age out.
const DefaultActiveSessionTTL = 24 * time.Hour

// ActiveSessionCache maps a user to the session they can rejoin.
type ActiveSessionCache struct {
	rdb *redis.Client
	ttl time.Duration
	log zerolog.Logger
}

// NewActiveSessionCache creates a new ActiveSessionCache. A non-positive ttl uses the default.
func NewActiveSessionCache(rdb *redis.Client, ttl time.Duration, log zerolog.Logger) *ActiveSessionCache {
	if ttl <= 0 {
		ttl = DefaultActiveSessionTTL
	}
	return &ActiveSessionCache{
		rdb: rdb,
		ttl: ttl,
		log: log.With().Str("component", "active_session_cache").Logger(),
	}
}

// Get returns the cached session of a user. Unparseable entries are removed.
func (c *ActiveSessionCache) Get(ctx context.Context, userID uuid.UUID) (uuid.UUID, bool) {
	key := config.CacheKey.UserActiveSessionKey(userID)
	val, err := c.rdb.Get(ctx, key).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Warn().Err(err).Str("user_id", userID.String()).Msg("Active session lookup failed")
		}
		return uuid.Nil, false
	}

	id, err := uuid.Parse(val)
	if err != nil {
		c.log.Warn().Str("user_id", userID.String()).Str("value", val).Msg("Dropping malformed active session entry")
		_ = c.rdb.Del(ctx, key).Err()
		return uuid.Nil, false
	}
	return id, true
}

// Set points a user at a session.
func (c *ActiveSessionCache) Set(ctx context.Context, userID, sessionID uuid.UUID) {
	key := config.CacheKey.UserActiveSessionKey(userID)
	if err := c.rdb.Set(ctx, key, sessionID.String(), c.ttl).Err(); err != nil {
		c.log.Warn().Err(err).Str("user_id", userID.String()).Msg("Failed to cache active session")
	}
}

// Clear drops a user's pointer.
func (c *ActiveSessionCache) Clear(ctx context.Context, userID uuid.UUID) {
	if err := c.rdb.Del(ctx, config.CacheKey.UserActiveSessionKey(userID)).Err(); err != nil {
		c.log.Warn().Err(err).Str("user_id", userID.String()).Msg("Failed to clear active session")
	}
}
