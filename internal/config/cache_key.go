package config

import (
	"fmt"

	"github.com/google/uuid"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// UserActiveSessionKey returns the cache key pointing at a user's resumable session
func (r *CacheKeyStruct) UserActiveSessionKey(userID uuid.UUID) string {
	return fmt.Sprintf("user:%s:active_session", userID)
}

// SessionEventsChannel returns the Redis PubSub channel carrying a session's push events
func (r *CacheKeyStruct) SessionEventsChannel(sessionID uuid.UUID) string {
	return fmt.Sprintf("session:%s:events", sessionID)
}

// SessionConnectionsKey returns the counter of open sockets for a session across all processes
func (r *CacheKeyStruct) SessionConnectionsKey(sessionID uuid.UUID) string {
	return fmt.Sprintf("session:%s:connections", sessionID)
}

// ReconcileLockKey returns the key guarding the periodic reconcile sweep
func (r *CacheKeyStruct) ReconcileLockKey() string {
	return "reconcile:lock"
}

var CacheKey = NewCacheKeyStruct()
