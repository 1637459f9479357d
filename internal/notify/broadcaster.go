package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
)

// Event names a push notification sent to a session's clients.
type Event string

const (
	EventSessionPaused    Event = "session_paused"
	EventSessionResumed   Event = "session_resumed"
	EventQuestionChanged  Event = "question_changed"
	EventSectionExpired   Event = "section_expired"
	EventReviewStarted    Event = "review_started"
	EventTimerSync        Event = "timer_sync"
	EventTimerWarning     Event = "timer_warning"
	EventTestCompleted    Event = "test_completed"
	EventSessionAbandoned Event = "session_abandoned"
	EventSessionError     Event = "session_error"
)

// Message is the envelope published on a session's event channel.
type Message struct {
	Event     Event           `json:"event"`
	SessionID uuid.UUID       `json:"session_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Broadcaster delivers fire-and-forget events to whoever listens on a session.
type Broadcaster interface {
	Broadcast(ctx context.Context, sessionID uuid.UUID, event Event, payload any)
}

// RedisBroadcaster publishes session events over Redis Pub/Sub so every server
// process holding a connection for the session can forward them.
type RedisBroadcaster struct {
	rdb *redis.Client
	log zerolog.Logger
}

// NewRedisBroadcaster creates a new RedisBroadcaster.
func NewRedisBroadcaster(rdb *redis.Client, log zerolog.Logger) *RedisBroadcaster {
	return &RedisBroadcaster{
		rdb: rdb,
		log: log.With().Str("component", "broadcaster").Logger(),
	}
}

// Broadcast publishes an event. Failures are logged and dropped.
func (b *RedisBroadcaster) Broadcast(ctx context.Context, sessionID uuid.UUID, event Event, payload any) {
	raw, err := encode(sessionID, event, payload)
	if err != nil {
		b.log.Error().Err(err).Str("session_id", sessionID.String()).Str("event", string(event)).Msg("Failed to encode event")
		return
	}

	if err := b.rdb.Publish(ctx, config.CacheKey.SessionEventsChannel(sessionID), raw).Err(); err != nil {
		b.log.Warn().Err(err).Str("session_id", sessionID.String()).Str("event", string(event)).Msg("Failed to publish event")
	}
}

// Subscribe returns a subscription to a session's event channel. The caller must Close it.
func (b *RedisBroadcaster) Subscribe(ctx context.Context, sessionID uuid.UUID) *redis.PubSub {
	return b.rdb.Subscribe(ctx, config.CacheKey.SessionEventsChannel(sessionID))
}

func encode(sessionID uuid.UUID, event Event, payload any) ([]byte, error) {
	msg := Message{
		Event:     event,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		p, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		msg.Payload = p
	}
	return json.Marshal(msg)
}
