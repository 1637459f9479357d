package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v2/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// ResultFinalized is published once a session's Result has been committed.
type ResultFinalized struct {
	ResultID       uuid.UUID           `json:"result_id"`
	SessionID      uuid.UUID           `json:"session_id"`
	TestID         uuid.UUID           `json:"test_id"`
	UserID         uuid.UUID           `json:"user_id"`
	OrganizationID uuid.UUID           `json:"organization_id"`
	AttemptNumber  int                 `json:"attempt_number"`
	Status         model.SessionStatus `json:"status"`
	Percentage     float64             `json:"percentage"`
	Passed         bool                `json:"passed"`
	FinalizedAt    time.Time           `json:"finalized_at"`
}

// NewResultFinalized builds the event for a committed result.
func NewResultFinalized(res *model.Result) ResultFinalized {
	return ResultFinalized{
		ResultID:       res.ID,
		SessionID:      res.SessionID,
		TestID:         res.TestID,
		UserID:         res.UserID,
		OrganizationID: res.OrganizationID,
		AttemptNumber:  res.AttemptNumber,
		Status:         res.SessionStatus,
		Percentage:     res.Score.Percentage,
		Passed:         res.Score.Passed,
		FinalizedAt:    res.CreatedAt,
	}
}

// Publisher emits domain events after their transaction commits.
type Publisher interface {
	PublishResultFinalized(ctx context.Context, evt ResultFinalized) error
}

// WatermillPublisher publishes domain events through a watermill publisher.
type WatermillPublisher struct {
	pub   message.Publisher
	topic string
	log   zerolog.Logger
}

// NewWatermillPublisher wraps an existing watermill publisher.
func NewWatermillPublisher(pub message.Publisher, topic string, log zerolog.Logger) *WatermillPublisher {
	return &WatermillPublisher{
		pub:   pub,
		topic: topic,
		log:   log.With().Str("component", "event_publisher").Logger(),
	}
}

// Backend bundles the transport selected from configuration.
type Backend struct {
	Publisher message.Publisher
	// Subscriber is set only for the in-process transport.
	Subscriber message.Subscriber
	Kind       string
}

// NewBackend returns a Kafka publisher when brokers are configured, otherwise an
// in-process channel.
func NewBackend(cfg *config.Config, log zerolog.Logger) (*Backend, error) {
	adapter := newLoggerAdapter(log.With().Str("component", "watermill").Logger())

	if len(cfg.KafkaBrokers) > 0 {
		pub, err := kafka.NewPublisher(kafka.PublisherConfig{
			Brokers:   cfg.KafkaBrokers,
			Marshaler: kafka.DefaultMarshaler{},
		}, adapter)
		if err != nil {
			return nil, fmt.Errorf("create kafka publisher: %w", err)
		}
		return &Backend{Publisher: pub, Kind: "kafka"}, nil
	}

	ch := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, adapter)
	return &Backend{Publisher: ch, Subscriber: ch, Kind: "gochannel"}, nil
}

// PublishResultFinalized publishes the event keyed by session id.
func (p *WatermillPublisher) PublishResultFinalized(ctx context.Context, evt ResultFinalized) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("session_id", evt.SessionID.String())
	msg.Metadata.Set("event", "result_finalized")
	msg.SetContext(ctx)

	if err := p.pub.Publish(p.topic, msg); err != nil {
		return fmt.Errorf("publish %s: %w", p.topic, err)
	}

	p.log.Debug().
		Str("session_id", evt.SessionID.String()).
		Str("status", string(evt.Status)).
		Msg("Result event published")
	return nil
}

// Close releases the underlying publisher.
func (p *WatermillPublisher) Close() error {
	return p.pub.Close()
}

// LogSink consumes result events from an in-process subscriber and logs them,
// so results are observable when no broker is configured.
func LogSink(ctx context.Context, sub message.Subscriber, topic string, log zerolog.Logger) error {
	messages, err := sub.Subscribe(ctx, topic)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}

	log = log.With().Str("component", "result_log_sink").Logger()
	go func() {
		for msg := range messages {
			var evt ResultFinalized
			if err := json.Unmarshal(msg.Payload, &evt); err != nil {
				log.Warn().Err(err).Msg("Undecodable result event")
				msg.Ack()
				continue
			}
			log.Info().
				Str("session_id", evt.SessionID.String()).
				Str("status", string(evt.Status)).
				Float64("percentage", evt.Percentage).
				Bool("passed", evt.Passed).
				Msg("Result finalized")
			msg.Ack()
		}
	}()
	return nil
}
