package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Activity is one proctoring audit log entry.
type Activity struct {
	SessionID  uuid.UUID      `json:"session_id"`
	UserID     uuid.UUID      `json:"user_id"`
	Event      string         `json:"event"`
	Detail     map[string]any `json:"detail,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// ActivityRepository writes the session activity log.
type ActivityRepository struct {
	db DBTX
}

// NewActivityRepository creates a new ActivityRepository.
func NewActivityRepository(db DBTX) *ActivityRepository {
	return &ActivityRepository{db: db}
}

// InsertBatch writes many entries with a single UNNEST insert.
func (r *ActivityRepository) InsertBatch(ctx context.Context, batch []Activity) error {
	n := len(batch)
	sessionIDs := make([]uuid.UUID, 0, n)
	userIDs := make([]uuid.UUID, 0, n)
	events := make([]string, 0, n)
	details := make([]map[string]any, 0, n)
	occurred := make([]time.Time, 0, n)

	for _, a := range batch {
		sessionIDs = append(sessionIDs, a.SessionID)
		userIDs = append(userIDs, a.UserID)
		events = append(events, a.Event)
		details = append(details, a.Detail)
		occurred = append(occurred, a.OccurredAt)
	}

	_, err := r.db.Exec(ctx,
		`INSERT INTO session_activity (session_id, user_id, event, detail, occurred_at)
		 SELECT u.session_id, u.user_id, u.event, u.detail, u.occurred_at
		 FROM UNNEST($1::uuid[], $2::uuid[], $3::text[], $4::jsonb[], $5::timestamptz[])
		   AS u (session_id, user_id, event, detail, occurred_at)`,
		sessionIDs, userIDs, events, details, occurred)
	return err
}

// Insert writes a single entry.
func (r *ActivityRepository) Insert(ctx context.Context, a Activity) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO session_activity (session_id, user_id, event, detail, occurred_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		a.SessionID, a.UserID, a.Event, a.Detail, a.OccurredAt)
	return err
}
