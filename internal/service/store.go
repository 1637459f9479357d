package service

import (
	"encoding/json"

	"context"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
)

// Store is the durable state the engine reads and mutates.
// Every mutation goes through InTx with the session row locked.
type Store interface {
	InTx(ctx context.Context, fn func(tx repository.Tx) error) error
	GetSession(ctx context.Context, id uuid.UUID) (*model.Session, error)
	FindActiveSession(ctx context.Context, userID, testID uuid.UUID) (*model.Session, error)
	ListActiveSessionsByUser(ctx context.Context, userID uuid.UUID) ([]model.Session, error)
	ListNonTerminalSessions(ctx context.Context, after uuid.UUID, limit int) ([]model.Session, error)
	GetTest(ctx context.Context, id uuid.UUID) (*model.Test, error)
	GetResultBySession(ctx context.Context, sessionID uuid.UUID) (*model.Result, error)
}

// ActiveSessionCache points a user at their most recent resumable session.
// It is a hint only; the store stays the source of truth.
type ActiveSessionCache interface {
	Get(ctx context.Context, userID uuid.UUID) (uuid.UUID, bool)
	Set(ctx context.Context, userID, sessionID uuid.UUID)
	Clear(ctx context.Context, userID uuid.UUID)
}

// ActivityRecorder accepts proctoring audit entries for asynchronous persistence.
type ActivityRecorder interface {
	Record(ctx context.Context, a repository.Activity)
}

// RetryQueue schedules a background finalization retry.
type RetryQueue interface {
	EnqueueFinalize(ctx context.Context, sessionID uuid.UUID) error
}

// Grader grades single answers and whole sessions.
type Grader interface {
	Grade(ctx context.Context, q *model.SnapshotQuestion, answer json.RawMessage) (model.Grade, error)
	ScoreSession(ctx context.Context, s *model.Session, passingScore float64) (model.FinalScore, []model.ResultAnswer, error)
}
