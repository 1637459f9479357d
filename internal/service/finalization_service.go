package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/events"
	"github.com/stemsi/exstem-proctor/internal/grading"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/notify"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// FinalizeMode selects the fallback when finalization keeps failing.
type FinalizeMode int

const (
	// ModeStudent leaves the session completed and flagged for manual submission.
	ModeStudent FinalizeMode = iota
	// ModeSystem abandons the session with a zero-score result.
	ModeSystem
)

type finalizeRequest struct {
	status    model.SessionStatus
	zeroScore bool
	check     func(s *model.Session) error
}

// Finalize grades the session authoritatively and closes it with status. It is
// idempotent: a session that already has a Result returns that Result unchanged.
// Failures are retried once before the mode's fallback applies.
func (e *Engine) Finalize(ctx context.Context, sessionID uuid.UUID, status model.SessionStatus, mode FinalizeMode) (*FinalizeOutcome, error) {
	req := finalizeRequest{status: status}

	out, err := e.finalizeOnce(ctx, sessionID, req)
	if err == nil {
		return out, nil
	}
	if !retryable(err) {
		return nil, err
	}
	e.log.Warn().Err(err).Str("session_id", sessionID.String()).Msg("Finalization failed, retrying")
	e.metrics.FinalizationErrors.Inc()

	out, err = e.finalizeOnce(ctx, sessionID, req)
	if err == nil {
		return out, nil
	}
	if !retryable(err) {
		return nil, err
	}
	e.metrics.FinalizationErrors.Inc()
	e.log.Error().Err(err).Str("session_id", sessionID.String()).Msg("Finalization failed twice, applying fallback")

	if mode == ModeStudent {
		return e.requireManualSubmission(ctx, sessionID, err)
	}
	e.metrics.Fallbacks.WithLabelValues("abandoned").Inc()
	return e.abandon(ctx, sessionID, nil)
}

// RetryFinalization re-runs finalization for a session left awaiting manual submission.
// Errors are returned as-is so the caller can requeue.
func (e *Engine) RetryFinalization(ctx context.Context, sessionID uuid.UUID) (*FinalizeOutcome, error) {
	return e.finalizeOnce(ctx, sessionID, finalizeRequest{status: model.SessionStatusCompleted})
}

func retryable(err error) bool {
	return !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrInvalidState) && !errors.Is(err, ErrForbidden)
}

// abandon closes the session with a zero-score result and no statistics update.
func (e *Engine) abandon(ctx context.Context, sessionID uuid.UUID, check func(*model.Session) error) (*FinalizeOutcome, error) {
	out, err := e.finalizeOnce(ctx, sessionID, finalizeRequest{
		status:    model.SessionStatusAbandoned,
		zeroScore: true,
		check:     check,
	})
	if err != nil {
		e.log.Error().Err(err).Str("session_id", sessionID.String()).Msg("Failed to abandon session")
		return nil, err
	}
	out.Abandoned = true
	return out, nil
}

func (e *Engine) finalizeOnce(ctx context.Context, sessionID uuid.UUID, req finalizeRequest) (*FinalizeOutcome, error) {
	ctx, span := tracing.Tracer().Start(ctx, "session.finalize")
	defer span.End()
	span.SetAttributes(
		attribute.String("session.id", sessionID.String()),
		attribute.String("session.status", string(req.status)),
	)

	var (
		out     FinalizeOutcome
		created bool
	)
	err := e.store.InTx(ctx, func(tx repository.Tx) error {
		out, created = FinalizeOutcome{}, false

		s, err := tx.GetSessionForUpdate(ctx, sessionID)
		if err != nil {
			return storeError("lock session", err)
		}
		if req.check != nil {
			if err := req.check(s); err != nil {
				return err
			}
		}
		out.Session = s

		if s.Status.IsTerminal() && !s.RequiresManualSubmission {
			existing, err := tx.GetResultBySession(ctx, s.ID)
			if err == nil {
				out.Result = existing
				return nil
			}
			if !errors.Is(err, repository.ErrNotFound) {
				return storeError("get result", err)
			}
		}

		// A session already closed without a result keeps its status.
		status := req.status
		if s.Status.IsTerminal() {
			status = s.Status
		}
		now := e.now()
		if s.Status == model.SessionStatusInProgress {
			s.AccumulateSectionTime(now)
		}

		score, answers, err := e.score(ctx, s, req.zeroScore)
		if err != nil {
			return err
		}

		res := &model.Result{
			ID:             uuid.New(),
			SessionID:      s.ID,
			TestID:         s.TestID,
			UserID:         s.UserID,
			OrganizationID: s.OrganizationID,
			AttemptNumber:  s.AttemptNumber,
			SessionStatus:  status,
			Score:          score,
			Answers:        answers,
			CreatedAt:      now,
		}
		if err := tx.InsertResult(ctx, res); err != nil {
			if errors.Is(err, repository.ErrResultExists) {
				existing, gerr := tx.GetResultBySession(ctx, s.ID)
				if gerr != nil {
					return storeError("get result", gerr)
				}
				out.Result = existing
				return nil
			}
			return storeError("insert result", err)
		}

		s.Status = status
		s.FinalScore = &score
		s.RequiresManualSubmission = false
		s.CompletedAt = &now
		if err := tx.UpdateSession(ctx, s); err != nil {
			return storeError("update session", err)
		}

		if status != model.SessionStatusAbandoned {
			if err := tx.UpdateTestStatistics(ctx, s.TestID, score.Percentage, score.Passed); err != nil {
				return storeError("update test statistics", err)
			}
		}

		out.Result = res
		created = true
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if created {
		e.afterFinalized(ctx, out.Session, out.Result)
	}
	return &out, nil
}

func (e *Engine) score(ctx context.Context, s *model.Session, zero bool) (model.FinalScore, []model.ResultAnswer, error) {
	passing := s.Snapshot.PassingScore
	if passing <= 0 {
		passing = e.cfg.DefaultPassingScore
	}
	if zero {
		score, answers := grading.Unanswered(s, passing)
		return score, answers, nil
	}
	score, answers, err := e.grader.ScoreSession(ctx, s, passing)
	if err != nil {
		return model.FinalScore{}, nil, fmt.Errorf("%w: %v", ErrGradingFailure, err)
	}
	return score, answers, nil
}

func (e *Engine) afterFinalized(ctx context.Context, s *model.Session, res *model.Result) {
	e.timers.ClearTimer(s.ID)
	e.cache.Clear(ctx, s.UserID)

	event := notify.EventTestCompleted
	if s.Status == model.SessionStatusAbandoned {
		event = notify.EventSessionAbandoned
	}
	e.bus.Broadcast(ctx, s.ID, event, completedPayload{
		Status:     s.Status,
		ResultID:   res.ID,
		Percentage: res.Score.Percentage,
		Passed:     res.Score.Passed,
	})

	if err := e.events.PublishResultFinalized(ctx, events.NewResultFinalized(res)); err != nil {
		e.log.Error().Err(err).Str("session_id", s.ID.String()).Msg("Failed to publish result event")
	}

	e.metrics.Finalizations.WithLabelValues(string(s.Status)).Inc()
	e.record(ctx, s, string(s.Status), map[string]any{
		"percentage": res.Score.Percentage,
		"passed":     res.Score.Passed,
	})
	e.log.Info().
		Str("session_id", s.ID.String()).
		Str("status", string(s.Status)).
		Float64("percentage", res.Score.Percentage).
		Msg("Session finalized")
}

// requireManualSubmission marks the session completed without a result so the student is
// never left in a running exam, and schedules a background retry.
func (e *Engine) requireManualSubmission(ctx context.Context, sessionID uuid.UUID, cause error) (*FinalizeOutcome, error) {
	s, err := e.mutate(ctx, sessionID, func(_ repository.Tx, s *model.Session, now time.Time, fx *effects) error {
		if s.Status.IsTerminal() {
			fx.skipWrite = true
			return nil
		}
		if s.Status == model.SessionStatusInProgress {
			s.AccumulateSectionTime(now)
		}
		s.Status = model.SessionStatusCompleted
		s.RequiresManualSubmission = true
		s.CompletedAt = &now
		fx.then(func(ctx context.Context) {
			e.timers.ClearTimer(s.ID)
			e.cache.Clear(ctx, s.UserID)
			if err := e.retries.EnqueueFinalize(ctx, s.ID); err != nil {
				e.log.Error().Err(err).Str("session_id", s.ID.String()).Msg("Failed to enqueue finalization retry")
			}
			e.bus.Broadcast(ctx, s.ID, notify.EventSessionError, errorPayload{
				Message:                  "Your answers are saved. Grading is delayed and will complete automatically.",
				RequiresManualSubmission: true,
			})
			e.metrics.Fallbacks.WithLabelValues("manual_submission").Inc()
			e.record(ctx, s, "finalize_failed", map[string]any{"error": cause.Error()})
		})
		return nil
	})
	if err != nil {
		e.log.Error().Err(err).Str("session_id", sessionID.String()).Msg("Failed to flag session for manual submission")
		return nil, fmt.Errorf("flag manual submission: %w", errors.Join(cause, err))
	}
	return &FinalizeOutcome{Session: s, RequiresManualSubmission: s.RequiresManualSubmission}, nil
}
