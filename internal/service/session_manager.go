package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/notify"
	"github.com/stemsi/exstem-proctor/internal/repository"
)

// CheckRejoinRequest finds the user's resumable session. Sessions whose time has run out
// are finalized on the spot instead of being offered.
func (e *Engine) CheckRejoinRequest(ctx context.Context, actor Actor) (*RejoinCheck, error) {
	candidates, err := e.activeSessions(ctx, actor.UserID)
	if err != nil {
		return nil, err
	}

	now := e.now()
	var live *model.Session
	for i := range candidates {
		s := &candidates[i]
		if s.ProjectedRemaining(now, e.cfg.GracePeriod) <= 0 {
			if _, err := e.Finalize(ctx, s.ID, model.SessionStatusExpired, ModeSystem); err != nil {
				e.log.Error().Err(err).Str("session_id", s.ID.String()).Msg("Failed to finalize expired session on rejoin check")
			}
			continue
		}
		if live == nil || s.StartedAt.After(live.StartedAt) {
			live = s
		}
	}

	if live == nil {
		e.cache.Clear(ctx, actor.UserID)
		return &RejoinCheck{CanRejoin: false}, nil
	}

	e.cache.Set(ctx, actor.UserID, live.ID)
	summary := live.Summary(now)
	summary.TimeRemaining = model.WholeSeconds(live.ProjectedRemaining(now, e.cfg.GracePeriod))
	return &RejoinCheck{
		CanRejoin:     true,
		SessionID:     &live.ID,
		TimeRemaining: &summary.TimeRemaining,
		Session:       &summary,
	}, nil
}

// activeSessions reads the cached pointer first and falls back to the store,
// dropping a pointer that no longer names a resumable session.
func (e *Engine) activeSessions(ctx context.Context, userID uuid.UUID) ([]model.Session, error) {
	if id, ok := e.cache.Get(ctx, userID); ok {
		s, err := e.store.GetSession(ctx, id)
		if err == nil && s.UserID == userID && s.Status.IsResumable() {
			return []model.Session{*s}, nil
		}
		e.cache.Clear(ctx, userID)
	}
	sessions, err := e.store.ListActiveSessionsByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	return sessions, nil
}

// CreateSession starts a new attempt. An existing resumable session for the same test
// yields a ConflictError unless forceNew, in which case it is finalized first.
func (e *Engine) CreateSession(ctx context.Context, testID uuid.UUID, actor Actor, forceNew bool) (*SessionView, error) {
	t, err := e.store.GetTest(ctx, testID)
	if err != nil {
		return nil, storeError("get test", err)
	}
	now := e.now()
	if err := checkEligibility(t, actor, now); err != nil {
		return nil, err
	}

	existing, err := e.store.FindActiveSession(ctx, actor.UserID, testID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("find active session: %w", err)
	}
	if existing != nil && existing.ProjectedRemaining(now, e.cfg.GracePeriod) <= 0 {
		if _, err := e.Finalize(ctx, existing.ID, model.SessionStatusExpired, ModeSystem); err != nil {
			return nil, fmt.Errorf("finalize expired session: %w", err)
		}
		existing = nil
	}
	if existing != nil && !forceNew {
		return nil, &ConflictError{Existing: existing.Summary(now)}
	}

	if t.MaxAttempts > 0 {
		used, err := e.countAttempts(ctx, actor.UserID, testID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			used++
		}
		if used >= t.MaxAttempts {
			return nil, ErrAttemptLimitExceeded
		}
	}

	snap, err := buildSnapshot(t, actor.UserID, now, e.cfg.DefaultPassingScore)
	if err != nil {
		return nil, err
	}

	if existing != nil {
		if err := e.retire(ctx, existing); err != nil {
			return nil, err
		}
	}

	s := &model.Session{
		ID:                      uuid.New(),
		TestID:                  t.ID,
		UserID:                  actor.UserID,
		OrganizationID:          t.OrganizationID,
		Status:                  model.SessionStatusInProgress,
		Snapshot:                snap,
		CurrentSectionStartedAt: now,
		AnsweredQuestions:       []int{},
		SkippedQuestions:        []int{},
		CompletedSections:       []int{},
		IsConnected:             true,
		SectionTimeUsed:         map[int]float64{},
		StartedAt:               now,
	}
	s.CurrentQuestion().MarkViewed(now)

	err = e.store.InTx(ctx, func(tx repository.Tx) error {
		if _, err := tx.FindActiveSession(ctx, actor.UserID, testID); err == nil {
			return ErrConflict
		} else if !errors.Is(err, repository.ErrNotFound) {
			return storeError("find active session", err)
		}
		used, err := tx.CountTerminalAttempts(ctx, actor.UserID, testID)
		if err != nil {
			return storeError("count attempts", err)
		}
		if t.MaxAttempts > 0 && used >= t.MaxAttempts {
			return ErrAttemptLimitExceeded
		}
		s.AttemptNumber = used + 1
		if err := tx.CreateSession(ctx, s); err != nil {
			return storeError("create session", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.armSection(s.ID, s.CurrentSectionIndex, s.SectionRemaining(now))
	e.cache.Set(ctx, actor.UserID, s.ID)
	e.metrics.SessionsStarted.Inc()
	e.record(ctx, s, "started", map[string]any{"attempt_number": s.AttemptNumber})
	e.log.Info().
		Str("session_id", s.ID.String()).
		Str("test_id", t.ID.String()).
		Int("attempt_number", s.AttemptNumber).
		Msg("Session started")

	return e.sessionView(s, now), nil
}

// retire ends the previous session before a forced new attempt. Work already answered
// is graded as a completed attempt; an attempt with no answers is abandoned.
func (e *Engine) retire(ctx context.Context, existing *model.Session) error {
	log := e.log.With().Str("session_id", existing.ID.String()).Logger()
	if len(existing.AnsweredQuestions) == 0 {
		log.Info().Msg("Abandoning unanswered previous session for a new attempt")
		if _, err := e.abandon(ctx, existing.ID, nil); err != nil {
			return fmt.Errorf("abandon previous session: %w", err)
		}
		return nil
	}
	log.Info().Msg("Force-finalizing previous session for a new attempt")
	if _, err := e.Finalize(ctx, existing.ID, model.SessionStatusCompleted, ModeSystem); err != nil {
		return fmt.Errorf("finalize previous session: %w", err)
	}
	return nil
}

func (e *Engine) countAttempts(ctx context.Context, userID, testID uuid.UUID) (int, error) {
	var used int
	err := e.store.InTx(ctx, func(tx repository.Tx) error {
		var err error
		used, err = tx.CountTerminalAttempts(ctx, userID, testID)
		return err
	})
	if err != nil {
		return 0, storeError("count attempts", err)
	}
	return used, nil
}

func checkEligibility(t *model.Test, actor Actor, now time.Time) error {
	if t.OrganizationID != actor.OrganizationID {
		return fmt.Errorf("%w: test belongs to another organization", ErrForbidden)
	}
	if !t.AllowsRole(actor.Role) {
		return fmt.Errorf("%w: role %q may not take this test", ErrForbidden, actor.Role)
	}
	if t.Status != model.TestStatusPublished {
		return fmt.Errorf("%w: test is not published", ErrForbidden)
	}
	if t.AvailableFrom != nil && now.Before(*t.AvailableFrom) {
		return fmt.Errorf("%w: test is not open yet", ErrForbidden)
	}
	if t.AvailableUntil != nil && now.After(*t.AvailableUntil) {
		return fmt.Errorf("%w: test is closed", ErrForbidden)
	}
	return nil
}

// RejoinSession reconnects the owner to a resumable session and restarts its clock from
// the record. A section whose time ran out while away expires immediately.
func (e *Engine) RejoinSession(ctx context.Context, sessionID uuid.UUID, actor Actor) (*SessionView, error) {
	s, err := e.loadOwned(ctx, sessionID, actor)
	if err != nil {
		return nil, err
	}
	if !s.Status.IsResumable() {
		return nil, invalidState("session is %s", s.Status)
	}
	if s.ProjectedRemaining(e.now(), e.cfg.GracePeriod) <= 0 {
		return nil, e.expire(ctx, s.ID)
	}

	_, err = e.mutate(ctx, sessionID, ownedMutation(actor, func(_ repository.Tx, s *model.Session, now time.Time, fx *effects) error {
		if !s.Status.IsResumable() {
			return invalidState("session is %s", s.Status)
		}
		e.reconnect(s, now)
		if q := s.CurrentQuestion(); q != nil {
			q.MarkViewed(now)
		}
		remaining := s.SectionRemaining(now)
		fx.then(func(ctx context.Context) {
			e.timers.ClearTimer(s.ID)
			e.cache.Set(ctx, s.UserID, s.ID)
			e.bus.Broadcast(ctx, s.ID, notify.EventSessionResumed, connectionPayload{
				TimeRemaining: model.WholeSeconds(remaining),
				IsConnected:   true,
			})
			e.record(ctx, s, "rejoined", map[string]any{"time_remaining": model.WholeSeconds(remaining)})
			e.armSection(s.ID, s.CurrentSectionIndex, remaining)
		})
		return nil
	}))
	if err != nil {
		return nil, err
	}

	// Arming may have expired the section synchronously; report the state after it.
	fresh, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, storeError("get session", err)
	}
	if fresh.Status.IsTerminal() {
		res, _ := e.store.GetResultBySession(ctx, sessionID)
		return nil, &ExpiredError{Result: res}
	}
	return e.sessionView(fresh, e.now()), nil
}

// reconnect marks the student online. A paused session resumes at the moment its grace
// ended if that already passed, otherwise now.
func (e *Engine) reconnect(s *model.Session, now time.Time) {
	if s.Status == model.SessionStatusPaused {
		resumeAt := now
		if graceEnd, ok := s.GraceResumeAt(e.cfg.GracePeriod); ok && graceEnd.Before(now) {
			resumeAt = graceEnd
		}
		s.Resume(resumeAt, false)
		return
	}
	s.IsConnected = true
	s.DisconnectedAt = nil
	s.GracePeriodExpired = false
}

// expire finalizes a session that ran out of time and returns the matching ExpiredError.
func (e *Engine) expire(ctx context.Context, sessionID uuid.UUID) error {
	out, err := e.Finalize(ctx, sessionID, model.SessionStatusExpired, ModeSystem)
	if err != nil {
		return err
	}
	return &ExpiredError{Result: out.Result}
}

// AbandonSession ends the attempt with a zero-score result.
func (e *Engine) AbandonSession(ctx context.Context, sessionID uuid.UUID, actor Actor) (*model.Result, error) {
	out, err := e.abandon(ctx, sessionID, func(s *model.Session) error {
		if s.UserID != actor.UserID {
			return ErrForbidden
		}
		if !s.Status.IsResumable() {
			return invalidState("session is %s", s.Status)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out.Result, nil
}

// GetCurrentQuestion returns the sanitized question under the cursor, re-deriving a
// timer lost to a restart.
func (e *Engine) GetCurrentQuestion(ctx context.Context, sessionID uuid.UUID, actor Actor) (*QuestionView, error) {
	s, err := e.touch(ctx, sessionID, actor)
	if err != nil {
		return nil, err
	}
	if !s.Status.IsResumable() {
		return nil, invalidState("session is %s", s.Status)
	}
	return e.questionView(s, e.now()), nil
}

// Sync reports the authoritative clock of a session.
func (e *Engine) Sync(ctx context.Context, sessionID uuid.UUID, actor Actor) (*SyncView, error) {
	s, err := e.touch(ctx, sessionID, actor)
	if err != nil {
		return nil, err
	}
	now := e.now()
	return &SyncView{
		SessionID:          s.ID,
		Status:             s.Status,
		SectionIndex:       s.CurrentSectionIndex,
		ReviewPhase:        s.ReviewPhase,
		TimeRemaining:      s.CalculateTimeRemaining(now),
		TotalTimeRemaining: model.WholeSeconds(s.TotalRemaining(now)),
		IsConnected:        s.IsConnected,
		ServerTime:         now,
	}, nil
}

// touch loads an owned session and, for live ones, rebuilds missing timers. When that
// changed the record the fresh copy is returned.
func (e *Engine) touch(ctx context.Context, sessionID uuid.UUID, actor Actor) (*model.Session, error) {
	s, err := e.loadOwned(ctx, sessionID, actor)
	if err != nil {
		return nil, err
	}
	if !s.Status.IsResumable() {
		return s, nil
	}
	outcome, err := e.rederive(ctx, s)
	if err != nil {
		return nil, err
	}
	if outcome == rederiveNone || outcome == rederiveGrace {
		return s, nil
	}
	fresh, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, storeError("get session", err)
	}
	return fresh, nil
}

// GetResult returns the immutable result of a finished session.
func (e *Engine) GetResult(ctx context.Context, sessionID uuid.UUID, actor Actor) (*model.Result, error) {
	s, err := e.loadOwned(ctx, sessionID, actor)
	if err != nil {
		return nil, err
	}
	if !s.Status.IsTerminal() {
		return nil, invalidState("session is still %s", s.Status)
	}
	res, err := e.store.GetResultBySession(ctx, sessionID)
	if err != nil {
		return nil, storeError("get result", err)
	}
	return res, nil
}
