package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/notify"
	"github.com/stemsi/exstem-proctor/internal/repository"
)

// HandleConnect is called when the owner's push channel opens. A paused session resumes
// and its countdown restarts; a terminal one is left alone.
func (e *Engine) HandleConnect(ctx context.Context, sessionID uuid.UUID, actor Actor) error {
	s, err := e.loadOwned(ctx, sessionID, actor)
	if err != nil {
		return err
	}
	if !s.Status.IsResumable() {
		return nil
	}
	if s.ProjectedRemaining(e.now(), e.cfg.GracePeriod) <= 0 {
		return e.expire(ctx, sessionID)
	}

	_, err = e.mutate(ctx, sessionID, ownedMutation(actor, func(_ repository.Tx, s *model.Session, now time.Time, fx *effects) error {
		if !s.Status.IsResumable() {
			fx.skipWrite = true
			return nil
		}
		if s.Status == model.SessionStatusInProgress && s.IsConnected {
			fx.skipWrite = true
			fx.then(func(context.Context) { e.ensureSectionTimer(s, now) })
			return nil
		}

		wasPaused := s.Status == model.SessionStatusPaused
		e.reconnect(s, now)
		// Resuming the paused in-memory countdown is only exact when the clock restarts now.
		exact := wasPaused && s.CurrentSectionStartedAt.Equal(now)
		remaining := s.SectionRemaining(now)
		fx.then(func(ctx context.Context) {
			e.timers.ClearGracePeriod(s.ID)
			if !exact || !e.timers.ResumeTimer(s.ID) {
				e.timers.ClearTimer(s.ID)
				e.armSection(s.ID, s.CurrentSectionIndex, remaining)
			}
			e.bus.Broadcast(ctx, s.ID, notify.EventSessionResumed, connectionPayload{
				TimeRemaining: model.WholeSeconds(remaining),
				IsConnected:   true,
			})
			e.record(ctx, s, "connect", map[string]any{"time_remaining": model.WholeSeconds(remaining)})
		})
		return nil
	}))
	return err
}

// HandleDisconnect pauses the session when the last push channel of its owner closes.
func (e *Engine) HandleDisconnect(ctx context.Context, sessionID uuid.UUID) error {
	_, err := e.mutate(ctx, sessionID, func(_ repository.Tx, s *model.Session, now time.Time, fx *effects) error {
		if s.Status != model.SessionStatusInProgress || !s.IsConnected {
			fx.skipWrite = true
			return nil
		}
		s.Pause(now)
		remaining := s.SectionRemaining(now)
		fx.then(func(ctx context.Context) {
			pausedMs, ok := e.timers.PauseTimer(s.ID)
			if !ok {
				pausedMs = remaining.Milliseconds()
			}
			e.armGrace(s.ID, e.cfg.GracePeriod)
			e.bus.Broadcast(ctx, s.ID, notify.EventSessionPaused, connectionPayload{
				TimeRemaining:      model.WholeSeconds(remaining),
				GracePeriodSeconds: int(e.cfg.GracePeriod / time.Second),
			})
			e.record(ctx, s, "disconnect", map[string]any{"remaining_ms": pausedMs})
			e.log.Info().Str("session_id", s.ID.String()).Int64("remaining_ms", pausedMs).Msg("Session paused")
		})
		return nil
	})
	return err
}

// HandleGraceExpired restarts the clock of a session still paused when its grace period
// ends. The student stays offline; the countdown runs regardless.
func (e *Engine) HandleGraceExpired(ctx context.Context, sessionID uuid.UUID) error {
	_, err := e.mutate(ctx, sessionID, func(_ repository.Tx, s *model.Session, now time.Time, fx *effects) error {
		if s.Status != model.SessionStatusPaused {
			fx.skipWrite = true
			return nil
		}
		resumeAt := now
		if graceEnd, ok := s.GraceResumeAt(e.cfg.GracePeriod); ok && graceEnd.Before(now) {
			resumeAt = graceEnd
		}
		exact := resumeAt.Equal(now)
		s.Resume(resumeAt, true)
		remaining := s.SectionRemaining(now)
		fx.then(func(ctx context.Context) {
			e.timers.ClearGracePeriod(s.ID)
			if !exact || !e.timers.ResumeTimer(s.ID) {
				e.timers.ClearTimer(s.ID)
				e.armSection(s.ID, s.CurrentSectionIndex, remaining)
			}
			e.bus.Broadcast(ctx, s.ID, notify.EventSessionResumed, connectionPayload{
				TimeRemaining:      model.WholeSeconds(remaining),
				GracePeriodExpired: true,
			})
			e.record(ctx, s, "grace_expired", map[string]any{"time_remaining": model.WholeSeconds(remaining)})
			e.log.Warn().Str("session_id", s.ID.String()).Msg("Grace period elapsed, clock resumed while offline")
		})
		return nil
	})
	return err
}

// ensureSectionTimer arms the countdown from the record when this process holds none.
func (e *Engine) ensureSectionTimer(s *model.Session, now time.Time) {
	if idx, ok := e.timers.SectionIndex(s.ID); ok && idx == s.CurrentSectionIndex {
		return
	}
	e.armSection(s.ID, s.CurrentSectionIndex, s.SectionRemaining(now))
}
