package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/notify"
	"github.com/stemsi/exstem-proctor/internal/timer"
)

// armSection (re)starts the in-memory countdown of a section. A non-positive remainder
// expires the section on the calling goroutine.
func (e *Engine) armSection(sessionID uuid.UUID, sectionIndex int, remaining time.Duration) {
	e.timers.StartSectionTimer(sessionID, sectionIndex, remaining,
		func() { e.onSectionExpire(sessionID, sectionIndex) },
		func(left int, w timer.Warning) { e.onSync(sessionID, sectionIndex, left, w) },
	)
}

func (e *Engine) armGrace(sessionID uuid.UUID, d time.Duration) {
	e.timers.StartGracePeriod(sessionID, d, func() { e.onGraceExpire(sessionID) })
}

func (e *Engine) onSectionExpire(sessionID uuid.UUID, sectionIndex int) {
	e.metrics.TimerFirings.WithLabelValues("section").Inc()
	ctx, cancel := e.background()
	defer cancel()
	if err := e.HandleSectionExpired(ctx, sessionID, sectionIndex); err != nil && !errors.Is(err, ErrNotFound) {
		// The sweep re-derives the timer from the record on its next pass.
		e.log.Error().Err(err).Str("session_id", sessionID.String()).Int("section_index", sectionIndex).Msg("Section expiry handling failed")
	}
}

func (e *Engine) onGraceExpire(sessionID uuid.UUID) {
	e.metrics.TimerFirings.WithLabelValues("grace").Inc()
	ctx, cancel := e.background()
	defer cancel()
	if err := e.HandleGraceExpired(ctx, sessionID); err != nil && !errors.Is(err, ErrNotFound) {
		e.log.Error().Err(err).Str("session_id", sessionID.String()).Msg("Grace expiry handling failed")
	}
}

func (e *Engine) onSync(sessionID uuid.UUID, sectionIndex, left int, w timer.Warning) {
	e.metrics.TimerFirings.WithLabelValues("sync").Inc()
	ctx := context.Background()
	e.bus.Broadcast(ctx, sessionID, notify.EventTimerSync, timerPayload{
		SectionIndex:  sectionIndex,
		TimeRemaining: left,
		ServerTime:    e.now(),
	})
	if w != timer.WarningNone {
		e.bus.Broadcast(ctx, sessionID, notify.EventTimerWarning, timerPayload{
			SectionIndex:  sectionIndex,
			TimeRemaining: left,
			Warning:       string(w),
			ServerTime:    e.now(),
		})
	}
}

// rederiveOutcome says what rederive had to do for a session.
type rederiveOutcome string

const (
	rederiveNone      rederiveOutcome = "none"
	rederiveFinalized rederiveOutcome = "finalized"
	rederiveResumed   rederiveOutcome = "grace_resumed"
	rederiveGrace     rederiveOutcome = "grace_rearmed"
	rederiveArmed     rederiveOutcome = "timer_rearmed"
)

// rederive rebuilds missing in-memory timer state from the persisted record: sessions out
// of time are finalized, paused sessions past their grace resume, and running sections
// without a countdown get one.
func (e *Engine) rederive(ctx context.Context, s *model.Session) (rederiveOutcome, error) {
	if s.Status.IsTerminal() {
		return rederiveNone, nil
	}
	now := e.now()
	if s.ProjectedRemaining(now, e.cfg.GracePeriod) <= 0 {
		if _, err := e.Finalize(ctx, s.ID, model.SessionStatusExpired, ModeSystem); err != nil {
			return rederiveNone, err
		}
		return rederiveFinalized, nil
	}

	switch s.Status {
	case model.SessionStatusPaused:
		if e.timers.HasGracePeriod(s.ID) {
			return rederiveNone, nil
		}
		resumeAt, _ := s.GraceResumeAt(e.cfg.GracePeriod)
		if left := resumeAt.Sub(now); left > 0 {
			e.armGrace(s.ID, left)
			return rederiveGrace, nil
		}
		if err := e.HandleGraceExpired(ctx, s.ID); err != nil {
			return rederiveNone, err
		}
		return rederiveResumed, nil
	case model.SessionStatusInProgress:
		if e.timers.HasTimer(s.ID) {
			return rederiveNone, nil
		}
		e.armSection(s.ID, s.CurrentSectionIndex, s.SectionRemaining(now))
		return rederiveArmed, nil
	}
	return rederiveNone, nil
}
