package service

import (
	"context"
	"fmt"
	"time"

	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/notify"
)

// NextAction is the closed set of transitions that can follow an answer or skip.
// Only the types in this file implement it.
type NextAction interface {
	Name() string
	nextAction()
}

// AdvanceToNextQuestion moves the cursor one question forward inside the section.
type AdvanceToNextQuestion struct{}

// AdvanceToNextSection closes the current section and opens the next one.
type AdvanceToNextSection struct{}

// StartReviewPhase enters the pass over skipped questions.
type StartReviewPhase struct{}

// AdvanceInReview moves to the lowest skipped question still pending, or completes.
type AdvanceInReview struct{}

// CompleteTest hands the session to finalization.
type CompleteTest struct{}

func (AdvanceToNextQuestion) Name() string { return "advance_to_next_question" }
func (AdvanceToNextSection) Name() string  { return "advance_to_next_section" }
func (StartReviewPhase) Name() string      { return "start_review_phase" }
func (AdvanceInReview) Name() string       { return "advance_in_review" }
func (CompleteTest) Name() string          { return "complete_test" }

func (AdvanceToNextQuestion) nextAction() {}
func (AdvanceToNextSection) nextAction()  {}
func (StartReviewPhase) nextAction()      {}
func (AdvanceInReview) nextAction()       {}
func (CompleteTest) nextAction()          {}

// DetermineNextAction decides the transition that follows the current cursor position.
// It reads the session only, so repeated calls without a mutation agree.
func DetermineNextAction(s *model.Session) NextAction {
	switch {
	case s.ReviewPhase:
		return AdvanceInReview{}
	case s.IsLastQuestionInSection() && s.IsLastSection():
		if len(s.SkippedQuestions) > 0 {
			return StartReviewPhase{}
		}
		return CompleteTest{}
	case s.IsLastQuestionInSection():
		return AdvanceToNextSection{}
	default:
		return AdvanceToNextQuestion{}
	}
}

// apply carries out a transition on the locked record. CompleteTest only reports back:
// finalization runs in its own transaction once the answer that led to it is durable.
func (e *Engine) apply(s *model.Session, action NextAction, now time.Time, fx *effects) (NextAction, error) {
	switch action.(type) {
	case AdvanceToNextQuestion:
		e.moveCursor(s, s.CurrentQuestionIndex+1, now)
	case AdvanceToNextSection:
		if err := e.enterNextSection(s, now, fx); err != nil {
			return nil, err
		}
	case StartReviewPhase:
		e.startReview(s, now, fx)
	case AdvanceInReview:
		lowest, ok := s.LowestSkipped()
		if !ok {
			action = CompleteTest{}
			break
		}
		e.moveCursor(s, lowest, now)
	case CompleteTest:
	default:
		return nil, fmt.Errorf("unhandled transition %T", action)
	}
	e.metrics.Transitions.WithLabelValues(action.Name()).Inc()
	return action, nil
}

func (e *Engine) moveCursor(s *model.Session, idx int, now time.Time) {
	s.CurrentQuestionIndex = idx
	if q := s.CurrentQuestion(); q != nil {
		q.MarkViewed(now)
	}
}

// enterNextSection folds the running section time into its accumulator, closes the
// section and restarts the clock on the next one.
func (e *Engine) enterNextSection(s *model.Session, now time.Time, fx *effects) error {
	if s.IsLastSection() {
		return invalidState("no section after %d", s.CurrentSectionIndex)
	}
	s.AccumulateSectionTime(now)
	from := s.CurrentSectionIndex
	s.MarkSectionCompleted(from)

	s.CurrentSectionIndex++
	s.CurrentSectionStartedAt = now
	next := s.CurrentSection()
	e.moveCursor(s, next.FirstQuestionIndex, now)

	remaining := s.SectionRemaining(now)
	fx.then(func(ctx context.Context) {
		e.armSection(s.ID, s.CurrentSectionIndex, remaining)
		e.record(ctx, s, "section_advanced", map[string]any{"from": from, "to": s.CurrentSectionIndex})
	})
	return nil
}

func (e *Engine) startReview(s *model.Session, now time.Time, fx *effects) {
	s.ReviewPhase = true
	s.ReviewStartedAt = &now
	if lowest, ok := s.LowestSkipped(); ok {
		e.moveCursor(s, lowest, now)
	}
	pending := len(s.SkippedQuestions)
	fx.then(func(ctx context.Context) {
		e.bus.Broadcast(ctx, s.ID, notify.EventReviewStarted, reviewPayload{SkippedRemaining: pending})
		e.record(ctx, s, "review_started", map[string]any{"skipped": pending})
	})
}
