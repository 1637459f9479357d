package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/notify"
	"github.com/stemsi/exstem-proctor/internal/repository"
)

// AnswerInput is a student's answer to the current question. QuestionIndex, when set,
// must match the cursor so a stale client cannot answer the wrong question.
type AnswerInput struct {
	QuestionIndex *int
	Answer        json.RawMessage
}

// SubmitAnswer records and grades the answer to the current question, then carries out
// exactly one follow-up transition.
func (e *Engine) SubmitAnswer(ctx context.Context, sessionID uuid.UUID, actor Actor, in AnswerInput) (*TransitionResult, error) {
	if len(in.Answer) == 0 || string(in.Answer) == "null" {
		return nil, invalidInput("answer is required")
	}
	s, err := e.liveSession(ctx, sessionID, actor)
	if err != nil {
		return nil, err
	}
	idx := s.CurrentQuestionIndex
	if in.QuestionIndex != nil && *in.QuestionIndex != idx {
		return nil, invalidState("question %d is not the current question", *in.QuestionIndex)
	}

	// Grading may call the code executor, so it runs before the row is locked.
	grade, gerr := e.grader.Grade(ctx, s.CurrentQuestion(), in.Answer)
	if gerr != nil {
		e.log.Warn().Err(gerr).Str("session_id", s.ID.String()).Int("question_index", idx).Msg("Immediate grading failed, storing answer ungraded")
		grade = model.Grade{}
	}

	var action NextAction
	committed, err := e.mutate(ctx, sessionID, ownedMutation(actor, func(_ repository.Tx, s *model.Session, now time.Time, fx *effects) error {
		if s.Status != model.SessionStatusInProgress {
			return invalidState("session is %s", s.Status)
		}
		if s.CurrentQuestionIndex != idx {
			return invalidState("question %d is no longer current", idx)
		}
		s.CurrentQuestion().RecordAnswer(in.Answer, grade, now)
		s.MarkAnswered(idx)

		var err error
		action, err = e.apply(s, DetermineNextAction(s), now, fx)
		if err != nil {
			return err
		}
		fx.then(func(ctx context.Context) {
			e.record(ctx, s, "answer", map[string]any{"question_index": idx, "next": action.Name()})
			e.announceCursor(ctx, s, action)
		})
		return nil
	}))
	if err != nil {
		return nil, err
	}
	return e.finishTransition(ctx, committed, action)
}

// SkipQuestion defers the current question to the review phase. In review, skipping
// moves to the next pending question, wrapping around.
func (e *Engine) SkipQuestion(ctx context.Context, sessionID uuid.UUID, actor Actor, questionIndex *int) (*TransitionResult, error) {
	s, err := e.liveSession(ctx, sessionID, actor)
	if err != nil {
		return nil, err
	}
	idx := s.CurrentQuestionIndex
	if questionIndex != nil && *questionIndex != idx {
		return nil, invalidState("question %d is not the current question", *questionIndex)
	}

	var action NextAction
	committed, err := e.mutate(ctx, sessionID, ownedMutation(actor, func(_ repository.Tx, s *model.Session, now time.Time, fx *effects) error {
		if s.Status != model.SessionStatusInProgress {
			return invalidState("session is %s", s.Status)
		}
		if s.CurrentQuestionIndex != idx {
			return invalidState("question %d is no longer current", idx)
		}
		s.CurrentQuestion().RecordSkip(now)
		s.MarkSkipped(idx)

		if s.ReviewPhase {
			action = AdvanceInReview{}
			if next, ok := s.NextSkippedAfter(idx); ok && next != idx {
				e.moveCursor(s, next, now)
			}
			e.metrics.Transitions.WithLabelValues(action.Name()).Inc()
		} else {
			var err error
			action, err = e.apply(s, DetermineNextAction(s), now, fx)
			if err != nil {
				return err
			}
		}
		fx.then(func(ctx context.Context) {
			e.record(ctx, s, "skip", map[string]any{"question_index": idx, "next": action.Name()})
			e.announceCursor(ctx, s, action)
		})
		return nil
	}))
	if err != nil {
		return nil, err
	}
	return e.finishTransition(ctx, committed, action)
}

// SubmitSection closes the current section early. Questions never reached stay unanswered;
// skipped ones remain available in review.
func (e *Engine) SubmitSection(ctx context.Context, sessionID uuid.UUID, actor Actor) (*TransitionResult, error) {
	if _, err := e.liveSession(ctx, sessionID, actor); err != nil {
		return nil, err
	}

	var action NextAction
	committed, err := e.mutate(ctx, sessionID, ownedMutation(actor, func(_ repository.Tx, s *model.Session, now time.Time, fx *effects) error {
		if s.Status != model.SessionStatusInProgress {
			return invalidState("session is %s", s.Status)
		}
		if s.ReviewPhase {
			return invalidState("sections are closed during review")
		}
		section := s.CurrentSectionIndex
		locked := unreached(s)

		var next NextAction = AdvanceToNextSection{}
		if s.IsLastSection() {
			next = CompleteTest{}
			if len(s.SkippedQuestions) > 0 {
				next = StartReviewPhase{}
			}
		}
		var err error
		if action, err = e.apply(s, next, now, fx); err != nil {
			return err
		}
		fx.then(func(ctx context.Context) {
			e.record(ctx, s, "section_submitted", map[string]any{"section_index": section, "unanswered": locked})
			e.announceCursor(ctx, s, action)
		})
		return nil
	}))
	if err != nil {
		return nil, err
	}
	return e.finishTransition(ctx, committed, action)
}

// StartReview enters the review phase from the last section. Calling it again while
// already in review returns the current question.
func (e *Engine) StartReview(ctx context.Context, sessionID uuid.UUID, actor Actor) (*TransitionResult, error) {
	if _, err := e.liveSession(ctx, sessionID, actor); err != nil {
		return nil, err
	}

	var action NextAction = StartReviewPhase{}
	committed, err := e.mutate(ctx, sessionID, ownedMutation(actor, func(_ repository.Tx, s *model.Session, now time.Time, fx *effects) error {
		if s.Status != model.SessionStatusInProgress {
			return invalidState("session is %s", s.Status)
		}
		if s.ReviewPhase {
			fx.skipWrite = true
			return nil
		}
		if !s.IsLastSection() {
			return invalidState("review starts after the last section")
		}
		if !s.SectionExhausted() {
			return invalidState("review starts after every question has been answered or skipped")
		}
		if len(s.SkippedQuestions) == 0 {
			return invalidState("no skipped questions to review")
		}
		if _, err := e.apply(s, action, now, fx); err != nil {
			return err
		}
		fx.then(func(ctx context.Context) { e.announceCursor(ctx, s, action) })
		return nil
	}))
	if err != nil {
		return nil, err
	}
	return e.finishTransition(ctx, committed, action)
}

// NavigateToQuestion jumps to a skipped question during review.
func (e *Engine) NavigateToQuestion(ctx context.Context, sessionID uuid.UUID, actor Actor, idx int) (*QuestionView, error) {
	if _, err := e.liveSession(ctx, sessionID, actor); err != nil {
		return nil, err
	}
	committed, err := e.mutate(ctx, sessionID, ownedMutation(actor, func(_ repository.Tx, s *model.Session, now time.Time, fx *effects) error {
		if s.Status != model.SessionStatusInProgress {
			return invalidState("session is %s", s.Status)
		}
		if !s.ReviewPhase {
			return invalidState("navigation is only available during review")
		}
		if !s.IsSkipped(idx) {
			return invalidInput("question %d is not pending review", idx)
		}
		if s.CurrentQuestionIndex == idx {
			fx.skipWrite = true
			return nil
		}
		e.moveCursor(s, idx, now)
		fx.then(func(ctx context.Context) { e.announceCursor(ctx, s, AdvanceInReview{}) })
		return nil
	}))
	if err != nil {
		return nil, err
	}
	return e.questionView(committed, e.now()), nil
}

// SubmitTest finalizes the session on the student's request.
func (e *Engine) SubmitTest(ctx context.Context, sessionID uuid.UUID, actor Actor) (*TransitionResult, error) {
	s, err := e.loadOwned(ctx, sessionID, actor)
	if err != nil {
		return nil, err
	}
	if !s.Status.IsResumable() {
		return nil, invalidState("session is %s", s.Status)
	}
	if s.ProjectedRemaining(e.now(), e.cfg.GracePeriod) <= 0 {
		return nil, e.expire(ctx, sessionID)
	}
	e.metrics.Transitions.WithLabelValues(CompleteTest{}.Name()).Inc()
	return e.finishTransition(ctx, s, CompleteTest{})
}

// HandleSectionExpired is the expiry path of a section countdown. Stale or early
// firings are ignored; the last section, or review, finalizes the session as expired.
// Otherwise the section is locked and the next one starts.
func (e *Engine) HandleSectionExpired(ctx context.Context, sessionID uuid.UUID, sectionIndex int) error {
	var finalize bool
	_, err := e.mutate(ctx, sessionID, func(_ repository.Tx, s *model.Session, now time.Time, fx *effects) error {
		if s.Status != model.SessionStatusInProgress || s.CurrentSectionIndex != sectionIndex {
			fx.skipWrite = true
			return nil
		}
		if left := s.SectionRemaining(now); left > time.Second {
			fx.skipWrite = true
			fx.then(func(context.Context) { e.armSection(s.ID, sectionIndex, left) })
			return nil
		}
		if s.ReviewPhase || s.IsLastSection() {
			fx.skipWrite = true
			finalize = true
			return nil
		}

		s.AccumulateSectionTime(now)
		if limit := float64(s.CurrentSection().TimeLimitSeconds); s.SectionTimeUsed[sectionIndex] > limit {
			s.SectionTimeUsed[sectionIndex] = limit
		}
		locked := s.DropSkippedInSection(sectionIndex)
		if _, err := e.apply(s, AdvanceToNextSection{}, now, fx); err != nil {
			return err
		}
		fx.then(func(ctx context.Context) {
			e.bus.Broadcast(ctx, s.ID, notify.EventSectionExpired, sectionExpiredPayload{
				SectionIndex:     sectionIndex,
				NextSectionIndex: s.CurrentSectionIndex,
				LockedQuestions:  locked,
			})
			e.announceCursor(ctx, s, AdvanceToNextSection{})
		})
		return nil
	})
	if err != nil {
		return err
	}
	if finalize {
		if _, err := e.Finalize(ctx, sessionID, model.SessionStatusExpired, ModeSystem); err != nil {
			return fmt.Errorf("finalize expired session: %w", err)
		}
	}
	return nil
}

// liveSession loads an owned session that can accept navigation, handling time that ran out
// while nobody was watching.
func (e *Engine) liveSession(ctx context.Context, sessionID uuid.UUID, actor Actor) (*model.Session, error) {
	s, err := e.loadOwned(ctx, sessionID, actor)
	if err != nil {
		return nil, err
	}
	switch s.Status {
	case model.SessionStatusInProgress:
	case model.SessionStatusPaused:
		return nil, invalidState("session is paused, rejoin to continue")
	default:
		return nil, invalidState("session is %s", s.Status)
	}

	now := e.now()
	if s.ProjectedRemaining(now, e.cfg.GracePeriod) <= 0 {
		return nil, e.expire(ctx, sessionID)
	}
	if s.SectionRemaining(now) > 0 {
		return s, nil
	}

	if err := e.HandleSectionExpired(ctx, sessionID, s.CurrentSectionIndex); err != nil {
		return nil, err
	}
	fresh, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, storeError("get session", err)
	}
	if fresh.Status.IsTerminal() {
		res, _ := e.store.GetResultBySession(ctx, sessionID)
		return nil, &ExpiredError{Result: res}
	}
	return nil, fmt.Errorf("%w: section time has elapsed", ErrExpired)
}

// finishTransition runs finalization for CompleteTest and otherwise renders the new cursor.
func (e *Engine) finishTransition(ctx context.Context, s *model.Session, action NextAction) (*TransitionResult, error) {
	out := &TransitionResult{Action: action.Name()}
	if _, ok := action.(CompleteTest); !ok {
		out.Next = e.questionView(s, e.now())
		return out, nil
	}

	fin, err := e.Finalize(ctx, s.ID, model.SessionStatusCompleted, ModeStudent)
	if err != nil {
		return nil, err
	}
	out.Completed = true
	out.RequiresManualSubmission = fin.RequiresManualSubmission
	out.Result = fin.Result
	return out, nil
}

func (e *Engine) announceCursor(ctx context.Context, s *model.Session, action NextAction) {
	if _, ok := action.(CompleteTest); ok {
		return
	}
	e.bus.Broadcast(ctx, s.ID, notify.EventQuestionChanged, cursorPayload{
		Action:        action.Name(),
		QuestionIndex: s.CurrentQuestionIndex,
		SectionIndex:  s.CurrentSectionIndex,
		ReviewPhase:   s.ReviewPhase,
	})
}

// unreached lists the questions of the current section the student never answered or skipped.
func unreached(s *model.Session) []int {
	sec := s.CurrentSection()
	if sec == nil {
		return nil
	}
	var out []int
	for idx := s.CurrentQuestionIndex; idx <= sec.LastQuestionIndex(); idx++ {
		if !s.IsAnswered(idx) && !s.IsSkipped(idx) {
			out = append(out, idx)
		}
	}
	return out
}
