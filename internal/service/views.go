package service

import (
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// QuestionView is the sanitized current question with its navigation context.
type QuestionView struct {
	SessionID  uuid.UUID                `json:"session_id"`
	Status     model.SessionStatus      `json:"status"`
	Question   model.QuestionForStudent `json:"question"`
	Navigation NavigationContext        `json:"navigation"`
}

// NavigationContext locates the current question within the attempt.
type NavigationContext struct {
	QuestionIndex           int    `json:"question_index"`
	QuestionNumberInSection int    `json:"question_number_in_section"`
	SectionIndex            int    `json:"section_index"`
	SectionTitle            string `json:"section_title"`
	SectionQuestionCount    int    `json:"section_question_count"`
	TotalSections           int    `json:"total_sections"`
	TotalQuestions          int    `json:"total_questions"`
	AnsweredCount           int    `json:"answered_count"`
	SkippedCount            int    `json:"skipped_count"`
	ReviewPhase             bool   `json:"review_phase"`
	SkippedRemaining        []int  `json:"skipped_remaining"`
	IsLastQuestionInSection bool   `json:"is_last_question_in_section"`
	IsLastSection           bool   `json:"is_last_section"`
	TimeRemaining           int    `json:"time_remaining"`
	TotalTimeRemaining      int    `json:"total_time_remaining"`
}

// SessionView is returned when a session is started or rejoined.
type SessionView struct {
	SessionID          uuid.UUID           `json:"session_id"`
	TestID             uuid.UUID           `json:"test_id"`
	TestTitle          string              `json:"test_title"`
	Status             model.SessionStatus `json:"status"`
	AttemptNumber      int                 `json:"attempt_number"`
	StartedAt          time.Time           `json:"started_at"`
	TimeRemaining      int                 `json:"time_remaining"`
	TotalTimeRemaining int                 `json:"total_time_remaining"`
	Current            *QuestionView       `json:"current,omitempty"`
}

// TransitionResult reports what followed an answer, skip or submission.
// Correctness of the answer itself is never included.
type TransitionResult struct {
	Action                   string        `json:"action"`
	Completed                bool          `json:"completed"`
	RequiresManualSubmission bool          `json:"requires_manual_submission,omitempty"`
	Next                     *QuestionView `json:"next,omitempty"`
	Result                   *model.Result `json:"result,omitempty"`
}

// SyncView is the authoritative clock of a session.
type SyncView struct {
	SessionID          uuid.UUID           `json:"session_id"`
	Status             model.SessionStatus `json:"status"`
	SectionIndex       int                 `json:"section_index"`
	ReviewPhase        bool                `json:"review_phase"`
	TimeRemaining      int                 `json:"time_remaining"`
	TotalTimeRemaining int                 `json:"total_time_remaining"`
	IsConnected        bool                `json:"is_connected"`
	ServerTime         time.Time           `json:"server_time"`
}

// RejoinCheck tells a user whether they have a session to resume.
type RejoinCheck struct {
	CanRejoin     bool                  `json:"can_rejoin"`
	SessionID     *uuid.UUID            `json:"session_id,omitempty"`
	TimeRemaining *int                  `json:"time_remaining,omitempty"`
	Session       *model.SessionSummary `json:"session,omitempty"`
}

// FinalizeOutcome is the disposition of a finalization request.
type FinalizeOutcome struct {
	Session                  *model.Session
	Result                   *model.Result
	RequiresManualSubmission bool
	Abandoned                bool
}

func (e *Engine) questionView(s *model.Session, now time.Time) *QuestionView {
	q := s.CurrentQuestion()
	sec := s.CurrentSection()
	if q == nil || sec == nil {
		return nil
	}
	skipped := append([]int{}, s.SkippedQuestions...)
	return &QuestionView{
		SessionID: s.ID,
		Status:    s.Status,
		Question:  q.Sanitized(),
		Navigation: NavigationContext{
			QuestionIndex:           s.CurrentQuestionIndex,
			QuestionNumberInSection: s.CurrentQuestionIndex - sec.FirstQuestionIndex + 1,
			SectionIndex:            s.CurrentSectionIndex,
			SectionTitle:            sec.Title,
			SectionQuestionCount:    sec.QuestionCount,
			TotalSections:           len(s.Snapshot.Sections),
			TotalQuestions:          len(s.Snapshot.Questions),
			AnsweredCount:           len(s.AnsweredQuestions),
			SkippedCount:            len(s.SkippedQuestions),
			ReviewPhase:             s.ReviewPhase,
			SkippedRemaining:        skipped,
			IsLastQuestionInSection: s.IsLastQuestionInSection(),
			IsLastSection:           s.IsLastSection(),
			TimeRemaining:           s.CalculateTimeRemaining(now),
			TotalTimeRemaining:      model.WholeSeconds(s.TotalRemaining(now)),
		},
	}
}

func (e *Engine) sessionView(s *model.Session, now time.Time) *SessionView {
	v := &SessionView{
		SessionID:          s.ID,
		TestID:             s.TestID,
		TestTitle:          s.Snapshot.Title,
		Status:             s.Status,
		AttemptNumber:      s.AttemptNumber,
		StartedAt:          s.StartedAt,
		TimeRemaining:      s.CalculateTimeRemaining(now),
		TotalTimeRemaining: model.WholeSeconds(s.TotalRemaining(now)),
	}
	if s.Status.IsResumable() {
		v.Current = e.questionView(s, now)
	}
	return v
}

// Push payloads.

type timerPayload struct {
	SectionIndex  int       `json:"section_index"`
	TimeRemaining int       `json:"time_remaining"`
	Warning       string    `json:"warning,omitempty"`
	ServerTime    time.Time `json:"server_time"`
}

type reviewPayload struct {
	SkippedRemaining int `json:"skipped_remaining"`
}

type sectionExpiredPayload struct {
	SectionIndex     int   `json:"section_index"`
	NextSectionIndex int   `json:"next_section_index"`
	LockedQuestions  []int `json:"locked_questions,omitempty"`
}

type connectionPayload struct {
	TimeRemaining      int  `json:"time_remaining"`
	GracePeriodSeconds int  `json:"grace_period_seconds,omitempty"`
	GracePeriodExpired bool `json:"grace_period_expired,omitempty"`
	IsConnected        bool `json:"is_connected"`
}

type completedPayload struct {
	Status     model.SessionStatus `json:"status"`
	ResultID   uuid.UUID           `json:"result_id"`
	Percentage float64             `json:"percentage"`
	Passed     bool                `json:"passed"`
}

type errorPayload struct {
	Message                  string `json:"message"`
	RequiresManualSubmission bool   `json:"requires_manual_submission"`
}

type cursorPayload struct {
	Action        string `json:"action"`
	QuestionIndex int    `json:"question_index"`
	SectionIndex  int    `json:"section_index"`
	ReviewPhase   bool   `json:"review_phase"`
}
