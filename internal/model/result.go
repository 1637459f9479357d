package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DefaultPassingScore is the percentage required to pass when a test sets none.
const DefaultPassingScore = 70.0

// AnswerOutcome is the authoritative grade of one question in a Result.
type AnswerOutcome string

const (
	AnswerOutcomeCorrect       AnswerOutcome = "correct"
	AnswerOutcomeIncorrect     AnswerOutcome = "incorrect"
	AnswerOutcomeUnanswered    AnswerOutcome = "unanswered"
	AnswerOutcomePendingReview AnswerOutcome = "pending_review"
)

// FinalScore is the aggregate outcome of a finalized session.
type FinalScore struct {
	TotalPoints        float64                        `json:"total_points"`
	EarnedPoints       float64                        `json:"earned_points"`
	Percentage         float64                        `json:"percentage"`
	Passed             bool                           `json:"passed"`
	PassingScore       float64                        `json:"passing_score"`
	TotalQuestions     int                            `json:"total_questions"`
	CorrectCount       int                            `json:"correct_count"`
	IncorrectCount     int                            `json:"incorrect_count"`
	UnansweredCount    int                            `json:"unanswered_count"`
	PendingReviewCount int                            `json:"pending_review_count"`
	Categories         map[QuestionType]CategoryScore `json:"categories"`
	TotalTimeUsed      float64                        `json:"total_time_used"`
}

// CategoryScore counts outcomes for one question type.
type CategoryScore struct {
	Total          int     `json:"total"`
	Correct        int     `json:"correct"`
	Incorrect      int     `json:"incorrect"`
	Unanswered     int     `json:"unanswered"`
	PendingReview  int     `json:"pending_review"`
	PointsEarned   float64 `json:"points_earned"`
	PointsPossible float64 `json:"points_possible"`
}

// Result is the immutable ledger of a graded attempt. Exactly one exists per terminal session.
type Result struct {
	ID             uuid.UUID      `json:"id"`
	SessionID      uuid.UUID      `json:"session_id"`
	TestID         uuid.UUID      `json:"test_id"`
	UserID         uuid.UUID      `json:"user_id"`
	OrganizationID uuid.UUID      `json:"organization_id"`
	AttemptNumber  int            `json:"attempt_number"`
	SessionStatus  SessionStatus  `json:"session_status"`
	Score          FinalScore     `json:"score"`
	Answers        []ResultAnswer `json:"answers"`
	CreatedAt      time.Time      `json:"created_at"`
}

// ResultAnswer is the graded ledger line for one question.
type ResultAnswer struct {
	QuestionIndex    int             `json:"question_index"`
	QuestionID       uuid.UUID       `json:"question_id"`
	Type             QuestionType    `json:"type"`
	Answer           json.RawMessage `json:"answer,omitempty"`
	Outcome          AnswerOutcome   `json:"outcome"`
	PointsEarned     float64         `json:"points_earned"`
	PointsPossible   float64         `json:"points_possible"`
	TimeSpentSeconds float64         `json:"time_spent_seconds"`
}
