package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// QuestionStatus tracks the student's interaction with a snapshot question.
type QuestionStatus string

const (
	QuestionStatusUnseen   QuestionStatus = "unseen"
	QuestionStatusViewed   QuestionStatus = "viewed"
	QuestionStatusAnswered QuestionStatus = "answered"
	QuestionStatusSkipped  QuestionStatus = "skipped"
)

// TestSnapshot is the frozen per-attempt copy of a test. Grading only ever reads
// from here, never from the live question bank.
type TestSnapshot struct {
	TestID           uuid.UUID          `json:"test_id"`
	Title            string             `json:"title"`
	Sectioned        bool               `json:"sectioned"`
	TimeLimitSeconds int                `json:"time_limit_seconds"`
	PassingScore     float64            `json:"passing_score"`
	ShuffleSeed      string             `json:"shuffle_seed,omitempty"`
	TakenAt          time.Time          `json:"taken_at"`
	Sections         []SectionSnapshot  `json:"sections"`
	Questions        []SnapshotQuestion `json:"questions"`
}

// Question returns the question at the global index.
func (t *TestSnapshot) Question(idx int) *SnapshotQuestion {
	if idx < 0 || idx >= len(t.Questions) {
		return nil
	}
	return &t.Questions[idx]
}

// SectionOf returns the index of the section holding the global question index.
func (t *TestSnapshot) SectionOf(idx int) int {
	for i, sec := range t.Sections {
		if sec.Contains(idx) {
			return i
		}
	}
	return -1
}

// TotalPoints sums the points of every question.
func (t *TestSnapshot) TotalPoints() float64 {
	var total float64
	for _, q := range t.Questions {
		total += q.Points
	}
	return total
}

// SectionSnapshot groups a contiguous range of global question indices.
// Unsectioned tests carry exactly one implicit section covering all questions.
type SectionSnapshot struct {
	Index              int       `json:"index"`
	SectionID          uuid.UUID `json:"section_id,omitempty"`
	Title              string    `json:"title"`
	TimeLimitSeconds   int       `json:"time_limit_seconds"`
	FirstQuestionIndex int       `json:"first_question_index"`
	QuestionCount      int       `json:"question_count"`
}

// LastQuestionIndex returns the global index of the section's final question.
func (s SectionSnapshot) LastQuestionIndex() int {
	return s.FirstQuestionIndex + s.QuestionCount - 1
}

// Contains reports whether the global index falls inside the section.
func (s SectionSnapshot) Contains(idx int) bool {
	return idx >= s.FirstQuestionIndex && idx <= s.LastQuestionIndex()
}

// SnapshotQuestion is an immutable question copy plus the mutable student state sub-fields.
type SnapshotQuestion struct {
	QuestionID    uuid.UUID        `json:"question_id"`
	SectionIndex  int              `json:"section_index"`
	OriginalOrder int              `json:"original_order"`
	FinalOrder    int              `json:"final_order"`
	Type          QuestionType     `json:"type"`
	Category      QuestionCategory `json:"category,omitempty"`
	Prompt        string           `json:"prompt"`
	Options       []Option         `json:"options,omitempty"`
	Points        float64          `json:"points"`

	CorrectAnswer json.RawMessage `json:"correct_answer,omitempty"`
	Blanks        []Blank         `json:"blanks,omitempty"`
	TestCases     []TestCase      `json:"test_cases,omitempty"`
	Language      string          `json:"language,omitempty"`
	Runtime       string          `json:"runtime,omitempty"`
	EntryFunction string          `json:"entry_function,omitempty"`
	StarterCode   string          `json:"starter_code,omitempty"`
	TimeoutMs     int             `json:"timeout_ms,omitempty"`

	StudentAnswer    json.RawMessage `json:"student_answer,omitempty"`
	Status           QuestionStatus  `json:"status"`
	IsCorrect        *bool           `json:"is_correct,omitempty"`
	PointsEarned     float64         `json:"points_earned"`
	PendingReview    bool            `json:"pending_review,omitempty"`
	FirstViewedAt    *time.Time      `json:"first_viewed_at,omitempty"`
	LastViewedAt     *time.Time      `json:"last_viewed_at,omitempty"`
	ViewCount        int             `json:"view_count"`
	AnsweredAt       *time.Time      `json:"answered_at,omitempty"`
	TimeSpentSeconds float64         `json:"time_spent_seconds"`
}

// MarkViewed stamps the first view and bumps the view count.
func (q *SnapshotQuestion) MarkViewed(now time.Time) {
	if q.FirstViewedAt == nil {
		q.FirstViewedAt = &now
	}
	q.LastViewedAt = &now
	q.ViewCount++
	if q.Status == QuestionStatusUnseen || q.Status == "" {
		q.Status = QuestionStatusViewed
	}
}

// accrueTime adds the interval since the last view to the time spent on the question.
func (q *SnapshotQuestion) accrueTime(now time.Time) {
	if q.LastViewedAt == nil {
		return
	}
	if d := now.Sub(*q.LastViewedAt); d > 0 {
		q.TimeSpentSeconds += d.Seconds()
	}
	q.LastViewedAt = &now
}

// RecordAnswer stores the student's answer and its immediate grade.
func (q *SnapshotQuestion) RecordAnswer(answer json.RawMessage, grade Grade, now time.Time) {
	q.accrueTime(now)
	q.StudentAnswer = answer
	q.Status = QuestionStatusAnswered
	q.AnsweredAt = &now
	q.IsCorrect = grade.IsCorrect
	q.PointsEarned = grade.PointsEarned
	q.PendingReview = grade.PendingReview
}

// RecordSkip marks the question skipped without grading it.
func (q *SnapshotQuestion) RecordSkip(now time.Time) {
	q.accrueTime(now)
	q.Status = QuestionStatusSkipped
}

// Sanitized strips answer keys and hidden test cases for delivery to the student.
func (q *SnapshotQuestion) Sanitized() QuestionForStudent {
	out := QuestionForStudent{
		QuestionID:    q.QuestionID,
		Type:          q.Type,
		Category:      q.Category,
		Prompt:        q.Prompt,
		Options:       q.Options,
		Points:        q.Points,
		Language:      q.Language,
		Runtime:       q.Runtime,
		EntryFunction: q.EntryFunction,
		StarterCode:   q.StarterCode,
		StudentAnswer: q.StudentAnswer,
		Status:        q.Status,
	}
	for _, b := range q.Blanks {
		out.Blanks = append(out.Blanks, BlankForStudent{ID: b.ID})
	}
	for _, tc := range q.TestCases {
		if tc.Hidden {
			continue
		}
		out.SampleTestCases = append(out.SampleTestCases, tc)
	}
	return out
}

// QuestionForStudent is a snapshot question without anything that reveals the answer.
type QuestionForStudent struct {
	QuestionID      uuid.UUID         `json:"question_id"`
	Type            QuestionType      `json:"type"`
	Category        QuestionCategory  `json:"category,omitempty"`
	Prompt          string            `json:"prompt"`
	Options         []Option          `json:"options,omitempty"`
	Blanks          []BlankForStudent `json:"blanks,omitempty"`
	Points          float64           `json:"points"`
	Language        string            `json:"language,omitempty"`
	Runtime         string            `json:"runtime,omitempty"`
	EntryFunction   string            `json:"entry_function,omitempty"`
	StarterCode     string            `json:"starter_code,omitempty"`
	SampleTestCases []TestCase        `json:"sample_test_cases,omitempty"`
	StudentAnswer   json.RawMessage   `json:"student_answer,omitempty"`
	Status          QuestionStatus    `json:"status"`
}

// BlankForStudent exposes only the blank identifier.
type BlankForStudent struct {
	ID string `json:"id"`
}

// Grade is the outcome of grading a single answer.
type Grade struct {
	IsCorrect     *bool
	PointsEarned  float64
	PendingReview bool
}
