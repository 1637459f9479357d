package model

import (
	"encoding/json"
	"slices"
	"time"

	"github.com/google/uuid"
)

// TestStatus enumerates the publication states of a test definition.
type TestStatus string

const (
	TestStatusDraft     TestStatus = "draft"
	TestStatusPublished TestStatus = "published"
	TestStatusArchived  TestStatus = "archived"
)

// QuestionType enumerates the gradable question kinds.
type QuestionType string

const (
	QuestionTypeMultipleChoice QuestionType = "multiple_choice"
	QuestionTypeTrueFalse      QuestionType = "true_false"
	QuestionTypeFillBlank      QuestionType = "fill_blank"
	QuestionTypeCode           QuestionType = "code"
)

// QuestionCategory distinguishes auto-gradable code (logic) from code needing a human (ui).
type QuestionCategory string

const (
	QuestionCategoryLogic QuestionCategory = "logic"
	QuestionCategoryUI    QuestionCategory = "ui"
)

// Test is the live test definition, including its running statistics.
type Test struct {
	ID               uuid.UUID  `json:"id"`
	OrganizationID   uuid.UUID  `json:"organization_id"`
	Title            string     `json:"title"`
	Status           TestStatus `json:"status"`
	TimeLimitSeconds int        `json:"time_limit_seconds"`
	PassingScore     *float64   `json:"passing_score,omitempty"`
	MaxAttempts      int        `json:"max_attempts"`
	ShuffleQuestions bool       `json:"shuffle_questions"`
	AllowedRoles     []string   `json:"allowed_roles"`
	AvailableFrom    *time.Time `json:"available_from,omitempty"`
	AvailableUntil   *time.Time `json:"available_until,omitempty"`

	Sections  []Section  `json:"sections,omitempty"`
	Questions []Question `json:"questions,omitempty"`

	AttemptCount int     `json:"attempt_count"`
	AverageScore float64 `json:"average_score"`
	PassCount    int     `json:"pass_count"`
	PassRate     float64 `json:"pass_rate"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsSectioned reports whether the test is split into timed sections.
func (t *Test) IsSectioned() bool { return len(t.Sections) > 0 }

// AllowsRole reports whether a user role may take the test. An empty list admits students only.
func (t *Test) AllowsRole(role string) bool {
	if len(t.AllowedRoles) == 0 {
		return role == "student"
	}
	return slices.Contains(t.AllowedRoles, role)
}

// Section is a timed block of questions.
type Section struct {
	ID               uuid.UUID  `json:"id"`
	Title            string     `json:"title"`
	OrderNum         int        `json:"order_num"`
	TimeLimitSeconds int        `json:"time_limit_seconds"`
	Questions        []Question `json:"questions"`
}

// Question is a question bank entry with its grading definition.
type Question struct {
	ID            uuid.UUID        `json:"id"`
	Type          QuestionType     `json:"type"`
	Category      QuestionCategory `json:"category,omitempty"`
	Prompt        string           `json:"prompt"`
	Options       []Option         `json:"options,omitempty"`
	CorrectAnswer json.RawMessage  `json:"correct_answer,omitempty"`
	Blanks        []Blank          `json:"blanks,omitempty"`
	TestCases     []TestCase       `json:"test_cases,omitempty"`
	Language      string           `json:"language,omitempty"`
	Runtime       string           `json:"runtime,omitempty"`
	EntryFunction string           `json:"entry_function,omitempty"`
	StarterCode   string           `json:"starter_code,omitempty"`
	TimeoutMs     int              `json:"timeout_ms,omitempty"`
	Points        float64          `json:"points"`
	OrderNum      int              `json:"order_num"`
}

// QuestionDefinition is the JSONB grading definition persisted per question.
type QuestionDefinition struct {
	Options       []Option        `json:"options,omitempty"`
	CorrectAnswer json.RawMessage `json:"correct_answer,omitempty"`
	Blanks        []Blank         `json:"blanks,omitempty"`
	TestCases     []TestCase      `json:"test_cases,omitempty"`
	Language      string          `json:"language,omitempty"`
	Runtime       string          `json:"runtime,omitempty"`
	EntryFunction string          `json:"entry_function,omitempty"`
	StarterCode   string          `json:"starter_code,omitempty"`
	TimeoutMs     int             `json:"timeout_ms,omitempty"`
}

// Option is a selectable choice.
type Option struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Blank is one gap of a fill-in-the-blank question.
type Blank struct {
	ID              string   `json:"id"`
	AcceptedAnswers []string `json:"accepted_answers"`
	CaseSensitive   bool     `json:"case_sensitive,omitempty"`
}

// TestCase is one input/expected-output pair for code questions.
type TestCase struct {
	Input    json.RawMessage `json:"input"`
	Expected json.RawMessage `json:"expected"`
	Hidden   bool            `json:"hidden,omitempty"`
}
