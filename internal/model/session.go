package model

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// SessionStatus enumerates exam session lifecycle states.
type SessionStatus string

const (
	SessionStatusInProgress SessionStatus = "in_progress"
	SessionStatusPaused     SessionStatus = "paused"
	SessionStatusCompleted  SessionStatus = "completed"
	SessionStatusExpired    SessionStatus = "expired"
	SessionStatusAbandoned  SessionStatus = "abandoned"
)

// IsTerminal reports whether no further transition is allowed out of the status.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusExpired || s == SessionStatusAbandoned
}

// IsResumable reports whether a student may continue a session in this status.
func (s SessionStatus) IsResumable() bool {
	return s == SessionStatusInProgress || s == SessionStatusPaused
}

// Session is the durable record of one student's attempt at a test.
type Session struct {
	ID             uuid.UUID     `json:"id"`
	TestID         uuid.UUID     `json:"test_id"`
	UserID         uuid.UUID     `json:"user_id"`
	OrganizationID uuid.UUID     `json:"organization_id"`
	AttemptNumber  int           `json:"attempt_number"`
	Status         SessionStatus `json:"status"`

	Snapshot TestSnapshot `json:"test_snapshot"`

	CurrentSectionIndex     int       `json:"current_section_index"`
	CurrentQuestionIndex    int       `json:"current_question_index"`
	CurrentSectionStartedAt time.Time `json:"current_section_started_at"`

	AnsweredQuestions []int `json:"answered_questions"`
	SkippedQuestions  []int `json:"skipped_questions"`
	CompletedSections []int `json:"completed_sections"`

	ReviewPhase     bool       `json:"review_phase"`
	ReviewStartedAt *time.Time `json:"review_started_at,omitempty"`

	IsConnected        bool       `json:"is_connected"`
	DisconnectedAt     *time.Time `json:"disconnected_at,omitempty"`
	GracePeriodExpired bool       `json:"grace_period_expired"`

	// SectionTimeUsed holds seconds already consumed per section index, excluding
	// the running interval since CurrentSectionStartedAt.
	SectionTimeUsed map[int]float64 `json:"section_time_used"`

	FinalScore               *FinalScore `json:"final_score,omitempty"`
	RequiresManualSubmission bool        `json:"requires_manual_submission"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Version     int        `json:"version"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// CurrentSection returns the section the navigation cursor is in.
func (s *Session) CurrentSection() *SectionSnapshot {
	if s.CurrentSectionIndex < 0 || s.CurrentSectionIndex >= len(s.Snapshot.Sections) {
		return nil
	}
	return &s.Snapshot.Sections[s.CurrentSectionIndex]
}

// CurrentQuestion returns the snapshot question under the cursor.
func (s *Session) CurrentQuestion() *SnapshotQuestion {
	return s.Snapshot.Question(s.CurrentQuestionIndex)
}

// IsLastQuestionInSection reports whether the cursor sits on the final question of its section.
func (s *Session) IsLastQuestionInSection() bool {
	sec := s.CurrentSection()
	if sec == nil {
		return true
	}
	return s.CurrentQuestionIndex >= sec.LastQuestionIndex()
}

// IsLastSection reports whether the current section is the final one.
func (s *Session) IsLastSection() bool {
	return s.CurrentSectionIndex >= len(s.Snapshot.Sections)-1
}

// sectionElapsed is the running interval of the current section that is not yet
// folded into SectionTimeUsed. It is zero while the session is paused.
func (s *Session) sectionElapsed(now time.Time) time.Duration {
	if s.Status != SessionStatusInProgress || s.CurrentSectionStartedAt.IsZero() {
		return 0
	}
	d := now.Sub(s.CurrentSectionStartedAt)
	if d < 0 {
		return 0
	}
	return d
}

// SectionRemaining returns the remaining time of the current section at now,
// derived only from persisted timestamps and accumulators.
func (s *Session) SectionRemaining(now time.Time) time.Duration {
	if s.Status.IsTerminal() {
		return 0
	}
	sec := s.CurrentSection()
	if sec == nil {
		return 0
	}
	limit := time.Duration(sec.TimeLimitSeconds) * time.Second
	used := time.Duration(s.SectionTimeUsed[s.CurrentSectionIndex] * float64(time.Second))
	remaining := limit - used - s.sectionElapsed(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// CalculateTimeRemaining returns the whole seconds left on the current section's clock.
// It is a pure function of the record and now, so a restarted process derives the same value.
func (s *Session) CalculateTimeRemaining(now time.Time) int {
	return WholeSeconds(s.SectionRemaining(now))
}

// TotalRemaining adds the untouched budgets of later sections to the current section's remainder.
// A session is only out of time when this reaches zero.
func (s *Session) TotalRemaining(now time.Time) time.Duration {
	if s.Status.IsTerminal() {
		return 0
	}
	total := s.SectionRemaining(now)
	if s.ReviewPhase {
		return total
	}
	for i := s.CurrentSectionIndex + 1; i < len(s.Snapshot.Sections); i++ {
		sec := s.Snapshot.Sections[i]
		left := time.Duration(sec.TimeLimitSeconds)*time.Second - time.Duration(s.SectionTimeUsed[i]*float64(time.Second))
		if left > 0 {
			total += left
		}
	}
	return total
}

// GraceResumeAt returns when a paused session's clock restarts on its own.
func (s *Session) GraceResumeAt(grace time.Duration) (time.Time, bool) {
	if s.Status != SessionStatusPaused || s.DisconnectedAt == nil {
		return time.Time{}, false
	}
	return s.DisconnectedAt.Add(grace), true
}

// ProjectedRemaining is TotalRemaining with the grace policy applied: a session
// paused for longer than the grace period has been counting down since the grace ended,
// whether or not any process observed it.
func (s *Session) ProjectedRemaining(now time.Time, grace time.Duration) time.Duration {
	total := s.TotalRemaining(now)
	resumeAt, ok := s.GraceResumeAt(grace)
	if !ok || !now.After(resumeAt) {
		return total
	}
	total -= now.Sub(resumeAt)
	if total < 0 {
		return 0
	}
	return total
}

// AccumulateSectionTime folds the running interval of the current section into
// SectionTimeUsed and restarts the interval at now.
func (s *Session) AccumulateSectionTime(now time.Time) {
	if s.SectionTimeUsed == nil {
		s.SectionTimeUsed = make(map[int]float64)
	}
	s.SectionTimeUsed[s.CurrentSectionIndex] += s.sectionElapsed(now).Seconds()
	s.CurrentSectionStartedAt = now
}

// Pause stops the section clock for a disconnect.
func (s *Session) Pause(now time.Time) {
	s.AccumulateSectionTime(now)
	s.Status = SessionStatusPaused
	s.IsConnected = false
	s.DisconnectedAt = &now
	s.GracePeriodExpired = false
}

// Resume restarts the section clock at resumedAt. When the grace period elapsed
// the student is still offline, so the connection flag stays false.
func (s *Session) Resume(resumedAt time.Time, graceExpired bool) {
	s.Status = SessionStatusInProgress
	s.CurrentSectionStartedAt = resumedAt
	s.GracePeriodExpired = graceExpired
	if !graceExpired {
		s.IsConnected = true
		s.DisconnectedAt = nil
	}
}

// IsAnswered reports whether the question index has a recorded answer.
// SectionExhausted reports whether every question of the current section has been
// answered or skipped.
func (s *Session) SectionExhausted() bool {
	sec := s.CurrentSection()
	if sec == nil {
		return true
	}
	for i := sec.FirstQuestionIndex; i <= sec.LastQuestionIndex(); i++ {
		if !s.IsAnswered(i) && !s.IsSkipped(i) {
			return false
		}
	}
	return true
}

func (s *Session) IsAnswered(idx int) bool { return slices.Contains(s.AnsweredQuestions, idx) }

// IsSkipped reports whether the question index is pending review.
func (s *Session) IsSkipped(idx int) bool { return slices.Contains(s.SkippedQuestions, idx) }

// MarkAnswered records idx as answered and removes it from the skip set.
func (s *Session) MarkAnswered(idx int) {
	s.AnsweredQuestions = addIndex(s.AnsweredQuestions, idx)
	s.SkippedQuestions = removeIndex(s.SkippedQuestions, idx)
}

// MarkSkipped records idx as skipped.
func (s *Session) MarkSkipped(idx int) {
	s.SkippedQuestions = addIndex(s.SkippedQuestions, idx)
}

// MarkSectionCompleted records the section as finished.
func (s *Session) MarkSectionCompleted(idx int) {
	s.CompletedSections = addIndex(s.CompletedSections, idx)
}

// LowestSkipped returns the smallest skipped index.
func (s *Session) LowestSkipped() (int, bool) {
	if len(s.SkippedQuestions) == 0 {
		return 0, false
	}
	return slices.Min(s.SkippedQuestions), true
}

// NextSkippedAfter returns the next skipped index after idx, wrapping to the lowest.
func (s *Session) NextSkippedAfter(idx int) (int, bool) {
	if len(s.SkippedQuestions) == 0 {
		return 0, false
	}
	sorted := slices.Sorted(slices.Values(s.SkippedQuestions))
	for _, v := range sorted {
		if v > idx {
			return v, true
		}
	}
	return sorted[0], true
}

// DropSkippedInSection removes the skipped indices that belong to the section.
func (s *Session) DropSkippedInSection(sectionIdx int) []int {
	if sectionIdx < 0 || sectionIdx >= len(s.Snapshot.Sections) {
		return nil
	}
	sec := s.Snapshot.Sections[sectionIdx]
	var dropped []int
	kept := s.SkippedQuestions[:0:0]
	for _, idx := range s.SkippedQuestions {
		if sec.Contains(idx) {
			dropped = append(dropped, idx)
			continue
		}
		kept = append(kept, idx)
	}
	s.SkippedQuestions = kept
	return dropped
}

// Summary is the compact view of a session offered when a start conflicts with it.
func (s *Session) Summary(now time.Time) SessionSummary {
	return SessionSummary{
		SessionID:     s.ID,
		TestID:        s.TestID,
		TestTitle:     s.Snapshot.Title,
		Status:        s.Status,
		AttemptNumber: s.AttemptNumber,
		TimeRemaining: WholeSeconds(s.TotalRemaining(now)),
		StartedAt:     s.StartedAt,
	}
}

// SessionSummary describes a resumable session to the client.
type SessionSummary struct {
	SessionID     uuid.UUID     `json:"session_id"`
	TestID        uuid.UUID     `json:"test_id"`
	TestTitle     string        `json:"test_title"`
	Status        SessionStatus `json:"status"`
	AttemptNumber int           `json:"attempt_number"`
	TimeRemaining int           `json:"time_remaining"`
	StartedAt     time.Time     `json:"started_at"`
}

// WholeSeconds truncates a duration to whole seconds, never negative.
func WholeSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(d / time.Second)
}

func addIndex(set []int, idx int) []int {
	if slices.Contains(set, idx) {
		return set
	}
	set = append(set, idx)
	slices.Sort(set)
	return set
}

func removeIndex(set []int, idx int) []int {
	i := slices.Index(set, idx)
	if i < 0 {
		return set
	}
	return slices.Delete(set, i, i+1)
}
