package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stemsi/exstem-proctor/internal/model"
)

const sessionColumns = `id, test_id, user_id, organization_id, attempt_number, status, test_snapshot,
	current_section_index, current_question_index, current_section_started_at,
	answered_questions, skipped_questions, completed_sections,
	review_phase, review_started_at, is_connected, disconnected_at, grace_period_expired,
	section_time_used, final_score, requires_manual_submission,
	started_at, completed_at, version, created_at, updated_at`

// SessionRepository handles exam session data access.
type SessionRepository struct {
	db DBTX
}

// NewSessionRepository creates a new SessionRepository.
func NewSessionRepository(db DBTX) *SessionRepository {
	return &SessionRepository{db: db}
}

func scanSession(row pgx.Row) (*model.Session, error) {
	s := &model.Session{}
	err := row.Scan(
		&s.ID, &s.TestID, &s.UserID, &s.OrganizationID, &s.AttemptNumber, &s.Status, &s.Snapshot,
		&s.CurrentSectionIndex, &s.CurrentQuestionIndex, &s.CurrentSectionStartedAt,
		&s.AnsweredQuestions, &s.SkippedQuestions, &s.CompletedSections,
		&s.ReviewPhase, &s.ReviewStartedAt, &s.IsConnected, &s.DisconnectedAt, &s.GracePeriodExpired,
		&s.SectionTimeUsed, &s.FinalScore, &s.RequiresManualSubmission,
		&s.StartedAt, &s.CompletedAt, &s.Version, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, translateError(err)
	}
	return s, nil
}

func collectSessions(rows pgx.Rows) ([]model.Session, error) {
	defer rows.Close()

	var sessions []model.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}

// GetByID retrieves a session by ID.
func (r *SessionRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Session, error) {
	return scanSession(r.db.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM exam_sessions WHERE id = $1`, id))
}

// GetForUpdate retrieves a session and locks its row for the rest of the transaction.
func (r *SessionRepository) GetForUpdate(ctx context.Context, id uuid.UUID) (*model.Session, error) {
	return scanSession(r.db.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM exam_sessions WHERE id = $1 FOR UPDATE`, id))
}

// FindActive returns the resumable session of a user for a test.
func (r *SessionRepository) FindActive(ctx context.Context, userID, testID uuid.UUID) (*model.Session, error) {
	return scanSession(r.db.QueryRow(ctx,
		`SELECT `+sessionColumns+`
		 FROM exam_sessions
		 WHERE user_id = $1 AND test_id = $2 AND status IN ('in_progress', 'paused')`,
		userID, testID))
}

// ListActiveByUser returns every resumable session of a user, most recent first.
func (r *SessionRepository) ListActiveByUser(ctx context.Context, userID uuid.UUID) ([]model.Session, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+sessionColumns+`
		 FROM exam_sessions
		 WHERE user_id = $1 AND status IN ('in_progress', 'paused')
		 ORDER BY started_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	return collectSessions(rows)
}

// ListNonTerminal returns one page of non-terminal sessions ordered by id, starting
// after the given id. Pass uuid.Nil for the first page.
func (r *SessionRepository) ListNonTerminal(ctx context.Context, after uuid.UUID, limit int) ([]model.Session, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+sessionColumns+`
		 FROM exam_sessions
		 WHERE status IN ('in_progress', 'paused') AND id > $1
		 ORDER BY id ASC
		 LIMIT $2`, after, limit)
	if err != nil {
		return nil, err
	}
	return collectSessions(rows)
}

// CountTerminal counts a user's finished attempts at a test.
func (r *SessionRepository) CountTerminal(ctx context.Context, userID, testID uuid.UUID) (int, error) {
	var n int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM exam_sessions
		 WHERE user_id = $1 AND test_id = $2 AND status IN ('completed', 'expired', 'abandoned')`,
		userID, testID).Scan(&n)
	return n, err
}

// Create inserts a new session. The partial unique index rejects a second resumable
// session for the same user and test.
func (r *SessionRepository) Create(ctx context.Context, s *model.Session) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	err := r.db.QueryRow(ctx,
		`INSERT INTO exam_sessions (
			id, test_id, user_id, organization_id, attempt_number, status, test_snapshot,
			current_section_index, current_question_index, current_section_started_at,
			answered_questions, skipped_questions, completed_sections,
			review_phase, is_connected, grace_period_expired, section_time_used,
			requires_manual_submission, started_at, version
		 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, 1)
		 RETURNING version, created_at, updated_at`,
		s.ID, s.TestID, s.UserID, s.OrganizationID, s.AttemptNumber, s.Status, s.Snapshot,
		s.CurrentSectionIndex, s.CurrentQuestionIndex, s.CurrentSectionStartedAt,
		nonNil(s.AnsweredQuestions), nonNil(s.SkippedQuestions), nonNil(s.CompletedSections),
		s.ReviewPhase, s.IsConnected, s.GracePeriodExpired, s.SectionTimeUsed,
		s.RequiresManualSubmission, s.StartedAt,
	).Scan(&s.Version, &s.CreatedAt, &s.UpdatedAt)
	return translateError(err)
}

// Update writes the full mutable state of a session, guarded by its version.
func (r *SessionRepository) Update(ctx context.Context, s *model.Session) error {
	err := r.db.QueryRow(ctx,
		`UPDATE exam_sessions SET
			status = $2, test_snapshot = $3,
			current_section_index = $4, current_question_index = $5, current_section_started_at = $6,
			answered_questions = $7, skipped_questions = $8, completed_sections = $9,
			review_phase = $10, review_started_at = $11,
			is_connected = $12, disconnected_at = $13, grace_period_expired = $14,
			section_time_used = $15, final_score = $16, requires_manual_submission = $17,
			completed_at = $18, version = version + 1, updated_at = $19
		 WHERE id = $1 AND version = $20
		 RETURNING version, updated_at`,
		s.ID, s.Status, s.Snapshot,
		s.CurrentSectionIndex, s.CurrentQuestionIndex, s.CurrentSectionStartedAt,
		nonNil(s.AnsweredQuestions), nonNil(s.SkippedQuestions), nonNil(s.CompletedSections),
		s.ReviewPhase, s.ReviewStartedAt,
		s.IsConnected, s.DisconnectedAt, s.GracePeriodExpired,
		s.SectionTimeUsed, s.FinalScore, s.RequiresManualSubmission,
		s.CompletedAt, time.Now(), s.Version,
	).Scan(&s.Version, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrVersionConflict
	}
	return translateError(err)
}

func nonNil(v []int) []int {
	if v == nil {
		return []int{}
	}
	return v
}
