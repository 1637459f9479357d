package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// ResultRepository handles exam result data access. Results are insert-only.
type ResultRepository struct {
	db DBTX
}

// NewResultRepository creates a new ResultRepository.
func NewResultRepository(db DBTX) *ResultRepository {
	return &ResultRepository{db: db}
}

// Insert stores a result. A second result for the same session yields ErrResultExists.
func (r *ResultRepository) Insert(ctx context.Context, res *model.Result) error {
	if res.ID == uuid.Nil {
		res.ID = uuid.New()
	}
	err := r.db.QueryRow(ctx,
		`INSERT INTO exam_results (id, session_id, test_id, user_id, organization_id, attempt_number,
		                           session_status, score, answers)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING created_at`,
		res.ID, res.SessionID, res.TestID, res.UserID, res.OrganizationID, res.AttemptNumber,
		res.SessionStatus, res.Score, res.Answers,
	).Scan(&res.CreatedAt)
	return translateError(err)
}

// GetBySession retrieves the result of a session.
func (r *ResultRepository) GetBySession(ctx context.Context, sessionID uuid.UUID) (*model.Result, error) {
	res := &model.Result{}
	err := r.db.QueryRow(ctx,
		`SELECT id, session_id, test_id, user_id, organization_id, attempt_number,
		        session_status, score, answers, created_at
		 FROM exam_results WHERE session_id = $1`, sessionID,
	).Scan(&res.ID, &res.SessionID, &res.TestID, &res.UserID, &res.OrganizationID, &res.AttemptNumber,
		&res.SessionStatus, &res.Score, &res.Answers, &res.CreatedAt)
	if err != nil {
		return nil, translateError(err)
	}
	return res, nil
}
