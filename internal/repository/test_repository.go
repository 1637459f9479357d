package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// TestRepository handles test definition data access.
type TestRepository struct {
	db DBTX
}

// NewTestRepository creates a new TestRepository.
func NewTestRepository(db DBTX) *TestRepository {
	return &TestRepository{db: db}
}

// GetByID retrieves a test definition without its questions.
func (r *TestRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Test, error) {
	t := &model.Test{}
	err := r.db.QueryRow(ctx,
		`SELECT id, organization_id, title, status, time_limit_seconds, passing_score, max_attempts,
		        shuffle_questions, allowed_roles, available_from, available_until,
		        attempt_count, average_score, pass_count, pass_rate, created_at, updated_at
		 FROM tests WHERE id = $1`, id,
	).Scan(&t.ID, &t.OrganizationID, &t.Title, &t.Status, &t.TimeLimitSeconds, &t.PassingScore, &t.MaxAttempts,
		&t.ShuffleQuestions, &t.AllowedRoles, &t.AvailableFrom, &t.AvailableUntil,
		&t.AttemptCount, &t.AverageScore, &t.PassCount, &t.PassRate, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, translateError(err)
	}
	return t, nil
}

// GetWithQuestions retrieves a test with its sections and ordered questions.
// Questions of a sectioned test are attached to their section; otherwise to the test.
func (r *TestRepository) GetWithQuestions(ctx context.Context, id uuid.UUID) (*model.Test, error) {
	t, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	rows, err := r.db.Query(ctx,
		`SELECT id, title, order_num, time_limit_seconds
		 FROM test_sections WHERE test_id = $1
		 ORDER BY order_num`, id)
	if err != nil {
		return nil, fmt.Errorf("list sections: %w", err)
	}
	sectionPos := make(map[uuid.UUID]int)
	for rows.Next() {
		var sec model.Section
		if err := rows.Scan(&sec.ID, &sec.Title, &sec.OrderNum, &sec.TimeLimitSeconds); err != nil {
			rows.Close()
			return nil, err
		}
		sectionPos[sec.ID] = len(t.Sections)
		t.Sections = append(t.Sections, sec)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = r.db.Query(ctx,
		`SELECT q.id, q.section_id, q.type, q.category, q.prompt, q.points, q.order_num, q.definition
		 FROM questions q
		 LEFT JOIN test_sections s ON s.id = q.section_id
		 WHERE q.test_id = $1
		 ORDER BY s.order_num NULLS FIRST, q.order_num`, id)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			q         model.Question
			sectionID *uuid.UUID
			category  *string
			def       model.QuestionDefinition
		)
		if err := rows.Scan(&q.ID, &sectionID, &q.Type, &category, &q.Prompt, &q.Points, &q.OrderNum, &def); err != nil {
			return nil, err
		}
		if category != nil {
			q.Category = model.QuestionCategory(*category)
		}
		q.Options = def.Options
		q.CorrectAnswer = def.CorrectAnswer
		q.Blanks = def.Blanks
		q.TestCases = def.TestCases
		q.Language = def.Language
		q.Runtime = def.Runtime
		q.EntryFunction = def.EntryFunction
		q.StarterCode = def.StarterCode
		q.TimeoutMs = def.TimeoutMs

		if sectionID != nil {
			if pos, ok := sectionPos[*sectionID]; ok {
				t.Sections[pos].Questions = append(t.Sections[pos].Questions, q)
				continue
			}
		}
		t.Questions = append(t.Questions, q)
	}
	return t, rows.Err()
}

// RecordAttempt folds one finalized attempt into the running statistics of a test.
func (r *TestRepository) RecordAttempt(ctx context.Context, testID uuid.UUID, percentage float64, passed bool) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE tests SET
			average_score = (average_score * attempt_count + $2) / (attempt_count + 1),
			pass_count = pass_count + CASE WHEN $3 THEN 1 ELSE 0 END,
			pass_rate = (pass_count + CASE WHEN $3 THEN 1 ELSE 0 END)::float8 * 100 / (attempt_count + 1),
			attempt_count = attempt_count + 1,
			updated_at = NOW()
		 WHERE id = $1`,
		testID, percentage, passed)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
