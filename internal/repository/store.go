package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-proctor/internal/model"
)

var (
	ErrNotFound            = errors.New("record not found")
	ErrActiveSessionExists = errors.New("an active session already exists for this user and test")
	ErrResultExists        = errors.New("a result already exists for this session")
	ErrVersionConflict     = errors.New("session was modified concurrently")
)

const (
	uniqueViolation        = "23505"
	activeSessionIndexName = "exam_sessions_one_active_idx"
	resultSessionIndexName = "exam_results_session_id_key"
)

// DBTX is the query surface shared by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Tx is the set of operations available inside one store transaction.
// GetSessionForUpdate holds a row lock until the transaction ends.
type Tx interface {
	GetSessionForUpdate(ctx context.Context, id uuid.UUID) (*model.Session, error)
	FindActiveSession(ctx context.Context, userID, testID uuid.UUID) (*model.Session, error)
	CreateSession(ctx context.Context, s *model.Session) error
	UpdateSession(ctx context.Context, s *model.Session) error
	CountTerminalAttempts(ctx context.Context, userID, testID uuid.UUID) (int, error)
	InsertResult(ctx context.Context, r *model.Result) error
	GetResultBySession(ctx context.Context, sessionID uuid.UUID) (*model.Result, error)
	UpdateTestStatistics(ctx context.Context, testID uuid.UUID, percentage float64, passed bool) error
}

// PostgresStore is the durable store for sessions, tests and results.
type PostgresStore struct {
	pool     *pgxpool.Pool
	sessions *SessionRepository
	tests    *TestRepository
	results  *ResultRepository
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{
		pool:     pool,
		sessions: NewSessionRepository(pool),
		tests:    NewTestRepository(pool),
		results:  NewResultRepository(pool),
	}
}

// InTx runs fn inside a transaction, committing when fn returns nil.
func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(newPgTx(tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, id uuid.UUID) (*model.Session, error) {
	return s.sessions.GetByID(ctx, id)
}

func (s *PostgresStore) FindActiveSession(ctx context.Context, userID, testID uuid.UUID) (*model.Session, error) {
	return s.sessions.FindActive(ctx, userID, testID)
}

func (s *PostgresStore) ListActiveSessionsByUser(ctx context.Context, userID uuid.UUID) ([]model.Session, error) {
	return s.sessions.ListActiveByUser(ctx, userID)
}

func (s *PostgresStore) ListNonTerminalSessions(ctx context.Context, after uuid.UUID, limit int) ([]model.Session, error) {
	return s.sessions.ListNonTerminal(ctx, after, limit)
}

func (s *PostgresStore) GetTest(ctx context.Context, id uuid.UUID) (*model.Test, error) {
	return s.tests.GetWithQuestions(ctx, id)
}

func (s *PostgresStore) GetResultBySession(ctx context.Context, sessionID uuid.UUID) (*model.Result, error) {
	return s.results.GetBySession(ctx, sessionID)
}

// pgTx binds the repositories to one pgx transaction.
type pgTx struct {
	sessions *SessionRepository
	tests    *TestRepository
	results  *ResultRepository
}

func newPgTx(tx pgx.Tx) *pgTx {
	return &pgTx{
		sessions: NewSessionRepository(tx),
		tests:    NewTestRepository(tx),
		results:  NewResultRepository(tx),
	}
}

func (t *pgTx) GetSessionForUpdate(ctx context.Context, id uuid.UUID) (*model.Session, error) {
	return t.sessions.GetForUpdate(ctx, id)
}

func (t *pgTx) FindActiveSession(ctx context.Context, userID, testID uuid.UUID) (*model.Session, error) {
	return t.sessions.FindActive(ctx, userID, testID)
}

func (t *pgTx) CreateSession(ctx context.Context, s *model.Session) error {
	return t.sessions.Create(ctx, s)
}

func (t *pgTx) UpdateSession(ctx context.Context, s *model.Session) error {
	return t.sessions.Update(ctx, s)
}

func (t *pgTx) CountTerminalAttempts(ctx context.Context, userID, testID uuid.UUID) (int, error) {
	return t.sessions.CountTerminal(ctx, userID, testID)
}

func (t *pgTx) InsertResult(ctx context.Context, r *model.Result) error {
	return t.results.Insert(ctx, r)
}

func (t *pgTx) GetResultBySession(ctx context.Context, sessionID uuid.UUID) (*model.Result, error) {
	return t.results.GetBySession(ctx, sessionID)
}

func (t *pgTx) UpdateTestStatistics(ctx context.Context, testID uuid.UUID, percentage float64, passed bool) error {
	return t.tests.RecordAttempt(ctx, testID, percentage, passed)
}

// translateError maps driver errors onto the repository sentinels.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		switch pgErr.ConstraintName {
		case activeSessionIndexName:
			return ErrActiveSessionExists
		case resultSessionIndexName:
			return ErrResultExists
		}
	}
	return err
}
