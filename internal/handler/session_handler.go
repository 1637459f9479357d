package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
)

// SessionEngine is the exam session surface the transport layer drives.
type SessionEngine interface {
	CheckRejoinRequest(ctx context.Context, actor service.Actor) (*service.RejoinCheck, error)
	CreateSession(ctx context.Context, testID uuid.UUID, actor service.Actor, forceNew bool) (*service.SessionView, error)
	RejoinSession(ctx context.Context, sessionID uuid.UUID, actor service.Actor) (*service.SessionView, error)
	GetCurrentQuestion(ctx context.Context, sessionID uuid.UUID, actor service.Actor) (*service.QuestionView, error)
	SubmitAnswer(ctx context.Context, sessionID uuid.UUID, actor service.Actor, in service.AnswerInput) (*service.TransitionResult, error)
	SkipQuestion(ctx context.Context, sessionID uuid.UUID, actor service.Actor, questionIndex *int) (*service.TransitionResult, error)
	SubmitSection(ctx context.Context, sessionID uuid.UUID, actor service.Actor) (*service.TransitionResult, error)
	StartReview(ctx context.Context, sessionID uuid.UUID, actor service.Actor) (*service.TransitionResult, error)
	NavigateToQuestion(ctx context.Context, sessionID uuid.UUID, actor service.Actor, idx int) (*service.QuestionView, error)
	SubmitTest(ctx context.Context, sessionID uuid.UUID, actor service.Actor) (*service.TransitionResult, error)
	AbandonSession(ctx context.Context, sessionID uuid.UUID, actor service.Actor) (*model.Result, error)
	Sync(ctx context.Context, sessionID uuid.UUID, actor service.Actor) (*service.SyncView, error)
	GetResult(ctx context.Context, sessionID uuid.UUID, actor service.Actor) (*model.Result, error)
	HandleConnect(ctx context.Context, sessionID uuid.UUID, actor service.Actor) error
	HandleDisconnect(ctx context.Context, sessionID uuid.UUID) error
}

// SessionHandler serves the student exam session endpoints.
type SessionHandler struct {
	engine SessionEngine
	log    zerolog.Logger
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(engine SessionEngine, log zerolog.Logger) *SessionHandler {
	return &SessionHandler{
		engine: engine,
		log:    log.With().Str("component", "session_handler").Logger(),
	}
}

// CheckActive godoc
// GET /api/v1/student/sessions/active
// Tells the client whether there is a session to resume.
func (h *SessionHandler) CheckActive(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}

	check, err := h.engine.CheckRejoinRequest(c.Request.Context(), actor)
	if err != nil {
		failFromService(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, check)
}

// Start godoc
// POST /api/v1/student/tests/:test_id/sessions
// Starts an attempt. With force_new an existing resumable session is closed first.
func (h *SessionHandler) Start(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	testID, err := uuid.Parse(c.Param("test_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	var req model.StartSessionRequest
	if !bindOptional(c, &req) {
		return
	}

	view, err := h.engine.CreateSession(c.Request.Context(), testID, actor, req.ForceNew)
	if err != nil {
		failFromService(c, h.log, err)
		return
	}
	response.Success(c, http.StatusCreated, view)
}

// Rejoin godoc
// POST /api/v1/student/sessions/:id/rejoin
func (h *SessionHandler) Rejoin(c *gin.Context) {
	h.withSession(c, func(ctx context.Context, id uuid.UUID, actor service.Actor) (any, error) {
		return h.engine.RejoinSession(ctx, id, actor)
	})
}

// CurrentQuestion godoc
// GET /api/v1/student/sessions/:id/question
func (h *SessionHandler) CurrentQuestion(c *gin.Context) {
	h.withSession(c, func(ctx context.Context, id uuid.UUID, actor service.Actor) (any, error) {
		return h.engine.GetCurrentQuestion(ctx, id, actor)
	})
}

// Answer godoc
// POST /api/v1/student/sessions/:id/answer
// Records the answer to the current question and advances. Correctness is never returned.
func (h *SessionHandler) Answer(c *gin.Context) {
	var req model.SubmitAnswerRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}
	h.withSession(c, func(ctx context.Context, id uuid.UUID, actor service.Actor) (any, error) {
		return h.engine.SubmitAnswer(ctx, id, actor, service.AnswerInput{
			QuestionIndex: req.QuestionIndex,
			Answer:        req.Answer,
		})
	})
}

// Skip godoc
// POST /api/v1/student/sessions/:id/skip
func (h *SessionHandler) Skip(c *gin.Context) {
	var req model.SkipQuestionRequest
	if !bindOptional(c, &req) {
		return
	}
	h.withSession(c, func(ctx context.Context, id uuid.UUID, actor service.Actor) (any, error) {
		return h.engine.SkipQuestion(ctx, id, actor, req.QuestionIndex)
	})
}

// SubmitSection godoc
// POST /api/v1/student/sessions/:id/submit-section
func (h *SessionHandler) SubmitSection(c *gin.Context) {
	h.withSession(c, func(ctx context.Context, id uuid.UUID, actor service.Actor) (any, error) {
		return h.engine.SubmitSection(ctx, id, actor)
	})
}

// StartReview godoc
// POST /api/v1/student/sessions/:id/review/start
func (h *SessionHandler) StartReview(c *gin.Context) {
	h.withSession(c, func(ctx context.Context, id uuid.UUID, actor service.Actor) (any, error) {
		return h.engine.StartReview(ctx, id, actor)
	})
}

// Navigate godoc
// POST /api/v1/student/sessions/:id/review/navigate
func (h *SessionHandler) Navigate(c *gin.Context) {
	var req model.NavigateRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}
	h.withSession(c, func(ctx context.Context, id uuid.UUID, actor service.Actor) (any, error) {
		return h.engine.NavigateToQuestion(ctx, id, actor, *req.QuestionIndex)
	})
}

// Submit godoc
// POST /api/v1/student/sessions/:id/submit
func (h *SessionHandler) Submit(c *gin.Context) {
	h.withSession(c, func(ctx context.Context, id uuid.UUID, actor service.Actor) (any, error) {
		return h.engine.SubmitTest(ctx, id, actor)
	})
}

// Abandon godoc
// POST /api/v1/student/sessions/:id/abandon
func (h *SessionHandler) Abandon(c *gin.Context) {
	h.withSession(c, func(ctx context.Context, id uuid.UUID, actor service.Actor) (any, error) {
		res, err := h.engine.AbandonSession(ctx, id, actor)
		if err != nil {
			return nil, err
		}
		return gin.H{"result": res}, nil
	})
}

// Sync godoc
// GET /api/v1/student/sessions/:id/sync
func (h *SessionHandler) Sync(c *gin.Context) {
	h.withSession(c, func(ctx context.Context, id uuid.UUID, actor service.Actor) (any, error) {
		return h.engine.Sync(ctx, id, actor)
	})
}

// Result godoc
// GET /api/v1/student/sessions/:id/result
func (h *SessionHandler) Result(c *gin.Context) {
	h.withSession(c, func(ctx context.Context, id uuid.UUID, actor service.Actor) (any, error) {
		return h.engine.GetResult(ctx, id, actor)
	})
}

func (h *SessionHandler) withSession(c *gin.Context, fn func(ctx context.Context, id uuid.UUID, actor service.Actor) (any, error)) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	data, err := fn(c.Request.Context(), id, actor)
	if err != nil {
		failFromService(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, data)
}

func actorFrom(c *gin.Context) (service.Actor, bool) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return service.Actor{}, false
	}
	return claims.Actor(), true
}

// bindOptional validates a body that clients may omit entirely.
func bindOptional(c *gin.Context, dst any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if fields := validator.Bind(c, dst); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return false
	}
	return true
}
