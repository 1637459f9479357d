package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

// classify maps an engine error to its HTTP status and error code.
func classify(err error) (int, response.ErrCode) {
	switch {
	case errors.Is(err, service.ErrConflict):
		return http.StatusConflict, response.ErrSessionExists
	case errors.Is(err, service.ErrExpired):
		return http.StatusGone, response.ErrSessionExpired
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound, response.ErrNotFound
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden, response.ErrForbidden
	case errors.Is(err, service.ErrAttemptLimitExceeded):
		return http.StatusForbidden, response.ErrAttemptLimitExceeded
	case errors.Is(err, service.ErrInvalidState):
		return http.StatusConflict, response.ErrInvalidSessionState
	case errors.Is(err, service.ErrInvalidInput):
		return http.StatusBadRequest, response.ErrValidation
	case errors.Is(err, service.ErrGradingFailure):
		return http.StatusBadGateway, response.ErrGradingFailure
	default:
		return http.StatusInternalServerError, response.ErrInternal
	}
}

// failFromService writes an engine error onto the response envelope.
func failFromService(c *gin.Context, log zerolog.Logger, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.FullPath()).Msg("Engine request failed")
	}

	var conflict *service.ConflictError
	var expired *service.ExpiredError
	switch {
	case errors.As(err, &conflict):
		response.FailWithData(c, status, code, gin.H{"existing_session": conflict.Existing})
	case errors.As(err, &expired) && expired.Result != nil:
		response.FailWithData(c, status, code, gin.H{"result": expired.Result})
	case code == response.ErrInvalidSessionState || code == response.ErrValidation:
		response.FailWithMessage(c, status, code, err.Error())
	default:
		response.Fail(c, status, code)
	}
}
