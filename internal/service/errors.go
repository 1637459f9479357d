package service

import (
	"errors"
	"fmt"

	"github.com/stemsi/exstem-proctor/internal/model"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrForbidden            = errors.New("forbidden")
	ErrConflict             = errors.New("an active session already exists")
	ErrInvalidState         = errors.New("action not valid in the current session state")
	ErrAttemptLimitExceeded = errors.New("attempt limit exceeded")
	ErrExpired              = errors.New("session time has elapsed")
	ErrGradingFailure       = errors.New("grading failed")
	ErrInvalidInput         = errors.New("invalid input")
)

// ConflictError carries the resumable session that blocked a new start.
type ConflictError struct {
	Existing model.SessionSummary
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: session %s", ErrConflict, e.Existing.SessionID)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// ExpiredError carries the result produced when an expired session was finalized on touch.
type ExpiredError struct {
	Result *model.Result
}

func (e *ExpiredError) Error() string { return ErrExpired.Error() }

func (e *ExpiredError) Is(target error) bool { return target == ErrExpired }

func invalidState(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidState, fmt.Sprintf(format, args...))
}

func invalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
