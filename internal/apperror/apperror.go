// Package apperror defines the errors the service layer hands back to callers.
//
// Every error is an *AppError wrapping one of the sentinels below, so callers
// branch with errors.Is (what kind of failure?) and read Message/Field for
// the human-readable part. Nothing here is fatal; the worst case is a
// rejected operation with an explanation.
package apperror

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrValidation        = errors.New("Validation Error")
	ErrConflict          = errors.New("conflict")
	ErrForbidden         = errors.New("forbidden")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrLimitExceeded     = errors.New("limit exceeded")
	ErrSuppressed        = errors.New("suppressed")
	ErrUpstreamDelivery  = errors.New("upstream delivery failure")
)

type AppError struct {
	Err     error  // sentinel, matched with errors.Is
	Message string // Human-readable error message
	Field   string // Optional: field causing the error
	Cause   error  // Optional: underlying error from a collaborator
}

func (e *AppError) Error() string {
	return e.Message
}

// Unwrap exposes both the sentinel and the collaborator cause to errors.Is/As.
func (e *AppError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}

func NotFound(resource, id string) *AppError {
	return &AppError{
		Err:     ErrNotFound,
		Message: fmt.Sprintf("%s not found with id %s", resource, id),
	}
}

func ValidationFailed(field, message string) *AppError {
	return &AppError{
		Err:     ErrValidation,
		Message: message,
		Field:   field,
	}
}

func Conflict(resource, id string) *AppError {
	return &AppError{
		Err:     ErrConflict,
		Message: fmt.Sprintf("%s conflict with id %s", resource, id),
	}
}

// Forbidden returns an AppError indicating the caller lacks permission.
// HTTP handlers map this to 403 Forbidden.
func Forbidden(message string) *AppError {
	return &AppError{
		Err:     ErrForbidden,
		Message: message,
	}
}

// InvalidTransition reports an event that is not legal from the current state.
func InvalidTransition(message string) *AppError {
	return &AppError{
		Err:     ErrInvalidTransition,
		Message: message,
		Field:   "workflowState",
	}
}

// LimitExceeded reports that a bounded counter has run out.
func LimitExceeded(field, message string) *AppError {
	return &AppError{
		Err:     ErrLimitExceeded,
		Message: message,
		Field:   field,
	}
}

// Suppressed reports a send refused because the destination is bouncing.
func Suppressed(message string) *AppError {
	return &AppError{
		Err:     ErrSuppressed,
		Message: message,
	}
}

// UpstreamDelivery reports that the notification dispatcher failed.
// Any state change made before the dispatch attempt has already been kept.
func UpstreamDelivery(message string, cause error) *AppError {
	return &AppError{
		Err:     ErrUpstreamDelivery,
		Message: message,
		Cause:   cause,
	}
}
