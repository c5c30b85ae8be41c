// Package handler exposes the channel lifecycle over JSON/HTTP.
//
// Handlers decode the request, call one service method and encode the result.
// They never touch a repository, and all error-to-status mapping lives in
// writeError.
package handler

// CONSISTENT ERROR FORMAT:
// Every error response has the same shape:
//
//	{"error": "validation_error", "message": "path is not a valid email address", "field": "path"}
//
// "field" is only present for errors tied to one input.

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/sakif/channel-lifecycle/internal/apperror"
	"github.com/sakif/channel-lifecycle/internal/service"
)

// maxBodyBytes caps request bodies. Bounce details are the largest payloads we take.
const maxBodyBytes = 1 << 20

// ErrorResponse is the standard error format returned by all API endpoints.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			// Headers are already sent; all we can do is log.
			slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
		}
	}
}

// decodeJSON reads a size-limited JSON body into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return apperror.ValidationFailed("body", "invalid JSON body")
	}
	return nil
}

// writeError maps a service error to an HTTP status and sends it.
//
// ERROR MAPPING:
//
//	ErrValidation        → 400
//	ErrInvalidLogin      → 401
//	ErrForbidden         → 403
//	ErrNotFound          → 404
//	ErrConflict          → 409
//	ErrInvalidTransition → 409
//	ErrSuppressed        → 409
//	ErrLimitExceeded     → 429
//	ErrUpstreamDelivery  → 502 (the state change was kept)
func writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, service.ErrInvalidLogin) {
		writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "unauthorized", Message: err.Error()})
		return
	}

	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		status := http.StatusInternalServerError
		errorType := "internal_error"

		switch {
		case errors.Is(err, apperror.ErrValidation):
			status, errorType = http.StatusBadRequest, "validation_error"
		case errors.Is(err, apperror.ErrNotFound):
			status, errorType = http.StatusNotFound, "not_found"
		case errors.Is(err, apperror.ErrForbidden):
			status, errorType = http.StatusForbidden, "forbidden"
		case errors.Is(err, apperror.ErrConflict):
			status, errorType = http.StatusConflict, "conflict"
		case errors.Is(err, apperror.ErrInvalidTransition):
			status, errorType = http.StatusConflict, "invalid_transition"
		case errors.Is(err, apperror.ErrSuppressed):
			status, errorType = http.StatusConflict, "suppressed"
		case errors.Is(err, apperror.ErrLimitExceeded):
			status, errorType = http.StatusTooManyRequests, "limit_exceeded"
		case errors.Is(err, apperror.ErrUpstreamDelivery):
			status, errorType = http.StatusBadGateway, "upstream_delivery_failure"
		}

		writeJSON(w, status, ErrorResponse{
			Error:   errorType,
			Message: appErr.Message,
			Field:   appErr.Field,
		})
		return
	}

	// Never expose internal error details; they may contain SQL or file paths.
	slog.Error("unhandled error", slog.String("error", err.Error()))
	writeJSON(w, http.StatusInternalServerError, ErrorResponse{
		Error:   "internal_error",
		Message: "An internal error occurred",
	})
}
