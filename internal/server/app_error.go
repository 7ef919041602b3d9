package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/IvanBrykalov/tierstore/cache"
	"github.com/IvanBrykalov/tierstore/persist"
	"github.com/IvanBrykalov/tierstore/policy/migration"
)

// AppError is an error with an HTTP status and a stable machine code.
type AppError struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Meta    any    `json:"meta,omitempty"`
}

const (
	CodeBadRequest    = "BAD_REQUEST"
	CodeNotFound      = "NOT_FOUND"
	CodeInternalError = "INTERNAL_ERROR"
	CodeInvalidJSON   = "INVALID_JSON"
	CodeTimeout       = "TIMEOUT"
	CodeCanceled      = "CANCELED"
	CodeConflict      = "CONFLICT"
	CodeUnavailable   = "UNAVAILABLE"
)

func (e *AppError) Error() string { return e.Code + ": " + e.Message }

// NewAppError builds an AppError.
func NewAppError(status int, code, message string, meta any) *AppError {
	return &AppError{Status: status, Code: code, Message: message, Meta: meta}
}

func BadRequest(msg string) *AppError {
	return NewAppError(http.StatusBadRequest, CodeBadRequest, msg, nil)
}

func NotFound(msg string) *AppError {
	return NewAppError(http.StatusNotFound, CodeNotFound, msg, nil)
}

func Internal(msg string) *AppError {
	return NewAppError(http.StatusInternalServerError, CodeInternalError, msg, nil)
}

func InvalidJSON(msg string) *AppError {
	return NewAppError(http.StatusBadRequest, CodeInvalidJSON, msg, nil)
}

// FromStdError maps domain errors onto AppErrors.
func FromStdError(err error) *AppError {
	if err == nil {
		return nil
	}
	var app *AppError
	if errors.As(err, &app) {
		return app
	}
	var lock *persist.OptimisticLockError
	switch {
	case errors.As(err, &lock):
		return NewAppError(http.StatusConflict, CodeConflict, "version mismatch", map[string]int64{
			"expected": lock.Expected,
			"actual":   lock.Actual,
		})
	case errors.Is(err, persist.ErrConcurrentModification):
		return NewAppError(http.StatusConflict, CodeConflict, "concurrent modification", nil)
	case errors.Is(err, persist.ErrNotFound), errors.Is(err, cache.ErrNotFound):
		return NotFound("not found")
	case errors.Is(err, migration.ErrInvalidMigrationPath):
		return BadRequest(err.Error())
	case errors.Is(err, persist.ErrClosed), errors.Is(err, cache.ErrClosed), errors.Is(err, persist.ErrFallbackActive):
		return NewAppError(http.StatusServiceUnavailable, CodeUnavailable, err.Error(), nil)
	case errors.Is(err, context.Canceled):
		return NewAppError(http.StatusRequestTimeout, CodeCanceled, "request canceled", nil)
	case errors.Is(err, context.DeadlineExceeded):
		return NewAppError(http.StatusRequestTimeout, CodeTimeout, "request timeout", nil)
	default:
		return Internal("unexpected error")
	}
}

type successEnvelope struct {
	Data any `json:"data"`
}

type errorEnvelope struct {
	Err *AppError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeSuccess(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, successEnvelope{Data: data})
}

func writeError(w http.ResponseWriter, err error) {
	app := FromStdError(err)
	writeJSON(w, app.Status, errorEnvelope{Err: app})
}

// handlerFunc is an http handler that reports failures as errors.
type handlerFunc func(w http.ResponseWriter, r *http.Request) error

func wrap(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h(w, r); err != nil {
			writeError(w, err)
		}
	}
}
