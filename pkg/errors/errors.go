// Package errors defines the sentinel errors shared by the pipeline and an
// AppError wrapper that carries the HTTP status returned by an upstream
// (the document store or the annotation service).
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrDocumentNotFound      = errors.New("document not found")
	ErrInvalidConfig         = errors.New("invalid configuration")
	ErrStoreUnavailable      = errors.New("document store unavailable")
	ErrAnnotationUnavailable = errors.New("annotation service unavailable")
	ErrUpstreamStatus        = errors.New("unexpected upstream status")
	ErrLeaseHeld             = errors.New("run lease held by another process")
	ErrTimeout               = errors.New("operation timed out")
)

type AppError struct {
	Err        error
	Message    string
	StatusCode int
}

func (e *AppError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (status %d): %s", e.Err.Error(), e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(sentinel error, statusCode int, message string) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    message,
		StatusCode: statusCode,
	}
}

func Newf(sentinel error, statusCode int, format string, args ...any) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    fmt.Sprintf(format, args...),
		StatusCode: statusCode,
	}
}

// StatusCode returns the upstream status recorded on err, or 0 when none was.
func StatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}
	if errors.Is(err, ErrDocumentNotFound) {
		return http.StatusNotFound
	}
	return 0
}

// IsRetryable reports whether a failed upstream call is worth repeating.
// Configuration errors and missing documents never are; any other upstream
// status or transport failure is.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrInvalidConfig), errors.Is(err, ErrDocumentNotFound):
		return false
	}
	return true
}
