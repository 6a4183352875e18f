package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error represents a typed domain error with HTTP awareness. Upstream catalog
// and archive rejections are normalised into this type; plain transport I/O
// failures are deliberately left untyped so callers can tell them apart.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
	Err     error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// New creates a new Error instance.
func New(code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message}
}

// Wrap attaches context to an existing error.
func Wrap(err error, code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message, Err: err}
}

// Predefined errors for common scenarios.
var (
	ErrValidation = New("BAD_REQUEST", http.StatusBadRequest, "bad request")
	ErrNotFound   = New("NOT_FOUND", http.StatusNotFound, "resource not found")
	ErrForbidden  = New("FORBIDDEN", http.StatusForbidden, "forbidden")
	ErrInternal   = New("INTERNAL_ERROR", http.StatusInternalServerError, "internal server error")
	ErrCacheMiss  = New("CACHE_MISS", http.StatusNotFound, "cache miss")
)

// FromError normalises any error into an *Error.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(err, ErrInternal.Code, ErrInternal.Status, ErrInternal.Message)
}

// IsServiceError reports whether err is a structured service rejection rather
// than a transport-level failure. The scheduler expires downloads only for
// service errors and retries everything else.
func IsServiceError(err error) bool {
	var e *Error
	return errors.As(err, &e)
}

// Clone returns a copy of the error allowing for message overrides.
func Clone(err *Error, message string) *Error {
	if err == nil {
		return nil
	}
	clone := *err
	if message != "" {
		clone.Message = message
	}
	return &clone
}

// FromStatus maps an upstream HTTP status to one of the predefined errors.
func FromStatus(status int, message string) *Error {
	switch {
	case status == http.StatusNotFound:
		return Clone(ErrNotFound, message)
	case status == http.StatusForbidden:
		return Clone(ErrForbidden, message)
	case status >= http.StatusBadRequest && status < http.StatusInternalServerError:
		return Clone(ErrValidation, message)
	default:
		return Clone(ErrInternal, message)
	}
}
