// Package apierr centralizes the HTTP error taxonomy shared by every
// handler in internal/api: sentinel causes and the status code each maps
// to (spec §4.H "Error conventions: 400 for validation, 401/403 for auth,
// 404 for missing, 409 for state conflict, 429 for rate cap, 500 for
// unexpected").
package apierr

import (
	"errors"
	"net/http"
)

// Kind classifies a handler-level error into one of the spec's response
// buckets.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindUnauthorized
	KindForbidden
	KindNotFound
	KindConflict
	KindRateLimited
)

// Error wraps a cause with the Kind that determines its HTTP status.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error of the given kind around an existing cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Validation, Unauthorized, Forbidden, NotFound, Conflict, RateLimited are
// constructors for the common non-500 cases.
func Validation(message string) *Error   { return New(KindValidation, message) }
func Unauthorized(message string) *Error { return New(KindUnauthorized, message) }
func Forbidden(message string) *Error    { return New(KindForbidden, message) }
func NotFound(message string) *Error     { return New(KindNotFound, message) }
func Conflict(message string) *Error     { return New(KindConflict, message) }
func RateLimited(message string) *Error  { return New(KindRateLimited, message) }

// StatusCode maps an error (an *Error if present in its chain, else any
// error) onto the HTTP status the §4.H taxonomy prescribes.
func StatusCode(err error) int {
	var e *Error
	if errors.As(err, &e) {
		switch e.Kind {
		case KindValidation:
			return http.StatusBadRequest
		case KindUnauthorized:
			return http.StatusUnauthorized
		case KindForbidden:
			return http.StatusForbidden
		case KindNotFound:
			return http.StatusNotFound
		case KindConflict:
			return http.StatusConflict
		case KindRateLimited:
			return http.StatusTooManyRequests
		}
	}
	return http.StatusInternalServerError
}

// Body is the JSON shape every handler returns for a non-2xx response.
type Body struct {
	Error string `json:"error"`
}

// RespondBody builds the JSON body for err, unwrapping an *Error's
// message if present.
func RespondBody(err error) Body {
	var e *Error
	if errors.As(err, &e) {
		return Body{Error: e.Error()}
	}
	return Body{Error: err.Error()}
}
