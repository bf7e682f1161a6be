// Package apperror provides domain-specific error types for Warden.
// These errors carry an HTTP status code and a user-safe message. The Echo
// error handler maps them to appropriate HTTP responses automatically.
//
// NEVER return raw database or infrastructure errors to the client. Always
// wrap them in an apperror type or return a generic internal error.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError is the base error type for all domain errors. It carries an
// HTTP status code, a machine-readable error type, and a human-readable
// message safe to show to the client.
type AppError struct {
	// Code is the HTTP status code (e.g., 401, 409, 500).
	Code int `json:"-"`

	// Type is a machine-readable error classifier (e.g., "mfa_failed").
	Type string `json:"type"`

	// Message is a human-readable description safe for the client.
	Message string `json:"message"`

	// Internal holds the underlying error for logging. Never exposed to client.
	Internal error `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Internal != nil {
		return fmt.Sprintf("%s: %s (internal: %v)", e.Type, e.Message, e.Internal)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *AppError) Unwrap() error {
	return e.Internal
}

// Is lets errors.Is match two AppErrors by their Type classifier, so callers
// can compare against a constructor result without caring about the message.
func (e *AppError) Is(target error) bool {
	var other *AppError
	if !errors.As(target, &other) {
		return false
	}
	return e.Type == other.Type
}

// genericCredentialMessage is the single message returned for every
// credential failure. Unknown mail, wrong password, and blocked accounts
// must be indistinguishable to the caller, otherwise login becomes an
// account-enumeration oracle.
const genericCredentialMessage = "invalid credentials"

// --- Constructors, one per failure class ---

// NewValidation creates a 400 error for malformed or policy-violating input.
// Validation failures are reported immediately and cause no state change.
func NewValidation(message string) *AppError {
	return &AppError{
		Code:    http.StatusBadRequest,
		Type:    "validation_failed",
		Message: message,
	}
}

// NewAuthFailed creates the generic 401 credential failure. The real reason
// (unknown mail, wrong password, blocked account) is passed as internal so
// it reaches the server log but never the client.
func NewAuthFailed(internal error) *AppError {
	return &AppError{
		Code:     http.StatusUnauthorized,
		Type:     "authentication_failed",
		Message:  genericCredentialMessage,
		Internal: internal,
	}
}

// NewMfaFailed creates a 401 error for a wrong, expired, or missing second
// factor code. Distinguishable from NewAuthFailed only inside an established
// two-factor-waiting session, where the password is already proven.
func NewMfaFailed() *AppError {
	return &AppError{
		Code:    http.StatusUnauthorized,
		Type:    "mfa_failed",
		Message: "invalid or expired code",
	}
}

// NewSessionInvalid creates a 401 error for an expired, missing, or revoked
// session token. The caller must restart at logged-out.
func NewSessionInvalid() *AppError {
	return &AppError{
		Code:    http.StatusUnauthorized,
		Type:    "session_invalid",
		Message: "session expired or invalid",
	}
}

// NewInvalidTransition creates a 409 error for an operation attempted from a
// login state that disallows it (e.g., submitting an MFA code while
// logged-out, or re-running onboarding for an onboarded principal).
func NewInvalidTransition(message string) *AppError {
	return &AppError{
		Code:    http.StatusConflict,
		Type:    "invalid_transition",
		Message: message,
	}
}

// NewNotFound creates a 404 Not Found error.
func NewNotFound(message string) *AppError {
	return &AppError{
		Code:    http.StatusNotFound,
		Type:    "not_found",
		Message: message,
	}
}

// NewForbidden creates a 403 Forbidden error.
func NewForbidden(message string) *AppError {
	return &AppError{
		Code:    http.StatusForbidden,
		Type:    "forbidden",
		Message: message,
	}
}

// NewDependency creates a 503 error for an unreachable or timed-out
// collaborator (database, Redis, mail delivery). Safe for the caller to
// retry without re-entering earlier steps; never treated as success.
func NewDependency(internal error) *AppError {
	return &AppError{
		Code:     http.StatusServiceUnavailable,
		Type:     "dependency_unavailable",
		Message:  "a required service is temporarily unavailable, please retry",
		Internal: internal,
	}
}

// NewInternal creates a 500 Internal Server Error. The real error is stored
// in Internal for logging but the client only sees a generic message.
func NewInternal(err error) *AppError {
	return &AppError{
		Code:     http.StatusInternalServerError,
		Type:     "internal_error",
		Message:  "An unexpected error occurred. Please try again.",
		Internal: err,
	}
}

// --- Wire helpers ---

// Payload builds the client-facing error body. Every error response shares
// the shape {message, status, statusText} regardless of where it originated.
func Payload(err error) (int, map[string]any) {
	code := http.StatusInternalServerError
	message := "an unexpected error occurred"

	var appErr *AppError
	if errors.As(err, &appErr) {
		code = appErr.Code
		message = appErr.Message
	}

	return code, map[string]any{
		"message":    message,
		"status":     code,
		"statusText": http.StatusText(code),
	}
}

// SafeMessage returns the client-safe error message from an error. For any
// non-AppError type, returns a generic message to prevent leaking internal
// details like table names, query structure, or stack traces.
func SafeMessage(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return "an unexpected error occurred"
}
