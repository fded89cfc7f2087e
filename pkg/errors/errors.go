// Package errors defines the error taxonomy shared by every flAPI
// component. Components return *Error values upward; the request handler
// is the single point that converts them to HTTP or MCP responses.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error categories
const (
	// CategoryValidation is returned when request parameters fail validation
	CategoryValidation = "Validation"

	// CategoryAuthentication is returned when credentials are missing or invalid
	CategoryAuthentication = "Authentication"

	// CategoryAuthorization is returned when the caller lacks a required role
	CategoryAuthorization = "Authorization"

	// CategoryNotFound is returned for unknown endpoints or missing rows
	CategoryNotFound = "NotFound"

	// CategoryRateLimit is returned when the caller exceeded its request budget
	CategoryRateLimit = "RateLimit"

	// CategoryDatabase is returned when the embedded engine reports an error
	CategoryDatabase = "Database"

	// CategoryConfiguration is returned for structural configuration problems
	CategoryConfiguration = "Configuration"

	// CategoryInternal is returned for unexpected failures and recovered panics
	CategoryInternal = "Internal"
)

// FieldError describes a single parameter validation failure.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error represents an error in the application.
type Error struct {
	// Category is one of the Category* constants
	Category string

	// Message is the human-readable error message
	Message string

	// Details carries supplementary information, e.g. the engine's message
	Details string

	// Fields holds per-parameter failures for validation errors
	Fields []FieldError

	// RequestID identifies the request for internal errors
	RequestID string

	// Cause is the underlying error
	Cause error
}

// Error returns the error message.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Category, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// HTTPStatus maps the error category to its HTTP status code.
func (e *Error) HTTPStatus() int {
	switch e.Category {
	case CategoryValidation:
		return http.StatusBadRequest
	case CategoryAuthentication:
		return http.StatusUnauthorized
	case CategoryAuthorization:
		return http.StatusForbidden
	case CategoryNotFound:
		return http.StatusNotFound
	case CategoryRateLimit:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the client may usefully retry the request.
func (e *Error) Retryable() bool {
	return e.Category == CategoryRateLimit
}

// Response is the stable JSON wire shape for errors.
type Response struct {
	Success   bool         `json:"success"`
	Category  string       `json:"category"`
	Message   string       `json:"message"`
	Details   string       `json:"details,omitempty"`
	Errors    []FieldError `json:"errors,omitempty"`
	RequestID string       `json:"request_id,omitempty"`
}

// ToResponse converts the error into its wire shape.
func (e *Error) ToResponse() Response {
	return Response{
		Success:   false,
		Category:  e.Category,
		Message:   e.Message,
		Details:   e.Details,
		Errors:    e.Fields,
		RequestID: e.RequestID,
	}
}

// New creates a new error with the given category.
func New(category, message string, cause error) *Error {
	return &Error{Category: category, Message: message, Cause: cause}
}

// NewValidationError creates a validation error carrying per-field failures.
func NewValidationError(fields []FieldError) *Error {
	return &Error{
		Category: CategoryValidation,
		Message:  "Request validation failed",
		Fields:   fields,
	}
}

// NewAuthenticationError creates an authentication error.
func NewAuthenticationError(message string, cause error) *Error {
	return New(CategoryAuthentication, message, cause)
}

// NewAuthorizationError creates an authorization error.
func NewAuthorizationError(message string) *Error {
	return New(CategoryAuthorization, message, nil)
}

// NewNotFoundError creates a not-found error.
func NewNotFoundError(message string) *Error {
	return New(CategoryNotFound, message, nil)
}

// NewRateLimitError creates a rate-limit error.
func NewRateLimitError(message string) *Error {
	return New(CategoryRateLimit, message, nil)
}

// NewDatabaseError creates a database error. The engine's message goes
// into Details; callers must sanitize it first (see Sanitize).
func NewDatabaseError(message string, cause error) *Error {
	e := New(CategoryDatabase, message, cause)
	if cause != nil {
		e.Details = cause.Error()
	}
	return e
}

// NewConfigurationError creates a configuration error.
func NewConfigurationError(message string, cause error) *Error {
	return New(CategoryConfiguration, message, cause)
}

// NewInternalError creates an internal error tagged with a request id.
func NewInternalError(requestID string) *Error {
	return &Error{
		Category:  CategoryInternal,
		Message:   "An unexpected error occurred",
		RequestID: requestID,
	}
}

// AsError extracts an *Error from err, wrapping unknown errors as Internal.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Category: CategoryInternal, Message: "An unexpected error occurred", Cause: err}
}

// IsCategory checks whether err is an *Error of the given category.
func IsCategory(err error, category string) bool {
	var e *Error
	return errors.As(err, &e) && e.Category == category
}

// IsValidation checks if the error is a validation error.
func IsValidation(err error) bool { return IsCategory(err, CategoryValidation) }

// IsAuthentication checks if the error is an authentication error.
func IsAuthentication(err error) bool { return IsCategory(err, CategoryAuthentication) }

// IsAuthorization checks if the error is an authorization error.
func IsAuthorization(err error) bool { return IsCategory(err, CategoryAuthorization) }

// IsNotFound checks if the error is a not-found error.
func IsNotFound(err error) bool { return IsCategory(err, CategoryNotFound) }

// IsRateLimit checks if the error is a rate-limit error.
func IsRateLimit(err error) bool { return IsCategory(err, CategoryRateLimit) }

// IsDatabase checks if the error is a database error.
func IsDatabase(err error) bool { return IsCategory(err, CategoryDatabase) }

// IsConfiguration checks if the error is a configuration error.
func IsConfiguration(err error) bool { return IsCategory(err, CategoryConfiguration) }

// IsInternal checks if the error is an internal error.
func IsInternal(err error) bool { return IsCategory(err, CategoryInternal) }
