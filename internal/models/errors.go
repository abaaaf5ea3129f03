package models

import (
	"errors"
	"fmt"
)

// Error codes surfaced by the engine and the gateway.
const (
	CodeUnauthenticated      = "UNAUTHENTICATED"
	CodeTransportUnavailable = "TRANSPORT_UNAVAILABLE"
	CodeMutationRejected     = "MUTATION_REJECTED"
	CodeTimeout              = "TIMEOUT"
	CodeInvalidReference     = "INVALID_REFERENCE"
	CodeValidation           = "VALIDATION_ERROR"
	CodeForbidden            = "FORBIDDEN"
	CodeMutationInFlight     = "MUTATION_IN_FLIGHT"
	CodeSubmitPending        = "SUBMIT_PENDING"
	CodeNotFound             = "NOT_FOUND"
	CodeInternal             = "INTERNAL_ERROR"
)

// ErrorResponse represents a standardized API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// AppError represents a custom application error
type AppError struct {
	Code    string
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// IsCode reports whether err carries an AppError with the given code.
func IsCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// CodeOf returns the AppError code of err, or CodeInternal.
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

func NewUnauthenticatedError() *AppError {
	return &AppError{
		Code:    CodeUnauthenticated,
		Message: "You need to be signed in to do that",
	}
}

func NewTransportUnavailableError(operation string) *AppError {
	return &AppError{
		Code:    CodeTransportUnavailable,
		Message: fmt.Sprintf("%s is unavailable while offline", operation),
	}
}

func NewMutationRejectedError(action, reason string) *AppError {
	if reason == "" {
		reason = "rejected by server"
	}
	return &AppError{
		Code:    CodeMutationRejected,
		Message: fmt.Sprintf("%s failed: %s", action, reason),
	}
}

func NewTimeoutError(action string) *AppError {
	return &AppError{
		Code:    CodeTimeout,
		Message: fmt.Sprintf("%s timed out", action),
	}
}

func NewInvalidReferenceError(id string) *AppError {
	return &AppError{
		Code:    CodeInvalidReference,
		Message: fmt.Sprintf("invalid item reference %q", id),
	}
}

func NewValidationError(message string) *AppError {
	return &AppError{
		Code:    CodeValidation,
		Message: message,
	}
}

func NewForbiddenError(message string) *AppError {
	return &AppError{
		Code:    CodeForbidden,
		Message: message,
	}
}

func NewMutationInFlightError(itemID string) *AppError {
	return &AppError{
		Code:    CodeMutationInFlight,
		Message: fmt.Sprintf("a like mutation for %s is already in flight", itemID),
	}
}

func NewSubmitPendingError(itemID string) *AppError {
	return &AppError{
		Code:    CodeSubmitPending,
		Message: fmt.Sprintf("a comment for %s is still being sent", itemID),
	}
}

func NewNotFoundError(resource string, id interface{}) *AppError {
	return &AppError{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s with ID %v not found", resource, id),
	}
}

func NewInternalError(err error) *AppError {
	return &AppError{
		Code:    CodeInternal,
		Message: "Internal server error",
		Err:     err,
	}
}
