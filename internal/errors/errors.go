// Package errors provides the service's two-kind error taxonomy and its HTTP mapping.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorCode represents standardized internal error codes.
type ErrorCode string

const (
	// ErrCodeValidation marks a missing or empty required input. Answered with 400.
	ErrCodeValidation ErrorCode = "VALIDATION_ERROR"
	// ErrCodeUnexpected marks any other processing failure. Answered with 500.
	ErrCodeUnexpected ErrorCode = "UNEXPECTED_ERROR"
)

// MsgPromptRequired is the client-facing message for an empty prompt.
const MsgPromptRequired = "Prompt is required"

// StandardError represents a structured application error.
type StandardError struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	cause     error
}

func (e *StandardError) Error() string {
	return fmt.Sprintf("StandardError[%s]: %s", e.Code, e.Message)
}

func (e *StandardError) Unwrap() error {
	return e.cause
}

// NewPromptRequiredError creates the validation error for a missing prompt.
func NewPromptRequiredError() *StandardError {
	return &StandardError{
		Code:      ErrCodeValidation,
		Message:   MsgPromptRequired,
		Details:   "field: prompt",
		Timestamp: time.Now().UTC(),
	}
}

// NewUnexpectedError wraps err. The caller sees err's message text verbatim.
func NewUnexpectedError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeUnexpected,
		Message:   err.Error(),
		Timestamp: time.Now().UTC(),
		cause:     err,
	}
}

// Normalize ensures we always have a StandardError.
func Normalize(err error) *StandardError {
	var stdErr *StandardError
	if stderrors.As(err, &stdErr) {
		return stdErr
	}
	return NewUnexpectedError(err)
}

// IsValidation reports whether err is, or wraps, a validation error.
func IsValidation(err error) bool {
	var stdErr *StandardError
	return stderrors.As(err, &stdErr) && stdErr.Code == ErrCodeValidation
}

// HTTPStatus maps an error code to its response status.
func HTTPStatus(code ErrorCode) int {
	if code == ErrCodeValidation {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
