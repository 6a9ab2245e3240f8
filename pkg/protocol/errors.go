package protocol

import (
	"errors"
	"fmt"
)

// ErrorCode classifies every caller-observable failure.
type ErrorCode string

const (
	CodeValidation       ErrorCode = "VALIDATION_ERROR"
	CodeAuthRequired     ErrorCode = "AUTH_REQUIRED"
	CodeAuthFailed       ErrorCode = "AUTH_FAILED"
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	CodePolicyBlocked    ErrorCode = "POLICY_BLOCKED"
	CodeApprovalRequired ErrorCode = "APPROVAL_REQUIRED"
	CodeApprovalDenied   ErrorCode = "APPROVAL_DENIED"
	CodeRateLimited      ErrorCode = "RATE_LIMITED"
	CodeBudgetExceeded   ErrorCode = "BUDGET_EXCEEDED"
	CodeSanctioned       ErrorCode = "SANCTIONED"
	CodeConflict         ErrorCode = "CONFLICT"
	CodeTimeout          ErrorCode = "TIMEOUT"
	CodeUpstream         ErrorCode = "UPSTREAM_ERROR"
	CodeInternal         ErrorCode = "INTERNAL"
)

// Error is the typed error every gate and handler returns to callers.
// Message is a single line suitable for the wire.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"error"`
}

func (e *Error) Error() string {
	return e.Message
}

// NewError builds a typed error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf builds a typed error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsError extracts a typed error, wrapping unknown errors as INTERNAL.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return &Error{Code: CodeInternal, Message: err.Error()}
}

// CodeOf returns the code of err, or CodeInternal for untyped errors.
func CodeOf(err error) ErrorCode {
	if pe := AsError(err); pe != nil {
		return pe.Code
	}
	return CodeInternal
}

// ErrorPayload is the payload of an error frame.
type ErrorPayload struct {
	Status string    `json:"status"`
	Err    string    `json:"error"`
	Code   ErrorCode `json:"code,omitempty"`
}

// ErrorFrame builds the error frame for a failed request, correlated by id.
func ErrorFrame(id string, err error) *Frame {
	pe := AsError(err)
	f, _ := NewFrame(FrameError, id, ErrorPayload{
		Status: "error",
		Err:    pe.Message,
		Code:   pe.Code,
	})
	return f
}
