// SPDX-License-Identifier: Apache-2.0

// Package errors provides the typed error taxonomy for cadre coordination
// failures. Every step-level failure carries an ErrorCode so callers and the
// retry policy can distinguish deterministic denials from transient faults.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
)

// ErrorCode classifies cadre errors for auditing, retry policy, and monitoring.
type ErrorCode string

const (
	// CodeConfig indicates a malformed manifest or workflow definition
	// (cyclic DAG, duplicate name, missing field). Fatal before a run starts.
	CodeConfig ErrorCode = "CONFIG_ERROR"

	// CodeNotFound indicates a reference to an unregistered agent or action.
	CodeNotFound ErrorCode = "NOT_FOUND"

	// CodePermission indicates a sandbox denial. Fails the step, never retried.
	CodePermission ErrorCode = "PERMISSION_VIOLATION"

	// CodeResourceConflict indicates two steps in one wave contended for the
	// same write target. The lower-priority step fails, never retried.
	CodeResourceConflict ErrorCode = "RESOURCE_CONFLICT"

	// CodeTimeout indicates an invocation exceeded its time bound.
	CodeTimeout ErrorCode = "TIMEOUT"

	// CodeAgentInternal indicates an unhandled fault inside an agent action,
	// caught at the execution unit boundary.
	CodeAgentInternal ErrorCode = "AGENT_INTERNAL"

	// CodeSessionExpired indicates use of a revoked or expired sandbox session.
	CodeSessionExpired ErrorCode = "SESSION_EXPIRED"

	// CodeCancelled indicates the workflow run was cancelled externally.
	CodeCancelled ErrorCode = "CANCELLED"

	// CodeInternal indicates a coordinator bug or unclassified system error.
	CodeInternal ErrorCode = "INTERNAL_ERROR"
)

// CadreError is a typed error with structured context for auditing and logs.
// It implements the error interface and supports errors.As / errors.Unwrap.
type CadreError struct {
	Code        ErrorCode
	Message     string
	Err         error
	Context     map[string]any
	Recoverable bool
}

// Error implements the error interface.
func (e *CadreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap implements errors.Unwrap for error chain traversal.
func (e *CadreError) Unwrap() error {
	return e.Err
}

// MarshalJSON implements json.Marshaler for structured logging and JSONL audit.
func (e *CadreError) MarshalJSON() ([]byte, error) {
	out := struct {
		Code        string         `json:"code"`
		Message     string         `json:"message"`
		Cause       string         `json:"cause,omitempty"`
		Recoverable bool           `json:"recoverable"`
		Context     map[string]any `json:"context,omitempty"`
	}{
		Code:        string(e.Code),
		Message:     e.Message,
		Recoverable: e.Recoverable,
		Context:     e.Context,
	}
	if e.Err != nil {
		out.Cause = e.Err.Error()
	}
	return json.Marshal(out)
}

// New creates a CadreError with the given code, message, and cause.
// Recoverable defaults from the code: only timeouts and agent-internal
// faults are transient; every other class is deterministic.
func New(code ErrorCode, msg string, cause error) *CadreError {
	return &CadreError{
		Code:        code,
		Message:     msg,
		Err:         cause,
		Recoverable: defaultRecoverable(code),
	}
}

// WithContext adds a key-value pair to the error context.
// Returns the error for method chaining.
func (e *CadreError) WithContext(key string, value any) *CadreError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// WithRecoverable overrides the default retry eligibility.
func (e *CadreError) WithRecoverable(recoverable bool) *CadreError {
	e.Recoverable = recoverable
	return e
}

// AsCadreError converts err to a CadreError, wrapping unknown errors as
// CodeInternal. Returns nil for a nil error.
func AsCadreError(err error) *CadreError {
	if err == nil {
		return nil
	}
	var ce *CadreError
	if stderrors.As(err, &ce) {
		return ce
	}
	return New(CodeInternal, "wrapped error", err)
}

// CodeOf returns the classification of err, or CodeInternal for plain errors.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var ce *CadreError
	if stderrors.As(err, &ce) {
		return ce.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// IsRecoverable reports whether err may be retried. Plain errors follow their
// default classification as internal faults, which are not retried.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	var ce *CadreError
	if stderrors.As(err, &ce) {
		return ce.Recoverable
	}
	return false
}

func defaultRecoverable(code ErrorCode) bool {
	switch code {
	case CodeTimeout, CodeAgentInternal:
		return true
	default:
		return false
	}
}
