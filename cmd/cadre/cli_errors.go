// Copyright 2026 © The Cadre Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"

	"github.com/odalpeth/cadre/pkg/errors"
)

// CLIError wraps CadreError with CLI-specific formatting and hints.
type CLIError struct {
	*errors.CadreError
	Hint string
}

// NewCLIError creates a new CLI error.
func NewCLIError(ce *errors.CadreError, hint string) *CLIError {
	return &CLIError{
		CadreError: ce,
		Hint:       hint,
	}
}

// Error returns the formatted error message with hints.
func (e *CLIError) Error() string {
	if e.CadreError == nil {
		return "unknown error"
	}
	msg := e.CadreError.Error()
	if e.Hint != "" {
		msg += "\n  Hint: " + e.Hint
	}
	return msg
}

// PrintError prints the error with appropriate formatting.
func (e *CLIError) PrintError(json bool) {
	if json {
		fmt.Fprintf(os.Stderr, `{"error":{"code":"%s","message":"%s","hint":"%s"}}%s`,
			e.CadreError.Code,
			e.CadreError.Message,
			e.Hint,
			"\n")
		return
	}

	fmt.Fprintf(os.Stderr, "Error [%s]: %s\n", e.CadreError.Code, e.CadreError.Message)
	if e.Hint != "" {
		fmt.Fprintf(os.Stderr, "  Hint: %s\n", e.Hint)
	}
}

// NewNotFoundError creates a not found error with CLI hints.
func NewNotFoundError(resource, name string) *CLIError {
	ce := errors.New(errors.CodeNotFound, fmt.Sprintf("%s %q not found", resource, name), nil).
		WithContext("resource", resource).
		WithContext("name", name)
	return NewCLIError(ce, fmt.Sprintf("run 'cadre agents list' to see registered %ss", resource))
}

// NewConfigError creates a configuration error with CLI hints.
func NewConfigError(err error, configPath string) *CLIError {
	ce := errors.New(errors.CodeConfig, "configuration error", err).
		WithContext("config_path", configPath)

	hint := "check your configuration file syntax"
	if configPath != "" {
		hint = fmt.Sprintf("check %s for syntax errors", configPath)
	}
	return NewCLIError(ce, hint)
}

// NewValidationError wraps a manifest or workflow validation failure.
func NewValidationError(err error, path string) *CLIError {
	ce := errors.AsCadreError(err).WithContext("path", path)
	return NewCLIError(ce, "fix the definition and run 'cadre validate' again")
}

// FormatErrorCode returns a user-friendly name for error codes.
func FormatErrorCode(code errors.ErrorCode) string {
	switch code {
	case errors.CodeConfig:
		return "Configuration Error"
	case errors.CodeNotFound:
		return "Not Found"
	case errors.CodePermission:
		return "Permission Violation"
	case errors.CodeResourceConflict:
		return "Resource Conflict"
	case errors.CodeTimeout:
		return "Timeout"
	case errors.CodeAgentInternal:
		return "Agent Internal Error"
	case errors.CodeSessionExpired:
		return "Session Expired"
	case errors.CodeCancelled:
		return "Cancelled"
	default:
		return string(code)
	}
}
