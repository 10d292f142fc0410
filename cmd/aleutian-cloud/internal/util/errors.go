// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package util

import (
	"fmt"
	"strings"
)

// CommandError wraps an external command failure with stderr context.
//
// # Description
//
// Used by the exec restarter to surface what the operator-supplied
// restart command printed when it failed. Implements the error
// interface and supports unwrapping via errors.Is/As.
//
// # Example
//
//	err := NewCommandError("gcloud run services update", 1, "permission denied", origErr)
//	fmt.Println(err) // "gcloud run services update (exit 1): permission denied"
type CommandError struct {
	// Command is the command that was executed.
	Command string

	// ExitCode is the process exit code (-1 if unknown).
	ExitCode int

	// Stderr contains the standard error output (trimmed).
	Stderr string

	// Wrapped is the underlying error (may be nil).
	Wrapped error
}

// Error returns a formatted message; stderr takes priority over the
// wrapped error.
func (e *CommandError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%s (exit %d): %s", e.Command, e.ExitCode, e.Stderr)
	}
	if e.Wrapped != nil {
		return fmt.Sprintf("%s (exit %d): %v", e.Command, e.ExitCode, e.Wrapped)
	}
	return fmt.Sprintf("%s (exit %d)", e.Command, e.ExitCode)
}

// Unwrap returns the underlying error, enabling errors.Is/As chains.
func (e *CommandError) Unwrap() error {
	return e.Wrapped
}

// HasStderr reports whether stderr output was captured.
func (e *CommandError) HasStderr() bool {
	return e.Stderr != ""
}

var _ error = (*CommandError)(nil)

// NewCommandError creates a CommandError. Stderr is trimmed of
// surrounding whitespace to normalize output from various commands.
func NewCommandError(cmd string, exitCode int, stderr string, wrapped error) *CommandError {
	return &CommandError{
		Command:  cmd,
		ExitCode: exitCode,
		Stderr:   strings.TrimSpace(stderr),
		Wrapped:  wrapped,
	}
}

// ExtractStderr walks an error chain and returns the first captured
// stderr, or "" if none. Useful for showing command output to users.
func ExtractStderr(err error) string {
	for err != nil {
		if cmdErr, ok := err.(*CommandError); ok && cmdErr.HasStderr() {
			return cmdErr.Stderr
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = unwrapper.Unwrap()
	}
	return ""
}
