// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package steps models the ordered, fail-fast sequences that both the
// provisioning orchestrator and the persistence verifier execute.
//
// Every step produces a typed result instead of a bare fatal error:
// callers see which steps ran, how long they took, and whether the
// failure was transient (worth retrying the run) or structural (the
// deployment or its response schema is wrong). The run itself stays
// fail-fast; classification exists so the operator does not have to
// read raw response bodies to decide what to do next.
package steps

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/api/googleapi"

	"github.com/AleutianAI/AleutianCloud/cmd/aleutian-cloud/internal/readiness"
	"github.com/AleutianAI/AleutianCloud/cmd/aleutian-cloud/internal/webui"
)

// FailureClass separates failures the caller may retry from those
// needing human attention.
type FailureClass int

const (
	// ClassConfig is a missing or invalid configuration value,
	// detected before any network call.
	ClassConfig FailureClass = iota

	// ClassTransient covers connection failures, 5xx responses, and
	// readiness timeouts. A re-run may succeed without changes.
	ClassTransient

	// ClassStructural covers auth rejections, schema violations, and
	// assertion failures. Re-running will not help.
	ClassStructural
)

// String returns the class as a stable token.
func (c FailureClass) String() string {
	switch c {
	case ClassConfig:
		return "CONFIG"
	case ClassTransient:
		return "TRANSIENT"
	case ClassStructural:
		return "STRUCTURAL"
	default:
		return "UNKNOWN"
	}
}

// Retryable reports whether a re-run may clear the failure.
func (c FailureClass) Retryable() bool {
	return c == ClassTransient
}

// Error is a classified step failure.
type Error struct {
	// Step names the failing step.
	Step string

	// Class is the failure classification.
	Class FailureClass

	// Wrapped is the underlying error.
	Wrapped error
}

func (e *Error) Error() string {
	return fmt.Sprintf("step %s failed (%s): %v", e.Step, e.Class, e.Wrapped)
}

func (e *Error) Unwrap() error {
	return e.Wrapped
}

var _ error = (*Error)(nil)

// Classify derives a FailureClass from the error chain.
//
// Web UI API errors carry their own kind; readiness timeouts and
// Google API 5xx/429 responses are transient; everything else is
// structural. Config errors never reach here — they are raised before
// a sequence starts.
func Classify(err error) FailureClass {
	var apiErr *webui.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Kind.Retryable() {
			return ClassTransient
		}
		return ClassStructural
	}
	if errors.Is(err, readiness.ErrNotReady) {
		return ClassTransient
	}
	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		if gErr.Code >= 500 || gErr.Code == 429 {
			return ClassTransient
		}
		return ClassStructural
	}
	return ClassStructural
}

// Fail wraps err as a classified step Error.
func Fail(step string, err error) *Error {
	var stepErr *Error
	if errors.As(err, &stepErr) {
		return stepErr
	}
	return &Error{Step: step, Class: Classify(err), Wrapped: err}
}

// Status is the outcome of a single step.
type Status string

const (
	StatusOK      Status = "ok"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// Result records one executed step for the run report.
type Result struct {
	Step       string `json:"step"`
	Status     Status `json:"status"`
	DurationMs int64  `json:"duration_ms"`

	// Class is set for failed steps.
	Class string `json:"class,omitempty"`

	// Error is the human-readable failure, including the raw response
	// body where the underlying error carries one.
	Error string `json:"error,omitempty"`
}

// Recorder runs steps in order, timing each and collecting results.
// The zero value is not usable; call NewRecorder.
type Recorder struct {
	results []Result
	now     func() time.Time
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{now: time.Now}
}

// Run executes fn as the named step. On failure it records the result
// and returns a classified *Error; the caller is expected to stop the
// sequence (fail-fast).
func (r *Recorder) Run(step string, fn func() error) error {
	start := r.now()
	err := fn()
	elapsed := r.now().Sub(start)

	result := Result{Step: step, Status: StatusOK, DurationMs: elapsed.Milliseconds()}
	if err != nil {
		stepErr := Fail(step, err)
		result.Status = StatusFailed
		result.Class = stepErr.Class.String()
		result.Error = stepErr.Wrapped.Error()
		r.results = append(r.results, result)
		return stepErr
	}
	r.results = append(r.results, result)
	return nil
}

// Skip records the named step as skipped.
func (r *Recorder) Skip(step string) {
	r.results = append(r.results, Result{Step: step, Status: StatusSkipped})
}

// Results returns the recorded steps in execution order.
func (r *Recorder) Results() []Result {
	out := make([]Result, len(r.results))
	copy(out, r.results)
	return out
}
