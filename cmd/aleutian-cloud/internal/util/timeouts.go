// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package util

import "time"

// Timeout floors and defaults. The floors prevent a misconfigured zero
// value from turning into an infinite hang.
const (
	// MinHTTPTimeout is the absolute minimum for any HTTP operation.
	MinHTTPTimeout = 1 * time.Second

	// MinPollTimeout is the absolute minimum for a readiness poll window.
	MinPollTimeout = 5 * time.Second

	// MinOperationTimeout is the absolute minimum wait for a cloud
	// long-running operation.
	MinOperationTimeout = 30 * time.Second

	// DefaultHTTPTimeout is the standard timeout for single API calls.
	DefaultHTTPTimeout = 30 * time.Second

	// DefaultReadyTimeout is the standard window for the deployed
	// service to come back after a restart.
	DefaultReadyTimeout = 5 * time.Minute

	// DefaultOperationTimeout is the standard wait for Cloud SQL and
	// Cloud Run long-running operations. Instance creation is the slow
	// path and routinely takes several minutes.
	DefaultOperationTimeout = 20 * time.Minute
)

// EnforceMinTimeout returns requested, raised to minimum when the
// requested value is zero, negative, or below the floor.
func EnforceMinTimeout(requested, minimum time.Duration) time.Duration {
	if requested <= 0 || requested < minimum {
		return minimum
	}
	return requested
}

// EnforceDefaultTimeout returns requested when positive, otherwise the
// default. Unlike EnforceMinTimeout it allows any positive value.
func EnforceDefaultTimeout(requested, defaultVal time.Duration) time.Duration {
	if requested <= 0 {
		return defaultVal
	}
	return requested
}
