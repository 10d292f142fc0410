// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package readiness implements a bounded poll loop with exponential
// backoff and jitter. It replaces the fixed post-restart sleep the old
// deployment runbooks used: instead of hoping the new instance is up
// after a blind delay, the caller polls a probe until it reports ready
// or a hard deadline produces a distinct timeout error.
package readiness

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// ErrNotReady is returned when the probe never reported ready inside
// the configured window. Callers match it with errors.Is to tell
// "service did not become ready" apart from probe infrastructure
// failures.
var ErrNotReady = fmt.Errorf("service did not become ready")

// ProbeFunc checks whether the target is serving. Returning nil means
// ready. A non-nil error means not ready yet; the poller keeps the last
// error for the timeout report.
type ProbeFunc func(ctx context.Context) error

// Options tunes the poll loop.
type Options struct {
	// Timeout is the total window. Zero uses 5 minutes.
	Timeout time.Duration

	// InitialInterval is the delay before the second attempt.
	// Zero uses 2 seconds.
	InitialInterval time.Duration

	// MaxInterval caps backoff growth. Zero uses 15 seconds.
	MaxInterval time.Duration

	// Multiplier grows the interval between attempts. Values <= 1
	// are treated as 1.5.
	Multiplier float64

	// Jitter randomizes each interval by ±Jitter (0.1 = ±10%).
	Jitter float64
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Minute
	}
	if o.InitialInterval <= 0 {
		o.InitialInterval = 2 * time.Second
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = 15 * time.Second
	}
	if o.Multiplier <= 1 {
		o.Multiplier = 1.5
	}
	return o
}

// Result reports what the poll loop observed.
type Result struct {
	// Ready indicates the probe eventually succeeded.
	Ready bool

	// Attempts is the number of probe calls made.
	Attempts int

	// Elapsed is the total time spent polling.
	Elapsed time.Duration

	// LastErr is the final probe error when Ready is false.
	LastErr error
}

// Wait polls probe until it reports ready, the window expires, or ctx
// is cancelled.
//
// # Description
//
// The first attempt happens immediately; subsequent attempts back off
// exponentially with jitter so a fleet of checks does not synchronize
// against a recovering service. On timeout the returned error wraps
// ErrNotReady and carries the last probe error for diagnosis. Context
// cancellation is returned as ctx.Err.
func Wait(ctx context.Context, probe ProbeFunc, opts Options) (*Result, error) {
	opts = opts.withDefaults()
	start := time.Now()
	deadline := start.Add(opts.Timeout)
	result := &Result{}
	interval := opts.InitialInterval

	for {
		if err := ctx.Err(); err != nil {
			result.Elapsed = time.Since(start)
			return result, err
		}

		result.Attempts++
		attemptCtx, cancel := context.WithDeadline(ctx, deadline)
		err := probe(attemptCtx)
		cancel()
		if err == nil {
			result.Ready = true
			result.Elapsed = time.Since(start)
			return result, nil
		}
		result.LastErr = err

		if time.Now().Add(interval).After(deadline) {
			result.Elapsed = time.Since(start)
			return result, fmt.Errorf("%w after %d attempts in %s: last error: %v",
				ErrNotReady, result.Attempts, result.Elapsed.Round(time.Millisecond), err)
		}

		sleepWithContext(ctx, applyJitter(interval, opts.Jitter))
		interval = nextInterval(interval, opts.MaxInterval, opts.Multiplier)
	}
}

// applyJitter multiplies interval by a factor in [1-jitter, 1+jitter].
func applyJitter(interval time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return interval
	}
	factor := 1.0 + (rand.Float64()*2-1)*jitter
	return time.Duration(float64(interval) * factor)
}

// nextInterval grows the interval by multiplier, capped at max.
func nextInterval(current, max time.Duration, multiplier float64) time.Duration {
	next := time.Duration(float64(current) * multiplier)
	if next > max {
		return max
	}
	return next
}

// sleepWithContext sleeps for duration or until ctx is done.
func sleepWithContext(ctx context.Context, duration time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(duration):
	}
}
