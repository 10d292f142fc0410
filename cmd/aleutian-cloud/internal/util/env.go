// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package util

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// envVarKeyPattern validates environment variable key names against
// POSIX conventions. Prevents shell metacharacter injection when keys
// end up in deploy manifests or logs.
var envVarKeyPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ErrInvalidEnvVarKey is returned when an environment variable key is invalid.
var ErrInvalidEnvVarKey = fmt.Errorf("invalid environment variable key")

// EnvVar is a single environment variable assignment for the deployed
// service. Sensitive values are redacted in logs and plan output.
type EnvVar struct {
	// Key is the variable name. Must match [a-zA-Z_][a-zA-Z0-9_]*.
	Key string

	// Value is the assignment value. May be empty.
	Value string

	// Sensitive marks the value for redaction in any rendered output.
	Sensitive bool
}

// String returns the KEY=VALUE form.
func (e EnvVar) String() string {
	return fmt.Sprintf("%s=%s", e.Key, e.Value)
}

// Redacted returns KEY=[REDACTED] for sensitive vars, otherwise String().
func (e EnvVar) Redacted() string {
	if e.Sensitive {
		return fmt.Sprintf("%s=[REDACTED]", e.Key)
	}
	return e.String()
}

// Validate checks the key against POSIX naming conventions.
func (e EnvVar) Validate() error {
	if !envVarKeyPattern.MatchString(e.Key) {
		return fmt.Errorf("%w: %q must match pattern [a-zA-Z_][a-zA-Z0-9_]*", ErrInvalidEnvVarKey, e.Key)
	}
	return nil
}

// EnvVars is a validated collection of environment variables used to
// build the Cloud Run container environment. Not safe for concurrent
// modification.
type EnvVars struct {
	vars []EnvVar
}

// NewEnvVars creates a validated collection. Duplicate keys are
// allowed; the last assignment wins in Get and ToMap, matching shell
// semantics.
func NewEnvVars(vars ...EnvVar) (*EnvVars, error) {
	for _, v := range vars {
		if err := v.Validate(); err != nil {
			return nil, err
		}
	}
	return &EnvVars{vars: vars}, nil
}

// EmptyEnvVars returns an empty collection for incremental Add calls.
func EmptyEnvVars() *EnvVars {
	return &EnvVars{vars: []EnvVar{}}
}

// Add appends a validated variable.
func (e *EnvVars) Add(key, value string, sensitive bool) error {
	ev := EnvVar{Key: key, Value: value, Sensitive: sensitive}
	if err := ev.Validate(); err != nil {
		return err
	}
	e.vars = append(e.vars, ev)
	return nil
}

// Get returns the value for key, last assignment winning, or "".
func (e *EnvVars) Get(key string) string {
	if e == nil {
		return ""
	}
	for i := len(e.vars) - 1; i >= 0; i-- {
		if e.vars[i].Key == key {
			return e.vars[i].Value
		}
	}
	return ""
}

// Has reports whether key exists in the collection.
func (e *EnvVars) Has(key string) bool {
	if e == nil {
		return false
	}
	for _, v := range e.vars {
		if v.Key == key {
			return true
		}
	}
	return false
}

// Len returns the number of variables.
func (e *EnvVars) Len() int {
	if e == nil {
		return 0
	}
	return len(e.vars)
}

// Sorted returns the variables deduplicated by key and sorted by key.
// Deterministic ordering keeps deploy manifests diffable between runs.
func (e *EnvVars) Sorted() []EnvVar {
	if e == nil {
		return nil
	}
	byKey := make(map[string]EnvVar, len(e.vars))
	for _, v := range e.vars {
		byKey[v.Key] = v
	}
	keys := make([]string, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	result := make([]EnvVar, 0, len(keys))
	for _, k := range keys {
		result = append(result, byKey[k])
	}
	return result
}

// ToMap returns the variables as a map, last assignment winning.
func (e *EnvVars) ToMap() map[string]string {
	if e == nil {
		return nil
	}
	result := make(map[string]string, len(e.vars))
	for _, v := range e.vars {
		result[v.Key] = v.Value
	}
	return result
}

// RedactedSlice returns KEY=VALUE strings with sensitive values masked.
// Safe for logging and plan rendering.
func (e *EnvVars) RedactedSlice() []string {
	if e == nil {
		return nil
	}
	sorted := e.Sorted()
	result := make([]string, len(sorted))
	for i, v := range sorted {
		result[i] = v.Redacted()
	}
	return result
}

// FromMap builds EnvVars from a plain map, automatically marking keys
// that match common secret naming patterns as sensitive.
func FromMap(m map[string]string, sensitiveKeys []string) (*EnvVars, error) {
	if m == nil {
		return EmptyEnvVars(), nil
	}
	sensitiveSet := make(map[string]bool, len(sensitiveKeys))
	for _, k := range sensitiveKeys {
		sensitiveSet[k] = true
	}
	vars := make([]EnvVar, 0, len(m))
	for k, v := range m {
		vars = append(vars, EnvVar{
			Key:       k,
			Value:     v,
			Sensitive: sensitiveSet[k] || isSensitiveKey(k),
		})
	}
	return NewEnvVars(vars...)
}

// isSensitiveKey detects common sensitive key patterns.
func isSensitiveKey(key string) bool {
	upper := strings.ToUpper(key)
	return strings.Contains(upper, "TOKEN") ||
		strings.Contains(upper, "SECRET") ||
		strings.Contains(upper, "KEY") ||
		strings.Contains(upper, "PASSWORD") ||
		strings.Contains(upper, "CREDENTIAL") ||
		strings.Contains(upper, "AUTH")
}
