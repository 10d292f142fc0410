// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"os"
	"testing"
	"time"
)

// TestCommandResultJSON tests that CommandResult serializes correctly.
func TestCommandResultJSON(t *testing.T) {
	result := CommandResult{
		APIVersion: "1.0",
		Command:    "verify",
		Timestamp:  time.Now(),
		DurationMs: 4200,
		Success:    true,
		Data:       map[string]string{"run_id": "abc"},
	}

	data, err := json.Marshal(result)
	if err != nil {
		t.Fatalf("Failed to marshal CommandResult: %v", err)
	}

	var decoded CommandResult
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Failed to unmarshal CommandResult: %v", err)
	}

	if decoded.Command != result.Command {
		t.Errorf("Command = %s, want %s", decoded.Command, result.Command)
	}
	if decoded.DurationMs != result.DurationMs {
		t.Errorf("DurationMs = %d, want %d", decoded.DurationMs, result.DurationMs)
	}
	if !decoded.Success {
		t.Error("Success should survive the round trip")
	}
}

// TestStatusResultJSON tests that StatusResult serializes correctly.
func TestStatusResultJSON(t *testing.T) {
	result := StatusResult{
		Service:   "aleutian-webui",
		BaseURL:   "https://webui.example",
		Reachable: true,
		Project:   "my-proj",
		Region:    "us-central1",
		Instance:  "aleutian-pg",
		Database:  "webui",
		PathStyle: "versioned",
	}

	data, err := json.Marshal(result)
	if err != nil {
		t.Fatalf("Failed to marshal StatusResult: %v", err)
	}

	var decoded StatusResult
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Failed to unmarshal StatusResult: %v", err)
	}

	if decoded.Service != result.Service {
		t.Errorf("Service = %s, want %s", decoded.Service, result.Service)
	}
	if !decoded.Reachable {
		t.Error("Reachable should survive the round trip")
	}
}

func TestOutputResult_Success(t *testing.T) {
	cfg := OutputConfig{Quiet: true}
	code := OutputResult(cfg, "test", time.Now(), nil, false, nil)
	if code != CLIExitSuccess {
		t.Errorf("Exit code = %d, want %d", code, CLIExitSuccess)
	}
}

func TestOutputResult_Findings(t *testing.T) {
	cfg := OutputConfig{Quiet: true}
	code := OutputResult(cfg, "test", time.Now(), nil, true, nil)
	if code != CLIExitFindings {
		t.Errorf("Exit code = %d, want %d", code, CLIExitFindings)
	}
}

func TestOutputResult_Error(t *testing.T) {
	cfg := OutputConfig{Quiet: true}
	code := OutputResult(cfg, "test", time.Now(), nil, false, errors.New("boom"))
	if code != CLIExitError {
		t.Errorf("Exit code = %d, want %d", code, CLIExitError)
	}
}

func TestOutputFinding_Quiet(t *testing.T) {
	cfg := OutputConfig{Quiet: true}
	code := OutputFinding(cfg, "verify", time.Now(), nil, "Verification failed", errors.New("file count changed"))
	if code != CLIExitFindings {
		t.Errorf("Exit code = %d, want %d", code, CLIExitFindings)
	}
}

// TestOutputFinding_JSONSingleDocument pins down that a failed run in
// JSON mode produces exactly one document with the message and the run
// data together, not a bare error followed by a second report object.
func TestOutputFinding_JSONSingleDocument(t *testing.T) {
	oldStdout := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("Failed to create pipe: %v", err)
	}
	os.Stdout = w

	code := OutputFinding(OutputConfig{JSON: true}, "verify", time.Now(),
		map[string]any{"run_id": "abc", "passed": false},
		"Verification failed", errors.New("file count changed"))

	w.Close()
	os.Stdout = oldStdout
	out, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("Failed to read captured output: %v", err)
	}

	if code != CLIExitFindings {
		t.Errorf("Exit code = %d, want %d", code, CLIExitFindings)
	}

	dec := json.NewDecoder(bytes.NewReader(out))
	var result CommandResult
	if err := dec.Decode(&result); err != nil {
		t.Fatalf("Failed to decode CommandResult: %v", err)
	}
	if dec.More() {
		t.Error("Output should be a single JSON document")
	}
	if result.Success {
		t.Error("Success should be false for a failed run")
	}
	if result.Error != "Verification failed: file count changed" {
		t.Errorf("Error = %q, want the message with the cause", result.Error)
	}
	if result.Data == nil {
		t.Error("Data should carry the run report")
	}
	if result.Command != "verify" {
		t.Errorf("Command = %q, want %q", result.Command, "verify")
	}
}

func TestExitCodeConstants(t *testing.T) {
	if CLIExitSuccess != 0 {
		t.Errorf("CLIExitSuccess = %d, want 0", CLIExitSuccess)
	}
	if CLIExitFindings != 1 {
		t.Errorf("CLIExitFindings = %d, want 1", CLIExitFindings)
	}
	if CLIExitError != 2 {
		t.Errorf("CLIExitError = %d, want 2", CLIExitError)
	}
}
