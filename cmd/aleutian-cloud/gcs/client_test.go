// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package gcs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// ============================================================================
// ReportObjectPath Tests
// ============================================================================

func TestReportObjectPath(t *testing.T) {
	got := ReportObjectPath("persistent-test-kb-1700000000", "0c5a9f2e")
	want := "verify/persistent-test-kb-1700000000/0c5a9f2e.json"
	if got != want {
		t.Errorf("ReportObjectPath = %q, want %q", got, want)
	}
}

// ============================================================================
// NewClient Tests
// ============================================================================

func TestNewClient_InvalidCredentialsFile(t *testing.T) {
	ctx := context.Background()

	tmpDir := t.TempDir()
	invalidKeyPath := filepath.Join(tmpDir, "invalid_key.json")
	if err := os.WriteFile(invalidKeyPath, []byte("not valid json"), 0644); err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}

	_, err := NewClient(ctx, "test-bucket", invalidKeyPath)
	if err == nil {
		t.Fatal("NewClient with invalid credentials file should return error")
	}
	if !strings.Contains(err.Error(), "failed to create GCS storage client") {
		t.Errorf("Error should mention failed to create client, got: %v", err)
	}
}

func TestNewClient_NonExistentSAKeyPath(t *testing.T) {
	ctx := context.Background()

	_, err := NewClient(ctx, "test-bucket", "/nonexistent/path/to/key.json")
	if err == nil {
		t.Fatal("NewClient with non-existent SA key should return error")
	}
}

// ============================================================================
// writeAndClose Tests
// ============================================================================

// failingWriteCloser fails every Write and counts Close calls.
type failingWriteCloser struct {
	writeErr   error
	closeErr   error
	closeCalls int
}

func (f *failingWriteCloser) Write(p []byte) (int, error) {
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	return len(p), nil
}

func (f *failingWriteCloser) Close() error {
	f.closeCalls++
	return f.closeErr
}

func TestWriteAndClose_ClosesWriterOnWriteError(t *testing.T) {
	wc := &failingWriteCloser{writeErr: errors.New("connection reset")}

	err := writeAndClose(wc, "verify/x.json", []byte("{}"))
	if err == nil {
		t.Fatal("writeAndClose should return the write error")
	}
	if !strings.Contains(err.Error(), "failed to write GCS object verify/x.json") {
		t.Errorf("Error should mention the failed object, got: %v", err)
	}
	if wc.closeCalls != 1 {
		t.Errorf("Writer should be closed exactly once after a write failure, got %d closes", wc.closeCalls)
	}
}

func TestWriteAndClose_ReportsCloseError(t *testing.T) {
	wc := &failingWriteCloser{closeErr: errors.New("upload rejected")}

	err := writeAndClose(wc, "verify/x.json", []byte("{}"))
	if err == nil {
		t.Fatal("writeAndClose should return the close error")
	}
	if !strings.Contains(err.Error(), "failed to close GCS writer for verify/x.json") {
		t.Errorf("Error should mention the close failure, got: %v", err)
	}
}

func TestWriteAndClose_Success(t *testing.T) {
	wc := &failingWriteCloser{}

	if err := writeAndClose(wc, "verify/x.json", []byte("{}")); err != nil {
		t.Fatalf("writeAndClose failed: %v", err)
	}
	if wc.closeCalls != 1 {
		t.Errorf("Writer should be closed exactly once, got %d closes", wc.closeCalls)
	}
}

// ============================================================================
// Integration Tests (require real GCS credentials)
// ============================================================================

func TestClient_UploadJSON_Integration(t *testing.T) {
	keyPath := os.Getenv("GCS_TEST_SA_KEY_PATH")
	bucketName := os.Getenv("GCS_TEST_BUCKET_NAME")

	if keyPath == "" || bucketName == "" {
		t.Skip("Skipping integration test: GCS_TEST_SA_KEY_PATH and GCS_TEST_BUCKET_NAME not set")
	}

	ctx := context.Background()
	client, err := NewClient(ctx, bucketName, keyPath)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	defer client.Close()

	report := map[string]any{"run_id": "integration-test", "passed": true}
	if err := client.UploadJSON(ctx, ReportObjectPath("integration-kb", "integration-test"), report); err != nil {
		t.Errorf("UploadJSON failed: %v", err)
	}
}

func TestClient_UploadJSON_UnmarshalableValue(t *testing.T) {
	client := &Client{
		storageClient: nil,
		BucketName:    "test-bucket",
	}

	// A channel cannot be marshaled; the error surfaces before any
	// storage call so a nil storage client is safe here.
	err := client.UploadJSON(context.Background(), "verify/x.json", make(chan int))
	if err == nil {
		t.Fatal("UploadJSON with unmarshalable value should return error")
	}
	if !strings.Contains(err.Error(), "failed to marshal report") {
		t.Errorf("Error should mention marshal failure, got: %v", err)
	}
}
