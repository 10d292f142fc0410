// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cloud.yaml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default config file was not created: %v", err)
	}
	if cfg.Database.InstanceName != "aleutian-pg" {
		t.Errorf("default instance name = %q", cfg.Database.InstanceName)
	}
	if cfg.Service.APIPathStyle != "versioned" {
		t.Errorf("default path style = %q", cfg.Service.APIPathStyle)
	}
}

func TestLoadParsesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cloud.yaml")
	content := `
project:
  id: my-proj
  region: europe-west1
service:
  name: webui
  api_path_style: plain
  base_url: https://webui.example
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Project.ID != "my-proj" {
		t.Errorf("project id = %q", cfg.Project.ID)
	}
	if cfg.Project.Region != "europe-west1" {
		t.Errorf("region = %q", cfg.Project.Region)
	}
	if cfg.Service.APIPathStyle != "plain" {
		t.Errorf("path style = %q", cfg.Service.APIPathStyle)
	}
	// Fields absent from the file keep their defaults.
	if cfg.Database.User != "webui" {
		t.Errorf("database user default lost: %q", cfg.Database.User)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv(EnvAPIKey, "sk-from-env")
	t.Setenv(EnvBaseURL, "https://override.example")

	path := filepath.Join(t.TempDir(), "cloud.yaml")
	content := `
project:
  id: my-proj
  region: us-central1
service:
  name: webui
  api_path_style: versioned
  base_url: https://file.example
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.APIKey != "sk-from-env" {
		t.Errorf("APIKey = %q, want env value", cfg.APIKey)
	}
	if cfg.Service.BaseURL != "https://override.example" {
		t.Errorf("BaseURL = %q, want env override", cfg.Service.BaseURL)
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cloud.yaml")
	if err := os.WriteFile(path, []byte("project: [unclosed"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}
