// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Environment variables recognized by the loader. These are the only
// two ambient inputs; they are read exactly once here and carried in
// the config struct from then on.
const (
	EnvAPIKey  = "ALEUTIAN_WEBUI_KEY"
	EnvBaseURL = "ALEUTIAN_WEBUI_URL"
)

// DefaultPath returns ~/.aleutian/cloud.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".aleutian", "cloud.yaml"), nil
}

// Load reads the config file at path, creating it with defaults if it
// does not exist, then applies the environment overrides. An empty
// path uses DefaultPath. The returned config is not yet validated;
// commands call the Validate variant matching their needs.
func Load(path string) (*CloudConfig, error) {
	if path == "" {
		var err error
		path, err = DefaultPath()
		if err != nil {
			return nil, err
		}
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		fmt.Printf("First run detected, creating the config at %s\n", path)
		if err := createDefault(path); err != nil {
			return nil, err
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read the config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse the config file %s: %w", path, err)
	}
	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// applyEnvOverrides folds the two recognized environment variables
// into the config. The API key has no YAML field at all; it only ever
// enters through the environment.
func applyEnvOverrides(cfg *CloudConfig) {
	cfg.APIKey = os.Getenv(EnvAPIKey)
	if url := os.Getenv(EnvBaseURL); url != "" {
		cfg.Service.BaseURL = url
	}
}

func createDefault(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	defaultCfg := DefaultConfig()
	data, err := yaml.Marshal(defaultCfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
