// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/AleutianCloud/cmd/aleutian-cloud/internal/util"
)

// cloudValidate is the validator instance for config types.
var cloudValidate = validator.New()

// CloudConfig is the explicit configuration for every aleutian-cloud
// operation. It is constructed once at the entry point and threaded
// through provisioning and verification; operations never reach into
// ambient environment state themselves.
type CloudConfig struct {
	// Project identifies the Google Cloud project and region.
	Project ProjectConfig `yaml:"project" validate:"required"`

	// Database describes the managed Postgres instance.
	Database DatabaseConfig `yaml:"database"`

	// Secrets names the Secret Manager entries the deploy references.
	Secrets SecretsConfig `yaml:"secrets"`

	// Service describes the deployed web UI.
	Service ServiceConfig `yaml:"service" validate:"required"`

	// Verify tunes the persistence verification run.
	Verify VerifyConfig `yaml:"verify"`

	// Logging configures the structured logger.
	Logging LoggingConfig `yaml:"logging"`

	// APIKey is the web UI bearer token. Populated from the
	// ALEUTIAN_WEBUI_KEY environment variable by the loader, never
	// written to or read from the YAML file.
	APIKey string `yaml:"-"`
}

type ProjectConfig struct {
	ID     string `yaml:"id" validate:"required"`
	Region string `yaml:"region" validate:"required"`

	// RuntimeServiceAccount is the identity the Cloud Run service runs
	// as; it is granted read access to the deploy secrets.
	RuntimeServiceAccount string `yaml:"runtime_service_account"`

	// CredentialsFile optionally points at a service account key.
	// Empty means Application Default Credentials.
	CredentialsFile string `yaml:"credentials_file"`
}

type DatabaseConfig struct {
	InstanceName string            `yaml:"instance_name"`
	Tier         string            `yaml:"tier"`
	Version      string            `yaml:"version"`
	Name         string            `yaml:"name"`
	User         string            `yaml:"user"`
	Flags        map[string]string `yaml:"flags"`
}

type SecretsConfig struct {
	SigningKeyName  string `yaml:"signing_key_name"`
	DatabaseURLName string `yaml:"database_url_name"`
}

type ServiceConfig struct {
	Name  string `yaml:"name" validate:"required"`
	Image string `yaml:"image"`

	// BaseURL is the deployed service endpoint the verifier talks to.
	// The ALEUTIAN_WEBUI_URL environment variable overrides it.
	BaseURL string `yaml:"base_url"`

	// APIPathStyle selects where the model listing lives: "plain"
	// (/api/models) or "versioned" (/api/v1/models). The deployed
	// application documents both, so the choice is always explicit.
	APIPathStyle string `yaml:"api_path_style" validate:"required,oneof=plain versioned"`

	Port int               `yaml:"port"`
	Env  map[string]string `yaml:"env"`
}

type RestartConfig struct {
	// Mode selects the restart mechanism: "cloudrun" bumps the Cloud
	// Run revision, "command" runs Command, "none" assumes an external
	// restart and only polls readiness.
	Mode    string `yaml:"mode" validate:"omitempty,oneof=cloudrun command none"`
	Command string `yaml:"command"`
}

type VerifyConfig struct {
	// KnowledgeBase is the display name of the probe resource. Empty
	// means a timestamped default chosen at run time.
	KnowledgeBase string `yaml:"knowledge_base"`

	// FileName names the uploaded probe file.
	FileName string `yaml:"file_name"`

	// ReadyTimeout bounds the post-restart readiness poll, as a Go
	// duration string.
	ReadyTimeout string `yaml:"ready_timeout"`

	// ReportBucket optionally names a GCS bucket for run reports.
	ReportBucket string `yaml:"report_bucket"`

	Restart RestartConfig `yaml:"restart"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	Dir   string `yaml:"dir"`
}

// DefaultConfig returns the configuration written on first run.
func DefaultConfig() CloudConfig {
	return CloudConfig{
		Project: ProjectConfig{
			Region: "us-central1",
		},
		Database: DatabaseConfig{
			InstanceName: "aleutian-pg",
			Tier:         "db-g1-small",
			Version:      "POSTGRES_15",
			Name:         "webui",
			User:         "webui",
			Flags: map[string]string{
				"cloudsql.enable_google_ml_integration": "on",
			},
		},
		Secrets: SecretsConfig{
			SigningKeyName:  "webui-secret-key",
			DatabaseURLName: "webui-database-url",
		},
		Service: ServiceConfig{
			Name:         "aleutian-webui",
			APIPathStyle: "versioned",
			Port:         8080,
		},
		Verify: VerifyConfig{
			FileName:     "persistence-probe.txt",
			ReadyTimeout: "5m",
			Restart:      RestartConfig{Mode: "cloudrun"},
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Validate checks struct tags plus cross-field rules.
func (c *CloudConfig) Validate() error {
	if err := cloudValidate.Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	if c.Verify.Restart.Mode == "command" && c.Verify.Restart.Command == "" {
		return fmt.Errorf("config validation failed: verify.restart.command is required when mode is \"command\"")
	}
	if c.Verify.ReadyTimeout != "" {
		if _, err := time.ParseDuration(c.Verify.ReadyTimeout); err != nil {
			return fmt.Errorf("config validation failed: verify.ready_timeout: %w", err)
		}
	}
	return nil
}

// ValidateVerify checks the additional fields the verify command needs.
// Kept separate so provisioning does not demand a live endpoint.
func (c *CloudConfig) ValidateVerify() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Service.BaseURL == "" {
		return fmt.Errorf("service.base_url (or ALEUTIAN_WEBUI_URL) is required for verification")
	}
	if c.APIKey == "" {
		return fmt.Errorf("ALEUTIAN_WEBUI_KEY is required for verification")
	}
	return nil
}

// ValidateProvision checks the additional fields provisioning needs.
func (c *CloudConfig) ValidateProvision() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Service.Image == "" {
		return fmt.Errorf("service.image is required for provisioning")
	}
	if c.Project.RuntimeServiceAccount == "" {
		return fmt.Errorf("project.runtime_service_account is required for provisioning")
	}
	return nil
}

// ReadyTimeoutDuration parses Verify.ReadyTimeout, applying the
// default window when unset and the floor when too small.
func (c *CloudConfig) ReadyTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(c.Verify.ReadyTimeout)
	if err != nil {
		d = 0
	}
	d = util.EnforceDefaultTimeout(d, util.DefaultReadyTimeout)
	return util.EnforceMinTimeout(d, util.MinPollTimeout)
}
