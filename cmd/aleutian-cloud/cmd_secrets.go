// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianCloud/cmd/aleutian-cloud/internal/gcp"
	"github.com/AleutianAI/AleutianCloud/cmd/aleutian-cloud/internal/secretval"
)

// SecretsResult holds secrets command output.
type SecretsResult struct {
	SigningKey  string `json:"signing_key"`
	DatabaseURL string `json:"database_url,omitempty"`
	Action      string `json:"action"`
}

// runSecretsInit creates the signing key secret if absent and grants
// the runtime service account access. The database URL secret is left
// to provisioning because it needs the instance connection name.
func runSecretsInit(cmd *cobra.Command, args []string) {
	start := time.Now()
	prov := mustProvisioner()
	ctx := context.Background()

	key := secretval.NewSigningKey()
	defer key.Destroy()
	created, err := prov.EnsureSecret(ctx, cloudConfig.Secrets.SigningKeyName, key.Bytes())
	if err != nil {
		OutputError(jsonOutput, "Failed to ensure signing key secret", err)
		os.Exit(CLIExitError)
	}
	if cloudConfig.Project.RuntimeServiceAccount != "" {
		if err := prov.GrantSecretAccess(ctx, cloudConfig.Secrets.SigningKeyName,
			cloudConfig.Project.RuntimeServiceAccount); err != nil {
			OutputError(jsonOutput, "Failed to grant secret access", err)
			os.Exit(CLIExitError)
		}
	}

	action := "kept existing"
	if created {
		action = "created"
	}
	result := SecretsResult{SigningKey: cloudConfig.Secrets.SigningKeyName, Action: action}
	if !jsonOutput {
		appLogger.Info("signing key secret ready",
			"secret", result.SigningKey, "action", action)
	}
	os.Exit(OutputResult(OutputConfig{JSON: jsonOutput}, "secrets init", start, result, false, nil))
}

// runSecretsRotate stores a fresh signing key as a new secret version.
// Cloud Run references "latest", so the running service switches on
// its next revision roll; sessions signed with the old key expire.
func runSecretsRotate(cmd *cobra.Command, args []string) {
	start := time.Now()
	prov := mustProvisioner()
	ctx := context.Background()

	key := secretval.NewSigningKey()
	defer key.Destroy()
	if err := prov.AddSecretVersion(ctx, cloudConfig.Secrets.SigningKeyName, key.Bytes()); err != nil {
		OutputError(jsonOutput, "Failed to rotate signing key", err)
		os.Exit(CLIExitError)
	}

	result := SecretsResult{SigningKey: cloudConfig.Secrets.SigningKeyName, Action: "rotated"}
	if !jsonOutput {
		appLogger.Info("signing key rotated; roll a new revision to pick it up",
			"secret", result.SigningKey)
	}
	os.Exit(OutputResult(OutputConfig{JSON: jsonOutput}, "secrets rotate-key", start, result, false, nil))
}

// mustProvisioner validates config and builds the live provisioner,
// exiting on failure.
func mustProvisioner() *gcp.GoogleProvisioner {
	if err := cloudConfig.Validate(); err != nil {
		OutputError(jsonOutput, "Invalid configuration", err)
		os.Exit(CLIExitError)
	}
	prov, err := gcp.NewGoogleProvisioner(context.Background(), gcp.GoogleOptions{
		Project:         cloudConfig.Project.ID,
		Region:          cloudConfig.Project.Region,
		Instance:        cloudConfig.Database.InstanceName,
		Database:        cloudConfig.Database.Name,
		DBUser:          cloudConfig.Database.User,
		Tier:            cloudConfig.Database.Tier,
		Version:         cloudConfig.Database.Version,
		DBFlags:         cloudConfig.Database.Flags,
		CredentialsFile: cloudConfig.Project.CredentialsFile,
		Logger:          appLogger,
	})
	if err != nil {
		OutputError(jsonOutput, "Failed to create provisioner", err)
		os.Exit(CLIExitError)
	}
	return prov
}
