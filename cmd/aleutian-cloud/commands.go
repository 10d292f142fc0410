// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	configPath string
	jsonOutput bool

	provisionDryRun bool

	verifyKBName      string
	verifyFileName    string
	verifySkipRestart bool

	rootCmd = &cobra.Command{
		Use:   "aleutian-cloud",
		Short: "A cli to provision and verify the Aleutian cloud deployment",
		Long: `Aleutian-cloud provisions the Google Cloud backing services for the
				Aleutian web UI (managed Postgres, secrets, Cloud Run) and verifies
				that data written through the UI survives a service restart.`,
	}

	// --- Provisioning ---
	provisionCmd = &cobra.Command{
		Use:   "provision",
		Short: "Provision the managed database, secrets, and Cloud Run service",
		Run:   runProvision, // Defined in cmd_provision.go
	}

	// --- Verification ---
	verifyCmd = &cobra.Command{
		Use:   "verify",
		Short: "Verify that uploaded data survives a restart of the deployed service",
		Run:   runVerify, // Defined in cmd_verify.go
	}

	// --- Secrets ---
	secretsCmd = &cobra.Command{
		Use:   "secrets",
		Short: "Manage the Secret Manager entries the deployment reads",
	}
	secretsInitCmd = &cobra.Command{
		Use:   "init",
		Short: "Create the deploy secrets if absent and grant runtime access",
		Run:   runSecretsInit, // Defined in cmd_secrets.go
	}
	secretsRotateCmd = &cobra.Command{
		Use:   "rotate-key",
		Short: "Store a new signing key version; the service picks it up on the next revision",
		Run:   runSecretsRotate, // Defined in cmd_secrets.go
	}

	// --- Status ---
	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show the configured deployment and whether the service answers",
		Run:   runStatus, // Defined in cmd_status.go
	}
)

// init runs when the Go program starts
func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Path to the config file (default ~/.aleutian/cloud.yaml)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Output as JSON for scripting")

	rootCmd.AddCommand(provisionCmd)
	provisionCmd.Flags().BoolVar(&provisionDryRun, "dry-run", false,
		"Print the provisioning plan without calling any API")

	rootCmd.AddCommand(verifyCmd)
	verifyCmd.Flags().StringVar(&verifyKBName, "kb-name", "",
		"Knowledge base name for the probe (default: timestamped)")
	verifyCmd.Flags().StringVar(&verifyFileName, "file", "",
		"Name of the uploaded probe file")
	verifyCmd.Flags().BoolVar(&verifySkipRestart, "skip-restart", false,
		"Skip the restart step; only poll readiness before re-verifying")

	rootCmd.AddCommand(secretsCmd)
	secretsCmd.AddCommand(secretsInitCmd)
	secretsCmd.AddCommand(secretsRotateCmd)

	rootCmd.AddCommand(statusCmd)
}
