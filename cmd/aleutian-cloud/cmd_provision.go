// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianCloud/cmd/aleutian-cloud/internal/gcp"
)

// =============================================================================
// COMMAND IMPLEMENTATION
// =============================================================================

// runProvision drives the full provisioning sequence: enable the
// project APIs, create the Postgres instance with the vector flag,
// create the database and user, store the deploy secrets, grant the
// runtime service account access, and deploy the Cloud Run service.
//
// With --dry-run the plan is printed and nothing is called.
func runProvision(cmd *cobra.Command, args []string) {
	start := time.Now()
	outCfg := OutputConfig{JSON: jsonOutput}

	if err := cloudConfig.ValidateProvision(); err != nil {
		OutputError(jsonOutput, "Invalid configuration", err)
		os.Exit(CLIExitError)
	}

	if provisionDryRun {
		seq := gcp.NewSequence(nil, cloudConfig, appLogger)
		plan, err := seq.Plan()
		if err != nil {
			OutputError(jsonOutput, "Failed to render plan", err)
			os.Exit(CLIExitError)
		}
		if jsonOutput {
			os.Exit(OutputResult(outCfg, "provision --dry-run", start,
				map[string]string{"plan": plan}, false, nil))
		}
		fmt.Print(plan)
		os.Exit(CLIExitSuccess)
	}

	ctx := context.Background()
	prov, err := gcp.NewGoogleProvisioner(ctx, gcp.GoogleOptions{
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

	seq := gcp.NewSequence(prov, cloudConfig, appLogger)
	outcome, runErr := seq.Run(ctx)

	if !jsonOutput && outcome != nil {
		for _, s := range outcome.Steps {
			fmt.Printf("  %-18s %s\n", s.Step, s.Status)
		}
		if outcome.ServiceURL != "" {
			fmt.Printf("Service URL: %s\n", outcome.ServiceURL)
		}
	}
	os.Exit(OutputResult(outCfg, "provision", start, outcome, false, runErr))
}
