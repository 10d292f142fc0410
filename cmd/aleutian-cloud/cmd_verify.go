// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianCloud/cmd/aleutian-cloud/config"
	"github.com/AleutianAI/AleutianCloud/cmd/aleutian-cloud/gcs"
	"github.com/AleutianAI/AleutianCloud/cmd/aleutian-cloud/internal/gcp"
	"github.com/AleutianAI/AleutianCloud/cmd/aleutian-cloud/internal/steps"
	"github.com/AleutianAI/AleutianCloud/cmd/aleutian-cloud/internal/verify"
	"github.com/AleutianAI/AleutianCloud/cmd/aleutian-cloud/internal/webui"
)

// =============================================================================
// COMMAND IMPLEMENTATION
// =============================================================================

// runVerify executes the persistence verification against the deployed
// service: create a knowledge base, upload and link a file, restart the
// compute layer, wait for readiness, and confirm the same knowledge
// base id and file list come back.
//
// Exit codes: 0 when persistence held, 1 when the run completed but
// the data did not survive (or another structural check failed), 2 on
// operational errors.
func runVerify(cmd *cobra.Command, args []string) {
	start := time.Now()
	outCfg := OutputConfig{JSON: jsonOutput}

	if err := cloudConfig.ValidateVerify(); err != nil {
		OutputError(jsonOutput, "Invalid configuration", err)
		os.Exit(CLIExitError)
	}

	api := webui.NewClient(
		cloudConfig.Service.BaseURL,
		cloudConfig.APIKey,
		webui.PathStyle(cloudConfig.Service.APIPathStyle),
		nil,
	)

	ctx := context.Background()
	restarter, err := buildRestarter(ctx, cloudConfig)
	if err != nil {
		OutputError(jsonOutput, "Failed to create restarter", err)
		os.Exit(CLIExitError)
	}

	kbName := verifyKBName
	if kbName == "" {
		kbName = cloudConfig.Verify.KnowledgeBase
	}
	fileName := verifyFileName
	if fileName == "" {
		fileName = cloudConfig.Verify.FileName
	}

	runner := verify.NewRunner(api, restarter, appLogger, verify.Options{
		KnowledgeBase: kbName,
		FileName:      fileName,
		SkipRestart:   verifySkipRestart,
		ReadyTimeout:  cloudConfig.ReadyTimeoutDuration(),
	})
	report, runErr := runner.Run(ctx)

	if bucket := cloudConfig.Verify.ReportBucket; bucket != "" && report != nil {
		uploadReport(ctx, bucket, report)
	}

	if !jsonOutput && report != nil {
		for _, s := range report.Steps {
			fmt.Printf("  %-20s %s\n", s.Step, s.Status)
		}
		if report.Passed {
			fmt.Printf("Persistence verified: knowledge base %s (%s) survived the restart with %d file(s)\n",
				report.KnowledgeBase, report.KnowledgeID, report.FileCount)
		}
	}

	// A failed persistence assertion is a finding about the deployment,
	// not a tool error.
	if runErr != nil {
		var stepErr *steps.Error
		if errors.As(runErr, &stepErr) && stepErr.Class == steps.ClassStructural {
			os.Exit(OutputFinding(outCfg, "verify", start, report, "Verification failed", runErr))
		}
	}
	os.Exit(OutputResult(outCfg, "verify", start, report, false, runErr))
}

// buildRestarter picks the restart mechanism from config.
func buildRestarter(ctx context.Context, cfg config.CloudConfig) (verify.Restarter, error) {
	switch cfg.Verify.Restart.Mode {
	case "command":
		return &verify.ExecRestarter{Command: cfg.Verify.Restart.Command}, nil
	case "none":
		return verify.NoopRestarter{}, nil
	default:
		return gcp.NewCloudRunRestarter(ctx,
			cfg.Project.ID, cfg.Project.Region, cfg.Service.Name, cfg.Project.CredentialsFile)
	}
}

// uploadReport stores the run report in the configured bucket. Upload
// failures are logged, never fatal; the verification verdict stands.
func uploadReport(ctx context.Context, bucket string, report *verify.Report) {
	client, err := gcs.NewClient(ctx, bucket, cloudConfig.Project.CredentialsFile)
	if err != nil {
		appLogger.Warn("report upload skipped", "error", err)
		return
	}
	defer client.Close()
	objPath := gcs.ReportObjectPath(report.KnowledgeBase, report.RunID)
	if err := client.UploadJSON(ctx, objPath, report); err != nil {
		appLogger.Warn("report upload failed", "path", objPath, "error", err)
		return
	}
	appLogger.Info("report uploaded", "bucket", bucket, "path", objPath)
}
