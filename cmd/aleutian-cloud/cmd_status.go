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

	"github.com/AleutianAI/AleutianCloud/cmd/aleutian-cloud/internal/webui"
)

// runStatus shows the configured deployment and probes the service
// endpoint once. Exit code 1 means the service did not answer.
func runStatus(cmd *cobra.Command, args []string) {
	start := time.Now()

	result := StatusResult{
		Service:      cloudConfig.Service.Name,
		BaseURL:      cloudConfig.Service.BaseURL,
		Project:      cloudConfig.Project.ID,
		Region:       cloudConfig.Project.Region,
		Instance:     cloudConfig.Database.InstanceName,
		Database:     cloudConfig.Database.Name,
		PathStyle:    cloudConfig.Service.APIPathStyle,
		ReportBucket: cloudConfig.Verify.ReportBucket,
	}

	if cloudConfig.Service.BaseURL != "" && cloudConfig.APIKey != "" {
		api := webui.NewClient(
			cloudConfig.Service.BaseURL,
			cloudConfig.APIKey,
			webui.PathStyle(cloudConfig.Service.APIPathStyle),
			nil,
		)
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := api.ListModels(ctx); err != nil {
			result.Error = err.Error()
		} else {
			result.Reachable = true
		}
	} else {
		result.Error = "base_url or ALEUTIAN_WEBUI_KEY not set, endpoint not probed"
	}

	if !jsonOutput {
		fmt.Printf("Service:   %s (project %s, %s)\n", result.Service, result.Project, result.Region)
		fmt.Printf("Database:  %s on instance %s\n", result.Database, result.Instance)
		if result.BaseURL != "" {
			fmt.Printf("Endpoint:  %s (path style %s)\n", result.BaseURL, result.PathStyle)
		}
		if result.Reachable {
			fmt.Println("Status:    reachable")
		} else {
			fmt.Printf("Status:    not reachable (%s)\n", result.Error)
		}
	}

	os.Exit(OutputResult(OutputConfig{JSON: jsonOutput}, "status", start,
		result, !result.Reachable, nil))
}
