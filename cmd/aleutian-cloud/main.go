// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianCloud/cmd/aleutian-cloud/config"
	"github.com/AleutianAI/AleutianCloud/pkg/logging"
)

// cloudConfig is loaded once in PersistentPreRunE and threaded into
// every command; commands never read the environment themselves.
var (
	cloudConfig config.CloudConfig
	appLogger   *logging.Logger
)

func main() {
	defer func() {
		if appLogger != nil {
			appLogger.Close()
		}
	}()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(CLIExitError)
	}
}

func init() {
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		cloudConfig = *cfg

		logger, err := logging.New(logging.Config{
			Level:   logging.ParseLevel(cloudConfig.Logging.Level),
			LogDir:  cloudConfig.Logging.Dir,
			Service: "aleutian-cloud",
		})
		if err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}
		appLogger = logger
		return nil
	}
}
