// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package verify

import (
	"bytes"
	"context"
	"os/exec"

	"github.com/AleutianAI/AleutianCloud/cmd/aleutian-cloud/internal/util"
)

// Restarter forces a restart of the deployed compute layer. The
// verification flow only cares that the running instance is replaced;
// how that happens is a deployment property, so it comes in as an
// interface: a Cloud Run revision bump, an operator command, or
// nothing at all when the restart is performed out of band.
type Restarter interface {
	// Restart issues the restart. It returns once the restart has been
	// accepted; readiness is the runner's job.
	Restart(ctx context.Context) error

	// Describe names the mechanism for logs and reports.
	Describe() string
}

// ExecRestarter runs an operator-supplied shell command.
type ExecRestarter struct {
	// Command is passed to sh -c.
	Command string
}

var _ Restarter = (*ExecRestarter)(nil)

func (r *ExecRestarter) Restart(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", r.Command)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		exitCode := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		return util.NewCommandError(r.Command, exitCode, stderr.String(), err)
	}
	return nil
}

func (r *ExecRestarter) Describe() string {
	return "command: " + r.Command
}

// NoopRestarter assumes the restart happens externally. The runner
// still polls readiness, so an operator can bounce the service by hand
// between the link and reverify phases.
type NoopRestarter struct{}

var _ Restarter = (*NoopRestarter)(nil)

func (NoopRestarter) Restart(ctx context.Context) error { return nil }

func (NoopRestarter) Describe() string { return "external (none)" }
