// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package gcp

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/api/option"
	"google.golang.org/api/run/v2"

	"github.com/AleutianAI/AleutianCloud/cmd/aleutian-cloud/internal/verify"
)

// restartAnnotation is bumped on the revision template to force a new
// revision without changing the image or configuration.
const restartAnnotation = "aleutian.ai/restarted-at"

// CloudRunRestarter restarts a Cloud Run service by rolling a new
// revision. Cloud Run has no restart verb; changing any template field
// replaces the running instances, which is exactly the persistence
// test we want.
type CloudRunRestarter struct {
	runSvc       *run.Service
	project      string
	region       string
	service      string
	pollInterval time.Duration
	now          func() time.Time
}

var _ verify.Restarter = (*CloudRunRestarter)(nil)

// NewCloudRunRestarter builds the restarter. An empty credentialsFile
// uses Application Default Credentials.
func NewCloudRunRestarter(ctx context.Context, project, region, service, credentialsFile string) (*CloudRunRestarter, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	runSvc, err := run.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Cloud Run client: %w", err)
	}
	return &CloudRunRestarter{
		runSvc:       runSvc,
		project:      project,
		region:       region,
		service:      service,
		pollInterval: 5 * time.Second,
		now:          time.Now,
	}, nil
}

// Restart bumps the restart annotation and waits for the patch
// operation to settle. The operation settling means the new revision
// was accepted, not that it is serving; readiness is polled separately
// by the verification runner.
func (r *CloudRunRestarter) Restart(ctx context.Context) error {
	fullName := fmt.Sprintf("projects/%s/locations/%s/services/%s", r.project, r.region, r.service)
	svc, err := r.runSvc.Projects.Locations.Services.Get(fullName).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("failed to look up Cloud Run service %s: %w", r.service, err)
	}
	if svc.Template.Annotations == nil {
		svc.Template.Annotations = map[string]string{}
	}
	svc.Template.Annotations[restartAnnotation] = r.now().UTC().Format(time.RFC3339)

	op, err := r.runSvc.Projects.Locations.Services.Patch(fullName, svc).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("failed to roll new revision for %s: %w", r.service, err)
	}
	for !op.Done {
		if err := sleepOrDone(ctx, r.pollInterval); err != nil {
			return err
		}
		op, err = r.runSvc.Projects.Locations.Operations.Get(op.Name).Context(ctx).Do()
		if err != nil {
			return fmt.Errorf("failed to poll restart operation: %w", err)
		}
	}
	if op.Error != nil {
		return fmt.Errorf("restart of %s failed: %s", r.service, op.Error.Message)
	}
	return nil
}

func (r *CloudRunRestarter) Describe() string {
	return fmt.Sprintf("cloudrun revision roll (%s/%s)", r.region, r.service)
}
