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
	"strings"

	"github.com/AleutianAI/AleutianCloud/cmd/aleutian-cloud/config"
	"github.com/AleutianAI/AleutianCloud/cmd/aleutian-cloud/internal/secretval"
	"github.com/AleutianAI/AleutianCloud/cmd/aleutian-cloud/internal/steps"
	"github.com/AleutianAI/AleutianCloud/cmd/aleutian-cloud/internal/util"
	"github.com/AleutianAI/AleutianCloud/pkg/logging"
)

// Provisioning step names, in execution order.
const (
	StepEnableAPIs     = "enable_apis"
	StepCreateInstance = "create_instance"
	StepCreateDatabase = "create_database"
	StepStoreSecrets   = "store_secrets"
	StepCreateUser     = "create_user"
	StepGrantAccess    = "grant_access"
	StepDeployService  = "deploy_service"
)

// RequiredAPIs are the project services provisioning depends on.
var RequiredAPIs = []string{
	"sqladmin.googleapis.com",
	"secretmanager.googleapis.com",
	"run.googleapis.com",
}

// Secret-backed environment variables injected into the service. The
// names follow what the deployed web UI reads at startup.
const (
	envSecretKey   = "WEBUI_SECRET_KEY"
	envDatabaseURL = "DATABASE_URL"
)

// Outcome is what a provisioning run produced.
type Outcome struct {
	ConnectionName    string         `json:"connection_name,omitempty"`
	ServiceURL        string         `json:"service_url,omitempty"`
	SigningKeyCreated bool           `json:"signing_key_created"`
	DatabaseURLStored bool           `json:"database_url_stored"`
	Steps             []steps.Result `json:"steps"`
}

// Sequence runs the ordered provisioning steps against a Provisioner.
//
// Secrets drive the ordering: the database URL secret embeds the user
// password, so the password is generated and stored BEFORE the user is
// created. When the URL secret already exists from a previous run, the
// stored password is unknown here, so the user step is skipped rather
// than resetting the password out from under the running service.
type Sequence struct {
	prov   Provisioner
	cfg    config.CloudConfig
	logger *logging.Logger
}

// NewSequence builds a Sequence. A nil logger gets the default.
func NewSequence(prov Provisioner, cfg config.CloudConfig, logger *logging.Logger) *Sequence {
	if logger == nil {
		logger = logging.Default()
	}
	return &Sequence{prov: prov, cfg: cfg, logger: logger}
}

// Run executes the full provisioning sequence, fail-fast. The returned
// outcome always carries the steps that executed; err is a classified
// *steps.Error naming the failing step.
func (s *Sequence) Run(ctx context.Context) (*Outcome, error) {
	rec := steps.NewRecorder()
	outcome := &Outcome{}
	finish := func(err error) (*Outcome, error) {
		outcome.Steps = rec.Results()
		return outcome, err
	}

	if err := rec.Run(StepEnableAPIs, func() error {
		return s.prov.EnableAPIs(ctx, RequiredAPIs)
	}); err != nil {
		return finish(err)
	}

	if err := rec.Run(StepCreateInstance, func() error {
		name, err := s.prov.EnsureInstance(ctx)
		if err != nil {
			return err
		}
		outcome.ConnectionName = name
		return nil
	}); err != nil {
		return finish(err)
	}

	if err := rec.Run(StepCreateDatabase, func() error {
		return s.prov.EnsureDatabase(ctx)
	}); err != nil {
		return finish(err)
	}

	// Secret material lives in locked buffers and is destroyed as soon
	// as it has been handed to Secret Manager.
	password := secretval.NewPassword()
	defer password.Destroy()

	if err := rec.Run(StepStoreSecrets, func() error {
		key := secretval.NewSigningKey()
		defer key.Destroy()
		created, err := s.prov.EnsureSecret(ctx, s.cfg.Secrets.SigningKeyName, key.Bytes())
		if err != nil {
			return err
		}
		outcome.SigningKeyCreated = created

		url, err := secretval.BuildDatabaseURL(
			s.cfg.Database.User, password, s.cfg.Database.Name, outcome.ConnectionName)
		if err != nil {
			return err
		}
		defer url.Destroy()
		stored, err := s.prov.EnsureSecret(ctx, s.cfg.Secrets.DatabaseURLName, url.Bytes())
		if err != nil {
			return err
		}
		outcome.DatabaseURLStored = stored
		return nil
	}); err != nil {
		return finish(err)
	}

	if outcome.DatabaseURLStored {
		if err := rec.Run(StepCreateUser, func() error {
			return s.prov.EnsureUser(ctx, password.String())
		}); err != nil {
			return finish(err)
		}
	} else {
		// The stored URL carries a password from an earlier run;
		// resetting the user now would break it.
		s.logger.Info("database URL secret already exists, leaving user password unchanged")
		rec.Skip(StepCreateUser)
	}

	if err := rec.Run(StepGrantAccess, func() error {
		for _, secret := range []string{s.cfg.Secrets.SigningKeyName, s.cfg.Secrets.DatabaseURLName} {
			if err := s.prov.GrantSecretAccess(ctx, secret, s.cfg.Project.RuntimeServiceAccount); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return finish(err)
	}

	if err := rec.Run(StepDeployService, func() error {
		spec, err := s.serviceSpec(outcome.ConnectionName)
		if err != nil {
			return err
		}
		url, err := s.prov.DeployService(ctx, *spec)
		if err != nil {
			return err
		}
		outcome.ServiceURL = url
		return nil
	}); err != nil {
		return finish(err)
	}

	s.logger.Info("provisioning complete",
		"service", s.cfg.Service.Name, "url", outcome.ServiceURL)
	return finish(nil)
}

// serviceSpec assembles the deploy request from config.
func (s *Sequence) serviceSpec(connectionName string) (*ServiceSpec, error) {
	env, err := util.FromMap(s.cfg.Service.Env, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid service environment: %w", err)
	}
	return &ServiceSpec{
		Name:           s.cfg.Service.Name,
		Image:          s.cfg.Service.Image,
		Port:           int64(s.cfg.Service.Port),
		ServiceAccount: s.cfg.Project.RuntimeServiceAccount,
		ConnectionName: connectionName,
		Env:            env,
		SecretEnv: map[string]string{
			envSecretKey:   s.cfg.Secrets.SigningKeyName,
			envDatabaseURL: s.cfg.Secrets.DatabaseURLName,
		},
	}, nil
}

// Plan renders what Run would do, without touching any API. Secret
// values are never generated for a plan; only their destinations are
// named.
func (s *Sequence) Plan() (string, error) {
	spec, err := s.serviceSpec(fmt.Sprintf("%s:%s:%s",
		s.cfg.Project.ID, s.cfg.Project.Region, s.cfg.Database.InstanceName))
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Provisioning plan for project %s (%s):\n",
		s.cfg.Project.ID, s.cfg.Project.Region)
	fmt.Fprintf(&b, "  1. %s: %s\n", StepEnableAPIs, strings.Join(RequiredAPIs, ", "))
	fmt.Fprintf(&b, "  2. %s: %s (tier %s, %s)\n", StepCreateInstance,
		s.cfg.Database.InstanceName, s.cfg.Database.Tier, s.cfg.Database.Version)
	for _, name := range sortedKeys(s.cfg.Database.Flags) {
		fmt.Fprintf(&b, "       flag %s=%s\n", name, s.cfg.Database.Flags[name])
	}
	fmt.Fprintf(&b, "  3. %s: %s\n", StepCreateDatabase, s.cfg.Database.Name)
	fmt.Fprintf(&b, "  4. %s: %s, %s (created only if absent)\n", StepStoreSecrets,
		s.cfg.Secrets.SigningKeyName, s.cfg.Secrets.DatabaseURLName)
	fmt.Fprintf(&b, "  5. %s: %s (skipped if the database URL secret already exists)\n",
		StepCreateUser, s.cfg.Database.User)
	fmt.Fprintf(&b, "  6. %s: %s -> %s\n", StepGrantAccess,
		"roles/secretmanager.secretAccessor", s.cfg.Project.RuntimeServiceAccount)
	fmt.Fprintf(&b, "  7. %s: %s image %s port %d\n", StepDeployService,
		spec.Name, spec.Image, spec.Port)
	for _, line := range spec.Env.RedactedSlice() {
		fmt.Fprintf(&b, "       env %s\n", line)
	}
	for _, name := range sortedKeys(spec.SecretEnv) {
		fmt.Fprintf(&b, "       env %s=<secret:%s>\n", name, spec.SecretEnv[name])
	}
	return b.String(), nil
}
