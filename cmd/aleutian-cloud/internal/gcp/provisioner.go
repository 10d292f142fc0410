// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package gcp provisions the managed backing services the web UI
// deployment needs: project APIs, a Cloud SQL Postgres instance with
// the vector extension enabled, Secret Manager entries, and the Cloud
// Run service itself.
//
// Every operation is idempotent at the resource level: existing
// resources are detected and reused, never recreated. Secrets in
// particular are created exactly once; a second provisioning run finds
// them and leaves the stored values untouched.
package gcp

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"time"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/run/v2"
	"google.golang.org/api/secretmanager/v1"
	"google.golang.org/api/serviceusage/v1"
	"google.golang.org/api/sqladmin/v1"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianCloud/cmd/aleutian-cloud/internal/util"
	"github.com/AleutianAI/AleutianCloud/pkg/logging"
)

// =============================================================================
// Provisioner Interface
// =============================================================================

// ServiceSpec describes the Cloud Run service to deploy.
type ServiceSpec struct {
	// Name is the Cloud Run service id.
	Name string

	// Image is the full container image reference.
	Image string

	// Port is the container port the image listens on.
	Port int64

	// ServiceAccount runs the revision; it must hold secret access.
	ServiceAccount string

	// ConnectionName is the Cloud SQL instance connection string
	// (project:region:instance) mounted as a unix-socket volume.
	ConnectionName string

	// Env is the plain (non-secret) environment.
	Env *util.EnvVars

	// SecretEnv maps environment variable names to Secret Manager
	// secret ids. The latest version is always referenced.
	SecretEnv map[string]string
}

// Provisioner is the surface the provisioning sequence drives.
//
// # Description
//
// Each method maps to one infrastructure concern and is safe to call
// repeatedly: implementations check for the resource first and only
// create what is missing. Methods block until the underlying
// long-running operation settles, so a nil return means the resource
// exists and is usable.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use; EnableAPIs in
// particular fans out internally.
type Provisioner interface {
	// EnableAPIs enables the given service APIs (e.g.
	// "sqladmin.googleapis.com") on the project, in parallel.
	EnableAPIs(ctx context.Context, apis []string) error

	// EnsureInstance creates the Cloud SQL instance if absent and
	// returns its connection name (project:region:instance).
	EnsureInstance(ctx context.Context) (string, error)

	// EnsureDatabase creates the application database if absent.
	EnsureDatabase(ctx context.Context) error

	// EnsureUser creates the application user, or resets its password
	// when the user already exists.
	EnsureUser(ctx context.Context, password string) error

	// EnsureSecret creates the named secret and stores payload as its
	// first version. When the secret already exists the payload is NOT
	// written; the return value reports whether a new secret was made.
	EnsureSecret(ctx context.Context, name string, payload []byte) (bool, error)

	// GrantSecretAccess gives serviceAccount accessor rights on the
	// named secret. Granting an existing binding is a no-op.
	GrantSecretAccess(ctx context.Context, name, serviceAccount string) error

	// DeployService creates or updates the Cloud Run service and
	// returns its serving URL.
	DeployService(ctx context.Context, spec ServiceSpec) (string, error)
}

// =============================================================================
// GoogleProvisioner
// =============================================================================

// GoogleProvisioner implements Provisioner against the live Google
// Cloud APIs.
type GoogleProvisioner struct {
	project  string
	region   string
	instance string
	database string
	dbUser   string
	tier     string
	version  string
	dbFlags  map[string]string

	usage   *serviceusage.Service
	sql     *sqladmin.Service
	secrets *secretmanager.Service
	runSvc  *run.Service

	logger *logging.Logger

	// pollInterval between long-running-operation status checks.
	pollInterval time.Duration
}

var _ Provisioner = (*GoogleProvisioner)(nil)

// GoogleOptions configures NewGoogleProvisioner.
type GoogleOptions struct {
	Project  string
	Region   string
	Instance string
	Database string
	DBUser   string
	Tier     string
	Version  string
	DBFlags  map[string]string

	// CredentialsFile is an optional service account key path. Empty
	// uses Application Default Credentials.
	CredentialsFile string

	Logger *logging.Logger
}

// NewGoogleProvisioner builds all four API clients up front so a
// credential problem surfaces before any step runs.
func NewGoogleProvisioner(ctx context.Context, opts GoogleOptions) (*GoogleProvisioner, error) {
	var clientOpts []option.ClientOption
	if opts.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(opts.CredentialsFile))
	}
	usage, err := serviceusage.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create service usage client: %w", err)
	}
	sqlSvc, err := sqladmin.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Cloud SQL admin client: %w", err)
	}
	secretSvc, err := secretmanager.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Secret Manager client: %w", err)
	}
	runSvc, err := run.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Cloud Run client: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &GoogleProvisioner{
		project:      opts.Project,
		region:       opts.Region,
		instance:     opts.Instance,
		database:     opts.Database,
		dbUser:       opts.DBUser,
		tier:         opts.Tier,
		version:      opts.Version,
		dbFlags:      opts.DBFlags,
		usage:        usage,
		sql:          sqlSvc,
		secrets:      secretSvc,
		runSvc:       runSvc,
		logger:       logger,
		pollInterval: 5 * time.Second,
	}, nil
}

// EnableAPIs enables every API concurrently and waits for all of them.
// Enabling an already-enabled API returns a completed operation, so
// repeat runs cost one round trip per API.
func (p *GoogleProvisioner) EnableAPIs(ctx context.Context, apis []string) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, api := range apis {
		api := api
		g.Go(func() error {
			name := fmt.Sprintf("projects/%s/services/%s", p.project, api)
			op, err := p.usage.Services.Enable(name, &serviceusage.EnableServiceRequest{}).Context(gctx).Do()
			if err != nil {
				return fmt.Errorf("failed to enable API %s: %w", api, err)
			}
			if err := p.waitUsageOperation(gctx, op); err != nil {
				return fmt.Errorf("enable of API %s did not settle: %w", api, err)
			}
			p.logger.Info("API enabled", "api", api)
			return nil
		})
	}
	return g.Wait()
}

// EnsureInstance reuses an existing instance verbatim; flags on an
// existing instance are not reconciled here.
func (p *GoogleProvisioner) EnsureInstance(ctx context.Context) (string, error) {
	existing, err := p.sql.Instances.Get(p.project, p.instance).Context(ctx).Do()
	if err == nil {
		p.logger.Info("Cloud SQL instance already exists", "instance", p.instance)
		return existing.ConnectionName, nil
	}
	if !isNotFound(err) {
		return "", fmt.Errorf("failed to look up Cloud SQL instance %s: %w", p.instance, err)
	}

	flags := make([]*sqladmin.DatabaseFlags, 0, len(p.dbFlags))
	for name, value := range p.dbFlags {
		flags = append(flags, &sqladmin.DatabaseFlags{Name: name, Value: value})
	}
	inst := &sqladmin.DatabaseInstance{
		Name:            p.instance,
		Region:          p.region,
		DatabaseVersion: p.version,
		Settings: &sqladmin.Settings{
			Tier:          p.tier,
			DatabaseFlags: flags,
		},
	}
	p.logger.Info("creating Cloud SQL instance; this can take several minutes",
		"instance", p.instance, "tier", p.tier, "version", p.version)
	op, err := p.sql.Instances.Insert(p.project, inst).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("failed to create Cloud SQL instance %s: %w", p.instance, err)
	}
	if err := p.waitSQLOperation(ctx, op); err != nil {
		return "", fmt.Errorf("Cloud SQL instance creation did not settle: %w", err)
	}
	created, err := p.sql.Instances.Get(p.project, p.instance).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("instance created but lookup failed: %w", err)
	}
	return created.ConnectionName, nil
}

func (p *GoogleProvisioner) EnsureDatabase(ctx context.Context) error {
	_, err := p.sql.Databases.Get(p.project, p.instance, p.database).Context(ctx).Do()
	if err == nil {
		p.logger.Info("database already exists", "database", p.database)
		return nil
	}
	if !isNotFound(err) {
		return fmt.Errorf("failed to look up database %s: %w", p.database, err)
	}
	op, err := p.sql.Databases.Insert(p.project, p.instance, &sqladmin.Database{
		Name: p.database,
	}).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("failed to create database %s: %w", p.database, err)
	}
	if err := p.waitSQLOperation(ctx, op); err != nil {
		return fmt.Errorf("database creation did not settle: %w", err)
	}
	p.logger.Info("database created", "database", p.database)
	return nil
}

// EnsureUser resets the password when the user exists so a fresh
// provisioning run and the stored database URL stay consistent.
func (p *GoogleProvisioner) EnsureUser(ctx context.Context, password string) error {
	users, err := p.sql.Users.List(p.project, p.instance).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("failed to list database users: %w", err)
	}
	exists := false
	for _, u := range users.Items {
		if u.Name == p.dbUser {
			exists = true
			break
		}
	}
	user := &sqladmin.User{Name: p.dbUser, Password: password}
	var op *sqladmin.Operation
	if exists {
		op, err = p.sql.Users.Update(p.project, p.instance, user).Name(p.dbUser).Context(ctx).Do()
	} else {
		op, err = p.sql.Users.Insert(p.project, p.instance, user).Context(ctx).Do()
	}
	if err != nil {
		return fmt.Errorf("failed to ensure database user %s: %w", p.dbUser, err)
	}
	if err := p.waitSQLOperation(ctx, op); err != nil {
		return fmt.Errorf("user operation did not settle: %w", err)
	}
	p.logger.Info("database user ready", "user", p.dbUser, "existing", exists)
	return nil
}

// EnsureSecret never overwrites a stored value: a regenerated value
// would silently diverge from what the running service reads. The
// create and the first AddVersion are two API calls, so a crash
// between them leaves a secret with no versions; such a half-created
// secret cannot serve "latest" and is seeded with payload here, which
// makes re-running the tool the repair path. The return value reports
// whether payload was stored.
func (p *GoogleProvisioner) EnsureSecret(ctx context.Context, name string, payload []byte) (bool, error) {
	fullName := fmt.Sprintf("projects/%s/secrets/%s", p.project, name)
	_, err := p.secrets.Projects.Secrets.Get(fullName).Context(ctx).Do()
	switch {
	case err == nil:
		servable, verr := p.secretHasServableVersion(ctx, fullName)
		if verr != nil {
			return false, fmt.Errorf("failed to list versions of secret %s: %w", name, verr)
		}
		if servable {
			p.logger.Info("secret already exists, keeping stored value", "secret", name)
			return false, nil
		}
		if err := p.addVersion(ctx, fullName, payload); err != nil {
			return false, fmt.Errorf("failed to store secret %s value: %w", name, err)
		}
		p.logger.Info("secret existed without a usable version, value stored", "secret", name)
		return true, nil
	case isNotFound(err):
		parent := "projects/" + p.project
		_, err = p.secrets.Projects.Secrets.Create(parent, &secretmanager.Secret{
			Replication: &secretmanager.Replication{
				Automatic: &secretmanager.Automatic{},
			},
		}).SecretId(name).Context(ctx).Do()
		if err != nil {
			return false, fmt.Errorf("failed to create secret %s: %w", name, err)
		}
		if err := p.addVersion(ctx, fullName, payload); err != nil {
			return false, fmt.Errorf("failed to store secret %s value: %w", name, err)
		}
		p.logger.Info("secret created", "secret", name)
		return true, nil
	default:
		return false, fmt.Errorf("failed to look up secret %s: %w", name, err)
	}
}

// secretHasServableVersion reports whether the secret has at least one
// version that is not destroyed, i.e. whether "latest" resolves.
func (p *GoogleProvisioner) secretHasServableVersion(ctx context.Context, fullName string) (bool, error) {
	resp, err := p.secrets.Projects.Secrets.Versions.List(fullName).Context(ctx).Do()
	if err != nil {
		return false, err
	}
	for _, v := range resp.Versions {
		if v.State != "DESTROYED" {
			return true, nil
		}
	}
	return false, nil
}

func (p *GoogleProvisioner) addVersion(ctx context.Context, fullName string, payload []byte) error {
	_, err := p.secrets.Projects.Secrets.AddVersion(fullName, &secretmanager.AddSecretVersionRequest{
		Payload: &secretmanager.SecretPayload{
			Data: base64.StdEncoding.EncodeToString(payload),
		},
	}).Context(ctx).Do()
	return err
}

// AddSecretVersion stores payload as a new version of an existing
// secret. Unlike EnsureSecret this is an explicit overwrite, used by
// the rotate command; it is deliberately not part of the Provisioner
// interface so the provisioning sequence can never rotate implicitly.
func (p *GoogleProvisioner) AddSecretVersion(ctx context.Context, name string, payload []byte) error {
	fullName := fmt.Sprintf("projects/%s/secrets/%s", p.project, name)
	if err := p.addVersion(ctx, fullName, payload); err != nil {
		return fmt.Errorf("failed to add version to secret %s: %w", name, err)
	}
	p.logger.Info("secret version added", "secret", name)
	return nil
}

func (p *GoogleProvisioner) GrantSecretAccess(ctx context.Context, name, serviceAccount string) error {
	resource := fmt.Sprintf("projects/%s/secrets/%s", p.project, name)
	policy, err := p.secrets.Projects.Secrets.GetIamPolicy(resource).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("failed to read IAM policy on secret %s: %w", name, err)
	}

	const role = "roles/secretmanager.secretAccessor"
	member := "serviceAccount:" + serviceAccount
	for _, b := range policy.Bindings {
		if b.Role != role {
			continue
		}
		for _, m := range b.Members {
			if m == member {
				return nil
			}
		}
		b.Members = append(b.Members, member)
		return p.setSecretPolicy(ctx, resource, name, policy)
	}
	policy.Bindings = append(policy.Bindings, &secretmanager.Binding{
		Role:    role,
		Members: []string{member},
	})
	return p.setSecretPolicy(ctx, resource, name, policy)
}

func (p *GoogleProvisioner) setSecretPolicy(ctx context.Context, resource, name string, policy *secretmanager.Policy) error {
	_, err := p.secrets.Projects.Secrets.SetIamPolicy(resource, &secretmanager.SetIamPolicyRequest{
		Policy: policy,
	}).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("failed to grant access on secret %s: %w", name, err)
	}
	p.logger.Info("secret access granted", "secret", name)
	return nil
}

// DeployService creates the service on first run and patches the full
// template on later runs, which also rolls a new revision.
func (p *GoogleProvisioner) DeployService(ctx context.Context, spec ServiceSpec) (string, error) {
	svc := buildRunService(spec)
	fullName := fmt.Sprintf("projects/%s/locations/%s/services/%s", p.project, p.region, spec.Name)

	_, err := p.runSvc.Projects.Locations.Services.Get(fullName).Context(ctx).Do()
	var op *run.GoogleLongrunningOperation
	switch {
	case err == nil:
		p.logger.Info("updating Cloud Run service", "service", spec.Name, "image", spec.Image)
		op, err = p.runSvc.Projects.Locations.Services.Patch(fullName, svc).Context(ctx).Do()
	case isNotFound(err):
		parent := fmt.Sprintf("projects/%s/locations/%s", p.project, p.region)
		p.logger.Info("creating Cloud Run service", "service", spec.Name, "image", spec.Image)
		op, err = p.runSvc.Projects.Locations.Services.Create(parent, svc).ServiceId(spec.Name).Context(ctx).Do()
	default:
		return "", fmt.Errorf("failed to look up Cloud Run service %s: %w", spec.Name, err)
	}
	if err != nil {
		return "", fmt.Errorf("failed to deploy Cloud Run service %s: %w", spec.Name, err)
	}
	if err := p.waitRunOperation(ctx, op); err != nil {
		return "", fmt.Errorf("Cloud Run deployment did not settle: %w", err)
	}

	deployed, err := p.runSvc.Projects.Locations.Services.Get(fullName).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("service deployed but lookup failed: %w", err)
	}
	p.logger.Info("Cloud Run service deployed", "service", spec.Name, "url", deployed.Uri)
	return deployed.Uri, nil
}

// buildRunService translates a ServiceSpec into the Cloud Run v2
// shape: one container, secret-backed env vars, and the Cloud SQL
// unix-socket volume mounted at the conventional /cloudsql path.
func buildRunService(spec ServiceSpec) *run.GoogleCloudRunV2Service {
	env := make([]*run.GoogleCloudRunV2EnvVar, 0, spec.Env.Len()+len(spec.SecretEnv))
	for _, v := range spec.Env.Sorted() {
		env = append(env, &run.GoogleCloudRunV2EnvVar{Name: v.Key, Value: v.Value})
	}
	for _, name := range sortedKeys(spec.SecretEnv) {
		env = append(env, &run.GoogleCloudRunV2EnvVar{
			Name: name,
			ValueSource: &run.GoogleCloudRunV2EnvVarSource{
				SecretKeyRef: &run.GoogleCloudRunV2SecretKeySelector{
					Secret:  spec.SecretEnv[name],
					Version: "latest",
				},
			},
		})
	}

	container := &run.GoogleCloudRunV2Container{
		Image: spec.Image,
		Ports: []*run.GoogleCloudRunV2ContainerPort{{ContainerPort: spec.Port}},
		Env:   env,
	}
	template := &run.GoogleCloudRunV2RevisionTemplate{
		ServiceAccount: spec.ServiceAccount,
		Containers:     []*run.GoogleCloudRunV2Container{container},
	}
	if spec.ConnectionName != "" {
		template.Volumes = []*run.GoogleCloudRunV2Volume{{
			Name: "cloudsql",
			CloudSqlInstance: &run.GoogleCloudRunV2CloudSqlInstance{
				Instances: []string{spec.ConnectionName},
			},
		}}
		container.VolumeMounts = []*run.GoogleCloudRunV2VolumeMount{{
			Name:      "cloudsql",
			MountPath: "/cloudsql",
		}}
	}
	return &run.GoogleCloudRunV2Service{Template: template}
}

// =============================================================================
// Operation polling
// =============================================================================

func (p *GoogleProvisioner) waitSQLOperation(ctx context.Context, op *sqladmin.Operation) error {
	for {
		if op.Status == "DONE" {
			if op.Error != nil && len(op.Error.Errors) > 0 {
				return fmt.Errorf("operation %s failed: %s", op.Name, op.Error.Errors[0].Message)
			}
			return nil
		}
		if err := sleepOrDone(ctx, p.pollInterval); err != nil {
			return err
		}
		var err error
		op, err = p.sql.Operations.Get(p.project, op.Name).Context(ctx).Do()
		if err != nil {
			return fmt.Errorf("failed to poll operation: %w", err)
		}
	}
}

func (p *GoogleProvisioner) waitUsageOperation(ctx context.Context, op *serviceusage.Operation) error {
	for {
		if op.Done {
			if op.Error != nil {
				return fmt.Errorf("operation %s failed: %s", op.Name, op.Error.Message)
			}
			return nil
		}
		if err := sleepOrDone(ctx, p.pollInterval); err != nil {
			return err
		}
		var err error
		op, err = p.usage.Operations.Get(op.Name).Context(ctx).Do()
		if err != nil {
			return fmt.Errorf("failed to poll operation: %w", err)
		}
	}
}

func (p *GoogleProvisioner) waitRunOperation(ctx context.Context, op *run.GoogleLongrunningOperation) error {
	for {
		if op.Done {
			if op.Error != nil {
				return fmt.Errorf("operation %s failed: %s", op.Name, op.Error.Message)
			}
			return nil
		}
		if err := sleepOrDone(ctx, p.pollInterval); err != nil {
			return err
		}
		var err error
		op, err = p.runSvc.Projects.Locations.Operations.Get(op.Name).Context(ctx).Do()
		if err != nil {
			return fmt.Errorf("failed to poll operation: %w", err)
		}
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func isNotFound(err error) bool {
	var gErr *googleapi.Error
	return errors.As(err, &gErr) && gErr.Code == 404
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
