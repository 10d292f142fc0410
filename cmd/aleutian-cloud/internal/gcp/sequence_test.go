// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package gcp

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"

	"github.com/AleutianAI/AleutianCloud/cmd/aleutian-cloud/config"
	"github.com/AleutianAI/AleutianCloud/cmd/aleutian-cloud/internal/steps"
)

// mockProvisioner records call order and can fail any single method.
type mockProvisioner struct {
	calls []string

	existingSecrets map[string]bool
	secretPayloads  map[string][]byte
	userPasswords   []string

	failOn  string
	failErr error
}

func newMockProvisioner() *mockProvisioner {
	return &mockProvisioner{
		existingSecrets: map[string]bool{},
		secretPayloads:  map[string][]byte{},
	}
}

func (m *mockProvisioner) fail(method string) error {
	if m.failOn == method {
		return m.failErr
	}
	return nil
}

func (m *mockProvisioner) EnableAPIs(ctx context.Context, apis []string) error {
	m.calls = append(m.calls, "EnableAPIs")
	return m.fail("EnableAPIs")
}

func (m *mockProvisioner) EnsureInstance(ctx context.Context) (string, error) {
	m.calls = append(m.calls, "EnsureInstance")
	if err := m.fail("EnsureInstance"); err != nil {
		return "", err
	}
	return "my-proj:us-central1:aleutian-pg", nil
}

func (m *mockProvisioner) EnsureDatabase(ctx context.Context) error {
	m.calls = append(m.calls, "EnsureDatabase")
	return m.fail("EnsureDatabase")
}

func (m *mockProvisioner) EnsureUser(ctx context.Context, password string) error {
	m.calls = append(m.calls, "EnsureUser")
	// The password string aliases a memguard locked buffer that the
	// sequence destroys before returning; keep a copy instead.
	m.userPasswords = append(m.userPasswords, strings.Clone(password))
	return m.fail("EnsureUser")
}

func (m *mockProvisioner) EnsureSecret(ctx context.Context, name string, payload []byte) (bool, error) {
	m.calls = append(m.calls, "EnsureSecret:"+name)
	if err := m.fail("EnsureSecret"); err != nil {
		return false, err
	}
	if m.existingSecrets[name] {
		return false, nil
	}
	m.secretPayloads[name] = append([]byte(nil), payload...)
	return true, nil
}

func (m *mockProvisioner) GrantSecretAccess(ctx context.Context, name, serviceAccount string) error {
	m.calls = append(m.calls, "GrantSecretAccess:"+name)
	return m.fail("GrantSecretAccess")
}

func (m *mockProvisioner) DeployService(ctx context.Context, spec ServiceSpec) (string, error) {
	m.calls = append(m.calls, "DeployService")
	if err := m.fail("DeployService"); err != nil {
		return "", err
	}
	return "https://aleutian-webui-abc123-uc.a.run.app", nil
}

var _ Provisioner = (*mockProvisioner)(nil)

func provisionConfig() config.CloudConfig {
	cfg := config.DefaultConfig()
	cfg.Project.ID = "my-proj"
	cfg.Project.RuntimeServiceAccount = "webui-runtime@my-proj.iam.gserviceaccount.com"
	cfg.Service.Image = "gcr.io/my-proj/webui:v1"
	return cfg
}

func TestSequenceRunOrder(t *testing.T) {
	prov := newMockProvisioner()
	seq := NewSequence(prov, provisionConfig(), nil)

	outcome, err := seq.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{
		"EnableAPIs",
		"EnsureInstance",
		"EnsureDatabase",
		"EnsureSecret:webui-secret-key",
		"EnsureSecret:webui-database-url",
		"EnsureUser",
		"GrantSecretAccess:webui-secret-key",
		"GrantSecretAccess:webui-database-url",
		"DeployService",
	}, prov.calls)

	assert.Equal(t, "my-proj:us-central1:aleutian-pg", outcome.ConnectionName)
	assert.Equal(t, "https://aleutian-webui-abc123-uc.a.run.app", outcome.ServiceURL)
	assert.True(t, outcome.SigningKeyCreated)
	assert.True(t, outcome.DatabaseURLStored)
}

func TestSequenceSecretsAreHexAndURLEmbedsSocketPath(t *testing.T) {
	prov := newMockProvisioner()
	seq := NewSequence(prov, provisionConfig(), nil)

	_, err := seq.Run(context.Background())
	require.NoError(t, err)

	key := string(prov.secretPayloads["webui-secret-key"])
	assert.Len(t, key, 64)
	assert.Regexp(t, "^[0-9a-f]+$", key)

	url := string(prov.secretPayloads["webui-database-url"])
	assert.Contains(t, url, "postgresql://webui:")
	assert.Contains(t, url, "@/webui?host=/cloudsql/my-proj:us-central1:aleutian-pg")

	// The password stored in the URL is the one set on the user.
	require.Len(t, prov.userPasswords, 1)
	assert.Contains(t, url, prov.userPasswords[0])
}

func TestSequenceSkipsUserWhenURLSecretExists(t *testing.T) {
	prov := newMockProvisioner()
	prov.existingSecrets["webui-database-url"] = true
	seq := NewSequence(prov, provisionConfig(), nil)

	outcome, err := seq.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, outcome.DatabaseURLStored)
	assert.NotContains(t, prov.calls, "EnsureUser")

	var userStep *steps.Result
	for i := range outcome.Steps {
		if outcome.Steps[i].Step == StepCreateUser {
			userStep = &outcome.Steps[i]
		}
	}
	require.NotNil(t, userStep)
	assert.Equal(t, steps.StatusSkipped, userStep.Status)
}

func TestSequenceFailFast(t *testing.T) {
	prov := newMockProvisioner()
	prov.failOn = "EnsureInstance"
	prov.failErr = &googleapi.Error{Code: 403, Message: "permission denied"}
	seq := NewSequence(prov, provisionConfig(), nil)

	outcome, err := seq.Run(context.Background())
	require.Error(t, err)

	var stepErr *steps.Error
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, StepCreateInstance, stepErr.Step)
	assert.Equal(t, steps.ClassStructural, stepErr.Class)

	// Nothing after the failing step ran.
	assert.Equal(t, []string{"EnableAPIs", "EnsureInstance"}, prov.calls)
	require.Len(t, outcome.Steps, 2)
	assert.Equal(t, steps.StatusFailed, outcome.Steps[1].Status)
}

func TestSequenceTransientFailureClass(t *testing.T) {
	prov := newMockProvisioner()
	prov.failOn = "DeployService"
	prov.failErr = &googleapi.Error{Code: 503, Message: "backend unavailable"}
	seq := NewSequence(prov, provisionConfig(), nil)

	_, err := seq.Run(context.Background())
	require.Error(t, err)

	var stepErr *steps.Error
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, StepDeployService, stepErr.Step)
	assert.Equal(t, steps.ClassTransient, stepErr.Class)
	assert.True(t, stepErr.Class.Retryable())
}

func TestSequencePlan(t *testing.T) {
	cfg := provisionConfig()
	cfg.Service.Env = map[string]string{
		"ENABLE_SIGNUP": "false",
		"ADMIN_TOKEN":   "super-secret",
	}
	seq := NewSequence(newMockProvisioner(), cfg, nil)

	plan, err := seq.Plan()
	require.NoError(t, err)

	assert.Contains(t, plan, "my-proj")
	assert.Contains(t, plan, "aleutian-pg")
	assert.Contains(t, plan, "cloudsql.enable_google_ml_integration=on")
	assert.Contains(t, plan, "gcr.io/my-proj/webui:v1")
	assert.Contains(t, plan, "env DATABASE_URL=<secret:webui-database-url>")
	assert.Contains(t, plan, "ENABLE_SIGNUP=false")
	// Sensitive plain env values are masked in the plan.
	assert.NotContains(t, plan, "super-secret")
}
