// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package verify

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianCloud/cmd/aleutian-cloud/internal/steps"
	"github.com/AleutianAI/AleutianCloud/cmd/aleutian-cloud/internal/webui"
)

// mockAPI is a scriptable in-memory web UI. It records the order of
// calls so tests can assert that auth failures abort before any
// mutation, and it can drop or duplicate state after "restart" to
// simulate an ephemeral backing store.
type mockAPI struct {
	calls []string

	authErr   error
	knowledge map[string]*webui.Knowledge
	nextKBID  string
	nextFile  string

	// restartHook runs once at the first post-restart ListModels call,
	// letting tests mutate state as if the backing store was wiped.
	restartHook    func(m *mockAPI)
	restartPending bool
}

func newMockAPI() *mockAPI {
	return &mockAPI{
		knowledge: map[string]*webui.Knowledge{},
		nextKBID:  "kb-uuid-1",
		nextFile:  "file-uuid-1",
	}
}

func (m *mockAPI) ListModels(ctx context.Context) error {
	m.calls = append(m.calls, "ListModels")
	if m.restartPending && m.restartHook != nil {
		m.restartHook(m)
		m.restartPending = false
	}
	return m.authErr
}

func (m *mockAPI) ListKnowledge(ctx context.Context) ([]webui.Knowledge, error) {
	m.calls = append(m.calls, "ListKnowledge")
	out := make([]webui.Knowledge, 0, len(m.knowledge))
	for _, kb := range m.knowledge {
		out = append(out, *kb)
	}
	return out, nil
}

func (m *mockAPI) CreateKnowledge(ctx context.Context, name, description string) (*webui.Knowledge, error) {
	m.calls = append(m.calls, "CreateKnowledge")
	kb := &webui.Knowledge{ID: m.nextKBID, Name: name, Description: description}
	m.knowledge[kb.ID] = kb
	return kb, nil
}

func (m *mockAPI) GetKnowledge(ctx context.Context, id string) (*webui.Knowledge, error) {
	m.calls = append(m.calls, "GetKnowledge")
	kb, ok := m.knowledge[id]
	if !ok {
		return nil, &webui.APIError{Kind: webui.ErrKindNotFound, Op: "get knowledge", Status: 404}
	}
	copied := *kb
	return &copied, nil
}

func (m *mockAPI) DeleteKnowledge(ctx context.Context, id string) error {
	m.calls = append(m.calls, "DeleteKnowledge")
	delete(m.knowledge, id)
	return nil
}

func (m *mockAPI) UploadFile(ctx context.Context, filename string, content io.Reader) (*webui.FileRef, error) {
	m.calls = append(m.calls, "UploadFile")
	if _, err := io.ReadAll(content); err != nil {
		return nil, err
	}
	return &webui.FileRef{ID: m.nextFile, Name: filename}, nil
}

func (m *mockAPI) AddFileToKnowledge(ctx context.Context, knowledgeID, fileID string) (*webui.Knowledge, error) {
	m.calls = append(m.calls, "AddFileToKnowledge")
	kb, ok := m.knowledge[knowledgeID]
	if !ok {
		return nil, &webui.APIError{Kind: webui.ErrKindNotFound, Op: "add file", Status: 404}
	}
	kb.Files = append(kb.Files, webui.FileRef{ID: fileID})
	copied := *kb
	return &copied, nil
}

var _ webui.API = (*mockAPI)(nil)

// markRestarter flags the mock so its restart hook fires on the next
// readiness probe.
type markRestarter struct {
	api    *mockAPI
	called bool
}

func (r *markRestarter) Restart(ctx context.Context) error {
	r.called = true
	r.api.restartPending = true
	return nil
}

func (r *markRestarter) Describe() string { return "mock" }

func fastOptions() Options {
	return Options{
		KnowledgeBase:       "persistent-test-kb-1700000000",
		ReadyTimeout:        5 * time.Second,
		PollInitialInterval: time.Millisecond,
	}
}

func TestRunHappyPath(t *testing.T) {
	api := newMockAPI()
	restarter := &markRestarter{api: api}
	runner := NewRunner(api, restarter, nil, fastOptions())

	report, err := runner.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, report.Passed)
	assert.True(t, restarter.called)
	assert.Equal(t, "persistent-test-kb-1700000000", report.KnowledgeBase)
	assert.Equal(t, "kb-uuid-1", report.KnowledgeID)
	assert.Equal(t, "file-uuid-1", report.FileID)
	assert.Equal(t, 1, report.FileCount)
	assert.NotEmpty(t, report.RunID)

	wantSteps := []string{
		StepAuthenticate, StepCleanupExisting, StepCreateKB, StepUploadFile,
		StepLinkFile, StepRestart, StepWaitReady, StepReverifyKB, StepReverifyFiles,
	}
	require.Len(t, report.Steps, len(wantSteps))
	for i, step := range wantSteps {
		assert.Equal(t, step, report.Steps[i].Step)
		assert.Equal(t, steps.StatusOK, report.Steps[i].Status, step)
	}
}

func TestRunCleansUpLeftoverKnowledge(t *testing.T) {
	api := newMockAPI()
	// A previous aborted run left the probe resource behind.
	api.knowledge["kb-stale"] = &webui.Knowledge{
		ID:   "kb-stale",
		Name: "persistent-test-kb-1700000000",
	}
	runner := NewRunner(api, &markRestarter{api: api}, nil, fastOptions())

	report, err := runner.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Passed)

	assert.Contains(t, api.calls, "DeleteKnowledge")
	assert.NotContains(t, api.knowledge, "kb-stale")
	assert.Equal(t, "kb-uuid-1", report.KnowledgeID)
}

func TestRunAuthFailureAbortsBeforeMutation(t *testing.T) {
	api := newMockAPI()
	api.authErr = &webui.APIError{Kind: webui.ErrKindAuth, Op: "list models", Status: 401}
	runner := NewRunner(api, &markRestarter{api: api}, nil, fastOptions())

	report, err := runner.Run(context.Background())
	require.Error(t, err)
	assert.False(t, report.Passed)

	var stepErr *steps.Error
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, StepAuthenticate, stepErr.Step)
	assert.Equal(t, steps.ClassStructural, stepErr.Class)

	// No mutating endpoint may have been touched.
	assert.Equal(t, []string{"ListModels"}, api.calls)
	require.Len(t, report.Steps, 1)
	assert.Equal(t, steps.StatusFailed, report.Steps[0].Status)
}

func TestRunDetectsKnowledgeLossAfterRestart(t *testing.T) {
	api := newMockAPI()
	// Simulate an ephemeral store: the knowledge base vanishes on
	// restart.
	api.restartHook = func(m *mockAPI) {
		m.knowledge = map[string]*webui.Knowledge{}
	}
	runner := NewRunner(api, &markRestarter{api: api}, nil, fastOptions())

	report, err := runner.Run(context.Background())
	require.Error(t, err)
	assert.False(t, report.Passed)

	var stepErr *steps.Error
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, StepReverifyKB, stepErr.Step)
	assert.Equal(t, steps.ClassStructural, stepErr.Class)
}

func TestRunDetectsFileCountDivergence(t *testing.T) {
	api := newMockAPI()
	// The knowledge base survives but loses its file association.
	api.restartHook = func(m *mockAPI) {
		for _, kb := range m.knowledge {
			kb.Files = nil
		}
	}
	runner := NewRunner(api, &markRestarter{api: api}, nil, fastOptions())

	report, err := runner.Run(context.Background())
	require.Error(t, err)
	assert.False(t, report.Passed)

	var stepErr *steps.Error
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, StepReverifyFiles, stepErr.Step)
	assert.Contains(t, stepErr.Wrapped.Error(), "file count changed")
}

func TestRunSkipRestart(t *testing.T) {
	api := newMockAPI()
	restarter := &markRestarter{api: api}
	opts := fastOptions()
	opts.SkipRestart = true
	runner := NewRunner(api, restarter, nil, opts)

	report, err := runner.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, restarter.called)

	var restartResult *steps.Result
	for i := range report.Steps {
		if report.Steps[i].Step == StepRestart {
			restartResult = &report.Steps[i]
		}
	}
	require.NotNil(t, restartResult)
	assert.Equal(t, steps.StatusSkipped, restartResult.Status)
}

func TestRunDefaultsKnowledgeBaseName(t *testing.T) {
	api := newMockAPI()
	opts := fastOptions()
	opts.KnowledgeBase = ""
	runner := NewRunner(api, &markRestarter{api: api}, nil, opts)

	report, err := runner.Run(context.Background())
	require.NoError(t, err)
	assert.Regexp(t, `^persistent-test-kb-\d+$`, report.KnowledgeBase)
}
