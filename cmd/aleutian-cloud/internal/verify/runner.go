// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

/*
Package verify asserts that data written through the deployed web UI's
REST API survives a restart of the compute layer.

The run is a linear, fail-fast state machine:

	start → authenticated → kb_created → file_uploaded → file_linked
	      → restart_issued → restart_settled → kb_reverified
	      → files_reverified → done

Each transition is one API call guarded by a shape check. Before
creating the probe knowledge base, any existing resource with the same
name is deleted so repeated runs are idempotent from the caller's
perspective — that cleanup is intentionally the only non-linear logic
here. The wait after the restart is a bounded readiness poll, never a
fixed sleep: if the service does not come back inside the window the
run fails with a distinct not-ready error instead of proceeding into
misleading assertion failures.
*/
package verify

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianCloud/cmd/aleutian-cloud/internal/readiness"
	"github.com/AleutianAI/AleutianCloud/cmd/aleutian-cloud/internal/steps"
	"github.com/AleutianAI/AleutianCloud/cmd/aleutian-cloud/internal/webui"
	"github.com/AleutianAI/AleutianCloud/pkg/logging"
)

// Step names, in execution order.
const (
	StepAuthenticate    = "authenticate"
	StepCleanupExisting = "cleanup_existing"
	StepCreateKB        = "create_knowledge"
	StepUploadFile      = "upload_file"
	StepLinkFile        = "link_file"
	StepRestart         = "restart"
	StepWaitReady       = "wait_ready"
	StepReverifyKB      = "reverify_knowledge"
	StepReverifyFiles   = "reverify_files"
)

// Options tunes a verification run.
type Options struct {
	// KnowledgeBase is the probe resource's display name. Empty picks
	// a timestamped default.
	KnowledgeBase string

	// FileName names the uploaded probe file.
	FileName string

	// FileContent is the probe file body. Empty uses a one-line body
	// carrying the run id.
	FileContent []byte

	// SkipRestart records the restart step as skipped. The readiness
	// poll still runs, covering deployments restarted out of band.
	SkipRestart bool

	// ReadyTimeout bounds the post-restart readiness poll.
	ReadyTimeout time.Duration

	// PollInitialInterval overrides the poll's first delay. Zero uses
	// the poller default.
	PollInitialInterval time.Duration
}

// Report is the JSON-serializable outcome of a run.
type Report struct {
	RunID         string         `json:"run_id"`
	KnowledgeBase string         `json:"knowledge_base"`
	KnowledgeID   string         `json:"knowledge_id,omitempty"`
	FileID        string         `json:"file_id,omitempty"`
	FileCount     int            `json:"file_count"`
	Restarter     string         `json:"restarter"`
	StartedAt     time.Time      `json:"started_at"`
	DurationMs    int64          `json:"duration_ms"`
	Passed        bool           `json:"passed"`
	Steps         []steps.Result `json:"steps"`
}

// Runner executes the persistence verification sequence.
type Runner struct {
	api       webui.API
	restarter Restarter
	logger    *logging.Logger
	opts      Options
	now       func() time.Time
}

// NewRunner builds a Runner. A nil logger gets the default stderr
// logger; a nil restarter gets NoopRestarter.
func NewRunner(api webui.API, restarter Restarter, logger *logging.Logger, opts Options) *Runner {
	if logger == nil {
		logger = logging.Default()
	}
	if restarter == nil {
		restarter = NoopRestarter{}
	}
	return &Runner{
		api:       api,
		restarter: restarter,
		logger:    logger,
		opts:      opts,
		now:       time.Now,
	}
}

// Run executes the full sequence. The returned report always carries
// the steps that executed, even when err is non-nil; err is a
// classified *steps.Error naming the failing step.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	start := r.now()
	report := &Report{
		RunID:     uuid.NewString(),
		StartedAt: start,
		Restarter: r.restarter.Describe(),
	}
	report.KnowledgeBase = r.opts.KnowledgeBase
	if report.KnowledgeBase == "" {
		report.KnowledgeBase = fmt.Sprintf("persistent-test-kb-%d", start.Unix())
	}
	fileName := r.opts.FileName
	if fileName == "" {
		fileName = "persistence-probe.txt"
	}
	fileContent := r.opts.FileContent
	if len(fileContent) == 0 {
		fileContent = []byte(fmt.Sprintf("aleutian persistence probe %s\n", report.RunID))
	}

	rec := steps.NewRecorder()
	finish := func(err error) (*Report, error) {
		report.Steps = rec.Results()
		report.DurationMs = r.now().Sub(start).Milliseconds()
		report.Passed = err == nil
		return report, err
	}

	// Auth failure must abort before any mutating call.
	if err := rec.Run(StepAuthenticate, func() error {
		return r.api.ListModels(ctx)
	}); err != nil {
		return finish(err)
	}

	if err := rec.Run(StepCleanupExisting, func() error {
		return r.cleanupExisting(ctx, report.KnowledgeBase)
	}); err != nil {
		return finish(err)
	}

	if err := rec.Run(StepCreateKB, func() error {
		kb, err := r.api.CreateKnowledge(ctx, report.KnowledgeBase, "AleutianCloud persistence verification")
		if err != nil {
			return err
		}
		report.KnowledgeID = kb.ID
		r.logger.Info("knowledge base created", "name", report.KnowledgeBase, "id", kb.ID)
		return nil
	}); err != nil {
		return finish(err)
	}

	if err := rec.Run(StepUploadFile, func() error {
		ref, err := r.api.UploadFile(ctx, fileName, bytes.NewReader(fileContent))
		if err != nil {
			return err
		}
		report.FileID = ref.ID
		return nil
	}); err != nil {
		return finish(err)
	}

	var preRestartCount int
	if err := rec.Run(StepLinkFile, func() error {
		kb, err := r.api.AddFileToKnowledge(ctx, report.KnowledgeID, report.FileID)
		if err != nil {
			return err
		}
		preRestartCount = len(kb.Files)
		report.FileCount = preRestartCount
		return nil
	}); err != nil {
		return finish(err)
	}

	if r.opts.SkipRestart {
		rec.Skip(StepRestart)
	} else {
		r.logger.Info("issuing restart", "mechanism", r.restarter.Describe())
		if err := rec.Run(StepRestart, func() error {
			return r.restarter.Restart(ctx)
		}); err != nil {
			return finish(err)
		}
	}

	if err := rec.Run(StepWaitReady, func() error {
		result, err := readiness.Wait(ctx, func(ctx context.Context) error {
			return r.api.ListModels(ctx)
		}, readiness.Options{
			Timeout:         r.opts.ReadyTimeout,
			InitialInterval: r.opts.PollInitialInterval,
			Jitter:          0.1,
		})
		if err != nil {
			return err
		}
		r.logger.Info("service ready after restart",
			"attempts", result.Attempts, "elapsed", result.Elapsed.Round(time.Millisecond))
		return nil
	}); err != nil {
		return finish(err)
	}

	if err := rec.Run(StepReverifyKB, func() error {
		kb, err := r.api.GetKnowledge(ctx, report.KnowledgeID)
		if err != nil {
			return err
		}
		if kb.ID != report.KnowledgeID {
			return fmt.Errorf("knowledge id changed across restart: had %s, got %s", report.KnowledgeID, kb.ID)
		}
		return nil
	}); err != nil {
		return finish(err)
	}

	if err := rec.Run(StepReverifyFiles, func() error {
		kb, err := r.api.GetKnowledge(ctx, report.KnowledgeID)
		if err != nil {
			return err
		}
		if len(kb.Files) != preRestartCount {
			return fmt.Errorf("file count changed across restart: had %d, got %d", preRestartCount, len(kb.Files))
		}
		if n := kb.FileCount(report.FileID); n != 1 {
			return fmt.Errorf("file %s appears %d times in knowledge file list, want exactly 1", report.FileID, n)
		}
		report.FileCount = len(kb.Files)
		return nil
	}); err != nil {
		return finish(err)
	}

	r.logger.Info("persistence verified",
		"knowledge", report.KnowledgeBase, "id", report.KnowledgeID, "files", report.FileCount)
	return finish(nil)
}

// cleanupExisting deletes any knowledge base already carrying the
// probe name, keeping repeated runs idempotent. A leftover resource
// from an aborted run is removed here rather than by any
// cleanup-on-abort path.
func (r *Runner) cleanupExisting(ctx context.Context, name string) error {
	existing, err := r.api.ListKnowledge(ctx)
	if err != nil {
		return err
	}
	for _, kb := range existing {
		if kb.Name != name {
			continue
		}
		r.logger.Info("removing leftover knowledge base", "name", name, "id", kb.ID)
		if err := r.api.DeleteKnowledge(ctx, kb.ID); err != nil {
			return err
		}
	}
	return nil
}
