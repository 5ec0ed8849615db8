// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package execctx builds the per-invocation environment handed to skill
// handlers: a fresh workspace, a scoped logger, the secrets accessor,
// and the effective execution policy.
package execctx

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skillweave/skillweave/internal/artifact"
	"github.com/skillweave/skillweave/internal/workspace"
	"github.com/skillweave/skillweave/pkg/skill"
)

// Factory mints execution contexts.
type Factory struct {
	workspaces *workspace.Manager
	secrets    skill.Secrets
	logger     *slog.Logger

	// defaultTimeout caps steps whose descriptor declares no
	// max_runtime_sec.
	defaultTimeout time.Duration
}

// NewFactory creates a factory. Logger may be nil.
func NewFactory(workspaces *workspace.Manager, secrets skill.Secrets, defaultTimeout time.Duration, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{
		workspaces:     workspaces,
		secrets:        secrets,
		logger:         logger,
		defaultTimeout: defaultTimeout,
	}
}

// Request carries the coordinates of one execution attempt.
type Request struct {
	TenantID string
	RunID    string
	StepID   string
	Attempt  int

	Descriptor *skill.Descriptor
}

// Handle owns an ExecContext and its workspace. Release is safe to call
// from every exit path, including deferred after a panic.
type Handle struct {
	Ctx *skill.ExecContext

	workspaces *workspace.Manager
	once       sync.Once
	logger     *slog.Logger
}

// New builds the context for one attempt. The workspace is created
// fresh; the caller must Release the handle when the attempt ends.
func (f *Factory) New(req Request) (*Handle, error) {
	dir, err := f.workspaces.Create(req.TenantID, req.RunID, req.StepID, req.Attempt)
	if err != nil {
		return nil, err
	}

	d := req.Descriptor
	timeout := f.defaultTimeout
	if d.Policy.MaxRuntimeSec > 0 {
		timeout = time.Duration(d.Policy.MaxRuntimeSec) * time.Second
	}

	executionID := uuid.NewString()
	logger := f.logger.With(
		"tenant_id", req.TenantID,
		"run_id", req.RunID,
		"step_id", req.StepID,
		"skill_id", d.SkillID,
		"execution_id", executionID,
	)

	ec := &skill.ExecContext{
		TenantID:        req.TenantID,
		RunID:           req.RunID,
		StepID:          req.StepID,
		ExecutionID:     executionID,
		SkillID:         d.SkillID,
		WorkspaceDir:    dir,
		ArtifactBaseURI: artifact.URIScheme + req.TenantID,
		Logger:          logger,
		Secrets:         f.secrets,
		Policy: skill.ExecPolicy{
			Timeout:       timeout,
			MaxRetries:    d.RetryBudget(),
			NetworkAccess: d.Policy.Network == skill.NetworkOutbound,
			AllowedHosts:  d.Policy.AllowedHosts,
		},
	}

	return &Handle{Ctx: ec, workspaces: f.workspaces, logger: logger}, nil
}

// Release tears down the workspace. Idempotent.
func (h *Handle) Release() {
	h.once.Do(func() {
		if err := h.workspaces.Remove(h.Ctx.WorkspaceDir); err != nil {
			h.logger.Warn("failed to remove workspace",
				"dir", h.Ctx.WorkspaceDir, "error", err)
		}
	})
}
