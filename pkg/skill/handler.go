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

package skill

import (
	"context"
	"log/slog"
	"time"
)

// Handler executes one skill invocation.
//
// The input has already been validated against the descriptor's input
// schema. Cancellation (timeout, explicit cancel, shutdown) arrives via
// ctx; handlers must observe it at suspension points and return promptly.
type Handler interface {
	Execute(ctx context.Context, input map[string]any, ec *ExecContext) (*Result, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, input map[string]any, ec *ExecContext) (*Result, error)

// Execute implements Handler.
func (f HandlerFunc) Execute(ctx context.Context, input map[string]any, ec *ExecContext) (*Result, error) {
	return f(ctx, input, ec)
}

// Secrets is the read-only accessor handlers use to reach whitelisted
// credentials. Unauthorized keys read as absent.
type Secrets interface {
	Get(key string) (string, bool)
	Has(key string) bool
	Keys() []string
}

// ExecPolicy is the effective execution policy for one invocation,
// derived from the descriptor and engine configuration.
type ExecPolicy struct {
	Timeout       time.Duration
	MaxRetries    int
	NetworkAccess bool
	AllowedHosts  []string
}

// ExecContext is the per-invocation environment passed to a handler.
// It is created by the orchestrator immediately before dispatch and
// released on every exit path, including panics.
type ExecContext struct {
	TenantID    string
	RunID       string
	StepID      string
	ExecutionID string
	SkillID     string

	// WorkspaceDir is a freshly created directory, removed on release.
	// Handlers may read and write only under it.
	WorkspaceDir string

	// ArtifactBaseURI is where artifacts produced during this step are
	// persisted.
	ArtifactBaseURI string

	// Logger is scoped with skill:run:step fields.
	Logger *slog.Logger

	Secrets Secrets
	Policy  ExecPolicy
}
