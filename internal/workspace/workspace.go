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

// Package workspace manages per-attempt scratch directories for skill
// handlers.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	enginerrors "github.com/skillweave/skillweave/pkg/errors"
)

// Manager creates and removes attempt-scoped directories under a root:
// <root>/<tenant>/<run>/<step>/<attempt>.
type Manager struct {
	root string
}

// NewManager creates a manager rooted at dir.
func NewManager(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace root: %w", err)
	}
	return &Manager{root: dir}, nil
}

// Create makes a fresh directory for one execution attempt. A leftover
// directory from a crashed prior attempt with the same coordinates is
// removed first so handlers always start clean.
func (m *Manager) Create(tenantID, runID, stepID string, attempt int) (string, error) {
	for _, part := range []string{tenantID, runID, stepID} {
		if part == "" || strings.ContainsAny(part, `/\`) || part == "." || part == ".." {
			return "", &enginerrors.ValidationError{
				Field:   "workspace",
				Message: fmt.Sprintf("unsafe path component %q", part),
			}
		}
	}

	dir := filepath.Join(m.root, tenantID, runID, stepID, fmt.Sprintf("%d", attempt))
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("failed to clear stale workspace: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create workspace: %w", err)
	}
	return dir, nil
}

// Remove deletes a workspace directory. Missing directories are fine.
func (m *Manager) Remove(dir string) error {
	// Only paths under the root are removable.
	rel, err := filepath.Rel(m.root, dir)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return &enginerrors.ValidationError{
			Field:   "workspace",
			Message: fmt.Sprintf("%q is outside the workspace root", dir),
		}
	}
	return os.RemoveAll(dir)
}

// RemoveRun deletes every workspace belonging to a run.
func (m *Manager) RemoveRun(tenantID, runID string) error {
	if tenantID == "" || runID == "" {
		return nil
	}
	return os.RemoveAll(filepath.Join(m.root, tenantID, runID))
}

// Resolve joins a workspace-relative path, rejecting escapes.
func Resolve(workspaceDir, rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", &enginerrors.ValidationError{
			Field:   "path",
			Message: fmt.Sprintf("%q must be workspace-relative", rel),
		}
	}
	joined := filepath.Join(workspaceDir, rel)
	r, err := filepath.Rel(workspaceDir, joined)
	if err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", &enginerrors.ValidationError{
			Field:   "path",
			Message: fmt.Sprintf("%q escapes the workspace", rel),
		}
	}
	return joined, nil
}
