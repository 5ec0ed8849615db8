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

package planner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	enginerrors "github.com/skillweave/skillweave/pkg/errors"
)

// Registry holds loaded workflows keyed by name. Each name may carry
// several versions; lookups without a version select the highest.
type Registry struct {
	mu        sync.RWMutex
	workflows map[string][]*Workflow // sorted ascending by version
	logger    *slog.Logger
}

// NewRegistry creates an empty registry. Logger may be nil.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		workflows: make(map[string][]*Workflow),
		logger:    logger,
	}
}

// LoadDir loads every workflow YAML under dir, replacing the current
// set. Invalid files are reported together; valid ones still load.
func (r *Registry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read workflows dir: %w", err)
	}

	loaded := make(map[string][]*Workflow)
	var problems []string
	for _, e := range entries {
		if e.IsDir() || !(strings.HasSuffix(e.Name(), ".yaml") || strings.HasSuffix(e.Name(), ".yml")) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", e.Name(), err))
			continue
		}
		w, err := ParseWorkflow(data)
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", e.Name(), err))
			continue
		}

		dup := false
		for _, existing := range loaded[w.Name] {
			if existing.Version == w.Version {
				problems = append(problems, fmt.Sprintf("%s: duplicate workflow %s version %d", e.Name(), w.Name, w.Version))
				dup = true
			}
		}
		if !dup {
			loaded[w.Name] = append(loaded[w.Name], w)
		}
	}
	for name := range loaded {
		sort.Slice(loaded[name], func(i, j int) bool {
			return loaded[name][i].Version < loaded[name][j].Version
		})
	}

	r.mu.Lock()
	r.workflows = loaded
	r.mu.Unlock()

	r.logger.Info("workflows loaded", "dir", dir, "workflows", len(loaded), "rejected", len(problems))
	if len(problems) > 0 {
		return &enginerrors.ValidationError{
			Field:   "workflows",
			Message: strings.Join(problems, "; "),
		}
	}
	return nil
}

// Get returns a workflow. Version 0 selects the highest loaded version.
func (r *Registry) Get(name string, version int) (*Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions := r.workflows[name]
	if len(versions) == 0 {
		return nil, &enginerrors.UnknownWorkflowError{Name: name}
	}
	if version == 0 {
		return versions[len(versions)-1], nil
	}
	for _, w := range versions {
		if w.Version == version {
			return w, nil
		}
	}
	return nil, &enginerrors.UnknownWorkflowError{Name: name, Version: version}
}

// Names returns the loaded workflow names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.workflows))
	for name := range r.workflows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Watch reloads the directory on file changes until ctx is cancelled.
// Reload failures are logged; the last good set stays active.
func (r *Registry) Watch(ctx context.Context, dir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	go func() {
		defer watcher.Close()

		// Editors fire bursts of events per save; debounce them.
		var pending <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
					pending = time.After(250 * time.Millisecond)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Warn("workflow watcher error", "error", err)
			case <-pending:
				pending = nil
				if err := r.LoadDir(dir); err != nil {
					r.logger.Warn("workflow reload had problems", "error", err)
				}
			}
		}
	}()
	return nil
}
