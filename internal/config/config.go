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

// Package config loads engine configuration from a YAML file with
// environment overrides and spec defaults.
package config

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/skillweave/skillweave/pkg/errors"
)

// Config is the root engine configuration.
type Config struct {
	// ListenAddr is the HTTP API bind address.
	ListenAddr string `yaml:"listen_addr"`

	// DataDir holds the sqlite database, blob store, and workspaces.
	DataDir string `yaml:"data_dir"`

	// CatalogDir is the skill descriptor catalog root: an index.yaml
	// summary plus one <skill_id>.yaml per descriptor version.
	CatalogDir string `yaml:"catalog_dir"`

	// WorkflowsDir holds workflow definition YAML files.
	WorkflowsDir string `yaml:"workflows_dir"`

	// WatchWorkflows enables picking up new or changed workflow
	// definitions without a restart.
	WatchWorkflows bool `yaml:"watch_workflows"`

	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Cache        CacheConfig        `yaml:"cache"`
	Provider     ProviderConfig     `yaml:"provider"`
	Secrets      SecretsConfig      `yaml:"secrets"`
}

// OrchestratorConfig bounds run and step concurrency.
type OrchestratorConfig struct {
	// Workers is the number of queue consumer goroutines.
	Workers int `yaml:"workers"`

	// MaxParallelRunsPerTenant gates concurrent run orchestration per
	// tenant.
	MaxParallelRunsPerTenant int `yaml:"max_parallel_runs_per_tenant"`

	// PerRunParallelism bounds concurrently running steps inside one run.
	PerRunParallelism int `yaml:"per_run_parallelism"`

	// MaxInflightHandlers bounds concurrent handler invocations per
	// process.
	MaxInflightHandlers int `yaml:"max_inflight_handlers"`

	// PerTenantHandlers bounds concurrent handler invocations per tenant.
	PerTenantHandlers int `yaml:"per_tenant_handlers"`

	// CancelGraceMS is how long a cancelled step may take to settle
	// before the orchestrator force-marks it failed.
	CancelGraceMS int `yaml:"cancel_grace_ms"`

	// DefaultStepTimeoutSec applies when a descriptor declares no
	// max_runtime_sec.
	DefaultStepTimeoutSec int `yaml:"default_step_timeout_sec"`
}

// CacheConfig tunes step cache behavior.
type CacheConfig struct {
	// ReuseAcrossPatch lets lookups fall back to entries recorded under
	// an older patch release of the same skill minor version. Off by
	// default: versions are always part of the key.
	ReuseAcrossPatch bool `yaml:"reuse_across_patch"`
}

// ProviderConfig tunes outbound provider adapters.
type ProviderConfig struct {
	// HTTPTimeoutSec is the per-request timeout for provider calls.
	HTTPTimeoutSec int `yaml:"http_timeout_sec"`

	// RatePerSecond limits outbound provider requests per provider.
	// Zero disables limiting.
	RatePerSecond float64 `yaml:"rate_per_second"`
}

// SecretsConfig extends the built-in secret key whitelist.
type SecretsConfig struct {
	AdditionalKeys []string `yaml:"additional_keys"`
}

// Default returns a Config populated with engine defaults.
func Default() *Config {
	return &Config{
		ListenAddr:     ":8080",
		DataDir:        "data",
		CatalogDir:     "catalog",
		WorkflowsDir:   "workflows",
		WatchWorkflows: true,
		Orchestrator: OrchestratorConfig{
			Workers:                  4,
			MaxParallelRunsPerTenant: 4,
			PerRunParallelism:        4,
			MaxInflightHandlers:      32,
			PerTenantHandlers:        8,
			CancelGraceMS:            10000,
			DefaultStepTimeoutSec:    600,
		},
		Provider: ProviderConfig{
			HTTPTimeoutSec: 60,
		},
	}
}

// Load reads configuration from path, overlaying defaults. A missing
// file is not an error; the defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return applyEnv(cfg), nil
			}
			return nil, &errors.ConfigError{Key: path, Reason: "cannot read config file", Cause: err}
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, &errors.ConfigError{Key: path, Reason: "cannot parse config file", Cause: err}
		}
	}

	return applyEnv(cfg), nil
}

// applyEnv overlays environment overrides on top of file values.
func applyEnv(cfg *Config) *Config {
	if v := os.Getenv("SKILLWEAVE_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("SKILLWEAVE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("SKILLWEAVE_CATALOG_DIR"); v != "" {
		cfg.CatalogDir = v
	}
	if v := os.Getenv("SKILLWEAVE_WORKFLOWS_DIR"); v != "" {
		cfg.WorkflowsDir = v
	}
	return cfg
}

// Validate checks invariants that would otherwise fail at runtime.
func (c *Config) Validate() error {
	if c.Orchestrator.PerRunParallelism <= 0 {
		return &errors.ConfigError{Key: "orchestrator.per_run_parallelism", Reason: "must be positive"}
	}
	if c.Orchestrator.MaxInflightHandlers <= 0 {
		return &errors.ConfigError{Key: "orchestrator.max_inflight_handlers", Reason: "must be positive"}
	}
	if c.Orchestrator.PerTenantHandlers > c.Orchestrator.MaxInflightHandlers {
		return &errors.ConfigError{Key: "orchestrator.per_tenant_handlers", Reason: "cannot exceed max_inflight_handlers"}
	}
	return nil
}

// DatabasePath returns the sqlite database location under DataDir.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "skillweave.db")
}

// BlobDir returns the artifact blob root under DataDir.
func (c *Config) BlobDir() string {
	return filepath.Join(c.DataDir, "blobs")
}

// WorkspaceRoot returns the per-step workspace root under DataDir.
func (c *Config) WorkspaceRoot() string {
	return filepath.Join(c.DataDir, "workspaces")
}

// StepTimeout converts the descriptor limit and engine default into an
// effective timeout for one step attempt.
func (c *Config) StepTimeout(maxRuntimeSec int) time.Duration {
	if maxRuntimeSec > 0 {
		return time.Duration(maxRuntimeSec) * time.Second
	}
	return time.Duration(c.Orchestrator.DefaultStepTimeoutSec) * time.Second
}

// CancelGrace returns the grace period for cancelled steps.
func (c *Config) CancelGrace() time.Duration {
	return time.Duration(c.Orchestrator.CancelGraceMS) * time.Millisecond
}
