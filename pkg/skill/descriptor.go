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

// Package skill defines the contracts shared by every skill: the
// versioned descriptor, the uniform result envelope, the handler
// interface, and the per-invocation execution context.
package skill

// Status represents the lifecycle status of a skill descriptor.
type Status string

const (
	StatusActive       Status = "active"
	StatusDeprecated   Status = "deprecated"
	StatusExperimental Status = "experimental"
)

// ImplType identifies how a skill is implemented.
type ImplType string

const (
	ImplFunction ImplType = "function"
	ImplHTTP     ImplType = "http"
	ImplCLI      ImplType = "cli"
)

// NetworkPolicy controls outbound network access for a skill.
type NetworkPolicy string

const (
	NetworkNone     NetworkPolicy = "none"
	NetworkOutbound NetworkPolicy = "outbound"
)

// Descriptor is the versioned contract of a skill, loaded from the
// catalog directory (one YAML file per skill).
type Descriptor struct {
	SkillID     string   `yaml:"skill_id" json:"skill_id"`
	Version     string   `yaml:"version" json:"version"`
	Title       string   `yaml:"title" json:"title"`
	Description string   `yaml:"description" json:"description,omitempty"`
	Tags        []string `yaml:"tags" json:"tags,omitempty"`
	Status      Status   `yaml:"status" json:"status"`

	// InputSchema and OutputSchema are JSON Schema documents. Input
	// fields annotated "x-volatile": true are excluded from cache
	// fingerprints.
	InputSchema  map[string]any `yaml:"input_schema" json:"input_schema"`
	OutputSchema map[string]any `yaml:"output_schema" json:"output_schema"`

	Implementation Implementation `yaml:"implementation" json:"implementation"`
	Policy         Policy         `yaml:"policy" json:"policy"`
}

// Implementation declares how a skill's handler is dispatched.
type Implementation struct {
	Type    ImplType `yaml:"type" json:"type"`
	Handler string   `yaml:"handler" json:"handler"`
}

// Policy declares the execution limits of a skill.
type Policy struct {
	MaxRuntimeSec int           `yaml:"max_runtime_sec" json:"max_runtime_sec"`
	Network       NetworkPolicy `yaml:"network" json:"network"`
	AllowedHosts  []string      `yaml:"allowed_hosts,omitempty" json:"allowed_hosts,omitempty"`

	// MaxRetries overrides the default retry budget. When nil the
	// engine uses 2 for skills with outbound network access and 0 for
	// deterministic skills.
	MaxRetries *int `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`

	// CacheTTLSec bounds step cache entry freshness. Zero means
	// unbounded.
	CacheTTLSec int `yaml:"cache_ttl_sec,omitempty" json:"cache_ttl_sec,omitempty"`
}

// RetryBudget returns the effective maximum retry count for the skill.
func (d *Descriptor) RetryBudget() int {
	if d.Policy.MaxRetries != nil {
		return *d.Policy.MaxRetries
	}
	if d.Policy.Network == NetworkOutbound {
		return 2
	}
	return 0
}

// VolatileFields returns the names of top-level input schema properties
// annotated "x-volatile": true. Volatile fields never enter the cache
// fingerprint.
func (d *Descriptor) VolatileFields() []string {
	props, ok := d.InputSchema["properties"].(map[string]any)
	if !ok {
		return nil
	}
	var volatile []string
	for name, raw := range props {
		prop, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if v, ok := prop["x-volatile"].(bool); ok && v {
			volatile = append(volatile, name)
		}
	}
	return volatile
}
