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

// Package catalog loads and validates skill descriptors and binds them
// to registered handlers.
//
// The catalog directory holds one YAML descriptor per skill version.
// Loading is strict: a descriptor that fails validation is reported and
// excluded, and the loader accumulates every problem instead of
// stopping at the first.
package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/skillweave/skillweave/internal/semver"
	enginerrors "github.com/skillweave/skillweave/pkg/errors"
	"github.com/skillweave/skillweave/pkg/skill"
)

// skillIDPattern constrains descriptor ids to snake_case identifiers.
var skillIDPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Entry is a validated descriptor with its compiled schemas.
type Entry struct {
	Descriptor *skill.Descriptor

	// InputSchema and OutputSchema are compiled once at load time.
	InputSchema  *jsonschema.Schema
	OutputSchema *jsonschema.Schema

	// Source is the descriptor file path, for diagnostics.
	Source string
}

// Catalog is the immutable-after-load registry of skills.
type Catalog struct {
	mu       sync.RWMutex
	skills   map[string][]*Entry // skill_id -> entries, sorted ascending by version
	handlers map[string]skill.Handler
	problems []error
	logger   *slog.Logger
}

// New creates an empty catalog. Logger may be nil.
func New(logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		skills:   make(map[string][]*Entry),
		handlers: make(map[string]skill.Handler),
		logger:   logger,
	}
}

// LoadDir loads the descriptors under dir. When an index.yaml listing
// is present at the catalog root it enumerates the candidates and only
// entries with status active are loaded; without one every *.yaml file
// is a candidate. A descriptor that fails validation never aborts the
// load: it is skipped, logged, and retained for ValidationErrors. The
// returned error covers only an unusable directory or index.
func (c *Catalog) LoadDir(dir string) error {
	candidates, err := c.candidates(dir)
	if err != nil {
		return err
	}

	loaded := 0
	for _, path := range candidates {
		if err := c.LoadFile(path); err != nil {
			c.recordProblem(fmt.Errorf("%s: %w", filepath.Base(path), err))
			continue
		}
		loaded++
	}

	c.mu.RLock()
	rejected := len(c.problems)
	c.mu.RUnlock()
	c.logger.Info("catalog loaded",
		"dir", dir, "skills", loaded, "rejected", rejected)
	return nil
}

// catalogIndex mirrors the index.yaml listing at the catalog root.
type catalogIndex struct {
	Skills []struct {
		SkillID string `yaml:"skill_id"`
		Version string `yaml:"version"`
		Status  string `yaml:"status"`
	} `yaml:"skills"`
}

// candidates resolves the descriptor files LoadDir should read.
func (c *Catalog) candidates(dir string) ([]string, error) {
	data, err := os.ReadFile(filepath.Join(dir, "index.yaml"))
	if errors.Is(err, os.ErrNotExist) {
		return scanDescriptors(dir)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog index: %w", err)
	}

	var idx catalogIndex
	if err := yaml.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("invalid catalog index: %w", err)
	}

	var paths []string
	seen := make(map[string]bool)
	for _, s := range idx.Skills {
		if skill.Status(s.Status) != skill.StatusActive {
			c.logger.Info("skipping inactive catalog entry",
				"skill_id", s.SkillID, "version", s.Version, "status", s.Status)
			continue
		}
		name := s.SkillID + ".yaml"
		if seen[name] {
			continue
		}
		seen[name] = true
		paths = append(paths, filepath.Join(dir, name))
	}
	return paths, nil
}

func scanDescriptors(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog dir: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || !isYAML(e.Name()) {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	return paths, nil
}

func (c *Catalog) recordProblem(err error) {
	c.mu.Lock()
	c.problems = append(c.problems, err)
	c.mu.Unlock()
	c.logger.Warn("rejected skill descriptor", "error", err)
}

// ValidationErrors returns the problems recorded while loading, in
// load order.
func (c *Catalog) ValidationErrors() []error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]error, len(c.problems))
	copy(out, c.problems)
	return out
}

// LoadFile loads and registers one descriptor file.
func (c *Catalog) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read descriptor: %w", err)
	}

	var d skill.Descriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		return &enginerrors.ValidationError{
			Field:   "descriptor",
			Message: fmt.Sprintf("invalid YAML: %v", err),
		}
	}

	entry, err := c.validate(&d, path)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, existing := range c.skills[d.SkillID] {
		if existing.Descriptor.Version == d.Version {
			return &enginerrors.ValidationError{
				Field:   "version",
				Message: fmt.Sprintf("duplicate descriptor %s@%s (already loaded from %s)", d.SkillID, d.Version, existing.Source),
			}
		}
	}
	c.skills[d.SkillID] = append(c.skills[d.SkillID], entry)
	sort.Slice(c.skills[d.SkillID], func(i, j int) bool {
		return semver.Compare(c.skills[d.SkillID][i].Descriptor.Version,
			c.skills[d.SkillID][j].Descriptor.Version) < 0
	})
	return nil
}

// validate checks the descriptor fields and compiles both schemas.
func (c *Catalog) validate(d *skill.Descriptor, source string) (*Entry, error) {
	var problems []string

	if !skillIDPattern.MatchString(d.SkillID) {
		problems = append(problems, fmt.Sprintf("skill_id %q must match %s", d.SkillID, skillIDPattern))
	}
	if !semver.Valid(d.Version) {
		problems = append(problems, fmt.Sprintf("version %q is not a valid semantic version", d.Version))
	}
	if d.Title == "" {
		problems = append(problems, "title is required")
	}
	switch d.Status {
	case skill.StatusActive, skill.StatusDeprecated, skill.StatusExperimental:
	case "":
		d.Status = skill.StatusActive
	default:
		problems = append(problems, fmt.Sprintf("unknown status %q", d.Status))
	}
	switch d.Implementation.Type {
	case skill.ImplFunction, skill.ImplHTTP, skill.ImplCLI:
	default:
		problems = append(problems, fmt.Sprintf("unknown implementation type %q", d.Implementation.Type))
	}
	if d.Implementation.Handler == "" {
		problems = append(problems, "implementation.handler is required")
	}
	switch d.Policy.Network {
	case skill.NetworkNone, skill.NetworkOutbound:
	case "":
		d.Policy.Network = skill.NetworkNone
	default:
		problems = append(problems, fmt.Sprintf("unknown network policy %q", d.Policy.Network))
	}
	if d.Policy.MaxRuntimeSec < 0 {
		problems = append(problems, "policy.max_runtime_sec must not be negative")
	}
	if d.Policy.MaxRetries != nil && *d.Policy.MaxRetries < 0 {
		problems = append(problems, "policy.max_retries must not be negative")
	}
	if len(d.Policy.AllowedHosts) > 0 && d.Policy.Network != skill.NetworkOutbound {
		problems = append(problems, "policy.allowed_hosts requires network: outbound")
	}

	inputSchema, err := compileSchema(d.SkillID, "input_schema", d.InputSchema)
	if err != nil {
		problems = append(problems, err.Error())
	}
	outputSchema, err := compileSchema(d.SkillID, "output_schema", d.OutputSchema)
	if err != nil {
		problems = append(problems, err.Error())
	}

	if len(problems) > 0 {
		return nil, &enginerrors.ValidationError{
			Field:   "descriptor",
			Message: strings.Join(problems, "; "),
		}
	}
	return &Entry{
		Descriptor:   d,
		InputSchema:  inputSchema,
		OutputSchema: outputSchema,
		Source:       source,
	}, nil
}

// compileSchema compiles a JSON Schema document from the descriptor.
// A missing schema compiles to the permissive "true" schema.
func compileSchema(skillID, field string, doc map[string]any) (*jsonschema.Schema, error) {
	if doc == nil {
		doc = map[string]any{}
	}

	// Round-trip through JSON so YAML-decoded numbers take the form the
	// validator expects.
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", field, err)
	}
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("%s: %v", field, err)
	}

	compiler := jsonschema.NewCompiler()
	url := fmt.Sprintf("skillweave://%s/%s.json", skillID, field)
	if err := compiler.AddResource(url, parsed); err != nil {
		return nil, fmt.Errorf("%s: %v", field, err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("%s does not compile: %v", field, err)
	}
	return schema, nil
}

// Bind registers a handler under the name descriptors reference via
// implementation.handler.
func (c *Catalog) Bind(name string, h skill.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[name] = h
}

// Resolve returns the best entry for skillID under the version
// constraint ("" or "latest" selects the maximum).
func (c *Catalog) Resolve(skillID, constraint string) (*Entry, error) {
	cons, err := semver.ParseConstraint(constraint)
	if err != nil {
		return nil, &enginerrors.ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("invalid version selector %q for skill %s", constraint, skillID),
		}
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	entries := c.skills[skillID]
	if len(entries) == 0 {
		return nil, &enginerrors.NotFoundError{Resource: "skill", ID: skillID}
	}

	// Entries are sorted ascending; the last match is the maximum.
	for i := len(entries) - 1; i >= 0; i-- {
		v, err := semver.Parse(entries[i].Descriptor.Version)
		if err != nil {
			continue
		}
		if cons.Match(v) {
			return entries[i], nil
		}
	}
	return nil, &enginerrors.NotFoundError{
		Resource: "skill",
		ID:       skillID + "@" + constraint,
	}
}

// Has reports whether skillID is executable: at least one version is
// loaded whose handler is bound. A descriptor without its handler can
// be listed but never invoked, so it does not count.
func (c *Catalog) Has(skillID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, e := range c.skills[skillID] {
		if _, ok := c.handlers[e.Descriptor.Implementation.Handler]; ok {
			return true
		}
	}
	return false
}

// ListVersions returns the loaded versions of skillID, ascending.
func (c *Catalog) ListVersions(skillID string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entries := c.skills[skillID]
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Descriptor.Version)
	}
	return out
}

// HandlerFor returns the bound handler for an entry.
func (c *Catalog) HandlerFor(entry *Entry) (skill.Handler, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	h, ok := c.handlers[entry.Descriptor.Implementation.Handler]
	if !ok {
		return nil, &enginerrors.InternalError{
			Op: "HandlerFor",
			Message: fmt.Sprintf("no handler bound for %q (skill %s@%s)",
				entry.Descriptor.Implementation.Handler,
				entry.Descriptor.SkillID, entry.Descriptor.Version),
		}
	}
	return h, nil
}

// List returns every loaded entry, sorted by skill id then version.
func (c *Catalog) List() []*Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, 0, len(c.skills))
	for id := range c.skills {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []*Entry
	for _, id := range ids {
		out = append(out, c.skills[id]...)
	}
	return out
}

// ValidateInput checks a resolved input document against the entry's
// input schema.
func (e *Entry) ValidateInput(input map[string]any) error {
	return e.validateDoc(e.InputSchema, "input", input)
}

// ValidateOutput checks handler result data against the output schema.
func (e *Entry) ValidateOutput(data map[string]any) error {
	return e.validateDoc(e.OutputSchema, "output", data)
}

func (e *Entry) validateDoc(schema *jsonschema.Schema, kind string, doc map[string]any) error {
	if schema == nil {
		return nil
	}
	// Normalize to the validator's value space (json.Number, etc.).
	raw, err := json.Marshal(doc)
	if err != nil {
		return &enginerrors.ValidationError{Field: kind, Message: err.Error()}
	}
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return &enginerrors.ValidationError{Field: kind, Message: err.Error()}
	}
	if err := schema.Validate(parsed); err != nil {
		return &enginerrors.ValidationError{
			Field:   kind,
			Message: fmt.Sprintf("%s does not match %s schema for %s: %v", kind, kind, e.Descriptor.SkillID, err),
		}
	}
	return nil
}

func isYAML(name string) bool {
	return strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")
}
