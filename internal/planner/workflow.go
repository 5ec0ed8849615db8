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

// Package planner turns workflow definitions and trigger payloads into
// executable plans: a validated DAG of skill invocations in topological
// order, with input bindings resolved against upstream outputs as steps
// complete.
package planner

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	enginerrors "github.com/skillweave/skillweave/pkg/errors"
)

var (
	workflowNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_.]*$`)
	stepIDPattern       = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)
)

// Workflow is a named, versioned DAG definition loaded from YAML.
type Workflow struct {
	Name    string `yaml:"name" json:"name"`
	Version int    `yaml:"version" json:"version"`

	// PayloadSchema is the JSON Schema trigger payloads must satisfy.
	PayloadSchema map[string]any `yaml:"payload_schema" json:"payload_schema,omitempty"`

	Steps []*StepDef `yaml:"steps" json:"steps"`

	// compiled at load time
	payloadSchema *jsonschema.Schema
	order         []string
}

// StepDef declares one node of the workflow DAG.
type StepDef struct {
	ID    string `yaml:"id" json:"id"`
	Skill string `yaml:"skill" json:"skill"`

	// Version is a semver selector ("1.2.0", "^1.0.0", "latest").
	Version string `yaml:"version,omitempty" json:"version,omitempty"`

	// Needs are hard dependencies: the step is skipped unless all of
	// them complete.
	Needs []string `yaml:"needs,omitempty" json:"needs,omitempty"`

	// OptionalNeeds order the step after their completion or failure
	// without propagating skips.
	OptionalNeeds []string `yaml:"optional_needs,omitempty" json:"optional_needs,omitempty"`

	// With maps input field names to binding expressions or literals.
	With map[string]any `yaml:"with,omitempty" json:"with,omitempty"`
}

// ParseWorkflow parses and validates a workflow document.
func ParseWorkflow(data []byte) (*Workflow, error) {
	var w Workflow
	if err := yaml.Unmarshal(data, &w); err != nil {
		return nil, &enginerrors.ValidationError{
			Field:   "workflow",
			Message: fmt.Sprintf("invalid YAML: %v", err),
		}
	}
	if err := w.validate(); err != nil {
		return nil, err
	}
	return &w, nil
}

func (w *Workflow) validate() error {
	var problems []string

	if !workflowNamePattern.MatchString(w.Name) {
		problems = append(problems, fmt.Sprintf("name %q must match %s", w.Name, workflowNamePattern))
	}
	if w.Version < 1 {
		problems = append(problems, "version must be a positive integer")
	}
	if len(w.Steps) == 0 {
		problems = append(problems, "at least one step is required")
	}

	byID := make(map[string]*StepDef, len(w.Steps))
	for _, s := range w.Steps {
		if !stepIDPattern.MatchString(s.ID) {
			problems = append(problems, fmt.Sprintf("step id %q must match %s", s.ID, stepIDPattern))
			continue
		}
		if _, dup := byID[s.ID]; dup {
			problems = append(problems, fmt.Sprintf("duplicate step id %q", s.ID))
			continue
		}
		if s.Skill == "" {
			problems = append(problems, fmt.Sprintf("step %q: skill is required", s.ID))
		}
		byID[s.ID] = s
	}

	for _, s := range w.Steps {
		hard := make(map[string]bool, len(s.Needs))
		for _, dep := range s.Needs {
			hard[dep] = true
			if dep == s.ID {
				problems = append(problems, fmt.Sprintf("step %q depends on itself", s.ID))
			} else if _, ok := byID[dep]; !ok {
				problems = append(problems, fmt.Sprintf("step %q needs unknown step %q", s.ID, dep))
			}
		}
		for _, dep := range s.OptionalNeeds {
			if hard[dep] {
				problems = append(problems, fmt.Sprintf("step %q lists %q as both needs and optional_needs", s.ID, dep))
			}
			if dep == s.ID {
				problems = append(problems, fmt.Sprintf("step %q depends on itself", s.ID))
			} else if _, ok := byID[dep]; !ok {
				problems = append(problems, fmt.Sprintf("step %q optionally needs unknown step %q", s.ID, dep))
			}
		}
	}

	if len(problems) == 0 {
		order, err := w.topoSort()
		if err != nil {
			problems = append(problems, err.Error())
		} else {
			w.order = order
		}
	}

	if w.PayloadSchema != nil && len(problems) == 0 {
		schema, err := compilePayloadSchema(w.Name, w.PayloadSchema)
		if err != nil {
			problems = append(problems, err.Error())
		} else {
			w.payloadSchema = schema
		}
	}

	if len(problems) > 0 {
		return &enginerrors.ValidationError{
			Field:   "workflow",
			Message: strings.Join(problems, "; "),
		}
	}
	return nil
}

// topoSort orders steps with Kahn's algorithm, breaking ties by
// declaration order so plans are deterministic. Both hard and optional
// dependencies count as edges.
func (w *Workflow) topoSort() ([]string, error) {
	indegree := make(map[string]int, len(w.Steps))
	dependents := make(map[string][]string, len(w.Steps))
	declared := make(map[string]int, len(w.Steps))

	for i, s := range w.Steps {
		declared[s.ID] = i
		indegree[s.ID] += 0
		for _, dep := range append(append([]string{}, s.Needs...), s.OptionalNeeds...) {
			indegree[s.ID]++
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}

	var ready []string
	for _, s := range w.Steps {
		if indegree[s.ID] == 0 {
			ready = append(ready, s.ID)
		}
	}

	var order []string
	for len(ready) > 0 {
		// pick the earliest-declared ready step
		best := 0
		for i := 1; i < len(ready); i++ {
			if declared[ready[i]] < declared[ready[best]] {
				best = i
			}
		}
		id := ready[best]
		ready = append(ready[:best], ready[best+1:]...)
		order = append(order, id)

		for _, dep := range dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}

	if len(order) != len(w.Steps) {
		var cyclic []string
		for id, n := range indegree {
			if n > 0 {
				cyclic = append(cyclic, id)
			}
		}
		return nil, fmt.Errorf("dependency cycle involving %s", strings.Join(cyclic, ", "))
	}
	return order, nil
}

// Order returns the step ids in topological order.
func (w *Workflow) Order() []string {
	out := make([]string, len(w.order))
	copy(out, w.order)
	return out
}

// Step returns the definition for id, or nil.
func (w *Workflow) Step(id string) *StepDef {
	for _, s := range w.Steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// ValidatePayload checks a trigger payload against the workflow's
// payload schema. Workflows without a schema accept anything.
func (w *Workflow) ValidatePayload(payload map[string]any) error {
	if w.payloadSchema == nil {
		return nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return &enginerrors.ValidationError{Field: "trigger_payload", Message: err.Error()}
	}
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return &enginerrors.ValidationError{Field: "trigger_payload", Message: err.Error()}
	}
	if err := w.payloadSchema.Validate(parsed); err != nil {
		return &enginerrors.ValidationError{
			Field:   "trigger_payload",
			Message: fmt.Sprintf("payload does not satisfy workflow %s: %v", w.Name, err),
		}
	}
	return nil
}

func compilePayloadSchema(name string, doc map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("payload_schema: %v", err)
	}
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("payload_schema: %v", err)
	}
	compiler := jsonschema.NewCompiler()
	url := fmt.Sprintf("skillweave://workflows/%s/payload.json", name)
	if err := compiler.AddResource(url, parsed); err != nil {
		return nil, fmt.Errorf("payload_schema: %v", err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("payload_schema does not compile: %v", err)
	}
	return schema, nil
}
