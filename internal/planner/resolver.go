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
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/itchyny/gojq"

	enginerrors "github.com/skillweave/skillweave/pkg/errors"
)

// ExprPrefix marks a binding value as an expression rather than a
// reference or literal.
const ExprPrefix = "="

var (
	triggerRefPattern  = regexp.MustCompile(`^trigger(\..+)?$`)
	dataRefPattern     = regexp.MustCompile(`^steps\.([a-z][a-z0-9_-]*)\.data(\..+)?$`)
	artifactRefPattern = regexp.MustCompile(`^steps\.([a-z][a-z0-9_-]*)\.artifacts\[(\d+)\]\.(uri|id|type|content_hash)$`)
)

// ArtifactRef is the view of an upstream artifact exposed to bindings.
type ArtifactRef struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	URI         string `json:"uri"`
	ContentHash string `json:"content_hash"`
}

// StepOutput is the completed output of an upstream step.
type StepOutput struct {
	Data      map[string]any `json:"data"`
	Artifacts []ArtifactRef  `json:"artifacts"`
}

// Env is the resolution environment for one step: the trigger payload
// plus the outputs of every completed upstream step.
type Env struct {
	Trigger map[string]any
	Steps   map[string]*StepOutput
}

// Resolver resolves binding maps against an Env. Compiled jq queries
// and expressions are cached; a Resolver is safe for concurrent use.
type Resolver struct {
	mu       sync.RWMutex
	queries  map[string]*gojq.Query
	programs map[string]*vm.Program
}

// NewResolver creates an empty resolver.
func NewResolver() *Resolver {
	return &Resolver{
		queries:  make(map[string]*gojq.Query),
		programs: make(map[string]*vm.Program),
	}
}

// Resolve evaluates every binding in with against env, returning the
// concrete input document for the step. Strings matching the reference
// grammar are dereferenced; "="-prefixed strings are evaluated as
// expressions; everything else passes through literally, with maps and
// lists resolved recursively.
func (r *Resolver) Resolve(stepID string, with map[string]any, env *Env) (map[string]any, error) {
	out := make(map[string]any, len(with))
	for field, raw := range with {
		v, err := r.resolveValue(stepID, raw, env)
		if err != nil {
			return nil, err
		}
		out[field] = v
	}
	return out, nil
}

func (r *Resolver) resolveValue(stepID string, raw any, env *Env) (any, error) {
	switch v := raw.(type) {
	case string:
		return r.resolveString(stepID, v, env)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, inner := range v {
			rv, err := r.resolveValue(stepID, inner, env)
			if err != nil {
				return nil, err
			}
			out[k] = rv
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, inner := range v {
			rv, err := r.resolveValue(stepID, inner, env)
			if err != nil {
				return nil, err
			}
			out[i] = rv
		}
		return out, nil
	default:
		return raw, nil
	}
}

func (r *Resolver) resolveString(stepID, s string, env *Env) (any, error) {
	switch {
	case strings.HasPrefix(s, ExprPrefix):
		return r.evalExpr(stepID, strings.TrimPrefix(s, ExprPrefix), env)

	case triggerRefPattern.MatchString(s):
		m := triggerRefPattern.FindStringSubmatch(s)
		return r.query(stepID, s, m[1], normalize(env.Trigger))

	case artifactRefPattern.MatchString(s):
		m := artifactRefPattern.FindStringSubmatch(s)
		return r.artifactField(stepID, s, m[1], m[2], m[3], env)

	case dataRefPattern.MatchString(s):
		m := dataRefPattern.FindStringSubmatch(s)
		out, ok := env.Steps[m[1]]
		if !ok {
			return nil, &enginerrors.ResolutionError{
				StepID: stepID, Binding: s,
				Message: fmt.Sprintf("step %q has no output", m[1]),
			}
		}
		return r.query(stepID, s, m[2], normalize(out.Data))

	default:
		return s, nil
	}
}

// query runs the jq path (".a.b[0]" style, "" for the whole document)
// against doc. A nil result is treated as unresolved.
func (r *Resolver) query(stepID, binding, path string, doc any) (any, error) {
	if path == "" {
		if doc == nil {
			return nil, &enginerrors.ResolutionError{
				StepID: stepID, Binding: binding, Message: "document is empty",
			}
		}
		return doc, nil
	}

	q, err := r.compileQuery(path)
	if err != nil {
		return nil, &enginerrors.ResolutionError{
			StepID: stepID, Binding: binding,
			Message: fmt.Sprintf("invalid path: %v", err),
		}
	}

	iter := q.Run(doc)
	v, ok := iter.Next()
	if !ok || v == nil {
		return nil, &enginerrors.ResolutionError{
			StepID: stepID, Binding: binding, Message: "path yields no value",
		}
	}
	if qerr, isErr := v.(error); isErr {
		return nil, &enginerrors.ResolutionError{
			StepID: stepID, Binding: binding, Message: qerr.Error(),
		}
	}
	return v, nil
}

func (r *Resolver) compileQuery(path string) (*gojq.Query, error) {
	r.mu.RLock()
	q, ok := r.queries[path]
	r.mu.RUnlock()
	if ok {
		return q, nil
	}

	q, err := gojq.Parse(path)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.queries[path] = q
	r.mu.Unlock()
	return q, nil
}

func (r *Resolver) artifactField(stepID, binding, upstream, index, field string, env *Env) (any, error) {
	out, ok := env.Steps[upstream]
	if !ok {
		return nil, &enginerrors.ResolutionError{
			StepID: stepID, Binding: binding,
			Message: fmt.Sprintf("step %q has no output", upstream),
		}
	}
	n, _ := strconv.Atoi(index)
	if n >= len(out.Artifacts) {
		return nil, &enginerrors.ResolutionError{
			StepID: stepID, Binding: binding,
			Message: fmt.Sprintf("step %q produced %d artifacts", upstream, len(out.Artifacts)),
		}
	}
	a := out.Artifacts[n]
	switch field {
	case "uri":
		return a.URI, nil
	case "id":
		return a.ID, nil
	case "type":
		return a.Type, nil
	case "content_hash":
		return a.ContentHash, nil
	}
	return nil, &enginerrors.ResolutionError{
		StepID: stepID, Binding: binding, Message: "unknown artifact field",
	}
}

// evalExpr evaluates an expression over {trigger, steps}.
func (r *Resolver) evalExpr(stepID, src string, env *Env) (any, error) {
	program, err := r.compileExpr(src)
	if err != nil {
		return nil, &enginerrors.ResolutionError{
			StepID: stepID, Binding: ExprPrefix + src,
			Message: fmt.Sprintf("expression does not compile: %v", err),
		}
	}

	steps := make(map[string]any, len(env.Steps))
	for id, out := range env.Steps {
		steps[id] = map[string]any{
			"data":      out.Data,
			"artifacts": artifactMaps(out.Artifacts),
		}
	}
	v, err := expr.Run(program, map[string]any{
		"trigger": env.Trigger,
		"steps":   steps,
	})
	if err != nil {
		return nil, &enginerrors.ResolutionError{
			StepID: stepID, Binding: ExprPrefix + src, Message: err.Error(),
		}
	}
	return v, nil
}

func (r *Resolver) compileExpr(src string) (*vm.Program, error) {
	r.mu.RLock()
	p, ok := r.programs[src]
	r.mu.RUnlock()
	if ok {
		return p, nil
	}

	p, err := expr.Compile(src, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.programs[src] = p
	r.mu.Unlock()
	return p, nil
}

func artifactMaps(refs []ArtifactRef) []any {
	out := make([]any, len(refs))
	for i, a := range refs {
		out[i] = map[string]any{
			"id": a.ID, "type": a.Type, "uri": a.URI, "content_hash": a.ContentHash,
		}
	}
	return out
}

// normalize round-trips a document through JSON so jq sees only the
// value kinds it supports.
func normalize(doc map[string]any) any {
	if doc == nil {
		return nil
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return doc
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return doc
	}
	return out
}
