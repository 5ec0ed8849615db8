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

// Result is the uniform envelope returned by every handler.
//
// Handlers return the failure variant for expected errors (validation,
// provider refusal) instead of returning a Go error; Go errors and
// panics are reserved for unexpected failures, which the orchestrator
// converts to EXECUTION_ERROR.
type Result struct {
	OK bool `json:"ok"`

	// Data is the typed output of the skill, shaped by the descriptor's
	// output schema. Present on success.
	Data map[string]any `json:"data,omitempty"`

	// Artifacts lists the artifacts produced during this invocation.
	// The orchestrator persists them through the artifact store in order.
	Artifacts []ArtifactSpec `json:"artifacts,omitempty"`

	// ErrorCode and Error describe the failure variant.
	ErrorCode string `json:"error_code,omitempty"`
	Error     string `json:"error,omitempty"`

	Debug Debug `json:"debug"`
}

// ArtifactSpec describes an artifact a handler produced in its
// workspace. Path is workspace-relative; the orchestrator streams the
// file into the content-addressed store.
type ArtifactSpec struct {
	// Type is the artifact type tag (e.g. "image/intro-frame",
	// "json/campaign-manifest", "bundle/game").
	Type string `json:"type"`

	// Path is the workspace-relative path of the produced file.
	Path string `json:"path"`

	// Filename is an optional display filename.
	Filename string `json:"filename,omitempty"`

	// Metadata is free-form; reserved keys (size_bytes, content_type,
	// created_at, creator_step_id) are filled by the store and must not
	// be set by handlers.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Debug carries observational data attached to every result.
type Debug struct {
	// TimingsMS maps phase name to milliseconds. "total" is mandatory;
	// other phase names are handler-chosen but consistent per skill.
	TimingsMS map[string]int64 `json:"timings_ms"`

	// ProviderCalls is the ordered list of provider invocations made
	// during the step. Purely observational.
	ProviderCalls []ProviderCall `json:"provider_calls,omitempty"`
}

// ProviderCall records one call to an external model provider.
type ProviderCall struct {
	Provider   string `json:"provider"`
	Model      string `json:"model"`
	DurationMS int64  `json:"duration_ms"`
	Tokens     int    `json:"tokens,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
}

// Success builds a success envelope.
func Success(data map[string]any, artifacts ...ArtifactSpec) *Result {
	return &Result{
		OK:        true,
		Data:      data,
		Artifacts: artifacts,
		Debug:     Debug{TimingsMS: map[string]int64{}},
	}
}

// Failure builds a failure envelope with the given wire code.
func Failure(code, message string) *Result {
	return &Result{
		OK:        false,
		ErrorCode: code,
		Error:     message,
		Debug:     Debug{TimingsMS: map[string]int64{}},
	}
}

// WithTiming records a phase timing and returns the result for chaining.
func (r *Result) WithTiming(phase string, ms int64) *Result {
	if r.Debug.TimingsMS == nil {
		r.Debug.TimingsMS = map[string]int64{}
	}
	r.Debug.TimingsMS[phase] = ms
	return r
}

// WithProviderCall appends a provider call record.
func (r *Result) WithProviderCall(call ProviderCall) *Result {
	r.Debug.ProviderCalls = append(r.Debug.ProviderCalls, call)
	return r
}
