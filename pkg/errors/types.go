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

package errors

import (
	"fmt"
	"time"
)

// ValidationError represents user input validation failures.
// Use this for invalid trigger payloads, malformed descriptors, or
// constraint violations. Never retried.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// Code implements Coded.
func (e *ValidationError) Code() string { return CodeValidation }

// NotFoundError represents a resource not found error.
// Use this when a requested resource does not exist, including
// cross-tenant lookups which must be indistinguishable from absence.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "run", "skill", "artifact")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// Code implements Coded.
func (e *NotFoundError) Code() string { return CodeNotFound }

// PolicyError represents a denied operation: a blocked network host,
// an unauthorized secret key, or a filesystem path outside the
// workspace. Fatal for the step, never retried.
type PolicyError struct {
	// Kind describes what was denied ("network", "secret", "filesystem")
	Kind string

	// Target is the denied host, key, or path
	Target string

	// Message is the human-readable error description
	Message string
}

// Error implements the error interface.
func (e *PolicyError) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("policy denied %s access to %s: %s", e.Kind, e.Target, e.Message)
	}
	return fmt.Sprintf("policy denied %s access: %s", e.Kind, e.Message)
}

// Code implements Coded.
func (e *PolicyError) Code() string { return CodePolicyDenied }

// ProviderError represents external model provider failures.
// Use this for errors originating from image/video/audio/3D/LLM providers.
type ProviderError struct {
	// Provider is the name of the provider (e.g., "anthropic", "openai")
	Provider string

	// StatusCode is the HTTP status code (if applicable)
	StatusCode int

	// ErrCode is the wire-level error code (RATE_LIMITED, PROVIDER_TIMEOUT, ...)
	ErrCode string

	// Message is the human-readable error message
	Message string

	// RequestID correlates this error with provider logs
	RequestID string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("provider %s error", e.Provider)
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s [HTTP %d]", msg, e.StatusCode)
	}
	msg = fmt.Sprintf("%s: %s", msg, e.Message)
	if e.RequestID != "" {
		msg = fmt.Sprintf("%s (request-id: %s)", msg, e.RequestID)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ProviderError) Unwrap() error { return e.Cause }

// Code implements Coded.
func (e *ProviderError) Code() string {
	if e.ErrCode != "" {
		return e.ErrCode
	}
	return CodeGenerationFailed
}

// ConfigError represents configuration problems.
// Use this for configuration file errors, missing settings, or invalid values.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "catalog.dir")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error { return e.Cause }

// TimeoutError represents operation timeouts.
// Use this when a step or provider call exceeds its configured timeout.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "step generate_intro_image")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error { return e.Cause }

// Code implements Coded.
func (e *TimeoutError) Code() string { return CodeTimeout }

// UnknownWorkflowError represents a trigger naming a workflow the
// registry does not know.
type UnknownWorkflowError struct {
	// Name is the requested workflow name
	Name string

	// Version is the requested version, 0 when unspecified
	Version int
}

// Error implements the error interface.
func (e *UnknownWorkflowError) Error() string {
	if e.Version > 0 {
		return fmt.Sprintf("unknown workflow %s version %d", e.Name, e.Version)
	}
	return fmt.Sprintf("unknown workflow %s", e.Name)
}

// Code implements Coded.
func (e *UnknownWorkflowError) Code() string { return CodeUnknownWorkflow }

// ResolutionError represents a binding that could not be resolved
// against the trigger payload or upstream step outputs. Fatal for the
// step, never retried.
type ResolutionError struct {
	// StepID is the step whose input failed to resolve
	StepID string

	// Binding is the reference expression that failed (e.g.
	// "steps.plan.data.scenes[3].prompt")
	Binding string

	// Message describes why resolution failed
	Message string
}

// Error implements the error interface.
func (e *ResolutionError) Error() string {
	if e.Binding != "" {
		return fmt.Sprintf("failed to resolve %q for step %s: %s", e.Binding, e.StepID, e.Message)
	}
	return fmt.Sprintf("failed to resolve inputs for step %s: %s", e.StepID, e.Message)
}

// Code implements Coded.
func (e *ResolutionError) Code() string { return CodeInputResolution }

// InternalError represents an orchestrator invariant violation, such as
// an illegal status transition or a missing artifact after commit.
type InternalError struct {
	// Op is the operation that detected the violation
	Op string

	// Message describes the violated invariant
	Message string

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *InternalError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("internal error in %s: %s", e.Op, e.Message)
	}
	return fmt.Sprintf("internal error: %s", e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *InternalError) Unwrap() error { return e.Cause }

// Code implements Coded.
func (e *InternalError) Code() string { return CodeInternal }
