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

// Package errors defines the error taxonomy shared by the run engine,
// skill handlers, and the API surface.
//
// Handlers report expected failures through result envelopes carrying one
// of the wire codes below; the orchestrator decides retry vs. terminal
// based on IsTransient. Unexpected failures (panics, I/O faults) are
// converted to EXECUTION_ERROR at the orchestrator boundary.
package errors

import "errors"

// Wire-level error codes. These appear in step error records, run error
// records, and API error responses.
const (
	CodeValidation       = "VALIDATION_ERROR"
	CodeInputResolution  = "INPUT_RESOLUTION_ERROR"
	CodePolicyDenied     = "POLICY_DENIED"
	CodeNotFound         = "NOT_FOUND"
	CodeUnknownWorkflow  = "UNKNOWN_WORKFLOW"
	CodeRateLimited      = "RATE_LIMITED"
	CodeProviderTimeout  = "PROVIDER_TIMEOUT"
	CodeNetwork          = "NETWORK_ERROR"
	CodeGenerationFailed = "GENERATION_FAILED"
	CodeBadRequest       = "BAD_REQUEST"
	CodeExecution        = "EXECUTION_ERROR"
	CodeTimeout          = "TIMEOUT"
	CodeCancelled        = "CANCELLED"
	CodeSkippedUpstream  = "SKIPPED_DUE_TO_UPSTREAM"
	CodeInternal         = "INTERNAL_ERROR"
)

// transientCodes are retried per descriptor policy with backoff.
var transientCodes = map[string]bool{
	CodeRateLimited:      true,
	CodeProviderTimeout:  true,
	CodeNetwork:          true,
	CodeGenerationFailed: true,
}

// IsTransient reports whether an error code may be retried.
// VALIDATION_ERROR, INPUT_RESOLUTION_ERROR, POLICY_DENIED, TIMEOUT and
// CANCELLED are never transient.
func IsTransient(code string) bool {
	return transientCodes[code]
}

// Coded is implemented by errors that map to a wire-level code.
type Coded interface {
	error
	Code() string
}

// CodeOf extracts the wire code from an error chain.
// Errors without a code map to EXECUTION_ERROR.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var coded Coded
	if errors.As(err, &coded) {
		return coded.Code()
	}
	return CodeExecution
}
