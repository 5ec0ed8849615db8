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

// Package httputil carries the JSON response conventions of the API.
package httputil

import (
	"encoding/json"
	"errors"
	"net/http"

	enginerrors "github.com/skillweave/skillweave/pkg/errors"
	"github.com/skillweave/skillweave/internal/state"
)

// ErrorBody is the uniform error response shape.
type ErrorBody struct {
	Error struct {
		Code       string `json:"code"`
		Message    string `json:"message"`
		Suggestion string `json:"suggestion,omitempty"`
	} `json:"error"`
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError maps err onto the wire error shape and an HTTP status.
func WriteError(w http.ResponseWriter, err error) {
	code := enginerrors.CodeOf(err)

	var body ErrorBody
	body.Error.Code = code
	body.Error.Message = err.Error()

	var validation *enginerrors.ValidationError
	if errors.As(err, &validation) {
		body.Error.Suggestion = validation.Suggestion
	}

	WriteJSON(w, StatusFor(err, code), &body)
}

// StatusFor chooses the HTTP status for an error.
func StatusFor(err error, code string) int {
	if errors.Is(err, state.ErrConflict) {
		return http.StatusConflict
	}
	switch code {
	case enginerrors.CodeValidation, enginerrors.CodeUnknownWorkflow, enginerrors.CodeBadRequest:
		return http.StatusBadRequest
	case enginerrors.CodeNotFound:
		return http.StatusNotFound
	case enginerrors.CodePolicyDenied:
		return http.StatusForbidden
	case enginerrors.CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
