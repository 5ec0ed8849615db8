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

// Package provider talks to external generation backends through a
// LiteLLM-style HTTP gateway. Every call is bounded by a timeout, rate
// limited, and restricted to the hosts the calling skill's policy
// allows. Failures map onto the engine's transient/terminal error
// taxonomy.
package provider

import "context"

// TextRequest asks a language model for a completion.
type TextRequest struct {
	Model     string `json:"model"`
	System    string `json:"system,omitempty"`
	Prompt    string `json:"prompt"`
	MaxTokens int    `json:"max_tokens,omitempty"`

	// JSONOutput requests a machine-parseable JSON response.
	JSONOutput bool `json:"json_output,omitempty"`
}

// TextResult is a completed text generation.
type TextResult struct {
	Text       string
	Model      string
	Tokens     int
	RequestID  string
	DurationMS int64
}

// ImageRequest asks for a rendered image.
type ImageRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Style  string `json:"style,omitempty"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
}

// AudioRequest asks for a generated audio track.
type AudioRequest struct {
	Model      string  `json:"model"`
	Prompt     string  `json:"prompt"`
	DurationSec float64 `json:"duration_sec,omitempty"`
}

// AssetRequest asks for a generated 3D asset. Asset generation is
// asynchronous upstream; the client polls until the job settles.
type AssetRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Format string `json:"format,omitempty"` // e.g. "glb"
}

// Binary is generated media returned by a provider.
type Binary struct {
	Data        []byte
	ContentType string
	Model       string
	RequestID   string
	DurationMS  int64
}

// Generator is the provider surface skills call. All methods block
// until the generation settles or ctx is cancelled; asynchronous
// upstream jobs are polled internally.
type Generator interface {
	GenerateTextAndWait(ctx context.Context, req TextRequest) (*TextResult, error)
	GenerateImageAndWait(ctx context.Context, req ImageRequest) (*Binary, error)
	GenerateAudioAndWait(ctx context.Context, req AudioRequest) (*Binary, error)
	Generate3DAssetAndWait(ctx context.Context, req AssetRequest) (*Binary, error)
}
