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

// Package handlers implements the built-in skill set for campaign
// generation: planning, media generation, game bundling, and manifest
// assembly.
package handlers

import (
	"fmt"
	"io"

	"github.com/skillweave/skillweave/internal/catalog"
	"github.com/skillweave/skillweave/internal/provider"
)

// BlobSource reads stored artifact bytes. Satisfied by the artifact
// store.
type BlobSource interface {
	Open(tenantID, hash string) (io.ReadCloser, error)
}

// Deps are the shared dependencies of the built-in handlers.
type Deps struct {
	Generator provider.Generator
	Blobs     BlobSource
}

// Register binds every built-in handler onto the catalog under the
// names descriptors reference.
func Register(cat *catalog.Catalog, deps Deps) {
	cat.Bind("plan_campaign", &planCampaign{gen: deps.Generator})
	cat.Bind("generate_intro_image", &generateImage{gen: deps.Generator, kind: "intro"})
	cat.Bind("generate_outcome_image", &generateImage{gen: deps.Generator, kind: "outcome"})
	cat.Bind("generate_audio_track", &generateAudio{gen: deps.Generator})
	cat.Bind("generate_3d_asset", &generate3DAsset{gen: deps.Generator})
	cat.Bind("game_config_from_template", &gameConfig{})
	cat.Bind("bundle_game_template", &bundleGame{blobs: deps.Blobs})
	cat.Bind("validate_bundle", &validateBundle{blobs: deps.Blobs})
	cat.Bind("assemble_campaign_manifest", &assembleManifest{})
}

// stringInput reads a required string field from a resolved input.
func stringInput(input map[string]any, field string) (string, error) {
	v, ok := input[field].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("input field %q must be a non-empty string", field)
	}
	return v, nil
}

// optString reads an optional string field.
func optString(input map[string]any, field, fallback string) string {
	if v, ok := input[field].(string); ok && v != "" {
		return v
	}
	return fallback
}

// optInt reads an optional numeric field. JSON numbers arrive as
// float64.
func optInt(input map[string]any, field string, fallback int) int {
	switch v := input[field].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	default:
		return fallback
	}
}

// optFloat reads an optional numeric field. YAML literals decode as
// int, JSON numbers as float64.
func optFloat(input map[string]any, field string, fallback float64) float64 {
	switch v := input[field].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return fallback
	}
}
