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

package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	enginerrors "github.com/skillweave/skillweave/pkg/errors"
	"github.com/skillweave/skillweave/pkg/skill"
)

// ManifestVersion is the current campaign manifest schema version.
const ManifestVersion = "1.0.0"

// ManifestEntryPoint is the bundle file players load first.
const ManifestEntryPoint = "index.html"

// manifestSequence is the fixed presentation order of a campaign.
var manifestSequence = []any{"intro", "game", "outcome"}

// assembleManifest stitches the campaign's outputs into the final
// manifest document. Deterministic; the checksum is computed over the
// canonical manifest with an empty checksum field.
type assembleManifest struct{}

func (h *assembleManifest) Execute(_ context.Context, input map[string]any, ec *skill.ExecContext) (*skill.Result, error) {
	start := time.Now()

	uris := make(map[string]string, 4)
	for _, field := range []string{"intro_uri", "outcome_uri", "audio_uri", "game_bundle_uri"} {
		v, err := stringInput(input, field)
		if err != nil {
			return skill.Failure(enginerrors.CodeValidation, err.Error()), nil
		}
		uris[field] = v
	}

	container := map[string]any{
		"entry_point": ManifestEntryPoint,
	}
	if bounds, ok := input["button_bounds"].(map[string]any); ok {
		container["button_bounds"] = bounds
	}

	manifest := map[string]any{
		"manifest_version": ManifestVersion,
		"title":            optString(input, "title", "campaign"),
		"flow": map[string]any{
			"sequence": manifestSequence,
		},
		"media": map[string]any{
			"intro":   map[string]any{"uri": uris["intro_uri"]},
			"outcome": map[string]any{"uri": uris["outcome_uri"]},
			"audio":   map[string]any{"uri": uris["audio_uri"]},
		},
		"game": map[string]any{
			"bundle_uri": uris["game_bundle_uri"],
		},
		"interaction": map[string]any{
			"game_container": container,
		},
		"checksum": "",
	}
	if assets, ok := input["assets"].([]any); ok && len(assets) > 0 {
		manifest["assets"] = assets
	}

	checksum, err := manifestChecksum(manifest)
	if err != nil {
		return nil, err
	}
	manifest["checksum"] = checksum

	raw, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := writeWorkspaceFile(ec, "manifest.json", raw); err != nil {
		return nil, err
	}

	out := skill.Success(
		map[string]any{"manifest": manifest, "checksum": checksum},
		skill.ArtifactSpec{
			Type:     "json/campaign-manifest",
			Path:     "manifest.json",
			Filename: "manifest.json",
		},
	)
	out.WithTiming("total", time.Since(start).Milliseconds())
	return out, nil
}

// manifestChecksum hashes the canonical encoding of the manifest with
// the checksum field blanked. Canonical means JSON with
// lexicographically sorted object keys and no insignificant whitespace,
// which is exactly what encoding/json produces for maps.
func manifestChecksum(manifest map[string]any) (string, error) {
	blank := make(map[string]any, len(manifest))
	for k, v := range manifest {
		blank[k] = v
	}
	blank["checksum"] = ""

	canonical, err := json.Marshal(blank)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
