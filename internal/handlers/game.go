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
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/skillweave/skillweave/internal/artifact"
	enginerrors "github.com/skillweave/skillweave/pkg/errors"
	"github.com/skillweave/skillweave/pkg/skill"
)

// defaultGameTemplate is the baseline configuration merged under the
// plan's game settings.
var defaultGameTemplate = map[string]any{
	"difficulty":   "normal",
	"theme":        "default",
	"mechanics":    []any{"explore"},
	"lives":        3.0,
	"time_limit_s": 300.0,
}

// gameConfig derives the playable game configuration from the template
// defaults and the plan's game block. Deterministic, no network.
type gameConfig struct{}

func (h *gameConfig) Execute(_ context.Context, input map[string]any, ec *skill.ExecContext) (*skill.Result, error) {
	start := time.Now()

	merged := make(map[string]any, len(defaultGameTemplate))
	for k, v := range defaultGameTemplate {
		merged[k] = v
	}
	if overrides, ok := input["config"].(map[string]any); ok {
		for k, v := range overrides {
			merged[k] = v
		}
	}
	if title, ok := input["title"].(string); ok && title != "" {
		merged["title"] = title
	}

	raw, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := writeWorkspaceFile(ec, "game_config.json", raw); err != nil {
		return nil, err
	}

	out := skill.Success(
		map[string]any{"config": merged},
		skill.ArtifactSpec{
			Type:     "json/game-config",
			Path:     "game_config.json",
			Filename: "game_config.json",
		},
	)
	out.WithTiming("total", time.Since(start).Milliseconds())
	return out, nil
}

const bundleIndexHTML = `<!doctype html>
<html>
<head><meta charset="utf-8"><title>%s</title></head>
<body>
<script>
fetch("game_config.json").then(r => r.json()).then(cfg => window.__game_start(cfg));
</script>
<script src="engine.js"></script>
</body>
</html>
`

const bundleEngineJS = `window.__game_start = function (cfg) {
  console.log("starting", cfg.title || "campaign", cfg);
};
`

// bundleGame packs the game configuration and referenced assets into a
// playable zip bundle.
type bundleGame struct {
	blobs BlobSource
}

func (h *bundleGame) Execute(ctx context.Context, input map[string]any, ec *skill.ExecContext) (*skill.Result, error) {
	start := time.Now()

	config, ok := input["config"].(map[string]any)
	if !ok {
		return skill.Failure(enginerrors.CodeValidation, "input field \"config\" must be an object"), nil
	}
	title := optString(input, "title", "campaign")

	configJSON, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	files := map[string][]byte{
		"index.html":       []byte(fmt.Sprintf(bundleIndexHTML, title)),
		"engine.js":        []byte(bundleEngineJS),
		"game_config.json": configJSON,
	}
	for name, data := range files {
		if err := addZipEntry(zw, name, data); err != nil {
			return nil, err
		}
	}

	// Pull referenced assets out of the blob store into assets/.
	assetCount := 0
	if uris, ok := input["assets"].([]any); ok {
		for i, raw := range uris {
			uri, ok := raw.(string)
			if !ok || uri == "" {
				continue
			}
			data, err := h.readArtifact(uri)
			if err != nil {
				return skill.Failure(enginerrors.CodeValidation,
					fmt.Sprintf("asset %d: %v", i, err)), nil
			}
			if err := addZipEntry(zw, fmt.Sprintf("assets/asset_%d.bin", i), data); err != nil {
				return nil, err
			}
			assetCount++
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}

	if err := writeWorkspaceFile(ec, "bundle.zip", buf.Bytes()); err != nil {
		return nil, err
	}

	out := skill.Success(
		map[string]any{
			"entry_point": "index.html",
			"asset_count": assetCount,
			"size_bytes":  buf.Len(),
		},
		skill.ArtifactSpec{
			Type:     "bundle/game",
			Path:     "bundle.zip",
			Filename: "bundle.zip",
			Metadata: map[string]any{"entry_point": "index.html"},
		},
	)
	out.WithTiming("total", time.Since(start).Milliseconds())
	return out, nil
}

func (h *bundleGame) readArtifact(uri string) ([]byte, error) {
	tenantID, hash, err := artifact.ParseURI(uri)
	if err != nil {
		return nil, err
	}
	rc, err := h.blobs.Open(tenantID, hash)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func addZipEntry(zw *zip.Writer, name string, data []byte) error {
	w, err := zw.Create(name)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// requiredBundleEntries must exist in every valid game bundle.
var requiredBundleEntries = []string{"index.html", "game_config.json"}

// validateBundle checks a produced bundle for structural integrity.
type validateBundle struct {
	blobs BlobSource
}

func (h *validateBundle) Execute(_ context.Context, input map[string]any, ec *skill.ExecContext) (*skill.Result, error) {
	start := time.Now()

	uri, err := stringInput(input, "bundle_uri")
	if err != nil {
		return skill.Failure(enginerrors.CodeValidation, err.Error()), nil
	}

	data, err := h.readBundle(uri, ec)
	if err != nil {
		return skill.Failure(enginerrors.CodeValidation, err.Error()), nil
	}

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return skill.Failure(enginerrors.CodeValidation,
			fmt.Sprintf("bundle is not a readable zip: %v", err)), nil
	}

	present := make(map[string]bool, len(zr.File))
	for _, f := range zr.File {
		present[f.Name] = true
	}
	var missing []string
	for _, want := range requiredBundleEntries {
		if !present[want] {
			missing = append(missing, want)
		}
	}
	if len(missing) > 0 {
		return skill.Failure(enginerrors.CodeValidation,
			fmt.Sprintf("bundle is missing required entries: %v", missing)), nil
	}

	// The config must parse.
	rc, err := zr.Open("game_config.json")
	if err != nil {
		return nil, err
	}
	cfgRaw, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return nil, err
	}
	var cfg map[string]any
	if err := json.Unmarshal(cfgRaw, &cfg); err != nil {
		return skill.Failure(enginerrors.CodeValidation,
			fmt.Sprintf("game_config.json does not parse: %v", err)), nil
	}

	out := skill.Success(map[string]any{
		"valid":       true,
		"entry_count": len(zr.File),
		"size_bytes":  len(data),
	})
	out.WithTiming("total", time.Since(start).Milliseconds())
	return out, nil
}

// readBundle accepts both artifact references and workspace-relative
// paths (for validation immediately after bundling).
func (h *validateBundle) readBundle(uri string, ec *skill.ExecContext) ([]byte, error) {
	if tenantID, hash, err := artifact.ParseURI(uri); err == nil {
		rc, err := h.blobs.Open(tenantID, hash)
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}
	return os.ReadFile(filepath.Join(ec.WorkspaceDir, filepath.Clean(uri)))
}
