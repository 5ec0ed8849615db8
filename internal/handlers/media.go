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
	"os"
	"path/filepath"
	"time"

	"github.com/skillweave/skillweave/internal/provider"
	enginerrors "github.com/skillweave/skillweave/pkg/errors"
	"github.com/skillweave/skillweave/pkg/skill"
)

// generateImage renders one scene illustration. kind distinguishes the
// intro and outcome variants, which share everything but the artifact
// tag and default filename.
type generateImage struct {
	gen  provider.Generator
	kind string
}

func (h *generateImage) Execute(ctx context.Context, input map[string]any, ec *skill.ExecContext) (*skill.Result, error) {
	prompt, err := stringInput(input, "prompt")
	if err != nil {
		return skill.Failure(enginerrors.CodeValidation, err.Error()), nil
	}
	width := optInt(input, "width", 1024)
	height := optInt(input, "height", 1024)

	start := time.Now()
	bin, err := h.gen.GenerateImageAndWait(ctx, provider.ImageRequest{
		Model:  optString(input, "model", "gpt-image-1"),
		Prompt: prompt,
		Style:  optString(input, "style", ""),
		Width:  width,
		Height: height,
	})
	if err != nil {
		return nil, err
	}

	filename := h.kind + ".png"
	if err := writeWorkspaceFile(ec, filename, bin.Data); err != nil {
		return nil, err
	}

	out := skill.Success(
		map[string]any{"width": width, "height": height, "model": bin.Model},
		skill.ArtifactSpec{
			Type:     "image/" + h.kind,
			Path:     filename,
			Filename: filename,
			Metadata: map[string]any{"prompt": prompt},
		},
	)
	out.WithTiming("total", time.Since(start).Milliseconds())
	out.WithProviderCall(skill.ProviderCall{
		Provider: "gateway", Model: bin.Model,
		DurationMS: bin.DurationMS, RequestID: bin.RequestID,
	})
	return out, nil
}

// generateAudio produces the campaign soundtrack.
type generateAudio struct {
	gen provider.Generator
}

func (h *generateAudio) Execute(ctx context.Context, input map[string]any, ec *skill.ExecContext) (*skill.Result, error) {
	prompt, err := stringInput(input, "prompt")
	if err != nil {
		return skill.Failure(enginerrors.CodeValidation, err.Error()), nil
	}
	duration := optFloat(input, "duration_sec", 30)
	if duration <= 0 {
		duration = 30
	}

	start := time.Now()
	bin, err := h.gen.GenerateAudioAndWait(ctx, provider.AudioRequest{
		Model:       optString(input, "model", "music-gen-large"),
		Prompt:      prompt,
		DurationSec: duration,
	})
	if err != nil {
		return nil, err
	}

	if err := writeWorkspaceFile(ec, "track.mp3", bin.Data); err != nil {
		return nil, err
	}

	out := skill.Success(
		map[string]any{"duration_sec": duration, "model": bin.Model},
		skill.ArtifactSpec{
			Type:     "audio/track",
			Path:     "track.mp3",
			Filename: "track.mp3",
			Metadata: map[string]any{"prompt": prompt},
		},
	)
	out.WithTiming("total", time.Since(start).Milliseconds())
	out.WithProviderCall(skill.ProviderCall{
		Provider: "gateway", Model: bin.Model,
		DurationMS: bin.DurationMS, RequestID: bin.RequestID,
	})
	return out, nil
}

// generate3DAsset produces one game prop via the async asset pipeline.
type generate3DAsset struct {
	gen provider.Generator
}

func (h *generate3DAsset) Execute(ctx context.Context, input map[string]any, ec *skill.ExecContext) (*skill.Result, error) {
	prompt, err := stringInput(input, "prompt")
	if err != nil {
		return skill.Failure(enginerrors.CodeValidation, err.Error()), nil
	}
	format := optString(input, "format", "glb")

	start := time.Now()
	bin, err := h.gen.Generate3DAssetAndWait(ctx, provider.AssetRequest{
		Model:  optString(input, "model", "tripo-v2"),
		Prompt: prompt,
		Format: format,
	})
	if err != nil {
		return nil, err
	}

	filename := "asset." + format
	if err := writeWorkspaceFile(ec, filename, bin.Data); err != nil {
		return nil, err
	}

	out := skill.Success(
		map[string]any{"format": format, "model": bin.Model, "size_bytes": len(bin.Data)},
		skill.ArtifactSpec{
			Type:     "model/" + format,
			Path:     filename,
			Filename: filename,
			Metadata: map[string]any{"prompt": prompt},
		},
	)
	out.WithTiming("total", time.Since(start).Milliseconds())
	out.WithProviderCall(skill.ProviderCall{
		Provider: "gateway", Model: bin.Model,
		DurationMS: bin.DurationMS, RequestID: bin.RequestID,
	})
	return out, nil
}

func writeWorkspaceFile(ec *skill.ExecContext, name string, data []byte) error {
	return os.WriteFile(filepath.Join(ec.WorkspaceDir, name), data, 0o644)
}
