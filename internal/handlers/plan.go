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
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/skillweave/skillweave/internal/provider"
	enginerrors "github.com/skillweave/skillweave/pkg/errors"
	"github.com/skillweave/skillweave/pkg/skill"
)

const planSystemPrompt = `You are a game campaign designer. Given a campaign brief,
produce a JSON object with this exact shape:
{
  "title": string,
  "scenes": [{"role": "intro"|"outcome", "prompt": string}, ...],
  "game": {"difficulty": string, "theme": string, "mechanics": [string, ...]},
  "audio_prompt": string,
  "asset_prompts": [string, ...]
}
The scenes list must contain exactly one intro and one outcome scene.
Respond with JSON only.`

// planCampaign turns a campaign brief into a structured scene and game
// plan via a language model.
type planCampaign struct {
	gen provider.Generator
}

func (h *planCampaign) Execute(ctx context.Context, input map[string]any, ec *skill.ExecContext) (*skill.Result, error) {
	brief, err := stringInput(input, "brief")
	if err != nil {
		return skill.Failure(enginerrors.CodeValidation, err.Error()), nil
	}
	model := optString(input, "model", "claude-sonnet-4-5")
	sceneCount := optInt(input, "scene_count", 2)

	start := time.Now()
	res, err := h.gen.GenerateTextAndWait(ctx, provider.TextRequest{
		Model:      model,
		System:     planSystemPrompt,
		Prompt:     fmt.Sprintf("Campaign brief: %s\nScene count: %d", brief, sceneCount),
		JSONOutput: true,
	})
	if err != nil {
		return nil, err
	}

	plan, err := parsePlan(res.Text)
	if err != nil {
		// The model produced unusable output; retryable.
		return skill.Failure(enginerrors.CodeGenerationFailed,
			fmt.Sprintf("plan output is not usable: %v", err)), nil
	}

	out := skill.Success(plan).
		WithTiming("total", time.Since(start).Milliseconds()).
		WithProviderCall(skill.ProviderCall{
			Provider:   "gateway",
			Model:      res.Model,
			DurationMS: res.DurationMS,
			Tokens:     res.Tokens,
			RequestID:  res.RequestID,
		})
	return out, nil
}

// parsePlan decodes and structurally checks the model's JSON. Models
// occasionally wrap JSON in a code fence; strip it.
func parsePlan(text string) (map[string]any, error) {
	text = strings.TrimSpace(text)
	if after, ok := strings.CutPrefix(text, "```json"); ok {
		text = after
	} else if after, ok := strings.CutPrefix(text, "```"); ok {
		text = after
	}
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")

	var plan map[string]any
	if err := json.Unmarshal([]byte(text), &plan); err != nil {
		return nil, fmt.Errorf("not valid JSON: %w", err)
	}

	scenes, ok := plan["scenes"].([]any)
	if !ok || len(scenes) == 0 {
		return nil, fmt.Errorf("missing scenes list")
	}
	roles := map[string]bool{}
	for _, raw := range scenes {
		scene, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("scene is not an object")
		}
		role, _ := scene["role"].(string)
		prompt, _ := scene["prompt"].(string)
		if prompt == "" {
			return nil, fmt.Errorf("scene %q has no prompt", role)
		}
		roles[role] = true
	}
	if !roles["intro"] || !roles["outcome"] {
		return nil, fmt.Errorf("scenes must include intro and outcome")
	}
	if _, ok := plan["game"].(map[string]any); !ok {
		return nil, fmt.Errorf("missing game object")
	}
	return plan, nil
}
