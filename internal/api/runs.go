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

package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/skillweave/skillweave/internal/httputil"
	"github.com/skillweave/skillweave/internal/orchestrator"
	"github.com/skillweave/skillweave/internal/state"
	enginerrors "github.com/skillweave/skillweave/pkg/errors"
)

// triggerRunRequest is the POST /v1/runs body.
type triggerRunRequest struct {
	Workflow        string            `json:"workflow"`
	WorkflowVersion int               `json:"workflow_version,omitempty"`
	Payload         map[string]any    `json:"payload,omitempty"`
	TriggerType     state.TriggerType `json:"trigger_type,omitempty"`
	BaseRunID       string            `json:"base_run_id,omitempty"`

	// RunID makes retried triggers idempotent when the client supplies
	// its own id.
	RunID string `json:"run_id,omitempty"`
}

func (s *Server) handleTriggerRun(w http.ResponseWriter, r *http.Request, tenantID string) {
	var req triggerRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, &enginerrors.ValidationError{
			Field:   "body",
			Message: "request body is not valid JSON: " + err.Error(),
		})
		return
	}
	if req.Workflow == "" {
		httputil.WriteError(w, &enginerrors.ValidationError{
			Field:      "workflow",
			Message:    "workflow is required",
			Suggestion: "name a workflow loaded from the workflows directory",
		})
		return
	}

	run, err := s.engine.TriggerRun(r.Context(), tenantID, orchestrator.TriggerRequest{
		RunID:           req.RunID,
		Workflow:        req.Workflow,
		WorkflowVersion: req.WorkflowVersion,
		Payload:         req.Payload,
		Type:            req.TriggerType,
		BaseRunID:       req.BaseRunID,
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request, tenantID string) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			httputil.WriteError(w, &enginerrors.ValidationError{
				Field: "limit", Message: "limit must be a positive integer",
			})
			return
		}
		limit = n
	}

	runs, err := s.store.ListRuns(r.Context(), tenantID, limit)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request, tenantID string) {
	run, err := s.store.GetRun(r.Context(), tenantID, r.PathValue("id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	summary, err := s.store.RunAggregates(r.Context(), tenantID, run.ID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"run":   run,
		"steps": summary,
	})
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request, tenantID string) {
	run, err := s.engine.CancelRun(r.Context(), tenantID, r.PathValue("id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleListSteps(w http.ResponseWriter, r *http.Request, tenantID string) {
	runID := r.PathValue("id")
	if _, err := s.store.GetRun(r.Context(), tenantID, runID); err != nil {
		httputil.WriteError(w, err)
		return
	}

	status := state.StepStatus(r.URL.Query().Get("status"))
	steps, err := s.store.ListSteps(r.Context(), tenantID, runID, status)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"steps": steps})
}

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request, tenantID string) {
	runID := r.PathValue("id")
	if _, err := s.store.GetRun(r.Context(), tenantID, runID); err != nil {
		httputil.WriteError(w, err)
		return
	}

	artifacts, err := s.store.ListArtifacts(r.Context(), tenantID, runID, r.URL.Query().Get("step_id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"artifacts": artifacts})
}

// cacheAnalysis summarizes which steps of a run were served from cache.
type cacheAnalysis struct {
	RunID   string              `json:"run_id"`
	Steps   []cacheAnalysisStep `json:"steps"`
	Summary cacheSummary        `json:"summary"`
}

type cacheAnalysisStep struct {
	StepID           string           `json:"step_id"`
	SkillID          string           `json:"skill_id"`
	Status           state.StepStatus `json:"status"`
	CacheHit         bool             `json:"cache_hit"`
	InputFingerprint string           `json:"input_fingerprint,omitempty"`
	DurationMS       int64            `json:"duration_ms"`
}

type cacheSummary struct {
	Executed int     `json:"executed"`
	Hits     int     `json:"hits"`
	HitRate  float64 `json:"hit_rate"`
}

func (s *Server) handleCacheAnalysis(w http.ResponseWriter, r *http.Request, tenantID string) {
	runID := r.PathValue("id")
	if _, err := s.store.GetRun(r.Context(), tenantID, runID); err != nil {
		httputil.WriteError(w, err)
		return
	}

	steps, err := s.store.ListSteps(r.Context(), tenantID, runID, "")
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	analysis := cacheAnalysis{RunID: runID}
	for _, step := range steps {
		analysis.Steps = append(analysis.Steps, cacheAnalysisStep{
			StepID:           step.StepID,
			SkillID:          step.SkillID,
			Status:           step.Status,
			CacheHit:         step.CacheHit,
			InputFingerprint: step.InputFingerprint,
			DurationMS:       step.DurationMS,
		})
		if step.Status == state.StepCompleted {
			analysis.Summary.Executed++
			if step.CacheHit {
				analysis.Summary.Hits++
			}
		}
	}
	if analysis.Summary.Executed > 0 {
		analysis.Summary.HitRate = float64(analysis.Summary.Hits) / float64(analysis.Summary.Executed)
	}
	httputil.WriteJSON(w, http.StatusOK, &analysis)
}
