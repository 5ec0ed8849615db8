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
	"io"
	"net/http"

	"github.com/skillweave/skillweave/internal/artifact"
	"github.com/skillweave/skillweave/internal/httputil"
	enginerrors "github.com/skillweave/skillweave/pkg/errors"
	"github.com/skillweave/skillweave/pkg/skill"
)

func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request, tenantID string) {
	a, err := s.store.GetArtifact(r.Context(), tenantID, r.PathValue("id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, a)
}

func (s *Server) handleArtifactContent(w http.ResponseWriter, r *http.Request, tenantID string) {
	a, err := s.store.GetArtifact(r.Context(), tenantID, r.PathValue("id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	uriTenant, hash, err := artifact.ParseURI(a.URI)
	if err != nil || uriTenant != tenantID {
		httputil.WriteError(w, &enginerrors.NotFoundError{Resource: "artifact", ID: a.ID})
		return
	}
	rc, err := s.blobs.Open(uriTenant, hash)
	if err != nil {
		httputil.WriteError(w, &enginerrors.NotFoundError{Resource: "artifact", ID: a.ID})
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	if a.Filename != "" {
		w.Header().Set("Content-Disposition", `attachment; filename="`+a.Filename+`"`)
	}
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Warn("artifact download interrupted", "artifact_id", a.ID, "error", err)
	}
}

// skillSummary is the catalog listing shape. Schemas are included so
// callers can build valid inputs without a second request.
type skillSummary struct {
	SkillID      string         `json:"skill_id"`
	Version      string         `json:"version"`
	Title        string         `json:"title"`
	Description  string         `json:"description,omitempty"`
	Tags         []string       `json:"tags,omitempty"`
	Status       string         `json:"status"`
	InputSchema  map[string]any `json:"input_schema"`
	OutputSchema map[string]any `json:"output_schema"`
}

func (s *Server) handleListSkills(w http.ResponseWriter, _ *http.Request) {
	var out []skillSummary
	for _, e := range s.catalog.List() {
		d := e.Descriptor
		out = append(out, skillSummary{
			SkillID:      d.SkillID,
			Version:      d.Version,
			Title:        d.Title,
			Description:  d.Description,
			Tags:         d.Tags,
			Status:       string(d.Status),
			InputSchema:  d.InputSchema,
			OutputSchema: d.OutputSchema,
		})
	}
	resp := map[string]any{"skills": out}
	// Descriptors rejected at load time are reported, not hidden, so a
	// missing skill is explainable from this endpoint alone.
	if problems := s.catalog.ValidationErrors(); len(problems) > 0 {
		msgs := make([]string, len(problems))
		for i, p := range problems {
			msgs[i] = p.Error()
		}
		resp["validation_errors"] = msgs
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetSkill(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	entry, err := s.catalog.Resolve(id, r.URL.Query().Get("version"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, struct {
		*skill.Descriptor
		Versions []string `json:"versions"`
	}{entry.Descriptor, s.catalog.ListVersions(id)})
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"workflows": s.registry.Names(),
	})
}
