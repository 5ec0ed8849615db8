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

// Package api exposes the run engine over HTTP. Every tenant-scoped
// route reads the tenant from the X-Tenant-ID header; a lookup with the
// wrong tenant is indistinguishable from absence.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skillweave/skillweave/internal/artifact"
	"github.com/skillweave/skillweave/internal/catalog"
	"github.com/skillweave/skillweave/internal/httputil"
	"github.com/skillweave/skillweave/internal/log"
	"github.com/skillweave/skillweave/internal/orchestrator"
	"github.com/skillweave/skillweave/internal/planner"
	"github.com/skillweave/skillweave/internal/state"
	enginerrors "github.com/skillweave/skillweave/pkg/errors"
)

// TenantHeader carries the caller's tenant on every scoped request.
const TenantHeader = "X-Tenant-ID"

// Engine is the slice of the orchestrator the API needs.
type Engine interface {
	TriggerRun(ctx context.Context, tenantID string, req orchestrator.TriggerRequest) (*state.Run, error)
	CancelRun(ctx context.Context, tenantID, runID string) (*state.Run, error)
}

// Server is the HTTP API.
type Server struct {
	engine   Engine
	store    state.Store
	catalog  *catalog.Catalog
	registry *planner.Registry
	blobs    *artifact.Store
	logger   *slog.Logger
}

// Deps are the server's collaborators.
type Deps struct {
	Engine   Engine
	Store    state.Store
	Catalog  *catalog.Catalog
	Registry *planner.Registry
	Blobs    *artifact.Store
	Logger   *slog.Logger
}

// New creates a server.
func New(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		engine:   deps.Engine,
		store:    deps.Store,
		catalog:  deps.Catalog,
		registry: deps.Registry,
		blobs:    deps.Blobs,
		logger:   log.WithComponent(logger, "api"),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/runs", s.tenant(s.handleTriggerRun))
	mux.HandleFunc("GET /v1/runs", s.tenant(s.handleListRuns))
	mux.HandleFunc("GET /v1/runs/{id}", s.tenant(s.handleGetRun))
	mux.HandleFunc("DELETE /v1/runs/{id}", s.tenant(s.handleCancelRun))
	mux.HandleFunc("GET /v1/runs/{id}/steps", s.tenant(s.handleListSteps))
	mux.HandleFunc("GET /v1/runs/{id}/artifacts", s.tenant(s.handleListArtifacts))
	mux.HandleFunc("GET /v1/runs/{id}/cache-analysis", s.tenant(s.handleCacheAnalysis))

	mux.HandleFunc("GET /v1/artifacts/{id}", s.tenant(s.handleGetArtifact))
	mux.HandleFunc("GET /v1/artifacts/{id}/content", s.tenant(s.handleArtifactContent))

	mux.HandleFunc("GET /v1/skills", s.handleListSkills)
	mux.HandleFunc("GET /v1/skills/{id}", s.handleGetSkill)
	mux.HandleFunc("GET /v1/workflows", s.handleListWorkflows)

	mux.HandleFunc("GET /v1/health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	return s.logRequests(mux)
}

// tenant wraps a handler with tenant extraction. Requests without the
// header are rejected before any store access.
func (s *Server) tenant(next func(w http.ResponseWriter, r *http.Request, tenantID string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID := r.Header.Get(TenantHeader)
		if tenantID == "" {
			httputil.WriteError(w, &enginerrors.ValidationError{
				Field:      TenantHeader,
				Message:    "tenant header is required",
				Suggestion: "set the " + TenantHeader + " header",
			})
			return
		}
		next(w, r, tenantID)
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration_ms", time.Since(start).Milliseconds())
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}
