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

package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/skillweave/skillweave/internal/api"
	"github.com/skillweave/skillweave/internal/artifact"
	"github.com/skillweave/skillweave/internal/catalog"
	"github.com/skillweave/skillweave/internal/config"
	"github.com/skillweave/skillweave/internal/execctx"
	"github.com/skillweave/skillweave/internal/handlers"
	"github.com/skillweave/skillweave/internal/log"
	"github.com/skillweave/skillweave/internal/orchestrator"
	"github.com/skillweave/skillweave/internal/planner"
	"github.com/skillweave/skillweave/internal/provider"
	"github.com/skillweave/skillweave/internal/queue"
	"github.com/skillweave/skillweave/internal/secrets"
	"github.com/skillweave/skillweave/internal/state"
	"github.com/skillweave/skillweave/internal/tracing"
	"github.com/skillweave/skillweave/internal/workspace"
)

func newServeCmd(configPath *string) *cobra.Command {
	var (
		listenAddr  string
		traceStdout bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := log.New(log.FromEnv())
			slog.SetDefault(logger)

			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if listenAddr != "" {
				cfg.ListenAddr = listenAddr
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, logger, traceStdout)
		},
	}
	cmd.Flags().StringVar(&listenAddr, "listen", "", "HTTP listen address (overrides config)")
	cmd.Flags().BoolVar(&traceStdout, "trace-stdout", false, "export spans to stdout")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger, traceStdout bool) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(tracing.Config{
		Enabled:     traceStdout,
		ServiceName: "skillweaved",
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return err
	}
	store, err := state.NewSQLite(state.SQLiteConfig{Path: cfg.DatabasePath(), WAL: true})
	if err != nil {
		return err
	}
	defer store.Close()

	blobs, err := artifact.NewStore(cfg.BlobDir(), logger)
	if err != nil {
		return err
	}
	workspaces, err := workspace.NewManager(cfg.WorkspaceRoot())
	if err != nil {
		return err
	}

	secretsAccessor := secrets.NewAccessor(cfg.Secrets.AdditionalKeys, logger)

	cat := catalog.New(logger)
	if err := cat.LoadDir(cfg.CatalogDir); err != nil {
		return err
	}
	// Rejected descriptors are not fatal; the valid ones serve while
	// the problems stay queryable through GET /v1/skills.
	if problems := cat.ValidationErrors(); len(problems) > 0 {
		logger.Warn("catalog loaded with rejected descriptors", "count", len(problems))
	}

	var gen provider.Generator
	gateway, err := provider.NewGateway(provider.GatewayConfig{
		Timeout:       time.Duration(cfg.Provider.HTTPTimeoutSec) * time.Second,
		RatePerSecond: cfg.Provider.RatePerSecond,
	}, secretsAccessor, logger)
	if err != nil {
		// Deterministic skills still work without a provider; the
		// provider-backed ones fail at execution time.
		logger.Warn("provider gateway unavailable", "error", err)
	} else {
		gen = gateway
	}
	handlers.Register(cat, handlers.Deps{Generator: gen, Blobs: blobs})

	registry := planner.NewRegistry(logger)
	if err := registry.LoadDir(cfg.WorkflowsDir); err != nil {
		return err
	}

	q := queue.NewMemory()
	defer q.Close()

	execs := execctx.NewFactory(workspaces, secretsAccessor, cfg.StepTimeout(0), logger)
	engine := orchestrator.New(cfg, orchestrator.Deps{
		Store:    store,
		Queue:    q,
		Catalog:  cat,
		Registry: registry,
		Blobs:    blobs,
		Execs:    execs,
		Logger:   logger,
	})

	server := api.New(api.Deps{
		Engine:   engine,
		Store:    store,
		Catalog:  cat,
		Registry: registry,
		Blobs:    blobs,
		Logger:   logger,
	})
	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	if cfg.WatchWorkflows {
		g.Go(func() error {
			if err := registry.Watch(ctx, cfg.WorkflowsDir); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("workflow watcher stopped", "error", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		return engine.Start(ctx)
	})

	g.Go(func() error {
		logger.Info("listening", "addr", cfg.ListenAddr)
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("shut down")
	return err
}
