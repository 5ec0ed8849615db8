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
	"fmt"

	"github.com/spf13/cobra"

	"github.com/skillweave/skillweave/internal/catalog"
	"github.com/skillweave/skillweave/internal/config"
	"github.com/skillweave/skillweave/internal/handlers"
	"github.com/skillweave/skillweave/internal/planner"
)

// newValidateCmd checks the catalog and workflow definitions without
// starting the daemon.
func newValidateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate skill descriptors and workflow definitions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			failed := false

			cat := catalog.New(nil)
			if err := cat.LoadDir(cfg.CatalogDir); err != nil {
				failed = true
				fmt.Fprintf(out, "catalog: %v\n", err)
			}
			for _, problem := range cat.ValidationErrors() {
				failed = true
				fmt.Fprintf(out, "catalog: %v\n", problem)
			}
			// Bind the built-in handlers without their runtime deps so
			// descriptor-to-handler wiring is checked too.
			handlers.Register(cat, handlers.Deps{})
			entries := cat.List()
			fmt.Fprintf(out, "catalog: %d skill descriptor(s) loaded from %s\n", len(entries), cfg.CatalogDir)

			registry := planner.NewRegistry(nil)
			if err := registry.LoadDir(cfg.WorkflowsDir); err != nil {
				failed = true
				fmt.Fprintf(out, "workflows: %v\n", err)
			}
			names := registry.Names()
			fmt.Fprintf(out, "workflows: %d definition(s) loaded from %s\n", len(names), cfg.WorkflowsDir)

			// Every workflow step must name a resolvable skill.
			for _, name := range names {
				w, err := registry.Get(name, 0)
				if err != nil {
					failed = true
					fmt.Fprintf(out, "workflow %s: %v\n", name, err)
					continue
				}
				for _, s := range w.Steps {
					if _, err := cat.Resolve(s.Skill, s.Version); err != nil {
						failed = true
						fmt.Fprintf(out, "workflow %s: step %q: %v\n", name, s.ID, err)
						continue
					}
					if !cat.Has(s.Skill) {
						failed = true
						fmt.Fprintf(out, "workflow %s: step %q: skill %s has no bound handler\n", name, s.ID, s.Skill)
					}
				}
			}

			if failed {
				return fmt.Errorf("validation failed")
			}
			fmt.Fprintln(out, "ok")
			return nil
		},
	}
}
