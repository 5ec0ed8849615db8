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

// Package metrics exposes Prometheus instrumentation for the run
// engine. Collectors are registered on the default registry via
// promauto and served on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RunsStarted counts runs picked up by workers, per workflow.
	RunsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "skillweave",
		Name:      "runs_started_total",
		Help:      "Runs picked up by orchestrator workers.",
	}, []string{"workflow"})

	// RunsCompleted counts terminal runs by final status.
	RunsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "skillweave",
		Name:      "runs_completed_total",
		Help:      "Runs reaching a terminal status.",
	}, []string{"workflow", "status"})

	// RunDuration observes wall-clock run duration.
	RunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "skillweave",
		Name:      "run_duration_seconds",
		Help:      "Wall-clock duration of completed runs.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	}, []string{"workflow", "status"})

	// StepsExecuted counts step executions by skill and outcome.
	StepsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "skillweave",
		Name:      "steps_executed_total",
		Help:      "Step executions by outcome.",
	}, []string{"skill_id", "status"})

	// StepDuration observes per-step execution time.
	StepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "skillweave",
		Name:      "step_duration_seconds",
		Help:      "Execution time of individual steps.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
	}, []string{"skill_id"})

	// StepRetries counts transient-failure retries.
	StepRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "skillweave",
		Name:      "step_retries_total",
		Help:      "Retries scheduled after transient step failures.",
	}, []string{"skill_id", "error_code"})

	// CacheLookups counts step cache lookups by outcome (hit, miss).
	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "skillweave",
		Name:      "step_cache_lookups_total",
		Help:      "Step cache lookups by outcome.",
	}, []string{"skill_id", "outcome"})

	// QueueDepth tracks the number of runs waiting for a worker.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "skillweave",
		Name:      "queue_depth",
		Help:      "Runs waiting in the intake queue.",
	})

	// ActiveRuns tracks runs currently executing.
	ActiveRuns = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "skillweave",
		Name:      "active_runs",
		Help:      "Runs currently held by a worker.",
	})

	// ProviderCalls counts outbound provider calls by kind and outcome.
	ProviderCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "skillweave",
		Name:      "provider_calls_total",
		Help:      "Outbound provider gateway calls.",
	}, []string{"kind", "outcome"})
)

// ObserveRun records a terminal run.
func ObserveRun(workflow, status string, duration time.Duration) {
	RunsCompleted.WithLabelValues(workflow, status).Inc()
	RunDuration.WithLabelValues(workflow, status).Observe(duration.Seconds())
}

// ObserveStep records one step execution.
func ObserveStep(skillID, status string, duration time.Duration) {
	StepsExecuted.WithLabelValues(skillID, status).Inc()
	StepDuration.WithLabelValues(skillID).Observe(duration.Seconds())
}
