// Copyright 2026 fanjia1024
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

// Package metrics exposes Prometheus instrumentation for the orchestrator
// core on a private registry (never the global default registry).
package metrics

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// DefaultRegistry is the private registry every metric below registers on.
var DefaultRegistry = prometheus.NewRegistry()

func init() {
	DefaultRegistry.MustRegister(
		RunsTotal, RunDurationSeconds, RunActiveGauge,
		StepsTotal, StepRetriesTotal, StepDurationSeconds,
		ReflectionActionsTotal,
		BrokerDroppedEventsTotal, BrokerSubscribersGauge,
		LLMCostUSDTotal, LLMTokensTotal, LLMCallDurationSeconds,
	)
}

// RunsTotal counts finished runs by terminal status and finish reason.
var RunsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "taskflow_runs_total",
		Help: "Finished runs by status and reason.",
	},
	[]string{"status", "reason"},
)

// RunDurationSeconds is wall time from run_started to run_finished.
var RunDurationSeconds = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "taskflow_run_duration_seconds",
		Help:    "Run duration in seconds, started to finished.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	},
	[]string{"status"},
)

// RunActiveGauge tracks the number of runs with an active worker goroutine.
var RunActiveGauge = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "taskflow_runs_active",
		Help: "Runs currently driven by an orchestrator worker.",
	},
)

// StepsTotal counts completed executor ticks by node outcome.
var StepsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "taskflow_steps_total",
		Help: "Executor ticks by outcome (completed, retry_scheduled, failed).",
	},
	[]string{"outcome"},
)

// StepRetriesTotal counts retry-scheduled ticks by failure code.
var StepRetriesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "taskflow_step_retries_total",
		Help: "Step retries scheduled, by failure code.",
	},
	[]string{"code"},
)

// StepDurationSeconds measures a single executor attempt, from the tool gate
// and model call through output validation and persistence.
var StepDurationSeconds = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "taskflow_step_duration_seconds",
		Help:    "Executor tick duration in seconds.",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"node_id"},
)

// ReflectionActionsTotal counts reflection decisions by action taken.
var ReflectionActionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "taskflow_reflection_actions_total",
		Help: "Reflection decisions by action_taken.",
	},
	[]string{"action", "failure_mode"},
)

// BrokerDroppedEventsTotal counts events dropped by the broker's drop-head
// overflow policy, by run id's subscriber buffer being full.
var BrokerDroppedEventsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "taskflow_broker_dropped_events_total",
		Help: "Events dropped from a subscriber buffer under backpressure.",
	},
)

// BrokerSubscribersGauge tracks live SSE subscriber count across all runs.
var BrokerSubscribersGauge = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "taskflow_broker_subscribers",
		Help: "Currently subscribed event consumers.",
	},
)

// LLMCostUSDTotal accumulates estimated spend by provider and model.
var LLMCostUSDTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "taskflow_llm_cost_usd_total",
		Help: "Estimated USD spend on model calls.",
	},
	[]string{"provider", "model"},
)

// LLMTokensTotal accumulates prompt/completion tokens by provider and model.
var LLMTokensTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "taskflow_llm_tokens_total",
		Help: "Tokens consumed by model calls.",
	},
	[]string{"provider", "model", "kind"},
)

// LLMCallDurationSeconds measures provider adapter call latency.
var LLMCallDurationSeconds = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "taskflow_llm_call_duration_seconds",
		Help:    "Model provider call duration in seconds.",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"provider", "model"},
)

// WritePrometheus renders the registry in Prometheus text exposition format.
func WritePrometheus(w io.Writer) error {
	families, err := DefaultRegistry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
