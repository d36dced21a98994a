// Copyright 2025 UMH Systems GmbH
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

package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/united-manufacturing-hub/apphost/pkg/logger"
	"github.com/united-manufacturing-hub/apphost/pkg/resource"
	"github.com/united-manufacturing-hub/apphost/pkg/sentry"
)

const (
	// Component labels.
	ComponentOrchestrator = "orchestrator"
	ComponentStateStore   = "state_store"
	ComponentBroadcaster  = "broadcaster"
	ComponentHookRunner   = "hook_runner"
	ComponentRestart      = "restart_watcher"
	ComponentRuntime      = "runtime"
	ComponentAPI          = "api"
)

var (
	namespace = "apphost"
	subsystem = "core"

	errorCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "errors_total",
			Help:      "Total number of errors encountered by component",
		},
		[]string{"component", "instance"},
	)

	resourceState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "resource_state",
			Help:      "Current state of the resource (0=NotStarted, 1=Starting, 2=Running, 3=Hidden, 4=FailedToStart, 5=Exited, -1=Unknown)",
		},
		[]string{"resource"},
	)

	resourceExitCode = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "resource_exit_code",
			Help:      "Exit code of the last Exited state of the resource",
		},
		[]string{"resource"},
	)

	transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "state_transitions_total",
			Help:      "Total number of recorded state transitions",
		},
		[]string{"resource", "to"},
	)

	hookDuration = promauto.NewSummaryVec(
		prometheus.SummaryOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "hook_duration_milliseconds",
			Help:      "Time taken by a lifecycle hook (in milliseconds)",
			Objectives: map[float64]float64{
				0.5:  0.01,
				0.9:  0.01,
				0.99: 0.01,
			},
		},
		[]string{"point", "hook"},
	)

	hookFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "hook_failures_total",
			Help:      "Total number of failed lifecycle hook invocations",
		},
		[]string{"point", "hook"},
	)

	restarts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "restarts_total",
			Help:      "Total number of automatic restart invocations by outcome",
		},
		[]string{"resource", "outcome"},
	)

	droppedEvents = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "events_dropped_total",
			Help:      "Total number of state events dropped from bounded subscriptions",
		},
	)

	stalledSeconds = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "resource_stalled_total_seconds",
			Help:      "Total seconds a resource was observed stuck in Starting",
		},
		[]string{"resource"},
	)
)

// IncErrorCount increments the error counter for a component.
func IncErrorCount(component, instance string) {
	errorCounter.WithLabelValues(component, instance).Inc()
}

// RecordTransition updates the state gauge and the transition counter.
func RecordTransition(resourceName string, to resource.State) {
	resourceState.WithLabelValues(resourceName).Set(stateValue(to.Tag))
	transitions.WithLabelValues(resourceName, string(to.Tag)).Inc()

	if to.Tag == resource.TagExited {
		resourceExitCode.WithLabelValues(resourceName).Set(float64(to.ExitCode))
	}
}

// ForgetResource drops the per-resource series of a removed resource.
func ForgetResource(resourceName string) {
	resourceState.DeleteLabelValues(resourceName)
	resourceExitCode.DeleteLabelValues(resourceName)
	stalledSeconds.DeleteLabelValues(resourceName)
}

// ObserveHook records the duration and outcome of one hook invocation.
func ObserveHook(point, hook string, duration time.Duration, err error) {
	hookDuration.WithLabelValues(point, hook).Observe(float64(duration.Milliseconds()))

	if err != nil {
		hookFailures.WithLabelValues(point, hook).Inc()
	}
}

// Restart outcomes.
const (
	RestartStarted   = "started"
	RestartFailed    = "failed"
	RestartExhausted = "exhausted"
)

// RecordRestart counts an automatic restart attempt by outcome.
func RecordRestart(resourceName, outcome string) {
	restarts.WithLabelValues(resourceName, outcome).Inc()
}

// IncDroppedEvents counts one event dropped by a bounded subscription.
func IncDroppedEvents() {
	droppedEvents.Inc()
}

// AddStalledTime adds to the stalled counter of a resource.
func AddStalledTime(resourceName string, seconds float64) {
	stalledSeconds.WithLabelValues(resourceName).Add(seconds)
}

func stateValue(tag resource.StateTag) float64 {
	for i, t := range resource.AllTags {
		if t == tag {
			return float64(i)
		}
	}

	return -1
}

// DebugProvider returns a JSON-serializable view of the app host for /debug/resources.
type DebugProvider interface {
	DebugInfo() interface{}
}

func debugHandler(provider DebugProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)

			return
		}

		w.Header().Set("Content-Type", "application/json")

		if provider == nil {
			_, _ = w.Write([]byte(`{"status":"no_provider_registered"}`))

			return
		}

		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")

		if err := encoder.Encode(provider.DebugInfo()); err != nil {
			http.Error(w, "Failed to encode debug info", http.StatusInternalServerError)
		}
	}
}

// Handler serves /metrics and /debug/resources.
func Handler(provider DebugProvider) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/debug/resources", debugHandler(provider))

	return mux
}

// SetupMetricsEndpoint starts an HTTP server exposing metrics on addr.
// This should be called once at application startup.
func SetupMetricsEndpoint(addr string, provider DebugProvider) *http.Server {
	server := &http.Server{
		Addr:        addr,
		Handler:     Handler(provider),
		ReadTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sentry.ReportIssue(err, sentry.IssueTypeFatal, logger.For("metrics"))
		}
	}()

	return server
}
