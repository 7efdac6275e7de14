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

// Package metrics records supervisor actions for the node_exporter
// textfile collector.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Action results.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultNoop    = "noop"
)

// Registry holds only supervisor metrics. The default registry would add
// Go runtime series for a process that lives a few seconds.
var Registry = prometheus.NewRegistry()

var (
	// actionsTotal counts lifecycle actions by outcome
	actionsTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "hostwatch_supervisor_actions_total",
			Help: "Total supervisor lifecycle actions by action and result",
		},
		[]string{"action", "result"},
	)

	// forcedKills counts escalations from SIGTERM to SIGKILL
	forcedKills = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Name: "hostwatch_supervisor_forced_kills_total",
			Help: "Total stops that escalated to SIGKILL",
		},
	)

	// controllerInstances is the PID count of the last observed handle
	controllerInstances = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "hostwatch_supervisor_controller_instances",
			Help: "Number of controller processes seen by the last discovery",
		},
	)

	actionDuration = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hostwatch_supervisor_action_duration_seconds",
			Help:    "Duration of supervisor lifecycle actions",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 20, 30, 60},
		},
		[]string{"action"},
	)
)

// RecordAction counts one action and observes its duration.
func RecordAction(action, result string, d time.Duration) {
	actionsTotal.WithLabelValues(action, result).Inc()
	actionDuration.WithLabelValues(action).Observe(d.Seconds())
}

// RecordForcedKill increments the forced kill counter.
func RecordForcedKill() {
	forcedKills.Inc()
}

// SetInstances sets the controller instance gauge.
func SetInstances(n int) {
	controllerInstances.Set(float64(n))
}

// Flush writes the registry to path in text exposition format.
// An empty path is a no-op.
func Flush(path string) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, Registry); err != nil {
		return fmt.Errorf("failed to write metrics: %w", err)
	}
	return nil
}
