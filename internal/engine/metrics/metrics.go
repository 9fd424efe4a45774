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

// Package metrics exposes run and task throughput as Prometheus
// counters, fed by subscribing to the workflow event bus rather than by
// instrumenting every call site.
package metrics

import (
	"context"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tombee/conductor/pkg/workflow"
)

var (
	runEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_run_events_total",
			Help: "Total run lifecycle events by topic",
		},
		[]string{"topic"},
	)

	taskEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_task_events_total",
			Help: "Total task lifecycle events by topic",
		},
		[]string{"topic"},
	)
)

// Recorder subscribes to an EventBus and turns every published event
// into a Prometheus counter increment. It holds no other state; the
// counters themselves are package-level so multiple Recorders (e.g. in
// tests) don't each register their own collectors.
type Recorder struct {
	unsubscribe func()
}

// NewRecorder subscribes a Recorder to bus. Call Close to unsubscribe.
func NewRecorder(bus *workflow.EventBus) *Recorder {
	unsubscribe := bus.Subscribe("*", func(_ context.Context, event *workflow.Event) {
		if strings.HasPrefix(event.Topic, "task.") {
			taskEvents.WithLabelValues(event.Topic).Inc()
		} else {
			runEvents.WithLabelValues(event.Topic).Inc()
		}
	})
	return &Recorder{unsubscribe: unsubscribe}
}

// Close unsubscribes the recorder from its event bus.
func (r *Recorder) Close() {
	r.unsubscribe()
}

// Handler returns the HTTP handler that serves the process's registered
// Prometheus collectors in text exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}
