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

package workflow

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// webhookRequests tracks outbound webhook step attempts by result.
	webhookRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_webhook_requests_total",
			Help: "Total webhook step activations by workflow id and result",
		},
		[]string{"workflow", "result"},
	)

	// webhookDuration tracks outbound webhook call latency.
	webhookDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conductor_webhook_request_duration_seconds",
			Help:    "Webhook step HTTP call latency by workflow id",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"workflow"},
	)
)

// recordWebhookResult increments the webhook result counter and
// observes the call's duration in seconds.
func recordWebhookResult(workflowID, result string, durationSeconds float64) {
	webhookRequests.WithLabelValues(workflowID, result).Inc()
	webhookDuration.WithLabelValues(workflowID).Observe(durationSeconds)
}
