// Copyright 2023 The biasalert-go Authors
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

// package metrics provides Prometheus metrics for the application.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "biasalert"

var (
	// ConnectionsTotal is a counter for the total number of admitted connections.
	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connections_total",
		Help:      "The total number of WebSocket connections admitted.",
	})

	// ConnectionsActive tracks currently registered connections.
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connections_active",
		Help:      "The number of connections currently registered.",
	})

	// ConnectionsRejectedTotal counts refused upgrade attempts by reason.
	ConnectionsRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connections_rejected_total",
		Help:      "The total number of connection attempts refused before admission.",
	},
		[]string{"reason"},
	)

	// MessagesReceivedTotal counts inbound frames by message type.
	MessagesReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_received_total",
		Help:      "The total number of inbound client frames, by type.",
	},
		[]string{"type"},
	)

	// EventsPublishedTotal counts publish calls per channel.
	EventsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_published_total",
		Help:      "The total number of events published, by channel.",
	},
		[]string{"channel"},
	)

	// DeliveriesTotal counts successful per-connection deliveries.
	DeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deliveries_total",
		Help:      "The total number of events delivered to connections, by channel.",
	},
		[]string{"channel"},
	)

	// SendFailuresTotal counts deliveries that failed and evicted the connection.
	SendFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "send_failures_total",
		Help:      "The total number of failed deliveries, by channel.",
	},
		[]string{"channel"},
	)

	// PublishDuration observes the time spent fanning out one event.
	PublishDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "publish_duration_seconds",
		Help:      "Time spent delivering one event to every matching subscriber.",
		Buckets:   prometheus.DefBuckets,
	},
		[]string{"channel"},
	)

	// RateLimitViolationsTotal counts connections closed for flooding.
	RateLimitViolationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limit_violations_total",
		Help:      "The total number of connections closed for exceeding the message rate.",
	})

	// HeartbeatEvictionsTotal counts connections evicted as stale.
	HeartbeatEvictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "heartbeat_evictions_total",
		Help:      "The total number of connections evicted for missing heartbeats.",
	})

	// AuthAttemptsTotal counts authenticate messages by result.
	AuthAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "auth_attempts_total",
		Help:      "The total number of authentication attempts, by result.",
	},
		[]string{"result"},
	)

	// DashboardRequestsTotal counts dashboard snapshot requests by result.
	DashboardRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dashboard_requests_total",
		Help:      "The total number of dashboard data requests, by result.",
	},
		[]string{"result"},
	)

	// BridgeMessagesTotal counts pub/sub messages seen by the Redis bridge.
	BridgeMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bridge_messages_total",
		Help:      "The total number of messages consumed by the Redis bridge, by result.",
	},
		[]string{"result"},
	)

	// AdminRequestsTotal counts admin API calls by endpoint and status code.
	AdminRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "admin_requests_total",
		Help:      "The total number of admin API requests, by endpoint and status code.",
	},
		[]string{"endpoint", "code"},
	)

	// SupervisorRestartsTotal is a counter for the total number of supervisor restarts.
	SupervisorRestartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "supervisor_restarts_total",
		Help:      "The total number of times a supervised worker has been restarted.",
	},
		[]string{"worker_id"},
	)
)

// Handler returns the HTTP handler exposing every registered metric.
func Handler() http.Handler {
	return promhttp.Handler()
}
