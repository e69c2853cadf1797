// Package metrics provides Prometheus instrumentation for Todoki.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "todoki_http_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "todoki_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// Event bus metrics.
var (
	EventsAppendedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "todoki_events_appended_total",
		Help: "Total number of events appended to the event store.",
	}, []string{"kind"})

	EventsPrunedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "todoki_events_pruned_total",
		Help: "Total number of events removed by retention pruning.",
	})

	BroadcastDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "todoki_broadcast_dropped_total",
		Help: "Total number of events dropped for lagging bus subscribers.",
	})

	BusSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "todoki_bus_subscribers",
		Help: "Number of live event bus subscribers.",
	})
)

// Relay plane metrics.
var (
	ActiveRelays = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "todoki_active_relays",
		Help: "Number of currently connected relays.",
	})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "todoki_active_sessions",
		Help: "Number of agent sessions currently running on relays.",
	})

	SpawnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "todoki_spawns_total",
		Help: "Total number of agent spawn attempts by outcome.",
	}, []string{"outcome"})
)

// WebSocket metrics.
var (
	WSConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "todoki_ws_connections_active",
		Help: "Number of active WebSocket connections.",
	})

	WSMessagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "todoki_ws_messages_total",
		Help: "Total number of WebSocket messages sent.",
	})
)

// Permission review metrics.
var (
	JudgeDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "todoki_judge_decisions_total",
		Help: "Total number of permission judge decisions by outcome.",
	}, []string{"decision"})
)
