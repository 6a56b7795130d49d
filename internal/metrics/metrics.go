// Package metrics provides Prometheus instrumentation for CodexBridge.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Poll loop metrics.
var (
	PollCyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "codexbridge_poll_cycles_total",
		Help: "Total number of poll loop iterations.",
	})

	PollErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "codexbridge_poll_errors_total",
		Help: "Total number of poll loop errors (including suppressed duplicates).",
	})

	InboundMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "codexbridge_inbound_messages_total",
		Help: "Total number of inbound messages by disposition.",
	}, []string{"disposition"}) // routed, command, duplicate, untrusted, empty
)

// Turn metrics.
var (
	TurnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "codexbridge_turns_total",
		Help: "Total number of agent turns by mode (user, steer, notification).",
	}, []string{"mode"})

	TurnsCompletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "codexbridge_turns_completed_total",
		Help: "Total number of completed turns by terminal status.",
	}, []string{"status"})

	ModelFallbacksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "codexbridge_model_fallbacks_total",
		Help: "Total number of spark-to-standard model fallbacks.",
	})

	AgentRestartsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "codexbridge_agent_restarts_total",
		Help: "Total number of agent child process restarts.",
	})
)

// Outbound metrics.
var (
	OutboundChunksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "codexbridge_outbound_chunks_total",
		Help: "Total number of outbound message chunks sent.",
	})

	OutboundFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "codexbridge_outbound_failures_total",
		Help: "Total number of failed outbound sends.",
	})
)

// Notification metrics.
var (
	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "codexbridge_notifications_total",
		Help: "Total number of notifications by outcome (ingested, duplicate, or terminal status).",
	}, []string{"status"}) // ingested, duplicate, sent, suppressed, failed

	NotificationsPrunedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "codexbridge_notifications_pruned_total",
		Help: "Total number of notification rows deleted by the retention job.",
	})
)

// Webhook metrics.
var (
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "codexbridge_webhook_requests_total",
		Help: "Total number of webhook HTTP requests by status code.",
	}, []string{"status"})
)

// Provider metrics.
var (
	ProviderRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "codexbridge_provider_request_duration_seconds",
		Help:    "Messaging provider HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"}) // fetch, send, typing, mark_read
)
