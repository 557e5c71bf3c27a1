// Package metrics provides Prometheus metrics collection for the live chat relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebSocketConnections tracks the current number of open connections by role
	WebSocketConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "livechat_websocket_connections",
		Help: "Current number of open real-time connections by role",
	}, []string{"role"})

	// AdminsOnline is 1 while at least one admin connection is registered
	AdminsOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "livechat_admins_online",
		Help: "1 while at least one admin connection is registered, 0 otherwise",
	})

	// PresenceTransitions counts admin presence online/offline transitions
	PresenceTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livechat_presence_transitions_total",
		Help: "Total number of admin presence transitions",
	}, []string{"state"})

	// MessagesSubmitted counts persisted messages by sender and type
	MessagesSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livechat_messages_submitted_total",
		Help: "Total number of messages persisted by sender and type",
	}, []string{"sender", "type"})

	// MessagesDelivered counts real-time deliveries to individual connections
	MessagesDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "livechat_messages_delivered_total",
		Help: "Total number of real-time deliveries to individual connections",
	})

	// DeliveriesDropped counts deliveries skipped because a connection was closing or its buffer was full
	DeliveriesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livechat_deliveries_dropped_total",
		Help: "Total number of deliveries dropped by target role",
	}, []string{"role"})

	// MessageErrors counts rejected or failed submissions by error code
	MessageErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livechat_message_errors_total",
		Help: "Total number of message processing errors by code",
	}, []string{"code"})

	// SessionsCreated counts sessions created on first message
	SessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "livechat_sessions_created_total",
		Help: "Total number of chat sessions created",
	})

	// MongoDBOperationDuration tracks session store latency by operation
	MongoDBOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "livechat_mongodb_operation_duration_seconds",
		Help:    "Duration of MongoDB operations in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	// HTTPRequestDuration tracks HTTP handler latency
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "livechat_http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	// RelayEnvelopes counts cross-instance envelopes by direction
	RelayEnvelopes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livechat_relay_envelopes_total",
		Help: "Total number of relay envelopes by direction (published, received, failed)",
	}, []string{"direction"})

	// NotificationsSent counts offline alerts by channel and outcome
	NotificationsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livechat_notifications_sent_total",
		Help: "Total number of offline alerts by channel and outcome",
	}, []string{"channel", "outcome"})
)
