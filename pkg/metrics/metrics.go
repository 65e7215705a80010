package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection metrics
var (
	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maildrop_connections_total",
			Help: "Total number of connections established",
		},
		[]string{"protocol"},
	)

	ConnectionsCurrent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "maildrop_connections_current",
			Help: "Current number of active connections",
		},
		[]string{"protocol"},
	)

	ConnectionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maildrop_connections_rejected_total",
			Help: "Connections refused because the listener was at capacity",
		},
		[]string{"protocol"},
	)

	AuthenticatedConnectionsCurrent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "maildrop_authenticated_connections_current",
			Help: "Current number of authenticated connections",
		},
		[]string{"protocol"},
	)

	ConnectionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "maildrop_connection_duration_seconds",
			Help:    "Duration of connections in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"protocol"},
	)

	AuthenticationAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maildrop_authentication_attempts_total",
			Help: "Total number of authentication attempts",
		},
		[]string{"protocol", "result"}, // result: "success", "failure", "locked"
	)
)

// Command metrics
var (
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maildrop_commands_total",
			Help: "Total number of protocol commands processed",
		},
		[]string{"protocol", "command", "status"}, // status: "success", "failure"
	)

	CommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "maildrop_command_duration_seconds",
			Help:    "Duration of protocol command handling in seconds",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		},
		[]string{"protocol", "command"},
	)
)

// Maildrop lifecycle metrics
var (
	SessionCleanupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maildrop_session_cleanups_total",
			Help: "Compensating cleanups run for sessions that ended without a successful QUIT",
		},
		[]string{"reason", "status"}, // reason: "quit_rejected", "timeout", "disconnect", "error", "shutdown"
	)

	FinalizationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maildrop_finalizations_total",
			Help: "Deletion finalizations run on QUIT",
		},
		[]string{"result"}, // result: "success", "mismatch", "error"
	)

	MessagesDeletedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "maildrop_messages_deleted_total",
			Help: "Messages physically removed by finalization",
		},
	)

	StartupUnlockedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "maildrop_startup_unlocked_total",
			Help: "Maildrops released by the startup unlock sweep",
		},
	)

	AccountsTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "maildrop_accounts_total",
			Help: "Total number of accounts",
		},
	)

	MessagesTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "maildrop_messages_total",
			Help: "Total number of stored messages",
		},
	)

	StoredBytesTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "maildrop_stored_bytes_total",
			Help: "Total size in octets of all stored messages",
		},
	)

	LockedMaildropsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "maildrop_locked_maildrops_current",
			Help: "Maildrops currently holding the lock flag",
		},
	)
)

// Delivery metrics
var (
	LMTPDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maildrop_lmtp_deliveries_total",
			Help: "Recipient deliveries attempted over LMTP",
		},
		[]string{"result"}, // result: "success", "failure", "rejected"
	)

	MessageSizeBytes = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "maildrop_message_size_bytes",
			Help:    "Size of messages in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
		},
		[]string{"operation"}, // operation: "append", "retrieve", "s3_put", "lmtp"
	)
)

// Storage metrics
var (
	S3OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maildrop_s3_operations_total",
			Help: "Total number of S3 operations",
		},
		[]string{"operation", "status"},
	)

	S3OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "maildrop_s3_operation_duration_seconds",
			Help:    "Duration of S3 operations in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0, 10.0},
		},
		[]string{"operation"},
	)
)

// HTTP API metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maildrop_http_api_requests_total",
			Help: "Requests served by the admin HTTP API",
		},
		[]string{"route", "code"},
	)
)
