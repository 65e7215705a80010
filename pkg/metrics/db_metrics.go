package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Database performance metrics
var (
	DBQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maildrop_db_queries_total",
			Help: "Total number of database queries executed",
		},
		[]string{"operation", "status", "backend"},
	)

	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "maildrop_db_query_duration_seconds",
			Help:    "Duration of database queries in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0},
		},
		[]string{"operation", "backend"},
	)
)

// Database transaction metrics
var (
	DBTransactionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maildrop_db_transactions_total",
			Help: "Total number of database transactions.",
		},
		[]string{"status", "backend"}, // status: "commit", "rollback"
	)

	DBTransactionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "maildrop_db_transaction_duration_seconds",
			Help:    "Duration of database transactions in seconds.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"backend"},
	)
)

// Database connection pool metrics
var (
	DBPoolTotalConns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "maildrop_db_pool_total_conns",
			Help: "Total number of connections in the pool.",
		},
	)
	DBPoolIdleConns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "maildrop_db_pool_idle_conns",
			Help: "Number of idle connections in the pool.",
		},
	)
	DBPoolInUseConns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "maildrop_db_pool_in_use_conns",
			Help: "Number of connections currently in use.",
		},
	)
)
