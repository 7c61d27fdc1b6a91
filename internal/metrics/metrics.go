// Package metrics – Prometheus metrics for observability.
//
// Exposes the counters and gauges the engine updates during operation:
//   - mmbot_orders_total{strategy,status}        – Trade records by strategy and outcome
//   - mmbot_exchange_calls_total{op,result}      – Exchange API calls
//   - mmbot_order_retries_total{strategy}        – Retries after transient errors
//   - mmbot_snapshot_age_seconds{symbol}         – Age of the latest market snapshot
//   - mmbot_snapshot_refresh_errors_total{symbol}
//   - mmbot_running_workers{kind}                – Live bot workers
//   - mmbot_activity_logs_dropped_total{level}   – Non-critical entries dropped on overflow
//   - mmbot_strategy_invariant_violations_total{strategy}
//
// They are registered in init() and served by the HTTP server at /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mmbot_orders_total",
			Help: "Trade records written, by strategy and status",
		},
		[]string{"strategy", "status"},
	)

	ExchangeCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mmbot_exchange_calls_total",
			Help: "Exchange API calls by operation and result",
		},
		[]string{"op", "result"},
	)

	OrderRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mmbot_order_retries_total",
			Help: "Order submissions retried after a transient error",
		},
		[]string{"strategy"},
	)

	SnapshotAge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mmbot_snapshot_age_seconds",
			Help: "Seconds since the latest successful snapshot refresh",
		},
		[]string{"symbol"},
	)

	SnapshotRefreshErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mmbot_snapshot_refresh_errors_total",
			Help: "Failed market snapshot refreshes",
		},
		[]string{"symbol"},
	)

	RunningWorkers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mmbot_running_workers",
			Help: "Bot workers currently running, by kind",
		},
		[]string{"kind"},
	)

	DroppedLogs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mmbot_activity_logs_dropped_total",
			Help: "Non-critical activity log entries dropped because the buffer was full",
		},
		[]string{"level"},
	)

	InvariantViolations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mmbot_strategy_invariant_violations_total",
			Help: "Internal invariant violations that forced a strategy reset",
		},
		[]string{"strategy"},
	)
)

func init() {
	prometheus.MustRegister(
		OrdersTotal,
		ExchangeCalls,
		OrderRetries,
		SnapshotAge,
		SnapshotRefreshErrors,
		RunningWorkers,
		DroppedLogs,
		InvariantViolations,
	)
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
