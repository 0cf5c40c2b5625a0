package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "sentinel"

// ============ Orders ============

var OrdersPlaced = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "orders",
		Name:      "placed_total",
		Help:      "Orders accepted by the exchange",
	},
	[]string{"kind", "side"},
)

var OrderFailures = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "orders",
		Name:      "failures_total",
		Help:      "Order operations that failed, by error kind",
	},
	[]string{"operation", "kind"},
)

// ExchangeLatency - round trip of one gateway call including retries
var ExchangeLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "exchange",
		Name:      "call_latency_ms",
		Help:      "Latency of exchange gateway calls in milliseconds",
		Buckets:   []float64{25, 50, 100, 200, 500, 1000, 2000, 5000, 10000},
	},
	[]string{"operation"},
)

// ============ Trigger monitor ============

var TicksProcessed = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "monitor",
		Name:      "ticks_total",
		Help:      "Price ticks evaluated against triggers",
	},
	[]string{"symbol"},
)

var TickEvalLatency = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "monitor",
		Name:      "tick_eval_latency_us",
		Help:      "Time to update the price cache and evaluate triggers for one tick, microseconds",
		Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 1000},
	},
)

var TriggersActive = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "monitor",
		Name:      "triggers_active",
		Help:      "Registered stop-loss and take-profit triggers",
	},
)

var TriggersFired = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "monitor",
		Name:      "triggers_fired_total",
		Help:      "Triggers that crossed their threshold",
	},
	[]string{"kind"},
)

var CloseFailures = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "monitor",
		Name:      "close_failures_total",
		Help:      "Automatic closes that failed",
	},
)

var ReconcileRuns = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "monitor",
		Name:      "reconcile_runs_total",
		Help:      "Trigger reconciliation passes by result",
	},
	[]string{"result"},
)

// ============ Portfolio ============

var OpenPositions = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "portfolio",
		Name:      "open_positions",
		Help:      "Open positions",
	},
)

var MarginUsed = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "portfolio",
		Name:      "margin_used",
		Help:      "Margin reserved by open positions",
	},
)

var UnrealizedPnL = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "portfolio",
		Name:      "unrealized_pnl",
		Help:      "Unrealized PnL of open positions",
	},
)

var RealizedToday = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "portfolio",
		Name:      "realized_pnl_today",
		Help:      "Realized PnL booked since local midnight",
	},
)

var Decisions = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "decisions_total",
		Help:      "Executed decisions by result status",
	},
	[]string{"status"},
)

// ============ Scheduler ============

var JobRuns = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "job_runs_total",
		Help:      "Scheduled job executions by result",
	},
	[]string{"job", "result"},
)
