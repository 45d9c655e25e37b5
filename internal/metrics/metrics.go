// Package metrics declares the engine's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Admissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payout_admissions_total",
		Help: "Liquidation requests by admission outcome",
	}, []string{"outcome"})

	LimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payout_limit_rejections_total",
		Help: "Admission rejections by breached window",
	}, []string{"window"})

	Attempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payout_attempts_total",
		Help: "Payout attempt transitions by resulting status",
	}, []string{"status"})

	RailLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payout_rail_call_duration_seconds",
		Help:    "Outbound rail call latency",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"op", "result"})

	Callbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payout_rail_callbacks_total",
		Help: "Inbound rail callbacks by handling result",
	}, []string{"result"})

	Mismatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payout_reconciliation_mismatches_total",
		Help: "Transactions flagged as reconciliation mismatches",
	})

	SweepChecked = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payout_reconciliation_checked_total",
		Help: "Attempts examined by the reconciliation sweep",
	}, []string{"action"})

	KeyRotations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payout_key_operations_total",
		Help: "Metadata key lifecycle operations",
	}, []string{"op"})

	Purged = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payout_retention_purged_total",
		Help: "Rows removed by the retention purge",
	}, []string{"table"})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payout_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "route", "status"})

	HTTPLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payout_http_request_duration_seconds",
		Help:    "Request latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"method", "route"})
)
