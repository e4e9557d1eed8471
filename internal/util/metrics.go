package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PlansCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plans_created_total",
		Help: "Total number of installment plans created",
	})

	PlansRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plans_rejected_total",
		Help: "Total number of rejected plan creations",
	}, []string{"reason"})

	PlansCompletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plans_completed_total",
		Help: "Total number of plans with every installment paid",
	})

	InstallmentsCollectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "installments_collected_total",
		Help: "Total number of installments paid, by payment source",
	}, []string{"source"})

	InstallmentsDefaultedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "installments_defaulted_total",
		Help: "Total number of installments that defaulted their plan",
	})

	CollectionLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "installment_collection_latency_seconds",
		Help:    "Latency of installment collection",
		Buckets: prometheus.DefBuckets,
	})

	CollateralCallLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "collateral_call_latency_seconds",
		Help:    "Latency of collateral collaborator calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	CollateralCallFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collateral_call_failures_total",
		Help: "Total number of failed collateral collaborator calls",
	}, []string{"op"})

	CollateralReconciliationRequired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collateral_reconciliation_required_total",
		Help: "Collateral movements that could not be matched by a plan write",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
