package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersStartedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_started_total",
		Help: "Total number of orders started",
	})

	OrdersCompletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_completed_total",
		Help: "Total number of orders whose payments cover the price",
	})

	OrdersFinishedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_finished_total",
		Help: "Total number of orders fully charged",
	})

	OrdersFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_failed_total",
		Help: "Total number of orders escalated to a terminal failure",
	}, []string{"process"})

	OrdersCancelledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_cancelled_total",
		Help: "Total number of cancelled orders",
	})

	CommandsRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_commands_rejected_total",
		Help: "Total number of order commands rejected by validation",
	}, []string{"command"})

	PaymentAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_attempts_total",
		Help: "Total number of payment charge/refund attempts",
	}, []string{"operation"})

	PaymentFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_failed_total",
		Help: "Total number of failed payment charge/refund attempts",
	}, []string{"operation"})

	JournalAppendLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "journal_append_latency_seconds",
		Help:    "Latency of durable event appends",
		Buckets: prometheus.DefBuckets,
	})

	JournalAppendFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "journal_append_failed_total",
		Help: "Total number of failed event appends",
	})

	JournalFeedDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "journal_feed_dropped_total",
		Help: "Total number of journal records not delivered to the feed",
	})

	EntitiesRecoveredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "entities_recovered_total",
		Help: "Total number of entities rehydrated from the journal",
	}, []string{"source"})

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
