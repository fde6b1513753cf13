package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_created_total",
		Help: "Total number of orders created",
	})

	OrdersCancelledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_cancelled_total",
		Help: "Total number of cancelled orders",
	})

	PaymentsInitiatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payments_initiated_total",
		Help: "Total number of STK push attempts initiated",
	})

	PaymentsRejectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payments_rejected_total",
		Help: "Total number of STK pushes rejected at submission",
	})

	PaymentsCompletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payments_completed_total",
		Help: "Total number of payments completed",
	})

	PaymentsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payments_failed_total",
		Help: "Total number of failed payments",
	}, []string{"reason"})

	CallbacksReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mpesa_callbacks_received_total",
		Help: "Total number of M-PESA callbacks received",
	}, []string{"outcome"})

	StkPushLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stk_push_latency_seconds",
		Help:    "Latency of STK push submissions to the gateway",
		Buckets: prometheus.DefBuckets,
	})

	TokenFetchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mpesa_token_fetches_total",
		Help: "Total number of OAuth token fetches against the gateway",
	})

	DeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bundle_deliveries_total",
		Help: "Total number of bundle delivery attempts",
	}, []string{"outcome"})

	DeliveryLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bundle_delivery_latency_seconds",
		Help:    "Latency of bundle delivery attempts",
		Buckets: prometheus.DefBuckets,
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
