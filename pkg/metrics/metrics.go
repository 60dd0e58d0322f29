// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for the oneM2M client.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics of the client.
type Metrics struct {
	// Request metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RequestsPending *prometheus.GaugeVec

	// Notification metrics
	NotificationsReceived *prometheus.CounterVec
	NotificationsDropped  *prometheus.CounterVec

	// Subscription metrics
	SubscriptionsActive  prometheus.Gauge
	SubscriptionsCreated prometheus.Counter
	SubscriptionsAdopted prometheus.Counter
	SubscriptionsDeleted prometheus.Counter
	ObserversActive      prometheus.Gauge

	// Circuit breaker metrics
	CircuitBreakerState *prometheus.GaugeVec
	CircuitBreakerTrips *prometheus.CounterVec

	// Rate limiter metrics
	RateLimitWait *prometheus.HistogramVec

	// Enrollment metrics
	EnrollmentsTotal *prometheus.CounterVec
}

// New creates all collectors and registers them with reg. A nil reg uses
// the default registerer.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "onem2m"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of requests sent to the CSE",
			},
			[]string{"transport", "operation", "status"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Request round trip duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"transport", "operation"},
		),
		RequestsPending: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "requests_pending",
				Help:      "Number of requests awaiting a response",
			},
			[]string{"transport"},
		),
		NotificationsReceived: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_received_total",
				Help:      "Total number of notifications ingested",
			},
			[]string{"source"},
		),
		NotificationsDropped: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_dropped_total",
				Help:      "Total number of notification bodies dropped as malformed",
			},
			[]string{"source"},
		),
		SubscriptionsActive: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "subscriptions_active",
				Help:      "Number of remote subscriptions held by the multiplexer",
			},
		),
		SubscriptionsCreated: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "subscriptions_created_total",
				Help:      "Total number of subscriptions created on the CSE",
			},
		),
		SubscriptionsAdopted: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "subscriptions_adopted_total",
				Help:      "Total number of existing subscriptions reused after discovery",
			},
		),
		SubscriptionsDeleted: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "subscriptions_deleted_total",
				Help:      "Total number of subscriptions deleted on the CSE",
			},
		),
		ObserversActive: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "observers_active",
				Help:      "Number of local observers attached to subscriptions",
			},
		),
		CircuitBreakerState: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=half_open, 2=open)",
			},
			[]string{"transport"},
		),
		CircuitBreakerTrips: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_trips_total",
				Help:      "Total number of circuit breaker trips",
			},
			[]string{"transport"},
		),
		RateLimitWait: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "rate_limit_wait_seconds",
				Help:      "Time requests spent waiting for the rate limiter",
				Buckets:   []float64{.001, .01, .05, .1, .5, 1, 5},
			},
			[]string{"transport"},
		),
		EnrollmentsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "enrollments_total",
				Help:      "Total number of enrollment attempts by outcome",
			},
			[]string{"result"},
		),
	}
}

// ObserveRequest tracks a request round trip. f returns the status label.
func (m *Metrics) ObserveRequest(transport, operation string, f func() (string, error)) error {
	pending := m.RequestsPending.WithLabelValues(transport)
	pending.Inc()
	defer pending.Dec()

	start := time.Now()
	status, err := f()
	duration := time.Since(start).Seconds()

	m.RequestsTotal.WithLabelValues(transport, operation, status).Inc()
	m.RequestDuration.WithLabelValues(transport, operation).Observe(duration)

	return err
}
