// Package metrics defines the prometheus collectors shared by the trading
// services. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	OrdersSubmitted    *prometheus.CounterVec
	OrdersProcessed    *prometheus.CounterVec
	FillAttempts       *prometheus.CounterVec
	LedgerOperations   *prometheus.CounterVec
	SettlementDuration *prometheus.HistogramVec
	Confirmations      *prometheus.CounterVec
	EventsPublished    *prometheus.CounterVec
	HTTPRequests       *prometheus.CounterVec
	HTTPDuration       *prometheus.HistogramVec
}

func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		OrdersSubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokex_orders_submitted_total",
				Help: "Total orders submitted by side and type.",
			},
			[]string{"side", "type"},
		),
		OrdersProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokex_orders_processed_total",
				Help: "Total matcher runs by resulting order status.",
			},
			[]string{"status"},
		),
		FillAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokex_fill_attempts_total",
				Help: "Fill attempts by outcome.",
			},
			[]string{"outcome"},
		),
		LedgerOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokex_ledger_operations_total",
				Help: "Ledger mutations by operation and outcome.",
			},
			[]string{"operation", "outcome"},
		),
		SettlementDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tokex_settlement_duration_seconds",
				Help:    "External settlement call latency in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
		Confirmations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokex_settlement_confirmations_total",
				Help: "Settlement confirmation outcomes.",
			},
			[]string{"outcome"},
		),
		EventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokex_events_published_total",
				Help: "Events published by type and status.",
			},
			[]string{"event_type", "status"},
		),
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokex_http_requests_total",
				Help: "HTTP requests by route, method and status code.",
			},
			[]string{"route", "method", "code"},
		),
		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tokex_http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method"},
		),
	}

	registry.MustRegister(
		m.OrdersSubmitted,
		m.OrdersProcessed,
		m.FillAttempts,
		m.LedgerOperations,
		m.SettlementDuration,
		m.Confirmations,
		m.EventsPublished,
		m.HTTPRequests,
		m.HTTPDuration,
	)
	return m
}

func (m *Metrics) ObserveSubmission(side, orderType string) {
	if m == nil {
		return
	}
	m.OrdersSubmitted.WithLabelValues(side, orderType).Inc()
}

func (m *Metrics) ObserveProcessed(status string) {
	if m == nil {
		return
	}
	m.OrdersProcessed.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveFill(outcome string) {
	if m == nil {
		return
	}
	m.FillAttempts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveLedger(operation string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.LedgerOperations.WithLabelValues(operation, outcome).Inc()
}

func (m *Metrics) ObserveSettlement(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.SettlementDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func (m *Metrics) ObserveConfirmation(outcome string) {
	if m == nil {
		return
	}
	m.Confirmations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveEvent(eventType string, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.EventsPublished.WithLabelValues(eventType, status).Inc()
}

func (m *Metrics) ObserveHTTP(route, method, code string, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, method, code).Inc()
	m.HTTPDuration.WithLabelValues(route, method).Observe(duration.Seconds())
}
