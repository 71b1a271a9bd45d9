// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the tracker.
//
// # Description
//
// Metrics cover event processing results, record transitions, side-effect
// deliveries, the timeout sweeper and the redelivery queue. They are exposed
// on /metrics.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
// Every method is safe to call on a nil *Metrics.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

const metricsNamespace = "cd"

const trackerSubsystem = "tracker"

// Metrics holds the tracker's Prometheus collectors.
type Metrics struct {
	// EventsTotal counts processed events.
	// Labels: kind (external_status, audit_decision, ...), result (applied, stale, ...)
	EventsTotal *prometheus.CounterVec

	// TransitionsTotal counts record status changes.
	// Labels: record (pipeline, stage, task), to (running, success, ...)
	TransitionsTotal *prometheus.CounterVec

	// TriggersTotal counts trigger requests.
	// Labels: result (created, superseded, in_flight, duplicate_run, error)
	TriggersTotal *prometheus.CounterVec

	// DeliveriesTotal counts side-effect deliveries.
	// Labels: kind (notification, outcome), status (success, failure)
	DeliveriesTotal *prometheus.CounterVec

	// DeliveryAttempts observes attempts needed per delivery.
	DeliveryAttempts prometheus.Histogram

	// SweepRunsTotal counts completed sweeper passes.
	SweepRunsTotal prometheus.Counter

	// SweepTimeoutsTotal counts timeout events injected by the sweeper.
	SweepTimeoutsTotal prometheus.Counter

	// RetentionDeletedTotal counts executions removed by retention.
	RetentionDeletedTotal prometheus.Counter

	// RedeliveryQueueDepth is the number of events waiting for redelivery.
	RedeliveryQueueDepth prometheus.Gauge

	// RedactionsTotal counts values redacted before persistence.
	// Labels: classification (private_key, connection_string, ...)
	RedactionsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers the tracker metrics on reg.
//
// # Limitations
//
//   - Panics if the metrics are already registered on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: trackerSubsystem,
				Name:      "events_total",
				Help:      "Events processed by kind and result",
			},
			[]string{"kind", "result"},
		),
		TransitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: trackerSubsystem,
				Name:      "transitions_total",
				Help:      "Record status changes by record kind and target status",
			},
			[]string{"record", "to"},
		),
		TriggersTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: trackerSubsystem,
				Name:      "triggers_total",
				Help:      "Pipeline trigger requests by result",
			},
			[]string{"result"},
		),
		DeliveriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: trackerSubsystem,
				Name:      "deliveries_total",
				Help:      "Notification and outcome deliveries by kind and status",
			},
			[]string{"kind", "status"},
		),
		DeliveryAttempts: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: trackerSubsystem,
				Name:      "delivery_attempts",
				Help:      "Attempts used per delivery",
				Buckets:   []float64{1, 2, 3, 5, 8},
			},
		),
		SweepRunsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: trackerSubsystem,
				Name:      "sweep_runs_total",
				Help:      "Completed timeout sweeper passes",
			},
		),
		SweepTimeoutsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: trackerSubsystem,
				Name:      "sweep_timeouts_total",
				Help:      "Timeout events injected by the sweeper",
			},
		),
		RetentionDeletedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: trackerSubsystem,
				Name:      "retention_deleted_total",
				Help:      "Terminal executions deleted by retention",
			},
		),
		RedeliveryQueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: trackerSubsystem,
				Name:      "redelivery_queue_depth",
				Help:      "Events waiting for redelivery after a persistence failure",
			},
		),
		RedactionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: trackerSubsystem,
				Name:      "redactions_total",
				Help:      "Secret-looking values redacted from events before persistence",
			},
			[]string{"classification"},
		),
	}
}

// =============================================================================
// Recording Methods
// =============================================================================

// RecordEvent counts one processed event.
func (m *Metrics) RecordEvent(kind, result string) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(kind, result).Inc()
}

// RecordTransition counts one record status change.
func (m *Metrics) RecordTransition(record, to string) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(record, to).Inc()
}

// RecordTrigger counts one trigger request.
func (m *Metrics) RecordTrigger(result string) {
	if m == nil {
		return
	}
	m.TriggersTotal.WithLabelValues(result).Inc()
}

// RecordDelivery has the shape of a dispatcher delivery hook.
func (m *Metrics) RecordDelivery(kind string, attempts int, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.DeliveriesTotal.WithLabelValues(kind, status).Inc()
	m.DeliveryAttempts.Observe(float64(attempts))
}

// RecordSweep counts one sweeper pass and what it did.
func (m *Metrics) RecordSweep(timeouts, deleted int) {
	if m == nil {
		return
	}
	m.SweepRunsTotal.Inc()
	m.SweepTimeoutsTotal.Add(float64(timeouts))
	m.RetentionDeletedTotal.Add(float64(deleted))
}

// SetRedeliveryDepth sets the redelivery queue gauge.
func (m *Metrics) SetRedeliveryDepth(n int) {
	if m == nil {
		return
	}
	m.RedeliveryQueueDepth.Set(float64(n))
}

// RecordRedaction counts one redacted value.
func (m *Metrics) RecordRedaction(classification string) {
	if m == nil {
		return
	}
	m.RedactionsTotal.WithLabelValues(classification).Inc()
}
