// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for the tunnel.
//
// A nil *Metrics is valid and records nothing, so components can take an
// optional metrics handle without branching at every call site.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Traffic directions used as label values.
const (
	// Upstream is traffic entering the tunnel at the listen side.
	Upstream = "upstream"
	// Downstream is traffic returning from the destination.
	Downstream = "downstream"
)

// Metrics holds all Prometheus metrics for the tunnel.
type Metrics struct {
	// Session metrics
	ActiveSessions  *prometheus.GaugeVec
	SessionsTotal   *prometheus.CounterVec
	SessionErrors   *prometheus.CounterVec
	SessionDuration *prometheus.HistogramVec
	SessionsReaped  *prometheus.CounterVec

	// Traffic metrics
	Packets *prometheus.CounterVec
	Bytes   *prometheus.CounterVec
	Dropped *prometheus.CounterVec

	// Send queue backpressure
	QueueFull *prometheus.CounterVec

	// Circuit breaker metrics
	CircuitBreakerState *prometheus.GaugeVec
	CircuitBreakerTrips *prometheus.CounterVec

	// Resource metrics
	GoroutinesActive prometheus.Gauge
	MemoryAllocated  *prometheus.GaugeVec
}

// New registers the tunnel metrics with reg. If reg is nil the default
// Prometheus registerer is used.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "uotunnel"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ActiveSessions: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_sessions",
				Help:      "Number of currently open tunnel sessions",
			},
			[]string{"mode"},
		),
		SessionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_total",
				Help:      "Total number of session creation attempts",
			},
			[]string{"mode", "status"},
		),
		SessionErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "session_errors_total",
				Help:      "Total number of rejected or failed session creations",
			},
			[]string{"mode", "error_type"},
		),
		SessionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "session_duration_seconds",
				Help:      "Session lifetime in seconds",
				Buckets:   []float64{.1, .5, 1, 5, 15, 30, 60, 300, 900, 3600},
			},
			[]string{"mode"},
		),
		SessionsReaped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_reaped_total",
				Help:      "Total number of sessions closed by the idle sweep",
			},
			[]string{"mode"},
		),
		Packets: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "packets_total",
				Help:      "Total number of datagrams or frames forwarded",
			},
			[]string{"mode", "direction"},
		),
		Bytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_total",
				Help:      "Total payload bytes forwarded",
			},
			[]string{"mode", "direction"},
		),
		Dropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dropped_total",
				Help:      "Total number of datagrams or frames dropped",
			},
			[]string{"mode", "reason"},
		),
		QueueFull: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "send_queue_full_total",
				Help:      "Number of times a sender waited on a full send queue",
			},
			[]string{"mode", "transport"},
		),
		CircuitBreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=half_open, 2=open)",
			},
			[]string{"backend"},
		),
		CircuitBreakerTrips: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_trips_total",
				Help:      "Total number of circuit breaker trips",
			},
			[]string{"backend"},
		),
		GoroutinesActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "goroutines_active",
				Help:      "Number of live goroutines",
			},
		),
		MemoryAllocated: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_allocated_bytes",
				Help:      "Memory allocated in bytes",
			},
			[]string{"type"},
		),
	}
}

// SessionOpened records a successfully created session.
func (m *Metrics) SessionOpened(mode string) {
	if m == nil {
		return
	}
	m.SessionsTotal.WithLabelValues(mode, "success").Inc()
	m.ActiveSessions.WithLabelValues(mode).Inc()
}

// SessionFailed records a session that could not be created.
func (m *Metrics) SessionFailed(mode, errorType string) {
	if m == nil {
		return
	}
	m.SessionsTotal.WithLabelValues(mode, "error").Inc()
	m.SessionErrors.WithLabelValues(mode, errorType).Inc()
}

// SessionClosed records the end of a session opened at start.
func (m *Metrics) SessionClosed(mode string, start time.Time) {
	if m == nil {
		return
	}
	m.ActiveSessions.WithLabelValues(mode).Dec()
	m.SessionDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
}

// SessionReaped records a session closed by the idle sweep.
func (m *Metrics) SessionReaped(mode string) {
	if m == nil {
		return
	}
	m.SessionsReaped.WithLabelValues(mode).Inc()
}

// Forwarded records one forwarded payload of n bytes.
func (m *Metrics) Forwarded(mode, direction string, n int) {
	if m == nil {
		return
	}
	m.Packets.WithLabelValues(mode, direction).Inc()
	m.Bytes.WithLabelValues(mode, direction).Add(float64(n))
}

// Drop records a payload that was not forwarded.
func (m *Metrics) Drop(mode, reason string) {
	if m == nil {
		return
	}
	m.Dropped.WithLabelValues(mode, reason).Inc()
}

// QueueFullFunc returns a hook counting backpressure waits, or nil when
// metrics are disabled.
func (m *Metrics) QueueFullFunc(mode, transport string) func() {
	if m == nil {
		return nil
	}
	c := m.QueueFull.WithLabelValues(mode, transport)
	return c.Inc
}

// BreakerStateChanged records a circuit breaker transition.
func (m *Metrics) BreakerStateChanged(backend string, state int, tripped bool) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(backend).Set(float64(state))
	if tripped {
		m.CircuitBreakerTrips.WithLabelValues(backend).Inc()
	}
}
