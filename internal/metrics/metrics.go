// SPDX-License-Identifier: MIT

// Package metrics provides Prometheus metrics for the pulsed ingestion core.
// No session_id or device_id labels: unbounded device fleets would explode
// cardinality.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

var (
	// Counters

	// FramesTotal counts decoded inbound frames by event type.
	FramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulsed_frames_total",
		Help: "Total number of decoded inbound telemetry frames, by type.",
	}, []string{"type"})

	// DecodeErrorsTotal counts rejected frames by error code.
	DecodeErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulsed_decode_errors_total",
		Help: "Total number of rejected inbound frames, by decode error code.",
	}, []string{"code"})

	// SamplesTotal counts heartbeat samples folded into open sessions.
	SamplesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pulsed_samples_total",
		Help: "Total number of heartbeat samples recorded into sessions.",
	})

	// SamplesDroppedTotal counts heartbeats received with no open session.
	SamplesDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pulsed_samples_dropped_total",
		Help: "Total number of heartbeat samples dropped because no session was open.",
	})

	// SessionsOpenedTotal counts session starts.
	SessionsOpenedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pulsed_sessions_opened_total",
		Help: "Total number of sessions opened.",
	})

	// SessionsFinalizedTotal counts finalized sessions by status and cause.
	SessionsFinalizedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulsed_sessions_finalized_total",
		Help: "Total number of finalized sessions, by status and cause.",
	}, []string{"status", "cause"})

	// CommitRetriesTotal counts storage commit retries.
	CommitRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pulsed_commit_retries_total",
		Help: "Total number of summary commit retries after a storage error.",
	})

	// CommitsDeferredTotal counts summaries parked in the pending queue.
	CommitsDeferredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pulsed_commits_deferred_total",
		Help: "Total number of summaries deferred to the pending-write queue.",
	})

	// Gauges

	// ActiveSessions tracks currently-open sessions in the registry.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pulsed_active_sessions",
		Help: "Current number of open sessions.",
	})

	// ActiveConnections tracks live device connections.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pulsed_active_connections",
		Help: "Current number of live device connections.",
	})

	// PendingWrites tracks summaries awaiting replay in the durable queue.
	PendingWrites = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pulsed_pending_writes",
		Help: "Current number of summaries parked in the pending-write queue.",
	})
)

// CounterValue extracts the current value of a counter, for tests.
func CounterValue(c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

// GaugeValue extracts the current value of a gauge, for tests.
func GaugeValue(g prometheus.Gauge) float64 {
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}
