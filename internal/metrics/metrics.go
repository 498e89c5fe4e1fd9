// Package metrics exposes Prometheus counters and gauges for the broker's
// session, app lifecycle, and stream-supervision components. Grounded on
// ManuGH-xg2g/internal/metrics's package-level promauto vars plus small
// IncX/ObserveX helper functions, and exported via promhttp.Handler the
// same way that repo's cmd/daemon wires /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "broker_active_sessions",
		Help: "Number of UserSessions currently held in the registry, including those in the reconnect grace window",
	})

	RunningApps = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "broker_running_apps_total",
		Help: "Number of Apps currently in the Running state, across all sessions",
	})

	ActiveStreams = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "broker_active_streams",
		Help: "Number of active RTMP streams by kind (direct, managed)",
	}, []string{"kind"})

	AppStartTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_app_start_total",
		Help: "App start attempts by outcome (started, timeout, webhook_error)",
	}, []string{"outcome"})

	AppStartDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "broker_app_start_duration_seconds",
		Help:    "Time from webhook dispatch to CONNECTION_INIT receipt",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	})

	KeepAliveMissedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_rtmp_keepalive_missed_total",
		Help: "Total missed RTMP keep-alive ACKs across all streams",
	})

	RTMPStreamOutcomeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_rtmp_stream_outcome_total",
		Help: "RTMP stream terminal outcomes by kind and status",
	}, []string{"kind", "status"})

	ProtocolErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_protocol_errors_total",
		Help: "Malformed or out-of-order wire messages by socket role",
	}, []string{"role"})

	SocketClosedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_socket_closed_total",
		Help: "Socket closures by role and reason",
	}, []string{"role", "reason"})

	DisplayCoalescedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_display_events_coalesced_total",
		Help: "display_event emissions skipped because the 50ms coalescing window was still open",
	})
)

// ObserveAppStartDuration records the webhook-to-CONNECTION_INIT latency.
func ObserveAppStartDuration(d time.Duration) {
	AppStartDuration.Observe(d.Seconds())
}

// IncAppStart records an App start attempt outcome.
func IncAppStart(outcome string) {
	AppStartTotal.WithLabelValues(outcome).Inc()
}

// IncRTMPStreamOutcome records a stream's terminal status.
func IncRTMPStreamOutcome(kind, status string) {
	RTMPStreamOutcomeTotal.WithLabelValues(kind, status).Inc()
}

// IncProtocolError records one malformed/out-of-order message for role
// ("glasses" or "app").
func IncProtocolError(role string) {
	ProtocolErrorsTotal.WithLabelValues(role).Inc()
}

// IncSocketClosed records a socket closure for role, with a short reason
// tag. The router records "protocol_error"; no other reason is recorded.
func IncSocketClosed(role, reason string) {
	SocketClosedTotal.WithLabelValues(role, reason).Inc()
}
