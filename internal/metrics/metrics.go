// Package metrics provides Prometheus instrumentation for the specgate
// server: tool call outcomes, run lifecycle, and guard rejections.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus counters and histograms for the server.
type Metrics struct {
	registry *prometheus.Registry

	toolCalls      *prometheus.CounterVec
	runsTotal      *prometheus.CounterVec
	runDuration    prometheus.Histogram
	capturedBytes  prometheus.Counter
	busyRejections prometheus.Counter
	guardRejects   *prometheus.CounterVec
	authFailures   prometheus.Counter
	redactionHits  prometheus.Counter
	runActive      prometheus.Gauge
}

// New creates a Metrics instance with its own Prometheus registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	toolCalls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "specgate",
		Name:      "tool_calls_total",
		Help:      "Total tool invocations by tool name and result.",
	}, []string{"tool", "result"})

	runsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "specgate",
		Name:      "runs_total",
		Help:      "Total spec executions by outcome.",
	}, []string{"outcome"})

	runDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "specgate",
		Name:      "run_duration_seconds",
		Help:      "Spec execution wall-clock duration in seconds.",
		Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
	})

	capturedBytes := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "specgate",
		Name:      "captured_output_bytes_total",
		Help:      "Total runner output bytes retained after capping.",
	})

	busyRejections := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "specgate",
		Name:      "busy_rejections_total",
		Help:      "Run requests rejected because the execution slot was busy.",
	})

	guardRejects := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "specgate",
		Name:      "guard_rejections_total",
		Help:      "Transport guard rejections by pipeline stage.",
	}, []string{"stage"})

	authFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "specgate",
		Name:      "auth_failures_total",
		Help:      "Failed bearer authentication attempts.",
	})

	redactionHits := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "specgate",
		Name:      "redaction_hits_total",
		Help:      "Outgoing payloads changed by the redaction engine.",
	})

	runActive := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "specgate",
		Name:      "run_active",
		Help:      "Whether a spec execution is currently in flight (0 or 1).",
	})

	reg.MustRegister(toolCalls, runsTotal, runDuration, capturedBytes,
		busyRejections, guardRejects, authFailures, redactionHits, runActive)

	return &Metrics{
		registry:       reg,
		toolCalls:      toolCalls,
		runsTotal:      runsTotal,
		runDuration:    runDuration,
		capturedBytes:  capturedBytes,
		busyRejections: busyRejections,
		guardRejects:   guardRejects,
		authFailures:   authFailures,
		redactionHits:  redactionHits,
		runActive:      runActive,
	}
}

// RecordToolCall records a tool invocation outcome ("ok" or "error").
func (m *Metrics) RecordToolCall(tool, result string) {
	m.toolCalls.WithLabelValues(tool, result).Inc()
}

// RecordRun records a finished execution. outcome is one of
// "passed", "failed", "timeout", "spawn_error".
func (m *Metrics) RecordRun(outcome string, seconds float64, captured int) {
	m.runsTotal.WithLabelValues(outcome).Inc()
	m.runDuration.Observe(seconds)
	m.capturedBytes.Add(float64(captured))
}

// RecordBusyRejection records an admission rejection.
func (m *Metrics) RecordBusyRejection() {
	m.busyRejections.Inc()
}

// RecordGuardRejection records a transport guard rejection at a stage
// ("host", "origin", "length", "auth", "stream").
func (m *Metrics) RecordGuardRejection(stage string) {
	m.guardRejects.WithLabelValues(stage).Inc()
	if stage == "auth" {
		m.authFailures.Inc()
	}
}

// RecordRedactionHit records that redaction changed an outgoing payload.
func (m *Metrics) RecordRedactionHit() {
	m.redactionHits.Inc()
}

// SetRunActive flips the in-flight gauge.
func (m *Metrics) SetRunActive(active bool) {
	if active {
		m.runActive.Set(1)
	} else {
		m.runActive.Set(0)
	}
}

// Handler returns an HTTP handler serving the registry in Prometheus text
// format, for the loopback metrics listener.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
