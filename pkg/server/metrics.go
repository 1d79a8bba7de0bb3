package server

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/polisai/polis-exec/pkg/pipeline"
)

// Metrics holds all Prometheus metrics for the server. It also observes the
// pipeline executor.
type Metrics struct {
	// HTTP metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpInFlight        prometheus.Gauge

	// Pipeline metrics
	pipelineRuns      *prometheus.CounterVec
	pipelineDuration  *prometheus.HistogramVec
	pipelineTruncated *prometheus.CounterVec
	stagesStarted     *prometheus.CounterVec

	// Storage metrics
	storageOperations *prometheus.CounterVec

	// Throttled requests
	rateLimited *prometheus.CounterVec

	// Configuration drift
	configDrift prometheus.Gauge

	registry *prometheus.Registry
}

var _ pipeline.Observer = (*Metrics)(nil)

// NewMetrics creates a new metrics instance on a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polis_exec_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "polis_exec_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		httpInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "polis_exec_http_requests_in_flight",
				Help: "Number of HTTP requests currently being served",
			},
		),

		pipelineRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polis_exec_pipeline_runs_total",
				Help: "Total number of pipeline executions by outcome",
			},
			[]string{"pipeline", "outcome"},
		),

		pipelineDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "polis_exec_pipeline_duration_seconds",
				Help:    "Pipeline wall-clock duration in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"pipeline"},
		),

		pipelineTruncated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polis_exec_pipeline_output_truncated_total",
				Help: "Total number of pipeline executions whose captured output was truncated",
			},
			[]string{"pipeline"},
		),

		stagesStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polis_exec_pipeline_stages_started_total",
				Help: "Total number of pipeline stages spawned",
			},
			[]string{"pipeline"},
		),

		storageOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polis_exec_storage_operations_total",
				Help: "Total number of storage operations by outcome",
			},
			[]string{"operation", "outcome"},
		),

		rateLimited: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polis_exec_rate_limited_total",
				Help: "Total number of requests rejected by a rate limit",
			},
			[]string{"scope"},
		),

		configDrift: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "polis_exec_config_drift",
				Help: "1 when the configuration file on disk differs from the running configuration",
			},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.httpInFlight,
		m.pipelineRuns,
		m.pipelineDuration,
		m.pipelineTruncated,
		m.stagesStarted,
		m.storageOperations,
		m.rateLimited,
		m.configDrift,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// StageStarted implements pipeline.Observer.
func (m *Metrics) StageStarted(_ context.Context, name string, _ int, _ string) {
	m.stagesStarted.WithLabelValues(name).Inc()
}

// PipelineFinished implements pipeline.Observer.
func (m *Metrics) PipelineFinished(_ context.Context, name string, outcome *pipeline.Outcome, elapsed time.Duration) {
	result := pipeline.ErrorKind(outcome.Err)
	if result == "" {
		result = "success"
	}
	m.pipelineRuns.WithLabelValues(name, result).Inc()
	m.pipelineDuration.WithLabelValues(name).Observe(elapsed.Seconds())
	if outcome.Truncated() {
		m.pipelineTruncated.WithLabelValues(name).Inc()
	}
}

// RecordStorageOperation records a storage operation. kind is "" on success.
func (m *Metrics) RecordStorageOperation(operation, kind string) {
	if kind == "" {
		kind = "success"
	}
	m.storageOperations.WithLabelValues(operation, kind).Inc()
}

// RecordRateLimited counts a throttled request.
func (m *Metrics) RecordRateLimited(scope string) {
	m.rateLimited.WithLabelValues(scope).Inc()
}

// SetConfigDrift updates the drift gauge.
func (m *Metrics) SetConfigDrift(drifted bool) {
	value := 0.0
	if drifted {
		value = 1.0
	}
	m.configDrift.Set(value)
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
