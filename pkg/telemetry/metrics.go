package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for sync runs.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	stageDuration *prometheus.HistogramVec

	// Operation metrics
	operationsApplied *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	plannedOperations *prometheus.GaugeVec

	// Remote platform metrics
	remoteCalls    *prometheus.CounterVec
	remoteDuration *prometheus.HistogramVec
	remoteErrors   *prometheus.CounterVec
	remoteRetries  *prometheus.CounterVec

	// Validation metrics
	validationIssues *prometheus.CounterVec

	// System metrics
	activeRuns       prometheus.Gauge
	inFlightMutation prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of pipeline runs started",
			},
			[]string{"mode"},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of pipeline runs completed, by outcome",
			},
			[]string{"outcome"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of pipeline runs in seconds",
				Buckets:   buckets,
			},
			[]string{"outcome"},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Duration of individual pipeline stages in seconds",
				Buckets:   buckets,
			},
			[]string{"stage"},
		),

		operationsApplied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Total number of operations by kind and result status",
			},
			[]string{"kind", "status"},
		),
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Duration of applied operations in seconds",
				Buckets:   buckets,
			},
			[]string{"kind"},
		),
		plannedOperations: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "planned_operations",
				Help:      "Operations in the most recent change set, by kind",
			},
			[]string{"kind"},
		),

		remoteCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "remote_calls_total",
				Help:      "Total number of calls to the platform API",
			},
			[]string{"method"},
		),
		remoteDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "remote_call_duration_seconds",
				Help:      "Duration of platform API calls in seconds",
				Buckets:   buckets,
			},
			[]string{"method"},
		),
		remoteErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "remote_errors_total",
				Help:      "Total number of failed platform API calls by error kind",
			},
			[]string{"method", "kind"},
		),
		remoteRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "remote_retries_total",
				Help:      "Total number of retried platform reads",
			},
			[]string{"kind"},
		),

		validationIssues: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "validation_issues_total",
				Help:      "Total number of validation issues by rule and severity",
			},
			[]string{"rule", "severity"},
		),

		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Current number of active runs",
			},
		),
		inFlightMutation: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "inflight_mutations",
				Help:      "Current number of mutating calls in flight",
			},
		),
	}

	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.stageDuration,
		m.operationsApplied,
		m.operationDuration,
		m.plannedOperations,
		m.remoteCalls,
		m.remoteDuration,
		m.remoteErrors,
		m.remoteRetries,
		m.validationIssues,
		m.activeRuns,
		m.inFlightMutation,
	)

	return m, nil
}

// NewNopMetrics returns a disabled metrics instance.
func NewNopMetrics() *Metrics {
	return &Metrics{}
}

// Run Metrics

// RecordRunStarted increments the counter for started runs.
func (m *Metrics) RecordRunStarted(mode string) {
	if m == nil || m.runsStarted == nil {
		return
	}
	m.runsStarted.WithLabelValues(mode).Inc()
	m.activeRuns.Inc()
}

// RecordRunCompleted records a completed run with its outcome and duration.
func (m *Metrics) RecordRunCompleted(outcome string, duration time.Duration) {
	if m == nil || m.runsCompleted == nil {
		return
	}
	m.runsCompleted.WithLabelValues(outcome).Inc()
	m.runDuration.WithLabelValues(outcome).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// RecordStage records how long a pipeline stage took.
func (m *Metrics) RecordStage(stage string, duration time.Duration) {
	if m == nil || m.stageDuration == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// Operation Metrics

// RecordOperation records the result of a single applied operation.
func (m *Metrics) RecordOperation(kind, status string, duration time.Duration) {
	if m == nil || m.operationsApplied == nil {
		return
	}
	m.operationsApplied.WithLabelValues(kind, status).Inc()
	if duration > 0 {
		m.operationDuration.WithLabelValues(kind).Observe(duration.Seconds())
	}
}

// SetPlannedOperations sets the number of planned operations for a kind.
func (m *Metrics) SetPlannedOperations(kind string, count int) {
	if m == nil || m.plannedOperations == nil {
		return
	}
	m.plannedOperations.WithLabelValues(kind).Set(float64(count))
}

// MutationStarted and MutationFinished track in-flight mutating calls.
func (m *Metrics) MutationStarted() {
	if m == nil || m.inFlightMutation == nil {
		return
	}
	m.inFlightMutation.Inc()
}

func (m *Metrics) MutationFinished() {
	if m == nil || m.inFlightMutation == nil {
		return
	}
	m.inFlightMutation.Dec()
}

// Remote Metrics

// RecordRemoteCall records a platform API call with its duration.
func (m *Metrics) RecordRemoteCall(method string, duration time.Duration) {
	if m == nil || m.remoteCalls == nil {
		return
	}
	m.remoteCalls.WithLabelValues(method).Inc()
	m.remoteDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordRemoteError records a failed platform API call.
func (m *Metrics) RecordRemoteError(method, kind string) {
	if m == nil || m.remoteErrors == nil {
		return
	}
	m.remoteErrors.WithLabelValues(method, kind).Inc()
}

// RecordRemoteRetry records a retried read.
func (m *Metrics) RecordRemoteRetry(kind string) {
	if m == nil || m.remoteRetries == nil {
		return
	}
	m.remoteRetries.WithLabelValues(kind).Inc()
}

// Validation Metrics

// RecordValidationIssue records one validation issue.
func (m *Metrics) RecordValidationIssue(rule, severity string) {
	if m == nil || m.validationIssues == nil {
		return
	}
	m.validationIssues.WithLabelValues(rule, severity).Inc()
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Registry returns the underlying registry, or nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// WriteTextfile writes the current metric values in the text exposition
// format, for the node exporter textfile collector.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || m.registry == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.registry)
}

// Serve exposes /metrics on the configured listen address until ctx is
// done. It returns immediately when no address is configured.
func (m *Metrics) Serve(ctx context.Context, logger *Logger) error {
	if m == nil || m.registry == nil || m.config.ListenAddress == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server stopped")
		}
	}()

	return nil
}
