package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics provides Prometheus metrics for verifications.
type Metrics struct {
	config MetricsConfig

	verificationsStarted   *prometheus.CounterVec
	verificationsCompleted *prometheus.CounterVec
	verificationDuration   *prometheus.HistogramVec
	verificationTicks      *prometheus.HistogramVec

	sampleErrors   *prometheus.CounterVec
	refreshes      *prometheus.CounterVec
	resourceStatus *prometheus.GaugeVec

	activeVerifications prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DurationBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		verificationsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "verifications_started_total",
				Help:      "Total number of verifications started",
			},
			[]string{"workflow"},
		),
		verificationsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "verifications_completed_total",
				Help:      "Total number of verifications completed, by verdict",
			},
			[]string{"workflow", "verdict"},
		),
		verificationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "verification_duration_seconds",
				Help:      "Time from the first tick to the final verdict",
				Buckets:   buckets,
			},
			[]string{"workflow", "verdict"},
		),
		verificationTicks: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "verification_ticks",
				Help:      "Number of polling ticks per verification",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 8),
			},
			[]string{"workflow"},
		),
		sampleErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sample_errors_total",
				Help:      "Total number of failed status reads, by error class",
			},
			[]string{"workflow", "kind", "class"},
		),
		refreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "refreshes_total",
				Help:      "Total number of view refreshes between ticks",
			},
			[]string{"workflow", "result"},
		),
		resourceStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "resources",
				Help:      "Resources per status on the latest tick",
			},
			[]string{"workflow", "status"},
		),
		activeVerifications: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_verifications",
				Help:      "Current number of verifications in progress",
			},
		),
	}

	registry.MustRegister(
		m.verificationsStarted,
		m.verificationsCompleted,
		m.verificationDuration,
		m.verificationTicks,
		m.sampleErrors,
		m.refreshes,
		m.resourceStatus,
		m.activeVerifications,
	)

	return m, nil
}

// Registry returns the metrics registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordVerificationStarted counts a verification and marks it active.
func (m *Metrics) RecordVerificationStarted(workflow string) {
	if m.verificationsStarted == nil {
		return
	}
	m.verificationsStarted.WithLabelValues(workflow).Inc()
	m.activeVerifications.Inc()
}

// RecordVerificationCompleted records the verdict, duration, and tick count of a verification.
func (m *Metrics) RecordVerificationCompleted(workflow, verdict string, duration time.Duration, ticks int) {
	if m.verificationsCompleted == nil {
		return
	}
	m.verificationsCompleted.WithLabelValues(workflow, verdict).Inc()
	m.verificationDuration.WithLabelValues(workflow, verdict).Observe(duration.Seconds())
	m.verificationTicks.WithLabelValues(workflow).Observe(float64(ticks))
	m.activeVerifications.Dec()
}

// RecordVerificationAborted releases a verification cancelled before its verdict.
func (m *Metrics) RecordVerificationAborted() {
	if m.activeVerifications == nil {
		return
	}
	m.activeVerifications.Dec()
}

// RecordSampleError counts a failed status read.
func (m *Metrics) RecordSampleError(workflow, kind, class string) {
	if m.sampleErrors == nil {
		return
	}
	m.sampleErrors.WithLabelValues(workflow, kind, class).Inc()
}

// RecordRefresh counts a view refresh.
func (m *Metrics) RecordRefresh(workflow string, err error) {
	if m.refreshes == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.refreshes.WithLabelValues(workflow, result).Inc()
}

// SetResourceCount sets the number of resources in a status for a workflow.
func (m *Metrics) SetResourceCount(workflow, status string, count int) {
	if m.resourceStatus == nil {
		return
	}
	m.resourceStatus.WithLabelValues(workflow, status).Set(float64(count))
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer serves metrics until ctx is cancelled. It does nothing
// when metrics are disabled or no listen address is configured.
func (m *Metrics) StartMetricsServer(ctx context.Context, logger zerolog.Logger) {
	if !m.config.Enabled || m.config.ListenAddress == "" {
		return
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	go func() {
		logger.Info().Str("address", m.config.ListenAddress).Str("path", path).Msg("Serving metrics")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
}
