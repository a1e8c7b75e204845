package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for remote execution.
// A Metrics built from a disabled config records nothing.
type Metrics struct {
	config MetricsConfig

	// Connection metrics
	connectAttempts *prometheus.CounterVec
	connections     *prometheus.CounterVec

	// Command metrics
	commandsExecuted *prometheus.CounterVec
	commandDuration  *prometheus.HistogramVec
	commandTimeouts  *prometheus.CounterVec

	// Handle metrics
	backgroundProcesses prometheus.Gauge
	tunnelsActive       *prometheus.GaugeVec

	// Transfer metrics
	bytesTransferred *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec

	registry *prometheus.Registry
	server   *http.Server
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
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

		connectAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connect_attempts_total",
				Help:      "Total number of TCP connect attempts",
			},
			[]string{"result"},
		),
		connections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_total",
				Help:      "Total number of SSH clients prepared",
			},
			[]string{"result"},
		),

		commandsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_executed_total",
				Help:      "Total number of remote commands executed",
			},
			[]string{"mode", "result"},
		),
		commandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "command_duration_seconds",
				Help:      "Duration of remote commands in seconds",
				Buckets:   buckets,
			},
			[]string{"mode"},
		),
		commandTimeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "command_timeouts_total",
				Help:      "Total number of commands that exceeded their timeout",
			},
			[]string{"kind"},
		),

		backgroundProcesses: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "background_processes_active",
				Help:      "Current number of running background processes",
			},
		),
		tunnelsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "tunnels_active",
				Help:      "Current number of open port tunnels",
			},
			[]string{"direction"},
		),

		bytesTransferred: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_transferred_total",
				Help:      "Total bytes copied by file transfers",
			},
			[]string{"direction"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
	}

	registry.MustRegister(
		m.connectAttempts,
		m.connections,
		m.commandsExecuted,
		m.commandDuration,
		m.commandTimeouts,
		m.backgroundProcesses,
		m.tunnelsActive,
		m.bytesTransferred,
		m.errorsByClass,
	)

	return m, nil
}

// Connection Metrics

// RecordConnectAttempt records one TCP connect attempt.
func (m *Metrics) RecordConnectAttempt(success bool) {
	if m.connectAttempts == nil {
		return
	}
	m.connectAttempts.WithLabelValues(resultLabel(success)).Inc()
}

// RecordConnection records the outcome of preparing a client.
func (m *Metrics) RecordConnection(result string) {
	if m.connections == nil {
		return
	}
	m.connections.WithLabelValues(result).Inc()
}

// Command Metrics

// RecordCommand records a finished command with its mode (execute, safe_execute,
// background_stop) and result (success, failure, timeout, error).
func (m *Metrics) RecordCommand(mode, result string, duration time.Duration) {
	if m.commandsExecuted == nil {
		return
	}
	m.commandsExecuted.WithLabelValues(mode, result).Inc()
	m.commandDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// RecordTimeout records a command that ran past its timeout. kind is "overtime"
// for a late finish and "hung" for a command killed at the extended deadline.
func (m *Metrics) RecordTimeout(kind string) {
	if m.commandTimeouts == nil {
		return
	}
	m.commandTimeouts.WithLabelValues(kind).Inc()
}

// Handle Metrics

// BackgroundStarted increments the running background process gauge.
func (m *Metrics) BackgroundStarted() {
	if m.backgroundProcesses == nil {
		return
	}
	m.backgroundProcesses.Inc()
}

// BackgroundClosed decrements the running background process gauge.
func (m *Metrics) BackgroundClosed() {
	if m.backgroundProcesses == nil {
		return
	}
	m.backgroundProcesses.Dec()
}

// TunnelOpened increments the open tunnel gauge for direction.
func (m *Metrics) TunnelOpened(direction string) {
	if m.tunnelsActive == nil {
		return
	}
	m.tunnelsActive.WithLabelValues(direction).Inc()
}

// TunnelClosed decrements the open tunnel gauge for direction.
func (m *Metrics) TunnelClosed(direction string) {
	if m.tunnelsActive == nil {
		return
	}
	m.tunnelsActive.WithLabelValues(direction).Dec()
}

// Transfer Metrics

// RecordBytes adds n bytes copied in direction (upload, download).
func (m *Metrics) RecordBytes(direction string, n int64) {
	if m.bytesTransferred == nil || n <= 0 {
		return
	}
	m.bytesTransferred.WithLabelValues(direction).Add(float64(n))
}

// Error Metrics

// RecordError records an error by class.
func (m *Metrics) RecordError(errorClass string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
}

func resultLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
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

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics. Serve errors are
// reported to logger.
func (m *Metrics) StartMetricsServer(logger *Logger) error {
	if !m.config.Enabled {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	m.server = &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	server := m.server
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("metrics server stopped")
		}
	}()

	return nil
}

// Shutdown stops the metrics server if it was started.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
