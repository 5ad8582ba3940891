package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the pipeline daemon.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	// Stage metrics
	stageDuration *prometheus.HistogramVec

	// Inventory metrics
	hostsResolved *prometheus.GaugeVec

	// Task metrics
	tasksExecuted *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec

	// Trigger metrics
	webhookDeliveries *prometheus.CounterVec

	// System metrics
	activeRun prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// No-op instance; all record methods check for nil vectors.
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
			[]string{"trigger"},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of pipeline runs completed",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of pipeline runs in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Duration of pipeline stages in seconds",
				Buckets:   buckets,
			},
			[]string{"stage"},
		),
		hostsResolved: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "hosts_resolved",
				Help:      "Number of hosts resolved by the last inventory query",
			},
			[]string{"provider", "region"},
		),
		tasksExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_executed_total",
				Help:      "Total number of tasks executed per host",
			},
			[]string{"type", "result"},
		),
		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_seconds",
				Help:      "Duration of individual task executions in seconds",
				Buckets:   buckets,
			},
			[]string{"type"},
		),
		webhookDeliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhook_deliveries_total",
				Help:      "Total number of webhook deliveries received",
			},
			[]string{"outcome"},
		),
		activeRun: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_run",
				Help:      "Whether a pipeline run is currently in flight (0 or 1)",
			},
		),
	}

	collectors := []prometheus.Collector{
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.stageDuration,
		m.hostsResolved,
		m.tasksExecuted,
		m.taskDuration,
		m.webhookDeliveries,
		m.activeRun,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// Handler returns an HTTP handler exposing the metrics registry.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRunStarted records the start of a pipeline run.
func (m *Metrics) RecordRunStarted(trigger string) {
	if m.runsStarted == nil {
		return
	}
	m.runsStarted.WithLabelValues(trigger).Inc()
	m.activeRun.Set(1)
}

// RecordRunCompleted records the completion of a pipeline run.
func (m *Metrics) RecordRunCompleted(status string, duration time.Duration) {
	if m.runsCompleted == nil {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeRun.Set(0)
}

// RecordStageDuration records the duration of a single pipeline stage.
func (m *Metrics) RecordStageDuration(stage string, duration time.Duration) {
	if m.stageDuration == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// RecordHostsResolved records the host count of an inventory resolution.
func (m *Metrics) RecordHostsResolved(provider, region string, count int) {
	if m.hostsResolved == nil {
		return
	}
	m.hostsResolved.WithLabelValues(provider, region).Set(float64(count))
}

// RecordTask records the outcome of a single task execution.
func (m *Metrics) RecordTask(taskType, result string, duration time.Duration) {
	if m.tasksExecuted == nil {
		return
	}
	m.tasksExecuted.WithLabelValues(taskType, result).Inc()
	m.taskDuration.WithLabelValues(taskType).Observe(duration.Seconds())
}

// RecordWebhookDelivery records a webhook delivery outcome
// (triggered, ignored, rejected, busy).
func (m *Metrics) RecordWebhookDelivery(outcome string) {
	if m.webhookDeliveries == nil {
		return
	}
	m.webhookDeliveries.WithLabelValues(outcome).Inc()
}
