// Package observability exposes OpenTelemetry metrics through a
// Prometheus endpoint.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"workbridge/internal/gcsync"
	"workbridge/internal/logging"
)

// MetricsCollector manages the bridge's metrics. A collector built with
// Enabled=false is a no-op on every record method.
type MetricsCollector struct {
	meter metric.Meter

	lockAcquisitions metric.Int64Counter
	consumersActive  metric.Int64UpDownCounter

	eventsDispatched metric.Int64Counter
	toolExecutions   metric.Int64Counter
	toolDuration     metric.Float64Histogram

	syncRuns      metric.Int64Counter
	syncTransfers metric.Int64Counter
	syncConflicts metric.Int64Counter

	prometheusServer *http.Server
	logger           *logging.Logger
}

// MetricsConfig configures the metrics collector.
type MetricsConfig struct {
	Enabled        bool
	PrometheusPort int
}

// NewMetricsCollector creates a collector and, when a port is given,
// starts the Prometheus scrape server.
func NewMetricsCollector(config MetricsConfig) (*MetricsCollector, error) {
	collector := &MetricsCollector{logger: logging.NewComponentLogger("Metrics")}
	if !config.Enabled {
		return collector, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}

	res := resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName("workbridge"))
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(provider)
	meter := provider.Meter("workbridge")
	collector.meter = meter

	if collector.lockAcquisitions, err = meter.Int64Counter(
		"workbridge.lock.acquisitions.total",
		metric.WithDescription("Consumer lock acquisition attempts by outcome"),
		metric.WithUnit("{attempt}"),
	); err != nil {
		return nil, fmt.Errorf("create lock_acquisitions counter: %w", err)
	}

	if collector.consumersActive, err = meter.Int64UpDownCounter(
		"workbridge.consumers.active",
		metric.WithDescription("Number of consumers currently holding a lock"),
		metric.WithUnit("{consumer}"),
	); err != nil {
		return nil, fmt.Errorf("create consumers_active gauge: %w", err)
	}

	if collector.eventsDispatched, err = meter.Int64Counter(
		"workbridge.events.dispatched.total",
		metric.WithDescription("Stream events handed to the tool dispatcher"),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, fmt.Errorf("create events_dispatched counter: %w", err)
	}

	if collector.toolExecutions, err = meter.Int64Counter(
		"workbridge.tool.executions.total",
		metric.WithDescription("Tool executions by tool name and outcome"),
		metric.WithUnit("{execution}"),
	); err != nil {
		return nil, fmt.Errorf("create tool_executions counter: %w", err)
	}

	if collector.toolDuration, err = meter.Float64Histogram(
		"workbridge.tool.duration",
		metric.WithDescription("Tool execution duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("create tool_duration histogram: %w", err)
	}

	if collector.syncRuns, err = meter.Int64Counter(
		"workbridge.sync.runs.total",
		metric.WithDescription("Workspace sync runs"),
		metric.WithUnit("{run}"),
	); err != nil {
		return nil, fmt.Errorf("create sync_runs counter: %w", err)
	}

	if collector.syncTransfers, err = meter.Int64Counter(
		"workbridge.sync.transfers.total",
		metric.WithDescription("Objects moved by the sync engine, by direction"),
		metric.WithUnit("{object}"),
	); err != nil {
		return nil, fmt.Errorf("create sync_transfers counter: %w", err)
	}

	if collector.syncConflicts, err = meter.Int64Counter(
		"workbridge.sync.conflicts.total",
		metric.WithDescription("Uploads skipped because the remote generation moved"),
		metric.WithUnit("{object}"),
	); err != nil {
		return nil, fmt.Errorf("create sync_conflicts counter: %w", err)
	}

	if config.PrometheusPort > 0 {
		if err := collector.startPrometheusServer(config.PrometheusPort); err != nil {
			return nil, fmt.Errorf("start prometheus server: %w", err)
		}
	}

	return collector, nil
}

func (m *MetricsCollector) startPrometheusServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promclient.Handler())

	m.prometheusServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		m.logger.Info("Prometheus metrics server listening on :%d", port)
		if err := m.prometheusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Error("Prometheus server error: %v", err)
		}
	}()

	return nil
}

// Shutdown stops the scrape server if one was started.
func (m *MetricsCollector) Shutdown(ctx context.Context) error {
	if m.prometheusServer != nil {
		return m.prometheusServer.Shutdown(ctx)
	}
	return nil
}

// RecordLockAcquisition records a lock acquisition attempt. outcome is
// "acquired" or "conflict"; acquired attempts also bump the active gauge.
func (m *MetricsCollector) RecordLockAcquisition(ctx context.Context, outcome string) {
	if m.lockAcquisitions == nil {
		return
	}
	m.lockAcquisitions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	if outcome == "acquired" {
		m.consumersActive.Add(ctx, 1)
	}
}

// RecordLockRelease decrements the active consumer gauge.
func (m *MetricsCollector) RecordLockRelease(ctx context.Context) {
	if m.consumersActive == nil {
		return
	}
	m.consumersActive.Add(ctx, -1)
}

// RecordEventDispatched counts a stream event handed to the dispatcher.
func (m *MetricsCollector) RecordEventDispatched(ctx context.Context, eventType string) {
	if m.eventsDispatched == nil {
		return
	}
	m.eventsDispatched.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
}

// RecordToolExecution records one tool execution with its outcome.
func (m *MetricsCollector) RecordToolExecution(ctx context.Context, toolName, status string, duration time.Duration) {
	if m.toolExecutions == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("tool_name", toolName),
		attribute.String("status", status),
	}
	m.toolExecutions.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.toolDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("tool_name", toolName)))
}

// RecordSyncRun folds one sync run's stats into the counters.
func (m *MetricsCollector) RecordSyncRun(ctx context.Context, stats gcsync.Stats) {
	if m.syncRuns == nil {
		return
	}
	m.syncRuns.Add(ctx, 1)
	m.syncTransfers.Add(ctx, int64(stats.Downloaded), metric.WithAttributes(attribute.String("direction", "download")))
	m.syncTransfers.Add(ctx, int64(stats.Uploaded), metric.WithAttributes(attribute.String("direction", "upload")))
	m.syncConflicts.Add(ctx, int64(stats.Conflicts))
}
