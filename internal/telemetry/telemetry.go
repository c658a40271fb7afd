package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry holds all telemetry instruments and providers. A nil *Telemetry
// is valid and records nothing.
type Telemetry struct {
	meterProvider *sdkmetric.MeterProvider
	registry      *promclient.Registry
	tracer        trace.Tracer
	meter         metric.Meter

	// RED Metrics (Rate, Errors, Duration)
	httpRequestsTotal    metric.Int64Counter
	httpRequestDuration  metric.Float64Histogram
	httpRequestsInFlight metric.Int64UpDownCounter

	// Coordinator Metrics
	submissionsTotal    metric.Int64Counter
	dispatchesTotal     metric.Int64Counter
	correlationsActive  metric.Int64UpDownCounter
	notificationsTotal  metric.Int64Counter
	requestersReaped    metric.Int64Counter
	snapshotWritesTotal metric.Int64Counter
	subsystemOperations metric.Int64Counter
	dbOperationsTotal   metric.Int64Counter
	dbOperationDuration metric.Float64Histogram
	systemErrors        metric.Int64Counter
}

// Config holds telemetry configuration.
type Config struct {
	Enabled      bool
	ServiceName  string
	OTLPEndpoint string
}

// New creates a new telemetry instance. Metrics are always exposed through a
// dedicated Prometheus registry and, when OTLPEndpoint is set, pushed over gRPC.
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	registry := promclient.NewRegistry()

	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	opts := []sdkmetric.Option{sdkmetric.WithReader(exporter)}

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create otlp exporter: %w", err)
		}

		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(otlpExporter)))
	}

	meterProvider := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(meterProvider)

	if err := runtime.Start(runtime.WithMeterProvider(meterProvider)); err != nil {
		return nil, fmt.Errorf("failed to start runtime instrumentation: %w", err)
	}

	t := &Telemetry{
		meterProvider: meterProvider,
		registry:      registry,
		tracer:        otel.Tracer(cfg.ServiceName),
		meter:         meterProvider.Meter(cfg.ServiceName),
	}

	if err := t.initializeMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	return t, nil
}

// Tracer returns the OpenTelemetry tracer.
func (t *Telemetry) Tracer() trace.Tracer {
	if t == nil || t.tracer == nil {
		return otel.Tracer("")
	}

	return t.tracer
}

// RecordHTTPRequest records HTTP request metrics.
func (t *Telemetry) RecordHTTPRequest(ctx context.Context, method, route, status string, duration time.Duration) {
	if t == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.String("status", status),
	)

	t.httpRequestsTotal.Add(ctx, 1, attrs)
	t.httpRequestDuration.Record(ctx, duration.Seconds(), attrs)
}

func (t *Telemetry) AddHTTPInFlight(ctx context.Context, delta int64) {
	if t == nil {
		return
	}

	t.httpRequestsInFlight.Add(ctx, delta)
}

// RecordSubmission records the outcome of a submit call: accepted, duplicate or rejected.
func (t *Telemetry) RecordSubmission(ctx context.Context, result string) {
	if t == nil {
		return
	}

	t.submissionsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordDispatch records a call into the download subsystem.
func (t *Telemetry) RecordDispatch(ctx context.Context, kind, status string) {
	if t == nil {
		return
	}

	t.dispatchesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("status", status),
	))
}

// AddActiveCorrelations moves the live correlation record gauge by delta.
func (t *Telemetry) AddActiveCorrelations(ctx context.Context, delta int64) {
	if t == nil {
		return
	}

	t.correlationsActive.Add(ctx, delta)
}

// RecordNotification records a terminal notification routed to a requester.
func (t *Telemetry) RecordNotification(ctx context.Context, status string) {
	if t == nil {
		return
	}

	t.notificationsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordReaped records requesters whose state was removed by the reaper.
func (t *Telemetry) RecordReaped(ctx context.Context, count int) {
	if t == nil || count == 0 {
		return
	}

	t.requestersReaped.Add(ctx, int64(count))
}

// RecordSnapshotWrite records a best-effort snapshot persistence attempt.
func (t *Telemetry) RecordSnapshotWrite(ctx context.Context, status string) {
	if t == nil {
		return
	}

	t.snapshotWritesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordSubsystemOperation records download subsystem operation metrics.
func (t *Telemetry) RecordSubsystemOperation(ctx context.Context, subsystem, operation, status string) {
	if t == nil {
		return
	}

	t.subsystemOperations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("subsystem", subsystem),
		attribute.String("operation", operation),
		attribute.String("status", status),
	))
}

// RecordDBOperation records database operation metrics.
func (t *Telemetry) RecordDBOperation(ctx context.Context, operation, status string, duration time.Duration) {
	if t == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("status", status),
	)

	t.dbOperationsTotal.Add(ctx, 1, attrs)
	t.dbOperationDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordSystemError records system error metrics.
func (t *Telemetry) RecordSystemError(ctx context.Context, component, errorType string) {
	if t == nil {
		return
	}

	t.systemErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("component", component),
		attribute.String("error_type", errorType),
	))
}

// Handler returns the HTTP handler for metrics endpoint.
func (t *Telemetry) Handler() http.Handler {
	if t == nil || t.registry == nil {
		return http.NotFoundHandler()
	}

	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes and stops the meter provider.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil || t.meterProvider == nil {
		return nil
	}

	return t.meterProvider.Shutdown(ctx)
}

// initializeMetrics creates all metric instruments.
func (t *Telemetry) initializeMetrics() error {
	if err := t.initializeREDMetrics(); err != nil {
		return err
	}

	return t.initializeCoordinatorMetrics()
}

func (t *Telemetry) initializeREDMetrics() error {
	var err error

	t.httpRequestsTotal, err = t.meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_requests_total counter: %w", err)
	}

	t.httpRequestDuration, err = t.meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_request_duration histogram: %w", err)
	}

	t.httpRequestsInFlight, err = t.meter.Int64UpDownCounter(
		"http_requests_in_flight",
		metric.WithDescription("Number of HTTP requests currently being processed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_requests_in_flight counter: %w", err)
	}

	return nil
}

func (t *Telemetry) initializeCoordinatorMetrics() error {
	var err error

	counters := []struct {
		target *metric.Int64Counter
		name   string
		desc   string
	}{
		{&t.submissionsTotal, "submissions_total", "Total number of submit calls by result"},
		{&t.dispatchesTotal, "dispatches_total", "Total number of download subsystem dispatches"},
		{&t.notificationsTotal, "notifications_total", "Total number of terminal notifications routed to requesters"},
		{&t.requestersReaped, "requesters_reaped_total", "Total number of requesters removed by the reaper"},
		{&t.snapshotWritesTotal, "snapshot_writes_total", "Total number of snapshot persistence attempts"},
		{&t.subsystemOperations, "subsystem_operations_total", "Total number of download subsystem operations"},
		{&t.dbOperationsTotal, "db_operations_total", "Total number of database operations"},
		{&t.systemErrors, "system_errors_total", "Total number of system errors"},
	}

	for _, c := range counters {
		*c.target, err = t.meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit("1"))
		if err != nil {
			return fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
	}

	t.correlationsActive, err = t.meter.Int64UpDownCounter(
		"correlations_active",
		metric.WithDescription("Number of dispatched downloads awaiting a terminal event"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create correlations_active counter: %w", err)
	}

	t.dbOperationDuration, err = t.meter.Float64Histogram(
		"db_operation_duration_seconds",
		metric.WithDescription("Database operation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create db_operation_duration histogram: %w", err)
	}

	return nil
}
