package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// MeterName is the instrumentation scope name for pipeline metrics.
const MeterName = "ctxpipe"

// Metrics holds the pipeline metric instruments.
type Metrics struct {
	StageDuration   metric.Float64Histogram
	MessagesIn      metric.Int64Counter
	MessagesDropped metric.Int64Counter
	StageErrors     metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.StageDuration, err = meter.Float64Histogram("ctxpipe.stage.duration",
		metric.WithDescription("Stage processing duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.MessagesIn, err = meter.Int64Counter("ctxpipe.stage.messages_in",
		metric.WithDescription("Messages entering each stage"),
	)
	if err != nil {
		return nil, err
	}

	m.MessagesDropped, err = meter.Int64Counter("ctxpipe.stage.messages_dropped",
		metric.WithDescription("Messages removed by each stage"),
	)
	if err != nil {
		return nil, err
	}

	m.StageErrors, err = meter.Int64Counter("ctxpipe.stage.errors",
		metric.WithDescription("Stage failures recovered by the fail-open wrapper"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// MetricSink records stage reports as OpenTelemetry metrics.
type MetricSink struct {
	metrics *Metrics
}

// NewMetricSink creates a MetricSink from a meter.
func NewMetricSink(meter metric.Meter) (*MetricSink, error) {
	metrics, err := NewMetrics(meter)
	if err != nil {
		return nil, fmt.Errorf("create metrics: %w", err)
	}
	return &MetricSink{metrics: metrics}, nil
}

// Observe implements Sink.
func (s *MetricSink) Observe(ctx context.Context, report StageReport) {
	attrs := metric.WithAttributes(attribute.String("stage", report.Stage))
	s.metrics.StageDuration.Record(ctx, report.Latency.Seconds(), attrs)
	s.metrics.MessagesIn.Add(ctx, int64(report.InputCount), attrs)
	if removed := report.Removed(); removed > 0 {
		s.metrics.MessagesDropped.Add(ctx, int64(removed), attrs)
	}
	if report.Err != nil {
		s.metrics.StageErrors.Add(ctx, 1, attrs)
	}
}

// Provider wraps the meter provider with cleanup.
type Provider struct {
	MeterProvider *sdkmetric.MeterProvider
	Meter         metric.Meter
}

// InitMetrics sets up a meter provider exporting to stdout. The returned
// Provider must be Shutdown on exit to flush pending metrics.
func InitMetrics(ctx context.Context, serviceName string) (*Provider, error) {
	exporter, err := stdoutmetric.New()
	if err != nil {
		return nil, fmt.Errorf("create stdout metric exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
	)

	return &Provider{
		MeterProvider: mp,
		Meter:         mp.Meter(MeterName),
	}, nil
}

// Shutdown flushes and stops the meter provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.MeterProvider == nil {
		return nil
	}
	return p.MeterProvider.Shutdown(ctx)
}

// Compile-time interface check
var _ Sink = (*MetricSink)(nil)
