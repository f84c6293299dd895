package telemetry

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"

	"github.com/fyrsmithlabs/txcore/internal/config"
)

const protocolHTTP = "http/protobuf"

func newResource(cfg *config.TelemetryConfig, version string) *resource.Resource {
	// Standalone resource: resource.Default() carries a different schema URL.
	return resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(version),
	)
}

func newSpanExporter(ctx context.Context, cfg *config.TelemetryConfig) (trace.SpanExporter, error) {
	if cfg.Protocol == protocolHTTP {
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(stripScheme(cfg.Endpoint))}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, opts...)
	}
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return otlptracegrpc.New(ctx, opts...)
}

func newMetricExporter(ctx context.Context, cfg *config.TelemetryConfig) (metric.Exporter, error) {
	// Prometheus-compatible backends need cumulative temporality.
	cumulative := func(metric.InstrumentKind) metricdata.Temporality {
		return metricdata.CumulativeTemporality
	}

	if cfg.Protocol == protocolHTTP {
		opts := []otlpmetrichttp.Option{
			otlpmetrichttp.WithEndpoint(stripScheme(cfg.Endpoint)),
			otlpmetrichttp.WithTemporalitySelector(cumulative),
		}
		if cfg.Insecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		return otlpmetrichttp.New(ctx, opts...)
	}
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
		otlpmetricgrpc.WithTemporalitySelector(cumulative),
	}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	return otlpmetricgrpc.New(ctx, opts...)
}

func newTracerProvider(exporter trace.SpanExporter, cfg *config.TelemetryConfig, res *resource.Resource) *trace.TracerProvider {
	return trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(newSampler(cfg.SampleRate)),
	)
}

func newMeterProvider(exporter metric.Exporter, cfg *config.TelemetryConfig, res *resource.Resource) *metric.MeterProvider {
	return metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(metric.NewPeriodicReader(exporter,
			metric.WithInterval(cfg.ExportInterval.Duration()))),
	)
}

func newSampler(rate float64) trace.Sampler {
	var sampler trace.Sampler
	switch {
	case rate >= 1.0:
		sampler = trace.AlwaysSample()
	case rate <= 0:
		sampler = trace.NeverSample()
	default:
		sampler = trace.TraceIDRatioBased(rate)
	}
	return trace.ParentBased(sampler)
}

// stripScheme removes http:// or https://; the HTTP exporters want host:port.
func stripScheme(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "https://")
	return strings.TrimPrefix(endpoint, "http://")
}

// Option overrides how providers are built.
type Option func(*options)

type options struct {
	spanExporter   trace.SpanExporter
	metricExporter metric.Exporter
}

// WithSpanExporter replaces the OTLP span exporter.
func WithSpanExporter(exp trace.SpanExporter) Option {
	return func(o *options) { o.spanExporter = exp }
}

// WithMetricExporter replaces the OTLP metric exporter.
func WithMetricExporter(exp metric.Exporter) Option {
	return func(o *options) { o.metricExporter = exp }
}

func exporters(ctx context.Context, cfg *config.TelemetryConfig, o *options) (trace.SpanExporter, metric.Exporter, error) {
	spans, metrics := o.spanExporter, o.metricExporter
	var err error
	if spans == nil {
		if spans, err = newSpanExporter(ctx, cfg); err != nil {
			return nil, nil, fmt.Errorf("creating trace exporter: %w", err)
		}
	}
	if metrics == nil {
		if metrics, err = newMetricExporter(ctx, cfg); err != nil {
			return nil, nil, fmt.Errorf("creating metric exporter: %w", err)
		}
	}
	return spans, metrics, nil
}
