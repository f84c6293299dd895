package telemetry

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// TestTelemetry records spans and metrics in memory.
type TestTelemetry struct {
	*Telemetry

	SpanRecorder *tracetest.SpanRecorder
	MetricReader *sdkmetric.ManualReader
}

// NewTestTelemetry builds in-memory providers. They are not installed
// globally; call Install for code that reads the global providers.
func NewTestTelemetry() *TestTelemetry {
	recorder := tracetest.NewSpanRecorder()
	reader := sdkmetric.NewManualReader()

	tel := &Telemetry{
		enabled:        true,
		tracerProvider: trace.NewTracerProvider(trace.WithSpanProcessor(recorder)),
		meterProvider:  sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
	}
	tel.healthy.Store(true)

	return &TestTelemetry{
		Telemetry:    tel,
		SpanRecorder: recorder,
		MetricReader: reader,
	}
}

// Install sets the in-memory providers as the global ones.
func (t *TestTelemetry) Install() { t.install() }

// SpanByName returns the first ended span with the given name, or nil.
func (t *TestTelemetry) SpanByName(name string) trace.ReadOnlySpan {
	for _, span := range t.SpanRecorder.Ended() {
		if span.Name() == name {
			return span
		}
	}
	return nil
}

// AssertSpanExists fails tb when no span with the given name has ended.
func (t *TestTelemetry) AssertSpanExists(tb testing.TB, name string) {
	tb.Helper()
	if t.SpanByName(name) == nil {
		names := make([]string, 0)
		for _, span := range t.SpanRecorder.Ended() {
			names = append(names, span.Name())
		}
		tb.Errorf("expected span %q not found, got: %v", name, names)
	}
}

// AssertSpanAttribute fails tb unless the named span carries key=expected.
func (t *TestTelemetry) AssertSpanAttribute(tb testing.TB, spanName, key string, expected any) {
	tb.Helper()
	span := t.SpanByName(spanName)
	if span == nil {
		tb.Fatalf("span %q not found", spanName)
	}
	for _, attr := range span.Attributes() {
		if string(attr.Key) == key {
			if got := attr.Value.AsInterface(); got != expected {
				tb.Errorf("span %q attribute %q: got %v, want %v", spanName, key, got, expected)
			}
			return
		}
	}
	tb.Errorf("span %q missing attribute %q", spanName, key)
}

// Collect reads the current metrics.
func (t *TestTelemetry) Collect(ctx context.Context) (metricdata.ResourceMetrics, error) {
	var rm metricdata.ResourceMetrics
	err := t.MetricReader.Collect(ctx, &rm)
	return rm, err
}
