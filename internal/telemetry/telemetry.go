package telemetry

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/txcore/internal/config"
	"github.com/fyrsmithlabs/txcore/internal/logging"
)

// Telemetry owns the process's tracer and meter providers.
//
// Provider failures never stop the process: the instance is marked degraded
// and the global no-op providers stay in place.
type Telemetry struct {
	enabled        bool
	logger         *logging.Logger
	tracerProvider *trace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider

	healthy  atomic.Bool
	degraded atomic.Bool
}

// New builds the providers described by cfg and installs them globally.
// A disabled configuration returns an instance that does nothing.
func New(ctx context.Context, cfg *config.TelemetryConfig, version string, logger *logging.Logger, opts ...Option) *Telemetry {
	t := &Telemetry{
		enabled: cfg.Enabled,
		logger:  logging.OrNop(logger).Named("telemetry"),
	}
	t.healthy.Store(true)
	if !cfg.Enabled {
		return t
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	spans, metrics, err := exporters(ctx, cfg, o)
	if err != nil {
		t.setDegraded(ctx, err)
		return t
	}

	res := newResource(cfg, version)
	t.tracerProvider = newTracerProvider(spans, cfg, res)
	t.meterProvider = newMeterProvider(metrics, cfg, res)
	t.install()

	t.logger.Info(ctx, "telemetry enabled",
		zap.String("endpoint", cfg.Endpoint),
		zap.String("protocol", cfg.Protocol),
		zap.Float64("sample_rate", cfg.SampleRate))
	return t
}

func (t *Telemetry) install() {
	otel.SetTracerProvider(t.tracerProvider)
	otel.SetMeterProvider(t.meterProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
}

// Tracer returns a tracer, falling back to the global provider.
func (t *Telemetry) Tracer(name string, opts ...oteltrace.TracerOption) oteltrace.Tracer {
	if t == nil || t.tracerProvider == nil {
		return otel.GetTracerProvider().Tracer(name, opts...)
	}
	return t.tracerProvider.Tracer(name, opts...)
}

// Meter returns a meter, falling back to the global provider.
func (t *Telemetry) Meter(name string, opts ...metric.MeterOption) metric.Meter {
	if t == nil || t.meterProvider == nil {
		return otel.GetMeterProvider().Meter(name, opts...)
	}
	return t.meterProvider.Meter(name, opts...)
}

// Shutdown flushes and stops the providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	var err error
	if t.tracerProvider != nil {
		if shutdownErr := t.tracerProvider.Shutdown(ctx); shutdownErr != nil {
			err = multierr.Append(err, fmt.Errorf("trace provider shutdown: %w", shutdownErr))
		}
	}
	if t.meterProvider != nil {
		if shutdownErr := t.meterProvider.Shutdown(ctx); shutdownErr != nil {
			err = multierr.Append(err, fmt.Errorf("meter provider shutdown: %w", shutdownErr))
		}
	}
	t.healthy.Store(false)
	return err
}

// ForceFlush exports everything pending.
func (t *Telemetry) ForceFlush(ctx context.Context) error {
	if t == nil {
		return nil
	}
	var err error
	if t.tracerProvider != nil {
		err = multierr.Append(err, t.tracerProvider.ForceFlush(ctx))
	}
	if t.meterProvider != nil {
		err = multierr.Append(err, t.meterProvider.ForceFlush(ctx))
	}
	return err
}

// HealthStatus describes the telemetry pipeline.
type HealthStatus struct {
	Healthy  bool `json:"healthy"`
	Degraded bool `json:"degraded"`
}

// Health returns the current status. A nil instance is degraded.
func (t *Telemetry) Health() HealthStatus {
	if t == nil {
		return HealthStatus{Healthy: false, Degraded: true}
	}
	return HealthStatus{
		Healthy:  t.healthy.Load(),
		Degraded: t.degraded.Load(),
	}
}

// IsEnabled reports whether export is configured and still healthy.
func (t *Telemetry) IsEnabled() bool {
	if t == nil {
		return false
	}
	return t.enabled && t.healthy.Load() && !t.degraded.Load()
}

func (t *Telemetry) setDegraded(ctx context.Context, err error) {
	t.degraded.Store(true)
	t.logger.Warn(ctx, "telemetry degraded, using no-op providers", zap.Error(err))
}
