// Package telemetry sets up OpenTelemetry tracing and metrics for txcore.
//
// When enabled, spans from transaction completion and metrics from the admin
// HTTP server are exported over OTLP (gRPC or HTTP/protobuf) to a collector.
// When disabled, or when a provider cannot be built, the global no-op
// providers stay in place and the process keeps running.
//
//	tel, err := telemetry.New(ctx, &cfg.Telemetry, version)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(ctx)
//
// Tests use NewTestTelemetry, which records spans and metrics in memory.
package telemetry
