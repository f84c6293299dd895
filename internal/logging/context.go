package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}
	fields := make([]zap.Field, 0, 4)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}

	if gtrid := GtridFromContext(ctx); gtrid != "" {
		fields = append(fields, zap.String(gtridKey, gtrid))
	}

	if serverID := ServerIDFromContext(ctx); serverID != "" {
		fields = append(fields, zap.String("node.server_id", serverID))
	}

	return fields
}

const gtridKey = "tx.gtrid"

type gtridCtxKey struct{}
type serverIDCtxKey struct{}
type loggerCtxKey struct{}

// WithGtrid tags the context with a global transaction id.
func WithGtrid(ctx context.Context, gtrid string) context.Context {
	if gtrid == "" {
		return ctx
	}
	return context.WithValue(ctx, gtridCtxKey{}, gtrid)
}

// GtridFromContext returns the global transaction id, or "".
func GtridFromContext(ctx context.Context) string {
	if g, ok := ctx.Value(gtridCtxKey{}).(string); ok {
		return g
	}
	return ""
}

// WithServerID tags the context with the node's server id.
func WithServerID(ctx context.Context, serverID string) context.Context {
	if serverID == "" {
		return ctx
	}
	return context.WithValue(ctx, serverIDCtxKey{}, serverID)
}

// ServerIDFromContext returns the node's server id, or "".
func ServerIDFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(serverIDCtxKey{}).(string); ok {
		return s
	}
	return ""
}

// WithLogger stores logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves logger from context.
// Returns a nop logger if none was stored.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok && l != nil {
		return l
	}
	return NewNop()
}
