// Package logging provides structured logging for txcore.
//
// Logger wraps Zap with:
//   - A Trace level (-2, below Debug) for per-record journal chatter
//   - Stderr (or stdout) output plus optional OpenTelemetry output via the
//     otelzap bridge
//   - FromConfig, which builds a Config from the daemon's log section
//   - Context field injection (trace_id, span_id, tx.gtrid, node.server_id)
//   - Level-aware sampling; warnings and errors are never sampled
//
// Usage:
//
//	logger, err := logging.NewLogger(logging.NewDefaultConfig(), nil)
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithGtrid(ctx, tx.Gtrid())
//	logger.Debug(ctx, "journaled", zap.String("status", "COMMITTING"))
//
// Tests use NewTestLogger, which records every entry through
// zaptest/observer and offers AssertLogged / AssertField / AssertGtrid
// helpers.
//
// Logger and its children are safe for concurrent use.
package logging
