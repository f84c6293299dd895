package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap/zapcore"
)

// TraceLevel sits below Debug. Journal records and executor job hand-offs
// log here; it is almost always filtered out.
const TraceLevel = zapcore.Level(-2)

// LevelFromString parses a level name. Matching is case-insensitive and
// accepts "trace" and "warning" on top of zap's own names.
func LevelFromString(level string) (zapcore.Level, error) {
	switch name := strings.ToLower(strings.TrimSpace(level)); name {
	case "trace":
		return TraceLevel, nil
	case "warning":
		return zapcore.WarnLevel, nil
	case "":
		return zapcore.InfoLevel, fmt.Errorf("empty log level")
	default:
		var l zapcore.Level
		if err := l.UnmarshalText([]byte(name)); err != nil {
			return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", level)
		}
		return l, nil
	}
}

// levelName is the inverse of LevelFromString.
func levelName(l zapcore.Level) string {
	if l == TraceLevel {
		return "trace"
	}
	return l.String()
}

// encodeLevel prints TraceLevel as "trace" instead of "Level(-2)".
func encodeLevel(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(levelName(l))
}
