package logging

import (
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const otelScope = "github.com/fyrsmithlabs/txcore"

// newCore tees the console stream and the OTEL bridge, then applies sampling.
func newCore(cfg *Config, otelProvider log.LoggerProvider) (zapcore.Core, error) {
	cores := make([]zapcore.Core, 0, 2)

	if w := streamWriter(cfg.Output.Stream); w != nil {
		cores = append(cores, zapcore.NewCore(newEncoder(cfg.Format), zapcore.AddSync(w), cfg.Level))
	}

	if cfg.Output.OTEL && otelProvider != nil {
		cores = append(cores, otelzap.NewCore(otelScope,
			otelzap.WithLoggerProvider(otelProvider),
		))
	}

	if len(cores) == 0 {
		return nil, fmt.Errorf("no log output available (stream %q, otel %t)", cfg.Output.Stream, cfg.Output.OTEL)
	}

	return newSampledCore(zapcore.NewTee(cores...), cfg.Sampling), nil
}

func streamWriter(stream string) io.Writer {
	switch stream {
	case StreamStdout:
		return os.Stdout
	case StreamStderr:
		return os.Stderr
	default:
		return nil
	}
}

func newEncoder(format string) zapcore.Encoder {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.EncodeLevel = encodeLevel

	if format == "console" {
		return zapcore.NewConsoleEncoder(encoderCfg)
	}
	return zapcore.NewJSONEncoder(encoderCfg)
}
