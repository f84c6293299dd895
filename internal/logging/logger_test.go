package logging

import (
	"context"
	"errors"
	"syscall"
	"testing"

	"github.com/fyrsmithlabs/txcore/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/log/noop"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLogger(t *testing.T) {
	cfg := NewDefaultConfig()

	logger, err := NewLogger(cfg, nil)
	require.NoError(t, err)
	require.NotNil(t, logger)
	assert.Equal(t, cfg, logger.config)
	assert.Equal(t, "info", logger.Level())
}

func TestNewLogger_InvalidConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Format = "xml"

	_, err := NewLogger(cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestLogger_ContextAwareMethods(t *testing.T) {
	core, observed := observer.New(TraceLevel)
	logger := &Logger{zap: zap.New(core), config: NewDefaultConfig()}
	ctx := WithGtrid(context.Background(), "gtrid-1")

	tests := []struct {
		name    string
		logFunc func()
		level   zapcore.Level
	}{
		{"trace", func() { logger.Trace(ctx, "msg") }, TraceLevel},
		{"debug", func() { logger.Debug(ctx, "msg") }, zapcore.DebugLevel},
		{"info", func() { logger.Info(ctx, "msg") }, zapcore.InfoLevel},
		{"warn", func() { logger.Warn(ctx, "msg") }, zapcore.WarnLevel},
		{"error", func() { logger.Error(ctx, "msg") }, zapcore.ErrorLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			observed.TakeAll()
			tt.logFunc()

			entries := observed.All()
			require.Len(t, entries, 1)
			assert.Equal(t, tt.level, entries[0].Level)
			assert.Equal(t, "gtrid-1", entries[0].ContextMap()["tx.gtrid"])
		})
	}
}

func TestLogger_WithAndNamed(t *testing.T) {
	tl := NewTestLogger()
	child := tl.Named("journal").With(zap.String("kind", "disk"))

	child.Info(context.Background(), "opened")

	entries := tl.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "journal", entries[0].LoggerName)
	tl.AssertField(t, "opened", "kind", "disk")
}

func TestNop(t *testing.T) {
	assert.NotPanics(t, func() {
		OrNop(nil).Warn(context.Background(), "dropped")
		NewNop().Error(context.Background(), "dropped")
	})
}

func TestLevelFromString(t *testing.T) {
	tests := []struct {
		in      string
		want    zapcore.Level
		wantErr bool
	}{
		{in: "trace", want: TraceLevel},
		{in: "TRACE", want: TraceLevel},
		{in: "debug", want: zapcore.DebugLevel},
		{in: " Info ", want: zapcore.InfoLevel},
		{in: "warn", want: zapcore.WarnLevel},
		{in: "warning", want: zapcore.WarnLevel},
		{in: "error", want: zapcore.ErrorLevel},
		{in: "", wantErr: true},
		{in: "loud", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			lvl, err := LevelFromString(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, lvl)
		})
	}
}

func TestIsStdoutSyncError(t *testing.T) {
	assert.True(t, isStdoutSyncError(syscall.EINVAL))
	assert.True(t, isStdoutSyncError(syscall.ENOTTY))
	assert.False(t, isStdoutSyncError(errors.New("disk full")))
}

func TestNewCore(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Output.OTEL = true // provider is nil, so only stderr is wired

	core, err := newCore(cfg, nil)
	require.NoError(t, err)
	assert.NotNil(t, core)

	cfg.Output.Stream = StreamNone
	_, err = newCore(cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no log output")
}

func TestNewLogger_OTELOnly(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Output.Stream = StreamNone
	cfg.Output.OTEL = true

	logger, err := NewLogger(cfg, noop.NewLoggerProvider())
	require.NoError(t, err)
	assert.NotPanics(t, func() {
		logger.Info(WithGtrid(context.Background(), "g"), "bridged")
	})
}

func TestFromConfig(t *testing.T) {
	cfg, err := FromConfig(config.LogConfig{Level: "debug", Format: "console", Output: "stdout"})
	require.NoError(t, err)
	assert.Equal(t, zapcore.DebugLevel, cfg.Level)
	assert.Equal(t, "console", cfg.Format)
	assert.Equal(t, StreamStdout, cfg.Output.Stream)

	cfg, err = FromConfig(config.LogConfig{Level: "warn"})
	require.NoError(t, err)
	assert.Equal(t, "json", cfg.Format)
	assert.Equal(t, StreamStderr, cfg.Output.Stream)

	_, err = FromConfig(config.LogConfig{Level: "loud"})
	assert.Error(t, err)

	_, err = FromConfig(config.LogConfig{Level: "info", Output: "syslog"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown output stream")
}

func TestConfig_ValidateStreamNone(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Output.Stream = StreamNone
	assert.Error(t, cfg.Validate())

	cfg.Output.OTEL = true
	assert.NoError(t, cfg.Validate())
}

func TestTestLogger_AssertGtrid(t *testing.T) {
	tl := NewTestLogger()
	ctx := WithGtrid(context.Background(), "gtrid-7")

	tl.Info(ctx, "transaction committed")
	tl.Info(context.Background(), "recovery pass")

	tl.AssertGtrid(t, "committed", "gtrid-7")
	assert.Equal(t, []string{"transaction committed", "recovery pass"}, tl.Messages())
	assert.Equal(t, 2, tl.CountLevel(zapcore.InfoLevel))
}
