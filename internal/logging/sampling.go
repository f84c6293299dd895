package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// newSampledCore samples Info and below. Warnings and errors always pass:
// registrar failures and recovery problems are logged at Warn and must not
// be thinned out.
func newSampledCore(core zapcore.Core, cfg SamplingConfig) zapcore.Core {
	if !cfg.Enabled {
		return core
	}

	loud := &filteredCore{Core: core, enabler: zap.LevelEnablerFunc(func(l zapcore.Level) bool {
		return l >= zapcore.WarnLevel
	})}
	quiet := &filteredCore{Core: core, enabler: zap.LevelEnablerFunc(func(l zapcore.Level) bool {
		return l < zapcore.WarnLevel
	})}

	return zapcore.NewTee(loud, zapcore.NewSamplerWithOptions(
		quiet,
		cfg.Tick.Duration(),
		cfg.Initial,
		cfg.Thereafter,
	))
}

// filteredCore passes only entries its enabler accepts.
type filteredCore struct {
	zapcore.Core
	enabler zapcore.LevelEnabler
}

func (c *filteredCore) Enabled(lvl zapcore.Level) bool {
	return c.enabler.Enabled(lvl) && c.Core.Enabled(lvl)
}

func (c *filteredCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.enabler.Enabled(e.Level) {
		return ce
	}
	return c.Core.Check(e, ce)
}

func (c *filteredCore) With(fields []zapcore.Field) zapcore.Core {
	return &filteredCore{Core: c.Core.With(fields), enabler: c.enabler}
}
