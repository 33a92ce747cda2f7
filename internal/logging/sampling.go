package logging

import (
	"go.uber.org/zap/zapcore"
)

// newSampledCore rate-limits repeated entries below error. Errors bypass the
// sampler entirely so a failing phase is never hidden by noise.
func newSampledCore(core zapcore.Core, cfg SamplingConfig) zapcore.Core {
	if !cfg.Enabled {
		return core
	}
	return &errorBypassCore{
		Core:    core,
		sampled: zapcore.NewSamplerWithOptions(core, cfg.Tick.Duration(), cfg.Initial, cfg.Thereafter),
	}
}

// errorBypassCore routes error-and-above to the raw core and everything else
// through the sampler. Both share the same underlying writer.
type errorBypassCore struct {
	zapcore.Core
	sampled zapcore.Core
}

func (c *errorBypassCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if e.Level >= zapcore.ErrorLevel {
		return c.Core.Check(e, ce)
	}
	return c.sampled.Check(e, ce)
}

func (c *errorBypassCore) With(fields []zapcore.Field) zapcore.Core {
	return &errorBypassCore{Core: c.Core.With(fields), sampled: c.sampled.With(fields)}
}
