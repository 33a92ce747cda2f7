package logging

import (
	"errors"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap/zapcore"
)

// errNoOutput is returned when neither stderr nor the OTEL bridge can be used.
var errNoOutput = errors.New("no log output available: enable console, or otel with a logger provider")

// buildCore assembles the configured outputs. Console output goes to stderr;
// the OTEL bridge is only attached when a provider was handed in.
func buildCore(cfg *Config, provider log.LoggerProvider) (zapcore.Core, error) {
	var cores []zapcore.Core
	if cfg.Output.Console {
		sink := zapcore.Lock(os.Stderr)
		cores = append(cores, zapcore.NewCore(newEncoder(cfg.Format), sink, cfg.Level))
	}
	if cfg.Output.OTEL && provider != nil {
		bridge := otelzap.NewCore("github.com/fyrsmithlabs/phasegate",
			otelzap.WithLoggerProvider(provider))
		cores = append(cores, levelGate{Core: bridge, min: cfg.Level})
	}

	switch len(cores) {
	case 0:
		return nil, errNoOutput
	case 1:
		return newSampledCore(cores[0], cfg.Sampling), nil
	default:
		return newSampledCore(zapcore.NewTee(cores...), cfg.Sampling), nil
	}
}

// levelGate applies the configured minimum level to the OTEL bridge, which
// otherwise forwards everything.
type levelGate struct {
	zapcore.Core
	min zapcore.Level
}

func (g levelGate) Enabled(lvl zapcore.Level) bool {
	return lvl >= g.min && g.Core.Enabled(lvl)
}

func (g levelGate) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if e.Level < g.min {
		return ce
	}
	return g.Core.Check(e, ce)
}

func (g levelGate) With(fields []zapcore.Field) zapcore.Core {
	return levelGate{Core: g.Core.With(fields), min: g.min}
}
