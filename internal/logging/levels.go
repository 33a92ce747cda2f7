package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap/zapcore"
)

// TraceLevel sits below Debug. The dispatcher logs per-claim and per-retry
// detail at this level.
const TraceLevel = zapcore.Level(-2)

// levelNames are the accepted spellings for the logging.level setting.
var levelNames = map[string]zapcore.Level{
	"trace":   TraceLevel,
	"debug":   zapcore.DebugLevel,
	"info":    zapcore.InfoLevel,
	"warn":    zapcore.WarnLevel,
	"warning": zapcore.WarnLevel,
	"error":   zapcore.ErrorLevel,
}

// ParseLevel maps a case-insensitive level name to a zap level.
// An empty name means info.
func ParseLevel(name string) (zapcore.Level, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return zapcore.InfoLevel, nil
	}
	if lvl, ok := levelNames[name]; ok {
		return lvl, nil
	}
	return zapcore.InfoLevel, fmt.Errorf("unknown level %q (want trace, debug, info, warn or error)", name)
}
