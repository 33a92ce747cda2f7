package logging

import (
	"reflect"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestLogger records every entry, down to TraceLevel, for assertions.
type TestLogger struct {
	*Logger
	logs *observer.ObservedLogs
}

func NewTestLogger() *TestLogger {
	core, logs := observer.New(TraceLevel)
	return &TestLogger{Logger: New(zap.New(core)), logs: logs}
}

// Entries returns everything logged so far.
func (t *TestLogger) Entries() []observer.LoggedEntry {
	return t.logs.All()
}

// Count returns how many entries contain snippet in their message.
func (t *TestLogger) Count(snippet string) int {
	return t.logs.FilterMessageSnippet(snippet).Len()
}

func (t *TestLogger) AssertLogged(tb testing.TB, level zapcore.Level, snippet string) {
	tb.Helper()
	for _, e := range t.logs.FilterLevelExact(level).All() {
		if strings.Contains(e.Message, snippet) {
			return
		}
	}
	tb.Errorf("no %s entry containing %q; got %d entries", level, snippet, t.logs.Len())
}

// AssertField checks that some entry containing snippet carries key=want.
// Integer fields are compared as int64, as zap stores them.
func (t *TestLogger) AssertField(tb testing.TB, snippet, key string, want any) {
	tb.Helper()
	for _, e := range t.logs.FilterMessageSnippet(snippet).All() {
		if got, ok := e.ContextMap()[key]; ok && reflect.DeepEqual(got, want) {
			return
		}
	}
	tb.Errorf("no entry containing %q with %s=%v", snippet, key, want)
}

// AssertNoErrors fails if anything was logged at error level or above.
func (t *TestLogger) AssertNoErrors(tb testing.TB) {
	tb.Helper()
	for _, e := range t.logs.All() {
		if e.Level >= zapcore.ErrorLevel {
			tb.Errorf("unexpected %s entry: %s", e.Level, e.Message)
		}
	}
}
