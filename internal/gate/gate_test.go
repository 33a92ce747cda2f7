package gate

import (
	"context"
	"errors"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/phasegate/internal/logging"
	"github.com/fyrsmithlabs/phasegate/internal/plan"
	"github.com/fyrsmithlabs/phasegate/internal/worker"
)

func phase(criteria ...plan.Criterion) plan.Phase {
	return plan.Phase{
		ID: "P1",
		WorkItems: []plan.WorkItem{
			{ID: "a", TaskType: "sourceImplementation"},
			{ID: "b", TaskType: "testImplementation"},
		},
		SuccessCriteria: criteria,
	}
}

func named(names ...string) []plan.Criterion {
	out := make([]plan.Criterion, len(names))
	for i, n := range names {
		out[i] = plan.Criterion{Name: n}
	}
	return out
}

func completed(ids ...string) Evidence {
	ev := Evidence{Results: make(map[string]worker.Result)}
	for _, id := range ids {
		ev.Items = append(ev.Items, plan.WorkItem{ID: id, Status: plan.ItemCompleted})
		ev.Results[id] = worker.Result{ItemID: id, Status: worker.StatusSuccess}
	}
	return ev
}

func TestEvaluate_NoCriteriaPasses(t *testing.T) {
	v := NewValidator()
	report := v.Evaluate(context.Background(), phase(), completed("a", "b"))
	assert.True(t, report.Passed())
	assert.Empty(t, report.Met)
	assert.Empty(t, report.Unmet)
}

func TestEvaluate_BuiltIns(t *testing.T) {
	v := NewValidator()
	ph := phase(named(AllItemsCompleted, NoFailedItems)...)

	report := v.Evaluate(context.Background(), ph, completed("a", "b"))
	assert.Equal(t, []string{AllItemsCompleted, NoFailedItems}, report.Met)
	assert.True(t, report.Passed())

	ev := completed("a")
	ev.Items = append(ev.Items, plan.WorkItem{ID: "b", Status: plan.ItemFailed})
	ev.Results["b"] = worker.Result{ItemID: "b", Status: worker.StatusFailure}

	report = v.Evaluate(context.Background(), ph, ev)
	assert.Equal(t, []string{AllItemsCompleted, NoFailedItems}, report.Unmet)
}

func TestEvaluate_ReportedCriteria(t *testing.T) {
	v := NewValidator()
	ph := phase(named("testsPass", "lintClean", "docsUpdated")...)

	ev := completed("a", "b")
	ev.Results["a"] = worker.Result{ItemID: "a", Status: worker.StatusSuccess,
		Criteria: map[string]bool{"testsPass": true, "lintClean": true}}
	ev.Results["b"] = worker.Result{ItemID: "b", Status: worker.StatusSuccess,
		Criteria: map[string]bool{"testsPass": true, "lintClean": false}}

	report := v.Evaluate(context.Background(), ph, ev)
	assert.Equal(t, []string{"testsPass"}, report.Met)
	assert.Equal(t, []string{"lintClean", "docsUpdated"}, report.Unmet)
	assert.False(t, report.Passed())
}

func TestEvaluate_RegisteredCheck(t *testing.T) {
	v := NewValidator()
	v.Register(NewCheck("coverage", func(_ context.Context, ph plan.Phase, ev Evidence) (bool, error) {
		return len(ev.Results) == len(ph.WorkItems), nil
	}))
	v.Register(NewCheck("broken", func(context.Context, plan.Phase, Evidence) (bool, error) {
		return true, errors.New("backend unavailable")
	}))
	assert.Contains(t, v.Checks(), "coverage")

	log := logging.NewTestLogger()
	WithLogger(log.Underlying())(v)

	report := v.Evaluate(context.Background(), phase(named("coverage", "broken")...), completed("a", "b"))
	assert.Equal(t, []string{"coverage"}, report.Met)
	assert.Equal(t, []string{"broken"}, report.Unmet)
	log.AssertLogged(t, zapcore.WarnLevel, "criterion check failed")
}

func TestEvaluate_CommandCriteria(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	v := NewValidator()
	ph := phase(
		plan.Criterion{Name: "buildPasses", Command: []string{"sh", "-c", "exit 0"}},
		plan.Criterion{Name: "testsPass", Command: []string{"sh", "-c", "exit 1"}},
		plan.Criterion{Name: "envSet", Command: []string{"sh", "-c", `test "$PHASEGATE_CRITERION" = envSet`}},
	)

	report := v.Evaluate(context.Background(), ph, completed("a", "b"))
	assert.Equal(t, []string{"buildPasses", "envSet"}, report.Met)
	assert.Equal(t, []string{"testsPass"}, report.Unmet)
}

func TestCommandRunner(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	r := &CommandRunner{Timeout: 100 * time.Millisecond}

	met, err := r.Run(context.Background(), "P1", plan.Criterion{Name: "slow", Command: []string{"sh", "-c", "exec sleep 5"}})
	assert.False(t, met)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	met, err = r.Run(context.Background(), "P1", plan.Criterion{Name: "missing", Command: []string{"/nonexistent/phasegate-check"}})
	assert.False(t, met)
	assert.Error(t, err)

	_, err = r.Run(context.Background(), "P1", plan.Criterion{Name: "empty"})
	assert.Error(t, err)
}

func TestEvaluate_Span(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	v := NewValidator()
	v.tracer = tp.Tracer(InstrumentationName)

	v.Evaluate(context.Background(), phase(named("testsPass")...), completed("a", "b"))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "gate.evaluate", spans[0].Name())
}
