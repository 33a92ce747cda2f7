package worker

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/phasegate/internal/config"
	"github.com/fyrsmithlabs/phasegate/internal/plan"
)

func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	opts := &natsserver.Options{
		Host:           "127.0.0.1",
		Port:           -1,
		NoLog:          true,
		NoSigs:         true,
		MaxControlLine: 2048,
	}

	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()

	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})
	return server
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func req(id string) Request {
	return Request{PhaseID: "P1", Attempt: 1, Item: plan.WorkItem{ID: id, TaskType: "sourceImplementation"}}
}

func TestTransient(t *testing.T) {
	base := errors.New("connection reset")
	err := fmt.Errorf("dispatch: %w", Transient(base))

	assert.True(t, IsTransient(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsTransient(base))
	assert.NoError(t, Transient(nil))
}

func TestWorkerFailure_Error(t *testing.T) {
	err := &WorkerFailure{ItemID: "a", WorkerID: "w1", Transient: true, Attempts: 2, Diagnostic: "timeout"}
	assert.Equal(t, "work item a failed on worker w1 (transient, 2 attempts): timeout", err.Error())
}

func TestPool(t *testing.T) {
	noop := func(context.Context, Request) (Result, error) { return Result{}, nil }
	pool, err := NewPool(
		NewFunc("w1", []string{"code-writing"}, 2, noop),
		NewFunc("w2", []string{"code-writing", "test-writing"}, 0, noop),
	)
	require.NoError(t, err)

	assert.True(t, pool.HasCapability("test-writing"))
	assert.False(t, pool.HasCapability("docs-research"))
	assert.Len(t, pool.Match("code-writing"), 2)
	assert.Equal(t, []string{"code-writing", "test-writing"}, pool.Capabilities())
	assert.Equal(t, 1, pool.Workers()[1].Concurrency())

	err = pool.Add(NewFunc("w1", nil, 1, noop))
	assert.ErrorContains(t, err, "duplicate worker id")
}

func TestExec_Success(t *testing.T) {
	requireShell(t)
	w, err := NewExec("sh", []string{"code-writing"}, 1, []string{"sh", "-c",
		`cat >/dev/null; printf '{"status":"success","artifacts":["%s.patch"],"usage":{"directOperations":3},"criteria":{"testsPass":true}}' "$PHASEGATE_ITEM_ID"`})
	require.NoError(t, err)

	res, err := w.Execute(context.Background(), req("item-7"))
	require.NoError(t, err)
	assert.True(t, res.Succeeded())
	assert.Equal(t, "item-7", res.ItemID)
	assert.Equal(t, "sh", res.WorkerID)
	assert.Equal(t, []string{"item-7.patch"}, res.Artifacts)
	assert.Equal(t, int64(3), res.Usage.DirectOperations)
	assert.Equal(t, map[string]bool{"testsPass": true}, res.Criteria)
}

func TestExec_EmptyOutputIsSuccess(t *testing.T) {
	requireShell(t)
	w, err := NewExec("sh", nil, 1, []string{"sh", "-c", "cat >/dev/null"})
	require.NoError(t, err)

	res, err := w.Execute(context.Background(), req("a"))
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, "a", res.ItemID)
}

func TestExec_Failures(t *testing.T) {
	requireShell(t)

	t.Run("tempfail is transient", func(t *testing.T) {
		w, err := NewExec("sh", nil, 1, []string{"sh", "-c", "echo busy >&2; exit 75"})
		require.NoError(t, err)
		res, err := w.Execute(context.Background(), req("a"))
		require.NoError(t, err)
		assert.Equal(t, StatusFailure, res.Status)
		assert.True(t, res.Transient)
		assert.Equal(t, "busy", res.Diagnostic)
	})

	t.Run("other exit is permanent", func(t *testing.T) {
		w, err := NewExec("sh", nil, 1, []string{"sh", "-c", "echo compile error >&2; exit 2"})
		require.NoError(t, err)
		res, err := w.Execute(context.Background(), req("a"))
		require.NoError(t, err)
		assert.False(t, res.Transient)
		assert.Equal(t, "compile error", res.Diagnostic)
	})

	t.Run("bad json", func(t *testing.T) {
		w, err := NewExec("sh", nil, 1, []string{"sh", "-c", "echo not-json"})
		require.NoError(t, err)
		res, err := w.Execute(context.Background(), req("a"))
		require.NoError(t, err)
		assert.Equal(t, StatusFailure, res.Status)
		assert.Contains(t, res.Diagnostic, "invalid result JSON")
	})

	t.Run("timeout is transient", func(t *testing.T) {
		w, err := NewExec("sh", nil, 1, []string{"sh", "-c", "exec sleep 5"}, WithTimeout(50*time.Millisecond))
		require.NoError(t, err)
		_, err = w.Execute(context.Background(), req("a"))
		assert.True(t, IsTransient(err))
	})

	t.Run("missing binary", func(t *testing.T) {
		w, err := NewExec("x", nil, 1, []string{"/nonexistent/phasegate-worker"})
		require.NoError(t, err)
		_, err = w.Execute(context.Background(), req("a"))
		require.Error(t, err)
		assert.False(t, IsTransient(err))
	})

	_, err := NewExec("x", nil, 1, nil)
	assert.Error(t, err)
}

func TestNATS_RoundTrip(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	local := NewFunc("remote-1", []string{"docs-research"}, 1, func(_ context.Context, r Request) (Result, error) {
		if r.Item.ID == "boom" {
			return Result{}, Transient(errors.New("rate limited"))
		}
		return Result{
			ItemID:     r.Item.ID,
			Status:     StatusSuccess,
			Reflection: Reflection{Outcome: "success", Recommendations: []string{"cite sources"}},
		}, nil
	})
	_, err = Serve(ctx, nc, "phasegate.work.docs", "docs", local, nil)
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	w, err := NewNATS("nats-docs", []string{"docs-research"}, 4, nc, "phasegate.work.docs", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 4, w.Concurrency())

	res, err := w.Execute(ctx, req("lookup"))
	require.NoError(t, err)
	assert.Equal(t, "lookup", res.ItemID)
	assert.Equal(t, "remote-1", res.WorkerID)
	assert.Equal(t, []string{"cite sources"}, res.Reflection.Recommendations)

	res, err = w.Execute(ctx, req("boom"))
	require.NoError(t, err)
	assert.Equal(t, StatusFailure, res.Status)
	assert.True(t, res.Transient)
	assert.Equal(t, "rate limited", res.Diagnostic)
}

func TestNATS_NoRespondersIsTransient(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	w, err := NewNATS("nats", nil, 1, nc, "phasegate.work.nobody", 200*time.Millisecond)
	require.NoError(t, err)

	_, err = w.Execute(context.Background(), req("a"))
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestFromConfig(t *testing.T) {
	pool, err := FromConfig([]config.WorkerConfig{
		{ID: "exec-1", Kind: config.WorkerKindExec, Capabilities: []string{"code-writing"}, Command: []string{"true"}, Concurrency: 3},
	}, nil, nil)
	require.NoError(t, err)
	w, ok := pool.Get("exec-1")
	require.True(t, ok)
	assert.Equal(t, 3, w.Concurrency())

	_, err = FromConfig([]config.WorkerConfig{{ID: "n", Kind: config.WorkerKindNATS, Subject: "x"}}, nil, nil)
	assert.ErrorContains(t, err, "nats connection is required")

	_, err = FromConfig([]config.WorkerConfig{{ID: "q", Kind: "grpc", Command: []string{"true"}}}, nil, nil)
	assert.ErrorContains(t, err, "unknown kind")
}
