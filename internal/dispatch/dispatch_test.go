package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/phasegate/internal/plan"
	"github.com/fyrsmithlabs/phasegate/internal/worker"
)

const capWrite = "code-writing"

func item(id string) plan.WorkItem {
	return plan.WorkItem{ID: id, TaskType: "sourceImplementation", Capability: capWrite}
}

func ok(ctx context.Context, req worker.Request) (worker.Result, error) {
	return worker.Result{ItemID: req.Item.ID, Status: worker.StatusSuccess}, nil
}

func newDispatcher(t *testing.T, limit int, workers ...worker.Worker) *Dispatcher {
	t.Helper()
	pool, err := worker.NewPool(workers...)
	require.NoError(t, err)
	return New(pool, limit, WithLogger(zaptest.NewLogger(t)))
}

func wait(t *testing.T, b *Batch) Completion {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := b.Wait(ctx)
	require.NoError(t, err)
	return c
}

func TestTryDispatch_Success(t *testing.T) {
	d := newDispatcher(t, 2, worker.NewFunc("w1", []string{capWrite}, 1, ok))
	b := d.NewBatch(context.Background(), "run-1", "P1")
	defer b.Close()

	started, err := b.TryDispatch(item("a"))
	require.NoError(t, err)
	require.True(t, started)

	c := wait(t, b)
	assert.Equal(t, "a", c.ItemID)
	assert.Equal(t, "w1", c.WorkerID)
	assert.Equal(t, 1, c.Attempts)
	assert.NoError(t, c.Err)
	assert.True(t, c.Result.Succeeded())
	assert.Empty(t, b.InFlight())
}

func TestTryDispatch_NoWorker(t *testing.T) {
	d := newDispatcher(t, 2, worker.NewFunc("w1", []string{"test-writing"}, 1, ok))
	b := d.NewBatch(context.Background(), "run-1", "P1")
	defer b.Close()

	started, err := b.TryDispatch(item("a"))
	assert.False(t, started)
	assert.ErrorIs(t, err, ErrNoWorker)
}

func TestTryDispatch_Duplicate(t *testing.T) {
	release := make(chan struct{})
	blocking := worker.NewFunc("w1", []string{capWrite}, 2, func(ctx context.Context, req worker.Request) (worker.Result, error) {
		<-release
		return ok(ctx, req)
	})
	d := newDispatcher(t, 4, blocking)
	b := d.NewBatch(context.Background(), "run-1", "P1")
	defer b.Close()

	started, err := b.TryDispatch(item("a"))
	require.NoError(t, err)
	require.True(t, started)

	_, err = b.TryDispatch(item("a"))
	assert.Error(t, err)

	close(release)
	wait(t, b)
}

func TestTryDispatch_BoundedConcurrency(t *testing.T) {
	var running, peak atomic.Int32
	release := make(chan struct{})
	fn := func(ctx context.Context, req worker.Request) (worker.Result, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		running.Add(-1)
		return ok(ctx, req)
	}

	d := newDispatcher(t, 3,
		worker.NewFunc("w1", []string{capWrite}, 2, fn),
		worker.NewFunc("w2", []string{capWrite}, 5, fn),
	)
	b := d.NewBatch(context.Background(), "run-1", "P1")
	defer b.Close()

	var accepted int
	for i := range 6 {
		started, err := b.TryDispatch(item(fmt.Sprintf("item-%d", i)))
		require.NoError(t, err)
		if started {
			accepted++
		}
	}
	assert.Equal(t, 3, accepted)
	assert.Equal(t, 3, d.InFlight())
	assert.Len(t, b.InFlight(), 3)

	close(release)
	for range accepted {
		wait(t, b)
	}
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Equal(t, 0, d.InFlight())
}

func TestTryDispatch_PerWorkerSlots(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	seen := make(map[string]int)
	fn := func(id string) func(context.Context, worker.Request) (worker.Result, error) {
		return func(ctx context.Context, req worker.Request) (worker.Result, error) {
			mu.Lock()
			seen[id]++
			mu.Unlock()
			<-release
			return ok(ctx, req)
		}
	}

	d := newDispatcher(t, 10,
		worker.NewFunc("w1", []string{capWrite}, 1, fn("w1")),
		worker.NewFunc("w2", []string{capWrite}, 1, fn("w2")),
	)
	b := d.NewBatch(context.Background(), "run-1", "P1")
	defer b.Close()

	for _, id := range []string{"a", "b"} {
		started, err := b.TryDispatch(item(id))
		require.NoError(t, err)
		require.True(t, started)
	}
	started, err := b.TryDispatch(item("c"))
	require.NoError(t, err)
	assert.False(t, started, "both workers are at capacity")

	close(release)
	first := wait(t, b)
	second := wait(t, b)
	assert.ElementsMatch(t, []string{"w1", "w2"}, []string{first.WorkerID, second.WorkerID})
}

func TestExecute_RetriesTransientOnce(t *testing.T) {
	var calls atomic.Int32
	flaky := worker.NewFunc("w1", []string{capWrite}, 1, func(ctx context.Context, req worker.Request) (worker.Result, error) {
		if calls.Add(1) == 1 {
			return worker.Result{}, worker.Transient(errors.New("connection reset"))
		}
		return ok(ctx, req)
	})
	d := newDispatcher(t, 1, flaky)
	b := d.NewBatch(context.Background(), "run-1", "P1")
	defer b.Close()

	_, err := b.TryDispatch(item("a"))
	require.NoError(t, err)

	c := wait(t, b)
	assert.NoError(t, c.Err)
	assert.Equal(t, 2, c.Attempts)
	assert.Equal(t, int32(2), calls.Load())
}

func TestExecute_TransientTwiceFails(t *testing.T) {
	var calls atomic.Int32
	w := worker.NewFunc("w1", []string{capWrite}, 1, func(ctx context.Context, req worker.Request) (worker.Result, error) {
		calls.Add(1)
		return worker.Result{ItemID: req.Item.ID, Status: worker.StatusFailure, Transient: true, Diagnostic: "busy"}, nil
	})
	d := newDispatcher(t, 1, w)
	b := d.NewBatch(context.Background(), "run-1", "P1")
	defer b.Close()

	_, err := b.TryDispatch(item("a"))
	require.NoError(t, err)

	c := wait(t, b)
	assert.True(t, c.Failed())
	assert.Equal(t, 2, c.Attempts)
	assert.Equal(t, int32(2), calls.Load())

	var wf *worker.WorkerFailure
	require.ErrorAs(t, c.Err, &wf)
	assert.True(t, wf.Transient)
	assert.Equal(t, "busy", wf.Diagnostic)
}

func TestExecute_PermanentFailureNotRetried(t *testing.T) {
	var calls atomic.Int32
	w := worker.NewFunc("w1", []string{capWrite}, 1, func(ctx context.Context, req worker.Request) (worker.Result, error) {
		calls.Add(1)
		return worker.Result{ItemID: req.Item.ID, Status: worker.StatusFailure, Diagnostic: "compile error"}, nil
	})
	d := newDispatcher(t, 1, w)
	b := d.NewBatch(context.Background(), "run-1", "P1")
	defer b.Close()

	_, err := b.TryDispatch(item("a"))
	require.NoError(t, err)

	c := wait(t, b)
	assert.True(t, c.Failed())
	assert.False(t, c.Cancelled())
	assert.Equal(t, 1, c.Attempts)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, "compile error", c.Result.Diagnostic)
}

func TestExecute_AttributesToDispatchedItem(t *testing.T) {
	w := worker.NewFunc("w1", []string{capWrite}, 1, func(ctx context.Context, req worker.Request) (worker.Result, error) {
		return worker.Result{ItemID: "someone-else", Status: worker.StatusSuccess}, nil
	})
	d := newDispatcher(t, 1, w)
	b := d.NewBatch(context.Background(), "run-1", "P1")
	defer b.Close()

	_, err := b.TryDispatch(item("a"))
	require.NoError(t, err)

	c := wait(t, b)
	assert.Equal(t, "a", c.ItemID)
	assert.Equal(t, "a", c.Result.ItemID)
	assert.Equal(t, "w1", c.Result.WorkerID)
}

func TestBatch_RandomCompletionOrderAttribution(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	delays := make(map[string]time.Duration)
	var ids []string
	for i := range 20 {
		id := fmt.Sprintf("item-%02d", i)
		ids = append(ids, id)
		delays[id] = time.Duration(rng.Intn(20)) * time.Millisecond
	}

	w := worker.NewFunc("w1", []string{capWrite}, 20, func(ctx context.Context, req worker.Request) (worker.Result, error) {
		time.Sleep(delays[req.Item.ID])
		return worker.Result{
			ItemID:     req.Item.ID,
			Status:     worker.StatusSuccess,
			Reflection: worker.Reflection{Notes: "done " + req.Item.ID},
		}, nil
	})
	d := newDispatcher(t, 20, w)
	b := d.NewBatch(context.Background(), "run-1", "P1")
	defer b.Close()

	for _, id := range ids {
		started, err := b.TryDispatch(item(id))
		require.NoError(t, err)
		require.True(t, started)
	}

	got := make(map[string]bool)
	for range ids {
		c := wait(t, b)
		assert.Equal(t, "done "+c.ItemID, c.Result.Reflection.Notes)
		assert.False(t, got[c.ItemID], "item %s completed twice", c.ItemID)
		got[c.ItemID] = true
	}
	assert.Len(t, got, len(ids))
}

func TestBatch_Poll(t *testing.T) {
	d := newDispatcher(t, 1, worker.NewFunc("w1", []string{capWrite}, 1, ok))
	b := d.NewBatch(context.Background(), "run-1", "P1")
	defer b.Close()

	_, found := b.Poll()
	assert.False(t, found)

	_, err := b.TryDispatch(item("a"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		c, found := b.Poll()
		return found && c.ItemID == "a"
	}, 5*time.Second, 5*time.Millisecond)
}

func TestBatch_DrainCollectsFinished(t *testing.T) {
	d := newDispatcher(t, 4, worker.NewFunc("w1", []string{capWrite}, 4, ok))
	b := d.NewBatch(context.Background(), "run-1", "P1")

	for _, id := range []string{"a", "b"} {
		_, err := b.TryDispatch(item(id))
		require.NoError(t, err)
	}

	done, unfinished := b.Drain(5 * time.Second)
	assert.Len(t, done, 2)
	assert.Empty(t, unfinished)

	_, err := b.TryDispatch(item("c"))
	assert.ErrorIs(t, err, ErrBatchClosed)
	b.Close()
}

func TestBatch_DrainTimeoutAbandons(t *testing.T) {
	fast := worker.NewFunc("fast", []string{"test-writing"}, 1, ok)
	stuck := worker.NewFunc("stuck", []string{capWrite}, 2, func(ctx context.Context, req worker.Request) (worker.Result, error) {
		<-ctx.Done()
		return worker.Result{}, ctx.Err()
	})
	d := newDispatcher(t, 4, stuck, fast)
	b := d.NewBatch(context.Background(), "run-1", "P1")

	for _, id := range []string{"slow-1", "slow-2"} {
		_, err := b.TryDispatch(item(id))
		require.NoError(t, err)
	}
	quick := plan.WorkItem{ID: "quick", TaskType: "testCreation", Capability: "test-writing"}
	_, err := b.TryDispatch(quick)
	require.NoError(t, err)

	done, unfinished := b.Drain(100 * time.Millisecond)
	require.Len(t, done, 1)
	assert.Equal(t, "quick", done[0].ItemID)
	require.Len(t, unfinished, 2)
	assert.Equal(t, "slow-1", unfinished[0].ID)
	assert.Equal(t, "slow-2", unfinished[1].ID)
	assert.Empty(t, b.InFlight())

	require.Eventually(t, func() bool { return d.InFlight() == 0 }, 5*time.Second, 5*time.Millisecond)
}

func TestBatch_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	w := worker.NewFunc("w1", []string{capWrite}, 1, func(ctx context.Context, req worker.Request) (worker.Result, error) {
		<-ctx.Done()
		return worker.Result{}, ctx.Err()
	})
	d := newDispatcher(t, 1, w)
	b := d.NewBatch(ctx, "run-1", "P1")
	defer b.Close()

	_, err := b.TryDispatch(item("a"))
	require.NoError(t, err)
	cancel()

	c := wait(t, b)
	assert.True(t, c.Cancelled())
	assert.False(t, c.Failed())
	assert.ErrorIs(t, c.Err, context.Canceled)
}

func TestBatch_WaitOrInterrupt(t *testing.T) {
	release := make(chan struct{})
	w := worker.NewFunc("w1", []string{capWrite}, 1, func(ctx context.Context, req worker.Request) (worker.Result, error) {
		<-release
		return ok(ctx, req)
	})
	d := newDispatcher(t, 1, w)
	b := d.NewBatch(context.Background(), "run-1", "P1")
	defer b.Close()

	_, err := b.TryDispatch(item("a"))
	require.NoError(t, err)

	interrupt := make(chan struct{}, 1)
	interrupt <- struct{}{}
	_, got, err := b.WaitOr(context.Background(), interrupt)
	require.NoError(t, err)
	assert.False(t, got, "interrupt wins while the item is still running")
	assert.Equal(t, []string{"a"}, b.InFlight())

	close(release)
	c, got, err := b.WaitOr(context.Background(), interrupt)
	require.NoError(t, err)
	assert.True(t, got)
	assert.Equal(t, "a", c.ItemID)
}

func TestWithRateLimit(t *testing.T) {
	d := newDispatcher(t, 1, worker.NewFunc("w1", []string{capWrite}, 1, ok))
	assert.Nil(t, d.limiter)
	assert.Equal(t, 1, d.MaxConcurrent())

	WithRateLimit(5, 0)(d)
	require.NotNil(t, d.limiter)
	assert.Equal(t, 1, d.limiter.Burst())

	WithRateLimit(0, 0)(d)
	assert.Nil(t, d.limiter)
}

func TestNew_DefaultConcurrency(t *testing.T) {
	d := newDispatcher(t, 0)
	assert.Equal(t, DefaultMaxConcurrent, d.MaxConcurrent())
}

func TestNewMetrics(t *testing.T) {
	m, err := NewMetrics(nil)
	require.NoError(t, err)
	assert.True(t, m.initialized)

	var nilMetrics *Metrics
	nilMetrics.started(context.Background(), capWrite)
	nilMetrics.finished(context.Background(), capWrite, "success", time.Second)
	nilMetrics.retried(context.Background(), capWrite)
}
