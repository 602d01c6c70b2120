package workerpool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

func TestSubmitTaskRunsOnAWorker(t *testing.T) {
	pool := NewWorkerPool(WorkerPoolConfig{MaxWorkers: 2}, testLogger())
	require.NoError(t, pool.Start())
	defer pool.Stop()

	var ran int64
	done := make(chan struct{})
	err := pool.SubmitTask(Task{
		ID: "t1",
		Execute: func(ctx context.Context) error {
			atomic.StoreInt64(&ran, 1)
			close(done)
			return nil
		},
	})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task did not run")
	}
	assert.EqualValues(t, 1, atomic.LoadInt64(&ran))
}

func TestSubmitTaskFailsWhenNotRunning(t *testing.T) {
	pool := NewWorkerPool(WorkerPoolConfig{MaxWorkers: 1}, testLogger())
	err := pool.SubmitTask(Task{ID: "t1", Execute: func(ctx context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrPoolNotRunning)
}

func TestSubmitTaskReportsQueueFullUnderBurst(t *testing.T) {
	pool := NewWorkerPool(WorkerPoolConfig{MaxWorkers: 1, QueueSize: 1}, testLogger())
	require.NoError(t, pool.Start())
	defer pool.Stop()

	block := make(chan struct{})
	// Occupy the single worker so everything after it backs up in the queue.
	require.NoError(t, pool.SubmitTask(Task{
		ID: "blocker",
		Execute: func(ctx context.Context) error {
			<-block
			return nil
		},
	}))
	defer close(block)

	// A burst well past the pool's one-worker/one-slot capacity must
	// eventually hit ErrQueueFull rather than accept unbounded work.
	var sawQueueFull bool
	for i := 0; i < 20; i++ {
		err := pool.SubmitTask(Task{ID: "filler", Execute: func(ctx context.Context) error { return nil }})
		if err == ErrQueueFull {
			sawQueueFull = true
			break
		}
	}
	assert.True(t, sawQueueFull, "expected a burst past capacity to report ErrQueueFull")
}

func TestSubmitTaskWithTimeoutTimesOutWhenPoolStaysSaturated(t *testing.T) {
	pool := NewWorkerPool(WorkerPoolConfig{MaxWorkers: 1, QueueSize: 1}, testLogger())
	require.NoError(t, pool.Start())
	defer pool.Stop()

	block := make(chan struct{})
	defer close(block)
	// With one worker and a queue of one, four tasks fill the pool: one
	// executing, one in the worker's channel buffer, one held by the
	// dispatcher's blocking send, and one in the queue.
	for i := 0; i < 4; i++ {
		require.NoError(t, pool.SubmitTaskWithTimeout(Task{
			ID: "blocker",
			Execute: func(ctx context.Context) error {
				<-block
				return nil
			},
		}, time.Second))
	}

	err := pool.SubmitTaskWithTimeout(Task{ID: "overflow", Execute: func(ctx context.Context) error { return nil }}, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestGetStatsReflectsCompletedTasks(t *testing.T) {
	pool := NewWorkerPool(WorkerPoolConfig{MaxWorkers: 2}, testLogger())
	require.NoError(t, pool.Start())
	defer pool.Stop()

	done := make(chan struct{})
	require.NoError(t, pool.SubmitTask(Task{
		ID:      "t1",
		Execute: func(ctx context.Context) error { close(done); return nil },
	}))
	<-done
	require.Eventually(t, func() bool {
		return pool.GetStats().CompletedTasks == 1
	}, time.Second, 5*time.Millisecond)

	stats := pool.GetStats()
	assert.Equal(t, 2, stats.MaxWorkers)
	assert.True(t, stats.IsRunning)
}

// TestStartStopLeavesNoGoroutines exercises a full start/submit/stop cycle
// and verifies neither the dispatcher goroutine nor any worker goroutine
// survives Stop (SPEC_FULL.md §1.1's goleak convention for concurrency-
// sensitive packages).
func TestStartStopLeavesNoGoroutines(t *testing.T) {
	defer goleak.VerifyNone(t)

	pool := NewWorkerPool(WorkerPoolConfig{MaxWorkers: 3}, testLogger())
	require.NoError(t, pool.Start())

	done := make(chan struct{})
	require.NoError(t, pool.SubmitTask(Task{
		ID:      "t1",
		Execute: func(ctx context.Context) error { close(done); return nil },
	}))
	<-done

	require.NoError(t, pool.Stop())
}
