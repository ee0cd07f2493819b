package jobsystem

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	m := NewManager(Config{Concurrency: 2})
	m.StartExecution()
	t.Cleanup(m.StopExecution)
	return m
}

func TestManager_PhaseOrdering(t *testing.T) {
	m := newTestManager(t)

	var order []string
	var mu sync.Mutex
	record := func(name string) Workload {
		return func(*Context) (Continuation, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return Dispose, nil
		}
	}

	m.KickJob(NewJob("cleanup-1", PhaseCleanUp, false, record("cleanup")))
	m.KickJob(NewJob("main-1", PhaseMain, false, record("main")))
	m.KickJob(NewJob("init-1", PhaseInit, false, record("init")))

	m.InvokeCycleAndWait()

	require.Equal(t, []string{"init", "main", "cleanup"}, order)
}

func TestManager_SyncJobBlocksCycleUntilFinished(t *testing.T) {
	m := newTestManager(t)

	var finished atomic.Bool
	m.KickJob(NewJob("slow", PhaseMain, false, func(*Context) (Continuation, error) {
		time.Sleep(20 * time.Millisecond)
		finished.Store(true)
		return Dispose, nil
	}))

	m.InvokeCycleAndWait()
	assert.True(t, finished.Load())
}

func TestManager_RequeueRunsAgainNextCycle(t *testing.T) {
	m := newTestManager(t)

	var runs atomic.Int32
	job := NewJob("periodic", PhaseMain, false, func(*Context) (Continuation, error) {
		runs.Add(1)
		return Requeue, nil
	})
	m.KickJob(job)

	m.InvokeCycleAndWait()
	m.InvokeCycleAndWait()
	m.InvokeCycleAndWait()

	assert.Equal(t, int32(3), runs.Load())
}

func TestManager_DetachJobStopsRequeueing(t *testing.T) {
	m := newTestManager(t)

	var runs atomic.Int32
	job := NewJob("detachable", PhaseMain, false, func(*Context) (Continuation, error) {
		runs.Add(1)
		return Requeue, nil
	})
	m.KickJob(job)

	m.InvokeCycleAndWait()
	require.Equal(t, int32(1), runs.Load())

	m.DetachJob(job.ID())
	m.InvokeCycleAndWait()
	m.InvokeCycleAndWait()

	assert.Equal(t, int32(1), runs.Load(), "a detached job must not run again")
}

func TestManager_DetachJobRemovesQueuedJobBeforeItRuns(t *testing.T) {
	m := NewManager(Config{Concurrency: 2})
	// deliberately do not StartExecution: the job sits in its queue until
	// DetachJob removes it, proving removal does not depend on dispatch.
	job := NewJob("never-run", PhaseMain, false, func(*Context) (Continuation, error) {
		t.Fatal("detached job must never execute")
		return Dispose, nil
	})
	m.KickJob(job)
	m.DetachJob(job.ID())

	m.StartExecution()
	defer m.StopExecution()
	m.InvokeCycleAndWait()
}

func TestManager_AsyncJobDoesNotBlockCycle(t *testing.T) {
	m := newTestManager(t)

	release := make(chan struct{})
	m.KickJob(NewJob("async-slow", PhaseMain, true, func(*Context) (Continuation, error) {
		<-release
		return Dispose, nil
	}))

	done := make(chan struct{})
	go func() {
		m.InvokeCycleAndWait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cycle should not wait on an async job")
	}
	close(release)
}

func TestAwaitFuture_BlocksUntilResolved(t *testing.T) {
	m := newTestManager(t)

	future := NewFuture[int]()
	m.KickJob(NewJob("resolve-future", PhaseMain, true, func(*Context) (Continuation, error) {
		time.Sleep(10 * time.Millisecond)
		future.Resolve(42)
		return Dispose, nil
	}))
	m.InvokeCycleAndWait()

	assert.Equal(t, 42, AwaitFuture(m, future))
}

func TestTimerJob_RespectsInterval(t *testing.T) {
	m := newTestManager(t)

	var runs atomic.Int32
	timer := NewTimerJob("ticker", PhaseMain, 30*time.Millisecond, func(*Context) (Continuation, error) {
		runs.Add(1)
		return Requeue, nil
	})
	m.KickJob(timer.Job)

	m.InvokeCycleAndWait()
	require.Equal(t, int32(0), runs.Load(), "first offer only arms the timer, it does not run yet")

	m.InvokeCycleAndWait()
	assert.Equal(t, int32(0), runs.Load(), "second cycle is too soon to run since arming")

	time.Sleep(40 * time.Millisecond)
	m.InvokeCycleAndWait()
	assert.Equal(t, int32(1), runs.Load(), "third cycle runs once the interval has elapsed since arming")
}

func TestCounter_IsFinishedTracksIncreaseDecrease(t *testing.T) {
	c := NewCounter()
	assert.True(t, c.IsFinished())

	c.Increase()
	assert.False(t, c.IsFinished())

	c.Increase()
	c.Decrease()
	assert.False(t, c.IsFinished())

	c.Decrease()
	assert.True(t, c.IsFinished())
}

func TestCounter_DecreaseBelowZeroPanics(t *testing.T) {
	c := NewCounter()
	assert.Panics(t, func() { c.Decrease() })
}
