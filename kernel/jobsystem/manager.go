package jobsystem

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hivecore/hive/internal/telemetry"
	"github.com/hivecore/hive/kernel/utils"
)

type phaseQueue struct {
	mu      FiberRecursiveMutex
	jobs    []*Job
	counter *Counter
}

// Config configures a Manager.
type Config struct {
	// Concurrency is the number of dispatcher goroutines draining the
	// execution queue. Each dispatched job still runs in its own goroutine,
	// so Concurrency bounds dispatch throughput, not the number of jobs
	// that may be in flight at once.
	Concurrency int
	Logger      *utils.Logger
}

// Manager drives execution cycles: Init phase, then Main phase, then
// Clean-up phase, in that order, waiting for every synchronous job of a
// phase to finish before advancing to the next.
type Manager struct {
	logger *utils.Logger

	initQ    phaseQueue
	mainQ    phaseQueue
	cleanupQ phaseQueue

	nextCycleMu    FiberMutex
	nextCycleQueue []*Job

	blacklistMu FiberMutex
	blacklist   map[string]bool

	running     atomic.Bool
	workCh      chan dispatch
	workerWG    sync.WaitGroup
	concurrency int

	totalCycles atomic.Uint64
	callerSeq   atomic.Uint64
}

type dispatch struct {
	job *Job
	ctx *Context
}

// NewManager creates a Manager ready to have jobs kicked into it. Call
// StartExecution before InvokeCycleAndWait.
func NewManager(cfg Config) *Manager {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = utils.DefaultLogger("jobsystem")
	}

	m := &Manager{
		logger:      cfg.Logger,
		concurrency: cfg.Concurrency,
		blacklist:   make(map[string]bool),
		workCh:      make(chan dispatch, 256),
	}
	m.initQ.counter = NewCounter()
	m.mainQ.counter = NewCounter()
	m.cleanupQ.counter = NewCounter()
	return m
}

func (m *Manager) queueFor(phase Phase) *phaseQueue {
	switch phase {
	case PhaseInit:
		return &m.initQ
	case PhaseCleanUp:
		return &m.cleanupQ
	default:
		return &m.mainQ
	}
}

// StartExecution spins up the dispatcher pool. Jobs kicked before this call
// simply accumulate in their phase queues.
func (m *Manager) StartExecution() {
	if !m.running.CompareAndSwap(false, true) {
		return
	}
	for i := 0; i < m.concurrency; i++ {
		m.workerWG.Add(1)
		go m.dispatchLoop()
	}
}

// StopExecution stops accepting new dispatches and waits for in-flight
// dispatcher goroutines to drain. Jobs already spawned as their own
// goroutines are not force-cancelled; they run to completion.
func (m *Manager) StopExecution() {
	if !m.running.CompareAndSwap(true, false) {
		return
	}
	close(m.workCh)
	m.workerWG.Wait()
	m.workCh = make(chan dispatch, 256)
}

func (m *Manager) dispatchLoop() {
	defer m.workerWG.Done()
	for d := range m.workCh {
		go m.execute(d.job, d.ctx)
	}
}

func (m *Manager) execute(job *Job, ctx *Context) {
	job.setState(StateAwaitingExecution)

	token := m.callerSeq.Add(1)
	jobCtx := &Context{
		cycle:     ctx.cycle,
		manager:   ctx.manager,
		callerCtx: WithCallerToken(context.Background(), token),
	}

	continuation, err := job.run(jobCtx)
	if err != nil {
		m.logger.Error("job failed", utils.String("job_id", job.id), utils.Err(err))
		return
	}

	if continuation == Requeue {
		m.blacklistMu.Lock()
		blacklisted := m.blacklist[job.id]
		m.blacklistMu.Unlock()
		if !blacklisted {
			m.KickJobForNextCycle(job)
		}
	}
}

// KickJob submits a detached job to be run in the current (or, if none is
// running, the next) cycle.
func (m *Manager) KickJob(job *Job) {
	q := m.queueFor(job.phase)
	q.mu.Lock(context.Background())
	job.setState(StateQueued)
	q.jobs = append(q.jobs, job)
	q.mu.Unlock()
}

// KickJobForNextCycle reserves a job for the cycle after the one currently
// running, rather than the current one.
func (m *Manager) KickJobForNextCycle(job *Job) {
	m.nextCycleMu.Lock()
	job.setState(StateReservedForNextCycle)
	m.nextCycleQueue = append(m.nextCycleQueue, job)
	m.nextCycleMu.Unlock()
}

// DetachJob prevents a not-yet-executing job from running: if it is still
// sitting in a queue it is removed outright; if it is currently executing,
// its Requeue continuation (if any) is suppressed instead.
func (m *Manager) DetachJob(jobID string) {
	m.blacklistMu.Lock()
	m.blacklist[jobID] = true
	m.blacklistMu.Unlock()

	for _, q := range []*phaseQueue{&m.initQ, &m.mainQ, &m.cleanupQ} {
		q.mu.Lock(context.Background())
		q.jobs = removeJobByID(q.jobs, jobID)
		q.mu.Unlock()
	}

	m.nextCycleMu.Lock()
	m.nextCycleQueue = removeJobByID(m.nextCycleQueue, jobID)
	m.nextCycleMu.Unlock()
}

func removeJobByID(jobs []*Job, id string) []*Job {
	out := jobs[:0]
	for _, j := range jobs {
		if j.id != id {
			out = append(out, j)
		} else {
			j.setState(StateDetached)
		}
	}
	return out
}

// InvokeCycleAndWait runs one full Init -> Main -> Clean-up cycle, blocking
// the calling goroutine (via cooperative yielding, not a park) until every
// synchronous job of each phase has finished before moving to the next.
func (m *Manager) InvokeCycleAndWait() {
	cycle := m.totalCycles.Add(1)
	ctx := &Context{cycle: cycle, manager: m}

	m.promoteNextCycleJobs()
	m.resetBlacklist()

	m.executeQueueAndWait(&m.initQ, PhaseInit, ctx)
	m.executeQueueAndWait(&m.mainQ, PhaseMain, ctx)
	m.executeQueueAndWait(&m.cleanupQ, PhaseCleanUp, ctx)

	telemetry.CyclesTotal.Inc()
}

func (m *Manager) promoteNextCycleJobs() {
	m.nextCycleMu.Lock()
	pending := m.nextCycleQueue
	m.nextCycleQueue = nil
	m.nextCycleMu.Unlock()

	for _, job := range pending {
		q := m.queueFor(job.phase)
		q.mu.Lock(context.Background())
		job.setState(StateQueued)
		q.jobs = append(q.jobs, job)
		q.mu.Unlock()
	}
}

func (m *Manager) resetBlacklist() {
	m.blacklistMu.Lock()
	m.blacklist = make(map[string]bool)
	m.blacklistMu.Unlock()
}

// executeQueueAndWait hands every ready job in q to the dispatcher and
// spins until all synchronous ones finish. Jobs that report themselves not
// ready for execution (TimerJob ahead of its interval) are reserved for the
// next cycle instead of being dispatched.
func (m *Manager) executeQueueAndWait(q *phaseQueue, phase Phase, ctx *Context) {
	q.mu.Lock(context.Background())
	jobs := q.jobs
	q.jobs = nil
	q.mu.Unlock()

	telemetry.QueueDepth.WithLabelValues(phase.String()).Set(float64(len(jobs)))

	for _, job := range jobs {
		if !job.readyForExecution() {
			m.KickJobForNextCycle(job)
			continue
		}

		if !job.IsAsync() {
			job.attach(q.counter)
		}
		job.setState(StateAwaitingExecution)
		m.workCh <- dispatch{job: job, ctx: ctx}
	}

	for !q.counter.IsFinished() {
		runtime.Gosched()
	}
}

// Await blocks the calling goroutine, yielding cooperatively, until barrier
// resolves.
func (m *Manager) Await(barrier Barrier) {
	for !barrier.IsFinished() {
		runtime.Gosched()
	}
}

// AwaitFuture blocks until future resolves and returns its value.
func AwaitFuture[T any](m *Manager, future *Future[T]) T {
	m.Await(future)
	return future.Value()
}

// WaitForDuration blocks the calling goroutine, yielding cooperatively,
// for at least d.
func (m *Manager) WaitForDuration(d time.Duration) {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		runtime.Gosched()
	}
}

// GetTotalCyclesCount returns how many cycles have completed so far.
func (m *Manager) GetTotalCyclesCount() uint64 {
	return m.totalCycles.Load()
}
